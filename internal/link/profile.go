package link

import (
	"fmt"
	"strings"
	"time"
)

// Profile is a named throughput/power trade-off point.
type Profile uint8

const (
	// Fast favours throughput and latency; used for the handshake and while streaming.
	Fast Profile = iota
	// Idle keeps commands responsive at moderate power.
	Idle
	// Sleep maximises power saving. Commands may take one or two link heartbeats to land.
	Sleep
)

// IntervalUnit is the granularity of a BLE connection interval.
const IntervalUnit = 1250 * time.Microsecond

// intervals is indexed by Profile and expressed in IntervalUnit.
var intervals = [...]uint16{
	Fast:  6,   // 7.5 ms
	Idle:  80,  // 100 ms
	Sleep: 800, // 1000 ms
}

var profileNames = [...]string{
	Fast:  "fast",
	Idle:  "idle",
	Sleep: "sleep",
}

// Profiles lists every profile in table order.
func Profiles() []Profile {
	return []Profile{Fast, Idle, Sleep}
}

// Valid reports whether p is one of the defined profiles.
func (p Profile) Valid() bool {
	return int(p) < len(intervals)
}

// Interval returns the connection interval requested for p, in IntervalUnit.
func (p Profile) Interval() uint16 {
	if !p.Valid() {
		return 0
	}
	return intervals[p]
}

// Duration returns the connection interval requested for p.
func (p Profile) Duration() time.Duration {
	return time.Duration(p.Interval()) * IntervalUnit
}

func (p Profile) String() string {
	if !p.Valid() {
		return fmt.Sprintf("profile(%d)", uint8(p))
	}
	return profileNames[p]
}

// ParseProfile converts a profile name back to a Profile.
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast", "stream", "streaming":
		return Fast, nil
	case "idle", "medium":
		return Idle, nil
	case "sleep", "hold", "slow":
		return Sleep, nil
	default:
		return 0, fmt.Errorf("invalid profile %q: use fast, idle, or sleep", s)
	}
}
