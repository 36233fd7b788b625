package session

import (
	"fmt"

	"github.com/cornelk/hashmap"
	"github.com/srg/eegstream/internal/link"
)

// Command is a single ASCII byte written by the central to the RX characteristic.
type Command byte

const (
	// Begin starts streaming on the fast profile.
	Begin Command = 'b'
	// Stop stops streaming and drops to the idle profile.
	Stop Command = 's'
	// Hold stops streaming and drops to the sleep profile. The link stays up.
	Hold Command = 'd'
)

func (c Command) String() string {
	switch c {
	case Begin:
		return "begin"
	case Stop:
		return "stop"
	case Hold:
		return "hold"
	}
	if c >= 0x20 && c < 0x7F {
		return fmt.Sprintf("%q", rune(c))
	}
	return fmt.Sprintf("0x%02X", byte(c))
}

// ParseCommand accepts a command name or its single-character form.
func ParseCommand(s string) (Command, error) {
	switch s {
	case "begin", "start", "b":
		return Begin, nil
	case "stop", "idle", "s":
		return Stop, nil
	case "hold", "sleep", "d":
		return Hold, nil
	default:
		return 0, fmt.Errorf("invalid command %q: use begin, stop, or hold", s)
	}
}

// transition is what a recognized command does to a connected session.
type transition struct {
	streaming bool
	profile   link.Profile
}

// commandTable is read from the RX callback on every byte; the lock-free map keeps that
// path free of mutexes.
type commandTable = hashmap.Map[Command, transition]

func defaultCommands() *commandTable {
	m := hashmap.New[Command, transition]()
	m.Set(Begin, transition{streaming: true, profile: link.Fast})
	m.Set(Stop, transition{streaming: false, profile: link.Idle})
	m.Set(Hold, transition{streaming: false, profile: link.Sleep})
	return m
}
