package session

import (
	"fmt"

	"github.com/srg/eegstream/internal/link"
)

// State is an immutable snapshot of the session. The three fields are packed into one
// word so that a single atomic load can never observe a half-applied transition.
type State uint32

const (
	connectedBit State = 1 << 0
	streamingBit State = 1 << 1
	profileShift       = 2
	profileMask  State = 0x3 << profileShift
)

// Boot is the state at power-up and after every disconnect.
const Boot State = State(link.Fast) << profileShift

// Phase names the three reachable combinations of the connection and streaming flags.
type Phase uint8

const (
	Disconnected Phase = iota
	ConnectedIdle
	ConnectedStreaming
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case ConnectedIdle:
		return "connected-idle"
	case ConnectedStreaming:
		return "connected-streaming"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Connected reports whether a link is established.
func (s State) Connected() bool { return s&connectedBit != 0 }

// Streaming reports whether the emitter should produce packets.
func (s State) Streaming() bool { return s&streamingBit != 0 }

// Profile returns the profile last requested for the link.
func (s State) Profile() link.Profile { return link.Profile((s & profileMask) >> profileShift) }

// Phase maps the flags onto the state machine's named states.
func (s State) Phase() Phase {
	switch {
	case !s.Connected():
		return Disconnected
	case s.Streaming():
		return ConnectedStreaming
	default:
		return ConnectedIdle
	}
}

// Active reports whether packets should be emitted. It is the one check the emitter makes.
func (s State) Active() bool {
	return s&(connectedBit|streamingBit) == connectedBit|streamingBit
}

func (s State) withConnected(v bool) State {
	if v {
		return s | connectedBit
	}
	return s &^ (connectedBit | streamingBit)
}

func (s State) withStreaming(v bool) State {
	if v {
		return s | streamingBit
	}
	return s &^ streamingBit
}

func (s State) withProfile(p link.Profile) State {
	return s&^profileMask | State(p)<<profileShift&profileMask
}

func (s State) String() string {
	return fmt.Sprintf("%s/%s", s.Phase(), s.Profile())
}
