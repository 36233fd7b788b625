// Package link models the active BLE connection as seen by the streaming core and the
// controller that maps power profiles onto connection-interval requests.
//
// The BLE stack itself is a collaborator: backends in internal/peripheral adapt it to
// the Link interface.
package link

import (
	"errors"
	"sync/atomic"
)

// PreferredMTU is requested right after a link is established so a whole packet fits in
// one notification.
const PreferredMTU = 247

var (
	// ErrNoLink is returned by Holder.Write while no link is attached.
	ErrNoLink = errors.New("no active link")

	// ErrIntervalUnsupported is returned by backends whose stack cannot ask the central
	// for new connection parameters.
	ErrIntervalUnsupported = errors.New("connection interval requests not supported by this stack")

	// ErrMTUUnsupported is returned by backends whose stack negotiates the MTU on its own.
	ErrMTUUnsupported = errors.New("MTU requests not supported by this stack")
)

// Link is one live connection to the central. All calls must be non-blocking requests:
// none of them waits for the peer to accept.
type Link interface {
	// RequestConnectionInterval asks the central to move to the given interval,
	// in IntervalUnit. The peer may refuse or pick another value.
	RequestConnectionInterval(units uint16) error

	// RequestMTU asks for a larger ATT MTU.
	RequestMTU(mtu int) error

	// Write sends one notification on the TX characteristic.
	Write(p []byte) (int, error)

	// Addr identifies the peer for logging.
	Addr() string
}

// Holder publishes the current Link to concurrent readers (emitter tick, controller)
// without locks.
type Holder struct {
	current atomic.Pointer[linkBox]
}

// linkBox lets an interface value live behind atomic.Pointer.
type linkBox struct {
	l Link
}

// Attach makes l the active link, replacing any previous one.
func (h *Holder) Attach(l Link) {
	if l == nil {
		h.current.Store(nil)
		return
	}
	h.current.Store(&linkBox{l: l})
}

// Detach clears the active link and returns the one that was attached, if any.
func (h *Holder) Detach() Link {
	old := h.current.Swap(nil)
	if old == nil {
		return nil
	}
	return old.l
}

// Current returns the active link or nil.
func (h *Holder) Current() Link {
	b := h.current.Load()
	if b == nil {
		return nil
	}
	return b.l
}

// Write forwards p to the active link.
func (h *Holder) Write(p []byte) (int, error) {
	l := h.Current()
	if l == nil {
		return 0, ErrNoLink
	}
	return l.Write(p)
}
