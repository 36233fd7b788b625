// Package session owns the connection/streaming/profile state of the peripheral and
// the transitions driven by link events and inbound command bytes.
package session

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/eegstream/internal/link"
)

// DefaultInboxSize holds the largest RX write the preferred MTU allows.
const DefaultInboxSize = link.PreferredMTU

// Metrics counts how inbound input was handled. All fields are updated atomically.
type Metrics struct {
	Commands    int64 // recognized commands applied
	Ignored     int64 // recognized commands dropped because no link was up
	Unknown     int64 // unrecognized command bytes
	Connects    int64
	Disconnects int64
}

// TransitionFunc observes a state change. It runs on the goroutine that caused the
// change and must not block.
type TransitionFunc func(from, to State)

// Machine is the session state machine. Every method is safe to call concurrently from
// stack callbacks and never blocks on a lock; the state lives in a single atomic word.
type Machine struct {
	state    atomic.Uint32
	links    *link.Holder
	ctrl     *link.Controller
	commands *commandTable
	inbox    *ringbuffer.RingBuffer
	observer atomic.Pointer[TransitionFunc]
	logger   *logrus.Logger
	metrics  Metrics
}

// NewMachine creates a machine in the Boot state. Links attached through the machine
// are published on h, which the controller and emitter read.
func NewMachine(h *link.Holder, ctrl *link.Controller, logger *logrus.Logger) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Machine{
		links:    h,
		ctrl:     ctrl,
		commands: defaultCommands(),
		inbox:    ringbuffer.New(DefaultInboxSize),
		logger:   logger,
	}
	m.state.Store(uint32(Boot))
	return m
}

// State returns the current snapshot.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// SetTransitionHandler installs fn as the observer of every state change; nil removes it.
func (m *Machine) SetTransitionHandler(fn TransitionFunc) {
	if fn == nil {
		m.observer.Store(nil)
		return
	}
	m.observer.Store(&fn)
}

// LinkEstablished handles a new connection: the session becomes Connected-Idle on the
// fast profile and a larger MTU is requested.
func (m *Machine) LinkEstablished(l link.Link) {
	if l == nil {
		m.logger.Error("Link established without a link, ignoring")
		return
	}
	m.links.Attach(l)
	m.ctrl.Forget()
	atomic.AddInt64(&m.metrics.Connects, 1)

	from, to := m.update(func(State) State {
		return Boot.withConnected(true)
	})
	if from.Connected() {
		// Only one central is supported; the new link supersedes the old one.
		m.logger.WithField("address", l.Addr()).Warn("Link established while already connected, replacing previous link")
	}
	m.notify(from, to)

	m.logger.WithField("address", l.Addr()).Info("Client connected")
	m.settle(to.Profile())

	if err := l.RequestMTU(link.PreferredMTU); err != nil {
		m.logger.WithError(err).WithField("mtu", link.PreferredMTU).Debug("MTU request not accepted by link")
	}
}

// LinkLost handles a disconnect from any connected state.
func (m *Machine) LinkLost() {
	old := m.links.Detach()
	m.ctrl.Forget()
	m.inbox.Reset()

	from, to := m.update(func(State) State { return Boot })
	if !from.Connected() {
		m.logger.Debug("Link lost while already disconnected")
		return
	}
	atomic.AddInt64(&m.metrics.Disconnects, 1)
	m.notify(from, to)

	fields := logrus.Fields{"was": from.Phase()}
	if old != nil {
		fields["address"] = old.Addr()
	}
	m.logger.WithFields(fields).Info("Client disconnected")
}

// Receive queues bytes from the RX characteristic and processes every command in order.
// Writes larger than the inbox are fed through it in chunks; no byte is dropped.
func (m *Machine) Receive(p []byte) {
	for len(p) > 0 {
		// smallnest/ringbuffer.Write returns how many bytes were actually queued
		written, _ := m.inbox.Write(p)
		p = p[written:]
		m.drain()
	}
}

func (m *Machine) drain() {
	for {
		b, err := m.inbox.ReadByte()
		if err != nil {
			return
		}
		m.Command(b)
	}
}

// Command applies a single command byte. Unknown bytes and commands received while
// disconnected leave the state untouched.
func (m *Machine) Command(b byte) {
	cmd := Command(b)
	t, ok := m.commands.Get(cmd)
	if !ok {
		atomic.AddInt64(&m.metrics.Unknown, 1)
		m.logger.WithField("command", cmd).Info("Ignoring unknown command")
		return
	}

	applied := false
	from, to := m.update(func(cur State) State {
		if !cur.Connected() {
			applied = false
			return cur
		}
		applied = true
		return cur.withStreaming(t.streaming).withProfile(t.profile)
	})
	if !applied {
		atomic.AddInt64(&m.metrics.Ignored, 1)
		m.logger.WithField("command", cmd).Debug("Command ignored while disconnected")
		return
	}

	atomic.AddInt64(&m.metrics.Commands, 1)
	m.notify(from, to)
	m.logger.WithFields(logrus.Fields{
		"command": cmd,
		"state":   to.Phase(),
		"profile": t.profile,
	}).Info("Mode changed")

	m.settle(t.profile)
}

// Metrics returns a snapshot of the input counters.
func (m *Machine) Metrics() Metrics {
	return Metrics{
		Commands:    atomic.LoadInt64(&m.metrics.Commands),
		Ignored:     atomic.LoadInt64(&m.metrics.Ignored),
		Unknown:     atomic.LoadInt64(&m.metrics.Unknown),
		Connects:    atomic.LoadInt64(&m.metrics.Connects),
		Disconnects: atomic.LoadInt64(&m.metrics.Disconnects),
	}
}

// update applies fn with a compare-and-swap loop and returns the states on either side
// of the winning swap. fn may run more than once and must be pure apart from captures
// it overwrites on every call.
func (m *Machine) update(fn func(State) State) (from, to State) {
	for {
		cur := m.state.Load()
		next := fn(State(cur))
		if m.state.CompareAndSwap(cur, uint32(next)) {
			return State(cur), next
		}
	}
}

// settle requests p and repeats with the state's profile until the last request matches
// the state. A transition that lands between the swap and the request is caught by the
// re-check after it.
func (m *Machine) settle(p link.Profile) {
	for {
		m.ctrl.Apply(p)
		cur := m.State()
		if !cur.Connected() || cur.Profile() == p {
			return
		}
		p = cur.Profile()
	}
}

func (m *Machine) notify(from, to State) {
	if from == to {
		return
	}
	if fn := m.observer.Load(); fn != nil {
		(*fn)(from, to)
	}
}
