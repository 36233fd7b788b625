// Package peripheral assembles the streaming core (session, link controller, emitter)
// and runs it on top of a BLE stack backend.
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/eegstream/internal/emitter"
	"github.com/srg/eegstream/internal/groutine"
	"github.com/srg/eegstream/internal/link"
	"github.com/srg/eegstream/internal/sample"
	"github.com/srg/eegstream/internal/session"
)

// Events is what a backend reports from its stack callbacks. Implementations must be
// safe to call from any goroutine; session.Machine is the production implementation.
type Events interface {
	LinkEstablished(l link.Link)
	LinkLost()
	Receive(p []byte)
}

// Backend is a BLE stack that exposes the UART service, advertises, and reports link
// events until ctx is done.
type Backend interface {
	Name() string
	Serve(ctx context.Context, adv Advertisement, ev Events) error
}

// ErrBackendStopped is returned by Run when a backend returns without an error before
// the context is done.
var ErrBackendStopped = errors.New("backend stopped")

// Options configures a Device. Zero values use the package defaults.
type Options struct {
	Advertisement Advertisement
	Period        time.Duration
	SampleStart   uint32
}

// Status is a point-in-time view of the device, for logs and the CLI.
type Status struct {
	State      session.State
	Address    string
	Sequence   byte
	Emitter    emitter.Stats
	Session    session.Metrics
	Controller link.ControllerMetrics
}

// Device is one peripheral: a session machine fed by a backend, and an emitter that
// streams while the session allows it.
type Device struct {
	backend Backend
	opts    Options
	logger  *logrus.Logger

	links   *link.Holder
	ctrl    *link.Controller
	machine *session.Machine
	emitter *emitter.Emitter
}

// New wires a device around backend.
func New(backend Backend, opts Options, logger *logrus.Logger) *Device {
	if logger == nil {
		logger = logrus.New()
	}
	opts.Advertisement = withDefaults(opts.Advertisement)
	if opts.Period <= 0 {
		opts.Period = emitter.DefaultPeriod
	}

	h := &link.Holder{}
	ctrl := link.NewController(h, logger)
	m := session.NewMachine(h, ctrl, logger)
	return &Device{
		backend: backend,
		opts:    opts,
		logger:  logger,
		links:   h,
		ctrl:    ctrl,
		machine: m,
		emitter: emitter.New(m, sample.New(opts.SampleStart), h, logger),
	}
}

// Run serves until ctx is done or the backend fails. The emitter runs on its own
// goroutine for the lifetime of the call.
func (d *Device) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	d.logger.WithFields(logrus.Fields{
		"backend": d.backend.Name(),
		"name":    d.opts.Advertisement.Name,
		"period":  d.opts.Period,
	}).Info("Starting peripheral")

	var workers groutine.Group
	workers.Go(ctx, "emitter", func(ctx context.Context) {
		d.emitter.Run(ctx, d.opts.Period)
	})

	err := d.backend.Serve(ctx, d.opts.Advertisement, d.machine)
	cancel()
	workers.Wait()

	if d.machine.State().Connected() {
		d.machine.LinkLost()
	}

	st := d.emitter.Stats()
	d.logger.WithFields(logrus.Fields{
		"packets_sent": st.PacketsSent,
		"write_errors": st.WriteErrors,
		"idle_ticks":   st.IdleTicks,
	}).Info("Peripheral stopped")

	switch {
	case parent.Err() != nil, errors.Is(err, context.Canceled):
		return nil
	case err == nil:
		return ErrBackendStopped
	default:
		return fmt.Errorf("%s backend: %w", d.backend.Name(), err)
	}
}

// Status returns a snapshot of the device.
func (d *Device) Status() Status {
	s := Status{
		State:      d.machine.State(),
		Sequence:   d.emitter.Sequence(),
		Emitter:    d.emitter.Stats(),
		Session:    d.machine.Metrics(),
		Controller: d.ctrl.Metrics(),
	}
	if l := d.links.Current(); l != nil {
		s.Address = l.Addr()
	}
	return s
}

// Machine exposes the session machine, e.g. to install a transition handler.
func (d *Device) Machine() *session.Machine {
	return d.machine
}

// Emitter exposes the packet emitter.
func (d *Device) Emitter() *emitter.Emitter {
	return d.emitter
}

func withDefaults(a Advertisement) Advertisement {
	def := DefaultAdvertisement()
	if a.Name == "" {
		a.Name = def.Name
	}
	if a.MinInterval == 0 {
		a.MinInterval = def.MinInterval
	}
	if a.MaxInterval == 0 {
		a.MaxInterval = def.MaxInterval
	}
	if a.MaxInterval < a.MinInterval {
		a.MaxInterval = a.MinInterval
	}
	return a
}
