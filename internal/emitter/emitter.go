// Package emitter produces one sample packet per tick while the session is streaming.
package emitter

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/eegstream/internal/packet"
	"github.com/srg/eegstream/internal/sample"
	"github.com/srg/eegstream/internal/session"
)

// DefaultPeriod is the tick period: 250 frames/s at two frames per packet.
const DefaultPeriod = 8 * time.Millisecond

// StateReader exposes the session snapshot the emitter gates on.
type StateReader interface {
	State() session.State
}

// Stats counts emitter activity. All fields are updated atomically.
type Stats struct {
	PacketsSent int64 // packets handed to the link without error
	WriteErrors int64 // packets the link refused
	IdleTicks   int64 // ticks skipped because the session was not streaming
}

// Emitter builds and sends packets. Tick is meant to be called from a single goroutine
// (Run's loop); the counters may be read from anywhere.
type Emitter struct {
	state  StateReader
	source *sample.Source
	out    io.Writer
	logger *logrus.Logger

	seq     atomic.Uint32
	frames  packet.Frames
	buf     packet.Buffer
	failing atomic.Bool
	stats   Stats
}

// New creates an emitter that reads the session from state, samples from source and
// writes framed packets to out. out is usually the link.Holder.
func New(state StateReader, source *sample.Source, out io.Writer, logger *logrus.Logger) *Emitter {
	if logger == nil {
		logger = logrus.New()
	}
	if source == nil {
		source = sample.New(0)
	}
	return &Emitter{
		state:  state,
		source: source,
		out:    out,
		logger: logger,
	}
}

// Tick emits at most one packet and reports whether it did. When the session is not
// both connected and streaming it returns without touching the source or the link.
func (e *Emitter) Tick() bool {
	if !e.state.State().Active() {
		atomic.AddInt64(&e.stats.IdleTicks, 1)
		return false
	}

	e.source.Fill(&e.frames)
	seq := byte(e.seq.Load())
	packet.EncodeFrames(&e.buf, &e.frames, seq)
	// The sequence advances for every framed packet, sent or not, so the receiver
	// can count what the link dropped.
	e.seq.Store(uint32(seq + 1))

	if _, err := e.out.Write(e.buf[:]); err != nil {
		atomic.AddInt64(&e.stats.WriteErrors, 1)
		if !e.failing.Swap(true) {
			e.logger.WithError(err).WithField("seq", seq).Warn("Packet write failed, dropping")
		} else {
			e.logger.WithError(err).WithField("seq", seq).Debug("Packet write failed, dropping")
		}
		return false
	}
	if e.failing.Swap(false) {
		e.logger.WithField("seq", seq).Info("Packet writes recovered")
	}
	atomic.AddInt64(&e.stats.PacketsSent, 1)
	return true
}

// Run ticks every period until ctx is done. A non-positive period uses DefaultPeriod.
func (e *Emitter) Run(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = DefaultPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	e.logger.WithField("period", period).Debug("Emitter started")
	defer e.logger.Debug("Emitter stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Sequence returns the sequence number the next packet will carry.
func (e *Emitter) Sequence() byte {
	return byte(e.seq.Load())
}

// Stats returns a snapshot of the counters.
func (e *Emitter) Stats() Stats {
	return Stats{
		PacketsSent: atomic.LoadInt64(&e.stats.PacketsSent),
		WriteErrors: atomic.LoadInt64(&e.stats.WriteErrors),
		IdleTicks:   atomic.LoadInt64(&e.stats.IdleTicks),
	}
}
