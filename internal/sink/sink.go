// Package sink delivers decoded frames from the monitor to external consumers.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/srg/eegstream/internal/packet"
)

// Frame is one decoded sample frame.
type Frame struct {
	ReceivedAt time.Time
	Seq        byte
	Index      int // position within its packet
	Channels   [packet.Channels]int32
}

// Microvolts returns the frame scaled to microvolts.
func (f Frame) Microvolts() [packet.Channels]float64 {
	var out [packet.Channels]float64
	for i, v := range f.Channels {
		out[i] = packet.Microvolts(v)
	}
	return out
}

// FramesOf splits a packet into its frames.
func FramesOf(p *packet.Packet, at time.Time) []Frame {
	out := make([]Frame, packet.FramesPerPacket)
	for i := range out {
		out[i] = Frame{ReceivedAt: at, Seq: p.Seq, Index: i, Channels: p.Frames[i]}
	}
	return out
}

// Sink consumes batches of frames. Write is called from a single goroutine.
type Sink interface {
	Write(ctx context.Context, frames []Frame) error
	Close() error
}

// Multi fans a batch out to several sinks. Every sink sees every batch; errors are joined.
type Multi []Sink

func (m Multi) Write(ctx context.Context, frames []Frame) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, frames); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
