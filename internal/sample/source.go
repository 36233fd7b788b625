// Package sample generates the synthetic electrode signal streamed by the peripheral.
package sample

import (
	"sync/atomic"

	"github.com/srg/eegstream/internal/packet"
)

const (
	// High and Low are the two levels of the square wave, in raw ADC counts.
	High int32 = 4_000_000
	Low  int32 = -4_000_000

	// HalfPeriod is the number of frames between polarity flips.
	HalfPeriod = 25

	// MirroredFrom is the first channel whose polarity is inverted, simulating the
	// opposite electrode of each pair.
	MirroredFrom = 4
)

// Value returns the sample for channel at the given counter value. It is pure.
func Value(counter uint32, channel int) int32 {
	v := High
	if (counter/HalfPeriod)%2 != 0 {
		v = Low
	}
	if channel >= MirroredFrom {
		return -v
	}
	return v
}

// Source owns the sample counter. The counter advances once per frame, not once per
// channel, so every channel of a frame is sampled at the same instant.
type Source struct {
	counter atomic.Uint32
}

// New creates a Source whose first frame is generated at counter start+1.
func New(start uint32) *Source {
	s := &Source{}
	s.counter.Store(start)
	return s
}

// Counter returns the number of frames generated so far (plus the start offset).
func (s *Source) Counter() uint32 {
	return s.counter.Load()
}

// NextFrame advances the counter and fills frame with one value per channel.
func (s *Source) NextFrame(frame *[packet.Channels]int32) {
	c := s.counter.Add(1)
	for ch := range frame {
		frame[ch] = Value(c, ch)
	}
}

// Fill generates packet.FramesPerPacket consecutive frames.
func (s *Source) Fill(frames *packet.Frames) {
	for f := range frames {
		s.NextFrame(&frames[f])
	}
}
