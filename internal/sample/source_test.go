package sample

import (
	"testing"

	"github.com/srg/eegstream/internal/packet"
	"github.com/stretchr/testify/assert"
)

func TestValue_IsPure(t *testing.T) {
	for _, c := range []uint32{0, 24, 25, 49, 50, 1_000_001} {
		for ch := 0; ch < packet.Channels; ch++ {
			assert.Equal(t, Value(c, ch), Value(c, ch), "counter %d channel %d MUST be reproducible", c, ch)
		}
	}
}

func TestValue_FlipsEveryHalfPeriod(t *testing.T) {
	tests := []struct {
		counter uint32
		want    int32
	}{
		{0, High},
		{24, High},
		{25, Low},
		{49, Low},
		{50, High},
		{74, High},
		{75, Low},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Value(tt.counter, 0), "counter %d", tt.counter)
	}

	flips := 0
	for c := uint32(1); c < 1000; c++ {
		if Value(c, 0) != Value(c-1, 0) {
			flips++
			assert.Zero(t, c%HalfPeriod, "flip at %d MUST land on a multiple of %d", c, HalfPeriod)
		}
	}
	assert.Equal(t, 39, flips)
}

func TestValue_MirroredChannels(t *testing.T) {
	for c := uint32(0); c < 200; c++ {
		for ch := 0; ch < MirroredFrom; ch++ {
			assert.Equal(t, -Value(c, ch), Value(c, ch+MirroredFrom),
				"channel %d MUST be the negation of channel %d", ch+MirroredFrom, ch)
		}
	}
}

func TestSource_AdvancesOncePerFrame(t *testing.T) {
	s := New(0)

	var frames packet.Frames
	s.Fill(&frames)

	assert.Equal(t, uint32(2), s.Counter(), "one packet MUST advance the counter by two frames")
	assert.Equal(t, Value(1, 0), frames[0][0])
	assert.Equal(t, Value(2, 7), frames[1][7])
}

func TestSource_FrameStraddlingFlip(t *testing.T) {
	s := New(23)

	var frames packet.Frames
	s.Fill(&frames)

	assert.Equal(t, High, frames[0][0], "frame at counter 24 MUST be high")
	assert.Equal(t, Low, frames[1][0], "frame at counter 25 MUST be low")
	assert.Equal(t, High, frames[1][4])
}
