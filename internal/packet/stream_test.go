package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedChunks(s *Stream, data []byte, chunk int) {
	for len(data) > 0 {
		n := chunk
		if n > len(data) {
			n = len(data)
		}
		_, _ = s.Write(data[:n])
		data = data[n:]
	}
}

func TestStream_ReassemblesChunkedPackets(t *testing.T) {
	s := NewStream(0)

	var data []byte
	for seq := byte(0); seq < 5; seq++ {
		buf, _ := Encode(squareValues(high), seq)
		data = append(data, buf[:]...)
	}
	feedChunks(s, data, 20)

	for want := byte(0); want < 5; want++ {
		p, ok := s.Next()
		require.True(t, ok, "packet %d MUST be available", want)
		assert.Equal(t, want, p.Seq)
	}
	_, ok := s.Next()
	assert.False(t, ok, "no packet MUST remain")
	assert.Equal(t, uint64(5), s.Stats().Packets)
}

func TestStream_WaitsForCompletePacket(t *testing.T) {
	s := NewStream(0)
	buf, _ := Encode(squareValues(low), 3)

	_, _ = s.Write(buf[:30])
	_, ok := s.Next()
	assert.False(t, ok, "partial packet MUST NOT be returned")
	assert.Equal(t, 30, s.Buffered())

	_, _ = s.Write(buf[30:])
	p, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, byte(3), p.Seq)
}

func TestStream_SkipsGarbageBeforeSync(t *testing.T) {
	s := NewStream(0)
	buf, _ := Encode(squareValues(high), 9)

	_, _ = s.Write([]byte{0x00, 0x11, 0x22})
	_, _ = s.Write(buf[:])

	p, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, byte(9), p.Seq)
	assert.Equal(t, uint64(3), s.Stats().Skipped)
}

func TestStream_ResyncsAfterCorruptPacket(t *testing.T) {
	s := NewStream(0)

	bad, _ := Encode(squareValues(high), 1)
	bad[50] ^= 0xFF
	good, _ := Encode(squareValues(high), 2)

	_, _ = s.Write(bad[:])
	_, _ = s.Write(good[:])

	p, ok := s.Next()
	require.True(t, ok, "valid packet after a corrupt one MUST be recovered")
	assert.Equal(t, byte(2), p.Seq)
	assert.Equal(t, uint64(1), s.Stats().Corrupt)
}

func TestStream_FindsPacketStartingInsideFalseCandidate(t *testing.T) {
	s := NewStream(0)
	good, _ := Encode(squareValues(low), 77)

	_, _ = s.Write([]byte{SyncByte, 0x01, 0x02})
	_, _ = s.Write(good[:])

	p, ok := s.Next()
	require.True(t, ok, "packet overlapping a false sync MUST be found")
	assert.Equal(t, byte(77), p.Seq)
	assert.Equal(t, uint64(1), s.Stats().Corrupt)
}

func TestStream_CountsOverflow(t *testing.T) {
	s := NewStream(Size)
	buf, _ := Encode(squareValues(high), 0)

	_, _ = s.Write(buf[:])
	_, _ = s.Write([]byte{0x01, 0x02})

	assert.Equal(t, uint64(2), s.Stats().Overflow)
}

func TestLossTracker(t *testing.T) {
	var lt LossTracker

	assert.Equal(t, 0, lt.Observe(250))
	assert.Equal(t, 0, lt.Observe(251))
	assert.Equal(t, 2, lt.Observe(254), "two missing packets MUST be reported")
	assert.Equal(t, 0, lt.Observe(255))
	assert.Equal(t, 0, lt.Observe(0), "wrap from 255 to 0 MUST NOT count as loss")
	assert.Equal(t, 0, lt.Observe(0), "duplicate MUST be ignored")

	assert.Equal(t, uint64(5), lt.Received())
	assert.Equal(t, uint64(7), lt.Expected())
	assert.Equal(t, uint64(1), lt.Duplicates())
	assert.InDelta(t, 2.0/7.0*100, lt.LossPercent(), 1e-9)

	last, ok := lt.Last()
	assert.True(t, ok)
	assert.Equal(t, byte(0), last)

	lt.Reset()
	assert.Zero(t, lt.LossPercent())
	_, ok = lt.Last()
	assert.False(t, ok)
}
