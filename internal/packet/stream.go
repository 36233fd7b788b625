package packet

import (
	"bytes"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"
)

// DefaultStreamCapacity holds roughly a second of packets at the default 8 ms period.
const DefaultStreamCapacity = Size * 128

// StreamStats counts what the reassembler had to throw away.
type StreamStats struct {
	Packets  uint64 // valid packets returned
	Skipped  uint64 // bytes discarded while hunting for a sync byte
	Corrupt  uint64 // candidates rejected by Parse
	Overflow uint64 // bytes dropped because the buffer was full
}

// Stream reassembles packets from an arbitrarily chunked byte stream, such as BLE
// notifications split by a small MTU.
//
// Write may be called from any goroutine. Next must be called from a single consumer.
type Stream struct {
	buf     *ringbuffer.RingBuffer
	pending [Size]byte
	pendLen int

	packets  atomic.Uint64
	skipped  atomic.Uint64
	corrupt  atomic.Uint64
	overflow atomic.Uint64
}

// NewStream creates a reassembler buffering up to capacity bytes.
func NewStream(capacity int) *Stream {
	if capacity < Size {
		capacity = DefaultStreamCapacity
	}
	return &Stream{buf: ringbuffer.New(capacity)}
}

// Write queues raw bytes. Bytes that do not fit are dropped and counted; Write never blocks.
func (s *Stream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	// smallnest/ringbuffer.Write returns how many bytes were actually queued
	written, _ := s.buf.Write(p)
	if written < len(p) {
		s.overflow.Add(uint64(len(p) - written))
	}
	return len(p), nil
}

// Next returns the next valid packet, or false when more bytes are needed.
// A candidate that fails validation gives up only its sync byte, so a real packet
// starting inside it is still found.
func (s *Stream) Next() (*Packet, bool) {
	for {
		for s.pendLen == 0 {
			b, err := s.buf.ReadByte()
			if err != nil {
				return nil, false
			}
			if b != SyncByte {
				s.skipped.Add(1)
				continue
			}
			s.pending[0] = b
			s.pendLen = 1
		}

		if s.pendLen < Size {
			n, _ := s.buf.TryRead(s.pending[s.pendLen:])
			s.pendLen += n
			if s.pendLen < Size {
				return nil, false
			}
		}

		p, err := Parse(s.pending[:])
		if err == nil {
			s.pendLen = 0
			s.packets.Add(1)
			return p, true
		}

		s.corrupt.Add(1)
		s.resync()
	}
}

// resync drops the current sync byte and keeps everything from the next one on.
func (s *Stream) resync() {
	next := bytes.IndexByte(s.pending[1:s.pendLen], SyncByte)
	if next < 0 {
		s.skipped.Add(uint64(s.pendLen))
		s.pendLen = 0
		return
	}
	start := next + 1
	s.skipped.Add(uint64(start))
	s.pendLen = copy(s.pending[:], s.pending[start:s.pendLen])
}

// Buffered returns the number of bytes waiting, including a partial candidate.
func (s *Stream) Buffered() int {
	return s.buf.Length() + s.pendLen
}

// Stats returns a snapshot of the counters.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Packets:  s.packets.Load(),
		Skipped:  s.skipped.Load(),
		Corrupt:  s.corrupt.Load(),
		Overflow: s.overflow.Load(),
	}
}

// Reset drops everything buffered. Counters are kept.
func (s *Stream) Reset() {
	s.buf.Reset()
	s.pendLen = 0
}
