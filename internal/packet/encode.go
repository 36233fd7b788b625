// Package packet implements the fixed-size sample packet used on the TX characteristic:
//
//	byte 0       sync (0xA0)
//	byte 1       sequence number, wraps at 256
//	bytes 2..49  2 frames × 8 channels × int24 big-endian
//	byte 50      checksum, 8-bit sum of bytes 2..49
//	byte 51      end marker (0xC0)
package packet

import "fmt"

const (
	// SyncByte opens every packet.
	SyncByte byte = 0xA0

	// EndByte closes every packet.
	EndByte byte = 0xC0

	// Channels is the number of signal channels per frame.
	Channels = 8

	// FramesPerPacket is the number of frames packed into one packet.
	FramesPerPacket = 2

	// SampleBytes is the on-wire width of a single sample.
	SampleBytes = 3

	// ValuesPerPacket is the number of samples an encoder call expects.
	ValuesPerPacket = Channels * FramesPerPacket

	// PayloadSize is the number of sample bytes covered by the checksum.
	PayloadSize = ValuesPerPacket * SampleBytes

	// Size is the total packet length on the wire.
	Size = 1 + 1 + PayloadSize + 1 + 1

	payloadOffset  = 2
	checksumOffset = payloadOffset + PayloadSize
	endOffset      = checksumOffset + 1
)

// Buffer is a single framed packet.
type Buffer [Size]byte

// Encode frames values (frame-major: frame 0 channels 0..7, then frame 1) with the given
// sequence number and returns the packet and its checksum.
//
// Each value is truncated to its low 24 bits. Encode panics when len(values) is not
// ValuesPerPacket: a short or long packet must never reach the link.
func Encode(values []int32, seq byte) (Buffer, byte) {
	var buf Buffer
	sum := EncodeInto(&buf, values, seq)
	return buf, sum
}

// EncodeInto is Encode without the copy, for callers that reuse a Buffer.
func EncodeInto(buf *Buffer, values []int32, seq byte) byte {
	if len(values) != ValuesPerPacket {
		panic(fmt.Sprintf("packet: encode needs %d values, got %d", ValuesPerPacket, len(values)))
	}

	buf[0] = SyncByte
	buf[1] = seq

	var sum byte
	idx := payloadOffset
	for _, v := range values {
		sum += putSample(buf, idx, v)
		idx += SampleBytes
	}

	buf[checksumOffset] = sum
	buf[endOffset] = EndByte
	return sum
}

// Frames holds one packet worth of samples, frame-major.
type Frames [FramesPerPacket][Channels]int32

// EncodeFrames is EncodeInto for callers that already hold the samples as Frames.
// The array type makes the value count a compile-time property, so it cannot panic.
func EncodeFrames(buf *Buffer, frames *Frames, seq byte) byte {
	buf[0] = SyncByte
	buf[1] = seq

	var sum byte
	idx := payloadOffset
	for f := range frames {
		for _, v := range frames[f] {
			sum += putSample(buf, idx, v)
			idx += SampleBytes
		}
	}

	buf[checksumOffset] = sum
	buf[endOffset] = EndByte
	return sum
}

// putSample writes the low 24 bits of v big-endian at idx and returns their byte sum.
func putSample(buf *Buffer, idx int, v int32) byte {
	b1 := byte(v >> 16)
	b2 := byte(v >> 8)
	b3 := byte(v)
	buf[idx] = b1
	buf[idx+1] = b2
	buf[idx+2] = b3
	return b1 + b2 + b3
}

// Checksum returns the 8-bit wraparound sum of payload.
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return sum
}
