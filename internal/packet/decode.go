package packet

import (
	"errors"
	"fmt"
)

var (
	// ErrShortPacket is returned when fewer than Size bytes are available.
	ErrShortPacket = errors.New("packet too short")

	// ErrBadSync is returned when byte 0 is not SyncByte.
	ErrBadSync = errors.New("missing sync byte")

	// ErrBadEnd is returned when the last byte is not EndByte.
	ErrBadEnd = errors.New("missing end marker")

	// ErrChecksum is returned when the checksum byte does not match the payload.
	ErrChecksum = errors.New("checksum mismatch")
)

// MicrovoltsPerCount converts a raw 24-bit count to microvolts
// (4.5 V reference, 24-bit signed full scale, gain 24).
const MicrovoltsPerCount = 4.5 / 8388607 / 24.0 * 1e6

// Packet is a decoded packet.
type Packet struct {
	Seq      byte
	Checksum byte
	Frames   Frames
}

// Parse validates and decodes the first Size bytes of b.
func Parse(b []byte) (*Packet, error) {
	if len(b) < Size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrShortPacket, len(b), Size)
	}
	if b[0] != SyncByte {
		return nil, fmt.Errorf("%w: got 0x%02X", ErrBadSync, b[0])
	}
	if b[endOffset] != EndByte {
		return nil, fmt.Errorf("%w: got 0x%02X", ErrBadEnd, b[endOffset])
	}

	sum := Checksum(b[payloadOffset:checksumOffset])
	if sum != b[checksumOffset] {
		return nil, fmt.Errorf("%w: computed 0x%02X, packet carries 0x%02X", ErrChecksum, sum, b[checksumOffset])
	}

	p := &Packet{Seq: b[1], Checksum: sum}
	idx := payloadOffset
	for f := 0; f < FramesPerPacket; f++ {
		for ch := 0; ch < Channels; ch++ {
			p.Frames[f][ch] = Int24(b[idx], b[idx+1], b[idx+2])
			idx += SampleBytes
		}
	}
	return p, nil
}

// Int24 sign-extends a big-endian 24-bit two's complement value.
func Int24(b1, b2, b3 byte) int32 {
	v := int32(b1)<<16 | int32(b2)<<8 | int32(b3)
	if v&0x800000 != 0 {
		v -= 0x1000000
	}
	return v
}

// Microvolts scales a raw count to microvolts.
func Microvolts(raw int32) float64 {
	return float64(raw) * MicrovoltsPerCount
}
