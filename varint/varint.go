// Package varint implements the 7-bit continuation encoding used for frame
// lengths.
//
// Each byte carries 7 data bits, least significant group first. The high bit
// (0x80) is set on every byte except the last. A uint32 occupies 1 to 5 bytes:
//
//	value      bytes
//	0..127     1
//	..16383    2
//	..2^21-1   3
//	..2^28-1   4
//	..2^32-1   5
//
// The encoding is only used for unsigned lengths; signed integers elsewhere in
// the protocol are fixed-width big-endian.
package varint

import (
	"errors"
	"io"
)

const (
	segmentBits = 0x7F
	continueBit = 0x80

	// MaxLen is the maximum number of bytes a uint32 varint occupies.
	MaxLen = 5
)

var (
	// ErrTooLarge is returned when the encoded value does not fit in 32 bits.
	ErrTooLarge = errors.New("varint: too large")
	// ErrIncomplete is returned by Peek when the buffer ends mid-varint.
	ErrIncomplete = errors.New("varint: incomplete")
)

// Encode returns the varint encoding of v.
func Encode(v uint32) []byte {
	return Append(make([]byte, 0, Size(v)), v)
}

// Append appends the varint encoding of v to dst.
func Append(dst []byte, v uint32) []byte {
	for v&^segmentBits != 0 {
		dst = append(dst, byte(v&segmentBits)|continueBit)
		v >>= 7
	}
	return append(dst, byte(v))
}

// Size returns the number of bytes Encode(v) produces.
func Size(v uint32) int {
	n := 1
	for v >= continueBit {
		v >>= 7
		n++
	}
	return n
}

// Read decodes one varint from r.
func Read(r io.ByteReader) (uint32, error) {
	var value uint32
	var position uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && position > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if position == 28 && b&^0x0F != 0 {
			// Fifth byte: only 4 bits are left, and no continuation.
			return 0, ErrTooLarge
		}
		value |= uint32(b&segmentBits) << position
		if b&continueBit == 0 {
			return value, nil
		}
		position += 7
		if position >= 32 {
			return 0, ErrTooLarge
		}
	}
}

// Peek decodes a varint at the start of b without consuming anything.
// It returns the value and the number of bytes it occupies. ErrIncomplete
// means b ends before the terminating byte.
func Peek(b []byte) (uint32, int, error) {
	var value uint32
	var position uint
	for i, c := range b {
		if position == 28 && c&^0x0F != 0 {
			return 0, 0, ErrTooLarge
		}
		value |= uint32(c&segmentBits) << position
		if c&continueBit == 0 {
			return value, i + 1, nil
		}
		position += 7
		if position >= 32 {
			return 0, 0, ErrTooLarge
		}
	}
	return 0, 0, ErrIncomplete
}
