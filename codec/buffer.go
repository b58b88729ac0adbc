package codec

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"unicode/utf8"
)

// DefaultMaxAllocation bounds a single length-prefixed string or collection
// read from the wire.
const DefaultMaxAllocation = 4 * 1024 * 1024

var (
	ErrInvalidBool        = errors.New("codec: invalid boolean value")
	ErrInvalidString      = errors.New("codec: invalid UTF-8 string")
	ErrAllocationTooLarge = errors.New("codec: allocation size exceeds limit")
	ErrNegativeLength     = errors.New("codec: negative length prefix")
)

// Buffer is a binary cursor. Writes append to the tail, reads consume from
// the head. All multi-byte integers are big-endian.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	buf []byte
	off int
}

// NewBuffer returns a Buffer reading from b. Writes append after b.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{buf: b}
}

// Bytes returns the unread portion of the buffer.
func (b *Buffer) Bytes() []byte { return b.buf[b.off:] }

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return len(b.buf) - b.off }

// Offset returns how many bytes have been consumed.
func (b *Buffer) Offset() int { return b.off }

// Reset empties the buffer, keeping the allocation.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
}

// Skip discards the next n unread bytes.
func (b *Buffer) Skip(n int) error {
	if n < 0 || n > b.Len() {
		return io.ErrUnexpectedEOF
	}
	b.off += n
	return nil
}

func (b *Buffer) next(n int) ([]byte, error) {
	if n > b.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	p := b.buf[b.off : b.off+n]
	b.off += n
	return p, nil
}

// Write appends p. It never fails; the signature satisfies io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// WriteByte appends c. It never fails; the signature satisfies io.ByteWriter.
func (b *Buffer) WriteByte(c byte) error {
	b.buf = append(b.buf, c)
	return nil
}

// ReadByte satisfies io.ByteReader, returning io.EOF when empty.
func (b *Buffer) ReadByte() (byte, error) {
	if b.off >= len(b.buf) {
		return 0, io.EOF
	}
	c := b.buf[b.off]
	b.off++
	return c, nil
}

// ReadBytes reads exactly n bytes. The result aliases the buffer.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	return b.next(n)
}

func (b *Buffer) WriteUint8(v uint8) { b.buf = append(b.buf, v) }

func (b *Buffer) WriteUint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

func (b *Buffer) WriteUint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

func (b *Buffer) WriteUint64(v uint64) { b.buf = binary.BigEndian.AppendUint64(b.buf, v) }

func (b *Buffer) WriteFloat32(v float32) { b.WriteUint32(math.Float32bits(v)) }

func (b *Buffer) WriteFloat64(v float64) { b.WriteUint64(math.Float64bits(v)) }

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.WriteUint8(1)
		return
	}
	b.WriteUint8(0)
}

// WriteString writes a 4-byte length prefix followed by the raw UTF-8 bytes.
func (b *Buffer) WriteString(s string) {
	b.WriteUint32(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

func (b *Buffer) ReadUint8() (uint8, error) {
	p, err := b.next(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (b *Buffer) ReadUint16() (uint16, error) {
	p, err := b.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

func (b *Buffer) ReadUint32() (uint32, error) {
	p, err := b.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

func (b *Buffer) ReadUint64() (uint64, error) {
	p, err := b.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

func (b *Buffer) ReadFloat32() (float32, error) {
	v, err := b.ReadUint32()
	return math.Float32frombits(v), err
}

func (b *Buffer) ReadFloat64() (float64, error) {
	v, err := b.ReadUint64()
	return math.Float64frombits(v), err
}

func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadUint8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidBool
	}
}

// ReadLength reads a signed 4-byte length prefix and bounds it by
// DefaultMaxAllocation.
func (b *Buffer) ReadLength() (int, error) {
	v, err := b.ReadUint32()
	if err != nil {
		return 0, err
	}
	n := int32(v)
	if n < 0 {
		return 0, ErrNegativeLength
	}
	if n > DefaultMaxAllocation {
		return 0, ErrAllocationTooLarge
	}
	return int(n), nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadLength()
	if err != nil {
		return "", err
	}
	p, err := b.next(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(p) {
		return "", ErrInvalidString
	}
	return string(p), nil
}
