// Package protocol implements the length-prefixed frame protocol.
//
// A frame is a varint body length, a 4-byte big-endian payload id and the
// body. The length counts only the body (packet name plus fields), not the
// header:
//
//	┌────────────────┬──────────────┬───────────────────────────────┐
//	│ VarInt(bodyLen)│ Int32(id)    │ String(name) Field* ...       │
//	│ 1..5 bytes     │ 4 bytes      │ bodyLen bytes                 │
//	└────────────────┴──────────────┴───────────────────────────────┘
//
// Decoder is the stream-to-packet stage: it buffers bytes and yields a frame
// only once the whole body is buffered. Encoder is the packet-to-stream stage:
// it serialises the body into scratch space first and emits nothing on
// failure.
package protocol

import (
	"errors"

	"github.com/dolphin2410/bukrs/packet"
	"github.com/dolphin2410/bukrs/varint"
)

const (
	// MinHeaderSize is the smallest possible header: a 1-byte varint and the
	// 4-byte payload id.
	MinHeaderSize = 1 + 4
	// MaxHeaderSize is the largest possible header.
	MaxHeaderSize = varint.MaxLen + 4

	// minFrameSize is a 1-byte header plus the shortest possible body byte.
	minFrameSize = MinHeaderSize + 1
)

var (
	ErrFrameTooLarge    = errors.New("protocol: frame too large")
	ErrConnectionClosed = errors.New("protocol: connection closed")
)

// Frame is one decoded message.
type Frame struct {
	PayloadID int32
	Name      string
	Packet    packet.Packet
}

// Limits constrains frame sizes in both directions.
type Limits struct {
	MaxBodyBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxBodyBytes: 4 * 1024 * 1024}
}

func (l Limits) normalized() Limits {
	if l.MaxBodyBytes <= 0 {
		return DefaultLimits()
	}
	return l
}
