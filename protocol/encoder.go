package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dolphin2410/bukrs/codec"
	"github.com/dolphin2410/bukrs/packet"
	"github.com/dolphin2410/bukrs/varint"
)

// Encoder serialises packets into frames. It holds no per-call state and is
// safe for concurrent use.
type Encoder struct {
	schema *packet.Schema
	limits Limits
}

// NewEncoder returns an encoder for packets registered in schema.
func NewEncoder(schema *packet.Schema, limits Limits) *Encoder {
	return &Encoder{schema: schema, limits: limits.normalized()}
}

// AppendFrame appends the frame for (payloadID, p) to dst. On error dst is
// returned unchanged.
func (e *Encoder) AppendFrame(dst []byte, payloadID int32, p packet.Packet) ([]byte, error) {
	v, err := e.schema.VariantOf(p)
	if err != nil {
		return dst, fmt.Errorf("protocol: encode: %w", err)
	}
	scratch := codec.NewBuffer(make([]byte, 0, 128))
	scratch.WriteString(v.Name)
	if err := e.schema.EncodeBody(p, scratch); err != nil {
		return dst, fmt.Errorf("protocol: encode: %w", err)
	}
	body := scratch.Bytes()
	if len(body) > e.limits.MaxBodyBytes {
		return dst, fmt.Errorf("protocol: encode %s: %w: body %d bytes, limit %d", v.Name, ErrFrameTooLarge, len(body), e.limits.MaxBodyBytes)
	}
	dst = varint.Append(dst, uint32(len(body)))
	dst = binary.BigEndian.AppendUint32(dst, uint32(payloadID))
	return append(dst, body...), nil
}

// Encode writes the frame for (payloadID, p) to w in a single Write call.
// Nothing is written if the packet fails to encode.
func (e *Encoder) Encode(w io.Writer, payloadID int32, p packet.Packet) error {
	frame, err := e.AppendFrame(nil, payloadID, p)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
