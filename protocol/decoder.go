package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dolphin2410/bukrs/codec"
	"github.com/dolphin2410/bukrs/packet"
	"github.com/dolphin2410/bukrs/varint"
)

// compactThreshold is how many consumed bytes the decoder tolerates at the
// head of its buffer before shifting the unread tail down.
const compactThreshold = 4096

// Decoder is a per-connection frame decoder. It is not safe for concurrent
// use; each connection owns one.
//
// Packets returned by Next must not retain slices obtained from
// codec.Buffer.ReadBytes: the decoder reuses its buffer.
type Decoder struct {
	schema *packet.Schema
	limits Limits
	buf    []byte
	off    int
	err    error
}

// NewDecoder returns a decoder resolving packet names against schema.
func NewDecoder(schema *packet.Schema, limits Limits) *Decoder {
	return &Decoder{schema: schema, limits: limits.normalized()}
}

// Feed appends stream bytes.
func (d *Decoder) Feed(p []byte) {
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	} else if d.off >= compactThreshold {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }

// Err returns the fatal error that stopped the decoder, if any.
func (d *Decoder) Err() error { return d.err }

// Next decodes one frame if a complete one is buffered. It returns ok=false
// with a nil error when more bytes are needed; nothing is consumed in that
// case. Any error is fatal: the stream can no longer be trusted to be
// frame-aligned, and every later call returns the same error.
func (d *Decoder) Next() (f Frame, ok bool, err error) {
	if d.err != nil {
		return Frame{}, false, d.err
	}
	avail := d.buf[d.off:]
	if len(avail) < minFrameSize {
		return Frame{}, false, nil
	}

	length, n, err := varint.Peek(avail)
	if errors.Is(err, varint.ErrIncomplete) {
		return Frame{}, false, nil
	}
	if err != nil {
		return Frame{}, false, d.fail(fmt.Errorf("frame length: %w", err))
	}
	header := n + 4
	if len(avail) < header {
		return Frame{}, false, nil
	}
	if uint64(length) > uint64(d.limits.MaxBodyBytes) {
		return Frame{}, false, d.fail(fmt.Errorf("%w: body %d bytes, limit %d", ErrFrameTooLarge, length, d.limits.MaxBodyBytes))
	}
	total := header + int(length)
	if len(avail) < total {
		return Frame{}, false, nil
	}

	payloadID := int32(binary.BigEndian.Uint32(avail[n:header]))
	body := codec.NewBuffer(avail[header:total])
	name, err := body.ReadString()
	if err != nil {
		return Frame{}, false, d.fail(fmt.Errorf("packet name: %w", err))
	}
	p, err := d.schema.DecodeBody(name, body)
	if err != nil {
		return Frame{}, false, d.fail(err)
	}

	// The declared length is authoritative; trailing body bytes are skipped.
	d.off += total
	return Frame{PayloadID: payloadID, Name: name, Packet: p}, true, nil
}

func (d *Decoder) fail(err error) error {
	d.err = fmt.Errorf("protocol: decode: %w", err)
	d.buf = nil
	d.off = 0
	return d.err
}

// ReadFrame reads from r into scratch until one frame is decoded. r is only
// read when no complete frame is already buffered. An EOF that cuts a frame
// short is reported as io.ErrUnexpectedEOF.
func (d *Decoder) ReadFrame(r io.Reader, scratch []byte) (Frame, error) {
	if len(scratch) == 0 {
		scratch = make([]byte, 4096)
	}
	var readErr error
	for {
		f, ok, err := d.Next()
		if err != nil {
			return Frame{}, err
		}
		if ok {
			return f, nil
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) && d.Buffered() > 0 {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, readErr
		}
		n, err := r.Read(scratch)
		if n > 0 {
			d.Feed(scratch[:n])
		}
		readErr = err
	}
}
