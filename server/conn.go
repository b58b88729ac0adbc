package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dolphin2410/bukrs/packet"
	"github.com/dolphin2410/bukrs/protocol"
	"github.com/dolphin2410/bukrs/session"
)

// conn is the server side of one client connection. It implements
// dispatch.Conn.
type conn struct {
	id   uint64
	raw  net.Conn
	srv  *Server
	sess *session.Session

	writeMu sync.Mutex // serialises frames; scratch is guarded by it
	scratch []byte
	closed  atomic.Bool
}

func newConn(s *Server, id uint64, raw net.Conn) *conn {
	return &conn{id: id, raw: raw, srv: s, sess: session.New(id)}
}

func (c *conn) ID() uint64                { return c.id }
func (c *conn) RemoteAddr() net.Addr      { return c.raw.RemoteAddr() }
func (c *conn) Session() *session.Session { return c.sess }

// Send writes p as one frame. Concurrent callers never interleave bytes.
// After the connection is closed Send fails with protocol.ErrConnectionClosed
// and writes nothing.
func (c *conn) Send(payloadID int32, p packet.Packet) error {
	if c.closed.Load() {
		return protocol.ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return protocol.ErrConnectionClosed
	}

	buf, err := c.srv.encoder.AppendFrame(c.scratch[:0], payloadID, p)
	if err != nil {
		c.srv.metrics.EncodeError()
		return err
	}
	c.scratch = buf

	if c.srv.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.srv.writeTimeout))
	}
	if _, err := c.raw.Write(buf); err != nil {
		if c.closed.Load() || peerGone(err) {
			return fmt.Errorf("%w: %w", protocol.ErrConnectionClosed, err)
		}
		return fmt.Errorf("server: write: %w", err)
	}
	if v, err := c.srv.schema.VariantOf(p); err == nil {
		c.srv.metrics.FrameEncoded(v.Name)
	}
	return nil
}

// Close closes the socket. The connection goroutine notices and tears the
// session down.
func (c *conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.raw.Close()
}

// teardown runs once the read loop has exited.
func (c *conn) teardown() {
	c.Close()
	c.sess.Close()
}

// peerGone reports write errors that mean the socket is no longer usable.
func peerGone(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
