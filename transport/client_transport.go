// Package transport implements the client side of a packet connection with
// payload-id multiplexing.
//
// Every Request gets a fresh non-zero payload id. The server echoes it on
// the reply, and a single background reader (recvLoop) routes replies back to
// the waiting caller. Frames with payload id 0, or with an id nobody is
// waiting for, are server-initiated and go to the registered listeners.
//
//	goroutine-1 ──Request(id=1)──┐
//	goroutine-2 ──Request(id=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(id=0)─────┘
//
//	recvLoop:  ←── frame(id=2) → pending[2] → goroutine-2 wakes up
//	           ←── frame(id=0) → listeners
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dolphin2410/bukrs/packet"
	"github.com/dolphin2410/bukrs/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Uncorrelated is the payload id of frames that answer no request.
const Uncorrelated int32 = 0

// Listener receives frames that are not a reply to a pending request. It
// runs on the reader goroutine and must not block.
type Listener func(f protocol.Frame)

type result struct {
	frame protocol.Frame
	err   error
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn    net.Conn
	schema  *packet.Schema
	encoder *protocol.Encoder
	limits  protocol.Limits
	logger  *zap.Logger
	limiter *rate.Limiter
	bufSize int

	seq     atomic.Uint32
	pending sync.Map // int32 -> chan result

	sending sync.Mutex // a frame is written whole; guards scratch
	scratch []byte

	listenerMu sync.RWMutex
	listeners  []Listener

	closeOnce sync.Once
	done      chan struct{}
	err       error // set before done is closed
}

// Option configures a ClientTransport.
type Option func(*ClientTransport)

func WithLogger(l *zap.Logger) Option {
	return func(t *ClientTransport) { t.logger = l }
}

func WithLimits(l protocol.Limits) Option {
	return func(t *ClientTransport) { t.limits = l }
}

// WithRateLimit caps outgoing frames at r per second with the given burst.
// Senders block until a token is available or their context ends.
func WithRateLimit(r float64, burst int) Option {
	return func(t *ClientTransport) {
		if r > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// WithReadBufferSize sets the socket read chunk of the reader goroutine.
func WithReadBufferSize(n int) Option {
	return func(t *ClientTransport) {
		if n > 0 {
			t.bufSize = n
		}
	}
}

// WithListener registers fn before the reader starts, so no early
// server-initiated frame is missed.
func WithListener(fn Listener) Option {
	return func(t *ClientTransport) { t.listeners = append(t.listeners, fn) }
}

// NewClientTransport wraps conn and starts the reader goroutine.
func NewClientTransport(conn net.Conn, schema *packet.Schema, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:    conn,
		schema:  schema,
		limits:  protocol.DefaultLimits(),
		logger:  zap.NewNop(),
		bufSize: 4096,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.encoder = protocol.NewEncoder(schema, t.limits)
	go t.recvLoop()
	return t
}

// OnPacket registers fn for frames that are not replies.
func (t *ClientTransport) OnPacket(fn Listener) {
	t.listenerMu.Lock()
	t.listeners = append(t.listeners, fn)
	t.listenerMu.Unlock()
}

// nextID returns the next payload id, skipping 0 and staying non-negative.
func (t *ClientTransport) nextID() int32 {
	for {
		id := int32(t.seq.Add(1) & 0x7fffffff)
		if id != Uncorrelated {
			return id
		}
	}
}

// Send writes p under payloadID without waiting for a reply.
func (t *ClientTransport) Send(ctx context.Context, payloadID int32, p packet.Packet) error {
	select {
	case <-t.done:
		return t.closedErr()
	default:
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("transport: rate limit: %w", err)
		}
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	buf, err := t.encoder.AppendFrame(t.scratch[:0], payloadID, p)
	if err != nil {
		return err
	}
	t.scratch = buf
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(noDeadline)
	}
	if _, err := t.conn.Write(buf); err != nil {
		select {
		case <-t.done:
			return t.closedErr()
		default:
		}
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Request sends p under a fresh payload id and waits for the frame that
// echoes it.
func (t *ClientTransport) Request(ctx context.Context, p packet.Packet) (protocol.Frame, error) {
	id := t.nextID()
	ch := make(chan result, 1)
	// Register before sending so the reply cannot beat us to the map.
	t.pending.Store(id, ch)

	if err := t.Send(ctx, id, p); err != nil {
		t.pending.Delete(id)
		return protocol.Frame{}, err
	}

	select {
	case r := <-ch:
		return r.frame, r.err
	case <-ctx.Done():
		t.pending.Delete(id)
		return protocol.Frame{}, ctx.Err()
	}
}

// Call is Request with the reply packet asserted to R.
func Call[R any](ctx context.Context, t *ClientTransport, p packet.Packet) (R, error) {
	var zero R
	f, err := t.Request(ctx, p)
	if err != nil {
		return zero, err
	}
	r, ok := f.Packet.(R)
	if !ok {
		return zero, fmt.Errorf("transport: reply %s is %T, want %T", f.Name, f.Packet, zero)
	}
	return r, nil
}

// recvLoop is the only reader of the connection.
func (t *ClientTransport) recvLoop() {
	dec := protocol.NewDecoder(t.schema, t.limits)
	scratch := make([]byte, t.bufSize)
	for {
		f, err := dec.ReadFrame(t.conn, scratch)
		if err != nil {
			t.fail(err)
			return
		}
		if f.PayloadID != Uncorrelated {
			if ch, ok := t.pending.LoadAndDelete(f.PayloadID); ok {
				ch.(chan result) <- result{frame: f}
				continue
			}
		}
		t.listenerMu.RLock()
		listeners := t.listeners
		t.listenerMu.RUnlock()
		if len(listeners) == 0 {
			t.logger.Debug("dropping unsolicited packet", zap.String("packet", f.Name), zap.Int32("payload_id", f.PayloadID))
		}
		for _, fn := range listeners {
			fn(f)
		}
	}
}

// fail records why the connection ended, closes it and fails every pending
// request with protocol.ErrConnectionClosed.
func (t *ClientTransport) fail(cause error) {
	t.closeOnce.Do(func() {
		if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) {
			t.err = fmt.Errorf("%w: %w", protocol.ErrConnectionClosed, cause)
			t.logger.Warn("connection failed", zap.Error(cause))
		} else {
			t.err = protocol.ErrConnectionClosed
		}
		close(t.done)
		t.conn.Close()
	})
	t.closeAllPending()
}

func (t *ClientTransport) closeAllPending() {
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan result) <- result{err: t.err}
		}
		return true
	})
}

func (t *ClientTransport) closedErr() error {
	<-t.done
	return t.err
}

// Done is closed once the connection is gone.
func (t *ClientTransport) Done() <-chan struct{} { return t.done }

// Err returns why the connection ended, or nil while it is open.
func (t *ClientTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// Close closes the connection. Pending requests fail with
// protocol.ErrConnectionClosed.
func (t *ClientTransport) Close() error {
	t.fail(nil)
	return nil
}

var noDeadline = time.Time{}
