// Package server accepts packet connections, decodes frames and hands the
// packets to a dispatcher.
//
// Processing pipeline:
//
//	Accept conn → serveConn (one goroutine per connection)
//	  → Decoder.ReadFrame → Dispatcher.Dispatch (serial, in arrival order)
//	    → handlers reply through Conn.Send (write mutex per connection)
//
// Packets from one connection are dispatched one at a time in stream order.
// Different connections run in parallel.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dolphin2410/bukrs/codec"
	"github.com/dolphin2410/bukrs/dispatch"
	"github.com/dolphin2410/bukrs/metrics"
	"github.com/dolphin2410/bukrs/packet"
	"github.com/dolphin2410/bukrs/protocol"
	"github.com/dolphin2410/bukrs/registry"
	"github.com/dolphin2410/bukrs/varint"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var ErrServerClosed = errors.New("server: closed")

// Server owns a listener and all connections accepted from it.
type Server struct {
	schema     *packet.Schema
	dispatcher *dispatch.Dispatcher
	encoder    *protocol.Encoder

	logger         *zap.Logger
	metrics        *metrics.Collector
	limits         protocol.Limits
	readBufferSize int
	writeTimeout   time.Duration
	admission      *semaphore.Weighted

	registry  registry.Registry
	service   string
	advertise registry.Endpoint
	ttl       int64

	onConnect    []func(dispatch.Conn)
	onDisconnect []func(dispatch.Conn)

	ctx    context.Context // cancelled when shutdown gives up waiting
	cancel context.CancelFunc

	mu        sync.Mutex
	listener  net.Listener
	conns     map[uint64]*conn
	announced bool

	nextID   atomic.Uint64
	wg       sync.WaitGroup // one per live connection
	shutdown atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithLimits bounds frame body sizes in both directions.
func WithLimits(l protocol.Limits) Option {
	return func(s *Server) { s.limits = l }
}

// WithReadBufferSize sets the per-connection socket read chunk.
func WithReadBufferSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.readBufferSize = n
		}
	}
}

// WithWriteTimeout bounds each Send. Zero means no deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithMaxConnections caps concurrently open connections. Connections over
// the cap are closed right after accept. n <= 0 means unlimited.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.admission = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRegistry announces the server as ep under service while it is
// serving. ep.Addr must be routable by clients; it usually differs from the
// listen address.
func WithRegistry(reg registry.Registry, service string, ep registry.Endpoint, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.service = service
		s.advertise = ep
		s.ttl = ttl
	}
}

// OnConnect registers fn to run for each accepted connection before its
// first packet is decoded.
func OnConnect(fn func(dispatch.Conn)) Option {
	return func(s *Server) { s.onConnect = append(s.onConnect, fn) }
}

// OnDisconnect registers fn to run after a connection is closed and its
// session discarded.
func OnDisconnect(fn func(dispatch.Conn)) Option {
	return func(s *Server) { s.onDisconnect = append(s.onDisconnect, fn) }
}

// NewServer returns a server decoding against schema and dispatching to d.
func NewServer(schema *packet.Schema, d *dispatch.Dispatcher, opts ...Option) *Server {
	s := &Server{
		schema:         schema,
		dispatcher:     d,
		logger:         zap.NewNop(),
		limits:         protocol.DefaultLimits(),
		readBufferSize: 4096,
		conns:          make(map[uint64]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.encoder = protocol.NewEncoder(schema, s.limits)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Serve listens on address and serves until Shutdown.
func (s *Server) Serve(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", address, err)
	}
	return s.ServeListener(ln)
}

// ServeListener serves connections accepted from ln until Shutdown, after
// which it returns nil. ln is closed on return.
func (s *Server) ServeListener(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()
	defer ln.Close()

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := s.registry.Register(ctx, s.service, s.advertise, s.ttl)
		cancel()
		if err != nil {
			return fmt.Errorf("server: announce: %w", err)
		}
		s.mu.Lock()
		s.announced = true
		s.mu.Unlock()
	}
	s.logger.Info("serving", zap.String("addr", ln.Addr().String()), zap.Strings("packets", s.schema.Names()))

	for {
		raw, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if s.shutdown.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		if s.admission != nil && !s.admission.TryAcquire(1) {
			s.logger.Warn("connection limit reached, rejecting", zap.String("remote", raw.RemoteAddr().String()))
			raw.Close()
			continue
		}
		if tcp, ok := raw.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
		}
		c := s.track(raw)
		if c == nil {
			raw.Close()
			s.release()
			continue
		}
		go s.serveConn(c)
	}
}

// Addr returns the listener address, or nil before serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Conns returns the number of open connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(raw net.Conn) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return nil
	}
	c := newConn(s, s.nextID.Add(1), raw)
	s.conns[c.id] = c
	s.wg.Add(1)
	return c
}

func (s *Server) release() {
	if s.admission != nil {
		s.admission.Release(1)
	}
}

// serveConn reads frames until the stream ends or fails. A decode failure is
// fatal to this connection only.
func (s *Server) serveConn(c *conn) {
	log := s.logger.With(zap.Uint64("conn_id", c.id), zap.String("remote", c.RemoteAddr().String()))
	s.metrics.ConnOpened()
	log.Debug("connection accepted")
	defer func() {
		c.teardown()
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		for _, fn := range s.onDisconnect {
			fn(c)
		}
		s.metrics.ConnClosed()
		s.release()
		s.wg.Done()
		log.Debug("connection closed")
	}()

	for _, fn := range s.onConnect {
		fn(c)
	}

	dec := protocol.NewDecoder(s.schema, s.limits)
	scratch := make([]byte, s.readBufferSize)
	for {
		f, err := dec.ReadFrame(c.raw, scratch)
		if err != nil {
			s.readFailed(log, dec, c, err)
			return
		}
		s.metrics.FrameDecoded(f.Name)

		ev := &dispatch.Event{Conn: c, PayloadID: f.PayloadID, Name: f.Name, Packet: f.Packet}
		if err := s.dispatcher.Dispatch(s.ctx, ev); err != nil {
			log.Debug("dispatch returned error", zap.String("packet", f.Name), zap.Error(err))
		}
	}
}

func (s *Server) readFailed(log *zap.Logger, dec *protocol.Decoder, c *conn, err error) {
	if dec.Err() != nil {
		reason := decodeReason(err)
		s.metrics.DecodeError(reason)
		log.Warn("closing connection on malformed stream", zap.String("reason", reason), zap.Error(err))
		return
	}
	if c.closed.Load() || s.shutdown.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		s.metrics.DecodeError("truncated")
		log.Debug("peer closed mid-frame", zap.Int("buffered", dec.Buffered()))
		return
	}
	log.Debug("read failed", zap.Error(err))
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, packet.ErrUndefined):
		return "undefined_packet"
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, varint.ErrTooLarge):
		return "bad_length"
	case errors.Is(err, codec.ErrUnregistered):
		return "unregistered_type"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "body_overrun"
	default:
		return "malformed"
	}
}

// Shutdown gracefully stops the server:
//  1. Withdraw the registry announcement so clients stop picking this server
//  2. Set the shutdown flag and close the listener
//  3. Stop reading on every connection; each one finishes the packet it is
//     dispatching and closes
//  4. Wait for connections to drain, or force-close them when ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	announced := s.announced
	s.announced = false
	s.mu.Unlock()
	var deregErr error
	if announced {
		if err := s.registry.Deregister(ctx, s.service, s.advertise.Addr); err != nil {
			deregErr = fmt.Errorf("server: withdraw announcement: %w", err)
		}
	}

	s.mu.Lock()
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	now := time.Now()
	for _, c := range s.conns {
		_ = c.raw.SetReadDeadline(now)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return deregErr
	case <-ctx.Done():
		s.cancel()
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		return errors.Join(deregErr, fmt.Errorf("server: shutdown: %w", ctx.Err()))
	}
}
