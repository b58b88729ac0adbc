// Package client connects to packet servers found through a registry.
//
// A Client discovers the endpoints of a service, lets a balancer pick one,
// dials it and performs the BukrsReqAPI handshake. Each endpoint gets one
// multiplexed transport, redialled when it dies.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dolphin2410/bukrs/loadbalance"
	"github.com/dolphin2410/bukrs/packet"
	"github.com/dolphin2410/bukrs/packets"
	"github.com/dolphin2410/bukrs/protocol"
	"github.com/dolphin2410/bukrs/registry"
	"github.com/dolphin2410/bukrs/transport"
	"go.uber.org/zap"
)

// Conn is a handshaken connection.
type Conn struct {
	*transport.ClientTransport
	ClientID int32
	Addr     string
}

type options struct {
	logger        *zap.Logger
	dialTimeout   time.Duration
	transportOpts []transport.Option
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithTransportOptions passes options to every transport the client opens.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) { o.transportOpts = append(o.transportOpts, opts...) }
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), dialTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Handshake sends BukrsReqAPI and returns the client id the server
// assigned.
func Handshake(ctx context.Context, t *transport.ClientTransport) (int32, error) {
	res, err := transport.Call[packets.BukrsResAPI](ctx, t, packets.BukrsReqAPI{})
	if err != nil {
		return 0, fmt.Errorf("client: handshake: %w", err)
	}
	return res.APIID, nil
}

// Dial connects to addr and completes the handshake.
func Dial(ctx context.Context, addr string, schema *packet.Schema, opts ...Option) (*Conn, error) {
	return dial(ctx, addr, schema, buildOptions(opts))
}

func dial(ctx context.Context, addr string, schema *packet.Schema, o options) (*Conn, error) {
	d := net.Dialer{Timeout: o.dialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	topts := append([]transport.Option{transport.WithLogger(o.logger)}, o.transportOpts...)
	t := transport.NewClientTransport(raw, schema, topts...)
	id, err := Handshake(ctx, t)
	if err != nil {
		t.Close()
		return nil, err
	}
	o.logger.Debug("connected", zap.String("addr", addr), zap.Int32("client_id", id))
	return &Conn{ClientTransport: t, ClientID: id, Addr: addr}, nil
}

// Client picks servers of one service.
type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	service  string
	schema   *packet.Schema
	opts     options

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, service string, schema *packet.Schema, opts ...Option) *Client {
	return &Client{
		registry: reg,
		balancer: bal,
		service:  service,
		schema:   schema,
		opts:     buildOptions(opts),
		conns:    make(map[string]*Conn),
	}
}

// Connect returns a live connection to an endpoint chosen by the balancer.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	endpoints, err := c.registry.Discover(ctx, c.service)
	if err != nil {
		return nil, err
	}
	ep, err := c.balancer.Pick(endpoints)
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", c.service, err)
	}

	c.mu.Lock()
	conn, ok := c.conns[ep.Addr]
	c.mu.Unlock()
	if ok && conn.Err() == nil {
		return conn, nil
	}

	conn, err = dial(ctx, ep.Addr, c.schema, c.opts)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if old, ok := c.conns[ep.Addr]; ok && old.Err() == nil {
		// Lost a race with another Connect; keep the first connection.
		c.mu.Unlock()
		conn.Close()
		return old, nil
	}
	c.conns[ep.Addr] = conn
	c.mu.Unlock()
	return conn, nil
}

// Request sends p to an endpoint chosen by the balancer and waits for the
// reply.
func (c *Client) Request(ctx context.Context, p packet.Packet) (protocol.Frame, error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return protocol.Frame{}, err
	}
	return conn.Request(ctx, p)
}

// Close closes every open connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*Conn)
	c.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	return nil
}
