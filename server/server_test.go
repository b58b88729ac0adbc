package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dolphin2410/bukrs/codec"
	"github.com/dolphin2410/bukrs/dispatch"
	"github.com/dolphin2410/bukrs/middleware"
	"github.com/dolphin2410/bukrs/packet"
	"github.com/dolphin2410/bukrs/protocol"
	"github.com/dolphin2410/bukrs/registry"
	"github.com/dolphin2410/bukrs/session"
	"github.com/dolphin2410/bukrs/varint"
)

type ping struct {
	Seq  int32
	Text string
}

type pong struct {
	Seq   int32
	Count int32
}

var countKey = session.NewKey[int32]("count")

func newSchema(t *testing.T) *packet.Schema {
	t.Helper()
	codecs := codec.NewRegistry()
	if err := codec.RegisterBuiltins(codecs); err != nil {
		t.Fatal(err)
	}
	s := packet.NewSchema(codecs)
	if err := packet.RegisterStruct[ping](s, "Ping"); err != nil {
		t.Fatal(err)
	}
	if err := packet.RegisterStruct[pong](s, "Pong"); err != nil {
		t.Fatal(err)
	}
	return s
}

// echoDispatcher replies to every ping with a pong carrying the same payload
// id and the number of pings seen on this connection so far.
func echoDispatcher(t *testing.T, calls *atomic.Int32) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New()
	err := d.RegisterListener(dispatch.Entries{
		dispatch.On(func(_ context.Context, c dispatch.Conn, id int32, p ping) error {
			if calls != nil {
				calls.Add(1)
			}
			n, _ := session.Get(c.Session(), countKey)
			n++
			session.Set(c.Session(), countKey, n)
			return c.Send(id, pong{Seq: p.Seq, Count: n})
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func startServer(t *testing.T, schema *packet.Schema, d *dispatch.Dispatcher, opts ...Option) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(schema, d, opts...)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeListener(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		if err := <-errCh; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return srv, ln.Addr().String()
}

type testClient struct {
	conn    net.Conn
	enc     *protocol.Encoder
	dec     *protocol.Decoder
	scratch []byte
}

func dial(t *testing.T, schema *packet.Schema, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{
		conn:    conn,
		enc:     protocol.NewEncoder(schema, protocol.DefaultLimits()),
		dec:     protocol.NewDecoder(schema, protocol.DefaultLimits()),
		scratch: make([]byte, 512),
	}
}

func (c *testClient) send(t *testing.T, id int32, p packet.Packet) {
	t.Helper()
	if err := c.enc.Encode(c.conn, id, p); err != nil {
		t.Fatal(err)
	}
}

func (c *testClient) recv(t *testing.T) protocol.Frame {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	f, err := c.dec.ReadFrame(c.conn, c.scratch)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestServerEcho(t *testing.T) {
	schema := newSchema(t)
	_, addr := startServer(t, schema, echoDispatcher(t, nil))
	c := dial(t, schema, addr)

	c.send(t, 123, ping{Seq: 1, Text: "hi"})
	f := c.recv(t)
	if f.PayloadID != 123 {
		t.Fatalf("expect payload id 123, got %d", f.PayloadID)
	}
	if f.Name != "Pong" || f.Packet != (pong{Seq: 1, Count: 1}) {
		t.Fatalf("reply = %s %+v", f.Name, f.Packet)
	}

	// Session state persists across packets of one connection.
	c.send(t, 124, ping{Seq: 2})
	if f := c.recv(t); f.Packet != (pong{Seq: 2, Count: 2}) {
		t.Fatalf("second reply = %+v", f.Packet)
	}

	// A new connection gets a fresh session.
	c2 := dial(t, schema, addr)
	c2.send(t, 1, ping{Seq: 9})
	if f := c2.recv(t); f.Packet != (pong{Seq: 9, Count: 1}) {
		t.Fatalf("fresh session reply = %+v", f.Packet)
	}
}

func TestBackToBackFramesInOneWrite(t *testing.T) {
	schema := newSchema(t)
	_, addr := startServer(t, schema, echoDispatcher(t, nil))
	c := dial(t, schema, addr)

	enc := protocol.NewEncoder(schema, protocol.DefaultLimits())
	var buf []byte
	var err error
	for i := int32(1); i <= 3; i++ {
		if buf, err = enc.AppendFrame(buf, i, ping{Seq: i}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.conn.Write(buf); err != nil {
		t.Fatal(err)
	}
	for i := int32(1); i <= 3; i++ {
		f := c.recv(t)
		if f.PayloadID != i || f.Packet.(pong).Seq != i {
			t.Fatalf("frame %d = %d %+v", i, f.PayloadID, f.Packet)
		}
	}
}

func rawFrame(name string, payloadID int32) []byte {
	body := codec.NewBuffer(nil)
	body.WriteString(name)
	out := varint.Append(nil, uint32(body.Len()))
	out = binary.BigEndian.AppendUint32(out, uint32(payloadID))
	return append(out, body.Bytes()...)
}

func TestUndefinedPacketClosesConnection(t *testing.T) {
	schema := newSchema(t)
	var calls atomic.Int32
	disconnected := make(chan uint64, 1)
	_, addr := startServer(t, schema, echoDispatcher(t, &calls),
		OnDisconnect(func(c dispatch.Conn) { disconnected <- c.ID() }))
	c := dial(t, schema, addr)

	if _, err := c.conn.Write(rawFrame("Nope", 5)); err != nil {
		t.Fatal(err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := c.conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expect EOF after protocol error, got %v", err)
	}
	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect hook not called")
	}
	if calls.Load() != 0 {
		t.Fatal("handler ran for undefined packet")
	}
}

func TestPerConnectionOrdering(t *testing.T) {
	schema := newSchema(t)
	_, addr := startServer(t, schema, echoDispatcher(t, nil))

	const clients, perClient = 8, 50
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			enc := protocol.NewEncoder(schema, protocol.DefaultLimits())
			dec := protocol.NewDecoder(schema, protocol.DefaultLimits())
			for j := int32(1); j <= perClient; j++ {
				if err := enc.Encode(conn, j, ping{Seq: j}); err != nil {
					errs <- err
					return
				}
			}
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			for j := int32(1); j <= perClient; j++ {
				f, err := dec.ReadFrame(conn, nil)
				if err != nil {
					errs <- err
					return
				}
				if got := f.Packet.(pong); got.Seq != j || got.Count != j {
					errs <- fmt.Errorf("reply %d = %+v", j, got)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSendAfterClose(t *testing.T) {
	schema := newSchema(t)
	connected := make(chan dispatch.Conn, 1)
	disconnected := make(chan struct{})
	_, addr := startServer(t, schema, dispatch.New(),
		OnConnect(func(c dispatch.Conn) { connected <- c }),
		OnDisconnect(func(dispatch.Conn) { close(disconnected) }))

	c := dial(t, schema, addr)
	sc := <-connected
	c.conn.Close()
	<-disconnected

	if err := sc.Send(1, pong{}); !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Fatalf("expect ErrConnectionClosed, got %v", err)
	}
	if !sc.Session().Closed() {
		t.Fatal("session not closed with connection")
	}
}

func TestEncodeFailureDoesNotCloseConnection(t *testing.T) {
	schema := newSchema(t)
	d := dispatch.New()
	_ = d.RegisterListener(dispatch.Entries{
		dispatch.On(func(_ context.Context, c dispatch.Conn, id int32, p ping) error {
			if err := c.Send(id, struct{}{}); err == nil {
				return errors.New("unregistered packet encoded")
			}
			return c.Send(id, pong{Seq: p.Seq})
		}),
	})
	_, addr := startServer(t, schema, d)
	c := dial(t, schema, addr)
	c.send(t, 4, ping{Seq: 4})
	if f := c.recv(t); f.Packet.(pong).Seq != 4 {
		t.Fatalf("reply = %+v", f.Packet)
	}
}

func TestMaxConnections(t *testing.T) {
	schema := newSchema(t)
	srv, addr := startServer(t, schema, echoDispatcher(t, nil), WithMaxConnections(1))

	first := dial(t, schema, addr)
	first.send(t, 1, ping{Seq: 1})
	first.recv(t)

	second := dial(t, schema, addr)
	_ = second.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := second.conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expect rejected connection, got %v", err)
	}
	if n := srv.Conns(); n != 1 {
		t.Fatalf("open conns = %d, want 1", n)
	}
}

func TestShutdownWithdrawsAnnouncement(t *testing.T) {
	schema := newSchema(t)
	reg := registry.NewMemoryRegistry()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ep := registry.Endpoint{Addr: ln.Addr().String(), Weight: 1}
	srv := NewServer(schema, echoDispatcher(t, nil), WithRegistry(reg, "bukrs", ep, 10))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeListener(ln) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		eps, _ := reg.Discover(context.Background(), "bukrs")
		if len(eps) == 1 && eps[0].Addr == ep.Addr {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never announced")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c := dial(t, schema, ep.Addr)
	c.send(t, 1, ping{Seq: 1})
	c.recv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("serve returned %v", err)
	}
	if eps, _ := reg.Discover(context.Background(), "bukrs"); len(eps) != 0 {
		t.Fatalf("still announced: %+v", eps)
	}
	if srv.Conns() != 0 {
		t.Fatalf("connections left open: %d", srv.Conns())
	}
}

func TestTimeoutKeepsConnectionSerial(t *testing.T) {
	schema := newSchema(t)
	var inFlight, maxInFlight atomic.Int32
	d := dispatch.New(middleware.Timeout(20 * time.Millisecond))
	err := d.RegisterListener(dispatch.Entries{
		dispatch.On(func(_ context.Context, c dispatch.Conn, id int32, p ping) error {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(150 * time.Millisecond)
			inFlight.Add(-1)
			return c.Send(id, pong{Seq: p.Seq})
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, addr := startServer(t, schema, d)
	c := dial(t, schema, addr)

	for i := int32(1); i <= 3; i++ {
		c.send(t, i, ping{Seq: i})
	}
	for i := int32(1); i <= 3; i++ {
		f := c.recv(t)
		if got := f.Packet.(pong).Seq; got != i {
			t.Fatalf("reply %d has seq %d", i, got)
		}
	}
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("max concurrent handlers on one connection = %d, want 1", got)
	}
}

func TestSendOnBrokenSocketReportsClosed(t *testing.T) {
	schema := newSchema(t)
	srv := NewServer(schema, dispatch.New())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	peer, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	raw, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}

	c := newConn(srv, 1, raw)
	// The socket goes away underneath the conn before the read loop notices.
	raw.Close()
	err = c.Send(0, pong{Seq: 1})
	if !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
}
