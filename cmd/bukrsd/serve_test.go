package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dolphin2410/bukrs/api"
	"github.com/dolphin2410/bukrs/client"
	"github.com/dolphin2410/bukrs/config"
	"github.com/dolphin2410/bukrs/dispatch"
	"github.com/dolphin2410/bukrs/metrics"
	"github.com/dolphin2410/bukrs/middleware"
	"github.com/dolphin2410/bukrs/packet"
	"github.com/dolphin2410/bukrs/packets"
	"github.com/dolphin2410/bukrs/server"
	"github.com/dolphin2410/bukrs/session"
	"github.com/prometheus/client_golang/prometheus"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Metrics.Enabled = false
	return cfg
}

func TestRunServesAndShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan *server.Server, 1)
	errc := make(chan error, 1)
	go func() { errc <- run(ctx, testConfig(), zap.NewNop(), ready) }()

	var srv *server.Server
	select {
	case srv = <-ready:
	case err := <-errc:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never started")
	}

	schema, err := packets.NewSchema()
	if err != nil {
		t.Fatal(err)
	}
	dctx, dcancel := context.WithTimeout(ctx, 2*time.Second)
	defer dcancel()
	conn, err := client.Dial(dctx, srv.Addr().String(), schema)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if conn.ClientID < 0 {
		t.Fatalf("client id = %d", conn.ClientID)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunRejectsBadAddress(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Addr = "256.0.0.1:bad"
	if err := run(context.Background(), cfg, zap.NewNop(), nil); err == nil {
		t.Fatal("expect listen error")
	}
}

type fakeConn struct {
	sess *session.Session
}

func (c *fakeConn) ID() uint64                      { return 1 }
func (c *fakeConn) RemoteAddr() net.Addr            { return &net.TCPAddr{} }
func (c *fakeConn) Session() *session.Session       { return c.sess }
func (c *fakeConn) Send(int32, packet.Packet) error { return nil }
func (c *fakeConn) Close() error                    { return nil }

func TestDispatcherRecoversUnderTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HandlerTimeout = time.Second
	col := metrics.New(metrics.WithRegistry(prometheus.NewRegistry()))
	d, err := newDispatcher(cfg, zap.NewNop(), col, api.New())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.RegisterListener(dispatch.Entries{
		dispatch.On(func(context.Context, dispatch.Conn, int32, packets.BukrsReqOnlinePlayers) error {
			panic("boom")
		}),
	}); err != nil {
		t.Fatal(err)
	}
	ev := &dispatch.Event{
		Conn:   &fakeConn{sess: session.New(1)},
		Name:   "BukrsReqOnlinePlayers",
		Packet: packets.BukrsReqOnlinePlayers{},
	}
	if err := d.Dispatch(context.Background(), ev); !errors.Is(err, middleware.ErrPanic) {
		t.Fatalf("err = %v, want ErrPanic", err)
	}
}

func TestVersionCommand(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "bukrsd dev") {
		t.Fatalf("output = %q", out.String())
	}
}
