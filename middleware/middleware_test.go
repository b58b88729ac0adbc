package middleware

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dolphin2410/bukrs/dispatch"
	"github.com/dolphin2410/bukrs/metrics"
	"github.com/dolphin2410/bukrs/packet"
	"github.com/dolphin2410/bukrs/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type testConn struct{ sess *session.Session }

func (c *testConn) ID() uint64                      { return 9 }
func (c *testConn) RemoteAddr() net.Addr            { return &net.TCPAddr{} }
func (c *testConn) Session() *session.Session       { return c.sess }
func (c *testConn) Send(int32, packet.Packet) error { return nil }
func (c *testConn) Close() error                    { return nil }

func newEvent() *dispatch.Event {
	return &dispatch.Event{Conn: &testConn{sess: session.New(9)}, Name: "Ping", PayloadID: 3}
}

// echoHandler marks the event as handled once.
func echoHandler(ctx context.Context, ev *dispatch.Event) error {
	ev.Handled++
	return nil
}

// slowHandler sleeps 200ms unless its context is cancelled.
func slowHandler(ctx context.Context, ev *dispatch.Event) error {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	ev.Handled++
	return nil
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	boom := errors.New("boom")
	h := Logging(zap.New(core))(func(ctx context.Context, ev *dispatch.Event) error {
		ev.Handled++
		return boom
	})

	if err := h(context.Background(), newEvent()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	entries := logs.FilterMessage("handler failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warn entry, got %d", logs.Len())
	}
	if got := entries[0].ContextMap()["packet"]; got != "Ping" {
		t.Fatalf("packet field = %v", got)
	}

	if err := Logging(zap.New(core))(echoHandler)(context.Background(), newEvent()); err != nil {
		t.Fatal(err)
	}
	if logs.FilterMessage("packet handled").Len() != 1 {
		t.Fatal("missing debug entry")
	}
}

func TestTimeoutPass(t *testing.T) {
	ev := newEvent()
	if err := Timeout(500*time.Millisecond)(echoHandler)(context.Background(), ev); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if ev.Handled != 1 {
		t.Fatalf("handled = %d", ev.Handled)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	ev := newEvent()
	err := Timeout(50*time.Millisecond)(slowHandler)(context.Background(), ev)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect timeout error, got %v", err)
	}
	if ev.Handled != 1 {
		t.Fatalf("handler should have finished before Timeout returned, handled = %d", ev.Handled)
	}
}

func TestTimeoutWaitsForStubbornHandler(t *testing.T) {
	var finished atomic.Bool
	stubborn := func(ctx context.Context, ev *dispatch.Event) error {
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	}
	err := Timeout(10*time.Millisecond)(stubborn)(context.Background(), newEvent())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect timeout error, got %v", err)
	}
	if !finished.Load() {
		t.Fatal("Timeout returned while the handler was still running")
	}
}

func TestTimeoutKeepsHandlerError(t *testing.T) {
	boom := errors.New("boom")
	h := func(ctx context.Context, ev *dispatch.Event) error {
		<-ctx.Done()
		return boom
	}
	err := Timeout(10*time.Millisecond)(h)(context.Background(), newEvent())
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want both ErrTimeout and boom", err)
	}
}

func TestRateLimitPerConnection(t *testing.T) {
	h := RateLimit(1, 2)(echoHandler)
	ev := newEvent()

	for i := 0; i < 2; i++ {
		if err := h(context.Background(), ev); err != nil {
			t.Fatalf("request %d should pass, got %v", i, err)
		}
	}
	if err := h(context.Background(), ev); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got %v", err)
	}

	// Another connection has its own bucket.
	if err := h(context.Background(), newEvent()); err != nil {
		t.Fatalf("fresh connection limited: %v", err)
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery()(func(context.Context, *dispatch.Event) error { panic("bad handler") })
	if err := h(context.Background(), newEvent()); !errors.Is(err, ErrPanic) {
		t.Fatalf("err = %v", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.New(metrics.WithRegistry(reg))
	h := Metrics(c)(func(context.Context, *dispatch.Event) error { return nil })
	if err := h(context.Background(), newEvent()); err != nil {
		t.Fatal(err)
	}
	n, err := testutil.GatherAndCount(reg, "bukrs_unhandled_packets_total", "bukrs_handler_duration_seconds")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("series = %d, want 2", n)
	}
}

func TestChain(t *testing.T) {
	chained := dispatch.Chain(Recovery(), Logging(zap.NewNop()), Timeout(500*time.Millisecond))
	ev := newEvent()
	if err := chained(echoHandler)(context.Background(), ev); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if ev.Handled != 1 {
		t.Fatalf("handled = %d", ev.Handled)
	}
}
