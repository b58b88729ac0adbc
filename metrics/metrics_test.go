package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(WithRegistry(reg), WithNamespace("test"))

	c.ConnOpened()
	c.ConnOpened()
	c.ConnClosed()
	c.FrameDecoded("ping")
	c.FrameDecoded("ping")
	c.FrameEncoded("pong")
	c.DecodeError("undefined_packet")
	c.EncodeError()
	c.ObserveDispatch("ping", time.Millisecond, 0, nil)
	c.ObserveDispatch("ping", time.Millisecond, 2, errors.New("boom"))

	if got := testutil.ToFloat64(c.connsActive); got != 1 {
		t.Errorf("connections_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.connsTotal); got != 2 {
		t.Errorf("connections_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.framesDecoded.WithLabelValues("ping")); got != 2 {
		t.Errorf("frames_decoded_total{ping} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.framesEncoded.WithLabelValues("pong")); got != 1 {
		t.Errorf("frames_encoded_total{pong} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.decodeErrors.WithLabelValues("undefined_packet")); got != 1 {
		t.Errorf("decode_errors_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.encodeErrors); got != 1 {
		t.Errorf("encode_errors_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.handlerErrors.WithLabelValues("ping")); got != 1 {
		t.Errorf("handler_errors_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.unhandled.WithLabelValues("ping")); got != 1 {
		t.Errorf("unhandled_packets_total = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c.handlerDuration); got != 1 {
		t.Errorf("handler_duration_seconds series = %d, want 1", got)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.ConnOpened()
	c.ConnClosed()
	c.FrameDecoded("x")
	c.FrameEncoded("x")
	c.DecodeError("x")
	c.EncodeError()
	c.ObserveDispatch("x", 0, 0, nil)
}
