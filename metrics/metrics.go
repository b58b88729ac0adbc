// Package metrics holds the Prometheus collectors for the packet engine.
//
// All methods are safe on a nil *Collector, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	Namespace string
	Buckets   []float64
	Registry  prometheus.Registerer
}

// Option configures a Collector.
type Option func(*Config)

// WithNamespace sets the metric namespace (default "bukrs").
func WithNamespace(ns string) Option {
	return func(c *Config) { c.Namespace = ns }
}

// WithBuckets sets the handler duration histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

// WithRegistry sets the registerer. Defaults to prometheus.DefaultRegisterer.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = reg }
}

// Collector records connection, frame and handler metrics.
type Collector struct {
	connsActive     prometheus.Gauge
	connsTotal      prometheus.Counter
	framesDecoded   *prometheus.CounterVec
	framesEncoded   *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	encodeErrors    prometheus.Counter
	handlerDuration *prometheus.HistogramVec
	handlerErrors   *prometheus.CounterVec
	unhandled       *prometheus.CounterVec
}

// New creates and registers the collectors.
func New(opts ...Option) *Collector {
	cfg := Config{
		Namespace: "bukrs",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f := promauto.With(cfg.Registry)
	ns := cfg.Namespace

	return &Collector{
		connsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connections_active",
			Help:      "Number of open client connections",
		}),
		connsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_total",
			Help:      "Total number of accepted client connections",
		}),
		framesDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_decoded_total",
			Help:      "Frames decoded, by packet name",
		}, []string{"packet"}),
		framesEncoded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_encoded_total",
			Help:      "Frames encoded, by packet name",
		}, []string{"packet"}),
		decodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "decode_errors_total",
			Help:      "Fatal decode failures, by reason",
		}, []string{"reason"}),
		encodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "encode_errors_total",
			Help:      "Packets that failed to encode",
		}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "handler_duration_seconds",
			Help:      "Time spent dispatching one packet to its handlers",
			Buckets:   cfg.Buckets,
		}, []string{"packet"}),
		handlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "handler_errors_total",
			Help:      "Dispatches where at least one handler failed",
		}, []string{"packet"}),
		unhandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "unhandled_packets_total",
			Help:      "Decoded packets with no registered handler",
		}, []string{"packet"}),
	}
}

func (c *Collector) ConnOpened() {
	if c == nil {
		return
	}
	c.connsActive.Inc()
	c.connsTotal.Inc()
}

func (c *Collector) ConnClosed() {
	if c == nil {
		return
	}
	c.connsActive.Dec()
}

func (c *Collector) FrameDecoded(name string) {
	if c == nil {
		return
	}
	c.framesDecoded.WithLabelValues(name).Inc()
}

func (c *Collector) FrameEncoded(name string) {
	if c == nil {
		return
	}
	c.framesEncoded.WithLabelValues(name).Inc()
}

// DecodeError counts a fatal decode failure. reason should be a short,
// bounded label such as "undefined_packet" or "frame_too_large".
func (c *Collector) DecodeError(reason string) {
	if c == nil {
		return
	}
	c.decodeErrors.WithLabelValues(reason).Inc()
}

func (c *Collector) EncodeError() {
	if c == nil {
		return
	}
	c.encodeErrors.Inc()
}

// ObserveDispatch records one dispatch of a packet named name.
func (c *Collector) ObserveDispatch(name string, d time.Duration, handled int, err error) {
	if c == nil {
		return
	}
	c.handlerDuration.WithLabelValues(name).Observe(d.Seconds())
	if err != nil {
		c.handlerErrors.WithLabelValues(name).Inc()
	}
	if handled == 0 {
		c.unhandled.WithLabelValues(name).Inc()
	}
}
