// Package config loads the bukrsd TOML configuration. Keys missing from the
// file keep the values of Default.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Server    Server
	Log       Log
	Metrics   Metrics
	RateLimit RateLimit
	Registry  Registry
}

type Server struct {
	Addr            string
	Network         string
	MaxConnections  int
	ReadBufferSize  int
	MaxFrameBytes   int
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	HandlerTimeout  time.Duration // 0 disables the timeout middleware
}

type Log struct {
	Level       string
	Development bool
}

type Metrics struct {
	Enabled bool
	Addr    string
}

// RateLimit is the per-connection inbound packet budget. Rate 0 disables it.
type RateLimit struct {
	Rate  float64
	Burst int
}

// Registry configures the etcd announcement. No endpoints means the server
// is not announced.
type Registry struct {
	Endpoints     []string
	Service       string
	AdvertiseAddr string
	Weight        int
	TTL           int64
	DialTimeout   time.Duration
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":25565",
			Network:         "tcp",
			MaxConnections:  1024,
			ReadBufferSize:  4096,
			MaxFrameBytes:   4 * 1024 * 1024,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: Log{Level: "info"},
		Metrics: Metrics{
			Enabled: true,
			Addr:    ":9100",
		},
		Registry: Registry{
			Service:     "bukrs",
			Weight:      1,
			TTL:         10,
			DialTimeout: 5 * time.Second,
		},
	}
}

type fileConfig struct {
	Server struct {
		Addr            string `toml:"addr"`
		Network         string `toml:"network"`
		MaxConnections  int    `toml:"max_connections"`
		ReadBufferSize  int    `toml:"read_buffer_size"`
		MaxFrameBytes   int    `toml:"max_frame_bytes"`
		WriteTimeout    string `toml:"write_timeout"`
		ShutdownTimeout string `toml:"shutdown_timeout"`
		HandlerTimeout  string `toml:"handler_timeout"`
	} `toml:"server"`
	Log struct {
		Level       string `toml:"level"`
		Development bool   `toml:"development"`
	} `toml:"log"`
	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"metrics"`
	RateLimit struct {
		Rate  float64 `toml:"rate"`
		Burst int     `toml:"burst"`
	} `toml:"ratelimit"`
	Registry struct {
		Endpoints     []string `toml:"endpoints"`
		Service       string   `toml:"service"`
		AdvertiseAddr string   `toml:"advertise_addr"`
		Weight        int      `toml:"weight"`
		TTL           int64    `toml:"ttl"`
		DialTimeout   string   `toml:"dial_timeout"`
	} `toml:"registry"`
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %s", undecoded[0])
	}
	cfg, err := overlay(Default(), &raw, meta)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlay(cfg Config, raw *fileConfig, meta toml.MetaData) (Config, error) {
	var errs []error
	duration := func(dst *time.Duration, value string, key ...string) {
		if !meta.IsDefined(key...) {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", strings.Join(key, "."), err))
			return
		}
		*dst = d
	}

	if meta.IsDefined("server", "addr") {
		cfg.Server.Addr = strings.TrimSpace(raw.Server.Addr)
	}
	if meta.IsDefined("server", "network") {
		cfg.Server.Network = strings.TrimSpace(raw.Server.Network)
	}
	if meta.IsDefined("server", "max_connections") {
		cfg.Server.MaxConnections = raw.Server.MaxConnections
	}
	if meta.IsDefined("server", "read_buffer_size") {
		cfg.Server.ReadBufferSize = raw.Server.ReadBufferSize
	}
	if meta.IsDefined("server", "max_frame_bytes") {
		cfg.Server.MaxFrameBytes = raw.Server.MaxFrameBytes
	}
	duration(&cfg.Server.WriteTimeout, raw.Server.WriteTimeout, "server", "write_timeout")
	duration(&cfg.Server.ShutdownTimeout, raw.Server.ShutdownTimeout, "server", "shutdown_timeout")
	duration(&cfg.Server.HandlerTimeout, raw.Server.HandlerTimeout, "server", "handler_timeout")

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "development") {
		cfg.Log.Development = raw.Log.Development
	}

	if meta.IsDefined("metrics", "enabled") {
		cfg.Metrics.Enabled = raw.Metrics.Enabled
	}
	if meta.IsDefined("metrics", "addr") {
		cfg.Metrics.Addr = strings.TrimSpace(raw.Metrics.Addr)
	}

	if meta.IsDefined("ratelimit", "rate") {
		cfg.RateLimit.Rate = raw.RateLimit.Rate
	}
	if meta.IsDefined("ratelimit", "burst") {
		cfg.RateLimit.Burst = raw.RateLimit.Burst
	}

	if meta.IsDefined("registry", "endpoints") {
		cfg.Registry.Endpoints = normalizeList(raw.Registry.Endpoints)
	}
	if meta.IsDefined("registry", "service") {
		cfg.Registry.Service = strings.TrimSpace(raw.Registry.Service)
	}
	if meta.IsDefined("registry", "advertise_addr") {
		cfg.Registry.AdvertiseAddr = strings.TrimSpace(raw.Registry.AdvertiseAddr)
	}
	if meta.IsDefined("registry", "weight") {
		cfg.Registry.Weight = raw.Registry.Weight
	}
	if meta.IsDefined("registry", "ttl") {
		cfg.Registry.TTL = raw.Registry.TTL
	}
	duration(&cfg.Registry.DialTimeout, raw.Registry.DialTimeout, "registry", "dial_timeout")

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("load config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	switch c.Server.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		errs = append(errs, fmt.Errorf("server.network %q is not a stream network", c.Server.Network))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections is negative"))
	}
	if c.Server.ReadBufferSize <= 0 {
		errs = append(errs, errors.New("server.read_buffer_size must be positive"))
	}
	if c.Server.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("server.max_frame_bytes must be positive"))
	}
	if c.Server.ShutdownTimeout < 0 || c.Server.HandlerTimeout < 0 || c.Server.WriteTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	if level := strings.ToLower(strings.TrimSpace(c.Log.Level)); level != "warning" {
		if _, err := zapcore.ParseLevel(level); err != nil {
			errs = append(errs, fmt.Errorf("log.level %q is unknown", c.Log.Level))
		}
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is empty"))
	}
	if c.RateLimit.Rate < 0 {
		errs = append(errs, errors.New("ratelimit.rate is negative"))
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("ratelimit.burst must be at least 1 when rate is set"))
	}
	if len(c.Registry.Endpoints) > 0 {
		if c.Registry.Service == "" {
			errs = append(errs, errors.New("registry.service is empty"))
		}
		if c.Registry.AdvertiseAddr == "" {
			errs = append(errs, errors.New("registry.advertise_addr is required with endpoints"))
		}
		if c.Registry.TTL <= 0 {
			errs = append(errs, errors.New("registry.ttl must be positive"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
