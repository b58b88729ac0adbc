// Package registry advertises packet servers and lets clients find them.
package registry

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("registry: closed")

// Endpoint is one advertised server.
type Endpoint struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // for weighted balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register advertises ep under service for ttl seconds, renewing the
	// entry until Deregister or Close.
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list after every change until ctx is
	// done.
	Watch(ctx context.Context, service string) (<-chan []Endpoint, error)
	Close() error
}
