// Package session holds per-connection state attached by packet handlers.
//
// A Session is created when a connection is accepted and closed when it is
// torn down. Attributes are addressed by typed keys:
//
//	var ClientID = session.NewKey[int32]("client_id")
//
//	session.Set(s, ClientID, 42)
//	id, ok := session.Get(s, ClientID)
package session

import (
	"sync"
	"time"
)

// Key identifies one attribute and fixes its value type. Keys compare by
// identity, so two NewKey calls with the same name are distinct.
type Key[T any] struct {
	name *string
}

// NewKey returns a key named name. The name is for diagnostics only.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: &name}
}

// Name returns the key's diagnostic name.
func (k Key[T]) Name() string {
	if k.name == nil {
		return ""
	}
	return *k.name
}

// Session is the attribute store of one connection. Handlers normally touch
// it only from the connection's own goroutine; the mutex covers replies sent
// from elsewhere.
type Session struct {
	id      uint64
	created time.Time

	mu     sync.RWMutex
	closed bool
	attrs  map[any]any
}

// New returns an open session for connection id.
func New(id uint64) *Session {
	return &Session{id: id, created: time.Now(), attrs: make(map[any]any)}
}

// ID returns the connection identifier assigned on accept.
func (s *Session) ID() uint64 { return s.id }

// Created returns when the session was opened.
func (s *Session) Created() time.Time { return s.created }

// Close drops every attribute. Later Set calls are ignored. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.attrs = nil
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Len returns the number of attributes set.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.attrs)
}

// Set stores v under k. It reports false if the session is closed.
func Set[T any](s *Session, k Key[T], v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.attrs[k.name] = v
	return true
}

// Get returns the value stored under k.
func Get[T any](s *Session, k Key[T]) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[k.name]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Delete removes the value stored under k.
func Delete[T any](s *Session, k Key[T]) {
	s.mu.Lock()
	delete(s.attrs, k.name)
	s.mu.Unlock()
}
