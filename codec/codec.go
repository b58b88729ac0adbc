// Package codec holds the process-wide table of type codecs used to encode
// and decode packet fields.
//
// A codec is keyed by the Go type of the value it serialises. Lookups are
// total-or-fail: a type with no entry is an *UnregisteredError, never a
// silent default. Registries are filled at startup and frozen before the
// first connection is accepted. After Freeze, lookups take no locks.
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

var (
	ErrUnregistered = errors.New("codec: unregistered")
	ErrDuplicate    = errors.New("codec: duplicate registration")
	ErrFrozen       = errors.New("codec: registry is frozen")
	ErrTypeMismatch = errors.New("codec: value does not match codec type")
)

// EncodeFunc writes v to b. v is guaranteed to be of the entry's type when
// called through a Registry.
type EncodeFunc func(b *Buffer, v any) error

// DecodeFunc reads one value from b.
type DecodeFunc func(b *Buffer) (any, error)

// UnregisteredError reports a type without a registered codec.
type UnregisteredError struct {
	Type reflect.Type
}

func (e *UnregisteredError) Error() string {
	return fmt.Sprintf("codec: unregistered for type %s", typeName(e.Type))
}

func (e *UnregisteredError) Is(target error) bool {
	return target == ErrUnregistered
}

type entry struct {
	encode EncodeFunc
	decode DecodeFunc
}

// Registry maps a value type to its encode/decode pair.
type Registry struct {
	mu      sync.RWMutex
	frozen  atomic.Bool
	entries map[reflect.Type]entry
}

// NewRegistry returns an empty registry. Call RegisterBuiltins to install the
// numeric, boolean and string codecs.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[reflect.Type]entry)}
}

var std = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return std }

// Register installs the codec for key. Each key may be registered once.
func (r *Registry) Register(key reflect.Type, enc EncodeFunc, dec DecodeFunc) error {
	if key == nil || enc == nil || dec == nil {
		return fmt.Errorf("codec: register %s: nil type or function", typeName(key))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return fmt.Errorf("register %s: %w", typeName(key), ErrFrozen)
	}
	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("register %s: %w", typeName(key), ErrDuplicate)
	}
	r.entries[key] = entry{encode: enc, decode: dec}
	return nil
}

// Freeze makes the registry read-only. It is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool { return r.frozen.Load() }

func (r *Registry) lookup(key reflect.Type) (entry, bool) {
	if r.frozen.Load() {
		e, ok := r.entries[key]
		return e, ok
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// Has reports whether key has a codec.
func (r *Registry) Has(key reflect.Type) bool {
	_, ok := r.lookup(key)
	return ok
}

// Encode writes v using the codec registered for key.
func (r *Registry) Encode(key reflect.Type, v any, b *Buffer) error {
	e, ok := r.lookup(key)
	if !ok {
		return &UnregisteredError{Type: key}
	}
	if got := reflect.TypeOf(v); got != key {
		return fmt.Errorf("%w: codec %s, value %s", ErrTypeMismatch, typeName(key), typeName(got))
	}
	return e.encode(b, v)
}

// EncodeValue writes v using the codec of its runtime type.
func (r *Registry) EncodeValue(v any, b *Buffer) error {
	return r.Encode(reflect.TypeOf(v), v, b)
}

// Decode reads one value of type key.
func (r *Registry) Decode(key reflect.Type, b *Buffer) (any, error) {
	e, ok := r.lookup(key)
	if !ok {
		return nil, &UnregisteredError{Type: key}
	}
	return e.decode(b)
}

// RegisterType installs a typed codec for T.
func RegisterType[T any](r *Registry, enc func(b *Buffer, v T) error, dec func(b *Buffer) (T, error)) error {
	if enc == nil || dec == nil {
		return fmt.Errorf("codec: register %s: nil function", typeName(reflect.TypeOf((*T)(nil)).Elem()))
	}
	return r.Register(reflect.TypeOf((*T)(nil)).Elem(),
		func(b *Buffer, v any) error {
			t, ok := v.(T)
			if !ok {
				return fmt.Errorf("%w: codec %s, value %T", ErrTypeMismatch, typeName(reflect.TypeOf((*T)(nil)).Elem()), v)
			}
			return enc(b, t)
		},
		func(b *Buffer) (any, error) {
			return dec(b)
		},
	)
}

// EncodeAs writes v with the codec registered for T.
func EncodeAs[T any](r *Registry, b *Buffer, v T) error {
	return r.Encode(reflect.TypeOf((*T)(nil)).Elem(), v, b)
}

// DecodeAs reads a T with the codec registered for T.
func DecodeAs[T any](r *Registry, b *Buffer) (T, error) {
	var zero T
	v, err := r.Decode(reflect.TypeOf((*T)(nil)).Elem(), b)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: codec %s decoded %T", ErrTypeMismatch, typeName(reflect.TypeOf((*T)(nil)).Elem()), v)
	}
	return t, nil
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
