package packet

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dolphin2410/bukrs/codec"
)

// Schema is the set of packet variants known to a process. Variants are
// registered at startup, then the schema is frozen; lookups after Freeze
// take no locks.
type Schema struct {
	codecs *codec.Registry

	mu     sync.RWMutex
	frozen atomic.Bool
	byName map[string]*Variant
	byType map[reflect.Type]*Variant
}

// NewSchema returns an empty schema whose fields are coded with codecs.
func NewSchema(codecs *codec.Registry) *Schema {
	return &Schema{
		codecs: codecs,
		byName: make(map[string]*Variant),
		byType: make(map[reflect.Type]*Variant),
	}
}

var std = NewSchema(codec.Default())

// Default returns the process-wide schema, bound to codec.Default.
func Default() *Schema { return std }

// Codecs returns the registry used for field values.
func (s *Schema) Codecs() *codec.Registry { return s.codecs }

// Register adds v. Names and Go types must be unique across the schema.
func (s *Schema) Register(v Variant) error {
	if err := v.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen.Load() {
		return fmt.Errorf("register %s: %w", v.Name, ErrFrozen)
	}
	if _, ok := s.byName[v.Name]; ok {
		return fmt.Errorf("%w: name %q", ErrDuplicate, v.Name)
	}
	if prev, ok := s.byType[v.Type]; ok {
		return fmt.Errorf("%w: type %s already registered as %q", ErrDuplicate, v.Type, prev.Name)
	}
	fields := make([]Field, len(v.Fields))
	copy(fields, v.Fields)
	v.Fields = fields
	s.byName[v.Name] = &v
	s.byType[v.Type] = &v
	return nil
}

// RegisterStruct registers struct type T under name using StructVariant.
func RegisterStruct[T any](s *Schema, name string) error {
	v, err := StructVariant[T](name)
	if err != nil {
		return err
	}
	return s.Register(v)
}

// Freeze makes the schema read-only. It is idempotent.
func (s *Schema) Freeze() {
	s.mu.Lock()
	s.frozen.Store(true)
	s.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (s *Schema) Frozen() bool { return s.frozen.Load() }

// Resolve returns the variant registered under name.
func (s *Schema) Resolve(name string) (*Variant, error) {
	var v *Variant
	var ok bool
	if s.frozen.Load() {
		v, ok = s.byName[name]
	} else {
		s.mu.RLock()
		v, ok = s.byName[name]
		s.mu.RUnlock()
	}
	if !ok {
		return nil, &UndefinedError{Name: name}
	}
	return v, nil
}

// VariantOf returns the variant for the runtime type of p.
func (s *Schema) VariantOf(p Packet) (*Variant, error) {
	t := reflect.TypeOf(p)
	var v *Variant
	var ok bool
	if s.frozen.Load() {
		v, ok = s.byType[t]
	} else {
		s.mu.RLock()
		v, ok = s.byType[t]
		s.mu.RUnlock()
	}
	if !ok {
		name := "<nil>"
		if t != nil {
			name = t.String()
		}
		return nil, &UndefinedError{Name: name}
	}
	return v, nil
}

// Names returns the registered packet names, sorted.
func (s *Schema) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeBody decodes the fields of the variant called name from b and
// constructs the instance. A field type without a codec fails before any of
// that field's bytes are read.
func (s *Schema) DecodeBody(name string, b *codec.Buffer) (Packet, error) {
	v, err := s.Resolve(name)
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(v.Fields))
	for i, f := range v.Fields {
		if !s.codecs.Has(f.Type) {
			return nil, fmt.Errorf("packet %s field %d (%s): %w", name, i, f.Name, &codec.UnregisteredError{Type: f.Type})
		}
		val, err := s.codecs.Decode(f.Type, b)
		if err != nil {
			return nil, fmt.Errorf("packet %s field %d (%s): %w", name, i, f.Name, err)
		}
		values = append(values, val)
	}
	if len(values) != v.Arity {
		return nil, fmt.Errorf("packet %s: %w: constructor takes %d values, decoded %d", name, ErrArityMismatch, v.Arity, len(values))
	}
	p, err := v.New(values)
	if err != nil {
		return nil, fmt.Errorf("packet %s: %w", name, err)
	}
	return p, nil
}

// EncodeBody writes the fields of p to b in declaration order. Each value is
// encoded with the codec of its runtime type. On error b holds a partial
// body and must be discarded.
func (s *Schema) EncodeBody(p Packet, b *codec.Buffer) error {
	v, err := s.VariantOf(p)
	if err != nil {
		return err
	}
	for i, f := range v.Fields {
		val := f.Get(p)
		key := reflect.TypeOf(val)
		if !s.codecs.Has(key) {
			return fmt.Errorf("packet %s field %d (%s): %w", v.Name, i, f.Name, &codec.UnregisteredError{Type: key})
		}
		if err := s.codecs.Encode(key, val, b); err != nil {
			return fmt.Errorf("packet %s field %d (%s): %w", v.Name, i, f.Name, err)
		}
	}
	return nil
}
