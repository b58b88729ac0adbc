// Package packet defines the schema of named packet variants.
//
// A Variant pairs a wire name with an ordered field list and a constructor.
// Field order is the encode order and the decode order. A body on the wire is
// the packet name (a codec string) followed by each field in that order:
//
//	Body := String(name) Field*
//
// The Schema resolves names to variants when decoding and Go types to
// variants when encoding. Each field value is encoded with the codec of its
// runtime type.
package packet

import (
	"errors"
	"fmt"
	"reflect"
)

// Packet is any value whose type has a registered Variant.
type Packet = any

var (
	ErrUndefined      = errors.New("packet: undefined")
	ErrArityMismatch  = errors.New("packet: construction arity mismatch")
	ErrDuplicate      = errors.New("packet: duplicate variant")
	ErrFrozen         = errors.New("packet: schema is frozen")
	ErrInvalidVariant = errors.New("packet: invalid variant")
)

// UndefinedError reports a packet name, or Go type, with no Variant.
type UndefinedError struct {
	Name string
}

func (e *UndefinedError) Error() string {
	return fmt.Sprintf("packet: undefined packet %q", e.Name)
}

func (e *UndefinedError) Is(target error) bool {
	return target == ErrUndefined
}

// Field is one wire field of a Variant.
type Field struct {
	Name string
	// Type is the declared codec key of the field.
	Type reflect.Type
	// Get returns the field's value from an instance of the variant.
	Get func(p Packet) any
}

// Variant is the wire shape of one packet type.
type Variant struct {
	Name   string
	Type   reflect.Type
	Fields []Field
	// Arity is the number of values New takes. It must equal len(Fields).
	Arity int
	// New builds an instance from decoded field values in Fields order.
	New func(values []any) (Packet, error)
}

func (v *Variant) validate() error {
	if v.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidVariant)
	}
	if v.Type == nil {
		return fmt.Errorf("%w: %s: nil type", ErrInvalidVariant, v.Name)
	}
	if v.New == nil {
		return fmt.Errorf("%w: %s: nil constructor", ErrInvalidVariant, v.Name)
	}
	if v.Arity != len(v.Fields) {
		return fmt.Errorf("%w: %s: constructor takes %d values, %d fields declared", ErrArityMismatch, v.Name, v.Arity, len(v.Fields))
	}
	for i, f := range v.Fields {
		if f.Type == nil || f.Get == nil {
			return fmt.Errorf("%w: %s: field %d (%s) has nil type or accessor", ErrInvalidVariant, v.Name, i, f.Name)
		}
	}
	return nil
}

// StructVariant derives a Variant from the exported fields of struct type T
// in declaration order. The derived constructor returns a T value.
func StructVariant[T any](name string) (Variant, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() != reflect.Struct {
		return Variant{}, fmt.Errorf("%w: %s: %s is not a struct", ErrInvalidVariant, name, t)
	}
	fields := make([]Field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		i := i // per-iteration copy; go1.21 loop semantics
		sf := t.Field(i)
		if !sf.IsExported() {
			return Variant{}, fmt.Errorf("%w: %s: unexported field %s", ErrInvalidVariant, name, sf.Name)
		}
		fields = append(fields, Field{
			Name: sf.Name,
			Type: sf.Type,
			Get: func(p Packet) any {
				return reflect.ValueOf(p).Field(i).Interface()
			},
		})
	}
	return Variant{
		Name:   name,
		Type:   t,
		Fields: fields,
		Arity:  len(fields),
		New: func(values []any) (Packet, error) {
			if len(values) != t.NumField() {
				return nil, fmt.Errorf("%w: %s takes %d values, got %d", ErrArityMismatch, name, t.NumField(), len(values))
			}
			out := reflect.New(t).Elem()
			for i, v := range values {
				rv := reflect.ValueOf(v)
				if !rv.IsValid() || rv.Type() != t.Field(i).Type {
					return nil, fmt.Errorf("%w: %s field %d wants %s, got %T", ErrArityMismatch, name, i, t.Field(i).Type, v)
				}
				out.Field(i).Set(rv)
			}
			return out.Interface(), nil
		},
	}, nil
}
