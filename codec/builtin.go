package codec

import (
	"errors"
	"fmt"
	"reflect"
)

// MaxCollectionCount bounds the element count of a decoded slice.
const MaxCollectionCount = 100_000

var (
	ErrInvalidEnum         = errors.New("codec: invalid enum value")
	ErrCollectionTooLarge  = errors.New("codec: collection count exceeds limit")
	errBuiltinRegistration = errors.New("codec: builtin registration failed")
)

// RegisterBuiltins installs the fixed-width numeric codecs, bool and string.
//
//	int8/uint8     1 byte
//	int16/uint16   2 bytes
//	int32/uint32   4 bytes
//	int64/uint64   8 bytes
//	float32        4 bytes (IEEE 754)
//	float64        8 bytes (IEEE 754)
//	bool           1 byte, 0 or 1
//	string         int32 byte length + UTF-8 bytes
func RegisterBuiltins(r *Registry) error {
	err := errors.Join(
		RegisterType(r,
			func(b *Buffer, v int8) error { b.WriteUint8(uint8(v)); return nil },
			func(b *Buffer) (int8, error) { v, err := b.ReadUint8(); return int8(v), err }),
		RegisterType(r,
			func(b *Buffer, v int16) error { b.WriteUint16(uint16(v)); return nil },
			func(b *Buffer) (int16, error) { v, err := b.ReadUint16(); return int16(v), err }),
		RegisterType(r,
			func(b *Buffer, v int32) error { b.WriteUint32(uint32(v)); return nil },
			func(b *Buffer) (int32, error) { v, err := b.ReadUint32(); return int32(v), err }),
		RegisterType(r,
			func(b *Buffer, v int64) error { b.WriteUint64(uint64(v)); return nil },
			func(b *Buffer) (int64, error) { v, err := b.ReadUint64(); return int64(v), err }),
		RegisterType(r,
			func(b *Buffer, v uint8) error { b.WriteUint8(v); return nil },
			(*Buffer).ReadUint8),
		RegisterType(r,
			func(b *Buffer, v uint16) error { b.WriteUint16(v); return nil },
			(*Buffer).ReadUint16),
		RegisterType(r,
			func(b *Buffer, v uint32) error { b.WriteUint32(v); return nil },
			(*Buffer).ReadUint32),
		RegisterType(r,
			func(b *Buffer, v uint64) error { b.WriteUint64(v); return nil },
			(*Buffer).ReadUint64),
		RegisterType(r,
			func(b *Buffer, v float32) error { b.WriteFloat32(v); return nil },
			(*Buffer).ReadFloat32),
		RegisterType(r,
			func(b *Buffer, v float64) error { b.WriteFloat64(v); return nil },
			(*Buffer).ReadFloat64),
		RegisterType(r,
			func(b *Buffer, v bool) error { b.WriteBool(v); return nil },
			(*Buffer).ReadBool),
		RegisterType(r,
			func(b *Buffer, v string) error { b.WriteString(v); return nil },
			(*Buffer).ReadString),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", errBuiltinRegistration, err)
	}
	return nil
}

// RegisterEnum installs a one-byte codec for the closed set of values in
// discriminants. Values outside the set fail with ErrInvalidEnum in both
// directions.
func RegisterEnum[T comparable](r *Registry, discriminants map[T]uint8) error {
	key := reflect.TypeOf((*T)(nil)).Elem()
	if len(discriminants) == 0 {
		return fmt.Errorf("codec: register enum %s: no values", key)
	}
	reverse := make(map[uint8]T, len(discriminants))
	for v, d := range discriminants {
		if prev, dup := reverse[d]; dup {
			return fmt.Errorf("codec: register enum %s: discriminant %d used by %v and %v", key, d, prev, v)
		}
		reverse[d] = v
	}
	return RegisterType(r,
		func(b *Buffer, v T) error {
			d, ok := discriminants[v]
			if !ok {
				return fmt.Errorf("%w: %s(%v)", ErrInvalidEnum, key, v)
			}
			b.WriteUint8(d)
			return nil
		},
		func(b *Buffer) (T, error) {
			var zero T
			d, err := b.ReadUint8()
			if err != nil {
				return zero, err
			}
			v, ok := reverse[d]
			if !ok {
				return zero, fmt.Errorf("%w: %s discriminant %d", ErrInvalidEnum, key, d)
			}
			return v, nil
		},
	)
}

// RegisterSlice installs a codec for []T: a uint32 element count followed by
// each element. Elements go through r's codec for T, looked up per call, so
// T may be registered before or after the slice.
func RegisterSlice[T any](r *Registry) error {
	elem := reflect.TypeOf((*T)(nil)).Elem()
	return RegisterType(r,
		func(b *Buffer, s []T) error {
			if !r.Has(elem) {
				return &UnregisteredError{Type: elem}
			}
			b.WriteUint32(uint32(len(s)))
			for i, v := range s {
				if err := r.Encode(elem, v, b); err != nil {
					return fmt.Errorf("element %d: %w", i, err)
				}
			}
			return nil
		},
		func(b *Buffer) ([]T, error) {
			if !r.Has(elem) {
				return nil, &UnregisteredError{Type: elem}
			}
			n, err := b.ReadUint32()
			if err != nil {
				return nil, err
			}
			if n > MaxCollectionCount {
				return nil, fmt.Errorf("%w: %d", ErrCollectionTooLarge, n)
			}
			out := make([]T, 0, n)
			for i := 0; i < int(n); i++ {
				v, err := DecodeAs[T](r, b)
				if err != nil {
					return nil, fmt.Errorf("element %d: %w", i, err)
				}
				out = append(out, v)
			}
			return out, nil
		},
	)
}
