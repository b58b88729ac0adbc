package packets

import (
	"errors"
	"fmt"

	"github.com/dolphin2410/bukrs/codec"
)

// PlayerID is a server-side player entity id.
type PlayerID uint32

// InvfxID identifies an inventory created through BukrsReqCreateInventory.
type InvfxID uint32

// UUID is a player's unique id as two 64-bit halves, least significant
// half first on the wire.
type UUID struct {
	LSB uint64
	MSB uint64
}

type PlayerData struct {
	ID   PlayerID
	Name string
	UUID UUID
}

type ItemStack struct {
	Name     string
	Material string
}

// InvSlot places an item in one slot. Slot packs a 1-based grid position,
// see SlotXY.
type InvSlot struct {
	Slot uint8
	Item ItemStack
}

type InvList struct {
	ID    InvfxID
	Slots []InvSlot
}

// InventorySize is a chest size. Its wire value is the slot count.
type InventorySize uint8

const (
	Inv9  InventorySize = 9
	Inv18 InventorySize = 18
	Inv27 InventorySize = 27
	Inv36 InventorySize = 36
	Inv45 InventorySize = 45
	Inv54 InventorySize = 54
)

func (s InventorySize) String() string {
	return fmt.Sprintf("Inv%d", uint8(s))
}

// SlotXY converts a slot to 1-based grid coordinates: the low nibble is the
// column and the high nibble the row.
func SlotXY(slot uint8) (x, y uint8) {
	return (slot & 0x0f) + 1, (slot >> 4) + 1
}

// XYSlot is the inverse of SlotXY. x and y must be in 1..16.
func XYSlot(x, y uint8) uint8 {
	return ((y - 1) << 4) | (x - 1)
}

// RegisterCodecs installs the codecs for the catalogue's record types.
// Composite codecs write their parts in field order through r, so the
// built-in codecs must be registered too.
func RegisterCodecs(r *codec.Registry) error {
	return errors.Join(
		codec.RegisterType(r,
			func(b *codec.Buffer, v PlayerID) error { b.WriteUint32(uint32(v)); return nil },
			func(b *codec.Buffer) (PlayerID, error) {
				v, err := b.ReadUint32()
				return PlayerID(v), err
			}),
		codec.RegisterType(r,
			func(b *codec.Buffer, v InvfxID) error { b.WriteUint32(uint32(v)); return nil },
			func(b *codec.Buffer) (InvfxID, error) {
				v, err := b.ReadUint32()
				return InvfxID(v), err
			}),
		codec.RegisterType(r, encodeUUID, decodeUUID),
		codec.RegisterType(r, encodePlayerData(r), decodePlayerData(r)),
		codec.RegisterType(r, encodeItemStack(r), decodeItemStack(r)),
		codec.RegisterType(r, encodeInvSlot(r), decodeInvSlot(r)),
		codec.RegisterType(r, encodeInvList(r), decodeInvList(r)),
		codec.RegisterEnum(r, map[InventorySize]uint8{
			Inv9: 9, Inv18: 18, Inv27: 27, Inv36: 36, Inv45: 45, Inv54: 54,
		}),
		codec.RegisterSlice[PlayerID](r),
		codec.RegisterSlice[InvSlot](r),
	)
}

func encodeUUID(b *codec.Buffer, v UUID) error {
	b.WriteUint64(v.LSB)
	b.WriteUint64(v.MSB)
	return nil
}

func decodeUUID(b *codec.Buffer) (UUID, error) {
	lsb, err := b.ReadUint64()
	if err != nil {
		return UUID{}, err
	}
	msb, err := b.ReadUint64()
	if err != nil {
		return UUID{}, err
	}
	return UUID{LSB: lsb, MSB: msb}, nil
}

func encodePlayerData(r *codec.Registry) func(*codec.Buffer, PlayerData) error {
	return func(b *codec.Buffer, v PlayerData) error {
		if err := codec.EncodeAs(r, b, v.ID); err != nil {
			return err
		}
		if err := codec.EncodeAs(r, b, v.Name); err != nil {
			return err
		}
		return codec.EncodeAs(r, b, v.UUID)
	}
}

func decodePlayerData(r *codec.Registry) func(*codec.Buffer) (PlayerData, error) {
	return func(b *codec.Buffer) (PlayerData, error) {
		var v PlayerData
		var err error
		if v.ID, err = codec.DecodeAs[PlayerID](r, b); err != nil {
			return v, err
		}
		if v.Name, err = codec.DecodeAs[string](r, b); err != nil {
			return v, err
		}
		v.UUID, err = codec.DecodeAs[UUID](r, b)
		return v, err
	}
}

func encodeItemStack(r *codec.Registry) func(*codec.Buffer, ItemStack) error {
	return func(b *codec.Buffer, v ItemStack) error {
		if err := codec.EncodeAs(r, b, v.Name); err != nil {
			return err
		}
		return codec.EncodeAs(r, b, v.Material)
	}
}

func decodeItemStack(r *codec.Registry) func(*codec.Buffer) (ItemStack, error) {
	return func(b *codec.Buffer) (ItemStack, error) {
		var v ItemStack
		var err error
		if v.Name, err = codec.DecodeAs[string](r, b); err != nil {
			return v, err
		}
		v.Material, err = codec.DecodeAs[string](r, b)
		return v, err
	}
}

func encodeInvSlot(r *codec.Registry) func(*codec.Buffer, InvSlot) error {
	return func(b *codec.Buffer, v InvSlot) error {
		if err := codec.EncodeAs(r, b, v.Slot); err != nil {
			return err
		}
		return codec.EncodeAs(r, b, v.Item)
	}
}

func decodeInvSlot(r *codec.Registry) func(*codec.Buffer) (InvSlot, error) {
	return func(b *codec.Buffer) (InvSlot, error) {
		var v InvSlot
		var err error
		if v.Slot, err = codec.DecodeAs[uint8](r, b); err != nil {
			return v, err
		}
		v.Item, err = codec.DecodeAs[ItemStack](r, b)
		return v, err
	}
}

func encodeInvList(r *codec.Registry) func(*codec.Buffer, InvList) error {
	return func(b *codec.Buffer, v InvList) error {
		if err := codec.EncodeAs(r, b, v.ID); err != nil {
			return err
		}
		return codec.EncodeAs(r, b, v.Slots)
	}
}

func decodeInvList(r *codec.Registry) func(*codec.Buffer) (InvList, error) {
	return func(b *codec.Buffer) (InvList, error) {
		var v InvList
		var err error
		if v.ID, err = codec.DecodeAs[InvfxID](r, b); err != nil {
			return v, err
		}
		v.Slots, err = codec.DecodeAs[[]InvSlot](r, b)
		return v, err
	}
}
