// Package packets is the default packet catalogue: player queries, the
// handshake and the inventory (invfx) requests, plus the record types their
// fields use.
//
// Req/Res pairs are request and reply; a reply carries the request's payload
// id. BukrsSD* packets are server data pushed with payload id 0.
package packets

import (
	"errors"

	"github.com/dolphin2410/bukrs/codec"
	"github.com/dolphin2410/bukrs/packet"
)

// Handshake.
type (
	BukrsReqAPI struct{}
	BukrsResAPI struct {
		APIID int32
	}
)

// Players.
type (
	BukrsReqOnlinePlayers struct{}
	BukrsResOnlinePlayers struct {
		Players []PlayerID
	}
	BukrsReqPlayerByID struct {
		Player PlayerID
	}
	BukrsReqPlayerByName struct {
		Name string
	}
	BukrsResPlayerData struct {
		Data PlayerData
	}
)

// Inventories.
type (
	BukrsReqCreateInventory struct {
		Name string
		Size InventorySize
	}
	BukrsResCreateInventory struct {
		InvID InvfxID
	}
	BukrsSDInvClick struct {
		Slot     uint8
		PlayerID PlayerID
	}
	BukrsSDInvOpen struct {
		PlayerID PlayerID
	}
	BukrsSDInvClose struct {
		PlayerID PlayerID
	}
	BukrsReqPlayerInvOpen struct {
		InvID    InvfxID
		PlayerID PlayerID
	}
	BukrsResPlayerInvOpen struct{}
	BukrsReqCreateInvList struct {
		InvID InvfxID
		List  InvList
	}
	BukrsResCreateInvList struct{}
	BukrsReqModifyInvList struct {
		InvID InvfxID
		List  InvList
	}
	BukrsResModifyInvList struct{}
)

// RegisterPackets adds the catalogue to s. The wire names match the Go type
// names, except BukrsReqPlayerByID which keeps its historical name
// "BukrsReqPlayerById".
func RegisterPackets(s *packet.Schema) error {
	return errors.Join(
		packet.RegisterStruct[BukrsReqAPI](s, "BukrsReqAPI"),
		packet.RegisterStruct[BukrsResAPI](s, "BukrsResAPI"),
		packet.RegisterStruct[BukrsReqOnlinePlayers](s, "BukrsReqOnlinePlayers"),
		packet.RegisterStruct[BukrsResOnlinePlayers](s, "BukrsResOnlinePlayers"),
		packet.RegisterStruct[BukrsReqPlayerByID](s, "BukrsReqPlayerById"),
		packet.RegisterStruct[BukrsReqPlayerByName](s, "BukrsReqPlayerByName"),
		packet.RegisterStruct[BukrsResPlayerData](s, "BukrsResPlayerData"),
		packet.RegisterStruct[BukrsReqCreateInventory](s, "BukrsReqCreateInventory"),
		packet.RegisterStruct[BukrsResCreateInventory](s, "BukrsResCreateInventory"),
		packet.RegisterStruct[BukrsSDInvClick](s, "BukrsSDInvClick"),
		packet.RegisterStruct[BukrsSDInvOpen](s, "BukrsSDInvOpen"),
		packet.RegisterStruct[BukrsSDInvClose](s, "BukrsSDInvClose"),
		packet.RegisterStruct[BukrsReqPlayerInvOpen](s, "BukrsReqPlayerInvOpen"),
		packet.RegisterStruct[BukrsResPlayerInvOpen](s, "BukrsResPlayerInvOpen"),
		packet.RegisterStruct[BukrsReqCreateInvList](s, "BukrsReqCreateInvList"),
		packet.RegisterStruct[BukrsResCreateInvList](s, "BukrsResCreateInvList"),
		packet.RegisterStruct[BukrsReqModifyInvList](s, "BukrsReqModifyInvList"),
		packet.RegisterStruct[BukrsResModifyInvList](s, "BukrsResModifyInvList"),
	)
}

// Install registers the record codecs into s's registry and the packets
// into s. Built-in codecs must already be present.
func Install(s *packet.Schema) error {
	if err := RegisterCodecs(s.Codecs()); err != nil {
		return err
	}
	return RegisterPackets(s)
}

// NewSchema returns a private, frozen schema holding the built-in codecs and
// the whole catalogue.
func NewSchema() (*packet.Schema, error) {
	codecs := codec.NewRegistry()
	if err := codec.RegisterBuiltins(codecs); err != nil {
		return nil, err
	}
	s := packet.NewSchema(codecs)
	if err := Install(s); err != nil {
		return nil, err
	}
	codecs.Freeze()
	s.Freeze()
	return s, nil
}
