// Package api implements the default Bukrs handlers: the handshake that
// assigns a client id, player lookups and the inventory (invfx) requests.
package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/dolphin2410/bukrs/dispatch"
	"github.com/dolphin2410/bukrs/packets"
	"github.com/dolphin2410/bukrs/session"
	"go.uber.org/zap"
)

// ClientIDKey holds the id a connection received in its handshake reply.
var ClientIDKey = session.NewKey[int32]("BukrsClientIdKey")

var (
	ErrPlayerNotFound    = errors.New("api: player not found")
	ErrInventoryNotFound = errors.New("api: inventory not found")
	ErrNotHandshaken     = errors.New("api: connection has not completed the handshake")
)

// API serves the default packet catalogue.
type API struct {
	Clients     *Clients
	Players     Players
	Inventories *Inventories

	logger *zap.Logger
	newID  func() int32
}

type Option func(*API)

func WithLogger(l *zap.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithPlayers sets the player directory. Defaults to an empty MemoryPlayers.
func WithPlayers(p Players) Option {
	return func(a *API) { a.Players = p }
}

// WithIDSource replaces the random client id generator.
func WithIDSource(fn func() int32) Option {
	return func(a *API) { a.newID = fn }
}

func New(opts ...Option) *API {
	a := &API{
		Clients:     NewClients(),
		Players:     NewMemoryPlayers(),
		Inventories: NewInventories(),
		logger:      zap.NewNop(),
		newID:       func() int32 { return rand.Int31n(math.MaxInt32) },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Disconnected drops everything tied to c. Wire it to the server's
// disconnect hook.
func (a *API) Disconnected(c dispatch.Conn) {
	if id, ok := a.Clients.Remove(c); ok {
		a.logger.Debug("client left", zap.Int32("client_id", id), zap.Uint64("conn_id", c.ID()))
	}
	a.Inventories.DropOwner(c.ID())
}

func (a *API) Handlers() []dispatch.Entry {
	return []dispatch.Entry{
		dispatch.On(a.handshake),
		dispatch.On(a.onlinePlayers),
		dispatch.On(a.playerByID),
		dispatch.On(a.playerByName),
		dispatch.On(a.createInventory),
		dispatch.On(a.createInvList),
		dispatch.On(a.modifyInvList),
		dispatch.On(a.playerInvOpen),
	}
}

// handshake assigns a fresh non-negative id, replies with it under the
// request's payload id and then tags the session. The id is reserved before
// the reply goes out so concurrent handshakes never share one.
func (a *API) handshake(_ context.Context, c dispatch.Conn, payloadID int32, _ packets.BukrsReqAPI) error {
	id := a.Clients.Reserve(c, a.newID)
	if err := c.Send(payloadID, packets.BukrsResAPI{APIID: id}); err != nil {
		a.Clients.Remove(c)
		return fmt.Errorf("api: handshake reply: %w", err)
	}
	session.Set(c.Session(), ClientIDKey, id)
	a.logger.Info("client handshake", zap.Int32("client_id", id), zap.Uint64("conn_id", c.ID()), zap.String("remote", c.RemoteAddr().String()))
	return nil
}

func (a *API) onlinePlayers(_ context.Context, c dispatch.Conn, payloadID int32, _ packets.BukrsReqOnlinePlayers) error {
	online := a.Players.Online()
	ids := make([]packets.PlayerID, len(online))
	for i, p := range online {
		ids[i] = p.ID
	}
	return c.Send(payloadID, packets.BukrsResOnlinePlayers{Players: ids})
}

// playerByID and playerByName send no reply for an unknown player; the
// requester's wait ends by its own deadline.
func (a *API) playerByID(_ context.Context, c dispatch.Conn, payloadID int32, req packets.BukrsReqPlayerByID) error {
	p, ok := a.Players.ByID(req.Player)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrPlayerNotFound, req.Player)
	}
	return c.Send(payloadID, packets.BukrsResPlayerData{Data: p})
}

func (a *API) playerByName(_ context.Context, c dispatch.Conn, payloadID int32, req packets.BukrsReqPlayerByName) error {
	p, ok := a.Players.ByName(req.Name)
	if !ok {
		return fmt.Errorf("%w: name %q", ErrPlayerNotFound, req.Name)
	}
	return c.Send(payloadID, packets.BukrsResPlayerData{Data: p})
}

func (a *API) createInventory(_ context.Context, c dispatch.Conn, payloadID int32, req packets.BukrsReqCreateInventory) error {
	if _, ok := session.Get(c.Session(), ClientIDKey); !ok {
		return ErrNotHandshaken
	}
	id := a.Inventories.Create(c, req.Name, req.Size)
	return c.Send(payloadID, packets.BukrsResCreateInventory{InvID: id})
}

func (a *API) createInvList(_ context.Context, c dispatch.Conn, payloadID int32, req packets.BukrsReqCreateInvList) error {
	if err := a.Inventories.SetList(req.InvID, req.List); err != nil {
		return err
	}
	return c.Send(payloadID, packets.BukrsResCreateInvList{})
}

func (a *API) modifyInvList(_ context.Context, c dispatch.Conn, payloadID int32, req packets.BukrsReqModifyInvList) error {
	if err := a.Inventories.SetList(req.InvID, req.List); err != nil {
		return err
	}
	return c.Send(payloadID, packets.BukrsResModifyInvList{})
}

// playerInvOpen shows an inventory to a player. The owner of the inventory
// receives BukrsSDInvOpen once the reply is sent.
func (a *API) playerInvOpen(_ context.Context, c dispatch.Conn, payloadID int32, req packets.BukrsReqPlayerInvOpen) error {
	if _, ok := a.Players.ByID(req.PlayerID); !ok {
		return fmt.Errorf("%w: id %d", ErrPlayerNotFound, req.PlayerID)
	}
	owner, err := a.Inventories.Open(req.InvID, req.PlayerID)
	if err != nil {
		return err
	}
	if err := c.Send(payloadID, packets.BukrsResPlayerInvOpen{}); err != nil {
		return err
	}
	return owner.Send(0, packets.BukrsSDInvOpen{PlayerID: req.PlayerID})
}

// Click reports a click of player on slot of an open inventory to the
// inventory's owner.
func (a *API) Click(inv packets.InvfxID, player packets.PlayerID, slot uint8) error {
	owner, err := a.Inventories.Viewing(inv, player)
	if err != nil {
		return err
	}
	return owner.Send(0, packets.BukrsSDInvClick{Slot: slot, PlayerID: player})
}

// CloseInventory reports that player closed inv and forgets the viewer.
func (a *API) CloseInventory(inv packets.InvfxID, player packets.PlayerID) error {
	owner, err := a.Inventories.CloseView(inv, player)
	if err != nil {
		return err
	}
	return owner.Send(0, packets.BukrsSDInvClose{PlayerID: player})
}
