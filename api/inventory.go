package api

import (
	"fmt"
	"sync"

	"github.com/dolphin2410/bukrs/dispatch"
	"github.com/dolphin2410/bukrs/packets"
)

// Inventory is one invfx created by a client.
type Inventory struct {
	ID      packets.InvfxID
	Name    string
	Size    packets.InventorySize
	List    packets.InvList
	owner   dispatch.Conn
	viewers map[packets.PlayerID]struct{}
}

// Inventories stores invfx state. Each inventory belongs to the connection
// that created it and disappears with it.
type Inventories struct {
	mu     sync.Mutex
	nextID packets.InvfxID
	byID   map[packets.InvfxID]*Inventory
}

func NewInventories() *Inventories {
	return &Inventories{byID: make(map[packets.InvfxID]*Inventory)}
}

func (s *Inventories) Create(owner dispatch.Conn, name string, size packets.InventorySize) packets.InvfxID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.byID[id] = &Inventory{
		ID:      id,
		Name:    name,
		Size:    size,
		List:    packets.InvList{ID: id},
		owner:   owner,
		viewers: make(map[packets.PlayerID]struct{}),
	}
	return id
}

// Get returns a copy of the inventory state.
func (s *Inventories) Get(id packets.InvfxID) (Inventory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return Inventory{}, false
	}
	out := *inv
	out.List.Slots = append([]packets.InvSlot(nil), inv.List.Slots...)
	out.viewers = nil
	return out, true
}

// SetList replaces the slot list of id. Slots outside the inventory size
// are rejected.
func (s *Inventories) SetList(id packets.InvfxID, list packets.InvList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInventoryNotFound, id)
	}
	for _, slot := range list.Slots {
		x, y := packets.SlotXY(slot.Slot)
		if x > 9 || int(y)*9 > int(inv.Size) {
			return fmt.Errorf("api: slot (%d,%d) outside %s", x, y, inv.Size)
		}
	}
	inv.List = packets.InvList{ID: id, Slots: append([]packets.InvSlot(nil), list.Slots...)}
	return nil
}

// Open records player as viewing id and returns the owner to notify.
func (s *Inventories) Open(id packets.InvfxID, player packets.PlayerID) (dispatch.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInventoryNotFound, id)
	}
	inv.viewers[player] = struct{}{}
	return inv.owner, nil
}

// Viewing returns the owner of id if player has it open.
func (s *Inventories) Viewing(id packets.InvfxID, player packets.PlayerID) (dispatch.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInventoryNotFound, id)
	}
	if _, ok := inv.viewers[player]; !ok {
		return nil, fmt.Errorf("api: player %d is not viewing inventory %d", player, id)
	}
	return inv.owner, nil
}

// CloseView removes player from the viewers of id and returns the owner.
func (s *Inventories) CloseView(id packets.InvfxID, player packets.PlayerID) (dispatch.Conn, error) {
	owner, err := s.Viewing(id, player)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if inv, ok := s.byID[id]; ok {
		delete(inv.viewers, player)
	}
	s.mu.Unlock()
	return owner, nil
}

// DropOwner deletes every inventory created over connection connID.
func (s *Inventories) DropOwner(connID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, inv := range s.byID {
		if inv.owner.ID() == connID {
			delete(s.byID, id)
		}
	}
}

func (s *Inventories) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
