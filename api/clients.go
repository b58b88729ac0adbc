package api

import (
	"sort"
	"sync"

	"github.com/dolphin2410/bukrs/dispatch"
	"github.com/dolphin2410/bukrs/packet"
)

// Clients tracks connections that completed the handshake, by client id.
type Clients struct {
	mu     sync.RWMutex
	byID   map[int32]dispatch.Conn
	byConn map[uint64]int32
}

func NewClients() *Clients {
	return &Clients{byID: make(map[int32]dispatch.Conn), byConn: make(map[uint64]int32)}
}

// Add records c under id. A repeated handshake on the same connection
// replaces its previous id.
func (cs *Clients) Add(id int32, c dispatch.Conn) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.addLocked(id, c)
}

func (cs *Clients) addLocked(id int32, c dispatch.Conn) {
	if old, ok := cs.byConn[c.ID()]; ok {
		delete(cs.byID, old)
	}
	cs.byID[id] = c
	cs.byConn[c.ID()] = id
}

// Reserve draws ids from gen until one is free and records c under it.
func (cs *Clients) Reserve(c dispatch.Conn, gen func() int32) int32 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	id := gen()
	for {
		if _, taken := cs.byID[id]; !taken {
			break
		}
		id = gen()
	}
	cs.addLocked(id, c)
	return id
}

// Remove forgets c and returns the id it held.
func (cs *Clients) Remove(c dispatch.Conn) (int32, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	id, ok := cs.byConn[c.ID()]
	if !ok {
		return 0, false
	}
	delete(cs.byConn, c.ID())
	delete(cs.byID, id)
	return id, true
}

func (cs *Clients) Get(id int32) (dispatch.Conn, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.byID[id]
	return c, ok
}

func (cs *Clients) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.byID)
}

// IDs returns the current client ids in ascending order.
func (cs *Clients) IDs() []int32 {
	cs.mu.RLock()
	ids := make([]int32, 0, len(cs.byID))
	for id := range cs.byID {
		ids = append(ids, id)
	}
	cs.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Broadcast sends p uncorrelated to every client and returns how many
// sends succeeded.
func (cs *Clients) Broadcast(p packet.Packet) int {
	cs.mu.RLock()
	conns := make([]dispatch.Conn, 0, len(cs.byID))
	for _, c := range cs.byID {
		conns = append(conns, c)
	}
	cs.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if c.Send(0, p) == nil {
			n++
		}
	}
	return n
}
