package api

import (
	"sort"
	"strings"
	"sync"

	"github.com/dolphin2410/bukrs/packets"
)

// Players is the directory the player queries are answered from.
type Players interface {
	Online() []packets.PlayerData
	ByID(id packets.PlayerID) (packets.PlayerData, bool)
	ByName(name string) (packets.PlayerData, bool)
}

// MemoryPlayers is a Players kept in memory by the host. Name lookups are
// case-insensitive.
type MemoryPlayers struct {
	mu   sync.RWMutex
	byID map[packets.PlayerID]packets.PlayerData
}

func NewMemoryPlayers() *MemoryPlayers {
	return &MemoryPlayers{byID: make(map[packets.PlayerID]packets.PlayerData)}
}

func (m *MemoryPlayers) Join(p packets.PlayerData) {
	m.mu.Lock()
	m.byID[p.ID] = p
	m.mu.Unlock()
}

func (m *MemoryPlayers) Leave(id packets.PlayerID) {
	m.mu.Lock()
	delete(m.byID, id)
	m.mu.Unlock()
}

// Online returns the players sorted by id.
func (m *MemoryPlayers) Online() []packets.PlayerData {
	m.mu.RLock()
	out := make([]packets.PlayerData, 0, len(m.byID))
	for _, p := range m.byID {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryPlayers) ByID(id packets.PlayerID) (packets.PlayerData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	return p, ok
}

func (m *MemoryPlayers) ByName(name string) (packets.PlayerData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.byID {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return packets.PlayerData{}, false
}
