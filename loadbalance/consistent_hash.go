package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"github.com/dolphin2410/bukrs/registry"
)

// ConsistentHashBalancer maps a fixed key (typically a player name) onto a
// hash ring of endpoints, so the same key keeps landing on the same server
// while the endpoint set is stable.
//
// Each endpoint contributes replicas virtual nodes hashed from "{addr}#{i}".
// The ring is rebuilt only when the endpoint set changes.
type ConsistentHashBalancer struct {
	key      uint32
	replicas int

	mu    sync.Mutex
	sig   string
	ring  []uint32
	nodes map[uint32]registry.Endpoint
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per
// endpoint that always resolves key.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      crc32.ChecksumIEEE([]byte(key)),
		replicas: 100,
	}
}

func (b *ConsistentHashBalancer) Pick(endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(endpoints)

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= b.key
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) rebuild(endpoints []registry.Endpoint) {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr
	}
	sort.Strings(addrs)
	sig := strings.Join(addrs, ",")
	if sig == b.sig && b.ring != nil {
		return
	}

	b.sig = sig
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Endpoint, len(endpoints)*b.replicas)
	for _, ep := range endpoints {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = ep
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
