// Package loadbalance picks one endpoint out of the list a registry returned.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  servers of different capacity, by Endpoint.Weight
//   - ConsistentHash:  keep one player pinned to the same server
package loadbalance

import (
	"errors"

	"github.com/dolphin2410/bukrs/registry"
)

var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer selects a target endpoint before each dial. Implementations are
// goroutine-safe.
type Balancer interface {
	Pick(endpoints []registry.Endpoint) (registry.Endpoint, error)
	Name() string
}
