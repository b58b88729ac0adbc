package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry for tests and single-node setups.
// TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	closed   bool
	services map[string]map[string]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (m *MemoryRegistry) Register(_ context.Context, service string, ep Endpoint, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.services[service] == nil {
		m.services[service] = make(map[string]Endpoint)
	}
	m.services[service][ep.Addr] = ep
	m.notifyLocked(service)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, service string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.services[service], addr)
	m.notifyLocked(service)
	return nil
}

func (m *MemoryRegistry) Discover(_ context.Context, service string) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.listLocked(service), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, service string) (<-chan []Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ch := make(chan []Endpoint, 1)
	m.watchers[service] = append(m.watchers[service], ch)

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[service]
		for i, w := range ws {
			if w == ch {
				m.watchers[service] = append(ws[:i], ws[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ws := range m.watchers {
		for _, w := range ws {
			close(w)
		}
	}
	m.watchers = nil
	return nil
}

// listLocked returns endpoints sorted by address.
func (m *MemoryRegistry) listLocked(service string) []Endpoint {
	out := make([]Endpoint, 0, len(m.services[service]))
	for _, ep := range m.services[service] {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// notifyLocked delivers the latest list to each watcher, replacing a stale
// undelivered one.
func (m *MemoryRegistry) notifyLocked(service string) {
	list := m.listLocked(service)
	for _, w := range m.watchers[service] {
		select {
		case <-w:
		default:
		}
		w <- list
	}
}
