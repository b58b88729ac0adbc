// Package dispatch routes decoded packets to handlers registered for their
// exact Go type.
//
// Handlers are grouped into listeners. For a packet of type T every handler
// registered for T runs, in listener-registration order and then entry order,
// with no early exit. A handler replies through Conn.Send.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"

	"github.com/dolphin2410/bukrs/packet"
	"github.com/dolphin2410/bukrs/session"
)

var ErrInvalidEntry = errors.New("dispatch: invalid handler entry")

// Conn is the connection a packet arrived on.
type Conn interface {
	ID() uint64
	RemoteAddr() net.Addr
	Session() *session.Session
	// Send encodes p as one frame carrying payloadID.
	Send(payloadID int32, p packet.Packet) error
	Close() error
}

// Event is one decoded frame on its way to handlers.
type Event struct {
	Conn      Conn
	PayloadID int32
	Name      string
	Packet    packet.Packet
	// Handled is the number of handlers that ran, set by the dispatcher.
	Handled int
}

// HandlerFunc processes one event.
type HandlerFunc func(ctx context.Context, ev *Event) error

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is outermost:
//
//	Chain(A, B, C)(h) == A(B(C(h)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Entry is one handler bound to an exact packet type.
type Entry struct {
	Type    reflect.Type
	Handler HandlerFunc
}

// On binds fn to packets of type T.
func On[T any](fn func(ctx context.Context, c Conn, payloadID int32, p T) error) Entry {
	return Entry{
		Type: reflect.TypeOf((*T)(nil)).Elem(),
		Handler: func(ctx context.Context, ev *Event) error {
			p, ok := ev.Packet.(T)
			if !ok {
				return fmt.Errorf("dispatch: handler for %s got %T", reflect.TypeOf((*T)(nil)).Elem(), ev.Packet)
			}
			return fn(ctx, ev.Conn, ev.PayloadID, p)
		},
	}
}

// Listener exposes a group of handler entries.
type Listener interface {
	Handlers() []Entry
}

// Entries is a Listener made of a fixed entry list.
type Entries []Entry

func (e Entries) Handlers() []Entry { return e }

// Dispatcher holds the handler table.
type Dispatcher struct {
	mu        sync.RWMutex
	table     map[reflect.Type][]HandlerFunc
	listeners int
	chain     HandlerFunc
}

// New returns a dispatcher whose events pass through middlewares before
// reaching handlers.
func New(middlewares ...Middleware) *Dispatcher {
	d := &Dispatcher{table: make(map[reflect.Type][]HandlerFunc)}
	d.chain = Chain(middlewares...)(d.fanout)
	return d
}

// RegisterListener appends l's handlers to the table. Nothing is registered
// if any entry is invalid.
func (d *Dispatcher) RegisterListener(l Listener) error {
	entries := l.Handlers()
	for i, e := range entries {
		if e.Type == nil || e.Handler == nil {
			return fmt.Errorf("%w: entry %d", ErrInvalidEntry, i)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		d.table[e.Type] = append(d.table[e.Type], e.Handler)
	}
	d.listeners++
	return nil
}

// Listeners returns the number of registered listeners.
func (d *Dispatcher) Listeners() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listeners
}

// Matches returns how many handlers accept packets of p's type.
func (d *Dispatcher) Matches(p packet.Packet) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.table[reflect.TypeOf(p)])
}

// Dispatch runs every handler matching ev.Packet. Handler errors are joined;
// a failing handler does not stop the ones after it.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	return d.chain(ctx, ev)
}

func (d *Dispatcher) fanout(ctx context.Context, ev *Event) error {
	d.mu.RLock()
	handlers := d.table[reflect.TypeOf(ev.Packet)]
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		ev.Handled++
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
