// Package registry holds every order the broker manages, partitioned by state.
//
// Each state owns an independent list with its own lock, so processors working
// on different states never contend. A global id index gives O(1) lookup and
// O(1) removal from the middle of a partition.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/openfroyo/broker/pkg/engine"
)

var (
	// ErrNotFound is returned for ids the registry does not hold.
	ErrNotFound = errors.New("order not found")

	// ErrStateChanged is returned by Transition when the order left the
	// expected state before the move could happen.
	ErrStateChanged = errors.New("order state changed")

	// ErrInvalidTransition is returned by Transition for moves the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Observer is notified after every state change, outside of any registry lock.
// to is engine.OrderStateClosed when the order was removed.
type Observer interface {
	OrderMoved(order *engine.Order, from, to engine.OrderState)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(order *engine.Order, from, to engine.OrderState)

// OrderMoved implements Observer.
func (f ObserverFunc) OrderMoved(order *engine.Order, from, to engine.OrderState) {
	f(order, from, to)
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver registers an observer for state changes.
func WithObserver(obs Observer) Option {
	return func(r *Registry) {
		r.observers = append(r.observers, obs)
	}
}

// handle is the index entry of one order. Its mutex serializes membership
// changes of that order.
type handle struct {
	mu      sync.Mutex
	order   *engine.Order
	elem    *element
	removed bool
}

// Registry is the concurrent order registry.
type Registry struct {
	lists     map[engine.OrderState]*orderList
	ordered   []*orderList
	index     sync.Map // order id -> *handle
	count     atomic.Int64
	observers []Observer
}

// New creates an empty registry with one partition per state.
func New(opts ...Option) *Registry {
	r := &Registry{
		lists: make(map[engine.OrderState]*orderList, len(engine.States)),
	}
	for i, s := range engine.States {
		l := newOrderList(s, i)
		r.lists[s] = l
		r.ordered = append(r.ordered, l)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) list(s engine.OrderState) (*orderList, error) {
	l, ok := r.lists[s]
	if !ok {
		return nil, fmt.Errorf("no partition for state %s", s)
	}
	return l, nil
}

// Put inserts a new order into the partition of its current state.
func (r *Registry) Put(o *engine.Order) error {
	l, err := r.list(o.State())
	if err != nil {
		return fmt.Errorf("put order %s: %w", o.ID, err)
	}

	h := &handle{order: o}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, loaded := r.index.LoadOrStore(o.ID, h); loaded {
		return engine.NewDuplicateOrderError(o.ID)
	}

	l.mu.Lock()
	h.elem = l.pushBackLocked(o)
	l.mu.Unlock()
	r.count.Add(1)
	return nil
}

// Get returns the order with the given id.
func (r *Registry) Get(id string) (*engine.Order, error) {
	v, ok := r.index.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v.(*handle).order, nil
}

func (r *Registry) handle(id string) (*handle, error) {
	v, ok := r.index.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v.(*handle), nil
}

// MoveToState moves the order to the partition of state to and updates its
// state field. Moving to engine.OrderStateClosed removes the order.
func (r *Registry) MoveToState(id string, to engine.OrderState) error {
	return r.move(id, to, nil)
}

// Transition moves the order from state from to state to. It fails with
// ErrStateChanged when the order is no longer in from, and with
// ErrInvalidTransition when the lifecycle does not allow the move.
func (r *Registry) Transition(id string, from, to engine.OrderState) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return r.move(id, to, &from)
}

// Remove drops the order from the registry and marks it CLOSED.
func (r *Registry) Remove(id string) error {
	return r.move(id, engine.OrderStateClosed, nil)
}

func (r *Registry) move(id string, to engine.OrderState, expected *engine.OrderState) error {
	h, err := r.handle(id)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.removed {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	src := h.elem.list
	from := src.state
	if expected != nil && *expected != from {
		h.mu.Unlock()
		return fmt.Errorf("%w: order %s is %s, expected %s", ErrStateChanged, id, from, *expected)
	}

	if to == engine.OrderStateClosed {
		src.mu.Lock()
		src.unlinkLocked(h.elem)
		h.order.SetState(to)
		src.mu.Unlock()
		h.removed = true
		r.index.Delete(id)
		r.count.Add(-1)
		h.mu.Unlock()
		r.notify(h.order, from, to)
		return nil
	}

	dst, err := r.list(to)
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("move order %s: %w", id, err)
	}
	if dst == src {
		h.mu.Unlock()
		return nil
	}

	first, second := src, dst
	if dst.rank < src.rank {
		first, second = dst, src
	}
	first.mu.Lock()
	second.mu.Lock()
	src.unlinkLocked(h.elem)
	h.elem = dst.pushBackLocked(h.order)
	h.order.SetState(to)
	second.mu.Unlock()
	first.mu.Unlock()
	h.mu.Unlock()

	r.notify(h.order, from, to)
	return nil
}

func (r *Registry) notify(o *engine.Order, from, to engine.OrderState) {
	for _, obs := range r.observers {
		obs.OrderMoved(o, from, to)
	}
}

// ForEachInState visits the orders of one state in FIFO order until visit
// returns false. No partition lock is held while visit runs, so visit may
// perform remote calls and may move or remove the order it was given.
// Orders appended during the walk may or may not be visited.
func (r *Registry) ForEachInState(s engine.OrderState, visit func(*engine.Order) bool) {
	l, ok := r.lists[s]
	if !ok {
		return
	}
	for e := l.first(); e != nil; e = l.after(e) {
		if !visit(e.order) {
			return
		}
	}
}

// Orders returns a snapshot of the orders currently in state s.
func (r *Registry) Orders(s engine.OrderState) []*engine.Order {
	var out []*engine.Order
	r.ForEachInState(s, func(o *engine.Order) bool {
		out = append(out, o)
		return true
	})
	return out
}

// All returns every registered order sorted by creation time.
func (r *Registry) All() []*engine.Order {
	var out []*engine.Order
	r.index.Range(func(_, v any) bool {
		out = append(out, v.(*handle).order)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of registered orders.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Size returns the number of orders in state s.
func (r *Registry) Size(s engine.OrderState) int {
	l, ok := r.lists[s]
	if !ok {
		return 0
	}
	return l.len()
}

// Sizes returns the size of every partition, taken under all partition locks
// so the result is a consistent cut.
func (r *Registry) Sizes() map[engine.OrderState]int {
	for _, l := range r.ordered {
		l.mu.Lock()
	}
	sizes := make(map[engine.OrderState]int, len(r.ordered))
	for _, l := range r.ordered {
		sizes[l.state] = l.size
	}
	for i := len(r.ordered) - 1; i >= 0; i-- {
		r.ordered[i].mu.Unlock()
	}
	return sizes
}
