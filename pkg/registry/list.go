package registry

import (
	"sync"

	"github.com/openfroyo/broker/pkg/engine"
)

// element is a node of an orderList. Elements are never reused: moving an
// order unlinks its element and appends a fresh one to the destination list.
// An unlinked element keeps its next pointer so that an iterator positioned
// on it can still advance.
type element struct {
	prev, next *element
	list       *orderList
	order      *engine.Order
	dead       bool
}

// orderList is a mutex-guarded intrusive doubly-linked list holding the
// orders of one state in FIFO order of arrival.
type orderList struct {
	mu    sync.Mutex
	state engine.OrderState
	rank  int
	head  *element
	tail  *element
	size  int
}

func newOrderList(state engine.OrderState, rank int) *orderList {
	return &orderList{state: state, rank: rank}
}

// pushBackLocked appends o and returns its element. l.mu must be held.
func (l *orderList) pushBackLocked(o *engine.Order) *element {
	e := &element{list: l, order: o, prev: l.tail}
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
	l.size++
	return e
}

// unlinkLocked removes e in O(1). l.mu must be held.
func (l *orderList) unlinkLocked(e *element) {
	if e.dead {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev = nil
	e.dead = true
	l.size--
}

// first returns the first live element, or nil.
func (l *orderList) first() *element {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// after returns the first live element following e, or nil.
// e may have been unlinked since it was returned.
func (l *orderList) after(e *element) *element {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := e.next
	for next != nil && next.dead {
		next = next.next
	}
	return next
}

// len returns the number of live elements.
func (l *orderList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}
