// Package dispatch load-balances messages across the consumers registered
// for a destination in strict round-robin order.
package dispatch

import "container/list"

// Consumer receives messages dispatched to a destination.
type Consumer[M any] func(msg M)

// Table is the ordered consumer sequence of a single destination. The order
// is the round-robin cursor: the head is the least recently used consumer.
// Table is not safe for concurrent use; Router guards it.
type Table[M any] struct {
	consumers *list.List // of Consumer[M]
}

// NewTable returns an empty consumer sequence.
func NewTable[M any]() *Table[M] {
	return &Table[M]{consumers: list.New()}
}

// Add appends a consumer to the tail and returns its handle.
func (t *Table[M]) Add(c Consumer[M]) *list.Element {
	return t.consumers.PushBack(c)
}

// Remove drops the consumer behind handle. It reports false when the handle
// no longer belongs to this table.
func (t *Table[M]) Remove(handle *list.Element) bool {
	if handle == nil {
		return false
	}
	for e := t.consumers.Front(); e != nil; e = e.Next() {
		if e == handle {
			t.consumers.Remove(e)
			return true
		}
	}
	return false
}

// Next returns the head consumer and rotates it to the tail.
func (t *Table[M]) Next() (Consumer[M], bool) {
	front := t.consumers.Front()
	if front == nil {
		return nil, false
	}
	t.consumers.MoveToBack(front)
	return front.Value.(Consumer[M]), true
}

// Len returns the number of registered consumers.
func (t *Table[M]) Len() int {
	return t.consumers.Len()
}
