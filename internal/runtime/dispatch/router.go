package dispatch

import (
	"container/list"
	"sort"
	"sync"
)

// Router keeps one round-robin Table per destination. All mutation happens
// under a single router-wide lock; consumers are invoked after the lock is
// released so a slow consumer never blocks registration or other dispatches.
type Router[M any] struct {
	mu     sync.Mutex
	tables map[string]*Table[M]
}

// Registration identifies one consumer registered on a Router.
type Registration struct {
	unregister func() bool
}

// Unregister removes the consumer. It reports false when the consumer was
// already removed, for example by ClearAllRegistrations.
func (r Registration) Unregister() bool {
	if r.unregister == nil {
		return false
	}
	return r.unregister()
}

// NewRouter returns an empty Router.
func NewRouter[M any]() *Router[M] {
	return &Router[M]{tables: make(map[string]*Table[M])}
}

// RegisterConsumer appends consumer to the sequence of destination, creating
// the sequence on first use.
func (r *Router[M]) RegisterConsumer(destination string, consumer Consumer[M]) Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, ok := r.tables[destination]
	if !ok {
		table = NewTable[M]()
		r.tables[destination] = table
	}
	handle := table.Add(consumer)

	return Registration{unregister: func() bool {
		return r.remove(destination, table, handle)
	}}
}

func (r *Router[M]) remove(destination string, table *Table[M], handle *list.Element) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tables[destination] != table {
		return false
	}
	removed := table.Remove(handle)
	if table.Len() == 0 {
		delete(r.tables, destination)
	}
	return removed
}

// DispatchMessage hands msg to the least recently used consumer of
// destination and rotates it to the tail. It returns false, dropping the
// message, when the destination has no consumers.
func (r *Router[M]) DispatchMessage(destination string, msg M) bool {
	r.mu.Lock()
	table, ok := r.tables[destination]
	var consumer Consumer[M]
	if ok {
		consumer, ok = table.Next()
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	consumer(msg)
	return true
}

// ClearAllRegistrations drops every destination and consumer.
func (r *Router[M]) ClearAllRegistrations() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = make(map[string]*Table[M])
}

// ConsumerCount returns the number of consumers registered for destination.
func (r *Router[M]) ConsumerCount(destination string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if table, ok := r.tables[destination]; ok {
		return table.Len()
	}
	return 0
}

// Destinations returns the destinations with at least one consumer, sorted.
func (r *Router[M]) Destinations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConsumerCounts returns a snapshot of consumer counts per destination.
func (r *Router[M]) ConsumerCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int, len(r.tables))
	for name, table := range r.tables {
		counts[name] = table.Len()
	}
	return counts
}
