// Package liveness classifies remote sessions as alive or flatlined from the
// heartbeats they send, using a two-generation sweep.
//
// A session is Alive when it pulsed since the last sweep. Each sweep demotes
// every Alive session to Flatlined and evicts every session that was already
// Flatlined, so a session is only forgotten after a full interval without a
// single pulse. One late heartbeat never evicts a peer.
package liveness

import (
	"sort"
	"sync"
)

// SessionKey identifies one running instance of a service.
type SessionKey struct {
	Service string
	Session string
}

func (k SessionKey) String() string {
	return k.Service + "/" + k.Session
}

// Generation is the liveness state of a tracked session.
type Generation int

const (
	// Absent means the session is not tracked, either never seen or evicted.
	Absent Generation = iota
	Alive
	Flatlined
)

func (g Generation) String() string {
	switch g {
	case Alive:
		return "alive"
	case Flatlined:
		return "flatlined"
	default:
		return "absent"
	}
}

// Transition describes what a Pulse did to a session.
type Transition int

const (
	// Discovered means the session was absent before the pulse.
	Discovered Transition = iota
	// Revived means the session was Flatlined before the pulse.
	Revived
	// Refreshed means the session was already Alive.
	Refreshed
)

// Sweep reports the sessions affected by one TakePulse call.
type Sweep struct {
	// Flatlined holds sessions demoted from Alive by this sweep.
	Flatlined []SessionKey
	// Evicted holds sessions removed by this sweep.
	Evicted []SessionKey
}

// Graph tracks sessions in two disjoint generation sets.
type Graph struct {
	mu        sync.RWMutex
	alive     map[SessionKey]struct{}
	flatlined map[SessionKey]struct{}
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		alive:     make(map[SessionKey]struct{}),
		flatlined: make(map[SessionKey]struct{}),
	}
}

// Pulse records a liveness signal from a session and moves it to Alive.
func (g *Graph) Pulse(service, session string) Transition {
	key := SessionKey{Service: service, Session: session}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.alive[key]; ok {
		return Refreshed
	}
	g.alive[key] = struct{}{}
	if _, ok := g.flatlined[key]; ok {
		delete(g.flatlined, key)
		return Revived
	}
	return Discovered
}

// TakePulse ages every session by one generation: the Alive set becomes the
// Flatlined set, the previous Flatlined set is evicted, and Alive is cleared.
func (g *Graph) TakePulse() Sweep {
	g.mu.Lock()
	evicted := g.flatlined
	g.flatlined = g.alive
	g.alive = make(map[SessionKey]struct{})
	sweep := Sweep{
		Flatlined: sortedKeys(g.flatlined),
		Evicted:   sortedKeys(evicted),
	}
	g.mu.Unlock()

	return sweep
}

// AliveCount returns the number of sessions pulsed since the last sweep.
func (g *Graph) AliveCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.alive)
}

// FlatlinedCount returns the number of sessions silent since the last sweep.
func (g *Graph) FlatlinedCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.flatlined)
}

// State returns the generation of a session.
func (g *Graph) State(service, session string) Generation {
	key := SessionKey{Service: service, Session: session}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.alive[key]; ok {
		return Alive
	}
	if _, ok := g.flatlined[key]; ok {
		return Flatlined
	}
	return Absent
}

// HasService reports whether any session of service is still tracked.
func (g *Graph) HasService(service string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for key := range g.alive {
		if key.Service == service {
			return true
		}
	}
	for key := range g.flatlined {
		if key.Service == service {
			return true
		}
	}
	return false
}

// Sessions returns a snapshot of every tracked session and its generation.
func (g *Graph) Sessions() map[SessionKey]Generation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[SessionKey]Generation, len(g.alive)+len(g.flatlined))
	for key := range g.flatlined {
		out[key] = Flatlined
	}
	for key := range g.alive {
		out[key] = Alive
	}
	return out
}

func sortedKeys(set map[SessionKey]struct{}) []SessionKey {
	if len(set) == 0 {
		return nil
	}
	keys := make([]SessionKey, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Service != keys[j].Service {
			return keys[i].Service < keys[j].Service
		}
		return keys[i].Session < keys[j].Session
	})
	return keys
}
