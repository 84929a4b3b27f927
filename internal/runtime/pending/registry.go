// Package pending correlates outbound requests with the replies that
// eventually arrive for them on an asynchronous transport.
//
// Each entry is a single-assignment result slot keyed by correlation id. The
// send path creates entries, the receive path resolves them, and the waiting
// caller removes them. Resolving an absent or already resolved entry is a
// silent no-op because late and duplicate replies are normal on lossy
// transports.
package pending

import (
	"context"
	"sync"
	"time"

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	idspkg "github.com/drblury/flowrpc/internal/runtime/ids"
)

// Registry is the table of outstanding calls. The zero value is not usable;
// construct it with New.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]

	now   func() time.Time
	newID func() string
}

type entry[T any] struct {
	target    string
	createdAt time.Time
	deadline  time.Time
	awaited   bool
	done      chan struct{}
	resolved  bool
	value     T
	err       error
}

// Option customises a Registry.
type Option func(*options)

type options struct {
	now   func() time.Time
	newID func() string
}

// WithClock replaces the clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator replaces the correlation id generator.
func WithIDGenerator(newID func() string) Option {
	return func(o *options) { o.newID = newID }
}

// New returns an empty Registry.
func New[T any](opts ...Option) *Registry[T] {
	o := options{now: time.Now, newID: idspkg.CreateULID}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[T]{
		entries: make(map[string]*entry[T]),
		now:     o.now,
		newID:   o.newID,
	}
}

// Begin creates an unresolved entry and returns its correlation id.
func (r *Registry[T]) Begin() string {
	return r.BeginFor("")
}

// BeginFor creates an unresolved entry bound to target, so that FaultTarget
// can fail it when the target is declared dead.
func (r *Registry[T]) BeginFor(target string) string {
	return r.BeginUntil(target, time.Time{})
}

// BeginUntil is BeginFor for a call that its caller gives up on at deadline.
// SweepOrphans leaves the entry alone until the deadline has passed.
func (r *Registry[T]) BeginUntil(target string, deadline time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for _, exists := r.entries[id]; exists; _, exists = r.entries[id] {
		id = r.newID()
	}
	r.entries[id] = &entry[T]{
		target:    target,
		createdAt: r.now(),
		deadline:  deadline,
		done:      make(chan struct{}),
	}
	return id
}

// Complete stores a success value. It reports false when the entry is absent
// or already resolved.
func (r *Registry[T]) Complete(id string, value T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(r.entries[id], value, nil)
}

// Fault stores a failure. It reports false when the entry is absent or
// already resolved.
func (r *Registry[T]) Fault(id string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	return r.resolveLocked(r.entries[id], zero, err)
}

func (r *Registry[T]) resolveLocked(e *entry[T], value T, err error) bool {
	if e == nil || e.resolved {
		return false
	}
	e.resolved = true
	e.value = value
	e.err = err
	close(e.done)
	return true
}

// Await blocks until the entry resolves, the timeout elapses or ctx is done,
// and removes the entry on every path so a late reply is dropped.
//
// A positive timeout bounds the wait and produces a *errors.TimeoutError. A
// zero or negative timeout leaves ctx as the only bound.
func (r *Registry[T]) Await(ctx context.Context, id string, timeout time.Duration) (T, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		e.awaited = true
	}
	r.mu.Unlock()
	if !ok {
		var zero T
		return zero, errspkg.ErrUnknownRequest
	}

	start := time.Now()
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-e.done:
	case <-expired:
		r.mu.Lock()
		var zero T
		r.resolveLocked(e, zero, &errspkg.TimeoutError{CorrelationID: id, Elapsed: time.Since(start)})
		r.mu.Unlock()
	case <-ctx.Done():
		r.mu.Lock()
		var zero T
		r.resolveLocked(e, zero, ctx.Err())
		r.mu.Unlock()
	}

	r.mu.Lock()
	if r.entries[id] == e {
		delete(r.entries, id)
	}
	value, err := e.value, e.err
	r.mu.Unlock()

	return value, err
}

// Abandon removes an entry without waiting for it, for callers that give up
// on a request before awaiting it.
func (r *Registry[T]) Abandon(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	var zero T
	r.resolveLocked(e, zero, context.Canceled)
	delete(r.entries, id)
	return true
}

// Retarget rebinds an unresolved entry to a new target.
func (r *Registry[T]) Retarget(id, target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.resolved {
		return false
	}
	e.target = target
	return true
}

// Target returns the target an entry is bound to.
func (r *Registry[T]) Target(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.target, true
}

// FaultTarget fails every unresolved entry bound to target with the error
// built by errFor and returns the affected correlation ids.
func (r *Registry[T]) FaultTarget(target string, errFor func(id string) error) []string {
	return r.FaultWhere(func(e Entry) bool { return e.Target == target }, errFor)
}

// Entry describes an unresolved entry to a FaultWhere predicate.
type Entry struct {
	ID     string
	Target string
	Age    time.Duration
}

// FaultWhere fails every unresolved entry accepted by match with the error
// built by errFor and returns the affected correlation ids. match runs with
// the registry lock held and must not call back into the registry.
func (r *Registry[T]) FaultWhere(match func(Entry) bool, errFor func(id string) error) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var faulted []string
	var zero T
	for id, e := range r.entries {
		if e.resolved || !match(Entry{ID: id, Target: e.target, Age: now.Sub(e.createdAt)}) {
			continue
		}
		if r.resolveLocked(e, zero, errFor(id)) {
			faulted = append(faulted, id)
		}
	}
	return faulted
}

// FaultAll fails every unresolved entry and returns how many were affected.
func (r *Registry[T]) FaultAll(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	var zero T
	for _, e := range r.entries {
		if r.resolveLocked(e, zero, err) {
			count++
		}
	}
	return count
}

// SweepOrphans fails unresolved entries older than maxAge that nobody awaits
// with a timeout, and drops resolved entries of that age that nobody awaited.
// Awaited entries are bounded by their own waiter, and an entry begun with a
// deadline is kept until that deadline has passed. It returns the number of
// entries faulted.
func (r *Registry[T]) SweepOrphans(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	faulted := 0
	var zero T
	for id, e := range r.entries {
		age := now.Sub(e.createdAt)
		if age < maxAge || e.awaited {
			continue
		}
		if e.resolved {
			delete(r.entries, id)
			continue
		}
		if !e.deadline.IsZero() && now.Before(e.deadline) {
			continue
		}
		if r.resolveLocked(e, zero, &errspkg.TimeoutError{CorrelationID: id, Elapsed: age}) {
			faulted++
		}
	}
	return faulted
}

// Len returns the number of entries that have not been removed yet.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
