// Package throttle bounds the number of concurrently admitted units of work
// and queues blocked callers in FIFO order until capacity frees up.
package throttle

import (
	"container/list"
	"context"
	"sync"
	"time"

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
)

// Throttle is an admission-control counter with a FIFO wait queue.
//
// There are three admission paths and they never overlap:
//   - TryAdmit never blocks.
//   - AdmitWithin blocks for at most the given timeout; a timeout of zero or
//     less does not block at all.
//   - Admit blocks until admitted or until ctx is done; pass a context
//     without deadline to wait indefinitely.
type Throttle struct {
	mu          sync.Mutex
	limit       int
	outstanding int
	waiters     *list.List // of *waiter, oldest first
}

type waiter struct {
	ready    chan struct{}
	admitted bool
}

// New returns a Throttle admitting at most limit concurrent units.
func New(limit int) (*Throttle, error) {
	if limit < 1 {
		return nil, errspkg.InvalidConfig("throttle limit", "must be at least 1, got %d", limit)
	}
	return &Throttle{
		limit:   limit,
		waiters: list.New(),
	}, nil
}

// TryAdmit admits one unit if capacity is available and nobody is queued.
func (t *Throttle) TryAdmit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tryAdmitLocked()
}

func (t *Throttle) tryAdmitLocked() bool {
	// Queued waiters are served first so new arrivals cannot starve them.
	if t.outstanding < t.limit && t.waiters.Len() == 0 {
		t.outstanding++
		return true
	}
	return false
}

// AdmitWithin waits up to timeout for admission and reports whether the
// caller was admitted. A non-positive timeout behaves like TryAdmit.
func (t *Throttle) AdmitWithin(timeout time.Duration) bool {
	if timeout <= 0 {
		return t.TryAdmit()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.Admit(ctx) == nil
}

// Admit blocks until the caller is admitted or ctx is done. On failure it
// returns ctx.Err() and the caller holds no unit.
func (t *Throttle) Admit(ctx context.Context) error {
	t.mu.Lock()
	if t.tryAdmitLocked() {
		t.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	elem := t.waiters.PushBack(w)
	t.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w.admitted {
		// Release handed us the slot while ctx expired; keep it.
		return nil
	}
	t.waiters.Remove(elem)
	return ctx.Err()
}

// Release returns one unit. If callers are queued the unit is handed to the
// oldest waiter directly, so exactly one blocked caller proceeds per release.
// Releasing with nothing outstanding is rejected and leaves the count at zero.
func (t *Throttle) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.outstanding == 0 {
		return errspkg.ErrReleaseWithoutAdmit
	}
	if front := t.waiters.Front(); front != nil {
		w := t.waiters.Remove(front).(*waiter)
		w.admitted = true
		close(w.ready)
		return nil
	}
	t.outstanding--
	return nil
}

// Outstanding returns the number of admitted, unreleased units.
func (t *Throttle) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding
}

// Waiting returns the number of callers blocked in Admit or AdmitWithin.
func (t *Throttle) Waiting() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waiters.Len()
}

// Limit returns the configured concurrency bound.
func (t *Throttle) Limit() int {
	return t.limit
}
