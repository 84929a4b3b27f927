package runtime

import (
	"context"
	"time"

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	"github.com/drblury/flowrpc/internal/runtime/liveness"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	"github.com/drblury/flowrpc/internal/runtime/pending"
)

// caller is a remote session with requests in flight on this channel.
type caller struct {
	replyTo  string
	inFlight int
}

func (c *Channel) trackCaller(key liveness.SessionKey, replyTo string) {
	c.callersMu.Lock()
	defer c.callersMu.Unlock()
	entry, ok := c.callers[key]
	if !ok {
		entry = &caller{replyTo: replyTo}
		c.callers[key] = entry
	}
	entry.inFlight++
}

func (c *Channel) untrackCaller(key liveness.SessionKey) {
	c.callersMu.Lock()
	defer c.callersMu.Unlock()
	entry, ok := c.callers[key]
	if !ok {
		return
	}
	entry.inFlight--
	if entry.inFlight <= 0 {
		delete(c.callers, key)
	}
}

// sendHeartbeats pulses every caller that waits on this channel.
func (c *Channel) sendHeartbeats() {
	c.callersMu.Lock()
	inboxes := make([]string, 0, len(c.callers))
	for _, entry := range c.callers {
		inboxes = append(inboxes, entry.replyTo)
	}
	c.callersMu.Unlock()

	for _, inbox := range inboxes {
		c.send(inbox, c.envelope.heartbeat())
	}
}

// heartbeatLoop beats twice per sweep so that a healthy peer always pulses
// between two sweeps of its callers, even when one beat arrives late.
func (c *Channel) heartbeatLoop(ctx context.Context) {
	defer c.loops.Done()

	interval := c.Conf.HeartbeatInterval
	beatEvery := interval / 2
	if beatEvery <= 0 {
		beatEvery = interval
	}
	beat := time.NewTicker(beatEvery)
	defer beat.Stop()
	sweep := time.NewTicker(interval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.baseCtx.Done():
			return
		case <-beat.C:
			c.sendHeartbeats()
		case <-sweep.C:
			c.Sweep()
		}
	}
}

// SweepResult reports what one Sweep did.
type SweepResult struct {
	liveness.Sweep
	// Faulted holds the correlation ids failed with PeerUnreachableError.
	Faulted []string
	// Orphaned counts calls faulted because nobody awaited them in time.
	Orphaned int
}

// Sweep ages the liveness graph by one generation and fails the calls whose
// peer is gone. A call is failed when its session was evicted by this sweep,
// or when it is older than AcceptanceGrace and no matching session is
// tracked at all. Start runs Sweep every HeartbeatInterval.
func (c *Channel) Sweep() SweepResult {
	sweep := c.graph.TakePulse()
	tracked := c.graph.Sessions()

	services := make(map[string]struct{}, len(tracked))
	for key := range tracked {
		services[key.Service] = struct{}{}
	}
	evicted := make(map[string]struct{}, len(sweep.Evicted))
	for _, key := range sweep.Evicted {
		evicted[key.String()] = struct{}{}
	}

	grace := c.Conf.AcceptanceGrace
	targets := make(map[string]Target)
	faulted := c.registry.FaultWhere(func(e pending.Entry) bool {
		if e.Target == "" {
			return false
		}
		target := parseTarget(e.Target)
		gone := false
		if _, ok := evicted[e.Target]; ok {
			gone = true
		} else if e.Age >= grace {
			if target.Session == "" {
				_, ok := services[target.Service]
				gone = !ok
			} else {
				_, ok := tracked[target.key()]
				gone = !ok
			}
		}
		if gone {
			targets[e.ID] = target
		}
		return gone
	}, func(id string) error {
		target := targets[id]
		return &errspkg.PeerUnreachableError{CorrelationID: id, Service: target.Service, Session: target.Session}
	})

	c.metrics.peerEvictions.Add(float64(len(sweep.Evicted)))
	for _, key := range sweep.Evicted {
		c.Logger.Info("Peer evicted", loggingpkg.LogFields{"peer": key.String()})
	}
	if len(faulted) > 0 {
		c.Logger.Info("Faulted calls to unreachable peers", loggingpkg.LogFields{
			"count":           len(faulted),
			"correlation_ids": faulted,
		})
	}

	orphaned := c.registry.SweepOrphans(c.Conf.OrphanTTL)
	if orphaned > 0 {
		c.Logger.Info("Faulted orphaned calls", loggingpkg.LogFields{"count": orphaned})
	}

	return SweepResult{Sweep: sweep, Faulted: faulted, Orphaned: orphaned}
}
