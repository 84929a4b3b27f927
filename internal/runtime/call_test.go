package runtime

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	"github.com/drblury/flowrpc/internal/runtime/liveness"
	metadatapkg "github.com/drblury/flowrpc/internal/runtime/metadata"
)

func TestCallRoundTrip(t *testing.T) {
	n := newTestNet(t)
	srv := n.echoServer(t, "echo-svc")
	caller := n.client(t, "caller")

	reply, err := caller.Call(context.Background(), ServiceTarget("echo-svc"), "echo", []byte("ping"),
		WithMetadata(map[string]string{"tenant": "acme"}))
	require.NoError(t, err)

	assert.Equal(t, []byte("ping"), reply.Payload)
	assert.Equal(t, "acme", reply.Metadata["tenant"])
	assert.Equal(t, srv.Self(), reply.From)
	assert.NotEmpty(t, reply.CorrelationID)
	assert.Equal(t, 0, caller.Stats().Pending)
	assert.Equal(t, liveness.Alive, caller.graph.State("echo-svc", srv.Self().Session))
	assert.Equal(t, 1.0, testutil.ToFloat64(caller.metrics.requests.WithLabelValues(outcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.served.WithLabelValues(outcomeOK)))
}

func TestCallToSessionTarget(t *testing.T) {
	n := newTestNet(t)
	first := n.echoServer(t, "echo-svc")
	second := n.echoServer(t, "echo-svc")
	caller := n.client(t, "caller")

	for i := 0; i < 4; i++ {
		reply, err := caller.Call(context.Background(), second.Self(), "echo", []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, second.Self(), reply.From)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(first.metrics.served.WithLabelValues(outcomeOK)))
}

func TestServiceTargetIsSharedRoundRobin(t *testing.T) {
	n := newTestNet(t)
	first := n.echoServer(t, "echo-svc")
	second := n.echoServer(t, "echo-svc")
	caller := n.client(t, "caller")

	served := make(map[Target]int)
	for i := 0; i < 4; i++ {
		reply, err := caller.Call(context.Background(), ServiceTarget("echo-svc"), "echo", nil)
		require.NoError(t, err)
		served[reply.From]++
	}
	assert.Equal(t, 2, served[first.Self()])
	assert.Equal(t, 2, served[second.Self()])
}

func TestHandlersOfOneOperationTakeTurns(t *testing.T) {
	n := newTestNet(t)
	srv := n.channel(t, testConfig("svc"))
	var mu sync.Mutex
	var order []string
	for _, name := range []string{"a", "b"} {
		_, err := srv.Handle("op", func(context.Context, *Request) (*Reply, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return &Reply{Payload: []byte(name)}, nil
		})
		require.NoError(t, err)
	}
	startChannel(t, srv)
	caller := n.client(t, "caller")

	for i := 0; i < 4; i++ {
		_, err := caller.Call(context.Background(), ServiceTarget("svc"), "op", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, order)
}

func TestCallUnknownOperationFaultsWithNoHandler(t *testing.T) {
	n := newTestNet(t)
	n.echoServer(t, "echo-svc")
	caller := n.client(t, "caller")

	_, err := caller.Call(context.Background(), ServiceTarget("echo-svc"), "missing", nil)
	require.ErrorIs(t, err, errspkg.ErrNoHandler)

	var remote *errspkg.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, errspkg.FaultKindNoHandler, remote.Kind)
	assert.Contains(t, remote.Message, "missing")
	assert.Equal(t, 1.0, testutil.ToFloat64(caller.metrics.requests.WithLabelValues(outcomeNoHandler)))
}

func TestHandlerErrorBecomesRemoteFault(t *testing.T) {
	n := newTestNet(t)
	srv := n.channel(t, testConfig("svc"))
	_, err := srv.Handle("fail", func(context.Context, *Request) (*Reply, error) {
		return nil, errBoom
	})
	require.NoError(t, err)
	_, err = srv.Handle("panic", func(context.Context, *Request) (*Reply, error) {
		panic("kaboom")
	})
	require.NoError(t, err)
	startChannel(t, srv)
	caller := n.client(t, "caller")

	_, err = caller.Call(context.Background(), ServiceTarget("svc"), "fail", nil)
	var remote *errspkg.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, errspkg.FaultKindHandler, remote.Kind)
	assert.Equal(t, "boom", remote.Message)

	_, err = caller.Call(context.Background(), ServiceTarget("svc"), "panic", nil)
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, errspkg.FaultKindHandler, remote.Kind)
	assert.Contains(t, remote.Message, "kaboom")

	require.Eventually(t, func() bool {
		stats := srv.Stats()
		return stats.Outstanding == 0 && stats.Callers == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandlerSeesRequestDetails(t *testing.T) {
	n := newTestNet(t)
	srv := n.channel(t, testConfig("svc"))
	got := make(chan *Request, 1)
	deadlines := make(chan bool, 1)
	_, err := srv.Handle("inspect", func(ctx context.Context, req *Request) (*Reply, error) {
		_, ok := ctx.Deadline()
		deadlines <- ok
		got <- req
		return nil, nil
	})
	require.NoError(t, err)
	startChannel(t, srv)
	caller := n.client(t, "caller")

	reply, err := caller.Call(context.Background(), ServiceTarget("svc"), "inspect", []byte("body"),
		WithTimeout(time.Second), WithMetadata(map[string]string{"k": "v"}))
	require.NoError(t, err)
	assert.Empty(t, reply.Payload)

	req := <-got
	assert.Equal(t, reply.CorrelationID, req.CorrelationID)
	assert.Equal(t, "inspect", req.Operation)
	assert.Equal(t, caller.Self(), req.Caller)
	assert.Equal(t, []byte("body"), req.Payload)
	assert.Equal(t, metadatapkg.Metadata{"k": "v"}, req.Metadata)
	assert.False(t, req.Deadline.IsZero())
	assert.True(t, <-deadlines)
}

func TestAdmissionRejectedWhenThrottleSaturated(t *testing.T) {
	n := newTestNet(t)
	conf := testConfig("svc")
	conf.ThrottleLimit = 1
	srv := n.channel(t, conf)
	release := make(chan struct{})
	_, err := srv.Handle("block", func(ctx context.Context, _ *Request) (*Reply, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &Reply{Payload: []byte("done")}, nil
	})
	require.NoError(t, err)
	startChannel(t, srv)
	caller := n.client(t, "caller")

	first, err := caller.Go(context.Background(), ServiceTarget("svc"), "block", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Stats().Outstanding == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = caller.Call(context.Background(), ServiceTarget("svc"), "block", nil)
	require.ErrorIs(t, err, errspkg.ErrAdmissionRejected)
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.admissionRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(caller.metrics.requests.WithLabelValues(outcomeRejected)))

	close(release)
	reply, err := first.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), reply.Payload)
	require.Eventually(t, func() bool { return srv.Stats().Outstanding == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestAdmissionWaitQueuesBriefly(t *testing.T) {
	n := newTestNet(t)
	conf := testConfig("svc")
	conf.ThrottleLimit = 1
	conf.AdmissionWait = 2 * time.Second
	srv := n.channel(t, conf)
	_, err := srv.Handle("slow", func(context.Context, *Request) (*Reply, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})
	require.NoError(t, err)
	startChannel(t, srv)
	caller := n.client(t, "caller")

	calls := make([]*PendingCall, 3)
	for i := range calls {
		calls[i], err = caller.Go(context.Background(), ServiceTarget("svc"), "slow", nil)
		require.NoError(t, err)
	}
	for _, call := range calls {
		_, err := call.Await(context.Background())
		assert.NoError(t, err)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(srv.metrics.admissionRejected))
}

func TestQueuedRequestKeepsCallerPulsed(t *testing.T) {
	n := newTestNet(t)
	conf := testConfig("busy")
	conf.ThrottleLimit = 1
	conf.AdmissionWait = 2 * time.Second
	srv := n.channel(t, conf)
	release := make(chan struct{})
	_, err := srv.Handle("hold", func(context.Context, *Request) (*Reply, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	startChannel(t, srv)

	first := n.client(t, "first")
	occupant, err := first.Go(context.Background(), ServiceTarget("busy"), "hold", nil, WithTimeout(5*time.Second))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Stats().Outstanding == 1 }, 2*time.Second, 5*time.Millisecond)

	callerConf := testConfig("second")
	callerConf.AcceptanceGrace = 100 * time.Millisecond
	caller := n.channel(t, callerConf)
	startChannel(t, caller)

	queued, err := caller.Go(context.Background(), ServiceTarget("busy"), "hold", nil, WithTimeout(5*time.Second))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return caller.graph.State(srv.Self().Service, srv.Self().Session) == liveness.Alive
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, srv.Stats().Outstanding)

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, caller.Sweep().Faulted)

	close(release)
	_, err = occupant.Await(context.Background())
	require.NoError(t, err)
	_, err = queued.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(srv.metrics.admissionRejected))
}

func TestSweepSparesAwaitedCallsWithLongTimeouts(t *testing.T) {
	n := newTestNet(t)
	srv := n.channel(t, testConfig("svc"))
	release := make(chan struct{})
	_, err := srv.Handle("slow", func(context.Context, *Request) (*Reply, error) {
		<-release
		return &Reply{Payload: []byte("done")}, nil
	})
	require.NoError(t, err)
	startChannel(t, srv)

	conf := testConfig("caller")
	conf.RequestTimeout = 100 * time.Millisecond
	conf.OrphanTTL = 200 * time.Millisecond
	caller := n.channel(t, conf)
	startChannel(t, caller)

	call, err := caller.Go(context.Background(), ServiceTarget("svc"), "slow", nil, WithTimeout(5*time.Second))
	require.NoError(t, err)
	result := make(chan error, 1)
	go func() {
		_, err := call.Await(context.Background())
		result <- err
	}()

	time.Sleep(300 * time.Millisecond)
	sweep := caller.Sweep()
	assert.Equal(t, 0, sweep.Orphaned)
	assert.Empty(t, sweep.Faulted)

	close(release)
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("call did not complete")
	}
}

func TestCallTimesOutAndDropsLateReply(t *testing.T) {
	n := newTestNet(t)
	srv := n.channel(t, testConfig("svc"))
	release := make(chan struct{})
	_, err := srv.Handle("slow", func(context.Context, *Request) (*Reply, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	startChannel(t, srv)
	caller := n.client(t, "caller")

	_, err = caller.Call(context.Background(), ServiceTarget("svc"), "slow", nil, WithTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, errspkg.ErrTimeout)
	assert.Equal(t, 0, caller.Stats().Pending)

	close(release)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(caller.metrics.lateReplies) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(caller.metrics.requests.WithLabelValues(outcomeTimeout)))
}

func TestCallHonoursContextCancellation(t *testing.T) {
	n := newTestNet(t)
	caller := n.client(t, "caller")

	ctx, cancel := context.WithCancel(context.Background())
	call, err := caller.Go(ctx, ServiceTarget("nobody"), "op", nil)
	require.NoError(t, err)
	cancel()

	_, err = call.Await(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, caller.Stats().Pending)
}

func TestSilentPeerIsDeclaredUnreachable(t *testing.T) {
	n := newTestNet(t)
	srv := n.channel(t, testConfig("svc"))
	_, err := srv.Handle("hang", func(ctx context.Context, _ *Request) (*Reply, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	startChannel(t, srv)
	caller := n.client(t, "caller")

	call, err := caller.Go(context.Background(), ServiceTarget("svc"), "hang", nil, WithTimeout(time.Minute))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		target, ok := caller.registry.Target(call.ID)
		return ok && target == srv.Self().String()
	}, 2*time.Second, 5*time.Millisecond, "call was not bound to the accepting session")

	// Everything the server sends from now on is lost.
	serverInbox := caller.topics.replies(caller.self)
	n.hub.SetDropFunc(func(topic string, _ *message.Message) bool { return topic == serverInbox })

	first := caller.Sweep()
	assert.Equal(t, []liveness.SessionKey{srv.self}, first.Flatlined)
	assert.Empty(t, first.Faulted)

	second := caller.Sweep()
	assert.Equal(t, []liveness.SessionKey{srv.self}, second.Evicted)
	assert.Equal(t, []string{call.ID}, second.Faulted)

	_, err = call.Await(context.Background())
	require.ErrorIs(t, err, errspkg.ErrPeerUnreachable)
	var unreachable *errspkg.PeerUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, "svc", unreachable.Service)
	assert.Equal(t, srv.Self().Session, unreachable.Session)
	assert.Equal(t, 1.0, testutil.ToFloat64(caller.metrics.peerEvictions))
}

func TestHeartbeatsKeepSlowCallsAlive(t *testing.T) {
	n := newTestNet(t)
	conf := testConfig("svc")
	conf.HeartbeatInterval = 20 * time.Millisecond
	srv := n.channel(t, conf)
	_, err := srv.Handle("slow", func(context.Context, *Request) (*Reply, error) {
		time.Sleep(200 * time.Millisecond)
		return &Reply{Payload: []byte("late but alive")}, nil
	})
	require.NoError(t, err)
	startChannel(t, srv)

	callerConf := testConfig("caller")
	callerConf.HeartbeatInterval = 20 * time.Millisecond
	caller := n.channel(t, callerConf)
	startChannel(t, caller)

	reply, err := caller.Call(context.Background(), ServiceTarget("svc"), "slow", nil)
	require.NoError(t, err)
	assert.Equal(t, "late but alive", string(reply.Payload))
}

func TestUnansweredServiceCallFaultsAfterAcceptanceGrace(t *testing.T) {
	n := newTestNet(t)
	conf := testConfig("caller")
	conf.AcceptanceGrace = 100 * time.Millisecond
	caller := n.channel(t, conf)
	startChannel(t, caller)

	call, err := caller.Go(context.Background(), ServiceTarget("ghost"), "op", nil, WithTimeout(time.Minute))
	require.NoError(t, err)

	assert.Empty(t, caller.Sweep().Faulted, "grace has not elapsed yet")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{call.ID}, caller.Sweep().Faulted)

	_, err = call.Await(context.Background())
	var unreachable *errspkg.PeerUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, "ghost", unreachable.Service)
	assert.Empty(t, unreachable.Session)
}

func TestAcceptanceGraceSparesTrackedServices(t *testing.T) {
	n := newTestNet(t)
	srv := n.echoServer(t, "svc")
	conf := testConfig("caller")
	conf.AcceptanceGrace = time.Millisecond
	caller := n.channel(t, conf)
	startChannel(t, caller)

	_, err := caller.Call(context.Background(), srv.Self(), "echo", nil)
	require.NoError(t, err)

	// The request is lost, but a session of svc is alive so only the
	// timeout can fail it.
	n.hub.SetDropFunc(func(topic string, _ *message.Message) bool {
		return strings.HasSuffix(topic, ".requests")
	})
	call, err := caller.Go(context.Background(), ServiceTarget("svc"), "echo", nil, WithTimeout(100*time.Millisecond))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	assert.Empty(t, caller.Sweep().Faulted)

	_, err = call.Await(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrTimeout)
}

func TestCloseFaultsPendingCalls(t *testing.T) {
	n := newTestNet(t)
	caller := n.client(t, "caller")

	call, err := caller.Go(context.Background(), ServiceTarget("nobody"), "op", nil, WithTimeout(time.Minute))
	require.NoError(t, err)
	require.NoError(t, caller.Close())

	_, err = call.Await(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrChannelClosed)
}

func TestCloseWaitsForInFlightHandlers(t *testing.T) {
	n := newTestNet(t)
	srv := n.channel(t, testConfig("svc"))
	entered := make(chan struct{})
	_, err := srv.Handle("wait", func(ctx context.Context, _ *Request) (*Reply, error) {
		close(entered)
		<-ctx.Done()
		return &Reply{Payload: []byte("shutting down")}, nil
	})
	require.NoError(t, err)
	startChannel(t, srv)
	caller := n.client(t, "caller")

	call, err := caller.Go(context.Background(), ServiceTarget("svc"), "wait", nil)
	require.NoError(t, err)
	<-entered
	require.NoError(t, srv.Close())

	reply, err := call.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shutting down", string(reply.Payload))
}

func TestGoValidatesArguments(t *testing.T) {
	n := newTestNet(t)
	caller := n.client(t, "caller")

	_, err := caller.Go(context.Background(), Target{}, "op", nil)
	assert.ErrorIs(t, err, errspkg.ErrTargetRequired)
	_, err = caller.Go(context.Background(), ServiceTarget("svc"), "", nil)
	assert.ErrorIs(t, err, errspkg.ErrOperationRequired)
}

func TestExpiredRequestIsDropped(t *testing.T) {
	n := newTestNet(t)
	srv := n.echoServer(t, "svc")
	caller := n.client(t, "caller")

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	call, err := caller.Go(ctx, ServiceTarget("svc"), "echo", nil)
	require.NoError(t, err)
	_, err = call.Await(ctx)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.metrics.served.WithLabelValues(outcomeExpired)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(srv.metrics.served.WithLabelValues(outcomeOK)))
}
