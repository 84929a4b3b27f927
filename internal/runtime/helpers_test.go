package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/flowrpc/internal/runtime/config"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	transportpkg "github.com/drblury/flowrpc/internal/runtime/transport"
	"github.com/drblury/flowrpc/transport"
	"github.com/drblury/flowrpc/transport/mock"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

type testPublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for range messages {
		p.published = append(p.published, topic)
	}
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]string, len(p.published))
	copy(clone, p.published)
	return clone
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

type testValidator struct{ err error }

func (v *testValidator) Validate(_ any) error { return v.err }

// staticFactory hands out a fixed publisher and subscriber.
func staticFactory(pub message.Publisher, sub message.Subscriber) transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{Publisher: pub, Subscriber: sub}, nil
	})
}

// testNet is an isolated in-memory broker shared by the channels of one test.
type testNet struct {
	hub *mock.Hub
}

func newTestNet(t *testing.T) *testNet {
	t.Helper()
	hub := mock.NewHub(watermill.NopLogger{})
	t.Cleanup(func() { _ = hub.Close() })
	return &testNet{hub: hub}
}

func (n *testNet) factory() transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		client := n.hub.Client()
		return transport.Transport{Publisher: client, Subscriber: client}, nil
	})
}

// testConfig disables the automatic sweep so tests drive liveness by hand.
func testConfig(service string) configpkg.Config {
	return configpkg.Config{
		PubSubSystem:      "mock",
		ServiceName:       service,
		HeartbeatInterval: time.Hour,
		RequestTimeout:    2 * time.Second,
	}
}

func (n *testNet) channel(t *testing.T, conf configpkg.Config, deps ...func(*ChannelDependencies)) *Channel {
	t.Helper()
	d := ChannelDependencies{TransportFactory: n.factory()}
	for _, fn := range deps {
		fn(&d)
	}
	c, err := NewChannel(context.Background(), &conf, newTestLogger(), d)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// startChannel runs c in the background and waits until it is subscribed.
func startChannel(t *testing.T, c *Channel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx) }()
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
	})

	select {
	case <-c.Running():
	case err := <-errCh:
		require.NoError(t, err, "channel stopped before running")
		t.Fatal("channel stopped before running")
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not start")
	}
}

// echoServer starts a channel of service that answers "echo" with the
// request payload.
func (n *testNet) echoServer(t *testing.T, service string) *Channel {
	t.Helper()
	srv := n.channel(t, testConfig(service))
	_, err := srv.Handle("echo", func(_ context.Context, req *Request) (*Reply, error) {
		return &Reply{Payload: req.Payload, Metadata: req.Metadata}, nil
	})
	require.NoError(t, err)
	startChannel(t, srv)
	return srv
}

func (n *testNet) client(t *testing.T, service string) *Channel {
	t.Helper()
	c := n.channel(t, testConfig(service))
	startChannel(t, c)
	return c
}

var errBoom = errors.New("boom")
