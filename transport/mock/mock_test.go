package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowrpc/transport"
)

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		msg.Ack()
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func assertNothing(t *testing.T, ch <-chan *message.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishReachesOneSubscriberRoundRobin(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	client := hub.Client()

	a, err := client.Subscribe(context.Background(), "svc.requests")
	require.NoError(t, err)
	b, err := client.Subscribe(context.Background(), "svc.requests")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.SubscriberCount("svc.requests") == 2 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 4; i++ {
		require.NoError(t, client.Publish("svc.requests", message.NewMessage(watermill.NewUUID(), []byte{byte(i)})))
	}

	assert.Equal(t, []byte{0}, []byte(receive(t, a).Payload))
	assert.Equal(t, []byte{1}, []byte(receive(t, b).Payload))
	assert.Equal(t, []byte{2}, []byte(receive(t, a).Payload))
	assert.Equal(t, []byte{3}, []byte(receive(t, b).Payload))
}

func TestPublishWithoutSubscriberDrops(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	client := hub.Client()

	require.NoError(t, client.Publish("nobody", message.NewMessage("1", nil)))

	ch, err := client.Subscribe(context.Background(), "nobody")
	require.NoError(t, err)
	assertNothing(t, ch)
}

func TestNackedMessageIsRedelivered(t *testing.T) {
	hub := NewHub(nil)
	hub.SetNackResendDelay(time.Millisecond)
	defer hub.Close()
	client := hub.Client()

	ch, err := client.Subscribe(context.Background(), "topic")
	require.NoError(t, err)
	require.NoError(t, client.Publish("topic", message.NewMessage("1", []byte("x"))))

	first := <-ch
	first.Nack()

	again := receive(t, ch)
	assert.Equal(t, "1", again.UUID)
}

func TestDropFuncLosesMessages(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	hub.SetDropFunc(func(topic string, msg *message.Message) bool {
		return msg.Metadata.Get("lost") == "yes"
	})
	client := hub.Client()

	ch, err := client.Subscribe(context.Background(), "topic")
	require.NoError(t, err)

	lost := message.NewMessage("lost", nil)
	lost.Metadata.Set("lost", "yes")
	require.NoError(t, client.Publish("topic", lost, message.NewMessage("kept", nil)))

	assert.Equal(t, "kept", receive(t, ch).UUID)
}

func TestClientCloseEndsOnlyItsSubscriptions(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	first := hub.Client()
	second := hub.Client()

	closed, err := first.Subscribe(context.Background(), "topic")
	require.NoError(t, err)
	open, err := second.Subscribe(context.Background(), "topic")
	require.NoError(t, err)

	require.NoError(t, first.Close())
	_, ok := <-closed
	assert.False(t, ok)
	require.Eventually(t, func() bool { return hub.SubscriberCount("topic") == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, first.Publish("topic", message.NewMessage("x", nil)), ErrClosed)
	_, err = first.Subscribe(context.Background(), "topic")
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, second.Publish("topic", message.NewMessage("y", nil)))
	assert.Equal(t, "y", receive(t, open).UUID)
}

func TestSubscriptionContextCancel(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := hub.Client().Subscribe(ctx, "topic")
	require.NoError(t, err)
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	require.Eventually(t, func() bool { return hub.SubscriberCount("topic") == 0 }, time.Second, 5*time.Millisecond)
}

func TestResetClearsRegistrations(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	client := hub.Client()

	ch, err := client.Subscribe(context.Background(), "topic")
	require.NoError(t, err)
	hub.Reset()

	require.NoError(t, client.Publish("topic", message.NewMessage("x", nil)))
	assertNothing(t, ch)
	assert.Equal(t, 0, hub.SubscriberCount("topic"))
}

func TestRegisteredWithCapabilities(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.MockCapabilities, Capabilities())
	assert.True(t, transport.GetCapabilities(TransportName).CompetingConsumers)

	tr, err := Build(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Same(t, tr.Publisher, tr.Subscriber)
	require.NoError(t, tr.Close())
}

func TestCloseWaitsForSubscriptionsStartedConcurrently(t *testing.T) {
	hub := NewHub(nil)
	client := hub.Client()

	var (
		mu   sync.Mutex
		subs []<-chan *message.Message
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ch, err := client.Subscribe(context.Background(), "topic")
				if err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
				mu.Lock()
				subs = append(subs, ch)
				mu.Unlock()
			}
		}()
	}

	require.NoError(t, hub.Close())
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, ch := range subs {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "subscription delivered after close")
		default:
			t.Fatal("subscription still open after close")
		}
	}

	_, err := hub.Client().Subscribe(context.Background(), "topic")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseStopsPendingRedelivery(t *testing.T) {
	hub := NewHub(nil)
	hub.SetNackResendDelay(time.Hour)
	client := hub.Client()

	ch, err := client.Subscribe(context.Background(), "topic")
	require.NoError(t, err)
	require.NoError(t, client.Publish("topic", message.NewMessage("1", []byte("x"))))
	(<-ch).Nack()

	closed := make(chan error, 1)
	go func() { closed <- hub.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return while a redelivery was pending")
	}
}
