// Package mock provides an in-memory transport that hands every published
// message to exactly one subscriber of its topic, rotating round-robin
// through the subscribers. Messages to topics without subscribers are
// dropped, like on a lossy broker.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowrpc/internal/runtime/dispatch"
	"github.com/drblury/flowrpc/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "mock"

// ErrClosed is returned when publishing or subscribing on a closed hub or client.
var ErrClosed = errors.New("mock transport closed")

// DefaultNackResendDelay is the pause before a nacked message is dispatched again.
const DefaultNackResendDelay = 50 * time.Millisecond

// Shared is the process-wide hub used by the registered builder so that
// channels built from configuration can reach each other.
var Shared = NewHub(watermill.NopLogger{})

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MockCapabilities)
}

// Build returns a client of the Shared hub.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	client := Shared.Client()
	return transport.Transport{Publisher: client, Subscriber: client}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MockCapabilities
}

// DropFunc decides whether a published message is lost in transit.
type DropFunc func(topic string, msg *message.Message) bool

// Hub routes messages between clients.
type Hub struct {
	router *dispatch.Router[*message.Message]
	logger watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lifecycle sync.Mutex
	closed    bool

	mu              sync.RWMutex
	drop            DropFunc
	nackResendDelay time.Duration
}

// NewHub returns an empty hub.
func NewHub(logger watermill.LoggerAdapter) *Hub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		router:          dispatch.NewRouter[*message.Message](),
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		nackResendDelay: DefaultNackResendDelay,
	}
}

// Client returns a new publisher/subscriber view of the hub. Closing the
// client ends only its own subscriptions.
func (h *Hub) Client() *Client {
	ctx, cancel := context.WithCancel(h.ctx)
	return &Client{hub: h, ctx: ctx, cancel: cancel}
}

// SetDropFunc installs a filter that loses matching messages. nil disables it.
func (h *Hub) SetDropFunc(drop DropFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = drop
}

// SetNackResendDelay changes the pause before nacked messages are redelivered.
func (h *Hub) SetNackResendDelay(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nackResendDelay = d
}

// SubscriberCount returns the number of live subscriptions on topic.
func (h *Hub) SubscriberCount(topic string) int {
	return h.router.ConsumerCount(topic)
}

// Reset drops every subscription registration. Running subscriptions stop
// receiving messages but their channels stay open until they are closed.
func (h *Hub) Reset() {
	h.router.ClearAllRegistrations()
}

// Close ends every subscription of every client and waits for their
// goroutines, including pending redeliveries.
func (h *Hub) Close() error {
	h.lifecycle.Lock()
	h.closed = true
	h.cancel()
	h.lifecycle.Unlock()

	h.wg.Wait()
	return nil
}

// track reserves a goroutine slot. It fails once Close has started, so Add
// never races with Wait.
func (h *Hub) track() bool {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Hub) publish(topic string, messages ...*message.Message) {
	h.mu.RLock()
	drop := h.drop
	h.mu.RUnlock()

	for _, msg := range messages {
		if drop != nil && drop(topic, msg) {
			h.logger.Trace("Dropping message in transit", watermill.LogFields{"topic": topic, "message_uuid": msg.UUID})
			continue
		}
		if !h.router.DispatchMessage(topic, msg.Copy()) {
			h.logger.Trace("No subscriber for topic, dropping message", watermill.LogFields{"topic": topic, "message_uuid": msg.UUID})
		}
	}
}

func (h *Hub) resendDelay() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nackResendDelay
}

// Client is a publisher and subscriber attached to a Hub.
type Client struct {
	hub    *Hub
	ctx    context.Context
	cancel context.CancelFunc
}

// Publish hands each message to one subscriber of topic. It never blocks on
// subscribers.
func (c *Client) Publish(topic string, messages ...*message.Message) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	c.hub.publish(topic, messages...)
	return nil
}

// Subscribe registers a new competing consumer on topic. The returned channel
// is closed when ctx is done or the client is closed.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if c.ctx.Err() != nil || !c.hub.track() {
		return nil, ErrClosed
	}

	sub := &subscription{
		hub:    c.hub,
		topic:  topic,
		out:    make(chan *message.Message),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		client: c.ctx,
	}
	sub.reg = c.hub.router.RegisterConsumer(topic, sub.enqueue)
	go sub.run()

	return sub.out, nil
}

// Close ends the subscriptions made through this client.
func (c *Client) Close() error {
	c.cancel()
	return nil
}

type subscription struct {
	hub   *Hub
	topic string
	out   chan *message.Message
	reg   dispatch.Registration

	ctx    context.Context
	client context.Context

	mu    sync.Mutex
	queue []*message.Message
	wake  chan struct{}
}

func (s *subscription) enqueue(msg *message.Message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	defer s.hub.wg.Done()
	defer close(s.out)
	defer s.reg.Unregister()

	for {
		msg, ok := s.next()
		if !ok {
			return
		}
		if !s.deliver(msg) {
			return
		}
	}
}

func (s *subscription) next() (*message.Message, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return nil, false
		case <-s.client.Done():
			return nil, false
		}
	}
}

func (s *subscription) deliver(msg *message.Message) bool {
	delivery := msg.Copy()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	delivery.SetContext(ctx)

	select {
	case s.out <- delivery:
	case <-s.ctx.Done():
		return false
	case <-s.client.Done():
		return false
	}

	select {
	case <-delivery.Acked():
		return true
	case <-delivery.Nacked():
		if s.hub.track() {
			go s.redispatch(msg)
		}
		return true
	case <-s.ctx.Done():
		return false
	case <-s.client.Done():
		return false
	}
}

func (s *subscription) redispatch(msg *message.Message) {
	defer s.hub.wg.Done()
	timer := time.NewTimer(s.hub.resendDelay())
	defer timer.Stop()
	select {
	case <-timer.C:
		s.hub.router.DispatchMessage(s.topic, msg)
	case <-s.hub.ctx.Done():
	}
}
