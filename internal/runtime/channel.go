package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	configpkg "github.com/drblury/flowrpc/internal/runtime/config"
	"github.com/drblury/flowrpc/internal/runtime/dispatch"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	"github.com/drblury/flowrpc/internal/runtime/liveness"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	"github.com/drblury/flowrpc/internal/runtime/pending"
	"github.com/drblury/flowrpc/internal/runtime/throttle"
	transportpkg "github.com/drblury/flowrpc/internal/runtime/transport"
	"github.com/drblury/flowrpc/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// Publish breaker defaults.
const (
	DefaultBreakerName             = "flowrpc-publish"
	DefaultBreakerTimeout          = 5 * time.Second
	DefaultBreakerFailureThreshold = 5
)

// ChannelDependencies holds the optional collaborators of a Channel. Nil
// fields are constructed from the configuration.
type ChannelDependencies struct {
	TransportFactory transportpkg.Factory

	Registry *pending.Registry[*Reply]
	Graph    *liveness.Graph
	Throttle *throttle.Throttle

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.

	// MetricsRegisterer receives the reliability collectors. Defaults to
	// prometheus.DefaultRegisterer when metrics are enabled.
	MetricsRegisterer prometheus.Registerer
	// BreakerSettings replaces the publish circuit breaker settings.
	BreakerSettings *gobreaker.Settings
	// Validator checks payloads decoded by typed JSON and proto handlers.
	Validator PayloadValidator
}

// Channel turns the one-way messaging of a transport into awaitable calls.
// It correlates replies through a pending registry, tracks peer sessions in a
// liveness graph and bounds served work with an admission throttle.
type Channel struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	self     liveness.SessionKey
	topics   topics
	envelope envelope

	transport  transport.Transport
	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	breaker    *gobreaker.CircuitBreaker
	validator  PayloadValidator

	registry *pending.Registry[*Reply]
	graph    *liveness.Graph
	throttle *throttle.Throttle
	handlers *dispatch.Router[*inbound]

	metrics    *channelMetrics
	registerer prometheus.Registerer

	callersMu sync.Mutex
	callers   map[liveness.SessionKey]*caller

	lifecycle       sync.RWMutex
	started         bool
	closed          bool
	servingRequests bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	serving    sync.WaitGroup
	loops      sync.WaitGroup

	httpServers   map[int]*http.ServeMux
	httpRunning   []*http.Server
	httpServersMu sync.Mutex
}

// NewChannel validates conf, builds the transport and wires the inbound
// router. Register handlers with Handle before calling Start.
func NewChannel(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ChannelDependencies) (*Channel, error) {
	if conf == nil {
		return nil, errspkg.InvalidConfig("Config", "is required")
	}
	if log == nil {
		return nil, errspkg.InvalidConfig("Logger", "is required")
	}
	resolved := conf.WithDefaults()
	if err := resolved.Validate(); err != nil {
		return nil, err
	}

	self := liveness.SessionKey{Service: resolved.ServiceName, Session: resolved.SessionID}
	log = log.With(loggingpkg.LogFields{"service": self.Service, "session": self.Session})
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating channel", loggingpkg.LogFields{
		"pubsub_system": resolved.PubSubSystem,
		"config":        resolved,
	})

	c := &Channel{
		Conf:     &resolved,
		Logger:   log,
		self:     self,
		topics:   topics{prefix: resolved.TopicPrefix},
		envelope: envelope{self: self},
		registry: deps.Registry,
		graph:    deps.Graph,
		throttle: deps.Throttle,
		handlers: dispatch.NewRouter[*inbound](),
		callers:  make(map[liveness.SessionKey]*caller),
	}
	c.validator = deps.Validator
	if c.registry == nil {
		c.registry = pending.New[*Reply]()
	}
	if c.graph == nil {
		c.graph = liveness.NewGraph()
	}
	if c.throttle == nil {
		t, err := throttle.New(resolved.ThrottleLimit)
		if err != nil {
			return nil, err
		}
		c.throttle = t
	}
	c.breaker = c.newPublishBreaker(deps.BreakerSettings)

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, c.Conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", resolved.PubSubSystem, err)
	}
	c.transport = tr
	c.publisher = tr.Publisher
	c.subscriber = tr.Subscriber

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	c.router = router
	c.router.AddPlugin(plugin.SignalsHandler)

	c.metrics = newChannelMetrics(c)
	if resolved.MetricsEnabled {
		c.registerer = deps.MetricsRegisterer
		if c.registerer == nil {
			c.registerer = prometheus.DefaultRegisterer
		}
		if err := c.metrics.register(c.registerer); err != nil {
			c.abortConstruction()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	if err := c.registerConfiguredMiddlewares(deps); err != nil {
		c.abortConstruction()
		return nil, err
	}

	c.baseCtx, c.cancelBase = context.WithCancel(context.Background())
	c.router.AddNoPublisherHandler("flowrpc_replies", c.topics.replies(self), c.subscriber, c.handleReply)
	c.registerMonitor()

	return c, nil
}

// abortConstruction releases what NewChannel built before it failed.
func (c *Channel) abortConstruction() {
	c.metrics.unregister()
	_ = c.router.Close()
	_ = c.transport.Close()
}

func (c *Channel) newPublishBreaker(custom *gobreaker.Settings) *gobreaker.CircuitBreaker {
	if custom != nil {
		return gobreaker.NewCircuitBreaker(*custom)
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    DefaultBreakerName,
		Timeout: DefaultBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > DefaultBreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.Logger.Info("Publish breaker changed state", loggingpkg.LogFields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
}

func (c *Channel) registerConfiguredMiddlewares(deps ChannelDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := c.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Self returns the service and session this channel runs as.
func (c *Channel) Self() Target {
	return Target{Service: c.self.Service, Session: c.self.Session}
}

// Start subscribes the channel and runs it until ctx is cancelled or the
// channel is closed. Request queues are only subscribed when handlers were
// registered before Start, so a pure caller never competes for requests.
func (c *Channel) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		return errspkg.ErrChannelClosed
	}
	if c.started {
		c.lifecycle.Unlock()
		return errspkg.ErrAlreadyRunning
	}
	c.started = true
	if len(c.handlers.Destinations()) > 0 {
		c.servingRequests = true
		c.router.AddNoPublisherHandler("flowrpc_requests", c.topics.requests(ServiceTarget(c.self.Service)), c.subscriber, c.handleRequest)
		c.router.AddNoPublisherHandler("flowrpc_session_requests", c.topics.requests(c.Self()), c.subscriber, c.handleRequest)
	}
	c.lifecycle.Unlock()

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	c.loops.Add(1)
	go c.heartbeatLoop(loopCtx)

	c.startHTTPServers()
	c.Logger.Info("Starting channel", loggingpkg.LogFields{
		"serving":    c.servingRequests,
		"operations": c.handlers.Destinations(),
	})
	return routerRun(c.router, ctx)
}

// Running is closed once the channel is subscribed and processing messages.
func (c *Channel) Running() chan struct{} {
	return c.router.Running()
}

// Close faults every pending call with ErrChannelClosed, waits for in-flight
// handlers, stops the router and releases the transport. Closing twice is a
// no-op.
func (c *Channel) Close() error {
	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		return nil
	}
	c.closed = true
	c.lifecycle.Unlock()

	c.cancelBase()
	if n := c.registry.FaultAll(errspkg.ErrChannelClosed); n > 0 {
		c.Logger.Info("Faulted pending calls on close", loggingpkg.LogFields{"count": n})
	}

	// Handlers see the cancelled context and still reply while the router
	// and transport are open.
	c.serving.Wait()
	c.loops.Wait()

	var errs []error
	if err := c.router.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close router: %w", err))
	}
	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	c.stopHTTPServers()
	c.metrics.unregister()
	c.handlers.ClearAllRegistrations()
	return errors.Join(errs...)
}

// publish sends msg through the circuit breaker. An open breaker fails
// immediately with gobreaker.ErrOpenState.
func (c *Channel) publish(topic string, msg *message.Message) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.publisher.Publish(topic, msg)
	})
	return err
}

// Stats is a point-in-time snapshot of the reliability state.
type Stats struct {
	Service      string         `json:"service"`
	Session      string         `json:"session"`
	Alive        int            `json:"alive"`
	Flatlined    int            `json:"flatlined"`
	Pending      int            `json:"pending"`
	Outstanding  int            `json:"outstanding"`
	Waiting      int            `json:"waiting"`
	Limit        int            `json:"limit"`
	Callers      int            `json:"callers"`
	Operations   map[string]int `json:"operations"`
	BreakerState string         `json:"breaker_state"`
}

// Stats returns the current counters of every mechanism. Each counter is read
// under its own lock, so the snapshot is not atomic across mechanisms.
func (c *Channel) Stats() Stats {
	c.callersMu.Lock()
	callers := len(c.callers)
	c.callersMu.Unlock()

	return Stats{
		Service:      c.self.Service,
		Session:      c.self.Session,
		Alive:        c.graph.AliveCount(),
		Flatlined:    c.graph.FlatlinedCount(),
		Pending:      c.registry.Len(),
		Outstanding:  c.throttle.Outstanding(),
		Waiting:      c.throttle.Waiting(),
		Limit:        c.throttle.Limit(),
		Callers:      callers,
		Operations:   c.handlers.ConsumerCounts(),
		BreakerState: c.breaker.State().String(),
	}
}

// QueueDepth reports how many requests wait on the shared request queue of
// this service. ok is false when the transport cannot tell.
func (c *Channel) QueueDepth(ctx context.Context) (depth int64, ok bool, err error) {
	introspector, ok := c.subscriber.(transport.QueueIntrospector)
	if !ok {
		return 0, false, nil
	}
	depth, err = introspector.GetPendingCount(ctx, c.topics.requests(ServiceTarget(c.self.Service)))
	if err != nil {
		return 0, true, fmt.Errorf("queue depth: %w", err)
	}
	return depth, true, nil
}

// Peer is one tracked remote session.
type Peer struct {
	Service    string `json:"service"`
	Session    string `json:"session"`
	Generation string `json:"generation"`
}

// Peers lists the sessions the liveness graph tracks, sorted by service and
// session.
func (c *Channel) Peers() []Peer {
	sessions := c.graph.Sessions()
	peers := make([]Peer, 0, len(sessions))
	for key, gen := range sessions {
		peers = append(peers, Peer{Service: key.Service, Session: key.Session, Generation: gen.String()})
	}
	sortPeers(peers)
	return peers
}

// RegisterHTTPHandler mounts handler on the server listening on port. Servers
// are started by Start and stopped by Close.
func (c *Channel) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	c.httpServersMu.Lock()
	defer c.httpServersMu.Unlock()

	if c.httpServers == nil {
		c.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := c.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		c.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (c *Channel) startHTTPServers() {
	c.httpServersMu.Lock()
	defer c.httpServersMu.Unlock()

	for port, mux := range c.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		c.httpRunning = append(c.httpRunning, srv)
		c.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

func (c *Channel) stopHTTPServers() {
	c.httpServersMu.Lock()
	servers := c.httpRunning
	c.httpRunning = nil
	c.httpServersMu.Unlock()

	for _, srv := range servers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			c.Logger.Error("Failed to stop HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
		}
		cancel()
	}
}
