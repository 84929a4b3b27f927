package runtime

import (
	"errors"
	"strings"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowrpc/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware using the provided channel.
type MiddlewareBuilder func(*Channel) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on the
// inbound router of a Channel.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by NewChannel.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		PoisonQueueMiddleware(nil),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds watermill router metrics and exposes the Prometheus
// endpoint on MetricsPort.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(c *Channel) (message.HandlerMiddleware, error) {
			if !c.Conf.MetricsEnabled || c.registerer == nil {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				c.registerer,
				metricsNamespace,
				strings.ReplaceAll(c.Conf.PubSubSystem, "-", "_"),
			)

			metricsBuilder.AddPrometheusRouterMetrics(c.router)

			if c.Conf.MetricsPort > 0 {
				c.RegisterHTTPHandler(c.Conf.MetricsPort, "/metrics", promhttp.Handler())
			}

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// LogMessagesMiddleware logs the envelope of every inbound message at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(c *Channel) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = c.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps inbound message handling in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// PoisonQueueMiddleware forwards messages whose handling failed with an error
// accepted by filter to Config.PoisonQueue. It is skipped when no poison queue
// is configured. The default filter accepts unprocessable envelopes.
func PoisonQueueMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(c *Channel) (message.HandlerMiddleware, error) {
			if c.Conf.PoisonQueue == "" {
				return nil, nil
			}
			f := filter
			if f == nil {
				f = func(err error) bool {
					var unprocessable *errspkg.UnprocessableMessageError
					return errors.As(err, &unprocessable)
				}
			}
			if c.publisher == nil {
				return nil, errspkg.ErrPublisherRequired
			}
			return middleware.PoisonQueueWithFilter(c.publisher, c.Conf.PoisonQueue, f)
		},
	}
}

// RecovererMiddleware converts panics into handler errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the inbound router.
func (c *Channel) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if c.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(c)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	c.router.AddMiddleware(mw)
	return nil
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid":   msg.UUID,
				"kind":           msg.Metadata.Get(metadatapkg.KeyKind),
				"correlation_id": msg.Metadata.Get(metadatapkg.KeyCorrelationID),
				"payload_bytes":  len(msg.Payload),
			})
			return h(msg)
		}
	}
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx, span := otel.Tracer("flowrpc").Start(
			msg.Context(),
			"flowrpc.receive",
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("flowrpc.kind", msg.Metadata.Get(metadatapkg.KeyKind)),
			attribute.String("flowrpc.correlation_id", msg.Metadata.Get(metadatapkg.KeyCorrelationID)),
		)
		return h(msg)
	}
}
