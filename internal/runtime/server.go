package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowrpc/internal/runtime/dispatch"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	"github.com/drblury/flowrpc/internal/runtime/liveness"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowrpc/internal/runtime/metadata"
)

// Request is an inbound call as seen by a handler.
type Request struct {
	CorrelationID string
	Operation     string
	Caller        Target
	Payload       []byte
	// Metadata holds the caller supplied values without envelope keys.
	Metadata metadatapkg.Metadata
	// Deadline is zero when the caller sent none.
	Deadline time.Time
}

// HandlerFunc serves one operation. A nil reply is sent as an empty payload.
// A returned error is sent to the caller as a handler fault.
type HandlerFunc func(ctx context.Context, req *Request) (*Reply, error)

// inbound carries one request through the handler dispatch router and brings
// the handler result back.
type inbound struct {
	ctx   context.Context
	req   *Request
	reply *Reply
	err   error
}

// Handle registers fn for operation. Several handlers for one operation take
// turns round-robin. Handlers must be registered before Start; a channel that
// started without handlers does not subscribe to requests and rejects late
// registrations with ErrNotServing.
func (c *Channel) Handle(operation string, fn HandlerFunc) (dispatch.Registration, error) {
	if operation == "" {
		return dispatch.Registration{}, errspkg.ErrOperationRequired
	}
	if fn == nil {
		return dispatch.Registration{}, errspkg.ErrHandlerRequired
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.closed {
		return dispatch.Registration{}, errspkg.ErrChannelClosed
	}
	if c.started && !c.servingRequests {
		return dispatch.Registration{}, errspkg.ErrNotServing
	}

	reg := c.handlers.RegisterConsumer(operation, func(in *inbound) {
		in.reply, in.err = c.invoke(fn, in.ctx, in.req)
	})
	c.Logger.Debug("Registered handler", loggingpkg.LogFields{"operation": operation})
	return reg, nil
}

func (c *Channel) invoke(fn HandlerFunc, ctx context.Context, req *Request) (reply *Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, req)
}

// handleRequest admits a request and hands it to a serving goroutine. The
// message is acknowledged as soon as the outcome of admission is known.
func (c *Channel) handleRequest(msg *message.Message) error {
	md := metadatapkg.FromWatermill(msg.Metadata)
	service, session := md.Sender()
	id := md.CorrelationID()
	replyTo := md[metadatapkg.KeyReplyTo]
	if md.Kind() != metadatapkg.KindRequest || id == "" || replyTo == "" || service == "" || session == "" {
		return c.rejectEnvelope(msg, "request envelope is incomplete")
	}
	c.graph.Pulse(service, session)

	req := &Request{
		CorrelationID: id,
		Operation:     md[metadatapkg.KeyOperation],
		Caller:        SessionTarget(service, session),
		Payload:       msg.Payload,
		Metadata:      md.UserValues(),
	}
	if deadline, ok := md.Deadline(); ok {
		req.Deadline = deadline
		if !deadline.After(time.Now()) {
			c.metrics.served.WithLabelValues(outcomeExpired).Inc()
			c.Logger.Debug("Dropping expired request", loggingpkg.LogFields{
				"correlation_id": id,
				"operation":      req.Operation,
			})
			return nil
		}
	}

	caller := liveness.SessionKey{Service: service, Session: session}
	if !c.admit(caller, replyTo) {
		c.metrics.admissionRejected.Inc()
		c.metrics.served.WithLabelValues(outcomeRejected).Inc()
		rejection := &errspkg.AdmissionRejectedError{Operation: req.Operation, Waited: c.Conf.AdmissionWait}
		c.Logger.Info("Request rejected by throttle", loggingpkg.LogFields{
			"correlation_id": id,
			"operation":      req.Operation,
			"caller":         req.Caller.String(),
			"outstanding":    c.throttle.Outstanding(),
		})
		c.send(replyTo, c.envelope.fault(id, errspkg.FaultKindAdmissionRejected, rejection.Error()))
		return nil
	}

	c.lifecycle.RLock()
	if c.closed {
		c.lifecycle.RUnlock()
		c.release()
		return errspkg.ErrChannelClosed
	}
	c.serving.Add(1)
	c.lifecycle.RUnlock()

	c.trackCaller(caller, replyTo)
	c.send(replyTo, c.envelope.accepted(id))

	ctx := trace.ContextWithSpanContext(c.baseCtx, trace.SpanContextFromContext(msg.Context()))
	go c.serve(ctx, req, caller, replyTo)
	return nil
}

// admit takes a throttle slot for a request of caller. While the request
// waits for a slot the caller is tracked and pulsed, so it keeps seeing this
// session alive however long AdmissionWait is.
func (c *Channel) admit(caller liveness.SessionKey, replyTo string) bool {
	if c.throttle.TryAdmit() {
		return true
	}
	if c.Conf.AdmissionWait <= 0 {
		return false
	}
	c.trackCaller(caller, replyTo)
	defer c.untrackCaller(caller)
	c.send(replyTo, c.envelope.heartbeat())
	return c.throttle.AdmitWithin(c.Conf.AdmissionWait)
}

func (c *Channel) serve(ctx context.Context, req *Request, caller liveness.SessionKey, replyTo string) {
	defer c.serving.Done()
	defer c.untrackCaller(caller)
	defer c.release()

	ctx, span := otel.Tracer("flowrpc").Start(ctx, "flowrpc.serve",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("flowrpc.operation", req.Operation),
			attribute.String("flowrpc.correlation_id", req.CorrelationID),
			attribute.String("flowrpc.caller", req.Caller.String()),
		),
	)
	defer span.End()

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	in := &inbound{ctx: ctx, req: req}
	var out *message.Message
	switch {
	case !c.handlers.DispatchMessage(req.Operation, in):
		c.metrics.served.WithLabelValues(outcomeNoHandler).Inc()
		span.SetStatus(codes.Error, "no handler")
		out = c.envelope.fault(req.CorrelationID, errspkg.FaultKindNoHandler,
			fmt.Sprintf("%s: %s", errspkg.ErrNoHandler.Error(), req.Operation))
	case in.err != nil:
		c.metrics.served.WithLabelValues(outcomeFault).Inc()
		span.RecordError(in.err)
		span.SetStatus(codes.Error, in.err.Error())
		kind := errspkg.FaultKindHandler
		var unprocessable *errspkg.UnprocessableMessageError
		if errors.As(in.err, &unprocessable) {
			kind = errspkg.FaultKindUnprocessable
		}
		out = c.envelope.fault(req.CorrelationID, kind, in.err.Error())
	default:
		c.metrics.served.WithLabelValues(outcomeOK).Inc()
		var payload []byte
		var md metadatapkg.Metadata
		if in.reply != nil {
			payload, md = in.reply.Payload, in.reply.Metadata
		}
		out = c.envelope.reply(req.CorrelationID, payload, md)
	}
	c.send(replyTo, out)
}

// send publishes an envelope to a caller inbox. Failures are logged because
// the caller recovers through its own timeout.
func (c *Channel) send(topic string, msg *message.Message) {
	if err := c.publish(topic, msg); err != nil {
		c.Logger.Error("Failed to publish envelope", err, loggingpkg.LogFields{
			"topic":          topic,
			"kind":           msg.Metadata.Get(metadatapkg.KeyKind),
			"correlation_id": msg.Metadata.Get(metadatapkg.KeyCorrelationID),
		})
	}
}

func (c *Channel) release() {
	if err := c.throttle.Release(); err != nil {
		c.Logger.Error("Throttle release failed", err, nil)
	}
}

// rejectEnvelope reports an envelope that cannot be interpreted. Without a
// poison queue it is logged and acknowledged so it is not redelivered forever.
func (c *Channel) rejectEnvelope(msg *message.Message, reason string) error {
	err := unprocessable(msg, reason)
	if c.Conf.PoisonQueue == "" {
		c.Logger.Error("Dropping unprocessable message", err, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"metadata":     msg.Metadata,
		})
		return nil
	}
	return err
}
