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

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowrpc/internal/runtime/metadata"
)

// Reply is the successful result of a call.
type Reply struct {
	CorrelationID string
	// From is the session that served the call. It is empty for replies
	// built by handlers.
	From     Target
	Payload  []byte
	Metadata metadatapkg.Metadata
}

// CallOption customises one call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout  time.Duration
	metadata metadatapkg.Metadata
}

// WithTimeout bounds the call. Zero or negative leaves the context as the
// only bound.
func WithTimeout(timeout time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = timeout }
}

// WithMetadata attaches custom metadata to the request. Envelope keys are
// ignored.
func WithMetadata(md map[string]string) CallOption {
	return func(o *callOptions) { o.metadata = o.metadata.WithUser(md) }
}

// PendingCall is a sent request whose reply has not been awaited yet.
type PendingCall struct {
	ID     string
	Target Target

	channel *Channel
	timeout time.Duration
	started time.Time
	span    trace.Span
}

// Go sends a request and returns without waiting for the reply. The caller
// must Await the returned call; a call nobody awaits is faulted once it is
// older than OrphanTTL and past its deadline.
func (c *Channel) Go(ctx context.Context, target Target, operation string, payload []byte, opts ...CallOption) (*PendingCall, error) {
	if target.Service == "" {
		return nil, errspkg.ErrTargetRequired
	}
	if operation == "" {
		return nil, errspkg.ErrOperationRequired
	}
	c.lifecycle.RLock()
	closed := c.closed
	c.lifecycle.RUnlock()
	if closed {
		return nil, errspkg.ErrChannelClosed
	}

	o := callOptions{timeout: c.Conf.RequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := otel.Tracer("flowrpc").Start(ctx, "flowrpc.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("flowrpc.operation", operation),
			attribute.String("flowrpc.target", target.String()),
		),
	)

	var deadline time.Time
	if o.timeout > 0 {
		deadline = time.Now().Add(o.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	id := c.registry.BeginUntil(target.String(), deadline)
	span.SetAttributes(attribute.String("flowrpc.correlation_id", id))

	msg := c.envelope.request(id, operation, c.topics.replies(c.self), deadline, payload, o.metadata)
	msg.SetContext(ctx)
	if err := c.publish(c.topics.requests(target), msg); err != nil {
		c.registry.Abandon(id)
		c.metrics.requests.WithLabelValues(outcomeFault).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		span.End()
		return nil, fmt.Errorf("publish request %s: %w", id, err)
	}

	return &PendingCall{
		ID:      id,
		Target:  target,
		channel: c,
		timeout: o.timeout,
		started: time.Now(),
		span:    span,
	}, nil
}

// Await blocks until the reply arrives, the call times out, its peer is
// declared unreachable or ctx is done. The pending entry is removed on every
// path, so a reply arriving later is dropped.
func (p *PendingCall) Await(ctx context.Context) (*Reply, error) {
	reply, err := p.channel.registry.Await(ctx, p.ID, p.timeout)

	outcome := callOutcome(err)
	p.channel.metrics.observeCall(outcome, time.Since(p.started).Seconds())
	p.span.SetAttributes(attribute.String("flowrpc.outcome", outcome))
	if err != nil {
		p.span.RecordError(err)
		p.span.SetStatus(codes.Error, outcome)
	}
	p.span.End()
	return reply, err
}

// Call sends a request and waits for its reply.
func (c *Channel) Call(ctx context.Context, target Target, operation string, payload []byte, opts ...CallOption) (*Reply, error) {
	call, err := c.Go(ctx, target, operation, payload, opts...)
	if err != nil {
		return nil, err
	}
	return call.Await(ctx)
}

func callOutcome(err error) string {
	var remote *errspkg.RemoteError
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, errspkg.ErrTimeout):
		return outcomeTimeout
	case errors.Is(err, errspkg.ErrPeerUnreachable):
		return outcomePeerUnreachable
	case errors.Is(err, errspkg.ErrChannelClosed):
		return outcomeClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	case errors.As(err, &remote):
		switch remote.Kind {
		case errspkg.FaultKindAdmissionRejected:
			return outcomeRejected
		case errspkg.FaultKindNoHandler:
			return outcomeNoHandler
		}
	}
	return outcomeFault
}

// handleReply resolves pending calls from the reply inbox. Every envelope
// pulses its sender in the liveness graph.
func (c *Channel) handleReply(msg *message.Message) error {
	md := metadatapkg.FromWatermill(msg.Metadata)
	service, session := md.Sender()
	if service == "" || session == "" {
		return c.rejectEnvelope(msg, "envelope has no sender")
	}
	c.graph.Pulse(service, session)
	from := SessionTarget(service, session)

	kind := md.Kind()
	if kind == metadatapkg.KindHeartbeat {
		return nil
	}
	id := md.CorrelationID()
	if id == "" {
		return c.rejectEnvelope(msg, fmt.Sprintf("%s envelope has no correlation id", kind))
	}

	var resolved bool
	switch kind {
	case metadatapkg.KindAccepted:
		c.retarget(id, from)
		return nil
	case metadatapkg.KindReply:
		resolved = c.registry.Complete(id, &Reply{
			CorrelationID: id,
			From:          from,
			Payload:       msg.Payload,
			Metadata:      md.UserValues(),
		})
	case metadatapkg.KindFault:
		resolved = c.registry.Fault(id, &errspkg.RemoteError{
			Kind:    md[metadatapkg.KeyFaultKind],
			Message: md[metadatapkg.KeyFaultMessage],
		})
	default:
		return c.rejectEnvelope(msg, fmt.Sprintf("unknown envelope kind %q", kind))
	}

	if !resolved {
		c.metrics.lateReplies.Inc()
		c.Logger.Debug("Dropping late or duplicate reply", loggingpkg.LogFields{
			"correlation_id": id,
			"kind":           kind,
			"from":           from.String(),
		})
	}
	return nil
}

// retarget binds a service-addressed call to the session that accepted it, so
// that the death of that session faults the call.
func (c *Channel) retarget(id string, session Target) {
	current, ok := c.registry.Target(id)
	if !ok || current != ServiceTarget(session.Service).String() {
		return
	}
	c.registry.Retarget(id, session.String())
}
