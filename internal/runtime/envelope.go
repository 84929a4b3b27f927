package runtime

import (
	"errors"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	idspkg "github.com/drblury/flowrpc/internal/runtime/ids"
	"github.com/drblury/flowrpc/internal/runtime/liveness"
	metadatapkg "github.com/drblury/flowrpc/internal/runtime/metadata"
)

// Target addresses a call. A Target without Session reaches whichever session
// of the service takes the request from the shared queue.
type Target struct {
	Service string
	Session string
}

// ServiceTarget addresses any session of service.
func ServiceTarget(service string) Target {
	return Target{Service: service}
}

// SessionTarget addresses one running session of service.
func SessionTarget(service, session string) Target {
	return Target{Service: service, Session: session}
}

// String renders the target as "service" or "service/session".
func (t Target) String() string {
	if t.Session == "" {
		return t.Service
	}
	return t.Service + "/" + t.Session
}

func (t Target) key() liveness.SessionKey {
	return liveness.SessionKey{Service: t.Service, Session: t.Session}
}

func parseTarget(s string) Target {
	service, session, _ := strings.Cut(s, "/")
	return Target{Service: service, Session: session}
}

// topics builds the topic names of one prefix.
type topics struct {
	prefix string
}

func (t topics) requests(target Target) string {
	if target.Session == "" {
		return t.prefix + "." + target.Service + ".requests"
	}
	return t.prefix + "." + target.Service + "." + target.Session + ".requests"
}

func (t topics) replies(self liveness.SessionKey) string {
	return t.prefix + "." + self.Service + "." + self.Session + ".replies"
}

// envelope builds outbound messages stamped with the sending session.
type envelope struct {
	self liveness.SessionKey
}

func (e envelope) base(kind, correlationID string) metadatapkg.Metadata {
	md := metadatapkg.New(
		metadatapkg.KeyKind, kind,
		metadatapkg.KeySenderService, e.self.Service,
		metadatapkg.KeySenderSession, e.self.Session,
	)
	if correlationID != "" {
		md[metadatapkg.KeyCorrelationID] = correlationID
	}
	return md
}

func (e envelope) request(correlationID, operation, replyTo string, deadline time.Time, payload []byte, user metadatapkg.Metadata) *message.Message {
	md := e.base(metadatapkg.KindRequest, correlationID).
		With(metadatapkg.KeyOperation, operation).
		With(metadatapkg.KeyReplyTo, replyTo).
		WithUser(user)
	if !deadline.IsZero() {
		md = md.WithDeadline(deadline)
	}
	return metadatapkg.NewMessage(idspkg.CreateULID(), payload, md)
}

func (e envelope) reply(correlationID string, payload []byte, user metadatapkg.Metadata) *message.Message {
	md := e.base(metadatapkg.KindReply, correlationID).WithUser(user)
	return metadatapkg.NewMessage(idspkg.CreateULID(), payload, md)
}

func (e envelope) fault(correlationID, kind, reason string) *message.Message {
	md := e.base(metadatapkg.KindFault, correlationID).
		With(metadatapkg.KeyFaultKind, kind).
		With(metadatapkg.KeyFaultMessage, reason)
	return metadatapkg.NewMessage(idspkg.CreateULID(), nil, md)
}

func (e envelope) accepted(correlationID string) *message.Message {
	return metadatapkg.NewMessage(idspkg.CreateULID(), nil, e.base(metadatapkg.KindAccepted, correlationID))
}

func (e envelope) heartbeat() *message.Message {
	return metadatapkg.NewMessage(idspkg.CreateULID(), nil, e.base(metadatapkg.KindHeartbeat, ""))
}

func unprocessable(msg *message.Message, reason string) error {
	return &errspkg.UnprocessableMessageError{MessageUUID: msg.UUID, Err: errors.New(reason)}
}
