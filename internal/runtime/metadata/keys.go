package metadata

import "time"

// Envelope metadata keys. These keys are reserved; custom metadata passed
// with a call must not use them.
const (
	// KeyKind classifies the envelope, see the Kind constants.
	KeyKind = "flowrpc_kind"

	// KeyCorrelationID links a reply, fault or acceptance to its request.
	KeyCorrelationID = "correlation_id"

	// KeyOperation names the server handler a request is addressed to.
	KeyOperation = "flowrpc_operation"

	// KeyReplyTo is the topic the caller receives replies on.
	KeyReplyTo = "flowrpc_reply_to"

	// KeySenderService and KeySenderSession identify the sending session.
	KeySenderService = "flowrpc_sender_service"
	KeySenderSession = "flowrpc_sender_session"

	// KeyFaultKind and KeyFaultMessage describe a fault envelope.
	KeyFaultKind    = "flowrpc_fault_kind"
	KeyFaultMessage = "flowrpc_fault_message"

	// KeyDeadline carries the caller deadline in RFC3339Nano.
	KeyDeadline = "flowrpc_deadline"
)

// Kind values carried under KeyKind.
const (
	KindRequest   = "request"
	KindReply     = "reply"
	KindFault     = "fault"
	KindAccepted  = "accepted"
	KindHeartbeat = "heartbeat"
)

// IsReserved reports whether key belongs to the envelope.
func IsReserved(key string) bool {
	switch key {
	case KeyKind, KeyCorrelationID, KeyOperation, KeyReplyTo, KeySenderService,
		KeySenderSession, KeyFaultKind, KeyFaultMessage, KeyDeadline:
		return true
	}
	return false
}

// Kind returns the envelope kind.
func (m Metadata) Kind() string { return m[KeyKind] }

// CorrelationID returns the correlation id of the envelope.
func (m Metadata) CorrelationID() string { return m[KeyCorrelationID] }

// Sender returns the service and session that sent the envelope.
func (m Metadata) Sender() (service, session string) {
	return m[KeySenderService], m[KeySenderSession]
}

// Deadline parses KeyDeadline. It returns false when absent or malformed.
func (m Metadata) Deadline() (time.Time, bool) {
	raw, ok := m[KeyDeadline]
	if !ok || raw == "" {
		return time.Time{}, false
	}
	deadline, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return deadline, true
}

// WithDeadline returns a clone carrying deadline.
func (m Metadata) WithDeadline(deadline time.Time) Metadata {
	return m.With(KeyDeadline, deadline.UTC().Format(time.RFC3339Nano))
}

// UserValues returns a clone without reserved envelope keys.
func (m Metadata) UserValues() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		if !IsReserved(k) {
			out[k] = v
		}
	}
	return out
}
