package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrTimeout              = sterrors.New("flowrpc: request timed out")
	ErrPeerUnreachable      = sterrors.New("flowrpc: peer unreachable")
	ErrAdmissionRejected    = sterrors.New("flowrpc: admission rejected")
	ErrInvalidConfiguration = sterrors.New("flowrpc: invalid configuration")
	ErrUnknownRequest       = sterrors.New("flowrpc: unknown correlation id")
	ErrChannelClosed        = sterrors.New("flowrpc: channel closed")
	ErrNoHandler            = sterrors.New("flowrpc: no handler registered for operation")
	ErrReleaseWithoutAdmit  = sterrors.New("flowrpc: release without matching admission")
	ErrOperationRequired    = sterrors.New("flowrpc: operation is required")
	ErrHandlerRequired      = sterrors.New("flowrpc: handler function is required")
	ErrTargetRequired       = sterrors.New("flowrpc: target service is required")
	ErrPublisherRequired    = sterrors.New("flowrpc: publisher is required")
	ErrNotServing           = sterrors.New("flowrpc: channel started without handlers, register them before Start")
	ErrAlreadyRunning       = sterrors.New("flowrpc: channel is already running")
	ErrMessageTypeRequired  = sterrors.New("flowrpc: message type is required")
	ErrMessagePointerNeeded = sterrors.New("flowrpc: message type must be a pointer")
)

// Remote fault kinds carried in the fault envelope.
const (
	FaultKindHandler           = "handler"
	FaultKindAdmissionRejected = "admission_rejected"
	FaultKindNoHandler         = "no_handler"
	FaultKindUnprocessable     = "unprocessable"
)

// TimeoutError reports a pending request that was not resolved in time.
type TimeoutError struct {
	CorrelationID string
	Elapsed       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("flowrpc: request %s timed out after %s", e.CorrelationID, e.Elapsed)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// PeerUnreachableError reports a request whose target session was declared
// dead by the liveness graph before the request resolved.
type PeerUnreachableError struct {
	CorrelationID string
	Service       string
	Session       string
}

func (e *PeerUnreachableError) Error() string {
	target := e.Service
	if e.Session != "" {
		target += "/" + e.Session
	}
	if e.CorrelationID == "" {
		return fmt.Sprintf("flowrpc: peer %s unreachable", target)
	}
	return fmt.Sprintf("flowrpc: request %s failed, peer %s unreachable", e.CorrelationID, target)
}

func (e *PeerUnreachableError) Unwrap() error { return ErrPeerUnreachable }

// AdmissionRejectedError reports work that could not be admitted by the
// throttle within its wait window.
type AdmissionRejectedError struct {
	Operation string
	Waited    time.Duration
}

func (e *AdmissionRejectedError) Error() string {
	return fmt.Sprintf("flowrpc: operation %q not admitted after %s", e.Operation, e.Waited)
}

func (e *AdmissionRejectedError) Unwrap() error { return ErrAdmissionRejected }

// RemoteError is a fault reported by the remote side of a call.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("flowrpc: remote %s fault: %s", e.Kind, e.Message)
}

// Unwrap maps well-known fault kinds back onto local sentinels so callers can
// treat a remote admission rejection like a local one.
func (e *RemoteError) Unwrap() error {
	switch e.Kind {
	case FaultKindAdmissionRejected:
		return ErrAdmissionRejected
	case FaultKindNoHandler:
		return ErrNoHandler
	}
	return nil
}

// ConfigValidationError describes one invalid configuration value.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("flowrpc: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigValidationError) Unwrap() error { return ErrInvalidConfiguration }

// InvalidConfig is shorthand for building a ConfigValidationError.
func InvalidConfig(field, format string, args ...any) error {
	return &ConfigValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// UnprocessableMessageError marks an inbound envelope that cannot be
// interpreted. Messages failing with it are forwarded to the poison queue.
type UnprocessableMessageError struct {
	MessageUUID string
	Err         error
}

func (e *UnprocessableMessageError) Error() string {
	return fmt.Sprintf("flowrpc: unprocessable message %s: %v", e.MessageUUID, e.Err)
}

func (e *UnprocessableMessageError) Unwrap() error { return e.Err }
