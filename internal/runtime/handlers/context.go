// Package handlers builds typed request handlers and payload codecs on top of
// the raw byte payloads a Channel carries.
package handlers

import (
	"context"

	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowrpc/internal/runtime/metadata"
)

// MessageContextBase provides common functionality for all message context types.
// It holds the call identity, metadata and logger shared by JSON and Proto handlers.
type MessageContextBase struct {
	CorrelationID string
	Operation     string
	// Caller is the "service/session" that sent the request.
	Caller   string
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate headers for the reply without touching the original map.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// Inbound is the untyped request a typed handler decodes.
type Inbound struct {
	MessageContextBase
	Payload []byte
}

// Outbound is the untyped reply a typed handler encodes.
type Outbound struct {
	Payload  []byte
	Metadata metadatapkg.Metadata
}

// RawHandler is the byte level form every typed handler is converted into.
type RawHandler func(ctx context.Context, in Inbound) (Outbound, error)

// Validator checks a decoded payload. A nil Validator accepts everything.
type Validator func(value any) error
