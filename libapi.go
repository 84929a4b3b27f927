package flowrpc

import (
	"context"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/flowrpc/internal/runtime"
	configpkg "github.com/drblury/flowrpc/internal/runtime/config"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	handlerpkg "github.com/drblury/flowrpc/internal/runtime/handlers"
	idspkg "github.com/drblury/flowrpc/internal/runtime/ids"
	jsoncodec "github.com/drblury/flowrpc/internal/runtime/jsoncodec"
	"github.com/drblury/flowrpc/internal/runtime/liveness"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowrpc/internal/runtime/metadata"
	"github.com/drblury/flowrpc/internal/runtime/pending"
	"github.com/drblury/flowrpc/internal/runtime/throttle"
	transportpkg "github.com/drblury/flowrpc/internal/runtime/transport"
	"github.com/drblury/flowrpc/transport"
)

type (
	Config              = configpkg.Config
	Channel             = runtimepkg.Channel
	ChannelDependencies = runtimepkg.ChannelDependencies
	Target              = runtimepkg.Target
	Request             = runtimepkg.Request
	Reply               = runtimepkg.Reply
	HandlerFunc         = runtimepkg.HandlerFunc
	PendingCall         = runtimepkg.PendingCall
	CallOption          = runtimepkg.CallOption
	PayloadValidator    = runtimepkg.PayloadValidator
	Stats               = runtimepkg.Stats
	Peer                = runtimepkg.Peer
	SweepResult         = runtimepkg.SweepResult
	TransportFactory    = transportpkg.Factory
	TransportFactoryFn  = transportpkg.FactoryFunc

	JSONMessageContext[T any]            = handlerpkg.JSONMessageContext[T]
	JSONMessageOutput[O any]             = handlerpkg.JSONMessageOutput[O]
	JSONMessageHandler[T any, O any]     = handlerpkg.JSONMessageHandler[T, O]
	ProtoMessageContext[T proto.Message] = handlerpkg.ProtoMessageContext[T]
	ProtoMessageOutput                   = handlerpkg.ProtoMessageOutput
	ProtoMessageHandler[T proto.Message] = handlerpkg.ProtoMessageHandler[T]
	MessageContextBase                   = handlerpkg.MessageContextBase

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	// The reliability mechanisms, usable on their own.
	Throttle               = throttle.Throttle
	LivenessGraph          = liveness.Graph
	SessionKey             = liveness.SessionKey
	Generation             = liveness.Generation
	PendingRegistry[T any] = pending.Registry[T]

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	TimeoutError              = errspkg.TimeoutError
	PeerUnreachableError      = errspkg.PeerUnreachableError
	AdmissionRejectedError    = errspkg.AdmissionRejectedError
	RemoteError               = errspkg.RemoteError
	ConfigValidationError     = errspkg.ConfigValidationError
	UnprocessableMessageError = errspkg.UnprocessableMessageError

	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

// Liveness generations.
const (
	Absent    = liveness.Absent
	Alive     = liveness.Alive
	Flatlined = liveness.Flatlined
)

// Fault kinds carried by RemoteError.Kind.
const (
	FaultKindHandler           = errspkg.FaultKindHandler
	FaultKindNoHandler         = errspkg.FaultKindNoHandler
	FaultKindAdmissionRejected = errspkg.FaultKindAdmissionRejected
	FaultKindUnprocessable     = errspkg.FaultKindUnprocessable
)

var (
	NewChannel     = runtimepkg.NewChannel
	ServiceTarget  = runtimepkg.ServiceTarget
	SessionTarget  = runtimepkg.SessionTarget
	WithTimeout    = runtimepkg.WithTimeout
	WithMetadata   = runtimepkg.WithMetadata
	ValidateConfig = configpkg.ValidateConfig

	NewThrottle      = throttle.New
	NewLivenessGraph = liveness.NewGraph

	DefaultMiddlewares    = runtimepkg.DefaultMiddlewares
	LogMessagesMiddleware = runtimepkg.LogMessagesMiddleware
	TracerMiddleware      = runtimepkg.TracerMiddleware
	MetricsMiddleware     = runtimepkg.MetricsMiddleware
	PoisonQueueMiddleware = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware   = runtimepkg.RecovererMiddleware

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	TransportNames           = transport.Names
	GetCapabilities          = transport.GetCapabilities

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	ErrTimeout              = errspkg.ErrTimeout
	ErrPeerUnreachable      = errspkg.ErrPeerUnreachable
	ErrAdmissionRejected    = errspkg.ErrAdmissionRejected
	ErrInvalidConfiguration = errspkg.ErrInvalidConfiguration
	ErrUnknownRequest       = errspkg.ErrUnknownRequest
	ErrChannelClosed        = errspkg.ErrChannelClosed
	ErrNoHandler            = errspkg.ErrNoHandler
	ErrReleaseWithoutAdmit  = errspkg.ErrReleaseWithoutAdmit
	ErrOperationRequired    = errspkg.ErrOperationRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrTargetRequired       = errspkg.ErrTargetRequired
	ErrNotServing           = errspkg.ErrNotServing
	ErrAlreadyRunning       = errspkg.ErrAlreadyRunning

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// NewPendingRegistry returns an empty registry of awaitable results.
func NewPendingRegistry[T any](opts ...pending.Option) *PendingRegistry[T] {
	return pending.New[T](opts...)
}

// HandleJSON registers a typed JSON handler for operation on c.
func HandleJSON[T any, O any](c *Channel, operation string, handler JSONMessageHandler[T, O]) error {
	_, err := runtimepkg.HandleJSON(c, operation, handler)
	return err
}

// HandleProto registers a typed protobuf handler for operation on c.
func HandleProto[T proto.Message](c *Channel, operation string, handler ProtoMessageHandler[T]) error {
	_, err := runtimepkg.HandleProto(c, operation, handler)
	return err
}

// CallJSON sends in as JSON to target and decodes the reply into O.
func CallJSON[O any](ctx context.Context, c *Channel, target Target, operation string, in any, opts ...CallOption) (O, error) {
	return runtimepkg.CallJSON[O](ctx, c, target, operation, in, opts...)
}

// CallProto sends in to target and decodes the reply into O.
func CallProto[O proto.Message](ctx context.Context, c *Channel, target Target, operation string, in proto.Message, opts ...CallOption) (O, error) {
	return runtimepkg.CallProto[O](ctx, c, target, operation, in, opts...)
}
