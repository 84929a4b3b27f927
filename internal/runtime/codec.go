package runtime

import (
	"context"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/flowrpc/internal/runtime/dispatch"
	handlerpkg "github.com/drblury/flowrpc/internal/runtime/handlers"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
)

// PayloadValidator validates decoded typed payloads. Implementations typically
// forward to protovalidate or a custom struct validator.
type PayloadValidator interface {
	Validate(value any) error
}

// HandleJSON registers a typed JSON handler for operation. T must be a pointer
// type. Requests that do not decode are answered with an unprocessable fault.
func HandleJSON[T any, O any](c *Channel, operation string, handler handlerpkg.JSONMessageHandler[T, O]) (dispatch.Registration, error) {
	raw, err := handlerpkg.BuildJSONHandler(handler, c.validate())
	if err != nil {
		return dispatch.Registration{}, err
	}
	return c.Handle(operation, c.rawHandler(raw))
}

// HandleProto registers a typed protobuf handler for operation.
func HandleProto[T proto.Message](c *Channel, operation string, handler handlerpkg.ProtoMessageHandler[T]) (dispatch.Registration, error) {
	var zero T
	raw, err := handlerpkg.BuildProtoHandler(zero, handler, c.validate())
	if err != nil {
		return dispatch.Registration{}, err
	}
	return c.Handle(operation, c.rawHandler(raw))
}

// CallJSON sends in as JSON and decodes the reply into a new O. O must be a
// pointer type.
func CallJSON[O any](ctx context.Context, c *Channel, target Target, operation string, in any, opts ...CallOption) (O, error) {
	var zero O
	payload, err := handlerpkg.EncodeJSON(in)
	if err != nil {
		return zero, err
	}
	reply, err := c.Call(ctx, target, operation, payload, opts...)
	if err != nil {
		return zero, err
	}
	return handlerpkg.DecodeJSON[O](reply.Payload)
}

// CallProto sends in with protojson and decodes the reply into a new O.
func CallProto[O proto.Message](ctx context.Context, c *Channel, target Target, operation string, in proto.Message, opts ...CallOption) (O, error) {
	var zero O
	prototype, err := handlerpkg.EnsureProtoPrototype(zero)
	if err != nil {
		return zero, err
	}
	payload, err := handlerpkg.EncodeProto(in)
	if err != nil {
		return zero, err
	}
	reply, err := c.Call(ctx, target, operation, payload, opts...)
	if err != nil {
		return zero, err
	}
	return handlerpkg.DecodeProto(prototype, reply.Payload)
}

func (c *Channel) validate() handlerpkg.Validator {
	if c.validator == nil {
		return nil
	}
	return c.validator.Validate
}

func (c *Channel) rawHandler(raw handlerpkg.RawHandler) HandlerFunc {
	return func(ctx context.Context, req *Request) (*Reply, error) {
		out, err := raw(ctx, handlerpkg.Inbound{
			MessageContextBase: handlerpkg.MessageContextBase{
				CorrelationID: req.CorrelationID,
				Operation:     req.Operation,
				Caller:        req.Caller.String(),
				Metadata:      req.Metadata,
				Logger: c.Logger.With(loggingpkg.LogFields{
					"correlation_id": req.CorrelationID,
					"operation":      req.Operation,
				}),
			},
			Payload: req.Payload,
		})
		if err != nil {
			return nil, err
		}
		return &Reply{CorrelationID: req.CorrelationID, Payload: out.Payload, Metadata: out.Metadata}, nil
	}
}
