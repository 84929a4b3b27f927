package handlers

import (
	"context"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	jsoncodec "github.com/drblury/flowrpc/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/flowrpc/internal/runtime/metadata"
)

// JSONMessageContext exposes the decoded request and its metadata to JSON handlers.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageOutput is the reply of a JSON handler.
type JSONMessageOutput[O any] struct {
	Message  O
	Metadata metadatapkg.Metadata
}

// JSONMessageHandler processes a JSON request and returns its reply.
type JSONMessageHandler[T any, O any] func(ctx context.Context, req JSONMessageContext[T]) (JSONMessageOutput[O], error)

// BuildJSONHandler converts a typed JSON handler into a RawHandler. T must be a
// pointer type. Payloads that do not decode or fail validate are reported as
// *errors.UnprocessableMessageError.
func BuildJSONHandler[T any, O any](handler JSONMessageHandler[T, O], validate Validator) (RawHandler, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, in Inbound) (Outbound, error) {
		typed := prototypeFactory()

		if err := jsoncodec.Unmarshal(in.Payload, typed); err != nil {
			return Outbound{}, &errspkg.UnprocessableMessageError{
				MessageUUID: in.CorrelationID,
				Err:         fmt.Errorf("failed to unmarshal JSON payload: %w", err),
			}
		}
		if validate != nil {
			if err := validate(typed); err != nil {
				return Outbound{}, &errspkg.UnprocessableMessageError{MessageUUID: in.CorrelationID, Err: err}
			}
		}

		out, err := handler(ctx, JSONMessageContext[T]{MessageContextBase: in.MessageContextBase, Payload: typed})
		if err != nil {
			return Outbound{}, err
		}
		if validate != nil {
			if err := validate(out.Message); err != nil {
				return Outbound{}, fmt.Errorf("invalid reply: %w", err)
			}
		}

		payload, err := EncodeJSON(out.Message)
		if err != nil {
			return Outbound{}, err
		}
		return Outbound{Payload: payload, Metadata: out.Metadata}, nil
	}, nil
}

// EncodeJSON marshals a JSON payload.
func EncodeJSON(v any) ([]byte, error) {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T payload: %w", v, err)
	}
	return payload, nil
}

// DecodeJSON unmarshals data into a fresh value of the pointer type T.
func DecodeJSON[T any](data []byte) (T, error) {
	var zero T
	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return zero, err
	}
	typed := prototypeFactory()
	if err := jsoncodec.Unmarshal(data, typed); err != nil {
		return zero, fmt.Errorf("failed to unmarshal JSON payload into %T: %w", typed, err)
	}
	return typed, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}
