package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	metadatapkg "github.com/drblury/flowrpc/internal/runtime/metadata"
)

// ProtoMessageContext provides strongly typed access to the request payload.
type ProtoMessageContext[T proto.Message] struct {
	MessageContextBase
	Payload T
}

// ProtoMessageOutput is the reply of a proto handler.
type ProtoMessageOutput struct {
	Message  proto.Message
	Metadata metadatapkg.Metadata
}

// ProtoMessageHandler processes a typed protobuf request and returns its reply.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, req ProtoMessageContext[T]) (ProtoMessageOutput, error)

// BuildProtoHandler converts the typed handler into a RawHandler. Payloads use
// the protojson encoding.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], validate Validator) (RawHandler, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, in Inbound) (Outbound, error) {
		typed, err := DecodeProto(prototype, in.Payload)
		if err != nil {
			return Outbound{}, &errspkg.UnprocessableMessageError{MessageUUID: in.CorrelationID, Err: err}
		}
		if validate != nil {
			if err := validate(typed); err != nil {
				return Outbound{}, &errspkg.UnprocessableMessageError{MessageUUID: in.CorrelationID, Err: err}
			}
		}

		out, err := handler(ctx, ProtoMessageContext[T]{MessageContextBase: in.MessageContextBase, Payload: typed})
		if err != nil {
			return Outbound{}, err
		}
		if out.Message == nil {
			return Outbound{}, errors.New("proto handler returned nil message")
		}
		if validate != nil {
			if err := validate(out.Message); err != nil {
				return Outbound{}, fmt.Errorf("invalid reply: %w", err)
			}
		}

		payload, err := EncodeProto(out.Message)
		if err != nil {
			return Outbound{}, err
		}
		return Outbound{Payload: payload, Metadata: out.Metadata}, nil
	}, nil
}

// EncodeProto marshals msg with protojson.
func EncodeProto(msg proto.Message) ([]byte, error) {
	if msg == nil {
		return nil, errspkg.ErrMessageTypeRequired
	}
	payload, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T payload: %w", msg, err)
	}
	return payload, nil
}

// DecodeProto unmarshals data into a fresh message of the prototype's type.
func DecodeProto[T proto.Message](prototype T, data []byte) (T, error) {
	typed, err := clonePrototype(prototype)
	if err != nil {
		return typed, err
	}
	if err := protojson.Unmarshal(data, typed); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to unmarshal %T payload: %w", prototype, err)
	}
	return typed, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, errspkg.ErrMessageTypeRequired
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}

	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a new zero message of its type
// when candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrMessagePointerNeeded
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
