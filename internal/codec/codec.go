// Package codec converts between wire payloads and typed messages.
//
// A payload is a serialized google.protobuf.Any. Well-known wrapper messages
// are unwrapped to their Go scalar so handlers can be bound to float64,
// string and friends; every other registered message decodes to its concrete
// proto type. The decoded value's dynamic type is the routing key.
package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ErrUnknownType is returned when a payload names a type the codec cannot
// resolve, or when encoding a value with no wire representation.
var ErrUnknownType = errors.New("codec: unknown message type")

// Codec encodes and decodes messages. Implementations must be safe for
// concurrent use.
type Codec interface {
	Encode(msg any) ([]byte, error)
	Decode(payload []byte) (any, error)
}

// Protobuf is the Any-envelope Codec.
type Protobuf struct{}

var _ Codec = Protobuf{}

// Encode implements Codec.
func (Protobuf) Encode(msg any) ([]byte, error) { return Encode(msg) }

// Decode implements Codec.
func (Protobuf) Decode(payload []byte) (any, error) { return Decode(payload) }

// Decode parses a serialized Any envelope into a message.
//
// Postcondition: Returns a Go scalar for wrapper types, the concrete proto
// message otherwise, or an error. An unresolvable type URL wraps ErrUnknownType.
func Decode(payload []byte) (any, error) {
	var env anypb.Any
	if err := proto.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("codec: unmarshalling envelope: %w", err)
	}
	m, err := env.UnmarshalNew()
	if err != nil {
		if errors.Is(err, protoregistry.NotFound) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.GetTypeUrl())
		}
		return nil, fmt.Errorf("codec: unmarshalling %s: %w", env.GetTypeUrl(), err)
	}
	return unwrap(m), nil
}

// Encode serializes msg into an Any envelope.
//
// Precondition: msg is a supported scalar or a proto.Message.
// Postcondition: Returns the payload, or an error wrapping ErrUnknownType.
func Encode(msg any) ([]byte, error) {
	m, err := wrap(msg)
	if err != nil {
		return nil, err
	}
	env, err := anypb.New(m)
	if err != nil {
		return nil, fmt.Errorf("codec: building envelope: %w", err)
	}
	payload, err := proto.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("codec: marshalling envelope: %w", err)
	}
	return payload, nil
}

func unwrap(m proto.Message) any {
	switch v := m.(type) {
	case *wrapperspb.DoubleValue:
		return v.GetValue()
	case *wrapperspb.FloatValue:
		return v.GetValue()
	case *wrapperspb.Int64Value:
		return v.GetValue()
	case *wrapperspb.Int32Value:
		return v.GetValue()
	case *wrapperspb.UInt64Value:
		return v.GetValue()
	case *wrapperspb.UInt32Value:
		return v.GetValue()
	case *wrapperspb.BoolValue:
		return v.GetValue()
	case *wrapperspb.StringValue:
		return v.GetValue()
	case *wrapperspb.BytesValue:
		return v.GetValue()
	default:
		return m
	}
}

func wrap(msg any) (proto.Message, error) {
	switch v := msg.(type) {
	case float64:
		return wrapperspb.Double(v), nil
	case float32:
		return wrapperspb.Float(v), nil
	case int64:
		return wrapperspb.Int64(v), nil
	case int32:
		return wrapperspb.Int32(v), nil
	case uint64:
		return wrapperspb.UInt64(v), nil
	case uint32:
		return wrapperspb.UInt32(v), nil
	case bool:
		return wrapperspb.Bool(v), nil
	case string:
		return wrapperspb.String(v), nil
	case []byte:
		return wrapperspb.Bytes(v), nil
	case proto.Message:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
}
