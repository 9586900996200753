package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUnknownType is returned when a frame names a message type outside the protocol
var ErrUnknownType = errors.New("unknown message type")

// ErrBadFrame marks a frame that arrived intact but could not be decoded.
// The stream itself is still usable.
var ErrBadFrame = errors.New("bad frame")

// Envelope field names
const (
	fieldType = "type"
	fieldData = "data"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeEvent converts an event into a wire frame
func EncodeEvent(ev Event) (*structpb.Struct, error) {
	if ev == nil {
		return nil, errors.New("event cannot be nil")
	}
	return encode(ev.EventType(), ev)
}

// EncodeCommand converts a command into a wire frame
func EncodeCommand(cmd Command) (*structpb.Struct, error) {
	if cmd == nil {
		return nil, errors.New("command cannot be nil")
	}
	return encode(cmd.CommandType(), cmd)
}

// DecodeEvent parses a wire frame into a typed event
func DecodeEvent(frame *structpb.Struct) (Event, error) {
	env, err := open(frame)
	if err != nil {
		return nil, err
	}
	decode, ok := eventDecoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return decode(env.Data)
}

// DecodeCommand parses a wire frame into a typed command
func DecodeCommand(frame *structpb.Struct) (Command, error) {
	env, err := open(frame)
	if err != nil {
		return nil, err
	}
	decode, ok := commandDecoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return decode(env.Data)
}

func encode(msgType string, body any) (*structpb.Struct, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msgType, err)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to convert %s: %w", msgType, err)
	}

	frame, err := structpb.NewStruct(map[string]any{
		fieldType: msgType,
		fieldData: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build %s frame: %w", msgType, err)
	}
	return frame, nil
}

func open(frame *structpb.Struct) (*envelope, error) {
	if frame == nil {
		return nil, errors.New("frame cannot be nil")
	}

	raw, err := protojson.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("frame has no type")
	}
	return &env, nil
}

func decodeEventAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if err := unmarshalData(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeCommandAs[T Command](data json.RawMessage) (Command, error) {
	var v T
	if err := unmarshalData(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode message data: %w", err)
	}
	return nil
}
