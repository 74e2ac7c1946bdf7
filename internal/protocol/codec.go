// Package protocol defines the records and messages exchanged with the
// replication server, and their JSON wire encoding.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// codec decodes numbers inside opaque fields as json.Number so large
// integers survive a round trip untouched.
var codec = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	UseNumber:              true,
	ValidateJsonRawMessage: true,
}.Froze()

var (
	// ErrUnknownType is returned by Decode for a missing or unrecognized type tag.
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidMessage is returned by Decode when the body does not parse
	// or is missing a required field.
	ErrInvalidMessage = errors.New("invalid message")
)

// Marshal encodes v with the wire codec.
func Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

// Unmarshal decodes data into v with the wire codec.
func Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

// Decode parses one server message and returns the concrete message value
// (RemoveCollection, FullSync, PartialSync or Change).
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var msg Message
	switch envelope.Type {
	case TypeRemoveCollection:
		var m RemoveCollection
		if err := codec.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		msg = m
	case TypeFullSync:
		var m FullSync
		if err := codec.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		msg = m
	case TypePartialSync:
		var m PartialSync
		if err := codec.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		msg = m
	case TypeChange:
		var m Change
		if err := codec.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		msg = m
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrUnknownType)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}

	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, envelope.Type, err)
	}
	return msg, nil
}

// toInt64 converts a decoded JSON number into an int64 clock value.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}
