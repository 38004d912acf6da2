// Package protocol defines the JSON frames exchanged with the chat server.
//
// Every frame is a JSON object with a "type" discriminator. Inbound
// frames keep their raw bytes so types this package does not model are
// forwarded to subscribers unchanged.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame indicates bytes that are not a typed JSON object.
var ErrMalformedFrame = errors.New("malformed frame")

// Type is the frame discriminator.
type Type string

const (
	TypeUserConnected          Type = "USER_CONNECTED"
	TypeGetOnlineUsers         Type = "GET_ONLINE_USERS"
	TypePing                   Type = "PING"
	TypePong                   Type = "PONG"
	TypeSendMessage            Type = "SEND_MESSAGE"
	TypeMessageReceived        Type = "MESSAGE_RECEIVED"
	TypeDeleteMessage          Type = "DELETE_MESSAGE"
	TypeMessageEdited          Type = "MESSAGE_EDITED"
	TypeTyping                 Type = "TYPING"
	TypeUserTyping             Type = "USER_TYPING"
	TypeStopTyping             Type = "STOP_TYPING"
	TypeUserStoppedTyping      Type = "USER_STOPPED_TYPING"
	TypeOnlineUsers            Type = "ONLINE_USERS"
	TypeReadReceipt            Type = "READ_RECEIPT"
	TypeMessageDelivered       Type = "MESSAGE_DELIVERED"
	TypeError                  Type = "ERROR"
	TypeAuthenticationFailed   Type = "AUTHENTICATION_FAILED"
	TypeConnectionAcknowledged Type = "CONNECTION_ACKNOWLEDGED"
)

// Frame is a single socket message.
type Frame struct {
	Type Type
	Raw  json.RawMessage
}

// Decode parses inbound bytes into a Frame.
func Decode(data []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Frame{}, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if head.Type == nil || *head.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	raw := make(json.RawMessage, len(trimmed))
	copy(raw, trimmed)
	return Frame{Type: Type(*head.Type), Raw: raw}, nil
}

// Encode builds a frame of type t from the fields of payload, which
// must marshal to a JSON object (or be nil).
func Encode(t Type, payload any) (Frame, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s: %w", t, err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return Frame{}, fmt.Errorf("encode %s: payload is not an object: %w", t, err)
		}
	}
	typ, err := json.Marshal(t)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", t, err)
	}
	fields["type"] = typ
	raw, err := json.Marshal(fields)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Frame{Type: t, Raw: raw}, nil
}

// Payload decodes the frame body into v.
func (f Frame) Payload(v any) error {
	if err := json.Unmarshal(f.Raw, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Type, err)
	}
	return nil
}

// Bytes returns the wire form of the frame.
func (f Frame) Bytes() []byte {
	return f.Raw
}
