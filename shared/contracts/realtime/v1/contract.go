// Package v1 defines the Parley direct-messaging live protocol, version 1.
//
// The package is dependency-light and shared between the server, the Go
// client SDK and the smoke tool so the wire format has a single source.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated on the handshake.
const Subprotocol = "parley.dm.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake and names the bound user (server -> client).
	TypeHelloAck = "hello.ack"

	// TypeConversationJoin starts viewing a conversation (client -> server), echoed back.
	TypeConversationJoin = "conversation.join"
	// TypeConversationLeave stops viewing the current conversation (client -> server).
	TypeConversationLeave = "conversation.leave"

	// TypeMessageSend requests sending a direct message (client -> server).
	TypeMessageSend = "message.send"
	// TypeMessageAck acknowledges a send request with the stored ids (server -> client).
	TypeMessageAck = "message.ack"
	// TypeMessagesRead marks a conversation read for the caller (client -> server).
	TypeMessagesRead = "messages.read"

	// TypeMessageCreated announces a newly stored message (server -> recipient sessions and viewers).
	TypeMessageCreated = "message.created"
	// TypeConversationChanged tells a participant to refresh a conversation row (server -> participants).
	TypeConversationChanged = "conversation.changed"
	// TypeNotificationBadge drives the unread badge (server -> recipient sessions).
	TypeNotificationBadge = "notification.badge"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a JSON-encoded payload.
func New(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(e.Payload, dst)
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationJoin,
		TypeConversationLeave,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessagesRead,
		TypeMessageCreated,
		TypeConversationChanged,
		TypeNotificationBadge,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}
