// Package protocol implements the Pusher channel protocol (version 7)
// frame encoding shared by the WebSocket and HTTP surfaces.
package protocol

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
)

const (
	// Protocol version advertised on connection_established
	Version = 7

	// Seconds of inactivity after which clients should send a ping
	ActivityTimeout = 120
)

// Reserved event names exchanged with clients
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventError                 = "pusher:error"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"
)

// ClientEventPrefix marks events originated by connected clients rather
// than the backend. Client events are only relayed on private and presence
// channels of apps that enable them.
const ClientEventPrefix = "client-"

// Frame is a single protocol message in either direction. Data is kept raw:
// inbound frames carry objects, outbound frames carry JSON-encoded strings
// per the wire protocol.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Marshal encodes the frame for the wire.
func (f *Frame) Marshal() []byte {
	b, _ := json.Marshal(f)
	return b
}

// IsClientEvent reports whether the event name is client-originated.
func IsClientEvent(event string) bool {
	return strings.HasPrefix(event, ClientEventPrefix)
}

// SubscribePayload is the data object of a pusher:subscribe frame.
type SubscribePayload struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// UnsubscribePayload is the data object of a pusher:unsubscribe frame.
type UnsubscribePayload struct {
	Channel string `json:"channel"`
}

// ErrorPayload is the data object of a pusher:error frame.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// encodeData wraps v into the JSON-encoded string the protocol expects in
// outbound frame data fields.
func encodeData(v any) json.RawMessage {
	inner, _ := json.Marshal(v)
	outer, _ := json.Marshal(string(inner))
	return outer
}

// NewConnectionEstablished builds the handshake acknowledgment frame.
func NewConnectionEstablished(socketID string) *Frame {
	return &Frame{
		Event: EventConnectionEstablished,
		Data: encodeData(map[string]any{
			"socket_id":        socketID,
			"activity_timeout": ActivityTimeout,
		}),
	}
}

// NewPong answers a client ping.
func NewPong() *Frame {
	return &Frame{Event: EventPong, Data: json.RawMessage(`"{}"`)}
}

// NewError builds a connection-level error frame.
func NewError(code int, message string) *Frame {
	data, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return &Frame{Event: EventError, Data: data}
}

// NewSubscriptionSucceeded acknowledges a subscribe. For presence channels
// presence carries the roster; for other channel types it is nil and the
// data object is empty.
func NewSubscriptionSucceeded(channel string, presence any) *Frame {
	payload := map[string]any{}
	if presence != nil {
		payload["presence"] = presence
	}
	return &Frame{
		Event:   EventSubscriptionSucceeded,
		Channel: channel,
		Data:    encodeData(payload),
	}
}

// NewMemberAdded announces a new presence member to subscribers.
func NewMemberAdded(channel, userID string, userInfo json.RawMessage) *Frame {
	payload := map[string]any{"user_id": userID}
	if len(userInfo) > 0 {
		payload["user_info"] = userInfo
	}
	return &Frame{
		Event:   EventMemberAdded,
		Channel: channel,
		Data:    encodeData(payload),
	}
}

// NewMemberRemoved announces a departed presence member.
func NewMemberRemoved(channel, userID string) *Frame {
	return &Frame{
		Event:   EventMemberRemoved,
		Channel: channel,
		Data:    encodeData(map[string]any{"user_id": userID}),
	}
}

// NewEvent builds an arbitrary named event on a channel. Data is forwarded
// verbatim so publisher payloads survive byte for byte.
func NewEvent(channel, event string, data json.RawMessage) *Frame {
	return &Frame{Event: event, Channel: channel, Data: data}
}

// GenerateSocketID returns a connection identifier in the NNNN.NNNN form
// clients embed into channel auth signatures.
func GenerateSocketID() string {
	return fmt.Sprintf("%d.%d", rand.Uint32(), rand.Uint32())
}
