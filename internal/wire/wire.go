// Package wire defines the frames exchanged between the channel relay and its
// clients, the event and channel names, and channel authorization.
package wire

import (
	"encoding/json"
	"strings"
)

type FrameType string

const (
	FrameConnectionEstablished FrameType = "connection_established"
	FrameSubscribe             FrameType = "subscribe"
	FrameUnsubscribe           FrameType = "unsubscribe"
	FrameSubscriptionSucceeded FrameType = "subscription_succeeded"
	FrameSubscriptionError     FrameType = "subscription_error"
	FrameEvent                 FrameType = "event"
	FrameError                 FrameType = "error"
)

// Event names bound by the chat client.
const (
	EventMessageCreated       = "message-created"
	EventMessageStatusChanged = "message-status-changed"
	EventPresenceChanged      = "presence-changed"
)

const (
	conversationPrefix = "private-conversation-"
	// PresenceChannel is the single process-lifetime presence channel.
	PresenceChannel = "presence-online"
)

// Frame is one JSON text message on the socket, in either direction.
type Frame struct {
	Type     FrameType       `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Auth     string          `json:"auth,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ConversationChannel returns the channel name carrying events of one conversation.
func ConversationChannel(conversationID string) string {
	return conversationPrefix + conversationID
}

// ConversationFromChannel extracts the conversation id from a conversation channel name.
func ConversationFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, conversationPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, conversationPrefix)
	return id, id != ""
}

// IsPresenceChannel reports whether channel is the presence channel.
func IsPresenceChannel(channel string) bool {
	return channel == PresenceChannel
}

// NewEvent builds an event frame, encoding payload as its data.
func NewEvent(channel, event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameEvent, Channel: channel, Event: event, Data: data}, nil
}
