package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/wire"
)

// API is the request/response collaborator (the marketplace REST backend).
type API interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	GetOrCreateConversation(ctx context.Context, otherUserID string) (model.Conversation, error)
	GetMessages(ctx context.Context, conversationID string, page, limit int) ([]model.Message, error)
	SendMessage(ctx context.Context, req model.SendRequest) (model.SendResult, error)
	MarkAsRead(ctx context.Context, req model.ReadRequest) (model.ReadResult, error)
	UpdatePresence(ctx context.Context, update model.PresenceUpdate) (model.PresenceResult, error)
	AuthenticateTransportChannel(ctx context.Context, socketID, channel string) (wire.ChannelAuth, error)
}

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	// StateFailed means the transport stopped trying to reconnect.
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type NotificationKind int

const (
	NotifyState NotificationKind = iota
	NotifySubscribed
	NotifySubscriptionError
	NotifyEvent
)

// Notification is one item of the transport's inbound stream: a connection
// state change, a subscription lifecycle hook or a channel event.
type Notification struct {
	Kind     NotificationKind
	State    ConnState
	SocketID string
	Channel  string
	Event    string
	Data     json.RawMessage
	Err      error
}

// Transport is the real-time publish-subscribe collaborator. It delivers events
// at least once and in no particular order. It does not remember subscriptions
// across reconnects: SubscriptionManager re-subscribes.
type Transport interface {
	SocketID() string
	Subscribe(ctx context.Context, channel, auth string) error
	Unsubscribe(ctx context.Context, channel string) error
	Notifications() <-chan Notification
}

// Clock is the time source of a session, injectable for tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
