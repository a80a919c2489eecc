package model

import "time"

type MessageStatus string

const (
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusQueued, MessageStatusSent, MessageStatusDelivered, MessageStatusRead, MessageStatusFailed:
		return true
	}
	return false
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	Attachments    []string      `json:"attachments,omitempty"`
	Status         MessageStatus `json:"status"`
	ReadBy         []string      `json:"read_by,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// HasReader reports whether userID is recorded in ReadBy.
func (m *Message) HasReader(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

type SendRequest struct {
	ReceiverID  string   `json:"receiver_id"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

type SendResult struct {
	Message        Message `json:"message"`
	ConversationID string  `json:"conversation_id"`
	ReceiverOnline bool    `json:"receiver_online"`
}

type ReadRequest struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

type ReadResult struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// StatusChange is the payload of a message-status-changed event. One event may
// cover several messages (batched read receipts).
type StatusChange struct {
	ConversationID string        `json:"conversation_id"`
	MessageIDs     []string      `json:"message_ids"`
	Status         MessageStatus `json:"status"`
	ReaderID       string        `json:"reader_id,omitempty"`
	At             time.Time     `json:"at"`
}
