package model

import "time"

// Conversation is a two-party chat container. OtherParticipant is always the
// counterpart of the user the conversation was resolved for.
type Conversation struct {
	ID               string      `json:"id"`
	ParticipantAID   string      `json:"participant_a_id"`
	ParticipantBID   string      `json:"participant_b_id"`
	OtherParticipant Participant `json:"other_participant"`
	LastMessage      *Message    `json:"last_message,omitempty"`
	UnreadCount      int         `json:"unread_count"`
	CreatedAt        time.Time   `json:"created_at"`
}

// OtherID returns the id of the participant that is not selfID, or "" when
// selfID takes no part in the conversation.
func (c *Conversation) OtherID(selfID string) string {
	switch selfID {
	case c.ParticipantAID:
		return c.ParticipantBID
	case c.ParticipantBID:
		return c.ParticipantAID
	}
	return ""
}

// Involves reports whether userID is one of the two participants.
func (c *Conversation) Involves(userID string) bool {
	return userID != "" && (c.ParticipantAID == userID || c.ParticipantBID == userID)
}

// LastActivity returns the creation time of the last message, zero when empty.
func (c *Conversation) LastActivity() time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt
}

type GetOrCreateRequest struct {
	OtherUserID string `json:"other_user_id"`
}
