package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
)

// DirectoryAPI is the part of API the directory needs.
type DirectoryAPI interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	GetOrCreateConversation(ctx context.Context, otherUserID string) (model.Conversation, error)
}

// Directory lists the current user's conversations and tracks which one is active.
type Directory struct {
	mu            sync.RWMutex
	api           DirectoryAPI
	selfID        string
	conversations map[string]*model.Conversation
	active        string
	lastErr       error
}

func NewDirectory(api DirectoryAPI, selfID string) *Directory {
	return &Directory{
		api:           api,
		selfID:        selfID,
		conversations: make(map[string]*model.Conversation),
	}
}

// Refresh reloads the list. On failure the cached list is kept and a
// *NetworkError is returned.
func (d *Directory) Refresh(ctx context.Context) ([]model.Conversation, error) {
	list, err := d.api.ListConversations(ctx)
	if err != nil {
		err = networkError("list conversations", err)
		d.mu.Lock()
		d.lastErr = err
		d.mu.Unlock()
		logger.Errorf("%v", err)
		return d.List(), err
	}

	fresh := make(map[string]*model.Conversation, len(list))
	for i := range list {
		c, ok := d.resolve(list[i])
		if !ok {
			continue
		}
		fresh[c.ID] = c
	}

	d.mu.Lock()
	for id, c := range fresh {
		if id == d.active {
			c.UnreadCount = 0
		}
		if old, ok := d.conversations[id]; ok {
			// An event may already have delivered a newer last message.
			if old.LastMessage != nil && old.LastActivity().After(c.LastActivity()) {
				c.LastMessage = old.LastMessage
			}
		}
	}
	d.conversations = fresh
	d.lastErr = nil
	d.mu.Unlock()
	return d.List(), nil
}

// LastError returns the error of the last failed refresh, nil after a success.
func (d *Directory) LastError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

// Open returns the conversation with otherUserID, creating it on the server if
// needed. Calling it twice for the same user yields the same conversation.
func (d *Directory) Open(ctx context.Context, otherUserID string) (model.Conversation, error) {
	d.mu.RLock()
	for _, c := range d.conversations {
		if c.OtherParticipant.ID == otherUserID {
			cp := *c
			d.mu.RUnlock()
			return cp, nil
		}
	}
	d.mu.RUnlock()

	conv, err := d.api.GetOrCreateConversation(ctx, otherUserID)
	if err != nil {
		return model.Conversation{}, networkError("get or create conversation", err)
	}
	c, ok := d.resolve(conv)
	if !ok {
		return model.Conversation{}, ErrUnknownConversation
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.conversations[c.ID]; ok {
		return *existing, nil
	}
	d.conversations[c.ID] = c
	return *c, nil
}

func (d *Directory) Get(id string) (model.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.conversations[id]
	if !ok {
		return model.Conversation{}, false
	}
	return *c, true
}

// List returns conversations by recency of their last message, empty ones last.
func (d *Directory) List() []model.Conversation {
	d.mu.RLock()
	out := make([]model.Conversation, 0, len(d.conversations))
	for _, c := range d.conversations {
		out = append(out, *c)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.After(b.CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetActive marks id as the active conversation and clears its unread count.
func (d *Directory) SetActive(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conversations[id]
	if !ok {
		return ErrUnknownConversation
	}
	d.active = id
	c.UnreadCount = 0
	return nil
}

func (d *Directory) Active() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// ObserveMessage records m as the conversation's last message when it is newer
// and counts it as unread unless it is the user's own or the conversation is active.
func (d *Directory) ObserveMessage(m model.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conversations[m.ConversationID]
	if !ok {
		return
	}
	if c.LastMessage != nil && c.LastMessage.ID == m.ID {
		return
	}
	if c.LastMessage == nil || !m.CreatedAt.Before(c.LastMessage.CreatedAt) {
		cp := m
		c.LastMessage = &cp
	}
	if m.SenderID != d.selfID && m.ConversationID != d.active {
		c.UnreadCount++
	}
}

// ApplyPresence overlays p on every conversation whose counterpart is p.UserID.
func (d *Directory) ApplyPresence(p model.Presence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conversations {
		if c.OtherParticipant.ID == p.UserID {
			c.OtherParticipant = c.OtherParticipant.WithPresence(p)
		}
	}
}

// TotalUnread sums unread counts over all conversations.
func (d *Directory) TotalUnread() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, c := range d.conversations {
		n += c.UnreadCount
	}
	return n
}

// resolve pins OtherParticipant to the counterpart of the current user.
func (d *Directory) resolve(c model.Conversation) (*model.Conversation, bool) {
	other := c.OtherID(d.selfID)
	if other == "" || c.ID == "" {
		logger.Errorf("chat: conversation %q does not involve user %s, skipped", c.ID, d.selfID)
		return nil, false
	}
	if c.OtherParticipant.ID != other {
		c.OtherParticipant = model.Participant{ID: other}
	}
	return &c, true
}
