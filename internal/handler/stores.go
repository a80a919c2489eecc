package handler

import (
	"context"

	"github.com/marketchat/internal/model"
)

// Интерфейсы хранилищ, которыми пользуются handler'ы. Реализации — internal/repository,
// состояние relay — internal/storage, публикация — ws.Hub.

type ConversationStore interface {
	ListForUser(ctx context.Context, userID string) ([]model.Conversation, error)
	GetForUser(ctx context.Context, id, userID string) (*model.Conversation, error)
	GetOrCreate(ctx context.Context, userID, otherID string) (*model.Conversation, error)
	IsParticipant(ctx context.Context, id, userID string) (bool, error)
}

type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	ListPage(ctx context.Context, conversationID string, page, limit int) ([]model.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string, ids []string) ([]string, error)
}

type UserStore interface {
	Create(ctx context.Context, u *model.Participant) error
	GetByID(ctx context.Context, id string) (*model.Participant, error)
	SetOnline(ctx context.Context, userID string, online bool) (model.Presence, error)
}

// RelayState — часть storage.RelayStore, нужная REST API.
type RelayState interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
	CheckSendRate(ctx context.Context, userID string) (bool, error)
}

// Publisher публикует событие канала (ws.Hub).
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}
