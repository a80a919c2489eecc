package storage

import (
	"context"
	"encoding/json"
)

// Envelope — одно событие канала, пересылаемое между инстансами relay.
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	// Origin — id инстанса-отправителя (для логов).
	Origin string `json:"origin,omitempty"`
}

// RelayStore — общее состояние relay: шина событий каналов, счётчики
// подключений пользователей (presence) и лимит отправки сообщений.
// Реализации: redis.Client (несколько инстансов API), memory.Client (-dev, один инстанс).
type RelayStore interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe доставляет все опубликованные события, включая собственные,
	// пока ctx не отменён. Канал закрывается после отмены.
	Subscribe(ctx context.Context) (<-chan Envelope, error)
	// AddConnection и RemoveConnection возвращают число открытых сокетов пользователя.
	AddConnection(ctx context.Context, userID string) (int64, error)
	RemoveConnection(ctx context.Context, userID string) (int64, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	// CheckSendRate учитывает одну отправку; false — лимит исчерпан.
	CheckSendRate(ctx context.Context, userID string) (bool, error)
	Close() error
}
