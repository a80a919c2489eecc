package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
)

const messageCols = `id, conversation_id, sender_id, content, attachments, status, read_by, created_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	attachments := m.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (`+messageCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, attachments, m.Status, []string{}, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

// ListPage возвращает страницу истории беседы, новые сверху. page считается с 1.
func (r *MessageRepository) ListPage(ctx context.Context, conversationID string, page, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListPage", time.Now())()
	if page < 1 {
		page = 1
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		conversationID, limit, (page-1)*limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListPage: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Attachments,
			&m.Status, &m.ReadBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.ListPage scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListPage rows: %w", err)
	}
	return msgs, nil
}

// MarkRead добавляет readerID в read_by указанных чужих сообщений беседы и переводит их в read.
// Возвращает id реально изменённых сообщений (повторная отметка ничего не меняет).
func (r *MessageRepository) MarkRead(ctx context.Context, conversationID, readerID string, ids []string) ([]string, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`UPDATE messages SET read_by = array_append(read_by, $2), status = $4
		 WHERE conversation_id = $1 AND id = ANY($3) AND sender_id <> $2 AND NOT ($2 = ANY(read_by))
		 RETURNING id`,
		conversationID, readerID, ids, model.MessageStatusRead,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	defer rows.Close()

	updated := make([]string, 0, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("msgRepo.MarkRead scan: %w", err)
		}
		updated = append(updated, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead rows: %w", err)
	}
	return updated, nil
}
