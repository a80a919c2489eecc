package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
)

// conversationSelect выбирает беседы пользователя $1 вместе с собеседником,
// последним сообщением и числом непрочитанных (чужие сообщения без $1 в read_by).
const conversationSelect = `
SELECT c.id, c.participant_a_id, c.participant_b_id, c.created_at,
       u.id, u.display_name, u.role, u.is_online, u.last_seen_at,
       lm.id, lm.sender_id, lm.content, lm.attachments, lm.status, lm.read_by, lm.created_at,
       (SELECT count(*) FROM messages um
         WHERE um.conversation_id = c.id AND um.sender_id <> $1 AND NOT ($1 = ANY(um.read_by)))
FROM conversations c
JOIN users u ON u.id = CASE WHEN c.participant_a_id = $1 THEN c.participant_b_id ELSE c.participant_a_id END
LEFT JOIN LATERAL (
    SELECT m.id, m.sender_id, m.content, m.attachments, m.status, m.read_by, m.created_at
    FROM messages m WHERE m.conversation_id = c.id
    ORDER BY m.created_at DESC, m.id DESC LIMIT 1
) lm ON true
WHERE (c.participant_a_id = $1 OR c.participant_b_id = $1)`

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func scanConversation(s interface{ Scan(dest ...any) error }) (model.Conversation, error) {
	var (
		c       model.Conversation
		lmID    *string
		lmFrom  *string
		lmText  *string
		lmAtt   []string
		lmState *string
		lmRead  []string
		lmAt    *time.Time
		unread  int64
	)
	err := s.Scan(&c.ID, &c.ParticipantAID, &c.ParticipantBID, &c.CreatedAt,
		&c.OtherParticipant.ID, &c.OtherParticipant.DisplayName, &c.OtherParticipant.Role,
		&c.OtherParticipant.IsOnline, &c.OtherParticipant.LastSeenAt,
		&lmID, &lmFrom, &lmText, &lmAtt, &lmState, &lmRead, &lmAt, &unread)
	if err != nil {
		return c, err
	}
	c.UnreadCount = int(unread)
	if lmID != nil {
		c.LastMessage = &model.Message{
			ID:             *lmID,
			ConversationID: c.ID,
			SenderID:       *lmFrom,
			Content:        *lmText,
			Attachments:    lmAtt,
			Status:         model.MessageStatus(*lmState),
			ReadBy:         lmRead,
			CreatedAt:      *lmAt,
		}
	}
	return c, nil
}

// ListForUser возвращает беседы пользователя, свежие сверху.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		conversationSelect+` ORDER BY COALESCE(lm.created_at, c.created_at) DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.ListForUser: %w", err)
	}
	defer rows.Close()

	out := make([]model.Conversation, 0, 16)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("conversationRepo.ListForUser scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversationRepo.ListForUser rows: %w", err)
	}
	return out, nil
}

// GetForUser возвращает беседу глазами userID. ErrNotFound, если беседы нет или userID в ней не участвует.
func (r *ConversationRepository) GetForUser(ctx context.Context, id, userID string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.GetForUser", time.Now())()
	row := r.pool.QueryRow(ctx, conversationSelect+` AND c.id = $2`, userID, id)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversationRepo.GetForUser: %w", err)
	}
	return &c, nil
}

// GetOrCreate идемпотентно находит или создаёт беседу пары. Пара хранится упорядоченной
// (a < b), уникальный индекс делает гонку двух созданий безопасной.
func (r *ConversationRepository) GetOrCreate(ctx context.Context, userID, otherID string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.GetOrCreate", time.Now())()
	a, b := userID, otherID
	if b < a {
		a, b = b, a
	}
	var id string
	err := r.pool.QueryRow(ctx,
		`INSERT INTO conversations (id, participant_a_id, participant_b_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (participant_a_id, participant_b_id) DO UPDATE SET participant_a_id = EXCLUDED.participant_a_id
		 RETURNING id`,
		uuid.New().String(), a, b, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.GetOrCreate: %w", err)
	}
	return r.GetForUser(ctx, id, userID)
}

func (r *ConversationRepository) IsParticipant(ctx context.Context, id, userID string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1 AND (participant_a_id = $2 OR participant_b_id = $2))`,
		id, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("conversationRepo.IsParticipant: %w", err)
	}
	return ok, nil
}
