package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
)

var ErrNotFound = errors.New("not found")

// userCols — список колонок для SELECT (порядок соответствует scanUser).
const userCols = `id, display_name, role, is_online, last_seen_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.Participant) error {
	return s.Scan(&u.ID, &u.DisplayName, &u.Role, &u.IsOnline, &u.LastSeenAt)
}

func (r *UserRepository) Create(ctx context.Context, u *model.Participant) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, role, is_online, last_seen_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.DisplayName, u.Role, u.IsOnline, u.LastSeenAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.Participant, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.Participant{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

// SetOnline обновляет is_online и last_seen_at, возвращает записанное состояние.
func (r *UserRepository) SetOnline(ctx context.Context, userID string, online bool) (model.Presence, error) {
	defer logger.DeferLogDuration("user.SetOnline", time.Now())()
	p := model.Presence{UserID: userID, IsOnline: online, LastSeenAt: time.Now().UTC()}
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET is_online = $1, last_seen_at = $2 WHERE id = $3`,
		p.IsOnline, p.LastSeenAt, userID,
	)
	if err != nil {
		return model.Presence{}, fmt.Errorf("userRepo.SetOnline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Presence{}, ErrNotFound
	}
	return p, nil
}

// ResetOnline сбрасывает is_online у всех: вызывается при старте, соединений ещё нет.
func (r *UserRepository) ResetOnline(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `UPDATE users SET is_online = false WHERE is_online`); err != nil {
		return fmt.Errorf("userRepo.ResetOnline: %w", err)
	}
	return nil
}
