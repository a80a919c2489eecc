package startup

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnectDB открывает пул к Postgres и проверяет его ping'ом, повторяя по b.
func ConnectDB(ctx context.Context, poolCfg *pgxpool.Config, b Backoff) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	err := Retry(ctx, "postgres", b, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		p, err := pgxpool.NewWithConfig(attemptCtx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(attemptCtx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	return pool, err
}
