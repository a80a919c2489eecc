package startup

import (
	"context"
	"time"

	redisstorage "github.com/marketchat/internal/storage/redis"
)

// ConnectRelayBus подключает шину relay к Redis, повторяя по b.
func ConnectRelayBus(ctx context.Context, redisURL string, b Backoff) (*redisstorage.Client, error) {
	var client *redisstorage.Client
	err := Retry(ctx, "redis relay bus", b, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(attemptCtx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client, err
}
