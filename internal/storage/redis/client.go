package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/storage"
)

// Лимит отправки: 60 сообщений в минуту на пользователя. Счётчики подключений
// живут сутки, чтобы упавший инстанс не оставлял пользователя онлайн навсегда.
const (
	SendRateWindow = 60
	SendRateMax    = 60
	ConnTTL        = 24 * 3600
	relayChannel   = "relay:events"
)

type Client struct {
	cli *redis.Client
}

var _ storage.RelayStore = (*Client)(nil)

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Publish отправляет событие в общий канал relay:events.
func (c *Client) Publish(ctx context.Context, env storage.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis publish marshal: %w", err)
	}
	return c.cli.Publish(ctx, relayChannel, data).Err()
}

// Subscribe слушает relay:events до отмены ctx.
func (c *Client) Subscribe(ctx context.Context) (<-chan storage.Envelope, error) {
	ps := c.cli.Subscribe(ctx, relayChannel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	out := make(chan storage.Envelope, 256)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var env storage.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logger.Errorf("redis relay: bad envelope: %v", err)
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// AddConnection увеличивает conn:{user_id}.
func (c *Client) AddConnection(ctx context.Context, userID string) (int64, error) {
	key := "conn:" + userID
	n, err := c.cli.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	c.cli.Expire(ctx, key, ConnTTL*time.Second)
	return n, nil
}

// RemoveConnection уменьшает conn:{user_id} и удаляет ключ на нуле.
func (c *Client) RemoveConnection(ctx context.Context, userID string) (int64, error) {
	key := "conn:" + userID
	n, err := c.cli.Decr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		c.cli.Del(ctx, key)
		return 0, nil
	}
	return n, nil
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := c.cli.Get(ctx, "conn:"+userID).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CheckSendRate проверяет send_limit:{user_id}: макс. SendRateMax отправок за окно.
func (c *Client) CheckSendRate(ctx context.Context, userID string) (bool, error) {
	key := "send_limit:" + userID
	n, err := c.cli.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		c.cli.Expire(ctx, key, SendRateWindow*time.Second)
	}
	return n <= int64(SendRateMax), nil
}
