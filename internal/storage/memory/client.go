package memory

import (
	"context"
	"sync"
	"time"

	"github.com/marketchat/internal/storage"
)

const (
	sendRateWindow = time.Minute
	sendRateMax    = 60
	subBufSize     = 256
)

// Client — RelayStore в памяти процесса для режима -dev и тестов.
type Client struct {
	mu    sync.RWMutex
	subs  map[chan storage.Envelope]struct{}
	conns map[string]int64
	limit map[string][]time.Time
}

var _ storage.RelayStore = (*Client)(nil)

func New() *Client {
	return &Client{
		subs:  make(map[chan storage.Envelope]struct{}),
		conns: make(map[string]int64),
		limit: make(map[string][]time.Time),
	}
}

func (c *Client) Close() error { return nil }

// Publish рассылает событие всем подписчикам. Медленный подписчик теряет событие.
func (c *Client) Publish(ctx context.Context, env storage.Envelope) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for ch := range c.subs {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context) (<-chan storage.Envelope, error) {
	ch := make(chan storage.Envelope, subBufSize)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (c *Client) AddConnection(ctx context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[userID]++
	return c.conns[userID], nil
}

func (c *Client) RemoveConnection(ctx context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.conns[userID] - 1
	if n <= 0 {
		delete(c.conns, userID)
		return 0, nil
	}
	c.conns[userID] = n
	return n, nil
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conns[userID] > 0, nil
}

func (c *Client) CheckSendRate(ctx context.Context, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-sendRateWindow)
	times := c.limit[userID]
	i := 0
	for _, t := range times {
		if t.After(cutoff) {
			times[i] = t
			i++
		}
	}
	times = times[:i]
	if len(times) >= sendRateMax {
		c.limit[userID] = times
		return false, nil
	}
	c.limit[userID] = append(times, now)
	return true, nil
}
