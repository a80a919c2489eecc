// Package startup ждёт внешние зависимости API (Postgres, Redis) при запуске:
// в compose-окружении они поднимаются параллельно с сервисом.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/marketchat/internal/logger"
)

// Backoff задаёт паузы между попытками: от Initial, удваиваясь до Max.
// MaxWait ограничивает общее ожидание; ноль — ждать, пока жив контекст.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	MaxWait time.Duration
}

// DefaultBackoff — 2s, 4s, ... 30s, не дольше минуты.
var DefaultBackoff = Backoff{Initial: 2 * time.Second, Max: 30 * time.Second, MaxWait: time.Minute}

// Retry вызывает attempt, пока он не вернёт nil, не выйдет MaxWait или не отменят ctx.
func Retry(ctx context.Context, what string, b Backoff, attempt func(context.Context) error) error {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	start := time.Now()
	wait := b.Initial
	for n := 1; ; n++ {
		err := attempt(ctx)
		if err == nil {
			if n > 1 {
				logger.Infof("%s: ready after %d attempts (%v)", what, n, time.Since(start).Round(time.Millisecond))
			}
			return nil
		}
		if b.MaxWait > 0 && time.Since(start)+wait > b.MaxWait {
			return fmt.Errorf("%s: gave up after %d attempts: %w", what, n, err)
		}
		logger.Errorf("%s: attempt %d failed, retry in %v: %v", what, n, wait, err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: %w (last error: %v)", what, ctx.Err(), err)
		case <-t.C:
		}
		wait = min(wait*2, b.Max)
	}
}
