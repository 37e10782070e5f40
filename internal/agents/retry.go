package agents

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/pkg/errs"
	"github.com/selivandex/decision-engine/pkg/logger"
)

// Backoff configures bounded retries with linearly increasing delay: the wait
// after attempt n is Base × n.
type Backoff struct {
	Attempts int
	Base     time.Duration

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the wait after the given 1-based attempt
func (b Backoff) Delay(attempt int) time.Duration {
	return b.Base * time.Duration(attempt)
}

func (b Backoff) wait(ctx context.Context, d time.Duration) error {
	if b.Sleep != nil {
		return b.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

// retry runs fn until it succeeds, the attempts run out or ctx is done. A
// provider rate-limit hint longer than the scheduled delay is honoured.
// Configuration errors are not retried.
func retry[T any](ctx context.Context, b Backoff, label string, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if errs.KindOf(err) == errs.KindConfig || ctx.Err() != nil || attempt == attempts {
			break
		}

		delay := b.Delay(attempt)
		if limited, after := errs.IsRateLimit(err); limited && after > delay {
			delay = after
		}

		logger.Warn("call failed, retrying",
			zap.String("label", label),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if err := b.wait(ctx, delay); err != nil {
			break
		}
	}

	return zero, fmt.Errorf("%s failed after retries: %w", label, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
