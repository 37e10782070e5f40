package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/pkg/logger"
)

const lockRetryInterval = 50 * time.Millisecond

// SymbolLocker serializes anti-churn checks per symbol across engine replicas
// using the Redlock algorithm. The lock expires after ttl if its holder dies.
type SymbolLocker struct {
	lockManager *redlock.RedLock
	ttl         time.Duration
}

// NewSymbolLocker creates new redlock-backed symbol locker
func NewSymbolLocker(lockManager *redlock.RedLock, ttl time.Duration) *SymbolLocker {
	return &SymbolLocker{lockManager: lockManager, ttl: ttl}
}

// Lock blocks until symbol is acquired or ctx ends. The returned func releases it.
func (l *SymbolLocker) Lock(ctx context.Context, symbol string) (func(), error) {
	name := lockName(symbol)
	for {
		expiry, err := l.lockManager.Lock(ctx, name, l.ttl)
		if err == nil && expiry > 0 {
			return l.releaser(name), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire lock %s: %w", name, ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

func (l *SymbolLocker) releaser(name string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.lockManager.UnLock(ctx, name); err != nil {
			// may have already expired
			logger.Warn("failed to release symbol lock", zap.String("lock_name", name), zap.Error(err))
		}
	}
}

func lockName(symbol string) string {
	return "decision:lock:" + symbol
}
