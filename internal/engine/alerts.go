package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/internal/risk"
	"github.com/selivandex/decision-engine/pkg/logger"
)

// CircuitNotifier is told about circuit breaker level transitions
type CircuitNotifier interface {
	CircuitChanged(ctx context.Context, prev, next risk.CircuitStatus, leverageCap float64) error
}

// CircuitAlerts journals and announces circuit breaker level changes. Its Hook
// runs inside the breaker's check, so the work is handed to goroutines.
type CircuitAlerts struct {
	events   RiskEventLog
	notifier CircuitNotifier
	capFor   func(risk.Level) float64
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewCircuitAlerts creates the level change handler. events and notifier may be nil.
func NewCircuitAlerts(events RiskEventLog, notifier CircuitNotifier, capFor func(risk.Level) float64, timeout time.Duration) *CircuitAlerts {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CircuitAlerts{events: events, notifier: notifier, capFor: capFor, timeout: timeout}
}

// Hook is passed to risk.WithLevelChangeHook
func (a *CircuitAlerts) Hook(prev, next risk.CircuitStatus) {
	description := fmt.Sprintf("%s -> %s", prev.Level, next.Level)
	logger.Info("circuit breaker level changed",
		zap.String("from", prev.Level.String()),
		zap.String("to", next.Level.String()),
		zap.String("reason", next.Reason),
	)

	if a.events != nil {
		a.run("circuit event", func(ctx context.Context) error {
			return a.events.LogRiskEvent(ctx, risk.EventCircuitLevelChange, "", description, map[string]interface{}{
				"from":    prev.Level.String(),
				"to":      next.Level.String(),
				"reason":  next.Reason,
				"metrics": next.Metrics,
			})
		})
	}
	if a.notifier != nil {
		var leverageCap float64
		if a.capFor != nil {
			leverageCap = a.capFor(next.Level)
		}
		a.run("circuit alert", func(ctx context.Context) error {
			return a.notifier.CircuitChanged(ctx, prev, next, leverageCap)
		})
	}
}

func (a *CircuitAlerts) run(what string, fn func(ctx context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.Error("background task failed", zap.String("task", what), zap.Error(err))
		}
	}()
}

// Wait blocks until pending alerts finish
func (a *CircuitAlerts) Wait() {
	a.wg.Wait()
}
