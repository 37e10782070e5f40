package engine

import (
	"context"
	"time"

	"github.com/selivandex/decision-engine/pkg/models"
)

// ContextSource supplies the shared snapshot of one cycle: the serialized market
// and account document, per-symbol signals and open positions.
type ContextSource interface {
	Snapshot(ctx context.Context) (*models.CycleContext, error)
}

// MarketStatus is the calendar state at a point in time
type MarketStatus struct {
	Open           bool
	NextTransition time.Time
}

// MarketCalendar gates cycles on trading hours
type MarketCalendar interface {
	Status(ctx context.Context, at time.Time) (MarketStatus, error)
}

// AlwaysOpen is the calendar of a 24/7 market
type AlwaysOpen struct{}

func (AlwaysOpen) Status(context.Context, time.Time) (MarketStatus, error) {
	return MarketStatus{Open: true}, nil
}

// WeightStore supplies historical analyst performance weights
type WeightStore interface {
	AnalystWeights(ctx context.Context) (map[string]float64, error)
}

// DecisionSink stores emitted decisions
type DecisionSink interface {
	SaveDecision(ctx context.Context, d *models.FinalDecision) error
}

// Alerter notifies operators
type Alerter interface {
	DecisionEmitted(ctx context.Context, d *models.FinalDecision) error
	GateDenied(ctx context.Context, symbol, reason string) error
}

// RiskEventLog records gate refusals for audit
type RiskEventLog interface {
	LogRiskEvent(ctx context.Context, eventType, symbol, description string, data map[string]interface{}) error
}
