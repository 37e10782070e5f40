package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/internal/risk"
	"github.com/selivandex/decision-engine/pkg/logger"
	"github.com/selivandex/decision-engine/pkg/metrics"
)

// CycleWorker runs one decision cycle per tick
type CycleWorker struct {
	engine *Engine
}

// NewCycleWorker creates new cycle worker
func NewCycleWorker(e *Engine) *CycleWorker {
	return &CycleWorker{engine: e}
}

func (w *CycleWorker) Name() string {
	return "decision-cycle"
}

func (w *CycleWorker) Run(ctx context.Context) error {
	_, err := w.engine.RunCycle(ctx)
	return err
}

// CircuitMonitor refreshes the circuit breaker between cycles so alerts and the
// health endpoint see level changes early, and records each reading.
type CircuitMonitor struct {
	circuit *risk.CircuitBreaker
	metrics metrics.Buffer
}

// NewCircuitMonitor creates new circuit monitor
func NewCircuitMonitor(cb *risk.CircuitBreaker, buf metrics.Buffer) *CircuitMonitor {
	if buf == nil {
		buf = metrics.Discard{}
	}
	return &CircuitMonitor{circuit: cb, metrics: buf}
}

func (m *CircuitMonitor) Name() string {
	return "circuit-monitor"
}

func (m *CircuitMonitor) Run(ctx context.Context) error {
	status := m.circuit.Check(ctx)

	metric := &metrics.CircuitMetric{
		Timestamp: status.Timestamp,
		Level:     status.Level.String(),
		Reason:    status.Reason,
	}
	if v := status.Metrics.ReferenceDropPct; v != nil {
		metric.ReferenceDropPct = *v
	}
	if v := status.Metrics.MaxFundingRate; v != nil {
		metric.MaxFundingRate = *v
	}
	if v := status.Metrics.LatencyMs; v != nil {
		metric.LatencyMs = *v
	}
	if err := m.metrics.Add(metric); err != nil {
		logger.Warn("failed to record circuit metric", zap.Error(err))
	}

	logger.Debug("circuit breaker checked",
		zap.String("level", status.Level.String()),
		zap.String("reason", status.Reason),
	)
	return nil
}
