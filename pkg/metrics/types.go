package metrics

import "time"

// GenerationMetric records one gateway call
type GenerationMetric struct {
	Timestamp time.Time
	Label     string
	Provider  string
	Model     string
	CacheHit  bool
	Fallback  bool
	LatencyMs int64
	Success   bool
	ErrorKind string
}

func (m *GenerationMetric) TableName() string {
	return "generation_metrics"
}

func (m *GenerationMetric) Values() []interface{} {
	return []interface{}{
		m.Timestamp,
		m.Label,
		m.Provider,
		m.Model,
		m.CacheHit,
		m.Fallback,
		m.LatencyMs,
		m.Success,
		m.ErrorKind,
	}
}

// DecisionMetric records one emitted final decision
type DecisionMetric struct {
	Timestamp    time.Time
	CycleID      string
	Winner       string
	Action       string
	Symbol       string
	Leverage     float64
	Confidence   float64
	Warnings     int
	CircuitLevel string
	AnalystsOK   int
	AnalystsErr  int
	DurationMs   int64
}

func (m *DecisionMetric) TableName() string {
	return "decision_metrics"
}

func (m *DecisionMetric) Values() []interface{} {
	return []interface{}{
		m.Timestamp,
		m.CycleID,
		m.Winner,
		m.Action,
		m.Symbol,
		m.Leverage,
		m.Confidence,
		int64(m.Warnings),
		m.CircuitLevel,
		int64(m.AnalystsOK),
		int64(m.AnalystsErr),
		m.DurationMs,
	}
}

// CircuitMetric records a fresh circuit breaker evaluation
type CircuitMetric struct {
	Timestamp        time.Time
	Level            string
	Reason           string
	ReferenceDropPct float64
	MaxFundingRate   float64
	LatencyMs        int64
}

func (m *CircuitMetric) TableName() string {
	return "circuit_breaker_metrics"
}

func (m *CircuitMetric) Values() []interface{} {
	return []interface{}{
		m.Timestamp,
		m.Level,
		m.Reason,
		m.ReferenceDropPct,
		m.MaxFundingRate,
		m.LatencyMs,
	}
}
