package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/internal/adapters/config"
	"github.com/selivandex/decision-engine/pkg/cache"
	"github.com/selivandex/decision-engine/pkg/errs"
	"github.com/selivandex/decision-engine/pkg/flight"
	"github.com/selivandex/decision-engine/pkg/logger"
)

// Level is the global market risk level, ordered by severity
type Level int

const (
	LevelNone Level = iota
	LevelYellow
	LevelOrange
	LevelRed
)

func (l Level) String() string {
	switch l {
	case LevelYellow:
		return "YELLOW"
	case LevelOrange:
		return "ORANGE"
	case LevelRed:
		return "RED"
	default:
		return "NONE"
	}
}

// MarshalText encodes the level by name
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Leverage caps per level. RED flattens, so it has no cap.
const (
	orangeLeverageCap = 2
	yellowLeverageCap = 3
)

// CircuitMetrics are the raw readings behind a status
type CircuitMetrics struct {
	ReferenceDropPct *float64 `json:"reference_drop_pct,omitempty"`
	MaxFundingRate   *float64 `json:"max_funding_rate,omitempty"`
	MaxFundingSymbol string   `json:"max_funding_symbol,omitempty"`
	LatencyMs        *int64   `json:"latency_ms,omitempty"`
}

// CircuitStatus is the outcome of one circuit breaker check
type CircuitStatus struct {
	Level     Level          `json:"level"`
	Reason    string         `json:"reason"`
	Metrics   CircuitMetrics `json:"metrics"`
	Timestamp time.Time      `json:"timestamp"`
}

// MarketProbe reads the market conditions the circuit breaker watches
type MarketProbe interface {
	// ReferenceDrop returns how far symbol fell over window, in percent. Rises are negative.
	ReferenceDrop(ctx context.Context, symbol string, window time.Duration) (float64, error)
	// FundingRates returns the current per-period funding rate per symbol
	FundingRates(ctx context.Context, symbols []string) (map[string]float64, error)
	// Latency measures a round trip to the exchange API
	Latency(ctx context.Context) (time.Duration, error)
}

type checkResult struct {
	name   string
	level  Level
	reason string
}

const circuitKey = "circuit"

// CircuitBreaker computes a global risk level from market conditions. Results are
// cached for a short TTL and concurrent refreshes share one probe run.
type CircuitBreaker struct {
	probe MarketProbe
	cfg   config.RiskConfig
	now   func() time.Time

	statuses *cache.Cache[string, CircuitStatus]
	refresh  flight.Group[CircuitStatus]

	mu       sync.Mutex
	last     CircuitStatus
	hasLast  bool
	onChange []func(prev, next CircuitStatus)
}

// CircuitOption customizes a CircuitBreaker
type CircuitOption func(*CircuitBreaker)

// WithCircuitClock overrides the time source
func WithCircuitClock(now func() time.Time) CircuitOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithLevelChangeHook registers fn to run after each level transition
func WithLevelChangeHook(fn func(prev, next CircuitStatus)) CircuitOption {
	return func(cb *CircuitBreaker) { cb.onChange = append(cb.onChange, fn) }
}

// NewCircuitBreaker creates new circuit breaker
func NewCircuitBreaker(cfg *config.RiskConfig, probe MarketProbe, opts ...CircuitOption) (*CircuitBreaker, error) {
	if probe == nil {
		return nil, errs.Config("circuit.probe", "market probe is required")
	}
	if cfg.CircuitTTL <= 0 {
		return nil, errs.Config("RISK_CIRCUIT_TTL", "must be positive")
	}
	if !(cfg.DropYellow < cfg.DropOrange && cfg.DropOrange < cfg.DropRed) {
		return nil, errs.Config("RISK_CIRCUIT_DROP", "thresholds must escalate yellow < orange < red")
	}
	if !(cfg.FundingYellow < cfg.FundingOrange && cfg.FundingOrange < cfg.FundingRed) {
		return nil, errs.Config("RISK_CIRCUIT_FUNDING", "thresholds must escalate yellow < orange < red")
	}
	if !(cfg.LatencyYellow < cfg.LatencyOrange && cfg.LatencyOrange < cfg.LatencyRed) {
		return nil, errs.Config("RISK_CIRCUIT_LATENCY", "thresholds must escalate yellow < orange < red")
	}
	if !isFinite(cfg.StandingMaxLeverage) || cfg.StandingMaxLeverage <= 0 {
		return nil, errs.Config("RISK_STANDING_MAX_LEVERAGE", "must be finite and positive")
	}

	cb := &CircuitBreaker{
		probe: probe,
		cfg:   *cfg,
		now:   time.Now,
	}
	switch {
	case cb.cfg.ProbeTimeout == 0:
		cb.cfg.ProbeTimeout = cfg.LatencyRed + 2*time.Second
	case cb.cfg.ProbeTimeout <= cfg.LatencyRed:
		return nil, errs.Config("RISK_CIRCUIT_PROBE_TIMEOUT", "must exceed the red latency %s", cfg.LatencyRed)
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.statuses = cache.New[string, CircuitStatus](cache.Config{Capacity: 1, TTL: cfg.CircuitTTL, Now: cb.now})

	return cb, nil
}

// Check returns the current status, probing the market when the cached one has
// expired. It never fails: any problem degrades to YELLOW.
func (cb *CircuitBreaker) Check(ctx context.Context) CircuitStatus {
	if entry, ok := cb.statuses.Get(circuitKey); ok {
		return entry.Value
	}

	status, err := cb.refresh.DoContext(ctx, circuitKey, func() (CircuitStatus, error) {
		if entry, ok := cb.statuses.Get(circuitKey); ok {
			return entry.Value, nil
		}
		// Shared by every waiter, so it must outlive the caller that started it.
		// Each probe is bounded by ProbeTimeout instead.
		status := cb.evaluate(context.WithoutCancel(ctx))
		cb.statuses.Set(circuitKey, status)
		cb.publish(status)
		return status, nil
	})
	if err != nil {
		return CircuitStatus{
			Level:     LevelYellow,
			Reason:    fmt.Sprintf("circuit check interrupted: %v", err),
			Timestamp: cb.now(),
		}
	}
	return status
}

// Status returns the last computed status without probing
func (cb *CircuitBreaker) Status() (CircuitStatus, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.last, cb.hasLast
}

// LeverageCap maps a level to the maximum leverage allowed. RED returns 0: flatten.
func (cb *CircuitBreaker) LeverageCap(level Level) float64 {
	switch level {
	case LevelRed:
		return 0
	case LevelOrange:
		return orangeLeverageCap
	case LevelYellow:
		return yellowLeverageCap
	default:
		return cb.cfg.StandingMaxLeverage
	}
}

// Reset drops the cached status so the next Check probes again
func (cb *CircuitBreaker) Reset() {
	cb.statuses.Purge()
}

// evaluate runs the checks in order and keeps the most severe result. A reference
// drop at RED skips the rest.
func (cb *CircuitBreaker) evaluate(ctx context.Context) (status CircuitStatus) {
	status.Timestamp = cb.now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("circuit breaker check panicked", zap.Any("panic", r))
			status.Level = LevelYellow
			status.Reason = fmt.Sprintf("circuit check failed: %v", r)
		}
	}()

	drop := cb.checkReferenceDrop(ctx, &status.Metrics)
	if drop.level == LevelRed {
		status.Level, status.Reason = drop.level, drop.reason
		return status
	}

	results := []checkResult{
		drop,
		cb.checkFunding(ctx, &status.Metrics),
		cb.checkDrawdown(),
		cb.checkLatency(ctx, &status.Metrics),
	}

	var reasons []string
	for _, r := range results {
		if r.level > status.Level {
			status.Level = r.level
		}
	}
	for _, r := range results {
		if r.level == status.Level && r.level != LevelNone {
			reasons = append(reasons, r.reason)
		}
	}
	if status.Level == LevelNone {
		status.Reason = "all checks passed"
	} else {
		status.Reason = strings.Join(reasons, "; ")
	}
	return status
}

func (cb *CircuitBreaker) checkReferenceDrop(ctx context.Context, m *CircuitMetrics) checkResult {
	drop, err := bounded(ctx, cb.cfg.ProbeTimeout, func(ctx context.Context) (float64, error) {
		return cb.probe.ReferenceDrop(ctx, cb.cfg.ReferenceSymbol, cb.cfg.DropWindow)
	})
	if err != nil {
		return failedCheck("reference drop", err)
	}
	if !isFinite(drop) {
		return checkResult{name: "reference drop", level: LevelYellow, reason: "reference drop reading is not finite"}
	}
	m.ReferenceDropPct = &drop

	level := tier(drop, cb.cfg.DropYellow, cb.cfg.DropOrange, cb.cfg.DropRed)
	return checkResult{
		name:   "reference drop",
		level:  level,
		reason: fmt.Sprintf("%s down %.2f%% over %s", cb.cfg.ReferenceSymbol, drop, cb.cfg.DropWindow),
	}
}

func (cb *CircuitBreaker) checkFunding(ctx context.Context, m *CircuitMetrics) checkResult {
	if len(cb.cfg.FundingBasket) == 0 {
		return checkResult{name: "funding"}
	}

	rates, err := bounded(ctx, cb.cfg.ProbeTimeout, func(ctx context.Context) (map[string]float64, error) {
		return cb.probe.FundingRates(ctx, cb.cfg.FundingBasket)
	})
	if err != nil {
		return failedCheck("funding", err)
	}

	var (
		maxRate   float64
		maxSymbol string
	)
	for sym, rate := range rates {
		if !isFinite(rate) {
			continue
		}
		if abs(rate) > abs(maxRate) || maxSymbol == "" {
			maxRate, maxSymbol = rate, sym
		}
	}
	if maxSymbol == "" {
		return checkResult{name: "funding"}
	}
	m.MaxFundingRate = &maxRate
	m.MaxFundingSymbol = maxSymbol

	level := tier(abs(maxRate), cb.cfg.FundingYellow, cb.cfg.FundingOrange, cb.cfg.FundingRed)
	return checkResult{
		name:   "funding",
		level:  level,
		reason: fmt.Sprintf("extreme funding on %s: %.4f%%", maxSymbol, maxRate*100),
	}
}

// checkDrawdown is a deliberate no-op: capital deployed into open positions reads
// as drawdown and would trip false alarms.
func (cb *CircuitBreaker) checkDrawdown() checkResult {
	return checkResult{name: "drawdown", level: LevelNone}
}

func (cb *CircuitBreaker) checkLatency(ctx context.Context, m *CircuitMetrics) checkResult {
	start := time.Now()
	latency, err := bounded(ctx, cb.cfg.ProbeTimeout, cb.probe.Latency)
	if err != nil {
		// No answer within the red threshold is a dead exchange, not a failed reading.
		if waited := time.Since(start); waited >= cb.cfg.LatencyRed {
			ms := waited.Milliseconds()
			m.LatencyMs = &ms
			logger.Warn("exchange unresponsive", zap.Duration("waited", waited), zap.Error(err))
			return checkResult{
				name:   "exchange health",
				level:  LevelRed,
				reason: fmt.Sprintf("exchange unresponsive for %s: %v", waited.Round(time.Millisecond), err),
			}
		}
		return failedCheck("exchange health", err)
	}
	ms := latency.Milliseconds()
	m.LatencyMs = &ms

	level := tier(latency.Seconds(), cb.cfg.LatencyYellow.Seconds(), cb.cfg.LatencyOrange.Seconds(), cb.cfg.LatencyRed.Seconds())
	return checkResult{
		name:   "exchange health",
		level:  level,
		reason: fmt.Sprintf("exchange latency %s", latency.Round(time.Millisecond)),
	}
}

func (cb *CircuitBreaker) publish(next CircuitStatus) {
	cb.mu.Lock()
	prev, had := cb.last, cb.hasLast
	cb.last, cb.hasLast = next, true
	hooks := cb.onChange
	cb.mu.Unlock()

	switch {
	case next.Level == LevelRed:
		logger.Error("circuit breaker RED", zap.String("reason", next.Reason))
	case next.Level > LevelNone:
		logger.Warn("circuit breaker elevated",
			zap.String("level", next.Level.String()),
			zap.String("reason", next.Reason),
		)
	}

	if had && prev.Level == next.Level {
		return
	}
	if !had && next.Level == LevelNone {
		return
	}
	for _, fn := range hooks {
		fn(prev, next)
	}
}

// bounded runs fn with a timeout. A reading that ignores its context is abandoned
// when the timeout fires; a panic becomes an error.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("market reading panicked: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{v: v, err: err}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("no answer within %s: %w", timeout, ctx.Err())
	}
}

func failedCheck(name string, err error) checkResult {
	logger.Warn("circuit breaker check failed", zap.String("check", name), zap.Error(err))
	return checkResult{name: name, level: LevelYellow, reason: fmt.Sprintf("%s check failed: %v", name, err)}
}

// tier maps v onto escalating thresholds; reaching a threshold counts.
func tier(v, yellow, orange, red float64) Level {
	switch {
	case v >= red:
		return LevelRed
	case v >= orange:
		return LevelOrange
	case v >= yellow:
		return LevelYellow
	default:
		return LevelNone
	}
}
