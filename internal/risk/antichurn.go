package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/internal/adapters/config"
	"github.com/selivandex/decision-engine/pkg/errs"
	"github.com/selivandex/decision-engine/pkg/logger"
	"github.com/selivandex/decision-engine/pkg/models"
)

const (
	defaultEntryConfidence = 50
	defaultCloseConfidence = 0
	maxImpliedDailyFunding = 100
)

// CooldownState is the anti-churn record of one symbol
type CooldownState struct {
	Symbol            string           `json:"symbol"`
	CreatedAt         time.Time        `json:"created_at"`
	LastTradeTime     time.Time        `json:"last_trade_time"`
	LastDirection     models.Direction `json:"last_direction"`
	CooldownUntil     time.Time        `json:"cooldown_until"`
	FlipCooldownUntil time.Time        `json:"flip_cooldown_until"`
}

func (s *CooldownState) expired(now time.Time) bool {
	return !now.Before(s.CooldownUntil) && !now.Before(s.FlipCooldownUntil)
}

// GateResult is the outcome of an anti-churn check. A denial is a normal
// decision outcome, not a failure.
type GateResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() GateResult { return GateResult{Allowed: true} }

func deny(format string, args ...any) GateResult {
	return GateResult{Reason: fmt.Sprintf(format, args...)}
}

// Err returns nil when allowed, otherwise a GateDenied error carrying the reason.
func (r GateResult) Err() error {
	if r.Allowed {
		return nil
	}
	return errs.Denied("antichurn", r.Reason)
}

// AntiChurn throttles trading per symbol: post-trade cooldown, a longer cooldown
// before reversing direction, a trailing-hour cap per symbol and a global daily cap.
type AntiChurn struct {
	mu  sync.Mutex
	now func() time.Time

	cooldown             time.Duration
	flipCooldown         time.Duration
	maxTradesPerHour     int
	dailyLimit           int
	maxSymbols           int
	hysteresis           float64
	fundingPeriodsPerDay float64
	fundingCoefficient   float64

	states     map[string]*CooldownState
	history    map[string][]time.Time
	dailyCount int
	dailyDate  time.Time
}

// AntiChurnOption customizes an AntiChurn gate
type AntiChurnOption func(*AntiChurn)

// WithAntiChurnClock overrides the time source
func WithAntiChurnClock(now func() time.Time) AntiChurnOption {
	return func(a *AntiChurn) { a.now = now }
}

// NewAntiChurn creates new anti-churn gate
func NewAntiChurn(cfg *config.RiskConfig, opts ...AntiChurnOption) (*AntiChurn, error) {
	if cfg.Cooldown < 0 || cfg.FlipCooldown < 0 {
		return nil, errs.Config("RISK_COOLDOWN", "cooldowns must not be negative")
	}
	if cfg.MaxTradesPerHour < 1 || cfg.DailyTradeLimit < 1 {
		return nil, errs.Config("RISK_DAILY_TRADE_LIMIT", "trade limits must be at least 1")
	}
	if cfg.MaxTrackedSymbols < 1 {
		return nil, errs.Config("RISK_MAX_TRACKED_SYMBOLS", "must be at least 1")
	}
	if !isFinite(cfg.HysteresisMultiplier) || cfg.HysteresisMultiplier <= 1 {
		return nil, errs.Config("RISK_HYSTERESIS_MULTIPLIER", "must be a finite value above 1, got %v", cfg.HysteresisMultiplier)
	}
	if !isFinite(cfg.FundingPeriodsPerDay) || cfg.FundingPeriodsPerDay <= 0 ||
		!isFinite(cfg.FundingCoefficient) || cfg.FundingCoefficient <= 0 {
		return nil, errs.Config("RISK_FUNDING", "funding periods and coefficient must be finite and positive")
	}

	a := &AntiChurn{
		now:                  time.Now,
		cooldown:             cfg.Cooldown,
		flipCooldown:         cfg.FlipCooldown,
		maxTradesPerHour:     cfg.MaxTradesPerHour,
		dailyLimit:           cfg.DailyTradeLimit,
		maxSymbols:           cfg.MaxTrackedSymbols,
		hysteresis:           cfg.HysteresisMultiplier,
		fundingPeriodsPerDay: cfg.FundingPeriodsPerDay,
		fundingCoefficient:   cfg.FundingCoefficient,
		states:               make(map[string]*CooldownState),
		history:              make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.dailyDate = a.now().UTC()

	return a, nil
}

// CanTrade reports whether symbol may trade now
func (a *AntiChurn) CanTrade(symbol string) GateResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canTradeLocked(symbol, a.now())
}

// CanFlipDirection reports whether symbol may trade in direction. Only a reversal
// inside the flip cooldown is denied.
func (a *AntiChurn) CanFlipDirection(symbol string, direction models.Direction) GateResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canFlipLocked(symbol, direction, a.now())
}

// RecordTrade records an executed trade. Returns false without touching any state
// when the input is invalid or the daily limit is already used up; callers gate
// with CanTrade first.
func (a *AntiChurn) RecordTrade(symbol string, direction models.Direction) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recordLocked(symbol, direction, a.now())
}

// TryTrade checks and records a trade as one atomic step.
func (a *AntiChurn) TryTrade(symbol string, direction models.Direction) GateResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if res := a.canTradeLocked(symbol, now); !res.Allowed {
		return res
	}
	if res := a.canFlipLocked(symbol, direction, now); !res.Allowed {
		return res
	}
	if !a.recordLocked(symbol, direction, now) {
		return deny("trade on %s could not be recorded", symbol)
	}
	return allow()
}

// ShouldClose applies close hysteresis: closing needs at least entry confidence
// times the multiplier. Non-finite or negative inputs fall back to defaults.
func (a *AntiChurn) ShouldClose(entryConfidence, closeConfidence float64) bool {
	if !isFinite(entryConfidence) || entryConfidence < 0 {
		entryConfidence = defaultEntryConfidence
	}
	if !isFinite(closeConfidence) || closeConfidence < 0 {
		closeConfidence = defaultCloseConfidence
	}
	return closeConfidence >= entryConfidence*a.hysteresis
}

// RequiredCloseConfidence returns the confidence a close needs for a position opened at entryConfidence.
func (a *AntiChurn) RequiredCloseConfidence(entryConfidence float64) float64 {
	if !isFinite(entryConfidence) || entryConfidence < 0 {
		entryConfidence = defaultEntryConfidence
	}
	return entryConfidence * a.hysteresis
}

// ShouldActOnFunding reports whether the funding rate is large relative to
// volatility. The per-period rate is annualized to a daily percentage (capped to
// reject bad data) and compared with ATR as a percent of price scaled by a coefficient.
func (a *AntiChurn) ShouldActOnFunding(fundingRate, atr, price float64) bool {
	if !isFinite(fundingRate) || !isFinite(atr) || !isFinite(price) || price <= 0 || atr < 0 {
		return false
	}
	dailyPct := math.Min(abs(fundingRate)*a.fundingPeriodsPerDay*100, maxImpliedDailyFunding)
	threshold := atr / price * 100 * a.fundingCoefficient
	return dailyPct > threshold
}

// State returns a copy of symbol's cooldown state
func (a *AntiChurn) State(symbol string) (CooldownState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[symbol]
	if !ok {
		return CooldownState{}, false
	}
	return *st, true
}

// DailyCount returns trades recorded today (UTC)
func (a *AntiChurn) DailyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverLocked(a.now())
	return a.dailyCount
}

// TrackedSymbols returns the number of symbols with cooldown state
func (a *AntiChurn) TrackedSymbols() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

// Clear drops all state for symbol
func (a *AntiChurn) Clear(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.states, symbol)
	delete(a.history, symbol)
}

// Reset drops all state and counters
func (a *AntiChurn) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states = make(map[string]*CooldownState)
	a.history = make(map[string][]time.Time)
	a.dailyCount = 0
	a.dailyDate = a.now().UTC()
	logger.Info("anti-churn state reset")
}

func (a *AntiChurn) canTradeLocked(symbol string, now time.Time) GateResult {
	if symbol == "" {
		return deny("invalid symbol")
	}

	a.rolloverLocked(now)
	if a.dailyCount >= a.dailyLimit {
		return deny("daily trade limit reached (%d/%d)", a.dailyCount, a.dailyLimit)
	}

	if n := len(a.trimHistoryLocked(symbol, now)); n >= a.maxTradesPerHour {
		return deny("hourly trade limit reached for %s (%d/%d)", symbol, n, a.maxTradesPerHour)
	}

	if st, ok := a.states[symbol]; ok && now.Before(st.CooldownUntil) {
		return deny("%s in cooldown for another %s", symbol, st.CooldownUntil.Sub(now).Round(time.Second))
	}

	return allow()
}

func (a *AntiChurn) canFlipLocked(symbol string, direction models.Direction, now time.Time) GateResult {
	if !direction.Valid() {
		return deny("invalid direction %q", direction)
	}

	st, ok := a.states[symbol]
	if !ok || st.LastDirection == "" || st.LastDirection == direction {
		return allow()
	}
	if now.Before(st.FlipCooldownUntil) {
		return deny("flip from %s to %s on %s blocked for another %s",
			st.LastDirection, direction, symbol, st.FlipCooldownUntil.Sub(now).Round(time.Second))
	}
	return allow()
}

func (a *AntiChurn) recordLocked(symbol string, direction models.Direction, now time.Time) bool {
	if symbol == "" || !direction.Valid() {
		logger.Warn("anti-churn: rejected invalid trade record",
			zap.String("symbol", symbol),
			zap.String("direction", string(direction)),
		)
		return false
	}

	a.rolloverLocked(now)
	if a.dailyCount >= a.dailyLimit {
		logger.Warn("anti-churn: daily limit reached, trade not recorded",
			zap.String("symbol", symbol),
			zap.Int("daily_count", a.dailyCount),
		)
		return false
	}

	st, ok := a.states[symbol]
	if !ok {
		a.ensureCapacityLocked(now)
		st = &CooldownState{Symbol: symbol, CreatedAt: now}
		a.states[symbol] = st
	}
	st.LastTradeTime = now
	st.LastDirection = direction
	st.CooldownUntil = now.Add(a.cooldown)
	st.FlipCooldownUntil = now.Add(a.flipCooldown)

	a.history[symbol] = append(a.trimHistoryLocked(symbol, now), now)
	a.dailyCount++

	logger.Debug("anti-churn: trade recorded",
		zap.String("symbol", symbol),
		zap.String("direction", string(direction)),
		zap.Int("daily_count", a.dailyCount),
	)
	return true
}

// trimHistoryLocked drops entries older than one hour and returns what is left.
func (a *AntiChurn) trimHistoryLocked(symbol string, now time.Time) []time.Time {
	hist := a.history[symbol]
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(hist) && !hist[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hist
	}
	hist = append(hist[:0:0], hist[i:]...)
	if len(hist) == 0 {
		delete(a.history, symbol)
		return nil
	}
	a.history[symbol] = hist
	return hist
}

// ensureCapacityLocked makes room for one new symbol: expired entries go first,
// then the entry with the oldest last trade.
func (a *AntiChurn) ensureCapacityLocked(now time.Time) {
	if len(a.states) < a.maxSymbols {
		return
	}

	pruned := 0
	for sym, st := range a.states {
		if st.expired(now) {
			delete(a.states, sym)
			delete(a.history, sym)
			pruned++
		}
	}
	if pruned > 0 {
		logger.Debug("anti-churn: pruned expired symbols", zap.Int("pruned", pruned))
	}

	for len(a.states) >= a.maxSymbols {
		var (
			oldest   string
			oldestAt time.Time
		)
		for sym, st := range a.states {
			if oldest == "" || st.LastTradeTime.Before(oldestAt) {
				oldest, oldestAt = sym, st.LastTradeTime
			}
		}
		delete(a.states, oldest)
		delete(a.history, oldest)
		logger.Warn("anti-churn: evicted active symbol under capacity pressure",
			zap.String("symbol", oldest),
			zap.Time("last_trade", oldestAt),
		)
	}
}

func (a *AntiChurn) rolloverLocked(now time.Time) {
	if isSameDay(a.dailyDate, now) {
		return
	}
	if a.dailyCount > 0 {
		logger.Info("anti-churn: daily counter reset", zap.Int("previous_count", a.dailyCount))
	}
	a.dailyCount = 0
	a.dailyDate = now.UTC()
}
