// Package engine runs the decision cycle: snapshot, risk gates, analysts, judge
// and the final leverage and churn checks.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/internal/adapters/config"
	"github.com/selivandex/decision-engine/internal/agents"
	"github.com/selivandex/decision-engine/internal/risk"
	"github.com/selivandex/decision-engine/pkg/errs"
	"github.com/selivandex/decision-engine/pkg/logger"
	"github.com/selivandex/decision-engine/pkg/metrics"
	"github.com/selivandex/decision-engine/pkg/models"
)

// Deps are the engine's collaborators. Source, Orchestrator, Judge, Circuit,
// AntiChurn and Leverage are required.
type Deps struct {
	Source       ContextSource
	Calendar     MarketCalendar
	Orchestrator *agents.Orchestrator
	Judge        *agents.Judge
	Tournament   agents.Tournament
	Weights      WeightStore
	Circuit      *risk.CircuitBreaker
	AntiChurn    *risk.AntiChurn
	Leverage     *risk.LeverageCalculator
	Locker       risk.SymbolLocker
	Sink         DecisionSink
	Alerter      Alerter
	Events       RiskEventLog
	Metrics      metrics.Buffer
}

// Engine produces one risk-checked decision per cycle
type Engine struct {
	Deps
	cfg config.EngineConfig
	now func() time.Time

	background sync.WaitGroup
}

// Option customizes an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates new engine
func New(cfg config.EngineConfig, deps Deps, opts ...Option) (*Engine, error) {
	switch {
	case deps.Source == nil:
		return nil, errs.Config("engine.source", "context source is required")
	case deps.Orchestrator == nil || deps.Judge == nil:
		return nil, errs.Config("engine.agents", "orchestrator and judge are required")
	case deps.Circuit == nil || deps.AntiChurn == nil || deps.Leverage == nil:
		return nil, errs.Config("engine.risk", "circuit breaker, anti-churn and leverage calculator are required")
	}
	if cfg.TournamentTimeout <= 0 {
		cfg.TournamentTimeout = 90 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}

	if deps.Calendar == nil {
		deps.Calendar = AlwaysOpen{}
	}
	if deps.Locker == nil {
		deps.Locker = risk.NewLocalLocker()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard{}
	}

	e := &Engine{Deps: deps, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunCycle runs one full decision cycle. It fails only when no snapshot could be
// taken; every later problem degrades to a HOLD decision with warnings.
func (e *Engine) RunCycle(ctx context.Context) (*models.FinalDecision, error) {
	start := e.now()

	cc, err := e.Source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build cycle context: %w", err)
	}
	if cc.CycleID == "" {
		cc.CycleID = uuid.NewString()
	}
	if cc.Timestamp.IsZero() {
		cc.Timestamp = start
	}

	log := logger.With(zap.String("cycle_id", cc.CycleID))
	log.Info("decision cycle started", zap.Int("positions", len(cc.Positions)))

	status := e.Circuit.Check(ctx)
	analystsOK, analystsErr := 0, 0

	var d *models.FinalDecision
	if closed, reason := e.marketClosed(ctx, start); closed {
		d = e.holdDecision(reason)
	} else if status.Level == risk.LevelRed {
		d = e.flatten(cc, status)
	} else {
		d, analystsOK, analystsErr = e.decide(ctx, cc, status)
	}
	d.CycleID = cc.CycleID
	d.CircuitLevel = status.Level.String()

	log.Info("decision cycle complete",
		zap.String("action", string(d.Action)),
		zap.String("symbol", d.Symbol()),
		zap.String("winner", d.Winner),
		zap.Float64("leverage", d.Leverage()),
		zap.Strings("warnings", d.Warnings),
		zap.Duration("duration", e.now().Sub(start)),
	)

	e.persist(ctx, d)
	e.record(d, analystsOK, analystsErr, e.now().Sub(start))
	if d.Action != models.ActionHold && e.Alerter != nil {
		e.async(ctx, "decision alert", func(ctx context.Context) error {
			return e.Alerter.DecisionEmitted(ctx, d)
		})
	}
	return d, nil
}

// decide runs analysts, tournament and judge, then applies leverage policy and
// the anti-churn gate.
func (e *Engine) decide(ctx context.Context, cc *models.CycleContext, status risk.CircuitStatus) (*models.FinalDecision, int, int) {
	if e.Weights != nil {
		weights, err := e.Weights.AnalystWeights(ctx)
		if err != nil {
			logger.Warn("failed to load analyst weights", zap.Error(err))
		} else {
			cc.Weights = weights
		}
	}

	outputs := e.Orchestrator.Run(ctx, cc)
	tr := e.runTournament(ctx, cc, outputs)
	verdict := e.Judge.Arbitrate(ctx, cc, outputs, tr)
	d := e.Judge.Assemble(outputs.ByAnalyst, verdict)

	if status.Level > risk.LevelNone {
		e.Judge.Warn(d, "circuit breaker %s: %s", status.Level, status.Reason)
	}

	switch {
	case d.Action.IsEntry():
		e.applyLeverage(cc, d, status)
		e.gateEntry(ctx, d)
	case d.Action.IsExit():
		e.gateExit(ctx, cc, d)
	}
	return d, len(outputs.ByAnalyst), len(outputs.Errors)
}

// runTournament races the optional debate against a hard timeout. Losing the race
// skips the phase.
func (e *Engine) runTournament(ctx context.Context, cc *models.CycleContext, outputs *agents.Outputs) *models.TournamentResult {
	if e.Tournament == nil || len(outputs.ByAnalyst) < 2 {
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, e.cfg.TournamentTimeout)
	defer cancel()

	type result struct {
		res *models.TournamentResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := e.Tournament.Run(tctx, cc, outputs.ByAnalyst)
		done <- result{res, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			logger.Warn("tournament failed, skipping", zap.Error(r.err))
			return nil
		}
		return r.res
	case <-tctx.Done():
		logger.Warn("tournament timed out, skipping", zap.Duration("timeout", e.cfg.TournamentTimeout))
		return nil
	}
}

// applyLeverage lowers entry leverage to the smallest of the judge's value, the
// calculator's recommendation and the circuit breaker cap.
func (e *Engine) applyLeverage(cc *models.CycleContext, d *models.FinalDecision, status risk.CircuitStatus) {
	rec := d.Recommendation
	symbol := rec.SymbolOr("")
	direction, _ := rec.Action.Direction()

	in := risk.LeverageInput{Confidence: rec.Confidence, ATRPercent: math.NaN()}
	if sig, ok := cc.Signal(symbol); ok {
		in.ATRPercent = sig.ATRPercent
		in.FundingRate = sig.FundingRate
		in.TrendStrength = sig.TrendStrength
		in.Volatility = risk.Volatility(sig.Volatility)
		atr := sig.ATRPercent / 100 * sig.Price
		adverse := (direction == models.DirectionLong && sig.FundingRate > 0) ||
			(direction == models.DirectionShort && sig.FundingRate < 0)
		in.AgainstFunding = adverse && e.AntiChurn.ShouldActOnFunding(sig.FundingRate, atr, sig.Price)
	}

	calc := e.Leverage.Calculate(in)
	capped := e.Circuit.LeverageCap(status.Level)

	final := math.Min(rec.Leverage, math.Min(float64(calc.Leverage), capped))
	final = math.Max(final, 1)

	d.LeverageReasoning = calc.Reasoning
	if capped < float64(calc.Leverage) {
		d.LeverageReasoning = append(d.LeverageReasoning, fmt.Sprintf("circuit %s caps leverage at %.0fx", status.Level, capped))
	}
	if final < rec.Leverage {
		e.Judge.Warn(d, "leverage reduced from %.2fx to %.2fx by risk policy", rec.Leverage, final)
	}
	rec.Leverage = final
}

// gateEntry checks and records the trade under the symbol lock so concurrent
// workers cannot both pass the same cooldown.
func (e *Engine) gateEntry(ctx context.Context, d *models.FinalDecision) {
	symbol := d.Symbol()
	direction, _ := d.Action.Direction()

	unlock, err := e.Locker.Lock(ctx, symbol)
	if err != nil {
		e.Judge.Hold(d, "could not lock %s for trade check: %v", symbol, err)
		return
	}
	res := e.AntiChurn.TryTrade(symbol, direction)
	unlock()

	if res.Allowed {
		return
	}
	e.Judge.Hold(d, "anti-churn: %s", res.Reason)
	e.denied(ctx, risk.EventGateDenied, symbol, res.Reason, map[string]interface{}{"direction": string(direction)})
}

// gateExit applies close hysteresis against the position's entry confidence
func (e *Engine) gateExit(ctx context.Context, cc *models.CycleContext, d *models.FinalDecision) {
	symbol := d.Symbol()
	pos, ok := cc.Position(symbol)
	if !ok {
		e.Judge.Hold(d, "no open position on %s to %s", symbol, d.Action)
		return
	}

	confidence := d.Recommendation.Confidence
	if e.AntiChurn.ShouldClose(pos.EntryConfidence, confidence) {
		return
	}
	required := e.AntiChurn.RequiredCloseConfidence(pos.EntryConfidence)
	reason := fmt.Sprintf("close confidence %.0f below required %.0f for %s", confidence, required, symbol)
	e.Judge.Hold(d, "hysteresis: %s", reason)
	e.denied(ctx, risk.EventHysteresisBlocked, symbol, reason, map[string]interface{}{
		"entry_confidence": pos.EntryConfidence,
		"close_confidence": confidence,
	})
}

func (e *Engine) denied(ctx context.Context, eventType, symbol, reason string, data map[string]interface{}) {
	logger.Info("trade gated", zap.String("event", eventType), zap.String("symbol", symbol), zap.String("reason", reason))
	if e.Events != nil {
		e.async(ctx, "risk event", func(ctx context.Context) error {
			return e.Events.LogRiskEvent(ctx, eventType, symbol, reason, data)
		})
	}
	if e.Alerter != nil {
		e.async(ctx, "gate alert", func(ctx context.Context) error {
			return e.Alerter.GateDenied(ctx, symbol, reason)
		})
	}
}

func (e *Engine) marketClosed(ctx context.Context, at time.Time) (bool, string) {
	st, err := e.Calendar.Status(ctx, at)
	if err != nil {
		logger.Warn("market calendar unavailable", zap.Error(err))
		return true, fmt.Sprintf("market calendar unavailable: %v", err)
	}
	if st.Open {
		return false, ""
	}
	if st.NextTransition.IsZero() {
		return true, "market closed"
	}
	return true, fmt.Sprintf("market closed until %s", st.NextTransition.UTC().Format(time.RFC3339))
}

func (e *Engine) holdDecision(reason string) *models.FinalDecision {
	return &models.FinalDecision{
		ID:        uuid.NewString(),
		CreatedAt: e.now().UTC(),
		Winner:    models.NoWinner,
		Action:    models.ActionHold,
		Reasoning: reason,
		Warnings:  []string{reason},
	}
}

// flatten is the RED response: close everything without consulting analysts
func (e *Engine) flatten(cc *models.CycleContext, status risk.CircuitStatus) *models.FinalDecision {
	reason := fmt.Sprintf("circuit breaker RED: %s", status.Reason)
	if len(cc.Positions) == 0 {
		return e.holdDecision(reason + "; trading halted")
	}

	d := e.holdDecision(reason)
	d.Action = models.ActionClose
	d.Recommendation = &models.Recommendation{
		Action:     models.ActionClose,
		ExitPlan:   "flatten all open positions",
		Confidence: 100,
		Rationale:  reason,
	}
	if len(cc.Positions) == 1 {
		d.Recommendation.Symbol = models.Ptr(cc.Positions[0].Symbol)
	}
	return d
}

// persist stores the decision without blocking the cycle
func (e *Engine) persist(ctx context.Context, d *models.FinalDecision) {
	if e.Sink == nil {
		return
	}
	e.async(ctx, "persist decision", func(ctx context.Context) error {
		return e.Sink.SaveDecision(ctx, d)
	})
}

func (e *Engine) record(d *models.FinalDecision, ok, failed int, took time.Duration) {
	m := &metrics.DecisionMetric{
		Timestamp:    d.CreatedAt,
		CycleID:      d.CycleID,
		Winner:       d.Winner,
		Action:       string(d.Action),
		Symbol:       d.Symbol(),
		Leverage:     d.Leverage(),
		Warnings:     len(d.Warnings),
		CircuitLevel: d.CircuitLevel,
		AnalystsOK:   ok,
		AnalystsErr:  failed,
		DurationMs:   took.Milliseconds(),
	}
	if d.Recommendation != nil {
		m.Confidence = d.Recommendation.Confidence
	}
	if err := e.Metrics.Add(m); err != nil {
		logger.Warn("failed to record decision metric", zap.Error(err))
	}
}

// async runs fn detached from the cycle's cancellation, bounded by the persist timeout
func (e *Engine) async(ctx context.Context, what string, fn func(ctx context.Context) error) {
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
		defer cancel()
		if err := fn(bctx); err != nil {
			logger.Error("background task failed", zap.String("task", what), zap.Error(err))
		}
	}()
}

// Close waits for background persistence and alerts to finish
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
