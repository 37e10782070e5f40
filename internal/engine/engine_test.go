package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/selivandex/decision-engine/internal/adapters/ai"
	"github.com/selivandex/decision-engine/internal/adapters/config"
	"github.com/selivandex/decision-engine/internal/agents"
	"github.com/selivandex/decision-engine/internal/risk"
	"github.com/selivandex/decision-engine/pkg/metrics"
	"github.com/selivandex/decision-engine/pkg/models"
)

// fakeGen answers analyst calls with analysts[id] and judge calls with verdict
type fakeGen struct {
	mu       sync.Mutex
	calls    int
	analysts map[string]string
	verdict  string
}

func (g *fakeGen) Generate(ctx context.Context, req ai.Request) (*ai.Result, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	if req.Label == "judge" {
		return &ai.Result{Text: g.verdict, FinishReason: "stop"}, nil
	}
	id := strings.TrimPrefix(req.Label, "analyst:")
	text, ok := g.analysts[id]
	if !ok {
		return nil, errors.New("no script for " + req.Label)
	}
	return &ai.Result{Text: text, FinishReason: "stop"}, nil
}

func (g *fakeGen) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeProbe struct {
	drop float64
}

func (p *fakeProbe) ReferenceDrop(context.Context, string, time.Duration) (float64, error) {
	return p.drop, nil
}

func (p *fakeProbe) FundingRates(context.Context, []string) (map[string]float64, error) {
	return map[string]float64{"BTC/USDT:USDT": 0.0001}, nil
}

func (p *fakeProbe) Latency(context.Context) (time.Duration, error) {
	return 150 * time.Millisecond, nil
}

type staticSource struct {
	cc  *models.CycleContext
	err error
}

func (s *staticSource) Snapshot(context.Context) (*models.CycleContext, error) {
	if s.err != nil {
		return nil, s.err
	}
	c := *s.cc
	return &c, nil
}

type closedMarket struct{}

func (closedMarket) Status(context.Context, time.Time) (MarketStatus, error) {
	return MarketStatus{Open: false, NextTransition: time.Date(2025, 5, 12, 13, 30, 0, 0, time.UTC)}, nil
}

// recorder implements every sink the engine reports to
type recorder struct {
	mu        sync.Mutex
	saved     []*models.FinalDecision
	emitted   []*models.FinalDecision
	denied    []string
	events    []string
	collected []metrics.Metric
}

func (r *recorder) SaveDecision(_ context.Context, d *models.FinalDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, d)
	return nil
}

func (r *recorder) DecisionEmitted(_ context.Context, d *models.FinalDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted = append(r.emitted, d)
	return nil
}

func (r *recorder) GateDenied(_ context.Context, symbol, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.denied = append(r.denied, symbol+": "+reason)
	return nil
}

func (r *recorder) LogRiskEvent(_ context.Context, eventType, symbol, _ string, _ map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType+":"+symbol)
	return nil
}

func (r *recorder) Add(m metrics.Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collected = append(r.collected, m)
	return nil
}

func (r *recorder) Flush(context.Context) error { return nil }
func (r *recorder) Size() int                   { return len(r.collected) }
func (r *recorder) Close(context.Context) error { return nil }

func testRiskConfig() *config.RiskConfig {
	return &config.RiskConfig{
		Cooldown:             15 * time.Minute,
		FlipCooldown:         60 * time.Minute,
		MaxTradesPerHour:     2,
		DailyTradeLimit:      20,
		MaxTrackedSymbols:    100,
		HysteresisMultiplier: 1.2,
		FundingPeriodsPerDay: 3,
		FundingCoefficient:   0.1,

		CircuitTTL:          time.Minute,
		ReferenceSymbol:     "BTC/USDT",
		DropWindow:          4 * time.Hour,
		DropYellow:          5,
		DropOrange:          8,
		DropRed:             12,
		FundingBasket:       []string{"BTC/USDT:USDT"},
		FundingYellow:       0.001,
		FundingOrange:       0.002,
		FundingRed:          0.003,
		LatencyYellow:       2 * time.Second,
		LatencyOrange:       5 * time.Second,
		LatencyRed:          10 * time.Second,
		StandingMaxLeverage: 5,

		LeverageBase:           5,
		LeverageMin:            3,
		LeverageMax:            10,
		HighAdverseFunding:     0.001,
		ModerateAdverseFunding: 0.0005,
		MaintenanceMarginRate:  0.004,
	}
}

func recJSON(action models.Action, symbol string, confidence, leverage, allocation float64) map[string]any {
	var sym any
	if symbol != "" {
		sym = symbol
	}
	return map[string]any{
		"action":      string(action),
		"symbol":      sym,
		"allocation":  allocation,
		"leverage":    leverage,
		"take_profit": nil,
		"stop_loss":   nil,
		"exit_plan":   "",
		"confidence":  confidence,
		"rationale":   "test",
	}
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func analyst(rec map[string]any) string {
	return toJSON(map[string]any{"reasoning": "r", "recommendation": rec, "scores": nil})
}

func verdict(winner string, action models.Action) string {
	return toJSON(map[string]any{
		"winner":               winner,
		"reasoning":            "judge",
		"adjustments":          nil,
		"warnings":             []string{},
		"final_action":         string(action),
		"final_recommendation": nil,
	})
}

type harness struct {
	engine *Engine
	gen    *fakeGen
	probe  *fakeProbe
	rec    *recorder
	source *staticSource
}

type harnessOption func(*Deps, *config.EngineConfig)

func newHarness(t *testing.T, gen *fakeGen, opts ...harnessOption) *harness {
	t.Helper()

	personas, err := agents.PersonasFor([]string{"conservative", "aggressive"})
	if err != nil {
		t.Fatalf("Failed to load personas: %v", err)
	}
	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	orch, err := agents.NewOrchestrator(gen, config.AnalystsConfig{
		Strategy:        "parallel",
		MaxAttempts:     1,
		RetryBase:       time.Millisecond,
		CallTimeout:     time.Second,
		FallbackTimeout: time.Second,
		MaxTokens:       256,
	}, personas, agents.WithBackoffSleep(noSleep))
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	judge, err := agents.NewJudge(gen, config.JudgeConfig{
		MaxAttempts:         1,
		RetryBase:           time.Millisecond,
		CallTimeout:         time.Second,
		MaxWarnings:         10,
		AbsoluteMaxLeverage: 10,
		HighRiskLeverage:    8,
		MaxTokens:           256,
	}, agents.WithJudgeSleep(noSleep))
	if err != nil {
		t.Fatalf("Failed to create judge: %v", err)
	}

	riskCfg := testRiskConfig()
	probe := &fakeProbe{drop: 1}
	circuit, err := risk.NewCircuitBreaker(riskCfg, probe)
	if err != nil {
		t.Fatalf("Failed to create circuit breaker: %v", err)
	}
	churn, err := risk.NewAntiChurn(riskCfg)
	if err != nil {
		t.Fatalf("Failed to create anti-churn: %v", err)
	}
	calc, err := risk.NewLeverageCalculator(riskCfg)
	if err != nil {
		t.Fatalf("Failed to create leverage calculator: %v", err)
	}

	source := &staticSource{cc: &models.CycleContext{
		Document: `{"BTC/USDT":{"price":64000}}`,
		Signals: map[string]models.SymbolSignals{
			"BTC/USDT": {Symbol: "BTC/USDT", Price: 64000, ATRPercent: 2, Volatility: "low"},
		},
	}}
	rec := &recorder{}

	deps := Deps{
		Source:       source,
		Orchestrator: orch,
		Judge:        judge,
		Tournament:   agents.NewWeightedTournament(),
		Circuit:      circuit,
		AntiChurn:    churn,
		Leverage:     calc,
		Sink:         rec,
		Alerter:      rec,
		Events:       rec,
		Metrics:      rec,
	}
	cfg := config.EngineConfig{TournamentTimeout: time.Second, PersistTimeout: time.Second}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	e, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return &harness{engine: e, gen: gen, probe: probe, rec: rec, source: source}
}

func (h *harness) run(t *testing.T) *models.FinalDecision {
	t.Helper()
	d, err := h.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if err := h.engine.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return d
}

func hasWarning(d *models.FinalDecision, substr string) bool {
	for _, w := range d.Warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func buyGen() *fakeGen {
	return &fakeGen{
		analysts: map[string]string{
			"conservative": analyst(recJSON(models.ActionHold, "", 55, 0, 0)),
			"aggressive":   analyst(recJSON(models.ActionBuy, "BTC/USDT", 80, 8, 25)),
		},
		verdict: verdict("aggressive", models.ActionBuy),
	}
}

func TestRunCycle_EntryIsCappedByRiskPolicy(t *testing.T) {
	h := newHarness(t, buyGen())

	d := h.run(t)

	if d.Action != models.ActionBuy || d.Symbol() != "BTC/USDT" {
		t.Fatalf("Expected BUY BTC/USDT, got %s %s (warnings %v)", d.Action, d.Symbol(), d.Warnings)
	}
	// calculator: base 5, no confidence bonus at 80, low volatility
	if d.Leverage() != 5 {
		t.Errorf("Expected leverage 5, got %v", d.Leverage())
	}
	if !hasWarning(d, "leverage reduced from 8.00x to 5.00x") {
		t.Errorf("Expected reduction warning, got %v", d.Warnings)
	}
	if len(d.LeverageReasoning) == 0 {
		t.Error("Expected leverage reasoning")
	}
	if d.CycleID == "" || d.CircuitLevel != "NONE" {
		t.Errorf("Expected cycle id and NONE level, got %q %q", d.CycleID, d.CircuitLevel)
	}

	if len(h.rec.saved) != 1 || h.rec.saved[0] != d {
		t.Errorf("Expected decision persisted once, got %d", len(h.rec.saved))
	}
	if len(h.rec.emitted) != 1 {
		t.Errorf("Expected one decision alert, got %d", len(h.rec.emitted))
	}
	if len(h.rec.collected) != 1 {
		t.Fatalf("Expected one metric, got %d", len(h.rec.collected))
	}
	m, ok := h.rec.collected[0].(*metrics.DecisionMetric)
	if !ok {
		t.Fatalf("Expected DecisionMetric, got %T", h.rec.collected[0])
	}
	if m.AnalystsOK != 2 || m.Action != "BUY" || m.Leverage != 5 {
		t.Errorf("Unexpected metric %+v", m)
	}
}

func TestRunCycle_CooldownHoldsRepeatEntry(t *testing.T) {
	h := newHarness(t, buyGen())

	first := h.run(t)
	if first.Action != models.ActionBuy {
		t.Fatalf("Expected first cycle to BUY, got %s", first.Action)
	}

	second := h.run(t)
	if second.Action != models.ActionHold || second.Recommendation != nil {
		t.Fatalf("Expected HOLD with no recommendation, got %s %+v", second.Action, second.Recommendation)
	}
	if !hasWarning(second, "anti-churn") {
		t.Errorf("Expected anti-churn warning, got %v", second.Warnings)
	}
	if len(h.rec.events) != 1 || h.rec.events[0] != risk.EventGateDenied+":BTC/USDT" {
		t.Errorf("Expected gate denied event, got %v", h.rec.events)
	}
	if len(h.rec.denied) != 1 {
		t.Errorf("Expected one gate alert, got %v", h.rec.denied)
	}
	if len(h.rec.emitted) != 1 {
		t.Errorf("HOLD must not raise a decision alert, got %d alerts", len(h.rec.emitted))
	}
}

func TestRunCycle_YellowCircuitCapsLeverage(t *testing.T) {
	h := newHarness(t, buyGen())
	h.probe.drop = 6

	d := h.run(t)

	if d.Action != models.ActionBuy {
		t.Fatalf("Expected BUY, got %s (%v)", d.Action, d.Warnings)
	}
	if d.Leverage() != 3 {
		t.Errorf("Expected YELLOW cap of 3, got %v", d.Leverage())
	}
	if d.CircuitLevel != "YELLOW" || !hasWarning(d, "circuit breaker YELLOW") {
		t.Errorf("Expected YELLOW warning, got %q %v", d.CircuitLevel, d.Warnings)
	}
}

func TestRunCycle_RedFlattensWithoutAnalysts(t *testing.T) {
	h := newHarness(t, buyGen())
	h.probe.drop = 13
	h.source.cc.Positions = []models.Position{{Symbol: "BTC/USDT", Side: models.DirectionLong, EntryConfidence: 80}}

	d := h.run(t)

	if h.gen.count() != 0 {
		t.Errorf("Expected no model calls under RED, got %d", h.gen.count())
	}
	if d.Action != models.ActionClose || d.Recommendation == nil {
		t.Fatalf("Expected CLOSE, got %s", d.Action)
	}
	if d.Recommendation.Confidence != 100 || d.Leverage() != 0 {
		t.Errorf("Unexpected flatten recommendation %+v", d.Recommendation)
	}
	if d.CircuitLevel != "RED" {
		t.Errorf("Expected RED, got %s", d.CircuitLevel)
	}
}

func TestRunCycle_RedWithoutPositionsHalts(t *testing.T) {
	h := newHarness(t, buyGen())
	h.probe.drop = 20

	d := h.run(t)

	if d.Action != models.ActionHold || !hasWarning(d, "trading halted") {
		t.Errorf("Expected halted HOLD, got %s %v", d.Action, d.Warnings)
	}
}

func TestRunCycle_ClosedMarketHolds(t *testing.T) {
	h := newHarness(t, buyGen(), func(d *Deps, _ *config.EngineConfig) {
		d.Calendar = closedMarket{}
	})

	d := h.run(t)

	if d.Action != models.ActionHold || !hasWarning(d, "market closed until 2025-05-12T13:30:00Z") {
		t.Errorf("Expected closed-market HOLD, got %s %v", d.Action, d.Warnings)
	}
	if h.gen.count() != 0 {
		t.Errorf("Expected no model calls, got %d", h.gen.count())
	}
}

func TestRunCycle_ExitHysteresis(t *testing.T) {
	closeGen := func(confidence float64) *fakeGen {
		return &fakeGen{
			analysts: map[string]string{
				"conservative": analyst(recJSON(models.ActionClose, "BTC/USDT", confidence, 0, 0)),
				"aggressive":   analyst(recJSON(models.ActionHold, "", 50, 0, 0)),
			},
			verdict: verdict("conservative", models.ActionClose),
		}
	}
	position := []models.Position{{Symbol: "BTC/USDT", Side: models.DirectionLong, EntryConfidence: 80}}

	t.Run("below threshold holds", func(t *testing.T) {
		h := newHarness(t, closeGen(90))
		h.source.cc.Positions = position

		d := h.run(t)
		if d.Action != models.ActionHold || !hasWarning(d, "required 96") {
			t.Errorf("Expected hysteresis HOLD, got %s %v", d.Action, d.Warnings)
		}
		if len(h.rec.events) != 1 || h.rec.events[0] != risk.EventHysteresisBlocked+":BTC/USDT" {
			t.Errorf("Expected hysteresis event, got %v", h.rec.events)
		}
	})

	t.Run("above threshold closes", func(t *testing.T) {
		h := newHarness(t, closeGen(97))
		h.source.cc.Positions = position

		d := h.run(t)
		if d.Action != models.ActionClose || d.Leverage() != 0 {
			t.Errorf("Expected CLOSE with zero leverage, got %s %v", d.Action, d.Leverage())
		}
	})

	t.Run("no position holds", func(t *testing.T) {
		h := newHarness(t, closeGen(99))

		d := h.run(t)
		if d.Action != models.ActionHold || !hasWarning(d, "no open position") {
			t.Errorf("Expected HOLD, got %s %v", d.Action, d.Warnings)
		}
	})
}

type stuckTournament struct {
	cancelled chan struct{}
}

func (s *stuckTournament) Run(ctx context.Context, _ *models.CycleContext, _ map[string]*models.AnalystOutput) (*models.TournamentResult, error) {
	<-ctx.Done()
	close(s.cancelled)
	return nil, ctx.Err()
}

func TestRunCycle_TournamentTimeoutIsSkipped(t *testing.T) {
	stuck := &stuckTournament{cancelled: make(chan struct{})}
	h := newHarness(t, buyGen(), func(d *Deps, cfg *config.EngineConfig) {
		d.Tournament = stuck
		cfg.TournamentTimeout = 20 * time.Millisecond
	})

	d := h.run(t)
	if d.Action != models.ActionBuy {
		t.Errorf("Expected cycle to continue past the tournament, got %s", d.Action)
	}

	select {
	case <-stuck.cancelled:
	case <-time.After(time.Second):
		t.Error("Expected tournament context to be cancelled")
	}
}

func TestRunCycle_SnapshotFailure(t *testing.T) {
	h := newHarness(t, buyGen())
	h.source.err = errors.New("exchange down")

	if _, err := h.engine.RunCycle(context.Background()); err == nil {
		t.Fatal("Expected snapshot error")
	}
	if h.gen.count() != 0 {
		t.Errorf("Expected no model calls, got %d", h.gen.count())
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(config.EngineConfig{}, Deps{}); err == nil {
		t.Error("Expected error for empty deps")
	}
}

func TestCircuitMonitor_RecordsReading(t *testing.T) {
	h := newHarness(t, buyGen())
	h.probe.drop = 9

	monitor := NewCircuitMonitor(h.engine.Circuit, h.rec)
	if err := monitor.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(h.rec.collected) != 1 {
		t.Fatalf("Expected one metric, got %d", len(h.rec.collected))
	}
	m := h.rec.collected[0].(*metrics.CircuitMetric)
	if m.Level != "ORANGE" || m.ReferenceDropPct != 9 || m.LatencyMs != 150 {
		t.Errorf("Unexpected circuit metric %+v", m)
	}
}
