package agents

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/selivandex/decision-engine/internal/adapters/ai"
	"github.com/selivandex/decision-engine/internal/adapters/config"
	"github.com/selivandex/decision-engine/pkg/models"
)

// scriptedGen answers by request label; respond receives the 1-based call count
// for that label.
type scriptedGen struct {
	mu          sync.Mutex
	calls       map[string]int
	reqs        []ai.Request
	invalidated map[string]int
	respond     func(ctx context.Context, req ai.Request, call int) (string, error)
}

func newScriptedGen(respond func(ctx context.Context, req ai.Request, call int) (string, error)) *scriptedGen {
	return &scriptedGen{calls: make(map[string]int), invalidated: make(map[string]int), respond: respond}
}

func (g *scriptedGen) Generate(ctx context.Context, req ai.Request) (*ai.Result, error) {
	g.mu.Lock()
	g.calls[req.Label]++
	n := g.calls[req.Label]
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()

	text, err := g.respond(ctx, req, n)
	if err != nil {
		return nil, err
	}
	return &ai.Result{Text: text, Provider: "fake", FinishReason: "stop"}, nil
}

func (g *scriptedGen) Invalidate(_ context.Context, req ai.Request) {
	g.mu.Lock()
	g.invalidated[req.Label]++
	g.mu.Unlock()
}

func (g *scriptedGen) invalidations(label string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.invalidated[label]
}

func (g *scriptedGen) count(label string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[label]
}

func (g *scriptedGen) requests(label string) []ai.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []ai.Request
	for _, r := range g.reqs {
		if r.Label == label {
			out = append(out, r)
		}
	}
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testAnalystsConfig(strategy Strategy) config.AnalystsConfig {
	return config.AnalystsConfig{
		Strategy:        string(strategy),
		MaxAttempts:     3,
		RetryBase:       2 * time.Second,
		CallTimeout:     time.Second,
		FallbackTimeout: time.Second,
		Temperature:     0.4,
		MaxTokens:       512,
	}
}

func testJudgeConfig() config.JudgeConfig {
	return config.JudgeConfig{
		MaxAttempts:         3,
		RetryBase:           2 * time.Second,
		CallTimeout:         time.Second,
		MaxWarnings:         10,
		AbsoluteMaxLeverage: 10,
		HighRiskLeverage:    8,
		Temperature:         0.2,
		MaxTokens:           512,
	}
}

func testRoster() []Persona {
	personas, err := PersonasFor([]string{"conservative", "aggressive", "swing", "contrarian"})
	if err != nil {
		panic(err)
	}
	return personas
}

func testCycle() *models.CycleContext {
	return &models.CycleContext{
		CycleID:   "cycle-1",
		Timestamp: time.Date(2025, 5, 10, 10, 0, 0, 0, time.UTC),
		Document:  `{"BTC/USDT":{"price":64000}}`,
		Weights:   map[string]float64{"swing": 1.5},
	}
}

type recFixture struct {
	action     models.Action
	symbol     string
	confidence float64
	leverage   float64
	allocation float64
}

func recommendationJSON(r recFixture) map[string]any {
	var symbol any
	if r.symbol != "" {
		symbol = r.symbol
	}
	return map[string]any{
		"action":      string(r.action),
		"symbol":      symbol,
		"allocation":  r.allocation,
		"leverage":    r.leverage,
		"take_profit": nil,
		"stop_loss":   nil,
		"exit_plan":   "trail below structure",
		"confidence":  r.confidence,
		"rationale":   "test",
	}
}

func analystJSON(r recFixture) string {
	b, _ := json.Marshal(map[string]any{
		"reasoning":      "because",
		"recommendation": recommendationJSON(r),
		"scores":         nil,
	})
	return string(b)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

var buyBTC = recFixture{action: models.ActionBuy, symbol: "BTC/USDT", confidence: 80, leverage: 5, allocation: 20}
