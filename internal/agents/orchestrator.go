package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/internal/adapters/ai"
	"github.com/selivandex/decision-engine/internal/adapters/config"
	"github.com/selivandex/decision-engine/pkg/errs"
	"github.com/selivandex/decision-engine/pkg/logger"
	"github.com/selivandex/decision-engine/pkg/models"
)

// Strategy selects how analyst outputs are requested
type Strategy string

const (
	// StrategyParallel issues one call per analyst
	StrategyParallel Strategy = "parallel"
	// StrategyCombined issues one call for all analysts and retries only the gaps individually
	StrategyCombined Strategy = "combined"
)

// AnalystError records an analyst that produced no usable output this cycle
type AnalystError struct {
	Analyst string
	Err     error
}

func (e AnalystError) Error() string {
	return fmt.Sprintf("analyst %s: %v", e.Analyst, e.Err)
}

func (e AnalystError) Unwrap() error { return e.Err }

// Outputs are the results of one analyst phase
type Outputs struct {
	ByAnalyst map[string]*models.AnalystOutput
	Errors    []AnalystError
}

// Analysts returns the ids that produced output, sorted
func (o *Outputs) Analysts() []string {
	return sortedKeys(o.ByAnalyst)
}

// Orchestrator fans a cycle context out to the analyst roster
type Orchestrator struct {
	gen      ai.Generator
	personas []Persona
	strategy Strategy
	backoff  Backoff

	callTimeout     time.Duration
	fallbackTimeout time.Duration
	temperature     float64
	maxTokens       int
}

// NewOrchestrator creates new analyst orchestrator
func NewOrchestrator(gen ai.Generator, cfg config.AnalystsConfig, personas []Persona, opts ...func(*Orchestrator)) (*Orchestrator, error) {
	if gen == nil {
		return nil, errs.Config("analysts.generator", "generator is required")
	}
	if len(personas) == 0 {
		return nil, errs.Config("ANALYSTS_ROSTER", "at least one analyst is required")
	}
	seen := make(map[string]bool, len(personas))
	for _, p := range personas {
		if p.ID == "" || seen[p.ID] {
			return nil, errs.Config("ANALYSTS_ROSTER", "analyst ids must be unique and non-empty")
		}
		seen[p.ID] = true
	}

	strategy := Strategy(cfg.Strategy)
	if strategy != StrategyParallel && strategy != StrategyCombined {
		return nil, errs.Config("ANALYSTS_STRATEGY", "unknown strategy %q", cfg.Strategy)
	}
	if cfg.MaxAttempts < 1 {
		return nil, errs.Config("ANALYSTS_MAX_ATTEMPTS", "must be at least 1")
	}
	if cfg.CallTimeout <= 0 || cfg.FallbackTimeout <= 0 {
		return nil, errs.Config("ANALYSTS_CALL_TIMEOUT", "timeouts must be positive")
	}

	o := &Orchestrator{
		gen:             gen,
		personas:        personas,
		strategy:        strategy,
		backoff:         Backoff{Attempts: cfg.MaxAttempts, Base: cfg.RetryBase},
		callTimeout:     cfg.CallTimeout,
		fallbackTimeout: cfg.FallbackTimeout,
		temperature:     cfg.Temperature,
		maxTokens:       cfg.MaxTokens,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// WithBackoffSleep replaces the retry wait, for tests
func WithBackoffSleep(sleep func(ctx context.Context, d time.Duration) error) func(*Orchestrator) {
	return func(o *Orchestrator) { o.backoff.Sleep = sleep }
}

// Personas returns the analyst roster
func (o *Orchestrator) Personas() []Persona {
	return o.personas
}

// Run collects every analyst's output. It never fails: analysts that could not
// produce a valid output are listed in Errors.
func (o *Orchestrator) Run(ctx context.Context, cc *models.CycleContext) *Outputs {
	start := time.Now()

	var out *Outputs
	switch o.strategy {
	case StrategyCombined:
		out = o.runCombined(ctx, cc)
	default:
		out = o.runParallel(ctx, cc, o.personas, nil)
	}

	logger.Info("analyst phase complete",
		zap.String("cycle_id", cc.CycleID),
		zap.String("strategy", string(o.strategy)),
		zap.Int("succeeded", len(out.ByAnalyst)),
		zap.Int("failed", len(out.Errors)),
		zap.Duration("duration", time.Since(start)),
	)
	return out
}

// runParallel settles every analyst independently. When detached is non-nil each
// analyst runs under its own timeout derived from it instead of ctx.
func (o *Orchestrator) runParallel(ctx context.Context, cc *models.CycleContext, personas []Persona, detached *time.Duration) *Outputs {
	var wg sync.WaitGroup
	outputs := make([]*models.AnalystOutput, len(personas))
	failures := make([]error, len(personas))

	for i, p := range personas {
		wg.Add(1)
		go func(i int, p Persona) {
			defer wg.Done()

			runCtx := ctx
			if detached != nil {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), *detached)
				defer cancel()
			}
			outputs[i], failures[i] = o.analyze(runCtx, cc, p)
		}(i, p)
	}
	wg.Wait()

	out := &Outputs{ByAnalyst: make(map[string]*models.AnalystOutput, len(personas))}
	for i, p := range personas {
		if failures[i] != nil {
			logger.Warn("analyst failed",
				zap.String("analyst", p.ID),
				zap.String("cycle_id", cc.CycleID),
				zap.Error(failures[i]),
			)
			out.Errors = append(out.Errors, AnalystError{Analyst: p.ID, Err: failures[i]})
			continue
		}
		out.ByAnalyst[p.ID] = outputs[i]
	}
	return out
}

func (o *Orchestrator) analyze(ctx context.Context, cc *models.CycleContext, p Persona) (*models.AnalystOutput, error) {
	return retry(ctx, o.backoff, "analyst:"+p.ID, func(ctx context.Context, attempt int) (*models.AnalystOutput, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
		defer cancel()

		req := ai.Request{
			System:      p.SystemPrompt(),
			Prompt:      analystPrompt(cc),
			Schema:      AnalystSchema(),
			Temperature: o.temperature,
			MaxTokens:   o.maxTokens,
			// a cached answer already failed validation once
			NoCache: attempt > 1,
			Label:   "analyst:" + p.ID,
		}
		res, err := o.gen.Generate(callCtx, req)
		if err != nil {
			return nil, err
		}
		analysis, err := DecodeAnalystOutput(res.Text)
		if err != nil {
			ai.Invalidate(ctx, o.gen, req)
			return nil, err
		}
		return analysis, nil
	})
}

// runCombined asks for every analyst in one call, then retries the analysts whose
// sub-output is missing or invalid one by one under the fallback timeout.
func (o *Orchestrator) runCombined(ctx context.Context, cc *models.CycleContext) *Outputs {
	out := &Outputs{ByAnalyst: make(map[string]*models.AnalystOutput, len(o.personas))}
	missing := o.personas

	req := ai.Request{
		System:      "You coordinate a panel of independent cryptocurrency futures analysts. Answer with JSON only.",
		Prompt:      combinedPrompt(cc, o.personas),
		Schema:      CombinedSchema(o.personas),
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens * len(o.personas),
		Label:       "analysts:combined",
	}
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	res, err := o.gen.Generate(callCtx, req)
	cancel()

	if err != nil {
		logger.Warn("combined analyst call failed, falling back to individual calls",
			zap.String("cycle_id", cc.CycleID),
			zap.Error(err),
		)
	} else {
		missing = nil
		parsed := gjson.Parse(res.Text)
		for _, p := range o.personas {
			node := parsed.Get(gjson.Escape(p.ID))
			if !node.Exists() || node.Type == gjson.Null {
				logger.Debug("combined output missing analyst", zap.String("analyst", p.ID))
				missing = append(missing, p)
				continue
			}
			analysis, err := DecodeAnalystOutput(node.Raw)
			if err != nil {
				logger.Warn("combined output invalid for analyst",
					zap.String("analyst", p.ID),
					zap.Error(err),
				)
				missing = append(missing, p)
				continue
			}
			out.ByAnalyst[p.ID] = analysis
		}
		// An incomplete answer would be served again from cache next cycle.
		if len(missing) > 0 {
			ai.Invalidate(ctx, o.gen, req)
		}
	}

	if len(missing) == 0 {
		return out
	}

	fallback := o.runParallel(ctx, cc, missing, &o.fallbackTimeout)
	for id, analysis := range fallback.ByAnalyst {
		out.ByAnalyst[id] = analysis
	}
	out.Errors = append(out.Errors, fallback.Errors...)
	return out
}
