package agents

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/internal/adapters/ai"
	"github.com/selivandex/decision-engine/internal/adapters/config"
	"github.com/selivandex/decision-engine/pkg/errs"
	"github.com/selivandex/decision-engine/pkg/logger"
	"github.com/selivandex/decision-engine/pkg/models"
)

// Judge arbitrates between analyst outputs and assembles the final decision
type Judge struct {
	gen     ai.Generator
	backoff Backoff

	callTimeout      time.Duration
	maxWarnings      int
	absMaxLeverage   float64
	highRiskLeverage float64
	temperature      float64
	maxTokens        int

	now   func() time.Time
	newID func() string
}

// JudgeOption customizes a Judge
type JudgeOption func(*Judge)

// WithJudgeClock overrides the decision timestamp source
func WithJudgeClock(now func() time.Time) JudgeOption {
	return func(j *Judge) { j.now = now }
}

// WithJudgeSleep replaces the retry wait, for tests
func WithJudgeSleep(sleep func(ctx context.Context, d time.Duration) error) JudgeOption {
	return func(j *Judge) { j.backoff.Sleep = sleep }
}

// NewJudge creates new judge
func NewJudge(gen ai.Generator, cfg config.JudgeConfig, opts ...JudgeOption) (*Judge, error) {
	if gen == nil {
		return nil, errs.Config("judge.generator", "generator is required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, errs.Config("JUDGE_MAX_ATTEMPTS", "must be at least 1")
	}
	if cfg.MaxWarnings < 1 {
		return nil, errs.Config("JUDGE_MAX_WARNINGS", "must be at least 1")
	}
	if !models.IsFinite(cfg.AbsoluteMaxLeverage) || cfg.AbsoluteMaxLeverage < 1 {
		return nil, errs.Config("JUDGE_ABSOLUTE_MAX_LEVERAGE", "must be finite and at least 1, got %v", cfg.AbsoluteMaxLeverage)
	}
	if !models.IsFinite(cfg.HighRiskLeverage) || cfg.HighRiskLeverage <= 0 {
		return nil, errs.Config("JUDGE_HIGH_RISK_LEVERAGE", "must be finite and positive, got %v", cfg.HighRiskLeverage)
	}
	if cfg.CallTimeout <= 0 {
		return nil, errs.Config("JUDGE_CALL_TIMEOUT", "must be positive")
	}

	j := &Judge{
		gen:              gen,
		backoff:          Backoff{Attempts: cfg.MaxAttempts, Base: cfg.RetryBase},
		callTimeout:      cfg.CallTimeout,
		maxWarnings:      cfg.MaxWarnings,
		absMaxLeverage:   cfg.AbsoluteMaxLeverage,
		highRiskLeverage: cfg.HighRiskLeverage,
		temperature:      cfg.Temperature,
		maxTokens:        cfg.MaxTokens,
		now:              time.Now,
		newID:            newDecisionID,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// MaxLeverage returns the system-wide absolute leverage ceiling
func (j *Judge) MaxLeverage() float64 {
	return j.absMaxLeverage
}

// Arbitrate asks the judge model for a verdict. It never fails: when every
// attempt fails the safe default verdict (NONE, HOLD) is returned.
func (j *Judge) Arbitrate(ctx context.Context, cc *models.CycleContext, outputs *Outputs, tr *models.TournamentResult) *models.Verdict {
	if outputs == nil || len(outputs.ByAnalyst) == 0 {
		return SafeVerdict("no analyst produced a recommendation")
	}

	winners := make(map[string]bool, len(outputs.ByAnalyst))
	for id := range outputs.ByAnalyst {
		winners[id] = true
	}
	schema := VerdictSchema(outputs.Analysts())
	prompt := judgePrompt(cc, outputs.ByAnalyst, outputs.Errors, tr)

	verdict, err := retry(ctx, j.backoff, "judge", func(ctx context.Context, attempt int) (*models.Verdict, error) {
		callCtx, cancel := context.WithTimeout(ctx, j.callTimeout)
		defer cancel()

		req := ai.Request{
			System:      judgeSystemPrompt,
			Prompt:      prompt,
			Schema:      schema,
			Temperature: j.temperature,
			MaxTokens:   j.maxTokens,
			NoCache:     attempt > 1,
			Label:       "judge",
		}
		res, err := j.gen.Generate(callCtx, req)
		if err != nil {
			return nil, err
		}
		verdict, err := DecodeVerdict(res.Text, winners)
		if err != nil {
			ai.Invalidate(ctx, j.gen, req)
			return nil, err
		}
		return verdict, nil
	})
	if err != nil {
		logger.Warn("judge failed, holding",
			zap.String("cycle_id", cc.CycleID),
			zap.Error(err),
		)
		return SafeVerdict(fmt.Sprintf("judge unavailable: %v", err))
	}

	logger.Info("judge verdict",
		zap.String("cycle_id", cc.CycleID),
		zap.String("winner", verdict.Winner),
		zap.String("action", string(verdict.FinalAction)),
	)
	return NormalizeVerdict(verdict)
}

// SafeVerdict is the verdict used when arbitration cannot complete
func SafeVerdict(reason string) *models.Verdict {
	return &models.Verdict{
		Winner:      models.NoWinner,
		Reasoning:   reason,
		Warnings:    []string{reason},
		FinalAction: models.ActionHold,
	}
}

// NormalizeVerdict enforces action-specific verdict rules: exit actions drop
// adjustments and carry zero leverage, HOLD drops adjustments. v is not modified.
func NormalizeVerdict(v *models.Verdict) *models.Verdict {
	if v == nil {
		return SafeVerdict("verdict missing")
	}

	n := *v
	n.Warnings = append([]string(nil), v.Warnings...)
	n.FinalRecommendation = v.FinalRecommendation.Clone()
	if v.Adjustments != nil {
		adj := *v.Adjustments
		n.Adjustments = &adj
	}

	switch {
	case n.FinalAction.IsExit():
		n.Adjustments = nil
		if n.FinalRecommendation != nil {
			n.FinalRecommendation.Leverage = 0
		}
	case n.FinalAction == models.ActionHold:
		n.Adjustments = nil
	}
	return &n
}
