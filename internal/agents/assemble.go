package agents

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/selivandex/decision-engine/pkg/models"
)

const minEntryLeverage = 1

// warnings is an ordered list that silently drops entries once full
type warnings struct {
	items []string
	max   int
}

func (w *warnings) add(format string, args ...any) {
	if len(w.items) >= w.max {
		return
	}
	w.items = append(w.items, fmt.Sprintf(format, args...))
}

func (w *warnings) list() []string {
	if len(w.items) == 0 {
		return []string{}
	}
	return w.items
}

// Assemble merges the verdict with the winning analyst's recommendation and
// enforces the emitted-decision invariants. A malformed entry never leaves as a
// trade: it downgrades to HOLD with a warning.
func (j *Judge) Assemble(outputs map[string]*models.AnalystOutput, v *models.Verdict) *models.FinalDecision {
	v = NormalizeVerdict(v)

	w := &warnings{max: j.maxWarnings}
	for _, msg := range v.Warnings {
		w.add("%s", msg)
	}

	d := &models.FinalDecision{
		ID:        j.newID(),
		CreatedAt: j.now().UTC(),
		Winner:    v.Winner,
		Action:    v.FinalAction,
		Reasoning: v.Reasoning,
	}
	hold := func(winner string, format string, args ...any) *models.FinalDecision {
		if format != "" {
			w.add(format, args...)
		}
		d.Winner = winner
		d.Action = models.ActionHold
		d.Recommendation = nil
		d.Warnings = w.list()
		return d
	}

	if v.FinalAction == models.ActionHold {
		return hold(v.Winner, "")
	}

	rec, ok := j.resolve(outputs, v)
	if !ok {
		if v.Winner != models.NoWinner {
			return hold(models.NoWinner, "winner output missing for %s", v.Winner)
		}
		return hold(models.NoWinner, "no winner and no final recommendation for %s", v.FinalAction)
	}
	rec.Action = v.FinalAction

	if v.FinalAction.IsExit() {
		if rec.Leverage != 0 {
			w.add("discarded leverage %v on %s", rec.Leverage, rec.Action)
		}
		rec.Leverage = 0
		rec.StopLoss = nil
		rec.TakeProfit = nil
		if !models.IsFinite(rec.Allocation) || rec.Allocation < 0 {
			w.add("invalid allocation %v on %s reset to 0", rec.Allocation, rec.Action)
			rec.Allocation = 0
		}
		d.Recommendation = rec
		d.Warnings = w.list()
		return d
	}

	// entry
	applyAdjustments(rec, v.Adjustments)

	if rec.SymbolOr("") == "" {
		return hold(v.Winner, "%s without a symbol, holding", rec.Action)
	}
	if !models.IsFinite(rec.Leverage) || rec.Leverage <= 0 {
		return hold(v.Winner, "invalid leverage %v on %s %s, holding", rec.Leverage, rec.Action, rec.SymbolOr(""))
	}
	if !models.IsFinite(rec.Allocation) || rec.Allocation <= 0 {
		return hold(v.Winner, "invalid allocation %v on %s %s, holding", rec.Allocation, rec.Action, rec.SymbolOr(""))
	}
	if rec.Allocation > 100 {
		w.add("allocation %.1f%% capped at 100%%", rec.Allocation)
		rec.Allocation = 100
	}

	switch {
	case rec.Leverage > j.absMaxLeverage:
		w.add("leverage %.2fx clamped to system maximum %.0fx", rec.Leverage, j.absMaxLeverage)
		rec.Leverage = j.absMaxLeverage
	case rec.Leverage < minEntryLeverage:
		w.add("leverage %.2fx raised to %dx", rec.Leverage, minEntryLeverage)
		rec.Leverage = minEntryLeverage
	}
	if rec.Leverage >= j.highRiskLeverage {
		w.add("high leverage %.0fx: liquidation roughly %.1f%% away, keep a wide safety margin", rec.Leverage, 100/rec.Leverage)
	}

	d.Recommendation = rec
	d.Warnings = w.list()
	return d
}

// Warn appends a warning to an assembled decision, honouring the warning cap
func (j *Judge) Warn(d *models.FinalDecision, format string, args ...any) {
	w := &warnings{items: d.Warnings, max: j.maxWarnings}
	w.add(format, args...)
	d.Warnings = w.list()
}

// Hold downgrades an assembled decision to HOLD with a warning
func (j *Judge) Hold(d *models.FinalDecision, format string, args ...any) {
	j.Warn(d, format, args...)
	d.Action = models.ActionHold
	d.Recommendation = nil
	d.LeverageReasoning = nil
}

// resolve picks the base recommendation: the named winner's, or the judge's own
// when no analyst won. The result is a copy.
func (j *Judge) resolve(outputs map[string]*models.AnalystOutput, v *models.Verdict) (*models.Recommendation, bool) {
	if v.Winner == models.NoWinner || v.Winner == "" {
		if v.FinalRecommendation == nil {
			return nil, false
		}
		return v.FinalRecommendation.Clone(), true
	}

	out, ok := outputs[v.Winner]
	if !ok || out == nil || out.Recommendation == nil {
		return nil, false
	}
	rec := out.Recommendation.Clone()
	if rec.SymbolOr("") == "" && v.FinalRecommendation != nil {
		rec.Symbol = models.Ptr(v.FinalRecommendation.SymbolOr(""))
	}
	return rec, true
}

// applyAdjustments overrides only the fields the judge set
func applyAdjustments(rec *models.Recommendation, adj *models.Adjustments) {
	if adj.Empty() {
		return
	}
	if adj.Leverage != nil {
		rec.Leverage = *adj.Leverage
	}
	if adj.Allocation != nil {
		rec.Allocation = *adj.Allocation
	}
	if adj.StopLoss != nil {
		rec.StopLoss = models.Ptr(*adj.StopLoss)
	}
	if adj.TakeProfit != nil {
		rec.TakeProfit = models.Ptr(*adj.TakeProfit)
	}
}

func newDecisionID() string {
	return uuid.NewString()
}
