package models

import (
	"math"
	"time"
)

// Action is a trade instruction verb
type Action string

const (
	ActionBuy    Action = "BUY"
	ActionSell   Action = "SELL"
	ActionHold   Action = "HOLD"
	ActionClose  Action = "CLOSE"
	ActionReduce Action = "REDUCE"
)

// Actions lists every valid action, in schema enum order
var Actions = []Action{ActionBuy, ActionSell, ActionHold, ActionClose, ActionReduce}

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	for _, v := range Actions {
		if a == v {
			return true
		}
	}
	return false
}

// IsEntry reports whether a opens or adds to a position
func (a Action) IsEntry() bool {
	return a == ActionBuy || a == ActionSell
}

// IsExit reports whether a closes or shrinks a position
func (a Action) IsExit() bool {
	return a == ActionClose || a == ActionReduce
}

// Direction maps an entry action to its position side
func (a Action) Direction() (Direction, bool) {
	switch a {
	case ActionBuy:
		return DirectionLong, true
	case ActionSell:
		return DirectionShort, true
	}
	return "", false
}

// NoWinner is the verdict winner when no analyst is chosen
const NoWinner = "NONE"

// Recommendation is one analyst's proposed trade
type Recommendation struct {
	Action     Action   `json:"action"`
	Symbol     *string  `json:"symbol"`
	Allocation float64  `json:"allocation"` // percent of equity
	Leverage   float64  `json:"leverage"`
	TakeProfit *float64 `json:"take_profit"`
	StopLoss   *float64 `json:"stop_loss"`
	ExitPlan   string   `json:"exit_plan"`
	Confidence float64  `json:"confidence"` // 0-100
	Rationale  string   `json:"rationale"`
}

// Clone returns a deep copy
func (r *Recommendation) Clone() *Recommendation {
	if r == nil {
		return nil
	}
	c := *r
	c.Symbol = clonePtr(r.Symbol)
	c.TakeProfit = clonePtr(r.TakeProfit)
	c.StopLoss = clonePtr(r.StopLoss)
	return &c
}

// SymbolOr returns the symbol or def when unset
func (r *Recommendation) SymbolOr(def string) string {
	if r == nil || r.Symbol == nil || *r.Symbol == "" {
		return def
	}
	return *r.Symbol
}

// AnalystOutput is the validated output of one analyst for one cycle
type AnalystOutput struct {
	Reasoning      string             `json:"reasoning"`
	Recommendation *Recommendation    `json:"recommendation"`
	Scores         map[string]float64 `json:"scores,omitempty"`
}

// Adjustments are the judge's partial overrides of the winner's recommendation.
// Nil fields are left untouched.
type Adjustments struct {
	Leverage   *float64 `json:"leverage"`
	Allocation *float64 `json:"allocation"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
}

// Empty reports whether no field is overridden
func (a *Adjustments) Empty() bool {
	return a == nil || (a.Leverage == nil && a.Allocation == nil && a.StopLoss == nil && a.TakeProfit == nil)
}

// Verdict is the judge's resolution of competing recommendations
type Verdict struct {
	Winner              string          `json:"winner"`
	Reasoning           string          `json:"reasoning"`
	Adjustments         *Adjustments    `json:"adjustments"`
	Warnings            []string        `json:"warnings"`
	FinalAction         Action          `json:"final_action"`
	FinalRecommendation *Recommendation `json:"final_recommendation"`
}

// FinalDecision is handed to the execution layer, one per cycle
type FinalDecision struct {
	ID                string          `json:"id" db:"id"`
	CycleID           string          `json:"cycle_id" db:"cycle_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	Winner            string          `json:"winner" db:"winner"`
	Action            Action          `json:"action" db:"action"`
	Recommendation    *Recommendation `json:"recommendation,omitempty"`
	Reasoning         string          `json:"reasoning" db:"reasoning"`
	Warnings          []string        `json:"warnings"`
	CircuitLevel      string          `json:"circuit_level" db:"circuit_level"`
	LeverageReasoning []string        `json:"leverage_reasoning,omitempty"`
}

// Symbol returns the decision's symbol, or empty for portfolio-wide decisions
func (d *FinalDecision) Symbol() string {
	return d.Recommendation.SymbolOr("")
}

// Leverage returns the decision's leverage, zero when there is no recommendation
func (d *FinalDecision) Leverage() float64 {
	if d.Recommendation == nil {
		return 0
	}
	return d.Recommendation.Leverage
}

// IsFinite reports whether v is neither NaN nor infinite
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}
