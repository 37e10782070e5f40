package models

import "time"

// SymbolSignals are the per-symbol technical inputs supplied by the market-data pipeline
type SymbolSignals struct {
	Symbol        string          `json:"symbol"`
	Price         float64         `json:"price"`
	ATRPercent    float64         `json:"atr_percent"`
	FundingRate   float64         `json:"funding_rate"`
	TrendStrength *float64        `json:"trend_strength,omitempty"`
	Volatility    string          `json:"volatility,omitempty"`
	Flags         map[string]bool `json:"flags,omitempty"`
}

// CycleContext is the shared input of one analysis cycle
type CycleContext struct {
	CycleID   string    `json:"cycle_id"`
	Timestamp time.Time `json:"timestamp"`
	// Document is the serialized market and account snapshot given to every analyst
	Document  string                   `json:"document"`
	Signals   map[string]SymbolSignals `json:"signals"`
	Positions []Position               `json:"positions"`
	// Weights are historical analyst performance weights, keyed by analyst id
	Weights map[string]float64 `json:"weights,omitempty"`
}

// Signal returns the signals for symbol
func (c *CycleContext) Signal(symbol string) (SymbolSignals, bool) {
	if c == nil || c.Signals == nil {
		return SymbolSignals{}, false
	}
	s, ok := c.Signals[symbol]
	return s, ok
}

// Position returns the open position for symbol
func (c *CycleContext) Position(symbol string) (Position, bool) {
	if c == nil {
		return Position{}, false
	}
	for _, p := range c.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}

// TournamentResult is the outcome of the optional debate phase
type TournamentResult struct {
	Ranking []string           `json:"ranking"`
	Scores  map[string]float64 `json:"scores,omitempty"`
	Summary string             `json:"summary"`
}
