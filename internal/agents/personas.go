package agents

import (
	"fmt"
	"strings"
)

// Persona is one analyst identity. Analysts differ only by persona; all of them
// read the same cycle context.
type Persona struct {
	ID          string
	Name        string
	Description string

	// Stance limits stated to the model. The judge and the risk gates enforce
	// the real limits.
	MaxLeverage       float64
	MaxAllocation     float64
	StopLossPercent   float64
	TakeProfitPercent float64
	MinConfidence     float64
}

// PresetPersonas provides the built-in analyst roster, keyed by id
var PresetPersonas = map[string]func() Persona{
	"conservative": NewConservativePersona,
	"aggressive":   NewAggressivePersona,
	"balanced":     NewBalancedPersona,
	"swing":        NewSwingPersona,
	"scalper":      NewScalperPersona,
	"contrarian":   NewContrarianPersona,
}

// NewConservativePersona creates a technical trader focused on capital preservation
func NewConservativePersona() Persona {
	return Persona{
		ID:                "conservative",
		Name:              "Technical Tom",
		Description:       "Conservative trader focusing on strong technical signals with tight risk management",
		MaxLeverage:       2,
		MaxAllocation:     20,
		StopLossPercent:   1.5,
		TakeProfitPercent: 3,
		MinConfidence:     80,
	}
}

// NewAggressivePersona creates a high risk/reward trader
func NewAggressivePersona() Persona {
	return Persona{
		ID:                "aggressive",
		Name:              "Aggressive Alpha",
		Description:       "Aggressive trader seeking high returns with larger positions and higher leverage",
		MaxLeverage:       5,
		MaxAllocation:     50,
		StopLossPercent:   3,
		TakeProfitPercent: 8,
		MinConfidence:     60,
	}
}

// NewBalancedPersona creates a trader weighing all signals equally
func NewBalancedPersona() Persona {
	return Persona{
		ID:                "balanced",
		Name:              "Balanced Betty",
		Description:       "Balanced trader weighing all signal types equally for well-rounded decisions",
		MaxLeverage:       3,
		MaxAllocation:     30,
		StopLossPercent:   2,
		TakeProfitPercent: 5,
		MinConfidence:     70,
	}
}

// NewSwingPersona creates a medium-term trend follower
func NewSwingPersona() Persona {
	return Persona{
		ID:                "swing",
		Name:              "Swing Sally",
		Description:       "Swing trader capturing medium-term trends with wider stops and targets",
		MaxLeverage:       3,
		MaxAllocation:     35,
		StopLossPercent:   4,
		TakeProfitPercent: 12,
		MinConfidence:     70,
	}
}

// NewScalperPersona creates a short-horizon trader
func NewScalperPersona() Persona {
	return Persona{
		ID:                "scalper",
		Name:              "Scalper Sam",
		Description:       "Short-horizon scalper targeting small quick profits with tight stops",
		MaxLeverage:       5,
		MaxAllocation:     25,
		StopLossPercent:   0.8,
		TakeProfitPercent: 1.5,
		MinConfidence:     65,
	}
}

// NewContrarianPersona creates a mean-reversion trader that fades crowd sentiment
func NewContrarianPersona() Persona {
	return Persona{
		ID:                "contrarian",
		Name:              "Contrarian Carl",
		Description:       "Contrarian trader going against crowd positioning for mean-reversion plays",
		MaxLeverage:       3,
		MaxAllocation:     25,
		StopLossPercent:   2,
		TakeProfitPercent: 7,
		MinConfidence:     75,
	}
}

// PersonasFor resolves a roster of ids against the presets, preserving order
func PersonasFor(roster []string) ([]Persona, error) {
	personas := make([]Persona, 0, len(roster))
	seen := make(map[string]bool, len(roster))
	for _, raw := range roster {
		id := strings.ToLower(strings.TrimSpace(raw))
		if id == "" {
			continue
		}
		ctor, ok := PresetPersonas[id]
		if !ok {
			return nil, fmt.Errorf("unknown analyst persona %q", raw)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate analyst persona %q", id)
		}
		seen[id] = true
		personas = append(personas, ctor())
	}
	if len(personas) == 0 {
		return nil, fmt.Errorf("analyst roster is empty")
	}
	return personas, nil
}

// SystemPrompt returns the system message that sets the analyst's stance
func (p Persona) SystemPrompt() string {
	return fmt.Sprintf(`You are %s (%s), a cryptocurrency futures analyst.
%s.

Stance:
- Only recommend an entry at %.0f+ confidence
- Leverage up to %.0fx, allocation up to %.0f%% of equity
- Typical stop loss %.1f%%, take profit %.1f%%
- HOLD is always acceptable; CLOSE or REDUCE an open position when the thesis is broken

Answer with JSON only.`,
		p.Name, p.ID, p.Description,
		p.MinConfidence, p.MaxLeverage, p.MaxAllocation,
		p.StopLossPercent, p.TakeProfitPercent,
	)
}
