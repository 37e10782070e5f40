package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/selivandex/decision-engine/internal/adapters/config"
	"github.com/selivandex/decision-engine/pkg/errs"
	"github.com/selivandex/decision-engine/pkg/models"
)

// Volatility is a coarse volatility class
type Volatility string

const (
	VolatilityLow    Volatility = "low"
	VolatilityMedium Volatility = "medium"
	VolatilityHigh   Volatility = "high"
)

const (
	lowVolatilityATR    = 2.5
	mediumVolatilityATR = 5.0
	extremeATR          = 8.0
	severeATR           = 15.0
	strongTrend         = 80.0

	defaultConfidence = 50.0
	defaultATRPercent = 3.0
)

// ClassifyVolatility buckets an ATR percentage
func ClassifyVolatility(atrPercent float64) Volatility {
	switch {
	case atrPercent < lowVolatilityATR:
		return VolatilityLow
	case atrPercent < mediumVolatilityATR:
		return VolatilityMedium
	default:
		return VolatilityHigh
	}
}

// LeverageInput are the calculator inputs. Zero Volatility means classify from ATR.
type LeverageInput struct {
	Confidence     float64
	ATRPercent     float64
	FundingRate    float64
	AgainstFunding bool
	TrendStrength  *float64
	Volatility     Volatility
}

// LeverageResult is a recommended leverage with the adjustments that produced it
type LeverageResult struct {
	Leverage  int      `json:"leverage"`
	Reasoning []string `json:"reasoning"`
}

// LeverageCalculator recommends leverage from confidence, volatility and funding
type LeverageCalculator struct {
	base                   int
	min                    int
	max                    int
	highAdverseFunding     float64
	moderateAdverseFunding float64
	maintenanceMarginRate  float64
}

// NewLeverageCalculator creates new leverage calculator
func NewLeverageCalculator(cfg *config.RiskConfig) (*LeverageCalculator, error) {
	if cfg.LeverageMin < 1 || cfg.LeverageMin > cfg.LeverageMax {
		return nil, errs.Config("RISK_LEVERAGE_MIN", "leverage band [%d,%d] is invalid", cfg.LeverageMin, cfg.LeverageMax)
	}
	if cfg.LeverageBase < 1 {
		return nil, errs.Config("RISK_LEVERAGE_BASE", "must be at least 1, got %d", cfg.LeverageBase)
	}
	if !isFinite(cfg.HighAdverseFunding) || !isFinite(cfg.ModerateAdverseFunding) ||
		cfg.ModerateAdverseFunding <= 0 || cfg.ModerateAdverseFunding > cfg.HighAdverseFunding {
		return nil, errs.Config("RISK_ADVERSE_FUNDING", "need 0 < moderate <= high")
	}
	if !isFinite(cfg.MaintenanceMarginRate) || cfg.MaintenanceMarginRate < 0 || cfg.MaintenanceMarginRate >= 1 {
		return nil, errs.Config("RISK_MAINTENANCE_MARGIN_RATE", "must be in [0,1), got %v", cfg.MaintenanceMarginRate)
	}

	return &LeverageCalculator{
		base:                   cfg.LeverageBase,
		min:                    cfg.LeverageMin,
		max:                    cfg.LeverageMax,
		highAdverseFunding:     cfg.HighAdverseFunding,
		moderateAdverseFunding: cfg.ModerateAdverseFunding,
		maintenanceMarginRate:  cfg.MaintenanceMarginRate,
	}, nil
}

// Min returns the lower bound of the leverage band
func (c *LeverageCalculator) Min() int { return c.min }

// Max returns the upper bound of the leverage band
func (c *LeverageCalculator) Max() int { return c.max }

// Calculate recommends leverage. Invalid inputs are replaced with defaults, so the
// result is always a finite value inside the band.
func (c *LeverageCalculator) Calculate(in LeverageInput) LeverageResult {
	confidence := clamp(finiteOr(in.Confidence, defaultConfidence), 0, 100)
	atr := finiteOr(in.ATRPercent, defaultATRPercent)
	if atr < 0 {
		atr = defaultATRPercent
	}
	funding := finiteOr(in.FundingRate, 0)

	lev := float64(c.base)
	reasoning := []string{fmt.Sprintf("base leverage %dx", c.base)}
	adjust := func(delta float64, format string, args ...any) {
		lev += delta
		reasoning = append(reasoning, fmt.Sprintf("%+.0f: ", delta)+fmt.Sprintf(format, args...))
	}

	switch {
	case confidence >= 95:
		adjust(2, "very high confidence (%.0f)", confidence)
	case confidence >= 85:
		adjust(1, "high confidence (%.0f)", confidence)
	case confidence < 60:
		adjust(-1, "low confidence (%.0f)", confidence)
	}

	vol := in.Volatility
	if vol != VolatilityLow && vol != VolatilityMedium && vol != VolatilityHigh {
		vol = ClassifyVolatility(atr)
	}
	switch vol {
	case VolatilityHigh:
		adjust(-2, "high volatility (ATR %.2f%%)", atr)
	case VolatilityMedium:
		adjust(-1, "medium volatility (ATR %.2f%%)", atr)
	}
	if atr > extremeATR {
		adjust(-1, "extreme ATR above %.0f%%", extremeATR)
	}
	if atr > severeATR {
		adjust(-1, "severe ATR above %.0f%%", severeATR)
	}

	if in.AgainstFunding {
		switch rate := abs(funding); {
		case rate > c.highAdverseFunding:
			adjust(-2, "high adverse funding (%.4f%%)", funding*100)
		case rate > c.moderateAdverseFunding:
			adjust(-1, "moderate adverse funding (%.4f%%)", funding*100)
		}
	}

	if in.TrendStrength != nil && isFinite(*in.TrendStrength) && *in.TrendStrength > strongTrend {
		adjust(1, "strong trend (%.0f)", *in.TrendStrength)
	}

	rounded := int(math.Round(lev))
	final := rounded
	if final < c.min {
		final = c.min
	}
	if final > c.max {
		final = c.max
	}
	if final != rounded {
		reasoning = append(reasoning, fmt.Sprintf("clamped from %dx to %dx (band %d-%dx)", rounded, final, c.min, c.max))
	}

	return LeverageResult{Leverage: final, Reasoning: reasoning}
}

// Margin returns the margin needed to carry notional at leverage
func (c *LeverageCalculator) Margin(notional decimal.Decimal, leverage float64) decimal.Decimal {
	return notional.Div(decimal.NewFromFloat(c.safeLeverage(leverage)))
}

// Notional returns the position size margin buys at leverage
func (c *LeverageCalculator) Notional(margin decimal.Decimal, leverage float64) decimal.Decimal {
	return margin.Mul(decimal.NewFromFloat(c.safeLeverage(leverage)))
}

// LiquidationPrice estimates the isolated-margin liquidation price
func (c *LeverageCalculator) LiquidationPrice(entry float64, leverage float64, side models.Direction) float64 {
	lev := c.safeLeverage(leverage)
	if side == models.DirectionShort {
		return entry * (1 + 1/lev - c.maintenanceMarginRate)
	}
	return entry * (1 - 1/lev + c.maintenanceMarginRate)
}

// SafeDistance is the percent move that keeps a position at half its liquidation distance
func (c *LeverageCalculator) SafeDistance(leverage float64) float64 {
	return 100 / c.safeLeverage(leverage) * 0.5
}

func (c *LeverageCalculator) safeLeverage(leverage float64) float64 {
	if !isFinite(leverage) || leverage <= 0 {
		return float64(c.min)
	}
	return leverage
}
