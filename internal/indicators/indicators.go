package indicators

import (
	"fmt"
	"math"

	"github.com/cinar/indicator"

	"github.com/selivandex/decision-engine/internal/risk"
	"github.com/selivandex/decision-engine/pkg/models"
)

// MinCandles is the shortest history Calculate accepts
const MinCandles = 50

const (
	atrPeriod       = 14
	fastEMA         = 20
	slowEMA         = 50
	overboughtRSI   = 70
	oversoldRSI     = 30
	volumeSpike     = 2.0
	levelProximity  = 0.005
	levelLookback   = 20
	trendUp         = "uptrend"
	trendDown       = "downtrend"
	trendSideways   = "sideways"
	trendStrengthNA = -1
)

// Readings are the latest indicator values for one symbol
type Readings struct {
	Price          float64 `json:"price"`
	RSI            float64 `json:"rsi_14"`
	MACD           float64 `json:"macd"`
	MACDSignal     float64 `json:"macd_signal"`
	MACDHistogram  float64 `json:"macd_histogram"`
	BBUpper        float64 `json:"bb_upper"`
	BBMiddle       float64 `json:"bb_middle"`
	BBLower        float64 `json:"bb_lower"`
	ATR            float64 `json:"atr_14"`
	ATRPercent     float64 `json:"atr_percent"`
	EMAFast        float64 `json:"ema_20"`
	EMASlow        float64 `json:"ema_50"`
	Trend          string  `json:"trend"`
	TrendStrength  float64 `json:"trend_strength"` // Aroon spread, 0-100
	VolumeRatio    float64 `json:"volume_ratio"`
	NearSupport    bool    `json:"near_support"`
	NearResistance bool    `json:"near_resistance"`
}

// Calculator calculates technical indicators from candle data
type Calculator struct{}

// NewCalculator creates new indicator calculator
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Calculate computes the latest readings from candles, oldest first
func (c *Calculator) Calculate(candles []models.Candle) (*Readings, error) {
	if len(candles) < MinCandles {
		return nil, fmt.Errorf("insufficient candles for indicators (need at least %d, got %d)", MinCandles, len(candles))
	}

	highs, lows, closes := models.HLC(candles)
	volumes := make([]float64, len(candles))
	for i, candle := range candles {
		volumes[i] = models.ToFloat64(candle.Volume)
	}

	price := closes[len(closes)-1]
	if !models.IsFinite(price) || price <= 0 {
		return nil, fmt.Errorf("invalid last close %v", price)
	}

	_, rsi := indicator.Rsi(closes)
	macdLine, signalLine := indicator.Macd(closes)
	bbMiddle, bbUpper, bbLower := indicator.BollingerBands(closes)
	_, atr := indicator.Atr(atrPeriod, highs, lows, closes)
	emaFast := indicator.Ema(fastEMA, closes)
	emaSlow := indicator.Ema(slowEMA, closes)
	aroonUp, aroonDown := indicator.Aroon(highs, lows)

	r := &Readings{
		Price:         price,
		RSI:           last(rsi),
		MACD:          last(macdLine),
		MACDSignal:    last(signalLine),
		BBUpper:       last(bbUpper),
		BBMiddle:      last(bbMiddle),
		BBLower:       last(bbLower),
		ATR:           last(atr),
		EMAFast:       last(emaFast),
		EMASlow:       last(emaSlow),
		TrendStrength: trendStrengthNA,
	}
	if !models.IsFinite(r.ATR) || r.ATR <= 0 {
		return nil, fmt.Errorf("ATR unavailable (%v)", r.ATR)
	}
	r.MACDHistogram = r.MACD - r.MACDSignal
	r.ATRPercent = r.ATR / price * 100

	switch {
	case price > r.EMAFast && r.EMAFast > r.EMASlow:
		r.Trend = trendUp
	case price < r.EMAFast && r.EMAFast < r.EMASlow:
		r.Trend = trendDown
	default:
		r.Trend = trendSideways
	}
	if len(aroonUp) > 0 && len(aroonDown) > 0 {
		r.TrendStrength = math.Abs(last(aroonUp) - last(aroonDown))
	}

	if avg := average(volumes); avg > 0 {
		r.VolumeRatio = volumes[len(volumes)-1] / avg
	}
	r.NearSupport = nearLevel(lows, price)
	r.NearResistance = nearLevel(highs, price)
	r.Sanitize()

	return r, nil
}

// Signals reduces readings to the per-symbol signals the risk layer consumes
func (c *Calculator) Signals(symbol string, candles []models.Candle, fundingRate float64) (models.SymbolSignals, *Readings, error) {
	r, err := c.Calculate(candles)
	if err != nil {
		return models.SymbolSignals{}, nil, fmt.Errorf("failed to calculate indicators for %s: %w", symbol, err)
	}

	s := models.SymbolSignals{
		Symbol:      symbol,
		Price:       r.Price,
		ATRPercent:  r.ATRPercent,
		FundingRate: fundingRate,
		Volatility:  string(risk.ClassifyVolatility(r.ATRPercent)),
		Flags: map[string]bool{
			"overbought":      r.RSI > overboughtRSI,
			"oversold":        r.RSI < oversoldRSI,
			"macd_bullish":    r.MACDHistogram > 0,
			"volume_spike":    r.VolumeRatio > volumeSpike,
			"near_support":    r.NearSupport,
			"near_resistance": r.NearResistance,
			"uptrend":         r.Trend == trendUp,
			"downtrend":       r.Trend == trendDown,
		},
	}
	if r.TrendStrength >= 0 {
		s.TrendStrength = models.Ptr(r.TrendStrength)
	}
	return s, r, nil
}

func nearLevel(levels []float64, price float64) bool {
	start := len(levels) - levelLookback
	if start < 0 {
		start = 0
	}
	for _, level := range levels[start:] {
		if math.Abs(price-level)/price < levelProximity {
			return true
		}
	}
	return false
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Sanitize zeroes non-finite readings so the struct always serializes
func (r *Readings) Sanitize() {
	for _, v := range []*float64{
		&r.RSI, &r.MACD, &r.MACDSignal, &r.MACDHistogram,
		&r.BBUpper, &r.BBMiddle, &r.BBLower, &r.ATR, &r.ATRPercent,
		&r.EMAFast, &r.EMASlow, &r.VolumeRatio,
	} {
		if !models.IsFinite(*v) {
			*v = 0
		}
	}
	if !models.IsFinite(r.TrendStrength) {
		r.TrendStrength = trendStrengthNA
	}
}
