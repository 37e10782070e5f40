package models

import "github.com/shopspring/decimal"

// NewDecimal creates decimal from float64
func NewDecimal(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value)
}

// ToFloat64 converts decimal to float64, ignoring precision loss
func ToFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// HLC extracts high, low and close series from candles in order
func HLC(candles []Candle) (high, low, closing []float64) {
	high = make([]float64, len(candles))
	low = make([]float64, len(candles))
	closing = make([]float64, len(candles))
	for i, c := range candles {
		high[i] = ToFloat64(c.High)
		low[i] = ToFloat64(c.Low)
		closing[i] = ToFloat64(c.Close)
	}
	return high, low, closing
}
