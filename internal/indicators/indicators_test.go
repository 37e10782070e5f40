package indicators

import (
	"testing"
	"time"

	"github.com/selivandex/decision-engine/pkg/models"
)

func TestCalculator_Calculate(t *testing.T) {
	calc := NewCalculator()

	// Generate sample candles (trending up)
	candles := generateTestCandles(80, 40000, 0.01)

	r, err := calc.Calculate(candles)
	if err != nil {
		t.Fatalf("Failed to calculate indicators: %v", err)
	}

	if r.RSI < 0 || r.RSI > 100 {
		t.Errorf("RSI should be between 0-100, got %.2f", r.RSI)
	}
	if r.BBUpper <= r.BBMiddle || r.BBMiddle <= r.BBLower {
		t.Errorf("Bollinger bands out of order: %.2f %.2f %.2f", r.BBUpper, r.BBMiddle, r.BBLower)
	}
	if r.ATRPercent <= 0 {
		t.Errorf("ATR percent should be positive, got %.4f", r.ATRPercent)
	}
	if r.VolumeRatio <= 1 {
		t.Errorf("Rising volume should give ratio above 1, got %.2f", r.VolumeRatio)
	}
	if r.TrendStrength < 0 || r.TrendStrength > 100 {
		t.Errorf("Trend strength should be between 0-100, got %.2f", r.TrendStrength)
	}
}

func TestCalculator_InsufficientData(t *testing.T) {
	calc := NewCalculator()

	// Only 10 candles - not enough
	candles := generateTestCandles(10, 40000, 0.01)

	if _, err := calc.Calculate(candles); err == nil {
		t.Error("Should error with insufficient data")
	}
	if _, _, err := calc.Signals("BTC/USDT", candles, 0); err == nil {
		t.Error("Signals should error with insufficient data")
	}
}

func TestCalculator_Trend(t *testing.T) {
	calc := NewCalculator()

	t.Run("uptrend", func(t *testing.T) {
		r, err := calc.Calculate(generateTestCandles(60, 40000, 0.02))
		if err != nil {
			t.Fatalf("Failed to calculate: %v", err)
		}
		if r.Trend != "uptrend" {
			t.Errorf("Expected uptrend, got %s", r.Trend)
		}
	})

	t.Run("downtrend", func(t *testing.T) {
		r, err := calc.Calculate(generateTestCandles(60, 40000, -0.02))
		if err != nil {
			t.Fatalf("Failed to calculate: %v", err)
		}
		if r.Trend != "downtrend" {
			t.Errorf("Expected downtrend, got %s", r.Trend)
		}
	})
}

func TestCalculator_Signals(t *testing.T) {
	calc := NewCalculator()

	s, r, err := calc.Signals("ETH/USDT", generateTestCandles(60, 3000, 0.02), 0.0003)
	if err != nil {
		t.Fatalf("Failed to build signals: %v", err)
	}

	if s.Symbol != "ETH/USDT" || s.FundingRate != 0.0003 {
		t.Errorf("Unexpected signals header %+v", s)
	}
	if s.Price != r.Price || s.ATRPercent != r.ATRPercent {
		t.Errorf("Signals should carry readings price and ATR")
	}
	if s.Volatility == "" {
		t.Error("Volatility should be classified")
	}
	if !s.Flags["uptrend"] || s.Flags["downtrend"] {
		t.Errorf("Expected uptrend flag, got %v", s.Flags)
	}
	if s.TrendStrength == nil {
		t.Error("Trend strength should be set")
	}
}

// Helper function to generate test candles
func generateTestCandles(count int, startPrice, trend float64) []models.Candle {
	candles := make([]models.Candle, count)
	price := startPrice

	for i := 0; i < count; i++ {
		open := price
		close := price * (1 + trend)
		high := max(open, close) * 1.002
		low := min(open, close) * 0.998

		candles[i] = models.Candle{
			Timestamp: time.Now().Add(-time.Duration(count-i) * time.Hour),
			Open:      models.NewDecimal(open),
			High:      models.NewDecimal(high),
			Low:       models.NewDecimal(low),
			Close:     models.NewDecimal(close),
			Volume:    models.NewDecimal(100 + float64(i)*2),
		}

		price = close
	}

	return candles
}
