package exchange

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/selivandex/decision-engine/pkg/models"
)

// Probe reads the market conditions the circuit breaker watches
type Probe struct {
	market MarketData
}

// NewProbe creates new market probe
func NewProbe(market MarketData) *Probe {
	return &Probe{market: market}
}

// ReferenceDrop compares the latest close with the close window ago on hourly
// candles. Positive values are drops.
func (p *Probe) ReferenceDrop(ctx context.Context, symbol string, window time.Duration) (float64, error) {
	hours := int(window / time.Hour)
	if hours < 1 {
		hours = 1
	}
	candles, err := p.market.FetchOHLCV(ctx, symbol, "1h", hours+1)
	if err != nil {
		return 0, err
	}
	if len(candles) < 2 {
		return 0, fmt.Errorf("need at least 2 candles for %s, got %d", symbol, len(candles))
	}

	then := models.ToFloat64(candles[0].Close)
	now := models.ToFloat64(candles[len(candles)-1].Close)
	if then <= 0 {
		return 0, fmt.Errorf("invalid reference close %v for %s", then, symbol)
	}
	return (then - now) / then * 100, nil
}

// FundingRates fetches funding for each symbol concurrently. One failure fails
// the whole reading.
func (p *Probe) FundingRates(ctx context.Context, symbols []string) (map[string]float64, error) {
	rates := make([]float64, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	for i, symbol := range symbols {
		g.Go(func() error {
			rate, err := p.market.FetchFundingRate(gctx, symbol)
			if err != nil {
				return fmt.Errorf("%s: %w", symbol, err)
			}
			rates[i] = rate
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(symbols))
	for i, symbol := range symbols {
		out[symbol] = rates[i]
	}
	return out, nil
}

// Latency times one exchange round trip
func (p *Probe) Latency(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := p.market.Ping(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
