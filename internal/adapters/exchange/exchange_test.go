package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/selivandex/decision-engine/pkg/models"
)

type fakeMarket struct {
	closes    map[string][]float64
	funding   map[string]float64
	positions []models.Position
	posErr    error
	pingDelay time.Duration
}

func (m *fakeMarket) Name() string { return "fake" }

func (m *fakeMarket) FetchTicker(_ context.Context, symbol string) (*models.Ticker, error) {
	closes := m.closes[symbol]
	if len(closes) == 0 {
		return nil, errors.New("unknown symbol")
	}
	return &models.Ticker{Symbol: symbol, Last: models.NewDecimal(closes[len(closes)-1])}, nil
}

func (m *fakeMarket) FetchOHLCV(_ context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	closes, ok := m.closes[symbol]
	if !ok {
		return nil, errors.New("unknown symbol " + symbol)
	}
	if limit < len(closes) {
		closes = closes[len(closes)-limit:]
	}
	candles := make([]models.Candle, len(closes))
	for i, c := range closes {
		candles[i] = models.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Open:      models.NewDecimal(c),
			High:      models.NewDecimal(c * 1.01),
			Low:       models.NewDecimal(c * 0.99),
			Close:     models.NewDecimal(c),
			Volume:    models.NewDecimal(100),
		}
	}
	return candles, nil
}

func (m *fakeMarket) FetchFundingRate(_ context.Context, symbol string) (float64, error) {
	rate, ok := m.funding[spotSymbol(symbol)]
	if !ok {
		return 0, errors.New("no funding for " + symbol)
	}
	return rate, nil
}

func (m *fakeMarket) FetchOpenPositions(context.Context) ([]models.Position, error) {
	return m.positions, m.posErr
}

func (m *fakeMarket) Ping(ctx context.Context) error {
	select {
	case <-time.After(m.pingDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *fakeMarket) Close() error { return nil }

func series(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

type confidences map[string]float64

func (c confidences) EntryConfidence(_ context.Context, symbol string) (float64, bool, error) {
	v, ok := c[symbol]
	return v, ok, nil
}

func TestProbe_ReferenceDrop(t *testing.T) {
	market := &fakeMarket{closes: map[string][]float64{
		"BTC/USDT": {90, 100, 98, 95, 92, 90},
	}}
	probe := NewProbe(market)

	// 4h window reads 5 candles: 100 -> 90
	drop, err := probe.ReferenceDrop(context.Background(), "BTC/USDT", 4*time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, drop, 1e-9)

	_, err = probe.ReferenceDrop(context.Background(), "DOGE/USDT", 4*time.Hour)
	assert.Error(t, err)
}

func TestProbe_FundingRates(t *testing.T) {
	market := &fakeMarket{funding: map[string]float64{"BTC/USDT": 0.0001, "ETH/USDT": -0.0004}}
	probe := NewProbe(market)

	rates, err := probe.FundingRates(context.Background(), []string{"BTC/USDT:USDT", "ETH/USDT:USDT"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"BTC/USDT:USDT": 0.0001, "ETH/USDT:USDT": -0.0004}, rates)

	_, err = probe.FundingRates(context.Background(), []string{"BTC/USDT:USDT", "XRP/USDT:USDT"})
	assert.ErrorContains(t, err, "XRP/USDT:USDT")
}

func TestProbe_Latency(t *testing.T) {
	probe := NewProbe(&fakeMarket{pingDelay: 20 * time.Millisecond})

	latency, err := probe.Latency(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latency, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewProbe(&fakeMarket{pingDelay: time.Second}).Latency(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSnapshotBuilder_Snapshot(t *testing.T) {
	market := &fakeMarket{
		closes: map[string][]float64{
			"BTC/USDT": series(120, 60000, 50),
			"ETH/USDT": series(120, 3000, -2),
		},
		funding: map[string]float64{"BTC/USDT": 0.0002},
		positions: []models.Position{
			{Symbol: "BTC/USDT", Side: models.DirectionLong, Size: models.NewDecimal(0.1), EntryPrice: models.NewDecimal(61000), Leverage: 3},
			{Symbol: "ETH/USDT", Side: models.DirectionShort, Size: models.NewDecimal(2), EntryPrice: models.NewDecimal(2900), Leverage: 2},
		},
	}
	builder := NewSnapshotBuilder(market, []string{"BTC/USDT", "ETH/USDT", "DOGE/USDT"}, "1h", 100, confidences{"BTC/USDT": 82})

	cc, err := builder.Snapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, cc.Signals, 2, "unknown symbol is skipped")
	btc, ok := cc.Signal("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 0.0002, btc.FundingRate)
	assert.Greater(t, btc.ATRPercent, 0.0)

	eth, _ := cc.Signal("ETH/USDT")
	assert.Equal(t, 0.0, eth.FundingRate, "missing funding reads as 0")

	pos, ok := cc.Position("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 82.0, pos.EntryConfidence)
	ethPos, _ := cc.Position("ETH/USDT")
	assert.Equal(t, -1.0, ethPos.EntryConfidence)

	doc := gjson.Parse(cc.Document)
	assert.Equal(t, "fake", doc.Get("exchange").String())
	assert.True(t, doc.Get(`symbols.BTC/USDT.indicators.rsi_14`).Exists())
	assert.Equal(t, 82.0, doc.Get("positions.0.entry_confidence").Float())
	assert.False(t, doc.Get("positions.1.entry_confidence").Exists())
}

func TestSnapshotBuilder_Failures(t *testing.T) {
	_, err := NewSnapshotBuilder(&fakeMarket{posErr: errors.New("auth")}, []string{"BTC/USDT"}, "1h", 100, nil).
		Snapshot(context.Background())
	assert.ErrorContains(t, err, "positions")

	_, err = NewSnapshotBuilder(&fakeMarket{}, []string{"BTC/USDT"}, "1h", 100, nil).
		Snapshot(context.Background())
	assert.ErrorContains(t, err, "no market data")
}

func TestSymbolMapping(t *testing.T) {
	assert.Equal(t, "BTC/USDT:USDT", perpetualSymbol("BTC/USDT"))
	assert.Equal(t, "BTC/USDT:USDT", perpetualSymbol("BTC/USDT:USDT"))
	assert.Equal(t, "BTC/USDT", spotSymbol("BTC/USDT:USDT"))
	assert.Equal(t, "BTC/USDT", spotSymbol("BTC/USDT"))
}
