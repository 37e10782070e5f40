package exchange

import (
	"context"
	"fmt"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/internal/adapters/config"
	"github.com/selivandex/decision-engine/pkg/logger"
	"github.com/selivandex/decision-engine/pkg/models"
)

// BinanceAdapter wraps CCXT Binance USD-M futures
type BinanceAdapter struct {
	exchange *ccxt.Binance
	config   *config.ExchangeConfig
}

// NewBinanceAdapter creates new Binance adapter
func NewBinanceAdapter(cfg *config.ExchangeConfig) (*BinanceAdapter, error) {
	options := map[string]interface{}{
		"apiKey": cfg.APIKey,
		"secret": cfg.Secret,
	}

	if cfg.Testnet {
		options["testnet"] = true
	}

	exchange := ccxt.NewBinance(options)

	exchange.SetOption("defaultType", "future")
	exchange.SetOption("adjustForTimeDifference", true)

	markets, err := exchange.LoadMarkets()
	if err != nil {
		return nil, fmt.Errorf("failed to load Binance markets: %w", err)
	}

	logger.Info("Binance adapter initialized",
		zap.Bool("testnet", cfg.Testnet),
		zap.Int("markets_count", len(markets)),
	)

	return &BinanceAdapter{
		exchange: exchange,
		config:   cfg,
	}, nil
}

func (b *BinanceAdapter) Name() string {
	return "binance"
}

func (b *BinanceAdapter) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	ticker, err := call(ctx, func() (ccxt.Ticker, error) {
		return b.exchange.FetchTicker(symbol)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ticker: %w", err)
	}

	return &models.Ticker{
		Symbol:    symbol,
		Last:      models.NewDecimal(safeFloat(ticker.Last)),
		Bid:       models.NewDecimal(safeFloat(ticker.Bid)),
		Ask:       models.NewDecimal(safeFloat(ticker.Ask)),
		Volume24h: models.NewDecimal(safeFloat(ticker.BaseVolume)),
		Change24h: models.NewDecimal(safeFloat(ticker.Percentage)),
		Timestamp: time.UnixMilli(safeInt64(ticker.Timestamp)),
	}, nil
}

func (b *BinanceAdapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	ohlcv, err := call(ctx, func() ([]ccxt.OHLCV, error) {
		return b.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(int64(limit)),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OHLCV: %w", err)
	}

	candles := make([]models.Candle, len(ohlcv))
	for i, bar := range ohlcv {
		candles[i] = models.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: time.UnixMilli(bar.Timestamp),
			Open:      models.NewDecimal(bar.Open),
			High:      models.NewDecimal(bar.High),
			Low:       models.NewDecimal(bar.Low),
			Close:     models.NewDecimal(bar.Close),
			Volume:    models.NewDecimal(bar.Volume),
		}
	}

	return candles, nil
}

func (b *BinanceAdapter) FetchFundingRate(ctx context.Context, symbol string) (float64, error) {
	rate, err := call(ctx, func() (ccxt.FundingRate, error) {
		return b.exchange.FetchFundingRate(perpetualSymbol(symbol))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch funding rate: %w", err)
	}
	if rate.FundingRate == nil {
		return 0, fmt.Errorf("funding rate not found in response for %s", symbol)
	}
	return *rate.FundingRate, nil
}

func (b *BinanceAdapter) FetchOpenPositions(ctx context.Context) ([]models.Position, error) {
	positions, err := call(ctx, func() ([]ccxt.Position, error) {
		return b.exchange.FetchPositions()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}

	result := make([]models.Position, 0, len(positions))
	for _, pos := range positions {
		contracts := safeFloat(pos.Contracts)
		if contracts == 0 {
			continue
		}

		side := models.DirectionLong
		if safeStringPtr(pos.Side) == "short" || contracts < 0 {
			side = models.DirectionShort
		}

		result = append(result, models.Position{
			Symbol:     spotSymbol(safeStringPtr(pos.Symbol)),
			Side:       side,
			Size:       models.NewDecimal(absFloat(contracts)),
			EntryPrice: models.NewDecimal(safeFloat(pos.EntryPrice)),
			Leverage:   safeFloat(pos.Leverage),
			OpenedAt:   time.UnixMilli(safeInt64(pos.Timestamp)),
		})
	}

	return result, nil
}

func (b *BinanceAdapter) Ping(ctx context.Context) error {
	_, err := call(ctx, func() (int64, error) {
		return b.exchange.FetchTime()
	})
	return err
}

func (b *BinanceAdapter) Close() error {
	// CCXT doesn't require explicit connection closing
	return nil
}

// call runs a blocking CCXT request and gives up when ctx ends. CCXT calls take
// no context, so an abandoned request finishes in the background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
