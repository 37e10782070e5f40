package exchange

import (
	"context"

	"github.com/selivandex/decision-engine/pkg/models"
)

// MarketData is the read-only exchange surface the decision engine needs.
// Orders are placed by the execution layer, never here.
type MarketData interface {
	// Name returns exchange name
	Name() string

	FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
	// FetchFundingRate returns the current per-period funding rate of a perpetual
	FetchFundingRate(ctx context.Context, symbol string) (float64, error)
	FetchOpenPositions(ctx context.Context) ([]models.Position, error)
	// Ping performs the cheapest authenticated-free round trip
	Ping(ctx context.Context) error

	Close() error
}
