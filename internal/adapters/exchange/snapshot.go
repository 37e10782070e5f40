package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/selivandex/decision-engine/internal/indicators"
	"github.com/selivandex/decision-engine/pkg/logger"
	"github.com/selivandex/decision-engine/pkg/models"
)

// maxConcurrentSymbols bounds parallel market data requests per snapshot
const maxConcurrentSymbols = 4

// ConfidenceLookup returns the confidence an open position was entered with
type ConfidenceLookup interface {
	EntryConfidence(ctx context.Context, symbol string) (float64, bool, error)
}

// SnapshotBuilder assembles the shared cycle context from live market data
type SnapshotBuilder struct {
	market      MarketData
	calc        *indicators.Calculator
	symbols     []string
	timeframe   string
	candles     int
	confidences ConfidenceLookup
	now         func() time.Time
}

// NewSnapshotBuilder creates new snapshot builder. confidences may be nil.
func NewSnapshotBuilder(market MarketData, symbols []string, timeframe string, candles int, confidences ConfidenceLookup) *SnapshotBuilder {
	if candles < indicators.MinCandles {
		candles = indicators.MinCandles
	}
	return &SnapshotBuilder{
		market:      market,
		calc:        indicators.NewCalculator(),
		symbols:     symbols,
		timeframe:   timeframe,
		candles:     candles,
		confidences: confidences,
		now:         time.Now,
	}
}

type symbolDocument struct {
	models.SymbolSignals
	Indicators *indicators.Readings `json:"indicators"`
}

type positionDocument struct {
	Symbol          string   `json:"symbol"`
	Side            string   `json:"side"`
	Size            string   `json:"size"`
	EntryPrice      string   `json:"entry_price"`
	Leverage        float64  `json:"leverage"`
	EntryConfidence *float64 `json:"entry_confidence,omitempty"`
	OpenedAt        string   `json:"opened_at,omitempty"`
}

type document struct {
	Timestamp string                    `json:"timestamp"`
	Exchange  string                    `json:"exchange"`
	Timeframe string                    `json:"timeframe"`
	Symbols   map[string]symbolDocument `json:"symbols"`
	Positions []positionDocument        `json:"positions"`
}

// Snapshot fetches positions and per-symbol signals. A symbol that cannot be read
// is left out; the snapshot fails only when positions or every symbol fail.
func (s *SnapshotBuilder) Snapshot(ctx context.Context) (*models.CycleContext, error) {
	now := s.now().UTC()

	positions, err := s.market.FetchOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	for i := range positions {
		positions[i].EntryConfidence = s.entryConfidence(ctx, positions[i].Symbol)
	}

	var (
		mu      sync.Mutex
		signals = make(map[string]models.SymbolSignals, len(s.symbols))
		docs    = make(map[string]symbolDocument, len(s.symbols))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSymbols)
	for _, symbol := range s.symbols {
		g.Go(func() error {
			sig, readings, err := s.symbol(gctx, symbol)
			if err != nil {
				logger.Warn("symbol skipped from snapshot", zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			mu.Lock()
			signals[symbol] = sig
			docs[symbol] = symbolDocument{SymbolSignals: sig, Indicators: readings}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(s.symbols) > 0 && len(signals) == 0 {
		return nil, fmt.Errorf("no market data for any of %d symbols", len(s.symbols))
	}

	doc := document{
		Timestamp: now.Format(time.RFC3339),
		Exchange:  s.market.Name(),
		Timeframe: s.timeframe,
		Symbols:   docs,
		Positions: make([]positionDocument, 0, len(positions)),
	}
	for _, p := range positions {
		pd := positionDocument{
			Symbol:     p.Symbol,
			Side:       string(p.Side),
			Size:       p.Size.String(),
			EntryPrice: p.EntryPrice.String(),
			Leverage:   p.Leverage,
		}
		if p.EntryConfidence >= 0 {
			pd.EntryConfidence = models.Ptr(p.EntryConfidence)
		}
		if !p.OpenedAt.IsZero() {
			pd.OpenedAt = p.OpenedAt.UTC().Format(time.RFC3339)
		}
		doc.Positions = append(doc.Positions, pd)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return &models.CycleContext{
		Timestamp: now,
		Document:  string(raw),
		Signals:   signals,
		Positions: positions,
	}, nil
}

func (s *SnapshotBuilder) symbol(ctx context.Context, symbol string) (models.SymbolSignals, *indicators.Readings, error) {
	candles, err := s.market.FetchOHLCV(ctx, symbol, s.timeframe, s.candles)
	if err != nil {
		return models.SymbolSignals{}, nil, err
	}

	funding, err := s.market.FetchFundingRate(ctx, symbol)
	if err != nil {
		logger.Debug("funding rate unavailable, using 0", zap.String("symbol", symbol), zap.Error(err))
		funding = 0
	}

	return s.calc.Signals(symbol, candles, funding)
}

// entryConfidence returns -1 when unknown; the anti-churn gate then applies its default
func (s *SnapshotBuilder) entryConfidence(ctx context.Context, symbol string) float64 {
	if s.confidences == nil {
		return -1
	}
	c, ok, err := s.confidences.EntryConfidence(ctx, symbol)
	if err != nil {
		logger.Warn("failed to load entry confidence", zap.String("symbol", symbol), zap.Error(err))
		return -1
	}
	if !ok {
		return -1
	}
	return c
}
