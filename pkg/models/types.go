package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a position or trade
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Valid reports whether d is a known direction
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Ticker represents exchange ticker data
type Ticker struct {
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Change24h decimal.Decimal `json:"change_24h"`
}

// Candle represents OHLCV candlestick data
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Position represents an open position as reported by the execution layer
type Position struct {
	Symbol          string          `json:"symbol"`
	Side            Direction       `json:"side"`
	Size            decimal.Decimal `json:"size"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	Leverage        float64         `json:"leverage"`
	EntryConfidence float64         `json:"entry_confidence"`
	OpenedAt        time.Time       `json:"opened_at"`
}
