package exchange

import "strings"

func safeFloat(ptr *float64) float64 {
	if ptr != nil {
		return *ptr
	}
	return 0
}

func safeInt64(ptr *int64) int64 {
	if ptr != nil {
		return *ptr
	}
	return 0
}

func safeStringPtr(ptr *string) string {
	if ptr != nil {
		return *ptr
	}
	return ""
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// perpetualSymbol maps a spot pair to its linear perpetual: BTC/USDT -> BTC/USDT:USDT
func perpetualSymbol(symbol string) string {
	if strings.Contains(symbol, ":") {
		return symbol
	}
	if i := strings.LastIndex(symbol, "/"); i >= 0 {
		return symbol + ":" + symbol[i+1:]
	}
	return symbol
}

// spotSymbol is the inverse of perpetualSymbol
func spotSymbol(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		return symbol[:i]
	}
	return symbol
}
