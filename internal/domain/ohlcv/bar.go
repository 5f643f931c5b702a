// Package ohlcv holds the core market-data domain types: bars, timeframes,
// subscription keys, and the resampler that derives coarse timeframes from
// 1-minute bars.
package ohlcv

import (
	"fmt"
)

// Bar is a single OHLCV candle. TsMs is the UTC epoch-millisecond start of
// the bar's bucket, aligned to the bar's timeframe.
type Bar struct {
	TsMs   int64   `json:"ts" db:"ts_ms"`
	Open   float64 `json:"o" db:"open"`
	High   float64 `json:"h" db:"high"`
	Low    float64 `json:"l" db:"low"`
	Close  float64 `json:"c" db:"close"`
	Volume float64 `json:"v" db:"volume"`
}

// Validate checks the OHLC ordering invariant and volume sign. Bars that
// fail validation are rejected at ingest.
func (b Bar) Validate() error {
	if b.Low > b.Open || b.Low > b.Close || b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("bar at %d violates low <= open,close <= high (o=%v h=%v l=%v c=%v)",
			b.TsMs, b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar at %d has negative volume %v", b.TsMs, b.Volume)
	}
	return nil
}

// Key identifies a unique data feed: one (market, provider, symbol,
// timeframe) tuple. Provider and symbol comparisons are case-sensitive;
// plugins normalize before keys are built.
type Key struct {
	Market    string
	Provider  string
	Symbol    string
	Timeframe Timeframe
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Market, k.Provider, k.Symbol, k.Timeframe)
}

// StreamType names one of the live feeds a client can subscribe to.
type StreamType string

const (
	StreamOHLCV      StreamType = "ohlcv_1m"
	StreamTrades     StreamType = "trades"
	StreamBook       StreamType = "book"
	StreamUserOrders StreamType = "user_orders"
)

// Channel returns the pub/sub bus channel for this key and stream type.
// The channel is timeframe-agnostic: all OHLCV subscribers of a symbol
// share the underlying 1m feed.
func (k Key) Channel(st StreamType) string {
	return fmt.Sprintf("feed:%s:%s:%s:%s", k.Market, k.Provider, k.Symbol, st)
}
