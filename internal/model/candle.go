// Package model defines the wire and storage types shared across the
// screener: candles, per-symbol metric snapshots, alerts, trade plans
// and backtest rows.
package model

import "encoding/json"

// Interval identifiers for stored candles.
const (
	Interval1m  = "1m"
	Interval15m = "15m"
	Interval1h  = "1h"
	Interval4h  = "4h"
)

// IntervalMillis maps an interval string to its bucket width in epoch ms.
var IntervalMillis = map[string]int64{
	Interval1m:  60_000,
	Interval15m: 900_000,
	Interval1h:  3_600_000,
	Interval4h:  14_400_000,
}

// Candle is a single OHLCV bar for (exchange, symbol, interval).
// Volume carries quote turnover (USDT) for perp streams.
// Closed=false means the bar is still forming and may be mutated
// by subsequent stream updates for the same open time.
type Candle struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	OpenTime  int64   `json:"open_time"`  // epoch ms, bucket-aligned
	CloseTime int64   `json:"close_time"` // epoch ms
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Closed    bool    `json:"closed"`
}

// Key returns "exchange:symbol".
func (c *Candle) Key() string {
	return c.Exchange + ":" + c.Symbol
}

// Valid reports whether the bar satisfies the basic OHLC invariants.
func (c *Candle) Valid() bool {
	if c.CloseTime <= c.OpenTime {
		return false
	}
	hi := c.Open
	if c.Close > hi {
		hi = c.Close
	}
	lo := c.Open
	if c.Close < lo {
		lo = c.Close
	}
	return c.High >= hi && c.Low <= lo
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// Ticker is a normalized mini-ticker update.
type Ticker struct {
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	Price    float64 `json:"price"`
	TS       int64   `json:"ts"` // epoch ms
}
