// Package exchange adapts perpetual-futures venues to one interface:
// universe selection, candle backfill, open-interest/funding polls and
// the 1m kline + mini-ticker WebSocket streams. Stream methods run one
// connection to completion; reconnect policy lives in the supervisor.
package exchange

import (
	"context"
	"strings"
	"time"

	"perpscreener/internal/model"
)

// Shared connection timing for all adapters. Overridable through Tune
// before adapters are constructed.
var (
	restTimeout    = 20 * time.Second
	wsPingInterval = 15 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsCloseTimeout = 10 * time.Second
)

// Tune adjusts the WS ping cadence and read deadline. Zero or negative
// values are ignored.
func Tune(pingInterval, readTimeout time.Duration) {
	if pingInterval > 0 {
		wsPingInterval = pingInterval
	}
	if readTimeout > 0 {
		wsReadTimeout = readTimeout
	}
}

// Exchange is a single venue adapter.
type Exchange interface {
	Name() string

	// Symbols returns the tradable universe ranked by 24h quote
	// turnover descending, truncated to the configured top N.
	Symbols(ctx context.Context) ([]string, error)

	// Klines fetches up to limit recent candles, oldest first.
	Klines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error)

	// OpenInterest returns the current OI for one symbol.
	OpenInterest(ctx context.Context, symbol string) (float64, error)

	// Funding returns the current funding rate and the next funding
	// time in epoch ms.
	Funding(ctx context.Context, symbol string) (rate float64, nextTS int64, err error)

	// StreamKlines pushes normalized 1m klines until the connection
	// drops or ctx is cancelled. Returns nil only on cancellation.
	StreamKlines(ctx context.Context, symbols []string, out chan<- model.Candle) error

	// StreamTickers pushes mini-ticker price updates, same contract.
	StreamTickers(ctx context.Context, symbols []string, out chan<- model.Ticker) error
}

// UniverseConfig filters and truncates the symbol universe.
type UniverseConfig struct {
	TopSymbols int
	Include    []string // when non-empty, only these survive
	Exclude    []string
}

// apply filters ranked symbols through the include/exclude sets
// (case-insensitive) and truncates to TopSymbols.
func (u UniverseConfig) apply(ranked []string) []string {
	include := upperSet(u.Include)
	exclude := upperSet(u.Exclude)

	out := make([]string, 0, len(ranked))
	for _, s := range ranked {
		key := strings.ToUpper(s)
		if len(include) > 0 {
			if _, ok := include[key]; !ok {
				continue
			}
		}
		if _, ok := exclude[key]; ok {
			continue
		}
		out = append(out, s)
	}
	if u.TopSymbols > 0 && len(out) > u.TopSymbols {
		out = out[:u.TopSymbols]
	}
	return out
}

func upperSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(items))
	for _, s := range items {
		m[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return m
}

// New returns the adapter for a venue name. Unknown venues get a stub
// with no symbols and no streams, so a misconfigured exchange degrades
// instead of crashing.
func New(name string, cfg UniverseConfig) Exchange {
	switch strings.ToLower(name) {
	case "binance":
		return NewBinance(cfg)
	case "bybit":
		return NewBybit(cfg)
	default:
		return stub{name: name}
	}
}

type stub struct{ name string }

func (s stub) Name() string                                            { return s.name }
func (s stub) Symbols(context.Context) ([]string, error)               { return nil, nil }
func (s stub) Klines(context.Context, string, string, int) ([]model.Candle, error) {
	return nil, nil
}
func (s stub) OpenInterest(context.Context, string) (float64, error) { return 0, nil }
func (s stub) Funding(context.Context, string) (float64, int64, error) {
	return 0, 0, nil
}
func (s stub) StreamKlines(ctx context.Context, _ []string, _ chan<- model.Candle) error {
	<-ctx.Done()
	return nil
}
func (s stub) StreamTickers(ctx context.Context, _ []string, _ chan<- model.Ticker) error {
	<-ctx.Done()
	return nil
}
