// Package screener maintains per-symbol rolling market state and turns
// it into metric snapshots. A SymbolState owns the 1m OHLCV windows,
// the higher-timeframe buckets resampled from closed 1m bars, the open
// interest history and the short-lived indicator memo cache. It is not
// goroutine-safe: all calls arrive on the owning aggregator's
// serialized ingest path.
package screener

import (
	"perpscreener/internal/indicator"
	"perpscreener/internal/model"
	"perpscreener/internal/series"
)

// Series capacities. The 1m window must cover the 60m change lookback
// plus the forming bar; ATR history feeds the volatility percentile.
const (
	cap1m      = 120
	capOI      = 70
	capATRHist = 100
	capHTF     = 240
)

// memoTTLMS is how long a memoized indicator result stays valid when
// the underlying series length has not changed.
const memoTTLMS = 15_000

// HTFIntervals lists the resampled timeframes, ordered by width.
var HTFIntervals = []string{model.Interval15m, model.Interval1h, model.Interval4h}

// VolDueParams are the squeeze thresholds for one timeframe.
type VolDueParams struct {
	BBWidthMax   float64 // squeeze requires BB width at or below this
	ATRPctileMax float64 // and ATR percentile at or below this (0..100)
	Lookback     int     // ATR history window for the percentile
}

// Params are the indicator knobs shared by every symbol state.
type Params struct {
	WindowShort  int // change_5m lookback, minutes
	WindowMedium int // change_15m lookback, minutes
	ATRPeriod    int
	VolLookback  int
	CipherOS     float64
	CipherOB     float64
	VolDue       map[string]VolDueParams // keyed by interval
}

// DefaultParams mirror the shipped configuration defaults.
func DefaultParams() Params {
	return Params{
		WindowShort:  5,
		WindowMedium: 15,
		ATRPeriod:    14,
		VolLookback:  30,
		CipherOS:     -40,
		CipherOB:     40,
		VolDue: map[string]VolDueParams{
			model.Interval15m: {BBWidthMax: 0.03, ATRPctileMax: 20, Lookback: 80},
			model.Interval4h:  {BBWidthMax: 0.08, ATRPctileMax: 25, Lookback: 60},
		},
	}
}

type memoKey struct {
	name string
	n    int
}

type memoVal struct {
	val       interface{}
	expiresMS int64
}

// volDueEdge tracks the squeeze flag between snapshots so the rising
// edge and its age can be reported.
type volDueEdge struct {
	seen       bool
	squeeze    bool
	lastRiseMS int64
}

// SymbolState is the rolling per-symbol market state.
type SymbolState struct {
	Symbol   string
	Exchange string

	open1m  *series.Rolling
	high1m  *series.Rolling
	low1m   *series.Rolling
	close1m *series.Rolling
	vol1m   *series.Rolling

	// Open time of the forming 1m bar, i.e. the last element of the
	// 1m series. Meaningful only once the series is non-empty: 0 is a
	// legal open time (epoch-aligned backfills start there).
	formingOpenTime int64

	lastPrice   float64
	lastEventTS int64 // ts of the newest kline/ticker, epoch ms

	openInterest *float64
	oiHist       *series.Rolling

	atrHist *series.Rolling // 1m ATR sampled at each closed bar

	htf map[string]*htfBucket

	memo   map[memoKey]memoVal
	volDue map[string]*volDueEdge
	params Params

	// Bar-close timestamps of the newest detected signals, used as the
	// alert event_ts so replays stay idempotent.
	cipherEventTS   int64
	percentREventTS int64

	// Enrichment attached by the aggregator before snapshots.
	FundingRate     *float64
	NextFundingTime *int64
	MarketCap       *float64
	Sectors         []string
	LiquidityRank   *int
	LiquidityTop200 *bool
}

// NewSymbolState creates an empty state for (exchange, symbol).
func NewSymbolState(exchange, symbol string, p Params) *SymbolState {
	s := &SymbolState{
		Symbol:   symbol,
		Exchange: exchange,
		open1m:   series.NewRolling(cap1m),
		high1m:   series.NewRolling(cap1m),
		low1m:    series.NewRolling(cap1m),
		close1m:  series.NewRolling(cap1m),
		vol1m:    series.NewRolling(cap1m),
		oiHist:   series.NewRolling(capOI),
		atrHist:  series.NewRolling(capATRHist),
		htf:      make(map[string]*htfBucket, len(HTFIntervals)),
		memo:     make(map[memoKey]memoVal),
		volDue:   make(map[string]*volDueEdge, 2),
		params:   p,
	}
	for _, iv := range HTFIntervals {
		s.htf[iv] = newHTFBucket(iv)
	}
	return s
}

// Update folds a 1m kline into the state. The forming bar is kept as
// the last element of every series and replaced in place until a bar
// with a later open time arrives. Closed bars are resampled into the
// higher timeframes; any HTF buckets finalized by the rollover are
// returned for persistence.
func (s *SymbolState) Update(k model.Candle, nowMS int64) []model.Candle {
	switch {
	case s.close1m.Len() == 0 || k.OpenTime > s.formingOpenTime:
		s.open1m.Append(k.Open)
		s.high1m.Append(k.High)
		s.low1m.Append(k.Low)
		s.close1m.Append(k.Close)
		s.vol1m.Append(k.Volume)
		s.formingOpenTime = k.OpenTime
	case k.OpenTime == s.formingOpenTime:
		s.open1m.SetLast(k.Open)
		s.high1m.SetLast(k.High)
		s.low1m.SetLast(k.Low)
		s.close1m.SetLast(k.Close)
		s.vol1m.SetLast(k.Volume)
	default:
		// Late bar behind the forming bucket: drop it.
		return nil
	}

	s.lastPrice = k.Close
	s.lastEventTS = nowMS

	if !k.Closed {
		return nil
	}

	if atr, ok := indicator.ATR(s.high1m.Values(), s.low1m.Values(), s.close1m.Values(), s.params.ATRPeriod); ok {
		s.atrHist.Append(atr)
	}

	var finalized []model.Candle
	for _, iv := range HTFIntervals {
		if done := s.htf[iv].fold(k); done != nil {
			done.Exchange = s.Exchange
			done.Symbol = s.Symbol
			finalized = append(finalized, *done)
		}
	}
	return finalized
}

// UpdateTicker refreshes the last price from a mini-ticker.
func (s *SymbolState) UpdateTicker(price float64, nowMS int64) {
	s.lastPrice = price
	s.lastEventTS = nowMS
}

// UpdateOpenInterest records a new OI sample. Samples arrive on the
// poller's cadence (roughly one per minute), so window offsets on the
// history approximate minutes.
func (s *SymbolState) UpdateOpenInterest(v float64) {
	s.openInterest = &v
	s.oiHist.Append(v)
}

// SeedHTF loads closed higher-timeframe candles fetched from the store
// into the matching bucket, oldest first. Seeded bars were already
// persisted, so the next live rollover does not re-emit them.
func (s *SymbolState) SeedHTF(interval string, candles []model.Candle) {
	b, ok := s.htf[interval]
	if !ok {
		return
	}
	b.seed(candles)
}

// HTFCloseTime returns the close time of the newest closed bucket on
// the given timeframe, or 0 when none exists. Used as the alert event
// timestamp for signals evaluated at bar close.
func (s *SymbolState) HTFCloseTime(interval string) int64 {
	b, ok := s.htf[interval]
	if !ok {
		return 0
	}
	return b.lastClosedCloseTime()
}

// LastPrice returns the most recent trade/kline price.
func (s *SymbolState) LastPrice() float64 { return s.lastPrice }

// LastEventTS returns the timestamp of the newest kline or ticker.
func (s *SymbolState) LastEventTS() int64 { return s.lastEventTS }

// History1m returns up to limit newest 1m closes, oldest first.
func (s *SymbolState) History1m(limit int) []float64 {
	return s.close1m.Tail(limit)
}

// OIHistory returns up to limit newest open interest samples.
func (s *SymbolState) OIHistory(limit int) []float64 {
	return s.oiHist.Tail(limit)
}

// memoized returns a cached indicator result when the series length is
// unchanged and the entry is younger than memoTTLMS; otherwise it runs
// fn and caches the result.
func (s *SymbolState) memoized(name string, n int, nowMS int64, fn func() interface{}) interface{} {
	k := memoKey{name: name, n: n}
	if e, ok := s.memo[k]; ok && nowMS < e.expiresMS {
		return e.val
	}
	v := fn()
	s.memo[k] = memoVal{val: v, expiresMS: nowMS + memoTTLMS}
	return v
}
