// Package agg owns the per-exchange symbol state map and the snapshot
// fan-out. All mutations run under one mutex, so SymbolState never sees
// concurrent writers; emits are throttled to the snapshot interval and
// subscribers get the newest snapshot with drop-oldest backpressure.
package agg

import (
	"log"
	"sort"
	"sync"
	"time"

	"perpscreener/internal/model"
	"perpscreener/internal/screener"
	"perpscreener/internal/screener/grader"
	"perpscreener/internal/screener/liquidity"
	"perpscreener/internal/screener/tradeplan"
	"perpscreener/internal/store/sqlite"
)

// subscriberCap bounds each fan-out queue.
const subscriberCap = 100

// MarketCapProvider attaches market capitalization context to symbols.
// Implementations are null-tolerant: a missing symbol returns ok=false
// and the snapshot carries no cap.
type MarketCapProvider interface {
	Lookup(symbol string) (cap *float64, sectors []string, ok bool)
}

// DispatchFunc receives the metrics of every emit, best-effort. The
// alerter hooks in here.
type DispatchFunc func(exchange string, metrics []*model.SymbolMetrics)

// Config are the aggregator knobs.
type Config struct {
	SnapshotIntervalMS int64
	Params             screener.Params
	Plan               tradeplan.Config
	PlansEnabled       bool
	LiquidityTopN      int
	LiquidityWeights   liquidity.Weights
}

// DefaultConfig mirrors the shipped defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotIntervalMS: 30_000,
		Params:             screener.DefaultParams(),
		Plan:               tradeplan.DefaultConfig(),
		PlansEnabled:       true,
		LiquidityTopN:      200,
		LiquidityWeights:   liquidity.DefaultWeights,
	}
}

// signalKey dedups signal handling across emits: the same bar-close
// event is graded and planned once.
type signalKey struct {
	symbol string
	signal string
	kind   string
}

// Aggregator is the single logical writer for one exchange.
type Aggregator struct {
	exchange string
	cfg      Config

	store  *sqlite.Store
	grader *grader.Grader
	liq    *liquidity.Scorer
	caps   MarketCapProvider

	dispatch DispatchFunc
	emitObs  func(d time.Duration, dropped int)

	// One mutex covers the state map and every SymbolState, making the
	// aggregator the single logical writer even when the supervisor's
	// tasks call in from separate goroutines.
	mu           sync.Mutex
	states       map[string]*screener.SymbolState
	lastEmitTS   int64
	lastKlineMS  map[string]int64
	lastTickerMS map[string]int64
	globalKline  int64
	handled      map[signalKey]int64
	subs         map[chan []byte]struct{}

	now func() time.Time
}

// New builds an aggregator for one exchange. grader, scorer and caps
// may be nil; persistence and enrichment degrade gracefully.
func New(exchange string, cfg Config, store *sqlite.Store, g *grader.Grader, caps MarketCapProvider) *Aggregator {
	return &Aggregator{
		exchange:     exchange,
		cfg:          cfg,
		store:        store,
		grader:       g,
		liq:          liquidity.NewScorer(cfg.LiquidityTopN, cfg.LiquidityWeights),
		caps:         caps,
		states:       make(map[string]*screener.SymbolState),
		lastKlineMS:  make(map[string]int64),
		lastTickerMS: make(map[string]int64),
		handled:      make(map[signalKey]int64),
		subs:         make(map[chan []byte]struct{}),
		now:          time.Now,
	}
}

// SetDispatch installs the emit hook. Call before streaming starts.
func (a *Aggregator) SetDispatch(fn DispatchFunc) { a.dispatch = fn }

// SetEmitObserver installs a hook fed with each emit's duration and the
// number of subscriber payloads dropped. Wires Prometheus without the
// aggregator depending on the metrics package.
func (a *Aggregator) SetEmitObserver(fn func(d time.Duration, dropped int)) { a.emitObs = fn }

func (a *Aggregator) state(symbol string) *screener.SymbolState {
	s, ok := a.states[symbol]
	if !ok {
		s = screener.NewSymbolState(a.exchange, symbol, a.cfg.Params)
		a.states[symbol] = s
	}
	return s
}

// IngestKline folds one 1m kline into the symbol state, persists closed
// bars, stamps freshness and triggers a throttled emit.
func (a *Aggregator) IngestKline(k model.Candle) {
	a.mu.Lock()
	nowMS := a.now().UnixMilli()
	finalized := a.state(k.Symbol).Update(k, nowMS)
	a.lastKlineMS[k.Symbol] = nowMS
	a.globalKline = nowMS

	if a.store != nil {
		if k.Closed {
			k.Exchange = a.exchange
			k.Interval = model.Interval1m
			if err := a.store.UpsertCandle(k); err != nil {
				log.Printf("[agg] %s persist 1m %s: %v", a.exchange, k.Symbol, err)
			}
		}
		if err := a.store.UpsertCandles(finalized); err != nil {
			log.Printf("[agg] %s persist htf %s: %v", a.exchange, k.Symbol, err)
		}
	}
	a.emitIfDueLocked(nowMS)
	a.mu.Unlock()
}

// UpdateTicker refreshes last price from a mini-ticker.
func (a *Aggregator) UpdateTicker(symbol string, price float64, ts int64) {
	a.mu.Lock()
	nowMS := a.now().UnixMilli()
	a.state(symbol).UpdateTicker(price, ts)
	a.lastTickerMS[symbol] = nowMS
	a.emitIfDueLocked(nowMS)
	a.mu.Unlock()
}

// UpdateOpenInterest records an OI poll sample. Does not trigger emit.
func (a *Aggregator) UpdateOpenInterest(symbol string, oi float64) {
	a.mu.Lock()
	a.state(symbol).UpdateOpenInterest(oi)
	a.mu.Unlock()
}

// SetFunding attaches funding context from the premium-index poll.
func (a *Aggregator) SetFunding(symbol string, rate float64, nextFundingTime int64) {
	a.mu.Lock()
	s := a.state(symbol)
	s.FundingRate = model.Float(rate)
	s.NextFundingTime = model.Int64(nextFundingTime)
	a.mu.Unlock()
}

// SeedHTF loads store-backed closed HTF candles into a symbol's bucket.
func (a *Aggregator) SeedHTF(symbol, interval string, candles []model.Candle) {
	a.mu.Lock()
	a.state(symbol).SeedHTF(interval, candles)
	a.mu.Unlock()
}

// LastKlineIngestMS returns the newest kline ingest time across all
// symbols, for the stream watchdog.
func (a *Aggregator) LastKlineIngestMS() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.globalKline
}

// Subscribe returns a bounded snapshot queue. Every emit enqueues the
// serialized snapshot; on a full queue the oldest element is dropped
// first, so consumers always converge on the latest.
func (a *Aggregator) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberCap)
	a.mu.Lock()
	a.subs[ch] = struct{}{}
	a.mu.Unlock()
	return ch
}

// Unsubscribe removes a queue. Safe to call twice.
func (a *Aggregator) Unsubscribe(ch chan []byte) {
	a.mu.Lock()
	delete(a.subs, ch)
	a.mu.Unlock()
}

// HeartbeatEmit forces a snapshot regardless of the throttle.
func (a *Aggregator) HeartbeatEmit() {
	a.mu.Lock()
	a.emitLocked(a.now().UnixMilli())
	a.mu.Unlock()
}

func (a *Aggregator) emitIfDueLocked(nowMS int64) {
	if nowMS-a.lastEmitTS < a.cfg.SnapshotIntervalMS {
		return
	}
	a.emitLocked(nowMS)
}

func (a *Aggregator) emitLocked(nowMS int64) {
	a.lastEmitTS = nowMS
	start := a.now()

	metrics := make([]*model.SymbolMetrics, 0, len(a.states))
	for _, s := range a.states {
		metrics = append(metrics, s.ComputeMetrics(nowMS))
	}
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].Symbol < metrics[j].Symbol })

	a.enrich(metrics)
	for _, m := range metrics {
		a.handleSignals(m, nowMS)
	}

	snap := &model.Snapshot{Exchange: a.exchange, TS: nowMS, Metrics: metrics}
	payload := snap.JSON()
	dropped := 0
	for ch := range a.subs {
		select {
		case ch <- payload:
		default:
			// Full queue: drop the oldest, latest wins.
			dropped++
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- payload:
			default:
			}
		}
	}

	if a.dispatch != nil {
		a.dispatch(a.exchange, metrics)
	}
	if a.emitObs != nil {
		a.emitObs(a.now().Sub(start), dropped)
	}
}

// enrich attaches liquidity ranks, the top-N cohort and market caps to
// the metrics and mirrors them onto the states for the next compute.
func (a *Aggregator) enrich(metrics []*model.SymbolMetrics) {
	res := a.liq.Ranks(a.exchange, metrics)
	for _, m := range metrics {
		if rank, ok := res.Ranks[m.Symbol]; ok {
			m.LiquidityRank = model.Int(rank)
			m.LiquidityTop200 = model.Bool(res.Top[m.Symbol])
		}
		if a.caps != nil && m.MarketCap == nil {
			if mc, sectors, ok := a.caps.Lookup(m.Symbol); ok {
				m.MarketCap = mc
				m.Sectors = sectors
			}
		}
		if s, ok := a.states[m.Symbol]; ok {
			s.LiquidityRank = m.LiquidityRank
			s.LiquidityTop200 = m.LiquidityTop200
			s.MarketCap = m.MarketCap
			s.Sectors = m.Sectors
		}
	}
}

type detected struct {
	kind    string // cipher | percent_r | swing
	signal  string
	tf      string
	reason  string
	eventTS int64
}

// detectSignals lists fresh, not-yet-handled signal events on a metric.
func (a *Aggregator) detectSignals(m *model.SymbolMetrics, s *screener.SymbolState) []detected {
	var out []detected
	fresh := func(d detected) {
		if d.eventTS == 0 {
			return
		}
		k := signalKey{symbol: m.Symbol, signal: d.signal, kind: d.kind}
		if a.handled[k] >= d.eventTS {
			return
		}
		a.handled[k] = d.eventTS
		out = append(out, d)
	}

	if m.CipherBuy != nil && *m.CipherBuy {
		fresh(detected{kind: "cipher", signal: model.SideBuy, tf: m.CipherSourceTF, reason: m.CipherReason, eventTS: s.CipherEventTS()})
	}
	if m.CipherSell != nil && *m.CipherSell {
		fresh(detected{kind: "cipher", signal: model.SideSell, tf: m.CipherSourceTF, reason: m.CipherReason, eventTS: s.CipherEventTS()})
	}
	if m.PercentROsReversal != nil && *m.PercentROsReversal {
		fresh(detected{kind: "percent_r", signal: model.SideBuy, tf: m.PercentRSourceTF, reason: m.PercentRReason, eventTS: s.PercentREventTS()})
	}
	if m.PercentRObReversal != nil && *m.PercentRObReversal {
		fresh(detected{kind: "percent_r", signal: model.SideSell, tf: m.PercentRSourceTF, reason: m.PercentRReason, eventTS: s.PercentREventTS()})
	}
	if m.SwingLong != nil && *m.SwingLong {
		fresh(detected{kind: "swing", signal: model.SideBuy, tf: model.Interval4h, reason: m.SwingLongReason, eventTS: s.HTFCloseTime(model.Interval4h)})
	}
	return out
}

// handleSignals grades fresh signals, persists the alert and builds a
// trade plan. Persistence failures never block the snapshot.
func (a *Aggregator) handleSignals(m *model.SymbolMetrics, nowMS int64) {
	s, ok := a.states[m.Symbol]
	if !ok {
		return
	}
	events := a.detectSignals(m, s)
	if len(events) == 0 {
		return
	}

	for _, ev := range events {
		var res grader.Result
		if a.grader != nil {
			res = a.grader.Grade(m, ev.signal)
			m.SetupScore = model.Float(res.Score)
			m.SetupGrade = res.Grade
			m.AvoidReasons = res.AvoidReasons
		}

		if a.store == nil {
			continue
		}
		alert := &model.Alert{
			EventTS:      ev.eventTS,
			CreatedTS:    nowMS,
			Exchange:     a.exchange,
			Symbol:       m.Symbol,
			Signal:       ev.signal,
			SourceTF:     ev.tf,
			Price:        m.LastPrice,
			Reason:       ev.reason,
			SetupGrade:   m.SetupGrade,
			SetupScore:   m.SetupScore,
			AvoidReasons: m.AvoidReasons,
			MetricsJSON:  string(m.JSON()),
		}
		id, isNew, err := a.store.InsertAlert(alert)
		if err != nil {
			log.Printf("[agg] %s insert alert %s %s: %v", a.exchange, m.Symbol, ev.signal, err)
			continue
		}
		if !isNew || !a.cfg.PlansEnabled {
			continue
		}

		plan := a.buildPlan(m, ev)
		plan.AlertID = id
		plan.EventTS = ev.eventTS
		plan.Exchange = a.exchange
		plan.Symbol = m.Symbol
		if err := a.store.InsertTradePlan(&plan); err != nil {
			log.Printf("[agg] %s insert plan %s: %v", a.exchange, m.Symbol, err)
		}
	}
}

// buildPlan derives the stop structure from stored 15m (or 4h for the
// swing variant) candles.
func (a *Aggregator) buildPlan(m *model.SymbolMetrics, ev detected) model.TradePlan {
	if ev.kind == "swing" {
		var swingLow *float64
		if bars := a.store.GetRecent(a.exchange, m.Symbol, model.Interval4h, a.cfg.Plan.SwingLookback); len(bars) > 0 {
			_, lows := candleHL(bars)
			if _, lo, ok := tradeplan.Swing(lows, lows); ok {
				swingLow = model.Float(lo)
			}
		}
		return a.cfg.Plan.BuildSwing4h(m.LastPrice, m.ATR4h, swingLow)
	}

	var swingHigh, swingLow *float64
	if bars := a.store.GetRecent(a.exchange, m.Symbol, model.Interval15m, a.cfg.Plan.SwingLookback); len(bars) > 0 {
		highs, lows := candleHL(bars)
		if hi, lo, ok := tradeplan.Swing(highs, lows); ok {
			swingHigh = model.Float(hi)
			swingLow = model.Float(lo)
		}
	}
	return a.cfg.Plan.Build(ev.signal, m.LastPrice, m.ATR, swingHigh, swingLow)
}

func candleHL(bars []model.Candle) (highs, lows []float64) {
	highs = make([]float64, len(bars))
	lows = make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
	}
	return
}

// Staleness is the freshness report for one exchange.
type Staleness struct {
	Symbols      int
	StaleTickers int
	StaleKlines  int
	TickerList   []string
	KlineList    []string
}

// StaleSymbols counts symbols whose newest ticker or kline is older
// than the given thresholds. includeLists adds sorted symbol lists.
func (a *Aggregator) StaleSymbols(nowMS, tickerMS, klineMS int64, includeLists bool) Staleness {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Staleness{Symbols: len(a.states)}
	for sym := range a.states {
		if ts, ok := a.lastTickerMS[sym]; !ok || nowMS-ts > tickerMS {
			st.StaleTickers++
			if includeLists {
				st.TickerList = append(st.TickerList, sym)
			}
		}
		if ts, ok := a.lastKlineMS[sym]; !ok || nowMS-ts > klineMS {
			st.StaleKlines++
			if includeLists {
				st.KlineList = append(st.KlineList, sym)
			}
		}
	}
	sort.Strings(st.TickerList)
	sort.Strings(st.KlineList)
	return st
}
