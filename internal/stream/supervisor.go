// Package stream keeps one exchange's ingestion alive: the 1m kline
// and mini-ticker WebSocket streams, the periodic open-interest poll,
// stall watchdogs and the startup backfill. Every stream runs under a
// reconnect loop with exponential backoff; watchdogs and the task
// health monitor restart anything that stalls or dies.
package stream

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"perpscreener/internal/exchange"
	"perpscreener/internal/metrics"
	"perpscreener/internal/model"
	"perpscreener/internal/screener/agg"
	"perpscreener/internal/store/sqlite"
)

// Config tunes the supervisor loops.
type Config struct {
	BackfillBars   int
	OIPollInterval time.Duration
	WatchdogPoll   time.Duration
	StallAfter     time.Duration
	HealthPoll     time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration

	EnableFullRefresh bool
	FullRefreshOffset time.Duration
}

func DefaultConfig() Config {
	return Config{
		BackfillBars:      200,
		OIPollInterval:    60 * time.Second,
		WatchdogPoll:      20 * time.Second,
		StallAfter:        60 * time.Second,
		HealthPoll:        15 * time.Second,
		BackoffMin:        time.Second,
		BackoffMax:        30 * time.Second,
		FullRefreshOffset: 2 * time.Second,
	}
}

// Task states reported through TaskStates and /debug/status.
const (
	taskNotStarted = "not_started"
	taskRunning    = "running"
	taskCancelled  = "cancelled"
	taskDead       = "dead"
)

// task is one managed goroutine. restart cancels the current run,
// waits for it, and launches a fresh one.
type task struct {
	name string
	run  func(ctx context.Context)

	// restartMu serializes restart so the monitor and a watchdog
	// cannot double-start the same task.
	restartMu sync.Mutex

	mu     sync.Mutex
	state  string
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) start(parent context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked(parent)
}

func (t *task) startLocked(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.state = taskRunning
	go func() {
		defer close(done)
		t.run(ctx)
		t.mu.Lock()
		if ctx.Err() != nil {
			t.state = taskCancelled
		} else {
			t.state = taskDead
		}
		t.mu.Unlock()
	}()
}

func (t *task) restart(parent context.Context) {
	t.restartMu.Lock()
	defer t.restartMu.Unlock()
	t.stop()
	if parent.Err() != nil {
		return
	}
	t.start(parent)
}

func (t *task) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *task) currentState() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == "" {
		return taskNotStarted
	}
	return t.state
}

// Supervisor owns one exchange's ingestion tasks.
type Supervisor struct {
	ex    exchange.Exchange
	agg   *agg.Aggregator
	store *sqlite.Store
	cfg   Config
	met   *metrics.Metrics

	symbols []string
	tasks   map[string]*task

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
	stopOnce   sync.Once

	startedMS    atomic.Int64
	lastTickerMS atomic.Int64
	klineRecv    atomic.Uint64
	tickerRecv   atomic.Uint64

	now func() time.Time
}

func New(ex exchange.Exchange, a *agg.Aggregator, store *sqlite.Store, cfg Config, met *metrics.Metrics) *Supervisor {
	return &Supervisor{
		ex:    ex,
		agg:   a,
		store: store,
		cfg:   cfg,
		met:   met,
		tasks: make(map[string]*task),
		now:   time.Now,
	}
}

// Start resolves the universe, runs the startup backfill and launches
// all managed tasks. Blocks only for universe discovery + backfill.
func (s *Supervisor) Start(ctx context.Context) error {
	s.rootCtx, s.rootCancel = context.WithCancel(ctx)
	s.startedMS.Store(s.now().UnixMilli())

	symbols, err := s.discoverSymbols(s.rootCtx)
	if err != nil {
		return err
	}
	s.symbols = symbols
	log.Printf("[stream:%s] universe: %d symbols", s.ex.Name(), len(symbols))
	if s.met != nil {
		s.met.SymbolsTracked.WithLabelValues(s.ex.Name()).Set(float64(len(symbols)))
	}

	s.backfill(s.rootCtx)

	s.tasks["kline"] = &task{name: "kline", run: s.runKlineStream}
	s.tasks["ticker"] = &task{name: "ticker", run: s.runTickerStream}
	s.tasks["oi"] = &task{name: "oi", run: s.runOIPoll}
	s.tasks["monitor"] = &task{name: "monitor", run: s.runMonitor}
	for _, name := range []string{"kline", "ticker", "oi", "monitor"} {
		s.tasks[name].start(s.rootCtx)
	}

	s.spawn(func() { s.watchdog("kline", s.klineAgeMS) })
	s.spawn(func() { s.watchdog("ticker", s.tickerAgeMS) })
	if s.cfg.EnableFullRefresh {
		s.spawn(s.fullRefreshLoop)
	}
	return nil
}

// Stop cancels every managed task and waits. Idempotent.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		if s.rootCancel == nil {
			return
		}
		s.rootCancel()
		for _, t := range s.tasks {
			t.stop()
		}
		s.wg.Wait()
		log.Printf("[stream:%s] stopped", s.ex.Name())
	})
}

func (s *Supervisor) Symbols() []string { return s.symbols }

// TaskStates reports each managed task's state for the debug surface.
func (s *Supervisor) TaskStates() map[string]string {
	out := make(map[string]string, len(s.tasks))
	for name, t := range s.tasks {
		out[name] = t.currentState()
	}
	return out
}

func (s *Supervisor) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Supervisor) discoverSymbols(ctx context.Context) ([]string, error) {
	backoff := s.cfg.BackoffMin
	for {
		symbols, err := s.ex.Symbols(ctx)
		if err == nil && len(symbols) > 0 {
			return symbols, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("[stream:%s] symbol discovery failed (%v), retrying in %s", s.ex.Name(), err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff = nextBackoff(backoff, s.cfg.BackoffMax)
	}
}

// backfill warms every symbol with recent candles: 1m through the
// aggregator so resampling and indicators warm up, 15m/4h straight to
// the store and then into the HTF series. Best-effort per symbol.
func (s *Supervisor) backfill(ctx context.Context) {
	start := s.now()
	for _, sym := range s.symbols {
		if ctx.Err() != nil {
			return
		}
		candles, err := s.ex.Klines(ctx, sym, model.Interval1m, s.cfg.BackfillBars)
		if err != nil {
			log.Printf("[stream:%s] backfill 1m %s: %v", s.ex.Name(), sym, err)
		}
		for _, c := range candles {
			s.agg.IngestKline(c)
		}
		for _, iv := range []string{model.Interval15m, model.Interval4h} {
			candles, err := s.ex.Klines(ctx, sym, iv, s.cfg.BackfillBars)
			if err != nil {
				log.Printf("[stream:%s] backfill %s %s: %v", s.ex.Name(), iv, sym, err)
				continue
			}
			if err := s.store.UpsertCandles(candles); err != nil {
				log.Printf("[stream:%s] backfill persist %s %s: %v", s.ex.Name(), iv, sym, err)
			}
		}
	}
	// Seed HTF series from the store in one batched read per interval.
	for _, iv := range []string{model.Interval15m, model.Interval4h} {
		for sym, rows := range s.store.GetRecentBatch(s.ex.Name(), s.symbols, iv, s.cfg.BackfillBars) {
			s.agg.SeedHTF(sym, iv, rows)
		}
	}
	log.Printf("[stream:%s] backfill done: %d symbols in %s",
		s.ex.Name(), len(s.symbols), time.Since(start).Round(time.Millisecond))
}

// runLoop restarts connect until ctx is cancelled. Backoff grows
// exponentially between failed attempts and resets to the minimum
// whenever the previous attempt received data.
func (s *Supervisor) runLoop(ctx context.Context, stream string, connect func(ctx context.Context) error, received *atomic.Uint64) {
	backoff := s.cfg.BackoffMin
	for {
		before := received.Load()
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[stream:%s] %s stream: %v", s.ex.Name(), stream, err)
		}
		if received.Load() > before {
			backoff = s.cfg.BackoffMin
		}
		if s.met != nil {
			s.met.WSReconnects.WithLabelValues(s.ex.Name(), stream).Inc()
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, s.cfg.BackoffMax)
	}
}

func nextBackoff(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	return d
}

func (s *Supervisor) runKlineStream(ctx context.Context) {
	ch := make(chan model.Candle, 1024)
	go func() {
		for {
			select {
			case c := <-ch:
				s.klineRecv.Add(1)
				if s.met != nil {
					s.met.KlinesTotal.WithLabelValues(s.ex.Name()).Inc()
				}
				s.agg.IngestKline(c)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.runLoop(ctx, "kline", func(ctx context.Context) error {
		return s.ex.StreamKlines(ctx, s.symbols, ch)
	}, &s.klineRecv)
}

func (s *Supervisor) runTickerStream(ctx context.Context) {
	ch := make(chan model.Ticker, 1024)
	go func() {
		for {
			select {
			case t := <-ch:
				s.tickerRecv.Add(1)
				s.lastTickerMS.Store(s.now().UnixMilli())
				if s.met != nil {
					s.met.TickersTotal.WithLabelValues(s.ex.Name()).Inc()
				}
				s.agg.UpdateTicker(t.Symbol, t.Price, t.TS)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.runLoop(ctx, "ticker", func(ctx context.Context) error {
		return s.ex.StreamTickers(ctx, s.symbols, ch)
	}, &s.tickerRecv)
}

// runOIPoll fetches open interest and funding for every symbol each
// interval. One pass immediately on start, then on the ticker.
func (s *Supervisor) runOIPoll(ctx context.Context) {
	s.oiPass(ctx)
	ticker := time.NewTicker(s.cfg.OIPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.oiPass(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) oiPass(ctx context.Context) {
	for _, sym := range s.symbols {
		if ctx.Err() != nil {
			return
		}
		oi, err := s.ex.OpenInterest(ctx, sym)
		if err != nil {
			if s.met != nil {
				s.met.OIPollErrors.WithLabelValues(s.ex.Name()).Inc()
			}
			continue
		}
		s.agg.UpdateOpenInterest(sym, oi)

		if fr, next, err := s.ex.Funding(ctx, sym); err == nil {
			s.agg.SetFunding(sym, fr, next)
		}
	}
	if s.met != nil {
		s.met.OIPollsTotal.WithLabelValues(s.ex.Name()).Inc()
	}
}

// runMonitor restarts any managed task that terminated on its own.
func (s *Supervisor) runMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for name, t := range s.tasks {
				if name == "monitor" {
					continue
				}
				if t.currentState() == taskDead {
					log.Printf("[stream:%s] task %s died, restarting", s.ex.Name(), name)
					t.restart(s.rootCtx)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) klineAgeMS(nowMS int64) int64 {
	last := s.agg.LastKlineIngestMS()
	if last == 0 {
		last = s.startedMS.Load()
	}
	return nowMS - last
}

func (s *Supervisor) tickerAgeMS(nowMS int64) int64 {
	last := s.lastTickerMS.Load()
	if last == 0 {
		last = s.startedMS.Load()
	}
	return nowMS - last
}

// watchdog restarts a stream whose ingest age exceeds StallAfter.
// Separate watchdogs run for kline and ticker so one dying does not
// mask the other.
func (s *Supervisor) watchdog(stream string, age func(nowMS int64) int64) {
	ticker := time.NewTicker(s.cfg.WatchdogPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.checkStall(stream, age) {
				s.tasks[stream].restart(s.rootCtx)
			}
		case <-s.rootCtx.Done():
			return
		}
	}
}

// checkStall reports whether the stream is past the stall threshold,
// logging when it is.
func (s *Supervisor) checkStall(stream string, age func(nowMS int64) int64) bool {
	a := age(s.now().UnixMilli())
	if a < s.cfg.StallAfter.Milliseconds() {
		return false
	}
	log.Printf("[stream:%s] %s stalled for %dms, restarting", s.ex.Name(), stream, a)
	if s.met != nil {
		s.met.WatchdogRestarts.WithLabelValues(s.ex.Name(), stream).Inc()
	}
	return true
}

// fullRefreshLoop restarts the ingest tasks, re-runs backfill and
// forces an emit at every 5-minute wall-clock boundary. Heals silent
// partial stalls.
func (s *Supervisor) fullRefreshLoop() {
	for {
		wait := untilNextBoundary(s.now(), 5*time.Minute) + s.cfg.FullRefreshOffset
		select {
		case <-time.After(wait):
		case <-s.rootCtx.Done():
			return
		}
		s.fullRefresh()
	}
}

func (s *Supervisor) fullRefresh() {
	log.Printf("[stream:%s] full refresh", s.ex.Name())
	for _, name := range []string{"kline", "ticker", "oi"} {
		s.tasks[name].restart(s.rootCtx)
	}
	s.backfill(s.rootCtx)
	s.agg.HeartbeatEmit()
}

// untilNextBoundary returns the time left until the next wall-clock
// multiple of period.
func untilNextBoundary(now time.Time, period time.Duration) time.Duration {
	return now.Truncate(period).Add(period).Sub(now)
}

// DebugStatus is the /debug/status payload for one exchange.
type DebugStatus struct {
	Exchange  string            `json:"exchange"`
	Symbols   int               `json:"symbols"`
	Tasks     map[string]string `json:"tasks"`
	Staleness agg.Staleness     `json:"staleness"`
}

// Debug assembles the status payload, including sorted stale symbol
// lists from the aggregator.
func (s *Supervisor) Debug(tickerMS, klineMS int64) DebugStatus {
	st := s.agg.StaleSymbols(s.now().UnixMilli(), tickerMS, klineMS, true)
	sort.Strings(st.TickerList)
	sort.Strings(st.KlineList)
	return DebugStatus{
		Exchange:  s.ex.Name(),
		Symbols:   len(s.symbols),
		Tasks:     s.TaskStates(),
		Staleness: st,
	}
}
