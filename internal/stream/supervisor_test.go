package stream

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"perpscreener/internal/model"
	"perpscreener/internal/screener/agg"
	"perpscreener/internal/screener/grader"
	"perpscreener/internal/store/sqlite"
)

// fakeExchange serves canned candles and blocking streams.
type fakeExchange struct {
	symbols    []string
	klines     map[string][]model.Candle // symbol+interval
	klineCalls atomic.Int64

	streamFails   int64 // fail this many connects before blocking
	streamConnect atomic.Int64
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) Symbols(context.Context) ([]string, error) { return f.symbols, nil }

func (f *fakeExchange) Klines(_ context.Context, symbol, interval string, _ int) ([]model.Candle, error) {
	f.klineCalls.Add(1)
	return f.klines[symbol+interval], nil
}

func (f *fakeExchange) OpenInterest(context.Context, string) (float64, error) { return 1000, nil }

func (f *fakeExchange) Funding(context.Context, string) (float64, int64, error) {
	return 0.0001, 0, nil
}

func (f *fakeExchange) StreamKlines(ctx context.Context, _ []string, _ chan<- model.Candle) error {
	if f.streamConnect.Add(1) <= f.streamFails {
		return context.DeadlineExceeded
	}
	<-ctx.Done()
	return nil
}

func (f *fakeExchange) StreamTickers(ctx context.Context, _ []string, _ chan<- model.Ticker) error {
	<-ctx.Done()
	return nil
}

func candles1m(symbol string, n int, base float64) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		open := int64(i) * 60_000
		out[i] = model.Candle{
			Exchange: "fake", Symbol: symbol, Interval: model.Interval1m,
			OpenTime: open, CloseTime: open + 59_999,
			Open: base, High: base + 1, Low: base - 1, Close: base + float64(i)*0.1,
			Volume: 100, Closed: true,
		}
	}
	return out
}

func candlesHTF(symbol, interval string, n int) []model.Candle {
	width := model.IntervalMillis[interval]
	out := make([]model.Candle, n)
	for i := range out {
		open := int64(i) * width
		out[i] = model.Candle{
			Exchange: "fake", Symbol: symbol, Interval: interval,
			OpenTime: open, CloseTime: open + width - 1,
			Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 500, Closed: true,
		}
	}
	return out
}

func testSupervisor(t *testing.T, ex *fakeExchange, withStore bool) (*Supervisor, *agg.Aggregator, *sqlite.Store) {
	t.Helper()
	var store *sqlite.Store
	if withStore {
		var err error
		store, err = sqlite.Open(filepath.Join(t.TempDir(), "stream.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { store.Close() })
	}
	a := agg.New("fake", agg.DefaultConfig(), store, grader.New(), nil)
	cfg := DefaultConfig()
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 4 * time.Millisecond
	return New(ex, a, store, cfg, nil), a, store
}

func TestBackfill_SeedsAggregatorAndStore(t *testing.T) {
	ex := &fakeExchange{
		symbols: []string{"BTCUSDT"},
		klines: map[string][]model.Candle{
			"BTCUSDT" + model.Interval1m:  candles1m("BTCUSDT", 5, 100),
			"BTCUSDT" + model.Interval15m: candlesHTF("BTCUSDT", model.Interval15m, 3),
			"BTCUSDT" + model.Interval4h:  candlesHTF("BTCUSDT", model.Interval4h, 2),
		},
	}
	s, a, store := testSupervisor(t, ex, true)
	s.symbols = ex.symbols

	s.backfill(context.Background())

	if got := store.GetRecent("fake", "BTCUSDT", model.Interval15m, 10); len(got) != 3 {
		t.Errorf("15m rows=%d, want 3", len(got))
	}
	if got := store.GetRecent("fake", "BTCUSDT", model.Interval4h, 10); len(got) != 2 {
		t.Errorf("4h rows=%d, want 2", len(got))
	}
	// Closed 1m bars flow through the aggregator and persist from there.
	if got := store.GetRecent("fake", "BTCUSDT", model.Interval1m, 10); len(got) != 5 {
		t.Errorf("1m rows=%d, want 5", len(got))
	}
	if a.LastKlineIngestMS() == 0 {
		t.Error("aggregator saw no klines")
	}
}

func TestCheckStall_FiresOnlyPastThreshold(t *testing.T) {
	ex := &fakeExchange{symbols: []string{"BTCUSDT"}}
	s, a, _ := testSupervisor(t, ex, false)

	base := time.UnixMilli(1_700_000_000_000)
	s.startedMS.Store(base.UnixMilli())
	s.now = func() time.Time { return base.Add(10 * time.Second) }
	if s.checkStall("kline", s.klineAgeMS) {
		t.Error("10s age must not trip the 60s watchdog")
	}

	s.now = func() time.Time { return base.Add(61 * time.Second) }
	if !s.checkStall("kline", s.klineAgeMS) {
		t.Error("61s age must trip the watchdog")
	}

	// A fresh ingest resets the age.
	a.IngestKline(candles1m("BTCUSDT", 1, 100)[0])
	if s.checkStall("kline", s.klineAgeMS) {
		t.Error("age must reset after ingest")
	}
}

func TestTask_LifecycleAndRestart(t *testing.T) {
	block := make(chan struct{})
	tk := &task{name: "t", run: func(ctx context.Context) {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}}
	if tk.currentState() != taskNotStarted {
		t.Fatalf("state=%s", tk.currentState())
	}

	ctx := context.Background()
	tk.start(ctx)
	if tk.currentState() != taskRunning {
		t.Fatalf("state=%s", tk.currentState())
	}

	// Run function returns on its own: the task is dead, not cancelled.
	close(block)
	<-tk.done
	waitState(t, tk, taskDead)

	tk.restart(ctx)
	if tk.currentState() != taskRunning {
		t.Fatalf("restart state=%s", tk.currentState())
	}
	tk.stop()
	waitState(t, tk, taskCancelled)
}

func waitState(t *testing.T, tk *task, want string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tk.currentState() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state=%s, want %s", tk.currentState(), want)
}

func TestRunLoop_ReconnectsWithBackoff(t *testing.T) {
	ex := &fakeExchange{symbols: []string{"BTCUSDT"}}
	s, _, _ := testSupervisor(t, ex, false)

	ctx, cancel := context.WithCancel(context.Background())
	var attempts atomic.Uint64
	var recv atomic.Uint64
	s.runLoop(ctx, "kline", func(ctx context.Context) error {
		if attempts.Add(1) == 3 {
			cancel()
			return nil
		}
		return context.DeadlineExceeded
	}, &recv)

	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts=%d, want 3", got)
	}
}

func TestStartStop_TasksRunAndStopIsIdempotent(t *testing.T) {
	ex := &fakeExchange{symbols: []string{"BTCUSDT", "ETHUSDT"}}
	s, _, _ := testSupervisor(t, ex, true)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	states := s.TaskStates()
	for _, name := range []string{"kline", "ticker", "oi", "monitor"} {
		if states[name] != taskRunning {
			t.Errorf("task %s state=%s, want running", name, states[name])
		}
	}
	if len(s.Symbols()) != 2 {
		t.Errorf("symbols=%d", len(s.Symbols()))
	}

	s.Stop()
	s.Stop() // second call must be a no-op
}

func TestFullRefresh_RerunsBackfillAndForcesEmit(t *testing.T) {
	ex := &fakeExchange{
		symbols: []string{"BTCUSDT"},
		klines: map[string][]model.Candle{
			"BTCUSDT" + model.Interval1m: candles1m("BTCUSDT", 2, 100),
		},
	}
	s, a, _ := testSupervisor(t, ex, true)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	sub := a.Subscribe()
	before := ex.klineCalls.Load()
	s.fullRefresh()
	if ex.klineCalls.Load() <= before {
		t.Error("full refresh must re-run backfill")
	}
	if len(sub) == 0 {
		t.Error("full refresh must force a heartbeat emit")
	}
}

func TestUntilNextBoundary(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 3, 20, 0, time.UTC)
	if got := untilNextBoundary(now, 5*time.Minute); got != 100*time.Second {
		t.Errorf("got %s, want 1m40s", got)
	}
	exact := time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)
	if got := untilNextBoundary(exact, 5*time.Minute); got != 5*time.Minute {
		t.Errorf("at boundary got %s, want full period", got)
	}
}
