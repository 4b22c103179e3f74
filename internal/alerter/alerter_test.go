package alerter

import (
	"context"
	"sync"
	"testing"
	"time"

	"perpscreener/internal/model"
	"perpscreener/internal/notification"
)

type captureNotifier struct {
	mu    sync.Mutex
	sent  []notification.Alert
	gotCh chan struct{}
}

func newCapture() *captureNotifier {
	return &captureNotifier{gotCh: make(chan struct{}, 64)}
}

func (c *captureNotifier) Send(_ context.Context, a notification.Alert) error {
	c.mu.Lock()
	c.sent = append(c.sent, a)
	c.mu.Unlock()
	c.gotCh <- struct{}{}
	return nil
}

func (c *captureNotifier) wait(t *testing.T, n int) []notification.Alert {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.gotCh:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for alert %d/%d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notification.Alert, len(c.sent))
	copy(out, c.sent)
	return out
}

func buyMetric(symbol, grade string, top200 bool) *model.SymbolMetrics {
	return &model.SymbolMetrics{
		Symbol:          symbol,
		LastPrice:       100,
		CipherBuy:       model.Bool(true),
		CipherSourceTF:  model.Interval15m,
		CipherReason:    "wt cross up below oversold",
		SetupGrade:      grade,
		LiquidityTop200: model.Bool(top200),
	}
}

func testAlerter(sink *captureNotifier) (*Alerter, *int64) {
	cfg := DefaultConfig()
	cfg.MinGrade = "B"
	al := New(cfg, nil, sink)
	clock := int64(1_700_000_000_000)
	al.now = func() time.Time { return time.UnixMilli(clock) }
	return al, &clock
}

func TestDispatch_GradeGate(t *testing.T) {
	sink := newCapture()
	al, _ := testAlerter(sink)

	al.Dispatch("binance", []*model.SymbolMetrics{
		buyMetric("BTCUSDT", "A", true),
		buyMetric("ETHUSDT", "C", true), // below MinGrade, dropped
	})
	sent := sink.wait(t, 1)
	if len(sent) != 1 || sent[0].Title != "BUY [15m] binance BTCUSDT" {
		t.Errorf("sent=%+v", sent)
	}
	if sent[0].Side != "BUY" || sent[0].Grade != "A" || sent[0].Symbol != "BTCUSDT" {
		t.Errorf("alert fields=%+v", sent[0])
	}
}

func TestDispatch_VolDueBypassesGradeGate(t *testing.T) {
	sink := newCapture()
	al, _ := testAlerter(sink)

	m := &model.SymbolMetrics{
		Symbol:    "SOLUSDT",
		LastPrice: 150,
		VolDue15m: model.Bool(true),
		// no grade at all
	}
	al.Dispatch("binance", []*model.SymbolMetrics{m})
	sent := sink.wait(t, 1)
	if sent[0].Title != "VOL_DUE [] binance SOLUSDT" {
		t.Errorf("title=%q", sent[0].Title)
	}
}

func TestDispatch_CooldownPerSymbol(t *testing.T) {
	sink := newCapture()
	al, clock := testAlerter(sink)

	al.Dispatch("binance", []*model.SymbolMetrics{buyMetric("BTCUSDT", "A", true)})
	sink.wait(t, 1)

	// 60s later: inside the 120s top-200 cooldown.
	*clock += 60_000
	al.Dispatch("binance", []*model.SymbolMetrics{buyMetric("BTCUSDT", "A", true)})
	// 61s more: past it.
	*clock += 61_000
	al.Dispatch("binance", []*model.SymbolMetrics{buyMetric("BTCUSDT", "A", true)})

	sent := sink.wait(t, 1)
	if len(sent) != 2 {
		t.Errorf("sent=%d alerts, want 2", len(sent))
	}
}

func TestDispatch_SmallCapCooldownIsLonger(t *testing.T) {
	sink := newCapture()
	al, clock := testAlerter(sink)

	al.Dispatch("binance", []*model.SymbolMetrics{buyMetric("PEPEUSDT", "A", false)})
	sink.wait(t, 1)

	// 150s later: a top-200 symbol would alert again, a small cap not.
	*clock += 150_000
	al.Dispatch("binance", []*model.SymbolMetrics{buyMetric("PEPEUSDT", "A", false)})
	*clock += 151_000
	al.Dispatch("binance", []*model.SymbolMetrics{buyMetric("PEPEUSDT", "A", false)})

	sent := sink.wait(t, 1)
	if len(sent) != 2 {
		t.Errorf("sent=%d alerts, want 2", len(sent))
	}
}

func TestDispatch_DisabledSendsNothing(t *testing.T) {
	sink := newCapture()
	cfg := DefaultConfig()
	cfg.Enabled = false
	al := New(cfg, nil, sink)

	al.Dispatch("binance", []*model.SymbolMetrics{buyMetric("BTCUSDT", "A", true)})
	select {
	case <-sink.gotCh:
		t.Error("disabled alerter must not send")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFiredSignal_Priority(t *testing.T) {
	m := &model.SymbolMetrics{
		CipherSell: model.Bool(true),
		SwingLong:  model.Bool(true),
		VolDue4h:   model.Bool(true),
	}
	side, _, volDue := firedSignal(m)
	if side != "SELL" || !volDue {
		t.Errorf("side=%s volDue=%v", side, volDue)
	}

	if side, _, _ := firedSignal(&model.SymbolMetrics{}); side != "" {
		t.Errorf("quiet metric fired %q", side)
	}
}
