package sqlite

import (
	"path/filepath"
	"testing"

	"perpscreener/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func candle(symbol string, openTime int64, close float64) model.Candle {
	return model.Candle{
		Exchange:  "binance",
		Symbol:    symbol,
		Interval:  "1m",
		OpenTime:  openTime,
		CloseTime: openTime + 59_999,
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    10,
	}
}

func TestUpsertCandle_Idempotent(t *testing.T) {
	s := openTestStore(t)
	c := candle("BTCUSDT", 60_000, 100)

	if err := s.UpsertCandle(c); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertCandle(c); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got := s.GetRecent("binance", "BTCUSDT", "1m", 10)
	if len(got) != 1 {
		t.Fatalf("want 1 row after double upsert, got %d", len(got))
	}
	if got[0].Close != 100 || !got[0].Closed {
		t.Errorf("row mismatch: %+v", got[0])
	}
}

func TestUpsertCandle_LaterRevisionWins(t *testing.T) {
	s := openTestStore(t)
	c := candle("BTCUSDT", 60_000, 100)
	if err := s.UpsertCandle(c); err != nil {
		t.Fatal(err)
	}
	c.Close = 105
	c.High = 106
	if err := s.UpsertCandle(c); err != nil {
		t.Fatal(err)
	}
	got := s.GetRecent("binance", "BTCUSDT", "1m", 10)
	if len(got) != 1 || got[0].Close != 105 || got[0].High != 106 {
		t.Errorf("revision did not replace: %+v", got)
	}
}

func TestGetRecent_OrderAndLimit(t *testing.T) {
	s := openTestStore(t)
	var batch []model.Candle
	for i := 0; i < 5; i++ {
		batch = append(batch, candle("ETHUSDT", int64(i)*60_000, float64(100+i)))
	}
	if err := s.UpsertCandles(batch); err != nil {
		t.Fatal(err)
	}
	got := s.GetRecent("binance", "ETHUSDT", "1m", 3)
	if len(got) != 3 {
		t.Fatalf("limit 3, got %d", len(got))
	}
	// Newest three, ascending.
	for i, want := range []float64{102, 103, 104} {
		if got[i].Close != want {
			t.Errorf("got[%d].Close=%v, want %v", i, got[i].Close, want)
		}
	}
}

func TestGetRecentBatch_GroupsPerSymbol(t *testing.T) {
	s := openTestStore(t)
	var batch []model.Candle
	for i := 0; i < 4; i++ {
		batch = append(batch, candle("BTCUSDT", int64(i)*60_000, float64(200+i)))
		batch = append(batch, candle("ETHUSDT", int64(i)*60_000, float64(20+i)))
	}
	if err := s.UpsertCandles(batch); err != nil {
		t.Fatal(err)
	}
	got := s.GetRecentBatch("binance", []string{"BTCUSDT", "ETHUSDT", "XRPUSDT"}, "1m", 2)
	if len(got["BTCUSDT"]) != 2 || len(got["ETHUSDT"]) != 2 {
		t.Fatalf("want 2 per symbol, got %d/%d", len(got["BTCUSDT"]), len(got["ETHUSDT"]))
	}
	if _, ok := got["XRPUSDT"]; ok {
		t.Error("symbol with no rows should be absent")
	}
	if got["BTCUSDT"][0].OpenTime > got["BTCUSDT"][1].OpenTime {
		t.Error("per-symbol groups should be ascending")
	}
}

func TestInsertAlert_DuplicateReturnsExistingID(t *testing.T) {
	s := openTestStore(t)
	a := &model.Alert{
		EventTS:   1_700_000_000_000,
		CreatedTS: 1_700_000_000_500,
		Exchange:  "binance",
		Symbol:    "BTCUSDT",
		Signal:    model.SideBuy,
		SourceTF:  "15m",
		Price:     65_000,
		Reason:    "cipher_b_buy_15m",
	}
	id1, isNew, err := s.InsertAlert(a)
	if err != nil || !isNew || id1 == 0 {
		t.Fatalf("first insert: id=%d new=%v err=%v", id1, isNew, err)
	}
	id2, isNew, err := s.InsertAlert(a)
	if err != nil {
		t.Fatalf("replay insert: %v", err)
	}
	if isNew || id2 != id1 {
		t.Errorf("replay should return existing id %d, got id=%d new=%v", id1, id2, isNew)
	}
}

func TestSelectAlertPlans_FiltersAndJoin(t *testing.T) {
	s := openTestStore(t)
	insert := func(sym string, ts int64, metricsJSON string) int64 {
		t.Helper()
		id, _, err := s.InsertAlert(&model.Alert{
			EventTS: ts, CreatedTS: ts, Exchange: "binance", Symbol: sym,
			Signal: model.SideBuy, SourceTF: "15m", Price: 100, MetricsJSON: metricsJSON,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.InsertTradePlan(&model.TradePlan{
			AlertID: id, EventTS: ts, Exchange: "binance", Symbol: sym,
			Side: model.SideBuy, EntryType: "market", EntryPrice: 100, StopLoss: 98,
			TP1: model.Float(103), RiskPerUnit: model.Float(2),
		}); err != nil {
			t.Fatal(err)
		}
		return id
	}
	insert("BTCUSDT", 1000, `{"liquidity_top200":true}`)
	insert("SHIBUSDT", 2000, `{"liquidity_top200":false}`)
	insert("OLDUSDT", 100, `{"liquidity_top200":true}`)

	all := s.SelectAlertPlans(AlertPlanFilter{SinceTS: 500})
	if len(all) != 2 {
		t.Fatalf("since filter: want 2, got %d", len(all))
	}
	if all[0].Alert.Symbol != "BTCUSDT" || all[0].Plan.TP1 == nil || *all[0].Plan.TP1 != 103 {
		t.Errorf("join mismatch: %+v", all[0])
	}

	top := s.SelectAlertPlans(AlertPlanFilter{SinceTS: 500, Top200: true})
	if len(top) != 1 || top[0].Alert.Symbol != "BTCUSDT" {
		t.Errorf("top200 filter: %+v", top)
	}
}

func TestBacktestTrade_UpsertAndWinRates(t *testing.T) {
	s := openTestStore(t)
	tr := func(alertID int64, sym, resolved string, r float64) *model.BacktestTrade {
		return &model.BacktestTrade{
			AlertID: alertID, WindowDays: 30, StrategyVersion: "v3_enhanced_grading",
			CreatedTS: 1000, Exchange: "binance", Symbol: sym, Signal: model.SideBuy,
			Entry: 100, Stop: 98, Resolved: resolved, RMultiple: r,
		}
	}
	// 5 resolved BTC trades, 3 winners at R>=1.
	for i := int64(0); i < 5; i++ {
		res, r := model.ResolvedTP1, 1.5
		if i >= 3 {
			res, r = model.ResolvedSL, -1.0
		}
		if err := s.UpsertBacktestTrade(tr(i, "BTCUSDT", res, r)); err != nil {
			t.Fatal(err)
		}
	}
	// Unresolved trades never count.
	if err := s.UpsertBacktestTrade(tr(10, "BTCUSDT", model.ResolvedNone, 0)); err != nil {
		t.Fatal(err)
	}
	// Too few resolved for ETH.
	if err := s.UpsertBacktestTrade(tr(11, "ETHUSDT", model.ResolvedTP1, 1.5)); err != nil {
		t.Fatal(err)
	}

	rates := s.SymbolWinRates(30, 5)
	if wr, ok := rates["BTCUSDT"]; !ok || wr != 0.6 {
		t.Errorf("BTC win rate = %v (ok=%v), want 0.6", wr, ok)
	}
	if _, ok := rates["ETHUSDT"]; ok {
		t.Error("ETH below min resolved, should be absent")
	}

	// Re-simulation replaces the row on the composite key.
	if err := s.UpsertBacktestTrade(tr(0, "BTCUSDT", model.ResolvedSL, -1.0)); err != nil {
		t.Fatal(err)
	}
	rates = s.SymbolWinRates(30, 5)
	if wr := rates["BTCUSDT"]; wr != 0.4 {
		t.Errorf("after re-simulation win rate = %v, want 0.4", wr)
	}
}
