package screener

import (
	"testing"

	"perpscreener/internal/model"
)

const minuteMS = 60_000

func kline1m(openTime int64, o, h, l, c, v float64, closed bool) model.Candle {
	return model.Candle{
		Exchange:  "binance",
		Symbol:    "BTCUSDT",
		Interval:  model.Interval1m,
		OpenTime:  openTime,
		CloseTime: openTime + minuteMS - 1,
		Open:      o, High: h, Low: l, Close: c,
		Volume: v,
		Closed: closed,
	}
}

func TestUpdate_FormingBarReplacedInPlace(t *testing.T) {
	st := NewSymbolState("binance", "BTCUSDT", DefaultParams())

	st.Update(kline1m(0, 100, 101, 99, 100.5, 10, false), 1)
	st.Update(kline1m(0, 100, 102, 99, 101.5, 20, false), 2)
	if got := st.close1m.Len(); got != 1 {
		t.Fatalf("intrabar updates must not grow the series, len=%d", got)
	}
	if c, _ := st.close1m.Last(); c != 101.5 {
		t.Errorf("forming close=%f, want 101.5", c)
	}

	st.Update(kline1m(minuteMS, 101.5, 103, 101, 102, 5, false), 3)
	if got := st.close1m.Len(); got != 2 {
		t.Fatalf("new open time must append, len=%d", got)
	}
}

func TestUpdate_LateBarDropped(t *testing.T) {
	st := NewSymbolState("binance", "BTCUSDT", DefaultParams())
	st.Update(kline1m(5*minuteMS, 100, 101, 99, 100, 1, true), 1)
	st.Update(kline1m(3*minuteMS, 90, 91, 89, 90, 1, true), 2)
	if c, _ := st.close1m.Last(); c != 100 {
		t.Errorf("late bar must not overwrite state, close=%f", c)
	}
	if st.close1m.Len() != 1 {
		t.Errorf("late bar must not append, len=%d", st.close1m.Len())
	}
}

func TestResample_1mInto15m(t *testing.T) {
	st := NewSymbolState("binance", "BTCUSDT", DefaultParams())

	// 61 closed 1m bars: four full 15m buckets plus the bar that opens
	// the fifth. Price walks up 1 per minute, volume is constant.
	var finalized []model.Candle
	for i := 0; i < 61; i++ {
		o := float64(100 + i)
		k := kline1m(int64(i)*minuteMS, o, o+2, o-2, o+1, 10, true)
		finalized = append(finalized, st.Update(k, int64(i))...)
	}

	var got []model.Candle
	for _, c := range finalized {
		if c.Interval == model.Interval15m {
			got = append(got, c)
		}
	}
	if len(got) != 4 {
		t.Fatalf("finalized %d 15m buckets, want 4", len(got))
	}
	first := got[0]
	if first.OpenTime != 0 || first.CloseTime != 15*minuteMS-1 {
		t.Errorf("bucket bounds: open=%d close=%d", first.OpenTime, first.CloseTime)
	}
	if first.Open != 100 {
		t.Errorf("open=%f, want first bar's open", first.Open)
	}
	if first.High != 116 { // bar 14: o=114, high=o+2
		t.Errorf("high=%f, want max of bar highs 116", first.High)
	}
	if first.Low != 98 { // bar 0: low=o-2
		t.Errorf("low=%f, want min of bar lows 98", first.Low)
	}
	if first.Close != 115 { // bar 14: close=o+1
		t.Errorf("close=%f, want last bar's close 115", first.Close)
	}
	if first.Volume != 150 {
		t.Errorf("volume=%f, want summed 150", first.Volume)
	}
	if !first.Closed || first.Exchange != "binance" || first.Symbol != "BTCUSDT" {
		t.Errorf("finalized candle not stamped: %+v", first)
	}

	// One 1h bucket also closed at bar 60.
	var hours int
	for _, c := range finalized {
		if c.Interval == model.Interval1h {
			hours++
		}
	}
	if hours != 1 {
		t.Errorf("finalized %d 1h buckets, want 1", hours)
	}
}

func TestSeedHTF_NoReEmitOfSeededBucket(t *testing.T) {
	st := NewSymbolState("binance", "BTCUSDT", DefaultParams())

	seed := []model.Candle{
		{Interval: model.Interval15m, OpenTime: 0, CloseTime: 15*minuteMS - 1, Open: 100, High: 105, Low: 95, Close: 102, Volume: 100, Closed: true},
		{Interval: model.Interval15m, OpenTime: 15 * minuteMS, CloseTime: 30*minuteMS - 1, Open: 102, High: 106, Low: 101, Close: 104, Volume: 120, Closed: true},
	}
	st.SeedHTF(model.Interval15m, seed)
	if st.htf[model.Interval15m].Len() != 2 {
		t.Fatalf("seed len=%d", st.htf[model.Interval15m].Len())
	}

	// First live 1m bar lands in the next bucket: the seeded bucket was
	// already persisted and must not come back out.
	fin := st.Update(kline1m(30*minuteMS, 104, 105, 103, 104.5, 10, true), 1)
	for _, c := range fin {
		if c.Interval == model.Interval15m {
			t.Fatalf("seeded bucket re-emitted: %+v", c)
		}
	}
	if st.htf[model.Interval15m].Len() != 3 {
		t.Errorf("live bucket not opened, len=%d", st.htf[model.Interval15m].Len())
	}
}

func TestComputeMetrics_BasicPopulation(t *testing.T) {
	st := NewSymbolState("binance", "ETHUSDT", DefaultParams())
	for i := 0; i < 70; i++ {
		o := 2000 + 0.5*float64(i)
		st.Update(kline1m(int64(i)*minuteMS, o, o+1, o-1, o+0.5, 1000, true), int64(i+1))
	}
	st.UpdateTicker(2036, 71)
	for i := 0; i < 20; i++ {
		st.UpdateOpenInterest(1e6 + float64(i)*1e3)
	}

	m := st.ComputeMetrics(72)
	if m.Symbol != "ETHUSDT" || m.LastPrice != 2036 {
		t.Fatalf("identity wrong: %+v", m)
	}
	if m.Change1m == nil || m.Change5m == nil || m.Change15m == nil || m.Change60m == nil {
		t.Error("1m-window changes should all be present after 70 bars")
	}
	if m.ATR == nil {
		t.Error("ATR missing")
	}
	if m.RVol1m == nil || m.VolZScore1m == nil {
		t.Error("volume block missing")
	}
	if m.VWAP15m == nil || m.Breakout15m == nil || m.Breakdown15m == nil {
		t.Error("structure block missing")
	}
	if m.OpenInterest == nil || m.OIChange5m == nil || m.OIChange15m == nil {
		t.Error("OI block missing")
	}
	if m.OIChange1h != nil {
		t.Error("oi_change_1h needs 61 samples, should be absent")
	}
	if m.MomentumScore == nil || m.SignalScore == nil || m.SignalStrength == "" {
		t.Error("momentum block missing")
	}
	if m.ImpulseScore == nil || m.ImpulseDir == nil {
		t.Error("impulse block missing")
	}
	// Only four 15m buckets closed: the oscillator bank needs more.
	if m.RSI14 != nil {
		t.Error("rsi_14 should be absent with 4 closed 15m bars")
	}
	if m.TS == 0 {
		t.Error("ts not stamped")
	}
}

func TestComputeMetrics_RisingTapeScoresBullish(t *testing.T) {
	st := NewSymbolState("binance", "SOLUSDT", DefaultParams())
	price := 100.0
	for i := 0; i < 70; i++ {
		o := price
		price *= 1.004
		st.Update(kline1m(int64(i)*minuteMS, o, price+0.1, o-0.1, price, 1000, true), int64(i+1))
	}
	m := st.ComputeMetrics(100)
	if m.MomentumScore == nil || *m.MomentumScore <= 0 {
		t.Fatalf("momentum should be positive on a rising tape: %+v", m.MomentumScore)
	}
	if m.SignalStrength == "bear" || m.SignalStrength == "strong_bear" {
		t.Errorf("strength=%q on a rising tape", m.SignalStrength)
	}
	if m.ImpulseDir == nil || *m.ImpulseDir != 1 {
		t.Errorf("impulse dir should be +1")
	}
}

func TestMemoization_SameLengthWithinTTL(t *testing.T) {
	st := NewSymbolState("binance", "BTCUSDT", DefaultParams())
	calls := 0
	v := st.memoized("x", 10, 1000, func() interface{} { calls++; return 42 })
	if v.(int) != 42 {
		t.Fatal("wrong memo value")
	}
	st.memoized("x", 10, 1000+memoTTLMS-1, func() interface{} { calls++; return 43 })
	if calls != 1 {
		t.Errorf("memo should have served the cached value, calls=%d", calls)
	}
	// Length change misses; TTL expiry misses.
	st.memoized("x", 11, 1001, func() interface{} { calls++; return 44 })
	st.memoized("x", 10, 1000+memoTTLMS, func() interface{} { calls++; return 45 })
	if calls != 3 {
		t.Errorf("expected two misses, calls=%d", calls)
	}
}
