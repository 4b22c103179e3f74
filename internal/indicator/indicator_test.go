package indicator

import (
	"math"
	"testing"
)

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (diff=%.6f)", label, got, want, math.Abs(got-want))
	}
}

func constantSeries(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestEMASeries_SMASeedAndRecursion(t *testing.T) {
	// EMA(3) over 1..5, seeded with SMA(1,2,3)=2, mult=0.5:
	// ema[2]=2, ema[3]=4*0.5+2*0.5=3, ema[4]=5*0.5+3*0.5=4
	out, first := emaSeries([]float64{1, 2, 3, 4, 5}, 3)
	if first != 2 {
		t.Fatalf("firstValid=%d, want 2", first)
	}
	assertClose(t, "ema[2]", out[2], 2.0, 1e-9)
	assertClose(t, "ema[3]", out[3], 3.0, 1e-9)
	assertClose(t, "ema[4]", out[4], 4.0, 1e-9)
}

func TestEMASeries_UnderProvisioned(t *testing.T) {
	_, first := emaSeries([]float64{1, 2}, 5)
	if first != 2 {
		t.Fatalf("firstValid=%d, want len(values)=2 when under-provisioned", first)
	}
}

func TestSMALast_AndStddev(t *testing.T) {
	vals := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	mean, ok := smaLast(vals, 8)
	if !ok {
		t.Fatal("smaLast not ok")
	}
	assertClose(t, "mean", mean, 5.0, 1e-9)
	sd, ok := stddevLast(vals, 8)
	if !ok {
		t.Fatal("stddevLast not ok")
	}
	assertClose(t, "stddev", sd, 2.0, 1e-9) // classic population-stddev example
}

func TestATR_MeanOfTrueRanges(t *testing.T) {
	// Three bars after the seed close. TRs:
	// bar1: max(12-9, |12-10|, |9-10|) = 3
	// bar2: max(13-11, |13-11|, |11-11|) = 2
	// bar3: max(14-12, |14-12|, |12-12|) = 2
	highs := []float64{11, 12, 13, 14}
	lows := []float64{9, 9, 11, 12}
	closes := []float64{10, 11, 12, 13}
	atr, ok := ATR(highs, lows, closes, 3)
	if !ok {
		t.Fatal("ATR not ok")
	}
	assertClose(t, "ATR(3)", atr, (3.0+2.0+2.0)/3.0, 1e-9)
}

func TestATR_NeedsPeriodPlusOne(t *testing.T) {
	highs := []float64{11, 12, 13}
	lows := []float64{9, 9, 11}
	closes := []float64{10, 11, 12}
	if _, ok := ATR(highs, lows, closes, 3); ok {
		t.Fatal("ATR should require period+1 bars")
	}
}

func TestPctChange(t *testing.T) {
	closes := []float64{100, 101, 102, 103, 104}
	// window=3 with live price 106: base is closes[-4]=101.
	got, ok := PctChange(closes, 106, 3)
	if !ok {
		t.Fatal("PctChange not ok")
	}
	assertClose(t, "pct", got, (106.0-101.0)/101.0, 1e-12)

	if _, ok := PctChange(closes[:3], 106, 3); ok {
		t.Fatal("PctChange should need window+1 samples")
	}
}

func TestVolatilityPercentile(t *testing.T) {
	hist := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	p, ok := VolatilityPercentile(hist, 7.5, 10)
	if !ok {
		t.Fatal("not ok")
	}
	assertClose(t, "pct", p, 0.7, 1e-9)

	// Lookback shorter than history trims the oldest samples.
	p, _ = VolatilityPercentile(hist, 7.5, 4)
	assertClose(t, "pct trimmed", p, 0.25, 1e-9)
}

func TestRSI_AllGainsIs100(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	rsi, ok := RSI(closes, 14)
	if !ok {
		t.Fatal("RSI not ok")
	}
	assertClose(t, "rsi", rsi, 100.0, 1e-9)
}

func TestRSI_FlatIsDegenerate(t *testing.T) {
	rsi, ok := RSI(constantSeries(50, 20), 14)
	if !ok {
		t.Fatal("RSI not ok")
	}
	// No losses at all: convention pins RS at infinity, RSI at 100.
	assertClose(t, "rsi flat", rsi, 100.0, 1e-9)
}

func TestRSI_UnderProvisioned(t *testing.T) {
	if _, ok := RSI(constantSeries(50, 14), 14); ok {
		t.Fatal("RSI should require period+1 closes")
	}
}

func TestMACD_FlatSeriesIsZero(t *testing.T) {
	m, ok := MACD(constantSeries(100, 60), 12, 26, 9)
	if !ok {
		t.Fatal("MACD not ok")
	}
	assertClose(t, "macd", m.MACD, 0, 1e-9)
	assertClose(t, "signal", m.Signal, 0, 1e-9)
	assertClose(t, "hist", m.Histogram, 0, 1e-9)
}

func TestMACD_UptrendPositiveHistogramOnAcceleration(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + 0.01*float64(i)*float64(i) // accelerating rise
	}
	m, ok := MACD(closes, 12, 26, 9)
	if !ok {
		t.Fatal("MACD not ok")
	}
	if m.MACD <= 0 {
		t.Errorf("MACD=%f, want >0 in accelerating uptrend", m.MACD)
	}
	if m.Histogram <= 0 {
		t.Errorf("hist=%f, want >0 when MACD pulls away from signal", m.Histogram)
	}
}

func TestBollingerBands(t *testing.T) {
	// 20 samples of 100 plus a final 110: mean=100.5, the band must
	// contain the middle and position must be in (0.5, 1].
	closes := append(constantSeries(100, 20), 110)
	b, ok := BollingerBands(closes, 20, 2)
	if !ok {
		t.Fatal("bollinger not ok")
	}
	if b.Upper <= b.Middle || b.Lower >= b.Middle {
		t.Fatalf("band ordering broken: %+v", b)
	}
	if b.Position <= 0.5 {
		t.Errorf("position=%f, want >0.5 with close above mean", b.Position)
	}
	if b.Width <= 0 {
		t.Errorf("width=%f, want >0", b.Width)
	}
}

func TestBollingerBands_FlatHasZeroWidth(t *testing.T) {
	b, ok := BollingerBands(constantSeries(100, 25), 20, 2)
	if !ok {
		t.Fatal("bollinger not ok")
	}
	assertClose(t, "width", b.Width, 0, 1e-12)
	assertClose(t, "position", b.Position, 0.5, 1e-12) // degenerate span centers
}

func TestCipherMFI_SkipsDoji(t *testing.T) {
	opens := []float64{100, 100, 100}
	highs := []float64{102, 100, 102}
	lows := []float64{98, 100, 98}
	closes := []float64{101, 100, 99}
	// bar0: (1/4)*150 = 37.5, bar1: doji -> 0, bar2: (-1/4)*150 = -37.5
	v, ok := CipherMFI(opens, highs, lows, closes, 3)
	if !ok {
		t.Fatal("mfi not ok")
	}
	assertClose(t, "mfi", v, 0, 1e-9)
}

func TestWilliamsR_Range(t *testing.T) {
	highs := []float64{10, 11, 12, 13, 14}
	lows := []float64{8, 9, 10, 11, 12}
	closes := []float64{9, 10, 11, 12, 14}
	// close == max high over 5 bars -> %R = 0 (top of range)
	v, ok := WilliamsR(highs, lows, closes, 5)
	if !ok {
		t.Fatal("willr not ok")
	}
	assertClose(t, "willr top", v, 0, 1e-9)

	closes[4] = 8 // close at the range low
	v, _ = WilliamsR(highs, lows, closes, 5)
	assertClose(t, "willr bottom", v, -100, 1e-9)
}
