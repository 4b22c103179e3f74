package indicator

import "math"

// WaveTrend channel/average/smoothing lengths (LazyBear defaults).
const (
	wtChannelLen = 9
	wtAverageLen = 12
	wtSmoothLen  = 3
)

// wavetrendMinBars is the minimum number of bars before wt2 and its
// previous value are both defined.
const wavetrendMinBars = wtChannelLen + wtChannelLen + wtAverageLen + wtSmoothLen

// WaveTrendResult carries the oscillator pair at the newest bar and at
// the bar before it, so callers can detect a cross without re-running
// the computation.
type WaveTrendResult struct {
	WT1, WT2         float64
	PrevWT1, PrevWT2 float64
}

// WaveTrend computes the LazyBear WaveTrend oscillator:
//
//	esa = EMA(hlc3, 9); de = EMA(|hlc3-esa|, 9)
//	ci  = (hlc3 - esa) / (0.015 * de)
//	wt1 = EMA(ci, 12); wt2 = SMA(wt1, 3)
//
// Always returns the full four-value result; ok=false when fewer than
// wavetrendMinBars bars are available.
func WaveTrend(highs, lows, closes []float64) (WaveTrendResult, bool) {
	n := len(closes)
	if n < wavetrendMinBars || len(highs) != n || len(lows) != n {
		return WaveTrendResult{}, false
	}

	hlc3 := make([]float64, n)
	for i := 0; i < n; i++ {
		hlc3[i] = (highs[i] + lows[i] + closes[i]) / 3.0
	}

	esa, esaValid := emaSeries(hlc3, wtChannelLen)

	dev := make([]float64, n-esaValid)
	for i := esaValid; i < n; i++ {
		dev[i-esaValid] = math.Abs(hlc3[i] - esa[i])
	}
	de, deValid := emaSeries(dev, wtChannelLen)
	ciStart := esaValid + deValid // absolute index of first defined ci

	ci := make([]float64, n-ciStart)
	for i := ciStart; i < n; i++ {
		d := de[i-esaValid]
		if d == 0 {
			ci[i-ciStart] = 0
			continue
		}
		ci[i-ciStart] = (hlc3[i] - esa[i]) / (0.015 * d)
	}

	wt1, wt1Valid := emaSeries(ci, wtAverageLen)
	wt1Start := ciStart + wt1Valid
	if n-wt1Start < wtSmoothLen+1 {
		return WaveTrendResult{}, false
	}

	sma := func(end int) float64 { // SMA(wt1, 3) ending at absolute index end
		sum := 0.0
		for i := end - wtSmoothLen + 1; i <= end; i++ {
			sum += wt1[i-ciStart]
		}
		return sum / float64(wtSmoothLen)
	}

	return WaveTrendResult{
		WT1:     wt1[n-1-ciStart],
		WT2:     sma(n - 1),
		PrevWT1: wt1[n-2-ciStart],
		PrevWT2: sma(n - 2),
	}, true
}

// CipherCross evaluates the Cipher B trigger at the newest bar.
// A BUY fires when wt2 is at or below osLevel and wt1 crosses up
// through wt2; a SELL mirrors at obLevel. At most one side fires.
func CipherCross(wt WaveTrendResult, osLevel, obLevel float64) (buy, sell bool) {
	prevDiff := wt.PrevWT1 - wt.PrevWT2
	currDiff := wt.WT1 - wt.WT2
	if wt.WT2 <= osLevel && prevDiff < 0 && currDiff >= 0 {
		return true, false
	}
	if wt.WT2 >= obLevel && prevDiff > 0 && currDiff <= 0 {
		return false, true
	}
	return false, false
}
