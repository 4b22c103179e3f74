package indicator

import "math"

// ATR returns the Average True Range over the newest period bars: the
// arithmetic mean of the last period true ranges. Requires period+1
// closes so every TR has a previous close.
func ATR(highs, lows, closes []float64, period int) (float64, bool) {
	n := len(closes)
	if period < 1 || n < period+1 || len(highs) != n || len(lows) != n {
		return 0, false
	}
	sum := 0.0
	for i := n - period; i < n; i++ {
		sum += trueRange(highs[i], lows[i], closes[i-1])
	}
	return sum / float64(period), true
}

func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if d := math.Abs(high - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// PctChange returns (current - closes[-window]) / closes[-window] using
// current as the live price. Needs window+1 samples of history.
func PctChange(closes []float64, current float64, window int) (float64, bool) {
	n := len(closes)
	if window < 1 || n <= window {
		return 0, false
	}
	base := closes[n-window-1]
	if base == 0 {
		return 0, false
	}
	return (current - base) / base, true
}

// VolatilityPercentile returns the fraction of the newest lookback ATR
// history samples strictly below current.
func VolatilityPercentile(atrHistory []float64, current float64, lookback int) (float64, bool) {
	n := len(atrHistory)
	if n == 0 {
		return 0, false
	}
	if n > lookback {
		atrHistory = atrHistory[n-lookback:]
	}
	below := 0
	for _, v := range atrHistory {
		if v < current {
			below++
		}
	}
	return float64(below) / float64(len(atrHistory)), true
}
