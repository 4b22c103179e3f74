package indicator

import "math"

// Volume and structure lookbacks on the 1m series.
const (
	volZLookback   = 30
	rvolLookback   = 30
	structLookback = 15
)

// AbsReturnZScore returns how many standard deviations the newest
// absolute 1-bar return sits from the mean of the last lookback absolute
// returns (window includes the newest return). Zero-variance windows
// return 0, not absent: a dead-flat tape is a legitimate z of zero.
func AbsReturnZScore(closes []float64, lookback int) (float64, bool) {
	if lookback < 1 || len(closes) <= lookback {
		return 0, false
	}
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		rets = append(rets, math.Abs(closes[i]/closes[i-1]-1))
	}
	if len(rets) <= lookback {
		return 0, false
	}
	win := rets[len(rets)-lookback:]
	mean, _ := smaLast(win, lookback)
	sd, _ := stddevLast(win, lookback)
	if sd == 0 {
		return 0, true
	}
	return (rets[len(rets)-1] - mean) / sd, true
}

// RelativeVolume returns the newest volume divided by the mean of the
// preceding lookback samples.
func RelativeVolume(volumes []float64, lookback int) (float64, bool) {
	n := len(volumes)
	if lookback < 1 || n < lookback+1 {
		return 0, false
	}
	mean, _ := smaLast(volumes[:n-1], lookback)
	if mean == 0 {
		return 0, false
	}
	return volumes[n-1] / mean, true
}

// VolumeSum returns the total of the newest window samples.
func VolumeSum(volumes []float64, window int) (float64, bool) {
	n := len(volumes)
	if window < 1 || n < window {
		return 0, false
	}
	sum := 0.0
	for _, v := range volumes[n-window:] {
		sum += v
	}
	return sum, true
}

// VWAP computes the volume-weighted average close over the newest window
// CLOSED bars: the forming bar (the last element of every slice) is
// excluded.
func VWAP(closes, volumes []float64, window int) (float64, bool) {
	n := len(closes)
	if window < 1 || n < window+1 || len(volumes) != n {
		return 0, false
	}
	pvSum, vSum := 0.0, 0.0
	for i := n - 1 - window; i < n-1; i++ {
		pvSum += closes[i] * volumes[i]
		vSum += volumes[i]
	}
	if vSum == 0 {
		return 0, false
	}
	return pvSum / vSum, true
}

// Breakout returns how far the last CLOSED close sits relative to the
// highest high of the window bars ending at that close. Positive only
// when the close pierced every high in the window, so it is a strict
// range-expansion measure.
func Breakout(highs, closes []float64, window int) (float64, bool) {
	n := len(closes)
	if window < 1 || n < window+1 {
		return 0, false
	}
	// closes[n-1] is the forming bar; n-2 is the last closed bar.
	ref := maxSlice(highs[n-1-window : n-1])
	if ref == 0 {
		return 0, false
	}
	return closes[n-2]/ref - 1, true
}

// Breakdown mirrors Breakout against the lowest low of the window.
func Breakdown(lows, closes []float64, window int) (float64, bool) {
	n := len(closes)
	if window < 1 || n < window+1 {
		return 0, false
	}
	ref := minSlice(lows[n-1-window : n-1])
	if ref == 0 {
		return 0, false
	}
	return closes[n-2]/ref - 1, true
}
