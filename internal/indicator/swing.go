package indicator

// Swing pullback parameters on the 4h series.
const (
	swingTrendLen  = 20
	swingRSILen    = 14
	swingDipLevel  = 45.0
	swingDipWindow = 3
)

// SwingPullback detects a trend-pullback long setup on a higher
// timeframe series: price above the 20-bar SMA, RSI(14) dipped below 45
// within the last 3 bars and is turning back up, and the newest close is
// above the prior close. Returns the matched reason when the setup fires.
func SwingPullback(closes []float64) (bool, string) {
	n := len(closes)
	if n < swingTrendLen+swingRSILen+swingDipWindow {
		return false, ""
	}
	sma, ok := smaLast(closes, swingTrendLen)
	if !ok || closes[n-1] <= sma {
		return false, ""
	}
	if closes[n-1] <= closes[n-2] {
		return false, ""
	}

	rsis, ok := rsiSeries(closes, swingRSILen)
	if !ok || len(rsis) < swingDipWindow+1 {
		return false, ""
	}
	last := len(rsis) - 1
	if rsis[last] <= rsis[last-1] {
		return false, ""
	}
	dipped := false
	for i := last - swingDipWindow; i < last; i++ {
		if rsis[i] < swingDipLevel {
			dipped = true
			break
		}
	}
	if !dipped {
		return false, ""
	}
	return true, "trend_pullback_rsi_turn"
}
