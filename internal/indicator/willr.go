package indicator

// Williams %R Trend Exhaustion defaults: dual lookbacks with EMA
// smoothing, TradingView-style overbought/oversold zone edges.
const (
	willrFastLen    = 21
	willrSlowLen    = 112
	willrFastSmooth = 7
	willrSlowSmooth = 3
	willrObLevel    = -20.0
	willrOsLevel    = -80.0
)

// WilliamsR returns %R over the newest length bars:
// 100 * (close - maxHigh) / (maxHigh - minLow), in [-100, 0].
func WilliamsR(highs, lows, closes []float64, length int) (float64, bool) {
	n := len(closes)
	if length < 1 || n < length || len(highs) != n || len(lows) != n {
		return 0, false
	}
	maxH := maxSlice(highs[n-length:])
	minL := minSlice(lows[n-length:])
	if maxH == minL {
		return 0, false
	}
	return 100 * (closes[n-1] - maxH) / (maxH - minL), true
}

// TrendExhaustion is the dual-%R state at the newest bar.
type TrendExhaustion struct {
	Fast, Slow float64 // smoothed %R values

	ObTrendStart bool // both entered the overbought zone this bar
	OsTrendStart bool // both entered the oversold zone this bar
	ObReversal   bool // exited overbought this bar (bearish)
	OsReversal   bool // exited oversold this bar (bullish)
	CrossBull    bool // slow crossed below fast
	CrossBear    bool // slow crossed above fast
}

// WilliamsTrendExhaustion computes the %R Trend Exhaustion signal:
// fast %R(21) EMA-smoothed over 7 bars, slow %R(112) smoothed over 3.
// The zone is overbought when both values are >= -20 and oversold when
// both are <= -80; trend-start flags fire on the entry edge and
// reversal flags on the exit edge.
func WilliamsTrendExhaustion(highs, lows, closes []float64) (TrendExhaustion, bool) {
	n := len(closes)
	minBars := willrSlowLen + willrFastSmooth + 1
	if n < minBars || len(highs) != n || len(lows) != n {
		return TrendExhaustion{}, false
	}

	// Raw %R series from the first index where the slow lookback fits.
	start := willrSlowLen - 1
	fastRaw := make([]float64, 0, n-start)
	slowRaw := make([]float64, 0, n-start)
	for i := start; i < n; i++ {
		f, ok := WilliamsR(highs[:i+1], lows[:i+1], closes[:i+1], willrFastLen)
		if !ok {
			return TrendExhaustion{}, false
		}
		s, ok := WilliamsR(highs[:i+1], lows[:i+1], closes[:i+1], willrSlowLen)
		if !ok {
			return TrendExhaustion{}, false
		}
		fastRaw = append(fastRaw, f)
		slowRaw = append(slowRaw, s)
	}

	fastSm, fv := emaSeries(fastRaw, willrFastSmooth)
	slowSm, sv := emaSeries(slowRaw, willrSlowSmooth)
	last := len(fastRaw) - 1
	if last-1 < fv || last-1 < sv {
		return TrendExhaustion{}, false
	}

	fc, fp := fastSm[last], fastSm[last-1]
	sc, sp := slowSm[last], slowSm[last-1]

	obNow := fc >= willrObLevel && sc >= willrObLevel
	obPrev := fp >= willrObLevel && sp >= willrObLevel
	osNow := fc <= willrOsLevel && sc <= willrOsLevel
	osPrev := fp <= willrOsLevel && sp <= willrOsLevel

	return TrendExhaustion{
		Fast:         fc,
		Slow:         sc,
		ObTrendStart: obNow && !obPrev,
		OsTrendStart: osNow && !osPrev,
		ObReversal:   !obNow && obPrev,
		OsReversal:   !osNow && osPrev,
		CrossBull:    sp-fp >= 0 && sc-fc < 0,
		CrossBear:    sp-fp <= 0 && sc-fc > 0,
	}, true
}
