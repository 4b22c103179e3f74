package indicator

// RSI returns the Wilder-smoothed Relative Strength Index over the
// newest period deltas. Requires period+1 closes.
func RSI(closes []float64, period int) (float64, bool) {
	s, ok := rsiSeries(closes, period)
	if !ok {
		return 0, false
	}
	return s[len(s)-1], true
}

// rsiSeries computes the RSI value at every bar from index period
// onward; the returned slice holds one entry per computable bar.
func rsiSeries(closes []float64, period int) ([]float64, bool) {
	n := len(closes)
	if period < 1 || n < period+1 {
		return nil, false
	}
	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	out := make([]float64, 0, n-period)
	rsiAt := func(gain, loss float64) float64 {
		if loss == 0 {
			return 100
		}
		rs := gain / loss
		return 100 - 100/(1+rs)
	}
	out = append(out, rsiAt(avgGain, avgLoss))

	p := float64(period)
	for i := period + 1; i < n; i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		out = append(out, rsiAt(avgGain, avgLoss))
	}
	return out, true
}

// MACDResult is the MACD triple at the newest bar.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes MACD(fast, slow, signal) over closes.
func MACD(closes []float64, fast, slow, signalLen int) (MACDResult, bool) {
	n := len(closes)
	if n < slow+signalLen {
		return MACDResult{}, false
	}
	emaFast, _ := emaSeries(closes, fast)
	emaSlow, slowValid := emaSeries(closes, slow)

	diff := make([]float64, n-slowValid)
	for i := slowValid; i < n; i++ {
		diff[i-slowValid] = emaFast[i] - emaSlow[i]
	}
	sig, sigValid := emaSeries(diff, signalLen)
	if len(diff)-1 < sigValid {
		return MACDResult{}, false
	}
	m := diff[len(diff)-1]
	s := sig[len(sig)-1]
	return MACDResult{MACD: m, Signal: s, Histogram: m - s}, true
}

// StochRSI computes Stochastic RSI(rsiLen, stochLen, kLen, dLen):
// the stochastic of the RSI series with SMA-smoothed %K and %D.
func StochRSI(closes []float64, rsiLen, stochLen, kLen, dLen int) (k, d float64, ok bool) {
	rsis, ok := rsiSeries(closes, rsiLen)
	if !ok || len(rsis) < stochLen+kLen+dLen-2 {
		return 0, 0, false
	}

	raw := make([]float64, 0, len(rsis)-stochLen+1)
	for i := stochLen - 1; i < len(rsis); i++ {
		win := rsis[i-stochLen+1 : i+1]
		lo, hi := minSlice(win), maxSlice(win)
		if hi == lo {
			raw = append(raw, 0)
			continue
		}
		raw = append(raw, 100*(rsis[i]-lo)/(hi-lo))
	}

	ks := make([]float64, 0, len(raw)-kLen+1)
	for i := kLen - 1; i < len(raw); i++ {
		v, _ := smaLast(raw[:i+1], kLen)
		ks = append(ks, v)
	}
	if len(ks) < dLen {
		return 0, 0, false
	}
	d, _ = smaLast(ks, dLen)
	return ks[len(ks)-1], d, true
}

// CipherMFI computes the Market Cipher style money flow index: the SMA
// over the newest length bars of ((close-open)/(high-low)) * 150.
// Doji bars (high == low) contribute zero.
func CipherMFI(opens, highs, lows, closes []float64, length int) (float64, bool) {
	n := len(closes)
	if length < 1 || n < length || len(opens) != n || len(highs) != n || len(lows) != n {
		return 0, false
	}
	sum := 0.0
	for i := n - length; i < n; i++ {
		rng := highs[i] - lows[i]
		if rng == 0 {
			continue
		}
		sum += (closes[i] - opens[i]) / rng * 150
	}
	return sum / float64(length), true
}

// Bollinger holds the band values at the newest bar.
type Bollinger struct {
	Upper, Middle, Lower float64
	Width                float64 // (upper-lower)/middle
	Position             float64 // (close-lower)/(upper-lower)
}

// BollingerBands computes Bollinger(period, mult) over closes.
func BollingerBands(closes []float64, period int, mult float64) (Bollinger, bool) {
	mid, ok := smaLast(closes, period)
	if !ok || mid == 0 {
		return Bollinger{}, false
	}
	sd, _ := stddevLast(closes, period)
	upper := mid + mult*sd
	lower := mid - mult*sd
	b := Bollinger{Upper: upper, Middle: mid, Lower: lower, Width: (upper - lower) / mid}
	if span := upper - lower; span > 0 {
		b.Position = (closes[len(closes)-1] - lower) / span
	} else {
		b.Position = 0.5
	}
	return b, true
}
