// Package indicator provides the technical indicator bank computed over
// rolling OHLCV windows.
//
// Every indicator is a pure function over value slices ordered oldest to
// newest. Results come back as (value, ok): ok=false means the window is
// under-provisioned and the caller must treat the metric as absent, not
// zero. No indicator allocates state between calls; memoization lives in
// the owning symbol state.
package indicator

import "math"

// emaSeries computes an exponential moving average over values, seeded
// with the SMA of the first period samples. Entries before index
// period-1 are not meaningful; the caller must respect firstValid.
func emaSeries(values []float64, period int) (out []float64, firstValid int) {
	n := len(values)
	out = make([]float64, n)
	if n < period || period < 1 {
		return out, n // nothing valid
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	out[period-1] = sum / float64(period)
	mult := 2.0 / float64(period+1)
	for i := period; i < n; i++ {
		out[i] = values[i]*mult + out[i-1]*(1-mult)
	}
	return out, period - 1
}

// smaLast returns the mean of the newest period samples.
func smaLast(values []float64, period int) (float64, bool) {
	n := len(values)
	if period < 1 || n < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[n-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// stddevLast returns the population standard deviation of the newest
// period samples.
func stddevLast(values []float64, period int) (float64, bool) {
	mean, ok := smaLast(values, period)
	if !ok {
		return 0, false
	}
	n := len(values)
	varSum := 0.0
	for _, v := range values[n-period:] {
		d := v - mean
		varSum += d * d
	}
	return math.Sqrt(varSum / float64(period)), true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func maxSlice(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minSlice(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
