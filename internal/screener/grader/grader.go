// Package grader scores a fired signal against confluence rules and
// historical per-symbol performance, then buckets it into setup grades:
//
//	A: score >= 6 AND the 1h/4h timeframes align with the signal
//	B: score >= 3, or a high score without MTF alignment
//	C: everything else
//
// The win-rate table is fed back from the backtester and swapped in
// atomically, so grading never blocks on an analysis run.
package grader

import (
	"fmt"
	"sync"

	"perpscreener/internal/model"
)

// Grade buckets.
const (
	GradeA = "A"
	GradeB = "B"
	GradeC = "C"
)

// Result of grading one signal.
type Result struct {
	Score        float64
	Grade        string
	AvoidReasons []string
	MTFAligned   bool
	MTFCount     int
}

// Grader holds the symbol win-rate cache. The zero value grades with no
// historical component.
type Grader struct {
	mu       sync.RWMutex
	winRates map[string]float64
}

func New() *Grader {
	return &Grader{}
}

// SetWinRates replaces the cached per-symbol win rates wholesale.
func (g *Grader) SetWinRates(rates map[string]float64) {
	g.mu.Lock()
	g.winRates = rates
	g.mu.Unlock()
}

func (g *Grader) winRate(symbol string) (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.winRates[symbol]
	return v, ok
}

// mtfAlignment checks whether the 1h and 4h streams agree with the
// signal direction: RSI not at the opposing extreme, MACD histogram on
// the signal's side. Aligned needs 3 of the 4 checks.
func mtfAlignment(m *model.SymbolMetrics, signal string) (aligned bool, count int, reasons []string) {
	if m.RSI1h != nil {
		switch {
		case signal == model.SideBuy && *m.RSI1h < 70:
			count++
		case signal == model.SideSell && *m.RSI1h > 30:
			count++
		case signal == model.SideBuy:
			reasons = append(reasons, fmt.Sprintf("1h RSI overbought (%.0f)", *m.RSI1h))
		default:
			reasons = append(reasons, fmt.Sprintf("1h RSI oversold (%.0f)", *m.RSI1h))
		}
	}
	if m.RSI4h != nil {
		// More lenient extremes on 4h.
		switch {
		case signal == model.SideBuy && *m.RSI4h < 75:
			count++
		case signal == model.SideSell && *m.RSI4h > 25:
			count++
		case signal == model.SideBuy:
			reasons = append(reasons, fmt.Sprintf("4h RSI overbought (%.0f)", *m.RSI4h))
		default:
			reasons = append(reasons, fmt.Sprintf("4h RSI oversold (%.0f)", *m.RSI4h))
		}
	}
	if m.MACDHist1h != nil {
		if (signal == model.SideBuy && *m.MACDHist1h > 0) || (signal == model.SideSell && *m.MACDHist1h < 0) {
			count++
		} else {
			reasons = append(reasons, "1h MACD against signal")
		}
	}
	if m.MACDHist4h != nil {
		if (signal == model.SideBuy && *m.MACDHist4h > 0) || (signal == model.SideSell && *m.MACDHist4h < 0) {
			count++
		} else {
			reasons = append(reasons, "4h MACD against signal")
		}
	}
	return count >= 3, count, reasons
}

// Grade scores the metrics snapshot for the given signal side.
func (g *Grader) Grade(m *model.SymbolMetrics, signal string) Result {
	score := 2.0 // base: the signal fired
	var avoid []string

	// Open interest alignment, percent change over 5m.
	if m.OIChange5m != nil {
		oi := *m.OIChange5m
		switch signal {
		case model.SideBuy:
			switch {
			case oi > 0.5:
				score += 2
			case oi > 0:
				score++
			case oi < -0.5:
				score -= 2
				avoid = append(avoid, "OI decreasing strongly on BUY")
			}
		case model.SideSell:
			switch {
			case oi < -0.5:
				score += 2
			case oi < 0:
				score++
			case oi > 0.5:
				score -= 2
				avoid = append(avoid, "OI increasing strongly on SELL")
			}
		}
	}

	// Relative volume.
	if m.RVol1m != nil {
		switch rvol := *m.RVol1m; {
		case rvol >= 2.0:
			score += 2
		case rvol >= 1.5:
			score++
		case rvol < 0.5:
			score -= 2
			avoid = append(avoid, "Very low RVOL")
		case rvol < 0.8:
			score--
			avoid = append(avoid, "Low RVOL")
		}
	}

	// Momentum alignment.
	if m.MomentumScore != nil {
		mom := *m.MomentumScore
		if signal == model.SideSell {
			mom = -mom
		}
		switch {
		case mom > 30:
			score += 1.5
		case mom > 0:
			score += 0.5
		case mom < -30:
			score -= 1.5
			if signal == model.SideBuy {
				avoid = append(avoid, "Strong bearish momentum")
			} else {
				avoid = append(avoid, "Strong bullish momentum")
			}
		}
	}

	// Turnover floor/bonus.
	if m.Vol1m != nil {
		switch v := *m.Vol1m; {
		case v <= 0:
			avoid = append(avoid, "No volume data")
		case v < 10_000:
			score--
			avoid = append(avoid, "Low volume (<$10k)")
		case v > 100_000:
			score += 0.5
		}
	}

	// 15m RSI extremes.
	if m.RSI14 != nil {
		rsi := *m.RSI14
		switch signal {
		case model.SideBuy:
			if rsi < 30 {
				score += 1.5
			} else if rsi > 75 {
				score -= 1.5
				avoid = append(avoid, "15m RSI overbought")
			}
		case model.SideSell:
			if rsi > 70 {
				score += 1.5
			} else if rsi < 25 {
				score -= 1.5
				avoid = append(avoid, "15m RSI oversold")
			}
		}
	}

	// Funding-rate sentiment: fade the crowded side.
	if m.FundingRate != nil {
		fr := *m.FundingRate
		switch signal {
		case model.SideBuy:
			if fr < -0.0005 {
				score++
			} else if fr > 0.001 {
				score--
				avoid = append(avoid, "High positive funding (crowded long)")
			}
		case model.SideSell:
			if fr > 0.0005 {
				score++
			} else if fr < -0.001 {
				score--
				avoid = append(avoid, "High negative funding (crowded short)")
			}
		}
	}

	// Volatility context.
	if m.VolPercentile != nil {
		switch p := *m.VolPercentile; {
		case p > 90:
			avoid = append(avoid, "Extreme volatility (90th+ percentile)")
		case p < 20:
			score += 0.5
		}
	}

	// MTF confluence, the strict A-grade filter.
	aligned, count, mtfReasons := mtfAlignment(m, signal)
	if aligned {
		score += 2
	} else {
		avoid = append(avoid, mtfReasons...)
	}

	// Historical symbol performance from the backtester.
	if wr, ok := g.winRate(m.Symbol); ok {
		if wr < 0.35 {
			score -= 2
			avoid = append(avoid, fmt.Sprintf("Poor historical win rate (%.0f%%)", wr*100))
		} else if wr > 0.55 {
			score++
		}
	}

	// MTF bull/bear counts from the snapshot.
	switch {
	case signal == model.SideBuy && m.MTFBullCount >= 4:
		score++
	case signal == model.SideSell && m.MTFBearCount >= 4:
		score++
	case signal == model.SideBuy && m.MTFBearCount >= 4:
		score--
		avoid = append(avoid, fmt.Sprintf("MTF bearish (%d/5) on BUY", m.MTFBearCount))
	case signal == model.SideSell && m.MTFBullCount >= 4:
		score--
		avoid = append(avoid, fmt.Sprintf("MTF bullish (%d/5) on SELL", m.MTFBullCount))
	}

	// Bollinger position and squeeze.
	if m.BBPosition != nil {
		pos := *m.BBPosition
		switch signal {
		case model.SideBuy:
			if pos < 0.15 {
				score += 1.5
			} else if pos > 0.90 {
				score--
				avoid = append(avoid, fmt.Sprintf("Price near BB upper (%.2f)", pos))
			}
		case model.SideSell:
			if pos > 0.85 {
				score += 1.5
			} else if pos < 0.10 {
				score--
				avoid = append(avoid, fmt.Sprintf("Price near BB lower (%.2f)", pos))
			}
		}
	}
	if m.BBWidth != nil {
		if *m.BBWidth < 0.03 {
			score += 0.5
		} else if *m.BBWidth > 0.15 {
			avoid = append(avoid, "BB wide (extended volatility)")
		}
	}

	// ATR as a percentage of price.
	if m.ATR != nil && m.LastPrice > 0 {
		atrPct := *m.ATR / m.LastPrice * 100
		if atrPct > 8 {
			score--
			avoid = append(avoid, fmt.Sprintf("Very high ATR (%.1f%%)", atrPct))
		} else if atrPct < 1 {
			score += 0.5
		}
	}

	// VWAP extension.
	if m.VWAP15m != nil && *m.VWAP15m > 0 {
		diffPct := (m.LastPrice - *m.VWAP15m) / *m.VWAP15m * 100
		switch signal {
		case model.SideBuy:
			if diffPct < -1 {
				score += 0.5
			} else if diffPct > 3 {
				avoid = append(avoid, fmt.Sprintf("Price extended above VWAP (%.1f%%)", diffPct))
			}
		case model.SideSell:
			if diffPct > 1 {
				score += 0.5
			} else if diffPct < -3 {
				avoid = append(avoid, fmt.Sprintf("Price extended below VWAP (%.1f%%)", diffPct))
			}
		}
	}

	grade := GradeC
	switch {
	case score >= 6 && aligned:
		grade = GradeA
	case score >= 3:
		grade = GradeB
	}

	return Result{
		Score:        score,
		Grade:        grade,
		AvoidReasons: avoid,
		MTFAligned:   aligned,
		MTFCount:     count,
	}
}
