// Package tradeplan builds entry/stop/take-profit plans for fresh
// signals from 15m structure and an ATR guardrail. The stop always
// takes the more conservative (wider) of the swing reference and the
// ATR stop, so a plan never risks less than either rule alone allows.
package tradeplan

import (
	"encoding/json"
	"fmt"

	"perpscreener/internal/model"
)

// Config holds the plan-shaping knobs.
type Config struct {
	ATRMult        float64    // guardrail distance in ATRs
	SwingLookback  int        // 15m bars scanned for swing high/low
	TPRMults       [3]float64 // take-profit distances in R
	SwingTPRMult   float64    // single TP for the 4h swing variant
	SwingATRMult   float64    // ATR mult for the 4h swing variant
}

// DefaultConfig mirrors the shipped defaults.
func DefaultConfig() Config {
	return Config{
		ATRMult:       2.5,
		SwingLookback: 20,
		TPRMults:      [3]float64{1.5, 2.5, 4.0},
		SwingTPRMult:  1.25,
		SwingATRMult:  2.0,
	}
}

// Swing returns the swing high/low over the given 15m structure bars.
// ok is false when no bars were supplied.
func Swing(highs, lows []float64) (high, low float64, ok bool) {
	if len(highs) == 0 || len(lows) == 0 {
		return 0, 0, false
	}
	high, low = highs[0], lows[0]
	for _, h := range highs[1:] {
		if h > high {
			high = h
		}
	}
	for _, l := range lows[1:] {
		if l < low {
			low = l
		}
	}
	return high, low, true
}

// Build constructs the plan for a CipherB/%R style fast signal.
// side must be BUY or SELL; anything else is a programmer error and
// panics. atr, swingHigh and swingLow are optional.
func (c Config) Build(side string, entry float64, atr, swingHigh, swingLow *float64) model.TradePlan {
	if side != model.SideBuy && side != model.SideSell {
		panic(fmt.Sprintf("tradeplan: invalid side %q", side))
	}

	var atrSL *float64
	if atr != nil {
		v := entry - c.ATRMult**atr
		if side == model.SideSell {
			v = entry + c.ATRMult**atr
		}
		atrSL = &v
	}

	swingRef := swingLow
	if side == model.SideSell {
		swingRef = swingHigh
	}

	stop := entry
	switch side {
	case model.SideBuy:
		stop = pickLow(swingLow, atrSL, entry)
	case model.SideSell:
		stop = pickHigh(swingHigh, atrSL, entry)
	}

	plan := model.TradePlan{
		Side:       side,
		EntryType:  "market",
		EntryPrice: entry,
		StopLoss:   stop,
		ATR:        atr,
		ATRMult:    c.ATRMult,
		SwingRef:   swingRef,
	}

	risk := entry - stop
	if risk < 0 {
		risk = -risk
	}
	if risk > 0 {
		plan.RiskPerUnit = model.Float(risk)
		dir := 1.0
		if side == model.SideSell {
			dir = -1
		}
		plan.TP1 = model.Float(entry + dir*c.TPRMults[0]*risk)
		plan.TP2 = model.Float(entry + dir*c.TPRMults[1]*risk)
		plan.TP3 = model.Float(entry + dir*c.TPRMults[2]*risk)
		plan.RRTP1 = model.Float(c.TPRMults[0])
		plan.RRTP2 = model.Float(c.TPRMults[1])
		plan.RRTP3 = model.Float(c.TPRMults[2])
	}

	plan.PlanJSON = c.planJSON("v1_structure_atr", c.ATRMult, swingHigh, swingLow, atrSL)
	return plan
}

// BuildSwing4h constructs the slower 4h swing-long plan: structure stop
// at the 4h swing low with an ATR fallback and a single take-profit.
func (c Config) BuildSwing4h(entry float64, atr4h, swingLow4h *float64) model.TradePlan {
	var atrSL *float64
	if atr4h != nil {
		v := entry - c.SwingATRMult**atr4h
		atrSL = &v
	}
	stop := pickLow(swingLow4h, atrSL, entry)

	plan := model.TradePlan{
		Side:       model.SideBuy,
		EntryType:  "market",
		EntryPrice: entry,
		StopLoss:   stop,
		ATR:        atr4h,
		ATRMult:    c.SwingATRMult,
		SwingRef:   swingLow4h,
	}
	if risk := entry - stop; risk > 0 {
		plan.RiskPerUnit = model.Float(risk)
		plan.TP1 = model.Float(entry + c.SwingTPRMult*risk)
		plan.RRTP1 = model.Float(c.SwingTPRMult)
	}
	plan.PlanJSON = c.planJSON("v1_swing_4h", c.SwingATRMult, nil, swingLow4h, atrSL)
	return plan
}

func (c Config) planJSON(version string, atrMult float64, swingHigh, swingLow, atrSL *float64) string {
	b, err := json.Marshal(map[string]interface{}{
		"version":            version,
		"swing_lookback_15m": c.SwingLookback,
		"atr_mult":           atrMult,
		"tp_r_mults":         c.TPRMults,
		"swing_high_15m":     swingHigh,
		"swing_low_15m":      swingLow,
		"atr_sl":             atrSL,
	})
	if err != nil {
		return "{}"
	}
	return string(b)
}

// pickLow returns the lowest non-nil candidate, or fallback when none.
func pickLow(a, b *float64, fallback float64) float64 {
	switch {
	case a != nil && b != nil:
		if *a < *b {
			return *a
		}
		return *b
	case a != nil:
		return *a
	case b != nil:
		return *b
	}
	return fallback
}

func pickHigh(a, b *float64, fallback float64) float64 {
	switch {
	case a != nil && b != nil:
		if *a > *b {
			return *a
		}
		return *b
	case a != nil:
		return *a
	case b != nil:
		return *b
	}
	return fallback
}
