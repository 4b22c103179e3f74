package indicator

// rocComponent is one lookback leg of the momentum score.
type rocComponent struct {
	window int
	weight float64
}

// Momentum score blends rate-of-change over several 1m lookbacks.
// Each leg is clamped at a 2% move before weighting so a single spike
// cannot saturate the score.
var momentumLegs = []rocComponent{
	{1, 0.30},
	{3, 0.25},
	{5, 0.20},
	{10, 0.15},
	{15, 0.10},
}

// MomentumScore returns a weighted multi-window rate-of-change score in
// [-100, 100]. Needs at least 16 closes (the longest leg plus one).
func MomentumScore(closes []float64, current float64) (float64, bool) {
	score := 0.0
	any := false
	for _, leg := range momentumLegs {
		roc, ok := PctChange(closes, current, leg.window)
		if !ok {
			continue
		}
		any = true
		score += clamp(roc/0.02, -1, 1) * leg.weight * 100
	}
	if !any {
		return 0, false
	}
	return clamp(score, -100, 100), true
}

// ImpulseScore measures the intensity of the newest 1m move, 0..100,
// with the direction returned separately (+1, -1, or 0).
//
//	0.45 * |change_1m| vs 1%   + 0.25 * vol z vs 3
//	0.20 * rvol vs 3           + 0.10 * |momentum score|
func ImpulseScore(change1m, volZ, rvol, momScore float64) (score float64, dir int) {
	s := 0.45*clamp(abs(change1m)/0.01, 0, 1)*100 +
		0.25*clamp(volZ/3, 0, 1)*100 +
		0.20*clamp(rvol/3, 0, 1)*100 +
		0.10*min(abs(momScore), 100)
	return clamp(s, 0, 100), int(sign(change1m))
}

// SignalScoreInput carries the confluence components; optional legs are
// pointers and skipped when nil.
type SignalScoreInput struct {
	MomentumScore float64
	OIChange5m    *float64
	RVol1m        *float64
	Breakout15m   *float64 // signed: breakdown passed as negative
}

// SignalScore blends momentum, open interest confirmation, relative
// volume and breakout distance into a directional score in [-100, 100].
// Rising OI in the direction of momentum confirms at full weight;
// falling OI fades the move at half weight.
func SignalScore(in SignalScoreInput) float64 {
	score := 0.40 * in.MomentumScore
	dir := sign(in.MomentumScore)

	if in.OIChange5m != nil && dir != 0 {
		oi := clamp(*in.OIChange5m/0.02, -1, 1)
		if oi >= 0 {
			score += 0.25 * oi * dir * 100
		} else {
			score += 0.125 * oi * dir * 100
		}
	}
	if in.RVol1m != nil && dir != 0 {
		score += 0.20 * clamp(*in.RVol1m-1, -1, 1) * 100 * dir
	}
	if in.Breakout15m != nil {
		score += 0.15 * clamp(*in.Breakout15m/0.005, -1, 1) * 100
	}
	return clamp(score, -100, 100)
}

// SignalStrength buckets a signal score into the published label.
func SignalStrength(score float64) string {
	switch {
	case score >= 60:
		return "strong_bull"
	case score >= 20:
		return "bull"
	case score <= -60:
		return "strong_bear"
	case score <= -20:
		return "bear"
	}
	return "neutral"
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
