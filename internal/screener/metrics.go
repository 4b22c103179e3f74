package screener

import (
	"fmt"

	"perpscreener/internal/indicator"
	"perpscreener/internal/model"
)

// closedSeries returns the bucket's OHLCV slices restricted to closed
// bars: the forming bucket is trimmed unless the newest bar was seeded
// from the store (already closed).
func (b *htfBucket) closedSeries() (opens, highs, lows, closes, vols []float64) {
	opens = b.open.Values()
	highs = b.high.Values()
	lows = b.low.Values()
	closes = b.close.Values()
	vols = b.vol.Values()
	if !b.sealed && len(closes) > 0 {
		opens = opens[:len(opens)-1]
		highs = highs[:len(highs)-1]
		lows = lows[:len(lows)-1]
		closes = closes[:len(closes)-1]
		vols = vols[:len(vols)-1]
	}
	return
}

// cipherSignal is the per-timeframe Cipher B evaluation result.
type cipherSignal struct {
	wt      indicator.WaveTrendResult
	ok      bool
	buy     bool
	sell    bool
	eventTS int64 // close time of the bar the cross fired on
}

// CipherEventTS returns the bar-close timestamp of the newest Cipher
// trigger seen by ComputeMetrics, or 0 when none fired.
func (s *SymbolState) CipherEventTS() int64 { return s.cipherEventTS }

// PercentREventTS mirrors CipherEventTS for the %R exhaustion flags.
func (s *SymbolState) PercentREventTS() int64 { return s.percentREventTS }

func (s *SymbolState) evalCipher(iv string, nowMS int64) cipherSignal {
	b := s.htf[iv]
	_, highs, lows, closes, _ := b.closedSeries()
	n := len(closes)
	res := s.memoized("wavetrend:"+iv, n, nowMS, func() interface{} {
		wt, ok := indicator.WaveTrend(highs, lows, closes)
		return cipherSignal{wt: wt, ok: ok}
	}).(cipherSignal)
	if !res.ok {
		return res
	}
	res.buy, res.sell = indicator.CipherCross(res.wt, s.params.CipherOS, s.params.CipherOB)
	if res.buy || res.sell {
		res.eventTS = b.lastClosedCloseTime()
	}
	return res
}

func (s *SymbolState) evalPercentR(iv string, nowMS int64) (indicator.TrendExhaustion, bool) {
	b := s.htf[iv]
	_, highs, lows, closes, _ := b.closedSeries()
	n := len(closes)
	type wrapped struct {
		te indicator.TrendExhaustion
		ok bool
	}
	res := s.memoized("percent_r:"+iv, n, nowMS, func() interface{} {
		te, ok := indicator.WilliamsTrendExhaustion(highs, lows, closes)
		return wrapped{te: te, ok: ok}
	}).(wrapped)
	return res.te, res.ok
}

// ComputeMetrics builds the full metric snapshot for this symbol. It is
// called from the aggregator's serialized ingest path; indicator work on
// the higher timeframes is memoized per (name, series length) with a
// short TTL so snapshot bursts stay cheap.
func (s *SymbolState) ComputeMetrics(nowMS int64) *model.SymbolMetrics {
	m := &model.SymbolMetrics{
		Symbol:    s.Symbol,
		Exchange:  s.Exchange,
		LastPrice: s.lastPrice,
		TS:        s.lastEventTS,
	}
	if m.TS == 0 {
		m.TS = nowMS
	}

	highs := s.high1m.Values()
	lows := s.low1m.Values()
	closes := s.close1m.Values()
	vols := s.vol1m.Values()

	// Returns off the 1m window; the daily change comes from the 4h
	// stream (six closed buckets).
	setPct := func(dst **float64, window int) {
		if v, ok := indicator.PctChange(closes, s.lastPrice, window); ok {
			*dst = model.Float(v)
		}
	}
	setPct(&m.Change1m, 1)
	setPct(&m.Change5m, s.params.WindowShort)
	setPct(&m.Change15m, s.params.WindowMedium)
	setPct(&m.Change60m, 60)
	_, _, _, closes4h, _ := s.htf[model.Interval4h].closedSeries()
	if v, ok := indicator.PctChange(closes4h, s.lastPrice, 6); ok {
		m.Change1d = model.Float(v)
	}

	if v, ok := indicator.ATR(highs, lows, closes, s.params.ATRPeriod); ok {
		m.ATR = model.Float(v)
		if p, ok := indicator.VolatilityPercentile(s.atrHist.Values(), v, 30); ok {
			m.VolPercentile = model.Float(p * 100)
		}
	}

	if v, ok := indicator.AbsReturnZScore(closes, s.params.VolLookback); ok {
		m.VolZScore1m = model.Float(v)
	}
	if v, ok := indicator.VolumeSum(vols, 1); ok {
		m.Vol1m = model.Float(v)
	}
	if v, ok := indicator.VolumeSum(vols, 5); ok {
		m.Vol5m = model.Float(v)
	}
	if v, ok := indicator.VolumeSum(vols, 15); ok {
		m.Vol15m = model.Float(v)
	}
	if v, ok := indicator.RelativeVolume(vols, s.params.VolLookback); ok {
		m.RVol1m = model.Float(v)
	}
	if v, ok := indicator.Breakout(highs, closes, 15); ok {
		m.Breakout15m = model.Float(v)
	}
	if v, ok := indicator.Breakdown(lows, closes, 15); ok {
		m.Breakdown15m = model.Float(v)
	}
	if v, ok := indicator.VWAP(closes, vols, 15); ok {
		m.VWAP15m = model.Float(v)
	}

	// Open interest changes in percent.
	m.OpenInterest = s.openInterest
	oi := s.oiHist.Values()
	setOI := func(dst **float64, window int) {
		if len(oi) == 0 {
			return
		}
		if v, ok := indicator.PctChange(oi, oi[len(oi)-1], window); ok {
			*dst = model.Float(v * 100)
		}
	}
	setOI(&m.OIChange5m, 5)
	setOI(&m.OIChange15m, 15)
	setOI(&m.OIChange1h, 60)

	// Momentum block.
	if m.Change5m != nil {
		m.Momentum5m = model.Float(*m.Change5m * 100)
	}
	if m.Change15m != nil {
		m.Momentum15m = model.Float(*m.Change15m * 100)
	}
	momScore, momOK := indicator.MomentumScore(closes, s.lastPrice)
	if momOK {
		m.MomentumScore = model.Float(momScore)

		in := indicator.SignalScoreInput{MomentumScore: momScore}
		if m.OIChange5m != nil {
			in.OIChange5m = model.Float(*m.OIChange5m / 100)
		}
		in.RVol1m = m.RVol1m
		in.Breakout15m = m.Breakout15m
		sc := indicator.SignalScore(in)
		m.SignalScore = model.Float(sc)
		m.SignalStrength = indicator.SignalStrength(sc)
	}
	if m.Change1m != nil {
		z, rvol := 0.0, 0.0
		if m.VolZScore1m != nil {
			z = *m.VolZScore1m
		}
		if m.RVol1m != nil {
			rvol = *m.RVol1m
		}
		imp, dir := indicator.ImpulseScore(*m.Change1m, z, rvol, momScore)
		m.ImpulseScore = model.Float(imp)
		m.ImpulseDir = model.Int(dir)
	}

	s.compute15m(m, nowMS)
	s.compute1h(m)
	s.compute4h(m, nowMS)
	s.computeCipher(m, nowMS)
	s.computePercentR(m, nowMS)
	s.computeMTF(m)
	s.computeVolDue(m, nowMS)

	m.FundingRate = s.FundingRate
	m.NextFundingTime = s.NextFundingTime
	m.MarketCap = s.MarketCap
	m.Sectors = s.Sectors
	m.LiquidityRank = s.LiquidityRank
	m.LiquidityTop200 = s.LiquidityTop200
	return m
}

// compute15m fills the primary oscillator block from closed 15m bars.
func (s *SymbolState) compute15m(m *model.SymbolMetrics, nowMS int64) {
	opens, highs, lows, closes, _ := s.htf[model.Interval15m].closedSeries()

	if v, ok := indicator.RSI(closes, 14); ok {
		m.RSI14 = model.Float(v)
	}
	if r, ok := indicator.MACD(closes, 12, 26, 9); ok {
		m.MACD = model.Float(r.MACD)
		m.MACDSignal = model.Float(r.Signal)
		m.MACDHist = model.Float(r.Histogram)
	}
	if k, d, ok := indicator.StochRSI(closes, 14, 14, 3, 3); ok {
		m.StochK = model.Float(k)
		m.StochD = model.Float(d)
	}
	if v, ok := indicator.CipherMFI(opens, highs, lows, closes, 60); ok {
		m.MFI15m = model.Float(v)
	}
	if b, ok := indicator.BollingerBands(closes, 20, 2); ok {
		m.BBUpper = model.Float(b.Upper)
		m.BBMiddle = model.Float(b.Middle)
		m.BBLower = model.Float(b.Lower)
		m.BBWidth = model.Float(b.Width)
		m.BBPosition = model.Float(b.Position)
	}
}

func (s *SymbolState) compute1h(m *model.SymbolMetrics) {
	_, _, _, closes, _ := s.htf[model.Interval1h].closedSeries()
	if v, ok := indicator.RSI(closes, 14); ok {
		m.RSI1h = model.Float(v)
	}
	if r, ok := indicator.MACD(closes, 12, 26, 9); ok {
		m.MACDHist1h = model.Float(r.Histogram)
	}
}

func (s *SymbolState) compute4h(m *model.SymbolMetrics, nowMS int64) {
	opens, highs, lows, closes, _ := s.htf[model.Interval4h].closedSeries()

	if v, ok := indicator.ATR(highs, lows, closes, 14); ok {
		m.ATR4h = model.Float(v)
	}
	if v, ok := indicator.RSI(closes, 14); ok {
		m.RSI4h = model.Float(v)
	}
	if r, ok := indicator.MACD(closes, 12, 26, 9); ok {
		m.MACDHist4h = model.Float(r.Histogram)
	}
	if v, ok := indicator.CipherMFI(opens, highs, lows, closes, 60); ok {
		m.MFI4h = model.Float(v)
	}
	if b, ok := indicator.BollingerBands(closes, 20, 2); ok {
		m.BBWidth4h = model.Float(b.Width)
		m.BBPosition4h = model.Float(b.Position)
	}
	if long, reason := indicator.SwingPullback(closes); long {
		m.SwingLong = model.Bool(true)
		m.SwingLongReason = reason
	}
}

// computeCipher evaluates the WaveTrend cross on 15m first, then 4h;
// the first timeframe with a fresh cross wins source_tf.
func (s *SymbolState) computeCipher(m *model.SymbolMetrics, nowMS int64) {
	c15 := s.evalCipher(model.Interval15m, nowMS)
	c4 := s.evalCipher(model.Interval4h, nowMS)

	if c15.ok {
		m.WT1 = model.Float(c15.wt.WT1)
		m.WT2 = model.Float(c15.wt.WT2)
	}
	if c4.ok {
		m.WT14h = model.Float(c4.wt.WT1)
		m.WT24h = model.Float(c4.wt.WT2)
	}

	pick := func(sig cipherSignal, tf string) bool {
		if !sig.buy && !sig.sell {
			return false
		}
		side := model.SideBuy
		if sig.sell {
			side = model.SideSell
		}
		m.CipherBuy = model.Bool(sig.buy)
		m.CipherSell = model.Bool(sig.sell)
		m.CipherSourceTF = tf
		m.CipherReason = fmt.Sprintf("wavetrend %s cross on %s: wt1=%.2f wt2=%.2f (prev wt1=%.2f wt2=%.2f)",
			side, tf, sig.wt.WT1, sig.wt.WT2, sig.wt.PrevWT1, sig.wt.PrevWT2)
		s.cipherEventTS = sig.eventTS
		return true
	}
	if pick(c15, model.Interval15m) {
		return
	}
	pick(c4, model.Interval4h)
}

// computePercentR fills the Williams %R exhaustion block: 15m values by
// default, 4h taking over when only the slower stream has a fresh flag.
func (s *SymbolState) computePercentR(m *model.SymbolMetrics, nowMS int64) {
	te15, ok15 := s.evalPercentR(model.Interval15m, nowMS)
	te4, ok4 := s.evalPercentR(model.Interval4h, nowMS)

	flagged := func(te indicator.TrendExhaustion) bool {
		return te.ObTrendStart || te.OsTrendStart || te.ObReversal || te.OsReversal ||
			te.CrossBull || te.CrossBear
	}

	var te indicator.TrendExhaustion
	var tf string
	switch {
	case ok15 && (flagged(te15) || !ok4):
		te, tf = te15, model.Interval15m
	case ok4 && flagged(te4):
		te, tf = te4, model.Interval4h
	case ok15:
		te, tf = te15, model.Interval15m
	case ok4:
		te, tf = te4, model.Interval4h
	default:
		return
	}

	m.PercentRFast = model.Float(te.Fast)
	m.PercentRSlow = model.Float(te.Slow)
	m.PercentRObTrendStart = model.Bool(te.ObTrendStart)
	m.PercentROsTrendStart = model.Bool(te.OsTrendStart)
	m.PercentRObReversal = model.Bool(te.ObReversal)
	m.PercentROsReversal = model.Bool(te.OsReversal)
	m.PercentRCrossBull = model.Bool(te.CrossBull)
	m.PercentRCrossBear = model.Bool(te.CrossBear)
	m.PercentRSourceTF = tf
	if flagged(te) {
		m.PercentRReason = fmt.Sprintf("percent_r exhaustion on %s: fast=%.1f slow=%.1f", tf, te.Fast, te.Slow)
		s.percentREventTS = s.htf[tf].lastClosedCloseTime()
	}
}

// computeMTF counts directional agreement across five checks: 1h/4h
// RSI above or below 50, and the MACD histogram sign on 15m/1h/4h.
func (s *SymbolState) computeMTF(m *model.SymbolMetrics) {
	bull, bear := 0, 0
	check := func(bullish, bearish bool) {
		if bullish {
			bull++
		}
		if bearish {
			bear++
		}
	}
	if m.RSI1h != nil {
		check(*m.RSI1h > 50, *m.RSI1h < 50)
	}
	if m.RSI4h != nil {
		check(*m.RSI4h > 50, *m.RSI4h < 50)
	}
	if m.MACDHist != nil {
		check(*m.MACDHist > 0, *m.MACDHist < 0)
	}
	if m.MACDHist1h != nil {
		check(*m.MACDHist1h > 0, *m.MACDHist1h < 0)
	}
	if m.MACDHist4h != nil {
		check(*m.MACDHist4h > 0, *m.MACDHist4h < 0)
	}
	m.MTFBullCount = bull
	m.MTFBearCount = bear
	switch {
	case bull > bear:
		m.MTFSummary = fmt.Sprintf("%d/5 bullish", bull)
	case bear > bull:
		m.MTFSummary = fmt.Sprintf("%d/5 bearish", bear)
	default:
		m.MTFSummary = "mixed"
	}
}

// computeVolDue evaluates the squeeze per timeframe and tracks its
// rising edge and age.
func (s *SymbolState) computeVolDue(m *model.SymbolMetrics, nowMS int64) {
	eval := func(iv string) (squeeze bool, available bool) {
		p, ok := s.params.VolDue[iv]
		if !ok {
			return false, false
		}
		b := s.htf[iv]
		_, highs, lows, closes, _ := b.closedSeries()
		bb, okBB := indicator.BollingerBands(closes, 20, 2)
		atr, okATR := indicator.ATR(highs, lows, closes, 14)
		if !okBB || !okATR {
			return false, false
		}
		pct, okPct := indicator.VolatilityPercentile(b.atrHist.Values(), atr, p.Lookback)
		if !okPct {
			return false, false
		}
		return bb.Width <= p.BBWidthMax && pct*100 <= p.ATRPctileMax, true
	}

	apply := func(iv string, sq **bool, due **bool, age **int64) {
		squeeze, ok := eval(iv)
		if !ok {
			return
		}
		edge := s.volDue[iv]
		if edge == nil {
			edge = &volDueEdge{}
			s.volDue[iv] = edge
		}
		rising := edge.seen && !edge.squeeze && squeeze
		if !edge.seen && squeeze {
			rising = true
		}
		if rising {
			edge.lastRiseMS = nowMS
		}
		edge.seen = true
		edge.squeeze = squeeze

		*sq = model.Bool(squeeze)
		*due = model.Bool(rising)
		if edge.lastRiseMS > 0 {
			*age = model.Int64(nowMS - edge.lastRiseMS)
		}
	}

	apply(model.Interval15m, &m.Squeeze15m, &m.VolDue15m, &m.VolDueAge15m)
	apply(model.Interval4h, &m.Squeeze4h, &m.VolDue4h, &m.VolDueAge4h)
}
