package model

import "encoding/json"

// SymbolMetrics is the per-symbol metric snapshot emitted by the
// aggregator. Most indicator fields are pointers: nil means the
// underlying rolling window was not provisioned yet. JSON field names
// are part of the snapshot contract consumed by WS clients and probed
// by the backtester (e.g. "liquidity_top200").
type SymbolMetrics struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	LastPrice float64 `json:"last_price"`

	// Returns
	Change1m  *float64 `json:"change_1m,omitempty"`
	Change5m  *float64 `json:"change_5m,omitempty"`
	Change15m *float64 `json:"change_15m,omitempty"`
	Change60m *float64 `json:"change_60m,omitempty"`
	Change1d  *float64 `json:"change_1d,omitempty"`

	// Volatility / volume
	ATR           *float64 `json:"atr,omitempty"`    // 1m ATR(14)
	ATR4h         *float64 `json:"atr_4h,omitempty"` // 4h ATR(14)
	VolZScore1m   *float64 `json:"vol_zscore_1m,omitempty"`
	Vol1m         *float64 `json:"vol_1m,omitempty"`
	Vol5m         *float64 `json:"vol_5m,omitempty"`
	Vol15m        *float64 `json:"vol_15m,omitempty"`
	RVol1m        *float64 `json:"rvol_1m,omitempty"`
	VolPercentile *float64 `json:"volatility_percentile,omitempty"`

	// Breakouts and VWAP (15 closed 1m bars)
	Breakout15m  *float64 `json:"breakout_15m,omitempty"`
	Breakdown15m *float64 `json:"breakdown_15m,omitempty"`
	VWAP15m      *float64 `json:"vwap_15m,omitempty"`

	// Open interest
	OpenInterest *float64 `json:"open_interest,omitempty"`
	OIChange5m   *float64 `json:"oi_change_5m,omitempty"`
	OIChange15m  *float64 `json:"oi_change_15m,omitempty"`
	OIChange1h   *float64 `json:"oi_change_1h,omitempty"`

	// Momentum
	Momentum5m     *float64 `json:"momentum_5m,omitempty"`
	Momentum15m    *float64 `json:"momentum_15m,omitempty"`
	MomentumScore  *float64 `json:"momentum_score,omitempty"`
	SignalScore    *float64 `json:"signal_score,omitempty"`
	SignalStrength string   `json:"signal_strength,omitempty"`

	// Scalping impulse
	ImpulseScore *float64 `json:"impulse_score,omitempty"` // 0..100
	ImpulseDir   *int     `json:"impulse_dir,omitempty"`   // -1, 0, +1

	// WaveTrend / Cipher B
	WT1            *float64 `json:"wt1,omitempty"`
	WT2            *float64 `json:"wt2,omitempty"`
	WT14h          *float64 `json:"wt1_4h,omitempty"`
	WT24h          *float64 `json:"wt2_4h,omitempty"`
	CipherBuy      *bool    `json:"cipher_buy,omitempty"`
	CipherSell     *bool    `json:"cipher_sell,omitempty"`
	CipherSourceTF string   `json:"cipher_source_tf,omitempty"`
	CipherReason   string   `json:"cipher_reason,omitempty"`

	// Williams %R trend exhaustion
	PercentRFast         *float64 `json:"percent_r_fast,omitempty"`
	PercentRSlow         *float64 `json:"percent_r_slow,omitempty"`
	PercentRObTrendStart *bool    `json:"percent_r_ob_trend_start,omitempty"`
	PercentROsTrendStart *bool    `json:"percent_r_os_trend_start,omitempty"`
	PercentRObReversal   *bool    `json:"percent_r_ob_reversal,omitempty"`
	PercentROsReversal   *bool    `json:"percent_r_os_reversal,omitempty"`
	PercentRCrossBull    *bool    `json:"percent_r_cross_bull,omitempty"`
	PercentRCrossBear    *bool    `json:"percent_r_cross_bear,omitempty"`
	PercentRSourceTF     string   `json:"percent_r_source_tf,omitempty"`
	PercentRReason       string   `json:"percent_r_reason,omitempty"`

	// Oscillators (15m unless suffixed)
	RSI14        *float64 `json:"rsi_14,omitempty"`
	RSI1h        *float64 `json:"rsi_1h,omitempty"`
	RSI4h        *float64 `json:"rsi_4h,omitempty"`
	MACD         *float64 `json:"macd,omitempty"`
	MACDSignal   *float64 `json:"macd_signal,omitempty"`
	MACDHist     *float64 `json:"macd_histogram,omitempty"`
	MACDHist1h   *float64 `json:"macd_histogram_1h,omitempty"`
	MACDHist4h   *float64 `json:"macd_histogram_4h,omitempty"`
	StochK       *float64 `json:"stoch_k,omitempty"`
	StochD       *float64 `json:"stoch_d,omitempty"`
	MFI15m       *float64 `json:"mfi_15m,omitempty"`
	MFI4h        *float64 `json:"mfi_4h,omitempty"`
	MTFBullCount int      `json:"mtf_bull_count"`
	MTFBearCount int      `json:"mtf_bear_count"`
	MTFSummary   string   `json:"mtf_summary,omitempty"`

	// Bollinger (15m primary, 4h suffixed)
	BBUpper      *float64 `json:"bb_upper,omitempty"`
	BBMiddle     *float64 `json:"bb_middle,omitempty"`
	BBLower      *float64 `json:"bb_lower,omitempty"`
	BBWidth      *float64 `json:"bb_width,omitempty"`
	BBPosition   *float64 `json:"bb_position,omitempty"`
	BBWidth4h    *float64 `json:"bb_width_4h,omitempty"`
	BBPosition4h *float64 `json:"bb_position_4h,omitempty"`

	// Volatility-due / squeeze
	Squeeze15m   *bool  `json:"squeeze_15m,omitempty"`
	Squeeze4h    *bool  `json:"squeeze_4h,omitempty"`
	VolDue15m    *bool  `json:"vol_due_15m,omitempty"`
	VolDue4h     *bool  `json:"vol_due_4h,omitempty"`
	VolDueAge15m *int64 `json:"vol_due_age_15m,omitempty"` // ms since last rising edge
	VolDueAge4h  *int64 `json:"vol_due_age_4h,omitempty"`

	// Swing-pullback long (4h)
	SwingLong       *bool  `json:"swing_long,omitempty"`
	SwingLongReason string `json:"swing_long_reason,omitempty"`

	// Liquidity cohorting / fundamentals
	LiquidityRank   *int     `json:"liquidity_rank,omitempty"`
	LiquidityTop200 *bool    `json:"liquidity_top200,omitempty"`
	MarketCap       *float64 `json:"market_cap,omitempty"`
	FundingRate     *float64 `json:"funding_rate,omitempty"`
	NextFundingTime *int64   `json:"next_funding_time,omitempty"`
	Sectors         []string `json:"sectors,omitempty"`

	// Setup grading
	SetupScore   *float64 `json:"setup_score,omitempty"`
	SetupGrade   string   `json:"setup_grade,omitempty"`
	AvoidReasons []string `json:"avoid_reasons,omitempty"`

	TS int64 `json:"ts"` // event timestamp, epoch ms
}

// JSON returns the JSON-encoded metric, "{}" on marshal failure.
func (m *SymbolMetrics) JSON() []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Snapshot is the full payload fanned out to subscribers on each emit.
type Snapshot struct {
	Exchange string           `json:"exchange"`
	TS       int64            `json:"ts"`
	Metrics  []*SymbolMetrics `json:"metrics"`
}

// JSON serializes the snapshot, returning "{}" on marshal failure so a
// broken metric never takes down the emit path.
func (s *Snapshot) JSON() []byte {
	b, err := json.Marshal(s)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Float returns a pointer to v. Convenience for optional metric fields.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
