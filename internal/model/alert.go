package model

// Side of a signal or trade plan.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Alert is a persisted signal event. The unique key is
// (exchange, symbol, signal, event_ts) so replaying the same bar is
// idempotent.
type Alert struct {
	ID           int64    `json:"id"`
	EventTS      int64    `json:"ts"`         // triggering bar close time, epoch ms
	CreatedTS    int64    `json:"created_ts"` // insert time, epoch ms
	Exchange     string   `json:"exchange"`
	Symbol       string   `json:"symbol"`
	Signal       string   `json:"signal"` // BUY | SELL
	SourceTF     string   `json:"source_tf,omitempty"`
	Price        float64  `json:"price"`
	Reason       string   `json:"reason,omitempty"`
	SetupScore   *float64 `json:"setup_score,omitempty"`
	SetupGrade   string   `json:"setup_grade,omitempty"`
	AvoidReasons []string `json:"avoid_reasons,omitempty"`
	MetricsJSON  string   `json:"-"`
}

// TradePlan is the entry/stop/take-profit structure generated for a
// fresh alert. Invariant (BUY): stop_loss < entry <= tp1 <= tp2 <= tp3;
// mirrored for SELL. RiskPerUnit = |entry - stop|.
type TradePlan struct {
	ID          int64    `json:"id"`
	AlertID     int64    `json:"alert_id"`
	EventTS     int64    `json:"ts"`
	Exchange    string   `json:"exchange"`
	Symbol      string   `json:"symbol"`
	Side        string   `json:"side"`
	EntryType   string   `json:"entry_type"` // always "market"
	EntryPrice  float64  `json:"entry_price"`
	StopLoss    float64  `json:"stop_loss"`
	TP1         *float64 `json:"tp1,omitempty"`
	TP2         *float64 `json:"tp2,omitempty"`
	TP3         *float64 `json:"tp3,omitempty"`
	ATR         *float64 `json:"atr,omitempty"`
	ATRMult     float64  `json:"atr_mult"`
	SwingRef    *float64 `json:"swing_ref,omitempty"`
	RiskPerUnit *float64 `json:"risk_per_unit,omitempty"`
	RRTP1       *float64 `json:"rr_tp1,omitempty"`
	RRTP2       *float64 `json:"rr_tp2,omitempty"`
	RRTP3       *float64 `json:"rr_tp3,omitempty"`
	PlanJSON    string   `json:"-"`
}

// Backtest resolution states. A trade is terminal on the first stop or
// TP hit, or NONE at horizon end.
const (
	ResolvedTP1  = "TP1"
	ResolvedTP2  = "TP2"
	ResolvedTP3  = "TP3"
	ResolvedSL   = "SL"
	ResolvedNone = "NONE"
)

// BacktestTrade is one simulated outcome for an (alert, plan) pair.
// Unique key: (alert_id, window_days, strategy_version).
type BacktestTrade struct {
	AlertID         int64    `json:"alert_id"`
	WindowDays      int      `json:"window_days"`
	StrategyVersion string   `json:"strategy_version"`
	CreatedTS       int64    `json:"created_ts"`
	Exchange        string   `json:"exchange"`
	Symbol          string   `json:"symbol"`
	Signal          string   `json:"signal"`
	SourceTF        string   `json:"source_tf,omitempty"`
	SetupGrade      string   `json:"setup_grade,omitempty"`
	SetupScore      *float64 `json:"setup_score,omitempty"`
	LiquidityTop200 *bool    `json:"liquidity_top200,omitempty"`
	Entry           float64  `json:"entry"`
	Stop            float64  `json:"stop"`
	TP1             *float64 `json:"tp1,omitempty"`
	TP2             *float64 `json:"tp2,omitempty"`
	TP3             *float64 `json:"tp3,omitempty"`
	Resolved        string   `json:"resolved"`
	RMultiple       float64  `json:"r_multiple"`
	MaeR            float64  `json:"mae_r"`
	MfeR            float64  `json:"mfe_r"`
	BarsToResolve   int      `json:"bars_to_resolve"`
	ResolvedTS      *int64   `json:"resolved_ts,omitempty"`
}
