package sqlite

import (
	"fmt"
	"log"
	"strings"

	"perpscreener/internal/model"
)

// AlertPlan is an (alert, plan) pair joined for backtesting.
type AlertPlan struct {
	Alert model.Alert
	Plan  model.TradePlan
}

// AlertPlanFilter narrows SelectAlertPlans.
type AlertPlanFilter struct {
	SinceTS  int64
	Exchange string // empty = all
	Top200   bool   // probe metrics_json for cohort membership
}

// SelectAlertPlans returns alert/plan pairs created at or after the
// filter's since timestamp, ascending by alert ts. Read failures
// return an empty slice.
func (s *Store) SelectAlertPlans(f AlertPlanFilter) []AlertPlan {
	q := `
		SELECT a.id, a.ts, a.created_ts, a.exchange, a.symbol, a.signal,
		       COALESCE(a.source_tf,''), a.price, COALESCE(a.reason,''),
		       a.setup_score, COALESCE(a.setup_grade,''), COALESCE(a.metrics_json,''),
		       p.id, p.side, p.entry_price, p.stop_loss, p.tp1, p.tp2, p.tp3,
		       p.risk_per_unit
		FROM alerts a
		JOIN trade_plans p ON p.alert_id = a.id
		WHERE a.created_ts >= ?`
	args := []interface{}{f.SinceTS}
	if f.Exchange != "" {
		q += ` AND a.exchange = ?`
		args = append(args, f.Exchange)
	}
	if f.Top200 {
		// Cohort membership is probed from the persisted snapshot; the
		// encoder emits no space after the colon.
		q += ` AND a.metrics_json LIKE '%"liquidity_top200":true%'`
	}
	q += ` ORDER BY a.ts ASC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		log.Printf("[sqlite] select alert plans error: %v", err)
		return nil
	}
	defer rows.Close()

	var out []AlertPlan
	for rows.Next() {
		var ap AlertPlan
		if err := rows.Scan(
			&ap.Alert.ID, &ap.Alert.EventTS, &ap.Alert.CreatedTS, &ap.Alert.Exchange,
			&ap.Alert.Symbol, &ap.Alert.Signal, &ap.Alert.SourceTF, &ap.Alert.Price,
			&ap.Alert.Reason, &ap.Alert.SetupScore, &ap.Alert.SetupGrade, &ap.Alert.MetricsJSON,
			&ap.Plan.ID, &ap.Plan.Side, &ap.Plan.EntryPrice, &ap.Plan.StopLoss,
			&ap.Plan.TP1, &ap.Plan.TP2, &ap.Plan.TP3, &ap.Plan.RiskPerUnit,
		); err != nil {
			log.Printf("[sqlite] alert plan scan error: %v", err)
			return nil
		}
		ap.Plan.AlertID = ap.Alert.ID
		out = append(out, ap)
	}
	return out
}

// UpsertBacktestTrade writes one simulated outcome keyed by
// (alert_id, window_days, strategy_version).
func (s *Store) UpsertBacktestTrade(t *model.BacktestTrade) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO backtest_trades
			(alert_id, window_days, strategy_version, created_ts, exchange, symbol,
			 signal, source_tf, setup_grade, setup_score, liquidity_top200,
			 entry, stop, tp1, tp2, tp3,
			 resolved, r_multiple, mae_r, mfe_r, bars_to_resolve, resolved_ts)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, t.AlertID, t.WindowDays, t.StrategyVersion, t.CreatedTS, t.Exchange, t.Symbol,
		t.Signal, nullStr(t.SourceTF), nullStr(t.SetupGrade), t.SetupScore, t.LiquidityTop200,
		t.Entry, t.Stop, t.TP1, t.TP2, t.TP3,
		t.Resolved, t.RMultiple, t.MaeR, t.MfeR, t.BarsToResolve, t.ResolvedTS)
	if err != nil {
		return fmt.Errorf("upsert backtest trade: %w", err)
	}
	return nil
}

// BacktestAggregate is one per-symbol (or per-bucket) result row.
type BacktestAggregate struct {
	Exchange         string
	Symbol           string
	SourceTF         string
	WindowDays       int
	NTrades          int
	WinRate          *float64 // any-TP definition
	WinRateRealistic *float64 // R >= 1.0
	AvgR             *float64
	AvgMaeR          *float64
	AvgMfeR          *float64
	AvgBars          *float64
	ResultsJSON      string
}

// UpsertBacktestResult writes an aggregate row keyed by
// (exchange, symbol, source_tf, window_days, strategy_version).
func (s *Store) UpsertBacktestResult(ts int64, version string, a *BacktestAggregate) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO backtest_results
			(ts, exchange, symbol, source_tf, window_days, strategy_version,
			 n_trades, win_rate, win_rate_realistic, avg_r, avg_mae_r, avg_mfe_r,
			 avg_bars_to_resolve, results_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, ts, a.Exchange, a.Symbol, a.SourceTF, a.WindowDays, version,
		a.NTrades, a.WinRate, a.WinRateRealistic, a.AvgR, a.AvgMaeR, a.AvgMfeR,
		a.AvgBars, a.ResultsJSON)
	if err != nil {
		return fmt.Errorf("upsert backtest result: %w", err)
	}
	return nil
}

// BacktestResults returns aggregate rows for one window, most traded
// symbols first. A blank exchange matches all exchanges.
func (s *Store) BacktestResults(windowDays int, version, exchange string) []BacktestAggregate {
	q := `
		SELECT exchange, symbol, COALESCE(source_tf,''), window_days, n_trades,
		       win_rate, win_rate_realistic, avg_r, avg_mae_r, avg_mfe_r,
		       avg_bars_to_resolve, COALESCE(results_json,'')
		FROM backtest_results
		WHERE window_days = ? AND strategy_version = ?`
	args := []interface{}{windowDays, version}
	if exchange != "" {
		q += ` AND exchange = ?`
		args = append(args, exchange)
	}
	q += ` ORDER BY n_trades DESC, symbol ASC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		log.Printf("[sqlite] backtest results error: %v", err)
		return nil
	}
	defer rows.Close()

	var out []BacktestAggregate
	for rows.Next() {
		var a BacktestAggregate
		if err := rows.Scan(
			&a.Exchange, &a.Symbol, &a.SourceTF, &a.WindowDays, &a.NTrades,
			&a.WinRate, &a.WinRateRealistic, &a.AvgR, &a.AvgMaeR, &a.AvgMfeR,
			&a.AvgBars, &a.ResultsJSON,
		); err != nil {
			log.Printf("[sqlite] backtest result scan error: %v", err)
			return out
		}
		out = append(out, a)
	}
	return out
}

// SymbolWinRates recomputes the per-symbol realistic win rate over
// resolved trades in the window, requiring at least minResolved
// resolved trades per symbol.
func (s *Store) SymbolWinRates(windowDays, minResolved int) map[string]float64 {
	rows, err := s.db.Query(`
		SELECT symbol,
		       COUNT(*) AS n,
		       AVG(CASE WHEN r_multiple >= 1.0 THEN 1.0 ELSE 0.0 END) AS wr
		FROM backtest_trades
		WHERE window_days = ? AND resolved != ?
		GROUP BY symbol
		HAVING n >= ?
	`, windowDays, model.ResolvedNone, minResolved)
	if err != nil {
		log.Printf("[sqlite] win rates error: %v", err)
		return nil
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var sym string
		var n int
		var wr float64
		if err := rows.Scan(&sym, &n, &wr); err != nil {
			log.Printf("[sqlite] win rate scan error: %v", err)
			return out
		}
		out[sym] = wr
	}
	return out
}

// StartAnalysisRun records run metadata and returns its id.
func (s *Store) StartAnalysisRun(startedTS int64, windows []int) (int64, error) {
	parts := make([]string, len(windows))
	for i, w := range windows {
		parts[i] = fmt.Sprintf("%d", w)
	}
	res, err := s.db.Exec(`
		INSERT INTO analysis_runs (started_ts, windows, status) VALUES (?,?,?)
	`, startedTS, strings.Join(parts, ","), "running")
	if err != nil {
		return 0, fmt.Errorf("start analysis run: %w", err)
	}
	return res.LastInsertId()
}

// FinishAnalysisRun marks a run complete (or failed when errMsg != "").
func (s *Store) FinishAnalysisRun(id, finishedTS int64, nAlerts, nResolved int, errMsg string) error {
	status := "done"
	if errMsg != "" {
		status = "error"
	}
	_, err := s.db.Exec(`
		UPDATE analysis_runs
		SET finished_ts = ?, n_alerts = ?, n_resolved = ?, status = ?, error = ?
		WHERE id = ?
	`, finishedTS, nAlerts, nResolved, status, nullStr(errMsg), id)
	if err != nil {
		return fmt.Errorf("finish analysis run: %w", err)
	}
	return nil
}

// SaveMarketCap caches a market-cap row; null values are kept so a
// known-missing symbol is not re-fetched every cycle.
func (s *Store) SaveMarketCap(symbol string, marketCap *float64, sectors []string, ts int64) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO market_cap_cache (symbol, market_cap, sectors, updated_ts)
		VALUES (?,?,?,?)
	`, symbol, marketCap, strings.Join(sectors, ","), ts)
	if err != nil {
		return fmt.Errorf("save market cap: %w", err)
	}
	return nil
}

// LoadMarketCaps returns all cached market-cap rows updated at or
// after since.
func (s *Store) LoadMarketCaps(since int64) map[string]MarketCapRow {
	rows, err := s.db.Query(`
		SELECT symbol, market_cap, COALESCE(sectors,''), updated_ts
		FROM market_cap_cache WHERE updated_ts >= ?
	`, since)
	if err != nil {
		log.Printf("[sqlite] load market caps error: %v", err)
		return nil
	}
	defer rows.Close()

	out := make(map[string]MarketCapRow)
	for rows.Next() {
		var r MarketCapRow
		var sectors string
		if err := rows.Scan(&r.Symbol, &r.MarketCap, &sectors, &r.UpdatedTS); err != nil {
			log.Printf("[sqlite] market cap scan error: %v", err)
			return out
		}
		if sectors != "" {
			r.Sectors = strings.Split(sectors, ",")
		}
		out[r.Symbol] = r
	}
	return out
}

// MarketCapRow is one cached market-cap entry.
type MarketCapRow struct {
	Symbol    string
	MarketCap *float64
	Sectors   []string
	UpdatedTS int64
}
