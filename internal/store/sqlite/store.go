// Package sqlite is the embedded candle/alert/plan/backtest store.
// A single Store wraps one WAL-mode database; writers serialize on the
// connection pool (max 1 open conn) while WAL lets readers proceed.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"perpscreener/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides candle, alert, trade-plan and backtest persistence.
type Store struct {
	db *sql.DB

	// commitObs, when set, observes batch commit latency.
	commitObs func(time.Duration)
}

// SetCommitObserver installs a hook fed with the duration of each
// batch candle commit. Used to wire Prometheus without the store
// depending on the metrics package.
func (s *Store) SetCommitObserver(fn func(time.Duration)) { s.commitObs = fn }

// DB exposes the underlying handle for health checks and the backtester.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (or creates) the database at path with WAL journaling,
// NORMAL sync and a busy timeout, then applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// Single writer; WAL readers do not block on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Printf("[sqlite] opened database at %s", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ohlc (
			exchange   TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			interval   TEXT    NOT NULL,
			open_time  INTEGER NOT NULL,
			close_time INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL    NOT NULL,
			PRIMARY KEY (exchange, symbol, interval, open_time)
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			ts            INTEGER NOT NULL,
			created_ts    INTEGER NOT NULL,
			exchange      TEXT    NOT NULL,
			symbol        TEXT    NOT NULL,
			signal        TEXT    NOT NULL,
			source_tf     TEXT,
			price         REAL    NOT NULL,
			reason        TEXT,
			setup_score   REAL,
			setup_grade   TEXT,
			avoid_reasons TEXT,
			metrics_json  TEXT,
			UNIQUE (exchange, symbol, signal, ts)
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_created
			ON alerts (created_ts, setup_grade, signal, source_tf);

		CREATE TABLE IF NOT EXISTS trade_plans (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id      INTEGER NOT NULL,
			ts            INTEGER NOT NULL,
			exchange      TEXT    NOT NULL,
			symbol        TEXT    NOT NULL,
			side          TEXT    NOT NULL,
			entry_type    TEXT    NOT NULL,
			entry_price   REAL    NOT NULL,
			stop_loss     REAL    NOT NULL,
			tp1           REAL,
			tp2           REAL,
			tp3           REAL,
			atr           REAL,
			atr_mult      REAL,
			swing_ref     REAL,
			risk_per_unit REAL,
			rr_tp1        REAL,
			rr_tp2        REAL,
			rr_tp3        REAL,
			plan_json     TEXT,
			UNIQUE (alert_id)
		);
		CREATE INDEX IF NOT EXISTS idx_plans_symbol ON trade_plans (exchange, symbol, ts);

		CREATE TABLE IF NOT EXISTS backtest_results (
			ts                  INTEGER NOT NULL,
			exchange            TEXT    NOT NULL,
			symbol              TEXT    NOT NULL,
			source_tf           TEXT    NOT NULL DEFAULT '',
			window_days         INTEGER NOT NULL,
			strategy_version    TEXT    NOT NULL,
			n_trades            INTEGER NOT NULL,
			win_rate            REAL,
			win_rate_realistic  REAL,
			avg_r               REAL,
			avg_mae_r           REAL,
			avg_mfe_r           REAL,
			avg_bars_to_resolve REAL,
			results_json        TEXT,
			PRIMARY KEY (exchange, symbol, source_tf, window_days, strategy_version)
		);

		CREATE TABLE IF NOT EXISTS backtest_trades (
			alert_id         INTEGER NOT NULL,
			window_days      INTEGER NOT NULL,
			strategy_version TEXT    NOT NULL,
			created_ts       INTEGER NOT NULL,
			exchange         TEXT    NOT NULL,
			symbol           TEXT    NOT NULL,
			signal           TEXT    NOT NULL,
			source_tf        TEXT,
			setup_grade      TEXT,
			setup_score      REAL,
			liquidity_top200 INTEGER,
			entry            REAL    NOT NULL,
			stop             REAL    NOT NULL,
			tp1              REAL,
			tp2              REAL,
			tp3              REAL,
			resolved         TEXT    NOT NULL,
			r_multiple       REAL    NOT NULL,
			mae_r            REAL    NOT NULL,
			mfe_r            REAL    NOT NULL,
			bars_to_resolve  INTEGER NOT NULL,
			resolved_ts      INTEGER,
			PRIMARY KEY (alert_id, window_days, strategy_version)
		);
		CREATE INDEX IF NOT EXISTS idx_bt_trades_symbol
			ON backtest_trades (exchange, symbol, window_days);

		CREATE TABLE IF NOT EXISTS analysis_runs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			started_ts  INTEGER NOT NULL,
			finished_ts INTEGER,
			windows     TEXT,
			n_alerts    INTEGER,
			n_resolved  INTEGER,
			status      TEXT,
			error       TEXT
		);

		CREATE TABLE IF NOT EXISTS market_cap_cache (
			symbol     TEXT PRIMARY KEY,
			market_cap REAL,
			sectors    TEXT,
			updated_ts INTEGER NOT NULL
		);
	`)
	return err
}

// UpsertCandle inserts or replaces a candle on its unique key.
// Re-upserting the same candle is a no-op; a later close_time for the
// same key wins.
func (s *Store) UpsertCandle(c model.Candle) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ohlc
			(exchange, symbol, interval, open_time, close_time, open, high, low, close, volume)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`, c.Exchange, c.Symbol, c.Interval, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}
	return nil
}

// UpsertCandles writes a batch inside one transaction.
func (s *Store) UpsertCandles(candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	start := time.Now()
	if s.commitObs != nil {
		defer func() { s.commitObs(time.Since(start)) }()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO ohlc
			(exchange, symbol, interval, open_time, close_time, open, high, low, close, volume)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, c := range candles {
		if _, err := stmt.Exec(c.Exchange, c.Symbol, c.Interval, c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec: %w", err)
		}
	}
	return tx.Commit()
}

const candleCols = "exchange, symbol, interval, open_time, close_time, open, high, low, close, volume"

func scanCandles(rows *sql.Rows) []model.Candle {
	defer rows.Close()
	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Exchange, &c.Symbol, &c.Interval, &c.OpenTime, &c.CloseTime,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			log.Printf("[sqlite] candle scan error: %v", err)
			return nil
		}
		c.Closed = true
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[sqlite] candle rows error: %v", err)
	}
	return out
}

// GetRecent returns the newest limit candles ordered ascending by
// open_time. Read failures return an empty slice.
func (s *Store) GetRecent(exchange, symbol, interval string, limit int) []model.Candle {
	rows, err := s.db.Query(`
		SELECT `+candleCols+` FROM (
			SELECT `+candleCols+` FROM ohlc
			WHERE exchange = ? AND symbol = ? AND interval = ?
			ORDER BY open_time DESC LIMIT ?
		) ORDER BY open_time ASC
	`, exchange, symbol, interval, limit)
	if err != nil {
		log.Printf("[sqlite] get_recent error: %v", err)
		return nil
	}
	return scanCandles(rows)
}

// GetRecentBatch returns the newest limit candles per symbol in one
// query using a per-symbol row-number window, avoiding N+1 round trips
// on startup seeding. Results are grouped by symbol, ascending inside
// each group.
func (s *Store) GetRecentBatch(exchange string, symbols []string, interval string, limit int) map[string][]model.Candle {
	out := make(map[string][]model.Candle, len(symbols))
	if len(symbols) == 0 {
		return out
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(symbols)), ",")
	args := make([]interface{}, 0, len(symbols)+3)
	args = append(args, exchange, interval)
	for _, sym := range symbols {
		args = append(args, sym)
	}
	args = append(args, limit)

	rows, err := s.db.Query(`
		SELECT `+candleCols+` FROM (
			SELECT `+candleCols+`,
				ROW_NUMBER() OVER (PARTITION BY symbol ORDER BY open_time DESC) AS rn
			FROM ohlc
			WHERE exchange = ? AND interval = ? AND symbol IN (`+placeholders+`)
		) WHERE rn <= ?
		ORDER BY symbol, open_time ASC
	`, args...)
	if err != nil {
		log.Printf("[sqlite] get_recent_batch error: %v", err)
		return out
	}
	for _, c := range scanCandles(rows) {
		out[c.Symbol] = append(out[c.Symbol], c)
	}
	return out
}

// GetAfter returns up to limit candles with open_time >= start,
// ascending.
func (s *Store) GetAfter(exchange, symbol, interval string, start int64, limit int) []model.Candle {
	rows, err := s.db.Query(`
		SELECT `+candleCols+` FROM ohlc
		WHERE exchange = ? AND symbol = ? AND interval = ? AND open_time >= ?
		ORDER BY open_time ASC LIMIT ?
	`, exchange, symbol, interval, start, limit)
	if err != nil {
		log.Printf("[sqlite] get_after error: %v", err)
		return nil
	}
	return scanCandles(rows)
}

// InsertAlert inserts the alert, or returns the id of the existing row
// when the (exchange, symbol, signal, ts) key was already persisted.
// The returned bool reports whether the row is new.
func (s *Store) InsertAlert(a *model.Alert) (int64, bool, error) {
	avoid, _ := json.Marshal(a.AvoidReasons)
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO alerts
			(ts, created_ts, exchange, symbol, signal, source_tf, price, reason,
			 setup_score, setup_grade, avoid_reasons, metrics_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	`, a.EventTS, a.CreatedTS, a.Exchange, a.Symbol, a.Signal, a.SourceTF, a.Price, a.Reason,
		a.SetupScore, nullStr(a.SetupGrade), string(avoid), a.MetricsJSON)
	if err != nil {
		return 0, false, fmt.Errorf("insert alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		id, _ := res.LastInsertId()
		return id, true, nil
	}
	var id int64
	err = s.db.QueryRow(`
		SELECT id FROM alerts WHERE exchange = ? AND symbol = ? AND signal = ? AND ts = ?
	`, a.Exchange, a.Symbol, a.Signal, a.EventTS).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("lookup alert: %w", err)
	}
	return id, false, nil
}

// InsertTradePlan persists the plan for an alert. One plan per alert;
// replays are ignored.
func (s *Store) InsertTradePlan(p *model.TradePlan) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO trade_plans
			(alert_id, ts, exchange, symbol, side, entry_type, entry_price, stop_loss,
			 tp1, tp2, tp3, atr, atr_mult, swing_ref, risk_per_unit, rr_tp1, rr_tp2, rr_tp3, plan_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, p.AlertID, p.EventTS, p.Exchange, p.Symbol, p.Side, p.EntryType, p.EntryPrice, p.StopLoss,
		p.TP1, p.TP2, p.TP3, p.ATR, p.ATRMult, p.SwingRef, p.RiskPerUnit, p.RRTP1, p.RRTP2, p.RRTP3, p.PlanJSON)
	if err != nil {
		return fmt.Errorf("insert trade plan: %w", err)
	}
	return nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
