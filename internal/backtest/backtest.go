// Package backtest replays stored trade plans forward on persisted 15m
// candles and closes the feedback loop: per-symbol win rates computed
// here are installed into the grader's cache.
package backtest

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"perpscreener/internal/model"
	"perpscreener/internal/screener/grader"
	"perpscreener/internal/store/sqlite"
)

// StrategyVersion tags every simulated trade and aggregate row so a
// methodology change never mixes with old results.
const StrategyVersion = "v3_enhanced_grading"

const (
	// Resolution horizon: 96 forward 15m bars (24 hours).
	horizonBars = 96

	// A "realistic" win needs at least 1R; any-TP rate is reported
	// alongside for comparison.
	winRThreshold = 1.0

	// Symbols need this many resolved trades before their win rate
	// feeds back into grading.
	minResolvedForFeedback = 5
)

// Outcome of simulating one plan forward.
type Outcome struct {
	Resolved   string
	R          float64
	MaeR       float64
	MfeR       float64
	Bars       int
	ResolvedTS *int64
}

// Simulate walks the plan forward bar by bar. The stop is checked
// before any TP on every bar: when a single bar's range crosses both,
// the worst case (SL) wins. TPs resolve in ascending index order with
// R = index+1. Running MAE/MFE are measured in R units.
func Simulate(side string, entry, stop float64, tps []*float64, bars []model.Candle) Outcome {
	risk := entry - stop
	if side == model.SideSell {
		risk = stop - entry
	}
	if risk <= 0 {
		return Outcome{Resolved: model.ResolvedNone}
	}

	var levels []float64
	for _, tp := range tps {
		if tp != nil {
			levels = append(levels, *tp)
		}
	}

	var mae, mfe float64
	for i, b := range bars {
		if side == model.SideBuy {
			if adverse := (entry - b.Low) / risk; adverse > mae {
				mae = adverse
			}
			if favorable := (b.High - entry) / risk; favorable > mfe {
				mfe = favorable
			}
			if b.Low <= stop {
				ts := b.CloseTime
				return Outcome{Resolved: model.ResolvedSL, R: -1, MaeR: mae, MfeR: mfe, Bars: i + 1, ResolvedTS: &ts}
			}
			for j, tp := range levels {
				if b.High >= tp {
					ts := b.CloseTime
					return Outcome{Resolved: fmt.Sprintf("TP%d", j+1), R: float64(j + 1), MaeR: mae, MfeR: mfe, Bars: i + 1, ResolvedTS: &ts}
				}
			}
		} else {
			if adverse := (b.High - entry) / risk; adverse > mae {
				mae = adverse
			}
			if favorable := (entry - b.Low) / risk; favorable > mfe {
				mfe = favorable
			}
			if b.High >= stop {
				ts := b.CloseTime
				return Outcome{Resolved: model.ResolvedSL, R: -1, MaeR: mae, MfeR: mfe, Bars: i + 1, ResolvedTS: &ts}
			}
			for j, tp := range levels {
				if b.Low <= tp {
					ts := b.CloseTime
					return Outcome{Resolved: fmt.Sprintf("TP%d", j+1), R: float64(j + 1), MaeR: mae, MfeR: mfe, Bars: i + 1, ResolvedTS: &ts}
				}
			}
		}
	}
	return Outcome{Resolved: model.ResolvedNone, MaeR: mae, MfeR: mfe, Bars: len(bars)}
}

// Config controls one analysis run.
type Config struct {
	Windows    []int  // windows in days, e.g. 7 and 30
	MinGrade   string // minimum setup grade to include; empty takes all
	Top200Only bool
	Exchange   string // empty = all exchanges
}

// Runner drives analysis runs against the store and pushes the
// resulting win-rate table into the grader.
type Runner struct {
	store  *sqlite.Store
	grader *grader.Grader
	cfg    Config

	now func() time.Time
}

func NewRunner(store *sqlite.Store, g *grader.Grader, cfg Config) *Runner {
	if len(cfg.Windows) == 0 {
		cfg.Windows = []int{7, 30}
	}
	return &Runner{store: store, grader: g, cfg: cfg, now: time.Now}
}

var gradePriority = map[string]int{grader.GradeA: 3, grader.GradeB: 2, grader.GradeC: 1}

// backfillGrade re-runs the grader against the persisted metrics
// snapshot when the alert was stored before grading existed.
func (r *Runner) backfillGrade(a *model.Alert) {
	if a.SetupGrade != "" || a.MetricsJSON == "" || r.grader == nil {
		return
	}
	var m model.SymbolMetrics
	if err := json.Unmarshal([]byte(a.MetricsJSON), &m); err != nil {
		return
	}
	res := r.grader.Grade(&m, a.Signal)
	a.SetupGrade = res.Grade
	a.SetupScore = &res.Score
}

type tally struct {
	n, anyTP, wins, losses int
	sumR, sumMae, sumMfe   float64
	sumBars                float64
	sumWinR, sumLossR      float64
	counts                 map[string]int
}

func newTally() *tally {
	return &tally{counts: make(map[string]int)}
}

func (t *tally) add(o Outcome) {
	t.n++
	t.sumR += o.R
	t.sumMae += o.MaeR
	t.sumMfe += o.MfeR
	t.sumBars += float64(o.Bars)
	t.counts[o.Resolved]++
	if strings.HasPrefix(o.Resolved, "TP") {
		t.anyTP++
	}
	if o.R >= winRThreshold {
		t.wins++
		t.sumWinR += o.R
	} else if o.Resolved == model.ResolvedSL || (o.Resolved != model.ResolvedNone && o.R < 0) {
		t.losses++
		t.sumLossR += -o.R
	}
}

type tallyJSON struct {
	NTrades    int            `json:"n_trades"`
	NResolved  int            `json:"n_resolved"`
	Wins       int            `json:"wins"`
	Losses     int            `json:"losses"`
	WinRate    float64        `json:"win_rate"`
	AnyTPRate  float64        `json:"any_tp_rate"`
	AvgR       float64        `json:"avg_r"`
	Expectancy float64        `json:"expectancy"`
	AvgWinR    float64        `json:"avg_win_r"`
	AvgLossR   float64        `json:"avg_loss_r"`
	AvgMaeR    float64        `json:"avg_mae_r"`
	AvgMfeR    float64        `json:"avg_mfe_r"`
	AvgBars    float64        `json:"avg_bars_to_resolve"`
	Counts     map[string]int `json:"counts"`
	Version    string         `json:"strategy_version"`
}

func (t *tally) summary() tallyJSON {
	out := tallyJSON{
		NTrades: t.n, Wins: t.wins, Losses: t.losses,
		Counts: t.counts, Version: StrategyVersion,
	}
	if t.n == 0 {
		return out
	}
	resolved := t.wins + t.losses
	out.NResolved = resolved
	out.AnyTPRate = float64(t.anyTP) / float64(t.n)
	out.AvgR = t.sumR / float64(t.n)
	out.AvgMaeR = t.sumMae / float64(t.n)
	out.AvgMfeR = t.sumMfe / float64(t.n)
	out.AvgBars = t.sumBars / float64(t.n)
	if resolved > 0 {
		out.WinRate = float64(t.wins) / float64(resolved)
		if t.wins > 0 {
			out.AvgWinR = t.sumWinR / float64(t.wins)
		}
		out.AvgLossR = 1
		if t.losses > 0 {
			out.AvgLossR = t.sumLossR / float64(t.losses)
		}
		out.Expectancy = out.WinRate*out.AvgWinR - (1-out.WinRate)*out.AvgLossR
	}
	return out
}

type aggKey struct {
	exchange, symbol, sourceTF string
}

// Run executes one full analysis: simulate every qualifying plan in
// every window, persist per-trade and aggregate rows, then refresh the
// grader's win-rate table from the longest window.
func (r *Runner) Run() error {
	started := r.now().UnixMilli()
	runID, err := r.store.StartAnalysisRun(started, r.cfg.Windows)
	if err != nil {
		return err
	}

	var nAlerts, nResolved int
	var runErr error
	for _, window := range r.cfg.Windows {
		a, res, err := r.runWindow(window)
		nAlerts += a
		nResolved += res
		if err != nil {
			runErr = err
			break
		}
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := r.store.FinishAnalysisRun(runID, r.now().UnixMilli(), nAlerts, nResolved, errMsg); err != nil {
		log.Printf("[backtest] finish run: %v", err)
	}
	if runErr != nil {
		return runErr
	}

	feedback := r.cfg.Windows[len(r.cfg.Windows)-1]
	if rates := r.store.SymbolWinRates(feedback, minResolvedForFeedback); r.grader != nil && len(rates) > 0 {
		r.grader.SetWinRates(rates)
		log.Printf("[backtest] win-rate feedback: %d symbols (window %dd)", len(rates), feedback)
	}
	return nil
}

func (r *Runner) runWindow(windowDays int) (nAlerts, nResolved int, err error) {
	since := r.now().UnixMilli() - int64(windowDays)*24*60*60*1000
	pairs := r.store.SelectAlertPlans(sqlite.AlertPlanFilter{
		SinceTS:  since,
		Exchange: r.cfg.Exchange,
		Top200:   r.cfg.Top200Only,
	})
	log.Printf("[backtest] window %dd: %d alert/plan pairs", windowDays, len(pairs))

	perSymbol := make(map[aggKey]*tally)
	perBucket := make(map[aggKey]*tally)
	minPriority := gradePriority[r.cfg.MinGrade]

	for i := range pairs {
		alert := &pairs[i].Alert
		plan := &pairs[i].Plan
		r.backfillGrade(alert)
		if gradePriority[alert.SetupGrade] < minPriority {
			continue
		}

		forward := r.store.GetAfter(alert.Exchange, alert.Symbol, model.Interval15m, alert.CreatedTS, horizonBars)
		if len(forward) == 0 {
			continue
		}
		nAlerts++

		o := Simulate(plan.Side, plan.EntryPrice, plan.StopLoss,
			[]*float64{plan.TP1, plan.TP2, plan.TP3}, forward)
		if o.Resolved != model.ResolvedNone {
			nResolved++
		}

		top200 := strings.Contains(alert.MetricsJSON, `"liquidity_top200":true`)
		trade := &model.BacktestTrade{
			AlertID:         alert.ID,
			WindowDays:      windowDays,
			StrategyVersion: StrategyVersion,
			CreatedTS:       alert.CreatedTS,
			Exchange:        alert.Exchange,
			Symbol:          alert.Symbol,
			Signal:          alert.Signal,
			SourceTF:        alert.SourceTF,
			SetupGrade:      alert.SetupGrade,
			SetupScore:      alert.SetupScore,
			LiquidityTop200: &top200,
			Entry:           plan.EntryPrice,
			Stop:            plan.StopLoss,
			TP1:             plan.TP1,
			TP2:             plan.TP2,
			TP3:             plan.TP3,
			Resolved:        o.Resolved,
			RMultiple:       o.R,
			MaeR:            o.MaeR,
			MfeR:            o.MfeR,
			BarsToResolve:   o.Bars,
			ResolvedTS:      o.ResolvedTS,
		}
		if err := r.store.UpsertBacktestTrade(trade); err != nil {
			return nAlerts, nResolved, err
		}

		symKey := aggKey{alert.Exchange, alert.Symbol, ""}
		if perSymbol[symKey] == nil {
			perSymbol[symKey] = newTally()
		}
		perSymbol[symKey].add(o)

		bucket := aggKey{
			exchange: alert.Exchange,
			symbol:   fmt.Sprintf("bucket:%s:%s", alert.SetupGrade, alert.Signal),
			sourceTF: alert.SourceTF,
		}
		if perBucket[bucket] == nil {
			perBucket[bucket] = newTally()
		}
		perBucket[bucket].add(o)
	}

	ts := r.now().UnixMilli()
	for _, group := range []map[aggKey]*tally{perSymbol, perBucket} {
		for k, t := range group {
			if err := r.upsertAggregate(ts, windowDays, k, t); err != nil {
				return nAlerts, nResolved, err
			}
		}
	}
	return nAlerts, nResolved, nil
}

func (r *Runner) upsertAggregate(ts int64, windowDays int, k aggKey, t *tally) error {
	s := t.summary()
	raw, _ := json.Marshal(s)
	agg := &sqlite.BacktestAggregate{
		Exchange:    k.exchange,
		Symbol:      k.symbol,
		SourceTF:    k.sourceTF,
		WindowDays:  windowDays,
		NTrades:     s.NTrades,
		ResultsJSON: string(raw),
	}
	if s.NTrades > 0 {
		agg.WinRate = &s.AnyTPRate
		agg.WinRateRealistic = &s.WinRate
		agg.AvgR = &s.AvgR
		agg.AvgMaeR = &s.AvgMaeR
		agg.AvgMfeR = &s.AvgMfeR
		agg.AvgBars = &s.AvgBars
	}
	return r.store.UpsertBacktestResult(ts, StrategyVersion, agg)
}
