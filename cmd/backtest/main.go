// cmd/backtest runs the forward-simulation analysis on demand: replay
// stored trade plans against persisted 15m candles, write per-trade and
// aggregate rows, refresh the win-rate table and print a summary.
//
// Usage:
//
//	go run ./cmd/backtest --windows=7,30 --min-grade=B --top200
package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"perpscreener/config"
	"perpscreener/internal/backtest"
	"perpscreener/internal/screener/grader"
	"perpscreener/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	godotenv.Load()
	cfg := config.Load()

	windowsStr := flag.String("windows", "", "Comma-separated windows in days (default: ANALYSIS_AUTORUN_WINDOWS)")
	minGrade := flag.String("min-grade", cfg.AnalysisMinGrade, "Minimum setup grade to include (A/B/C, empty=all)")
	top200 := flag.Bool("top200", cfg.AnalysisTop200Only, "Only top-200 liquidity cohort")
	exchangeName := flag.String("exchange", "", "Restrict to one exchange (empty=all)")
	dbPath := flag.String("db", cfg.SQLitePath, "Path to SQLite database")
	topN := flag.Int("top", 20, "Rows to print per window")
	flag.Parse()

	windows := cfg.AnalysisWindows
	if *windowsStr != "" {
		windows = parseWindows(*windowsStr)
	}
	if len(windows) == 0 {
		log.Fatal("[backtest] no valid windows specified")
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("[backtest] sqlite open failed: %v", err)
	}
	defer store.Close()

	runner := backtest.NewRunner(store, grader.New(), backtest.Config{
		Windows:    windows,
		MinGrade:   strings.ToUpper(*minGrade),
		Top200Only: *top200,
		Exchange:   *exchangeName,
	})
	if err := runner.Run(); err != nil {
		log.Fatalf("[backtest] run failed: %v", err)
	}

	for _, w := range windows {
		printWindow(store, w, *exchangeName, *topN)
	}
}

func parseWindows(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		w, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || w <= 0 {
			log.Printf("[backtest] skipping invalid window %q", part)
			continue
		}
		out = append(out, w)
	}
	return out
}

func printWindow(store *sqlite.Store, windowDays int, exchange string, topN int) {
	rows := store.BacktestResults(windowDays, backtest.StrategyVersion, exchange)
	fmt.Printf("\n== window %dd: %d symbol aggregates ==\n", windowDays, len(rows))
	if len(rows) == 0 {
		return
	}
	fmt.Printf("%-10s %-14s %-6s %7s %8s %8s %8s %8s\n",
		"exchange", "symbol", "tf", "trades", "winTP", "win1R", "avgR", "bars")
	for i, r := range rows {
		if i >= topN {
			fmt.Printf("... %d more\n", len(rows)-topN)
			break
		}
		fmt.Printf("%-10s %-14s %-6s %7d %8s %8s %8s %8s\n",
			r.Exchange, r.Symbol, r.SourceTF, r.NTrades,
			pct(r.WinRate), pct(r.WinRateRealistic), num(r.AvgR), num(r.AvgBars))
	}
}

func pct(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v*100)
}

func num(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
