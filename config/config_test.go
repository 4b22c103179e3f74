package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	if cfg.TopSymbols != 200 {
		t.Errorf("TopSymbols=%d", cfg.TopSymbols)
	}
	if cfg.SnapshotIntervalMS != 30_000 {
		t.Errorf("SnapshotIntervalMS=%d", cfg.SnapshotIntervalMS)
	}
	if cfg.CipherOSLevel != -40 || cfg.CipherOBLevel != 40 {
		t.Errorf("cipher levels %v/%v", cfg.CipherOSLevel, cfg.CipherOBLevel)
	}
	if cfg.LiqWeights != [3]float64{0.6, 0.3, 0.1} {
		t.Errorf("LiqWeights=%v", cfg.LiqWeights)
	}
	if cfg.TradePlanTPRMults != [3]float64{1.5, 2.5, 4.0} {
		t.Errorf("TPRMults=%v", cfg.TradePlanTPRMults)
	}
	if len(cfg.Exchanges) != 1 || cfg.Exchanges[0] != "binance" {
		t.Errorf("Exchanges=%v", cfg.Exchanges)
	}
	if cfg.AlertMinGrade != "A" {
		t.Errorf("AlertMinGrade=%q", cfg.AlertMinGrade)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TOP_SYMBOLS", "50")
	t.Setenv("EXCHANGES", "binance, bybit")
	t.Setenv("LIQ_WEIGHTS", "0.5,0.4,0.1")
	t.Setenv("ANALYSIS_AUTORUN_WINDOWS", "7,30,90")
	t.Setenv("ENABLE_ALERTS", "yes")
	t.Setenv("ALERT_MIN_GRADE", "b")

	cfg := Load()
	if cfg.TopSymbols != 50 {
		t.Errorf("TopSymbols=%d", cfg.TopSymbols)
	}
	if len(cfg.Exchanges) != 2 || cfg.Exchanges[1] != "bybit" {
		t.Errorf("Exchanges=%v", cfg.Exchanges)
	}
	if cfg.LiqWeights != [3]float64{0.5, 0.4, 0.1} {
		t.Errorf("LiqWeights=%v", cfg.LiqWeights)
	}
	if len(cfg.AnalysisWindows) != 3 || cfg.AnalysisWindows[2] != 90 {
		t.Errorf("AnalysisWindows=%v", cfg.AnalysisWindows)
	}
	if !cfg.EnableAlerts || cfg.AlertMinGrade != "B" {
		t.Errorf("alerts: %v grade=%q", cfg.EnableAlerts, cfg.AlertMinGrade)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("TOP_SYMBOLS", "many")
	t.Setenv("LIQ_WEIGHTS", "0.5,0.5")
	t.Setenv("ANALYSIS_AUTORUN_WINDOWS", "7,zero,30")

	cfg := Load()
	if cfg.TopSymbols != 200 {
		t.Errorf("TopSymbols=%d, want default", cfg.TopSymbols)
	}
	if cfg.LiqWeights != [3]float64{0.6, 0.3, 0.1} {
		t.Errorf("LiqWeights=%v, want default", cfg.LiqWeights)
	}
	if len(cfg.AnalysisWindows) != 2 {
		t.Errorf("AnalysisWindows=%v, want invalid entry skipped", cfg.AnalysisWindows)
	}
}
