package liquidity

import (
	"testing"
	"time"

	"perpscreener/internal/model"
)

func metric(sym string, vol, oi, ch5 float64) *model.SymbolMetrics {
	return &model.SymbolMetrics{
		Symbol:      sym,
		Vol1m:       model.Float(vol),
		OpenInterest: model.Float(oi),
		Change5m:    model.Float(ch5),
	}
}

func TestRanks_OrderAndCohort(t *testing.T) {
	s := NewScorer(2, DefaultWeights)
	metrics := []*model.SymbolMetrics{
		metric("BTCUSDT", 1_000_000, 5_000_000, 0.001),
		metric("ETHUSDT", 500_000, 2_000_000, 0.002),
		metric("DOGEUSDT", 10_000, 50_000, 0.004),
	}
	res := s.Ranks("binance", metrics)
	if res.Ranks["BTCUSDT"] != 1 {
		t.Errorf("BTC rank=%d, want 1", res.Ranks["BTCUSDT"])
	}
	if !res.Top["BTCUSDT"] || !res.Top["ETHUSDT"] || res.Top["DOGEUSDT"] {
		t.Errorf("cohort wrong: %+v", res.Top)
	}
	if len(res.Ranks) != 3 {
		t.Errorf("every symbol gets a rank, got %d", len(res.Ranks))
	}
}

func TestRanks_CacheServesWithinTTL(t *testing.T) {
	s := NewScorer(1, DefaultWeights)
	base := time.Unix(0, 0)
	s.now = func() time.Time { return base }

	seed := []*model.SymbolMetrics{
		metric("AUSDT", 100, 0, 0),
		metric("BUSDT", 50, 0, 0),
	}
	first := s.Ranks("binance", seed)
	if first.Ranks["AUSDT"] != 1 {
		t.Fatal("seed ranking failed")
	}

	// Same symbols with fresh values, inside TTL: cache wins.
	cached := s.Ranks("binance", []*model.SymbolMetrics{
		metric("AUSDT", 1, 0, 0),
		metric("BUSDT", 9_999, 0, 0),
	})
	if cached.Ranks["AUSDT"] != 1 {
		t.Error("expected cached result inside TTL")
	}

	s.now = func() time.Time { return base.Add(cacheTTL) }
	fresh := s.Ranks("binance", []*model.SymbolMetrics{
		metric("AUSDT", 1, 0, 0),
		metric("BUSDT", 9_999, 0, 0),
	})
	if fresh.Ranks["BUSDT"] != 1 {
		t.Error("expected recompute after TTL")
	}
}

func TestRanks_RecomputesForUnrankedSymbol(t *testing.T) {
	s := NewScorer(1, DefaultWeights)
	base := time.Unix(0, 0)
	s.now = func() time.Time { return base }

	s.Ranks("binance", []*model.SymbolMetrics{metric("AUSDT", 100, 0, 0)})

	// A symbol the cached ranking has never seen must not ship unranked;
	// the cache is bypassed even inside the TTL.
	res := s.Ranks("binance", []*model.SymbolMetrics{
		metric("AUSDT", 100, 0, 0),
		metric("BUSDT", 500, 0, 0),
	})
	if res.Ranks["BUSDT"] != 1 {
		t.Errorf("new symbol rank=%d, want 1", res.Ranks["BUSDT"])
	}
	if res.Ranks["AUSDT"] != 2 {
		t.Errorf("AUSDT rank=%d, want 2", res.Ranks["AUSDT"])
	}
}

func TestRanks_MissingFieldsScoreZero(t *testing.T) {
	s := NewScorer(1, DefaultWeights)
	res := s.Ranks("bybit", []*model.SymbolMetrics{
		{Symbol: "NEWUSDT"},
		metric("BTCUSDT", 100, 100, 0.01),
	})
	if res.Ranks["NEWUSDT"] != 2 {
		t.Errorf("unprovisioned symbol should rank last, got %d", res.Ranks["NEWUSDT"])
	}
}
