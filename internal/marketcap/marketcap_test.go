package marketcap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"perpscreener/internal/store/sqlite"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":  "BTC",
		"ethusdt":  "ETH",
		"SOLPERP":  "SOL",
		"XRPUSD":   "XRP",
		"WBTCUSDT": "BTC",
	}
	for in, want := range cases {
		if got := normalizeSymbol(in); got != want {
			t.Errorf("normalizeSymbol(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestLookup_NullTolerant(t *testing.T) {
	p := New(nil, time.Hour)
	p.caps["BTC"] = 1.2e12

	mc, sectors, ok := p.Lookup("BTCUSDT")
	if !ok || mc == nil || *mc != 1.2e12 {
		t.Errorf("mc=%v ok=%v", mc, ok)
	}
	if len(sectors) == 0 {
		t.Error("BTC should carry sector tags")
	}

	mc, sectors, ok = p.Lookup("OBSCUREUSDT")
	if ok || mc != nil {
		t.Errorf("unknown symbol: mc=%v ok=%v", mc, ok)
	}
	_ = sectors
}

func TestFetch_UpdatesCacheAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("vs_currency") != "usd" {
			t.Errorf("missing vs_currency param")
		}
		w.Write([]byte(`[
			{"symbol":"btc","market_cap":1200000000000},
			{"symbol":"eth","market_cap":400000000000},
			{"symbol":"weird","market_cap":null}
		]`))
	}))
	defer srv.Close()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "mc.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	p := New(store, time.Hour)
	p.marketsURL = srv.URL
	if err := p.fetch(context.Background()); err != nil {
		t.Fatal(err)
	}

	mc, _, ok := p.Lookup("ETHUSDT")
	if !ok || *mc != 4e11 {
		t.Errorf("ETH cap=%v ok=%v", mc, ok)
	}
	// Null market_cap entries are skipped, not stored as zero.
	if _, _, ok := p.Lookup("WEIRDUSDT"); ok {
		t.Error("null cap must not be cached")
	}

	// A fresh provider warm-starts from the persisted cache.
	p2 := New(store, time.Hour)
	if !p2.loadFromStore() {
		t.Fatal("expected persisted entries")
	}
	if mc, _, ok := p2.Lookup("BTCUSDT"); !ok || *mc != 1.2e12 {
		t.Errorf("warm start BTC cap=%v ok=%v", mc, ok)
	}
}

func TestRefreshIfStale_SkipsFreshCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`[{"symbol":"btc","market_cap":1}]`))
	}))
	defer srv.Close()

	p := New(nil, time.Hour)
	p.marketsURL = srv.URL
	base := time.UnixMilli(1_700_000_000_000)
	p.now = func() time.Time { return base }

	p.RefreshIfStale(context.Background())
	p.RefreshIfStale(context.Background()) // cache now fresh
	if calls != 1 {
		t.Errorf("calls=%d, want 1", calls)
	}

	p.now = func() time.Time { return base.Add(2 * time.Hour) }
	p.RefreshIfStale(context.Background())
	if calls != 2 {
		t.Errorf("calls=%d, want 2 after TTL elapsed", calls)
	}
}
