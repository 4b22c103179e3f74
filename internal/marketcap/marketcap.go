// Package marketcap supplies market capitalization and sector tags for
// perp symbols. Data comes from the CoinGecko free tier, cached in
// memory with a refresh interval and persisted to sqlite so restarts
// do not start cold. Lookups are null-tolerant: a symbol outside the
// top coins simply has no cap.
package marketcap

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"perpscreener/internal/store/sqlite"
)

const (
	coingeckoMarketsURL = "https://api.coingecko.com/api/v3/coins/markets"
	defaultTTL          = time.Hour
	fetchTimeout        = 15 * time.Second
)

// sectorTags maps base assets to coarse sector labels. Static on
// purpose: the cohorts move slowly and the free API has no category
// endpoint worth polling.
var sectorTags = map[string][]string{
	"BTC":   {"l1", "store-of-value"},
	"ETH":   {"l1", "smart-contract"},
	"SOL":   {"l1", "smart-contract"},
	"BNB":   {"l1", "exchange"},
	"XRP":   {"payments"},
	"ADA":   {"l1", "smart-contract"},
	"AVAX":  {"l1", "smart-contract"},
	"DOT":   {"l0", "interop"},
	"ATOM":  {"l0", "interop"},
	"LINK":  {"oracle", "defi"},
	"UNI":   {"defi", "dex"},
	"AAVE":  {"defi", "lending"},
	"MKR":   {"defi", "stablecoin"},
	"LDO":   {"defi", "staking"},
	"CRV":   {"defi", "dex"},
	"MATIC": {"l2", "scaling"},
	"POL":   {"l2", "scaling"},
	"ARB":   {"l2", "scaling"},
	"OP":    {"l2", "scaling"},
	"DOGE":  {"meme"},
	"SHIB":  {"meme"},
	"PEPE":  {"meme"},
	"WIF":   {"meme"},
	"FIL":   {"storage"},
	"AR":    {"storage"},
	"RNDR":  {"ai", "compute"},
	"TAO":   {"ai"},
	"FET":   {"ai"},
	"NEAR":  {"l1", "ai"},
	"INJ":   {"l1", "defi"},
	"APT":   {"l1"},
	"SUI":   {"l1"},
	"TON":   {"l1"},
	"TRX":   {"l1"},
	"LTC":   {"payments"},
	"BCH":   {"payments"},
}

// Provider implements the aggregator's MarketCapProvider.
type Provider struct {
	store      *sqlite.Store // optional persistence
	client     *http.Client
	marketsURL string
	ttl        time.Duration

	mu         sync.RWMutex
	caps       map[string]float64 // base asset -> USD market cap
	lastUpdate int64              // epoch ms

	now func() time.Time
}

func New(store *sqlite.Store, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Provider{
		store:      store,
		client:     &http.Client{Timeout: fetchTimeout},
		marketsURL: coingeckoMarketsURL,
		ttl:        ttl,
		caps:       make(map[string]float64),
		now:        time.Now,
	}
}

// Lookup returns the market cap and sector tags for a perp symbol.
// ok reports whether a cap is known; sector tags come back either way.
func (p *Provider) Lookup(symbol string) (*float64, []string, bool) {
	base := normalizeSymbol(symbol)
	sectors := sectorTags[base]

	p.mu.RLock()
	mc, ok := p.caps[base]
	p.mu.RUnlock()
	if !ok {
		return nil, sectors, false
	}
	return &mc, sectors, true
}

// normalizeSymbol strips the quote/contract suffix: BTCUSDT -> BTC.
func normalizeSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, suffix := range []string{"USDT", "PERP", "USD"} {
		s = strings.ReplaceAll(s, suffix, "")
	}
	if s == "WBTC" {
		return "BTC"
	}
	return s
}

// Init loads the persisted cache and fetches fresh data when the cache
// is empty or stale. Best-effort: a cold, offline start still serves
// null caps.
func (p *Provider) Init(ctx context.Context) {
	if p.loadFromStore() {
		log.Printf("[marketcap] loaded %d cached entries", p.size())
	}
	p.RefreshIfStale(ctx)
}

// RefreshIfStale re-fetches from CoinGecko when the cache age exceeds
// the refresh interval.
func (p *Provider) RefreshIfStale(ctx context.Context) {
	p.mu.RLock()
	age := p.now().UnixMilli() - p.lastUpdate
	p.mu.RUnlock()
	if age < p.ttl.Milliseconds() {
		return
	}
	if err := p.fetch(ctx); err != nil {
		log.Printf("[marketcap] refresh failed, serving cached data: %v", err)
	}
}

func (p *Provider) size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.caps)
}

func (p *Provider) loadFromStore() bool {
	if p.store == nil {
		return false
	}
	rows := p.store.LoadMarketCaps(0)
	if len(rows) == 0 {
		return false
	}
	caps := make(map[string]float64, len(rows))
	oldest := int64(0)
	for sym, r := range rows {
		if r.MarketCap == nil {
			continue
		}
		caps[sym] = *r.MarketCap
		if oldest == 0 || r.UpdatedTS < oldest {
			oldest = r.UpdatedTS
		}
	}
	p.mu.Lock()
	p.caps = caps
	p.lastUpdate = oldest
	p.mu.Unlock()
	return len(caps) > 0
}

// fetch pulls the top 250 coins by market cap and replaces the cache.
func (p *Provider) fetch(ctx context.Context) error {
	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("order", "market_cap_desc")
	params.Set("per_page", "250")
	params.Set("page", "1")
	params.Set("sparkline", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.marketsURL+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("coingecko: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("coingecko: rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coingecko: status %d", resp.StatusCode)
	}

	var coins []struct {
		Symbol    string   `json:"symbol"`
		MarketCap *float64 `json:"market_cap"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&coins); err != nil {
		return err
	}

	caps := make(map[string]float64, len(coins))
	for _, c := range coins {
		if c.Symbol == "" || c.MarketCap == nil {
			continue
		}
		caps[strings.ToUpper(c.Symbol)] = *c.MarketCap
	}
	nowMS := p.now().UnixMilli()

	p.mu.Lock()
	p.caps = caps
	p.lastUpdate = nowMS
	p.mu.Unlock()

	log.Printf("[marketcap] refreshed %d entries", len(caps))
	p.persist(caps, nowMS)
	return nil
}

func (p *Provider) persist(caps map[string]float64, ts int64) {
	if p.store == nil {
		return
	}
	for sym, mc := range caps {
		v := mc
		if err := p.store.SaveMarketCap(sym, &v, sectorTags[sym], ts); err != nil {
			log.Printf("[marketcap] persist %s: %v", sym, err)
			return
		}
	}
}
