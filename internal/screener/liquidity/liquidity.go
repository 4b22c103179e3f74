// Package liquidity scores symbols by a weighted min-max blend of
// turnover, open interest and price activity, ranks them high to low
// and marks the top-N cohort. Results are cached per exchange for a
// short window since ranks only need to move on the snapshot cadence.
package liquidity

import (
	"math"
	"sort"
	"sync"
	"time"

	"perpscreener/internal/model"
)

// Weights split the score between the three features. They should sum
// to 1 but the scorer does not enforce it.
type Weights struct {
	Turnover float64
	OI       float64
	Activity float64
}

// DefaultWeights mirror the shipped configuration.
var DefaultWeights = Weights{Turnover: 0.6, OI: 0.3, Activity: 0.1}

const cacheTTL = 60 * time.Second

// Result is a computed ranking: rank per symbol (1 = most liquid) and
// the top-N membership set.
type Result struct {
	Ranks map[string]int
	Top   map[string]bool
}

// Scorer computes and caches liquidity ranks per exchange.
type Scorer struct {
	TopN    int
	Weights Weights

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	at  time.Time
	res Result
}

// NewScorer creates a scorer keeping the top n symbols as the cohort.
func NewScorer(n int, w Weights) *Scorer {
	return &Scorer{
		TopN:    n,
		Weights: w,
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Ranks returns the cached ranking for the exchange when it is younger
// than the TTL and still covers every given symbol, otherwise
// recomputes it from the given metrics. The coverage check keeps a
// symbol first seen mid-window from shipping unranked until the TTL
// lapses.
func (s *Scorer) Ranks(exchange string, metrics []*model.SymbolMetrics) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.cache[exchange]; ok && s.now().Sub(e.at) < cacheTTL && covers(e.res.Ranks, metrics) {
		return e.res
	}
	res := s.compute(metrics)
	s.cache[exchange] = cacheEntry{at: s.now(), res: res}
	return res
}

func covers(ranks map[string]int, metrics []*model.SymbolMetrics) bool {
	for _, m := range metrics {
		if _, ok := ranks[m.Symbol]; !ok {
			return false
		}
	}
	return true
}

func (s *Scorer) compute(metrics []*model.SymbolMetrics) Result {
	n := len(metrics)
	syms := make([]string, n)
	turnover := make([]float64, n)
	oi := make([]float64, n)
	activity := make([]float64, n)

	for i, m := range metrics {
		syms[i] = m.Symbol
		if m.Vol1m != nil {
			turnover[i] = *m.Vol1m
		}
		if m.OpenInterest != nil {
			oi[i] = *m.OpenInterest
		}
		// Activity proxy: |5m change|, falling back to the volume
		// z-score when the change window is not provisioned yet.
		switch {
		case m.Change5m != nil:
			activity[i] = math.Abs(*m.Change5m)
		case m.VolZScore1m != nil:
			activity[i] = math.Abs(*m.VolZScore1m)
		}
	}

	nTurn := normalize(turnover)
	nOI := normalize(oi)
	nAct := normalize(activity)

	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		scores[i] = s.Weights.Turnover*nTurn[i] + s.Weights.OI*nOI[i] + s.Weights.Activity*nAct[i]
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	res := Result{Ranks: make(map[string]int, n), Top: make(map[string]bool, s.TopN)}
	for r, idx := range order {
		res.Ranks[syms[idx]] = r + 1
		if r < s.TopN {
			res.Top[syms[idx]] = true
		}
	}
	return res
}

// normalize min-max scales values into [0,1]; a zero span maps to 0.
func normalize(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	if span == 0 {
		return out
	}
	for i, v := range values {
		out[i] = (v - lo) / span
	}
	return out
}
