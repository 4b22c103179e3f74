// Package alerter filters each snapshot's metrics down to the few
// signals worth pushing to external channels. It applies per-symbol
// cooldowns (shorter for the liquid top-200 cohort), a minute-scale
// global dedup, and a minimum setup grade with a Vol-Due whitelist.
package alerter

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"perpscreener/internal/metrics"
	"perpscreener/internal/model"
	"perpscreener/internal/notification"
)

// Config tunes dispatch behavior.
type Config struct {
	Enabled            bool
	MinGrade           string // "", "A", "B" or "C"; "" disables the gate
	CooldownTop        time.Duration
	CooldownSmall      time.Duration
	DedupMin           time.Duration
	IncludeExplanation bool
	WhitelistVolDue    bool // Vol-Due signals bypass the grade gate
	SendTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		CooldownTop:        120 * time.Second,
		CooldownSmall:      300 * time.Second,
		DedupMin:           60 * time.Second,
		IncludeExplanation: true,
		WhitelistVolDue:    true,
		SendTimeout:        15 * time.Second,
	}
}

var gradeOrder = map[string]int{"A": 3, "B": 2, "C": 1}

// Alerter fans qualifying signals out to notification backends. Wired
// as the aggregator's dispatch hook.
type Alerter struct {
	cfg       Config
	notifiers []notification.Notifier
	met       *metrics.Metrics

	mu           sync.Mutex
	lastSymbolTS map[string]int64 // exchange:symbol
	lastKeyTS    map[string]int64 // exchange:symbol:side global dedup

	now func() time.Time
}

func New(cfg Config, met *metrics.Metrics, notifiers ...notification.Notifier) *Alerter {
	return &Alerter{
		cfg:          cfg,
		notifiers:    notifiers,
		met:          met,
		lastSymbolTS: make(map[string]int64),
		lastKeyTS:    make(map[string]int64),
		now:          time.Now,
	}
}

// Dispatch scans one emit's metrics and sends at most one alert per
// symbol. Matches the aggregator's DispatchFunc signature.
func (al *Alerter) Dispatch(exchange string, ms []*model.SymbolMetrics) {
	if !al.cfg.Enabled || len(al.notifiers) == 0 {
		return
	}
	nowMS := al.now().UnixMilli()
	for _, m := range ms {
		side, reason, volDue := firedSignal(m)
		if side == "" {
			continue
		}
		if !al.gradePasses(m.SetupGrade, volDue) {
			continue
		}
		if !al.admit(exchange, m.Symbol, side, m.LiquidityTop200, nowMS) {
			continue
		}
		al.send(exchange, m, side, reason)
	}
}

// firedSignal picks the strongest fresh signal on the metric. Cipher
// wins over the swing setup; volDue reports whether a Vol-Due edge
// fired this emit.
func firedSignal(m *model.SymbolMetrics) (side, reason string, volDue bool) {
	volDue = boolVal(m.VolDue15m) || boolVal(m.VolDue4h)
	switch {
	case boolVal(m.CipherBuy):
		return "BUY", m.CipherReason, volDue
	case boolVal(m.CipherSell):
		return "SELL", m.CipherReason, volDue
	case boolVal(m.SwingLong):
		return "BUY", m.SwingLongReason, volDue
	case volDue:
		return "VOL_DUE", "volatility compression release due", true
	}
	return "", "", false
}

func boolVal(p *bool) bool { return p != nil && *p }

func (al *Alerter) gradePasses(grade string, volDue bool) bool {
	if al.cfg.MinGrade == "" {
		return true
	}
	if volDue && al.cfg.WhitelistVolDue {
		return true
	}
	return gradeOrder[grade] >= gradeOrder[al.cfg.MinGrade]
}

// admit checks the per-symbol cooldown and the global dedup window,
// recording the send time when the alert is admitted.
func (al *Alerter) admit(exchange, symbol, side string, top200 *bool, nowMS int64) bool {
	symKey := exchange + ":" + symbol
	cooldown := al.cfg.CooldownSmall
	if boolVal(top200) {
		cooldown = al.cfg.CooldownTop
	}

	al.mu.Lock()
	defer al.mu.Unlock()
	if nowMS-al.lastSymbolTS[symKey] < cooldown.Milliseconds() {
		return false
	}
	dedupKey := symKey + ":" + side
	if nowMS-al.lastKeyTS[dedupKey] < al.cfg.DedupMin.Milliseconds() {
		return false
	}
	al.lastSymbolTS[symKey] = nowMS
	al.lastKeyTS[dedupKey] = nowMS
	return true
}

func (al *Alerter) send(exchange string, m *model.SymbolMetrics, side, reason string) {
	a := formatAlert(exchange, m, side, reason, al.cfg.IncludeExplanation)
	if al.met != nil {
		al.met.AlertsTotal.WithLabelValues(exchange, side).Inc()
	}
	for _, n := range al.notifiers {
		go func(n notification.Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), al.cfg.SendTimeout)
			defer cancel()
			if err := n.Send(ctx, a); err != nil {
				log.Printf("[alerter] send failed: %v", err)
			}
		}(n)
	}
}

func formatAlert(exchange string, m *model.SymbolMetrics, side, reason string, explain bool) notification.Alert {
	tf := m.CipherSourceTF
	if tf == "" && boolVal(m.SwingLong) {
		tf = model.Interval4h
	}
	title := fmt.Sprintf("%s [%s] %s %s", side, tf, exchange, m.Symbol)
	msg := fmt.Sprintf("price %v", m.LastPrice)
	if m.SetupGrade != "" {
		msg += fmt.Sprintf(" | grade %s", m.SetupGrade)
	}
	if explain && reason != "" {
		msg += "\n" + reason
	}
	return notification.Alert{
		Exchange: exchange,
		Symbol:   m.Symbol,
		Side:     side,
		Grade:    m.SetupGrade,
		Title:    title,
		Message:  msg,
	}
}
