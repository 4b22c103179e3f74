// Package notification delivers signal alerts to external channels
// (Telegram, Discord, generic webhooks) or the process log.
package notification

import (
	"context"
	"log"
)

// Alert is one outbound signal notification.
type Alert struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`  // BUY, SELL or VOL_DUE
	Grade    string `json:"grade"` // setup grade, empty when ungraded
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts instead of sending them. The fallback when
// no channel is configured.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] %s: %s", alert.Title, alert.Message)
	return nil
}

// sideEmoji marks the alert direction in chat channels.
func sideEmoji(side string) string {
	switch side {
	case "BUY":
		return "🟢"
	case "SELL":
		return "🔴"
	case "VOL_DUE":
		return "⏳"
	}
	return "🔔"
}
