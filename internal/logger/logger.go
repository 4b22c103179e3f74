// Package logger sets up the process-level structured logger: a JSON
// slog handler on stdout tagged with the service name. Hot paths keep
// using tagged log.Printf; lifecycle events go through slog.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Init creates the service logger and installs it as the slog default.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps a LOG_LEVEL string to a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
