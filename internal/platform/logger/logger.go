// Package logger builds the process-wide slog logger. Output is JSON on
// stdout so log shippers can parse lines without configuration.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// New returns the clavis logger. The level comes from CLAVIS_LOG_LEVEL
// (debug, info, warn, error; anything else means info) and every line
// carries the service name for multi-service log streams.
func New() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: levelFromEnv(os.Getenv("CLAVIS_LOG_LEVEL")),
	})
	return slog.New(handler).With("service", "clavis")
}

func levelFromEnv(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
