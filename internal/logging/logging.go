// Package logging sets up the JSON structured logger every CWatcher
// component receives by constructor injection. There is no package-level
// logger — callers that need one build it here and pass it down.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a slog.Logger writing JSON to stdout. levelName is one of
// "debug", "info", "warn", "error"; anything else falls back to "info".
func New(levelName string) *slog.Logger {
	level := parseLevel(levelName)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	})
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
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

// WithComponent returns a logger tagged with a "component" field, the
// convention every package under internal/ uses for its injected logger.
func WithComponent(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}
