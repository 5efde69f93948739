// Package log builds the service's JSON slog logger.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New constructs a JSON slog.Logger on stdout at the named level.
func New(service, env, level string) *slog.Logger {
	return NewWithWriter(os.Stdout, service, env, ParseLevel(level))
}

// NewWithWriter constructs a JSON slog.Logger writing to w.
func NewWithWriter(w io.Writer, service, env string, lvl slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
	})

	return slog.New(handler).With(
		slog.String("service", service),
		slog.String("env", env))
}

// ParseLevel maps debug, info, warn and error to slog levels; anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
