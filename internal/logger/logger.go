// Package logger builds the process logger from the log config section.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"taskgen/internal/config"
)

const service = "taskgen"

// New returns a logger writing to stderr. Every record carries service=taskgen.
func New(cfg config.Log) *slog.Logger {
	return NewWriter(cfg, os.Stderr)
}

func NewWriter(cfg config.Log, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", service)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
