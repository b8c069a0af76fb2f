package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a production-friendly JSON logger writing to stdout unless
// LOG_FORMAT=console is provided to prefer a human-readable output.
// LOG_LEVEL accepts debug, info, warn or error.
func New() *slog.Logger {
	return NewWithWriter(os.Stdout, os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))
}

// NewWithWriter builds the same logger against an arbitrary writer.
func NewWithWriter(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if format == "console" {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard is used by tests and by components built without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
