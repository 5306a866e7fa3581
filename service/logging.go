package service

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the logger of a host program. Unknown levels fall back to
// info and unknown formats to JSON. Debug level adds source locations.
func NewLogger(level, format string, attrs ...any) *slog.Logger {
	return newLogger(os.Stdout, level, format, attrs...)
}

func newLogger(w io.Writer, level, format string, attrs ...any) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With(attrs...)
}
