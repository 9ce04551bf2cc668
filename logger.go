package odata

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the structured logger the client writes debug output to.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NewSimpleLogger returns a text logger on stderr at debug level.
func NewSimpleLogger() Logger {
	return NewSlogLogger(os.Stderr, "text", "debug")
}

// NewSlogLogger builds a slog logger writing format ("json" or "text") to w
// at the named level (debug, info, warn, error; default info).
func NewSlogLogger(w io.Writer, format, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("component", "odata")
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
