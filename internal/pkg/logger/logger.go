package logger

import (
	"log/slog"
	"os"
	"strings"
)

// NewDefault creates the process-wide slog logger with the given level
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
func NewDefault(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})

	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}
