// Package log configures the process-wide structured logger for the flowd
// binaries.
package log

import (
	"log/slog"
	"os"
)

// Setup installs the default logger. Level is one of debug, info, warn,
// error; format is "text" for terminals or "json" for log collectors.
// Unrecognized values fall back to info and text.
func Setup(logLevel, logFormat string) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler

	switch logFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// WithModule returns the default logger scoped to one module.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
