package log

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name         string
		level        string
		format       string
		debugEnabled bool
		warnEnabled  bool
	}{
		{"debug text", "debug", "text", true, true},
		{"error json", "error", "json", false, false},
		{"uppercase level accepted", "WARN", "text", false, true},
		{"unknown level falls back to info", "verbose", "text", false, true},
		{"unknown format falls back to text", "info", "xml", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)

			ctx := context.Background()
			assert.Equal(t, tt.debugEnabled, slog.Default().Enabled(ctx, slog.LevelDebug))
			assert.Equal(t, tt.warnEnabled, slog.Default().Enabled(ctx, slog.LevelWarn))
		})
	}
}

func TestWithModule(t *testing.T) {
	Setup("info", "text")

	assert.NotNil(t, WithModule("scheduler"))
}
