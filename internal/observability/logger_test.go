package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/couchcryptid/climate-control-etl/internal/config"
)

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()

	debug := NewLogger(&config.Config{LogLevel: "debug", LogFormat: "text"})
	assert.True(t, debug.Enabled(ctx, slog.LevelDebug))

	warn := NewLogger(&config.Config{LogLevel: "warn", LogFormat: "json"})
	assert.False(t, warn.Enabled(ctx, slog.LevelInfo))
	assert.True(t, warn.Enabled(ctx, slog.LevelWarn))

	// Unknown levels land on info.
	fallback := NewLogger(&config.Config{LogLevel: "verbose"})
	assert.False(t, fallback.Enabled(ctx, slog.LevelDebug))
	assert.True(t, fallback.Enabled(ctx, slog.LevelInfo))
}
