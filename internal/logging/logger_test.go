package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		logger, err := NewLogger(NewDefaultConfig())
		require.NoError(t, err)
		require.NotNil(t, logger)
	})

	t.Run("invalid format rejected", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Format = "xml"
		_, err := NewLogger(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "format")
	})

	t.Run("console encoder", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Format = "console"
		logger, err := NewLogger(cfg)
		require.NoError(t, err)
		require.NotNil(t, logger)
	})
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithRunID(context.Background(), "run-123")
	ctx = WithStage(ctx, "verify")

	tl.Info(ctx, "stage started")

	entries := tl.FilterMessage("stage started").All()
	require.Len(t, entries, 1)

	fields := map[string]string{}
	for _, f := range entries[0].Context {
		if f.Type == zapcore.StringType {
			fields[f.Key] = f.String
		}
	}
	assert.Equal(t, "run-123", fields["run.id"])
	assert.Equal(t, "verify", fields["run.stage"])
}

func TestLogger_TraceLevelGated(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = zapcore.InfoLevel
	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	assert.False(t, logger.Enabled(TraceLevel))
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
}

func TestLogger_Named(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("engine")
	child.Info(context.Background(), "named entry")

	entries := tl.FilterMessage("named entry").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "engine", entries[0].LoggerName)
}

func TestLogger_With(t *testing.T) {
	tl := NewTestLogger()
	child := tl.With(zap.String("component", "tools"))
	child.Info(context.Background(), "with entry")

	entries := tl.FilterMessage("with entry").All()
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Context, 1)
	assert.Equal(t, "component", entries[0].Context[0].Key)
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"bogus", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWithRunID_Invalid(t *testing.T) {
	assert.Panics(t, func() {
		WithRunID(context.Background(), "has spaces")
	})
	assert.Panics(t, func() {
		WithStage(context.Background(), "")
	})
}

func TestFromContext_Default(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	// Nop logger must be safe to use.
	logger.Info(context.Background(), "ignored")
}
