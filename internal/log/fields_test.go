package log

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestToFields(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name string
		in   []any
		keys []string
	}{
		{"empty", nil, nil},
		{"pairs", []any{"device", "esp32-01", "rows", 96, "scaled", true}, []string{"device", "rows", "scaled"}},
		{"duration and time", []any{"took", time.Second, "at", time.Unix(0, 0)}, []string{"took", "at"}},
		{"bare error", []any{boom}, []string{"error"}},
		{"zap field passthrough", []any{zap.String("x", "y"), "n", 1}, []string{"x", "n"}},
		{"dangling value", []any{"k", "v", "orphan"}, []string{"k", "arg#2"}},
		{"non-string key", []any{42, "v"}, []string{"badkey#1"}},
		{"string slice", []any{"fallbacks", []string{"power_rolling_mean"}}, []string{"fallbacks"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := toFields(tt.in...)
			var keys []string
			for _, f := range fields {
				keys = append(keys, f.Key)
			}
			assert.Equal(t, tt.keys, keys)
		})
	}
}

func TestLoggerWritesStructuredEntries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromZap(zap.New(core)).WithName("trainer").WithValues("model", "forecast")

	l.Info("fitted", "trees", 100, "mae", 0.25)
	l.Error(errors.New("disk full"), "persist failed")

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, "trainer", entries[0].LoggerName)
	assert.Equal(t, "fitted", entries[0].Message)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "forecast", ctx["model"])
	assert.Equal(t, int64(100), ctx["trees"])
	assert.InDelta(t, 0.25, ctx["mae"], 1e-12)

	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "disk full", entries[1].ContextMap()["error"])
}

func TestOptionsValidate(t *testing.T) {
	o := NewOptions()
	assert.Empty(t, o.Validate())

	o.Format = "xml"
	o.Level = "loud"
	assert.Len(t, o.Validate(), 2)
}

func TestStdDefaultsToNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Std().Info("nothing happens")
		Warn("still nothing", "k", "v")
	})
}
