package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("item quarantined", "item", "a.md", "category", "parsing")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "item quarantined", rec["msg"])
	assert.Equal(t, "a.md", rec["item"])

	buf.Reset()
	logger, err = NewLogger(&buf, "info", "text")
	require.NoError(t, err)
	logger.Info("cycle finished", "errors", 0)
	assert.Contains(t, buf.String(), "msg=\"cycle finished\"")

	_, err = NewLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestMetrics_Snapshot(t *testing.T) {
	ctx := context.Background()
	m, err := NewMetrics(true)
	require.NoError(t, err)
	defer m.Shutdown(ctx)
	require.True(t, m.Enabled())

	Count(ctx, m.ItemsIntake, 2)
	Count(ctx, m.StepFailures, 1, "category", "network")
	Count(ctx, m.StepFailures, 2, "category", "network")
	Count(ctx, m.StepFailures, 1, "category", "parsing")
	Count(ctx, m.Completed, 0)
	m.ObservePhase(ctx, "intake", 1500*time.Millisecond)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, snap["steward.intake.items"])
	assert.Equal(t, 3.0, snap["steward.steps.failed{category=network}"])
	assert.Equal(t, 1.0, snap["steward.steps.failed{category=parsing}"])
	assert.Equal(t, 1.0, snap["steward.cycle.duration{phase=intake}.count"])
	assert.InDelta(t, 1.5, snap["steward.cycle.duration{phase=intake}.sum"], 1e-9)
	_, ok := snap["steward.completed"]
	assert.False(t, ok)
}

func TestMetrics_Disabled(t *testing.T) {
	ctx := context.Background()
	m, err := NewMetrics(false)
	require.NoError(t, err)
	assert.False(t, m.Enabled())

	Count(ctx, m.ItemsIntake, 5)
	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
	assert.NoError(t, m.Shutdown(ctx))
}
