package schedule

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool { return &v }

func TestNewSource_ValidEntries(t *testing.T) {
	source, err := NewSource(slog.Default(), []EntryConfig{
		{Name: "nightly", CronExpr: "0 0 * * *", HandlerKey: "log"},
	})
	require.NoError(t, err)
	assert.NotNil(t, source)
}

func TestNewSource_NoEntries(t *testing.T) {
	_, err := NewSource(slog.Default(), nil)
	require.Error(t, err)
}

func TestNewSource_MissingName(t *testing.T) {
	_, err := NewSource(slog.Default(), []EntryConfig{
		{CronExpr: "0 0 * * *", HandlerKey: "log"},
	})
	require.Error(t, err)
}

func TestNewSource_MissingHandlerKey(t *testing.T) {
	_, err := NewSource(slog.Default(), []EntryConfig{
		{Name: "nameless", CronExpr: "0 0 * * *"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nameless")
}

func TestNewSource_InvalidCron(t *testing.T) {
	_, err := NewSource(slog.Default(), []EntryConfig{
		{Name: "broken", CronExpr: "not a cron", HandlerKey: "log"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a cron")
}

func TestStartAndStop(t *testing.T) {
	source, err := NewSource(slog.Default(), []EntryConfig{
		{Name: "hourly", CronExpr: "0 * * * *", HandlerKey: "log"},
		{Name: "off", CronExpr: "0 * * * *", HandlerKey: "log", Enabled: boolPtr(false)},
	})
	require.NoError(t, err)

	ctx := context.Background()

	err = source.Start(ctx, func(ctx context.Context, submission map[string]any) error {
		return nil
	})
	require.NoError(t, err)

	// The disabled entry never gets a cron job.
	source.mutex.RLock()
	_, hourly := source.jobs["hourly"]
	_, off := source.jobs["off"]
	source.mutex.RUnlock()

	assert.True(t, hourly)
	assert.False(t, off)

	require.NoError(t, source.Stop(ctx))
}

func TestSubmit_BuildsSubmission(t *testing.T) {
	source, err := NewSource(slog.Default(), []EntryConfig{
		{Name: "report", CronExpr: "0 0 * * *", HandlerKey: "transform", Priority: "low",
			Payload: map[string]any{"expression": "1 + 1"}},
	})
	require.NoError(t, err)

	var got map[string]any

	source.callback = func(ctx context.Context, submission map[string]any) error {
		got = submission

		return nil
	}

	source.submit(source.entries[0])

	require.NotNil(t, got)
	assert.Equal(t, "report", got["name"])
	assert.Equal(t, "transform", got["handler_key"])
	assert.Equal(t, "low", got["priority"])
	assert.Equal(t, map[string]any{"expression": "1 + 1"}, got["payload"])
	assert.NotEmpty(t, got["timestamp"])
}
