package badger

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/models"
)

func TestAppendAndGetLogs(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewLogStorage(db, arbor.NewLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry := models.JobLogEntry{
			Level:   "info",
			Message: fmt.Sprintf("archived page %d", i),
		}
		require.NoError(t, storage.AppendLog(ctx, "job-logs", entry))
	}

	// Newest first
	logs, err := storage.GetLogs(ctx, "job-logs", 0)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	assert.Equal(t, "archived page 4", logs[0].Message)
	assert.Equal(t, "archived page 0", logs[4].Message)
	assert.Equal(t, "INF", logs[0].Level)
	assert.NotEmpty(t, logs[0].Timestamp)
	assert.NotEmpty(t, logs[0].FullTimestamp)

	// Limit returns the newest N entries
	logs, err = storage.GetLogs(ctx, "job-logs", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "archived page 4", logs[0].Message)
	assert.Equal(t, "archived page 3", logs[1].Message)

	count, err := storage.CountLogs(ctx, "job-logs")
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	// Unknown job has no logs
	logs, err = storage.GetLogs(ctx, "job-other", 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestGetLogsByLevel(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewLogStorage(db, arbor.NewLogger())
	ctx := context.Background()

	entries := []models.JobLogEntry{
		{Level: "debug", Message: "frontier seeded"},
		{Level: "info", Message: "page archived"},
		{Level: "warn", Message: "asset too large, skipped"},
		{Level: "error", Message: "fetch failed"},
	}
	require.NoError(t, storage.AppendLogs(ctx, "job-levels", entries))

	// Level filter includes everything at or above the requested level
	logs, err := storage.GetLogsByLevel(ctx, "job-levels", "warn", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "fetch failed", logs[0].Message)
	assert.Equal(t, "asset too large, skipped", logs[1].Message)

	logs, err = storage.GetLogsByLevel(ctx, "job-levels", "error", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "ERR", logs[0].Level)

	logs, err = storage.GetLogsByLevel(ctx, "job-levels", "debug", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 4)

	// Unknown level falls back to everything
	logs, err = storage.GetLogsByLevel(ctx, "job-levels", "all", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 4)
}

func TestDeleteLogs(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewLogStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.AppendLog(ctx, "job-a", models.JobLogEntry{Level: "info", Message: "kept"}))
	require.NoError(t, storage.AppendLog(ctx, "job-b", models.JobLogEntry{Level: "info", Message: "deleted"}))

	require.NoError(t, storage.DeleteLogs(ctx, "job-b"))

	count, err := storage.CountLogs(ctx, "job-b")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Other jobs keep their logs
	count, err = storage.CountLogs(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
