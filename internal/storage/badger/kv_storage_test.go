package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/interfaces"
)

func TestKVSetGetDelete(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewKVStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.Set(ctx, "scheduler:last_run", "2026-08-25T10:00:00Z", "last scheduler run"))

	value, err := storage.Get(ctx, "scheduler:last_run")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-25T10:00:00Z", value)

	// Keys are case-insensitive and trimmed
	value, err = storage.Get(ctx, "  Scheduler:LAST_RUN ")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-25T10:00:00Z", value)

	pair, err := storage.GetPair(ctx, "scheduler:last_run")
	require.NoError(t, err)
	assert.Equal(t, "scheduler:last_run", pair.Key)
	assert.Equal(t, "last scheduler run", pair.Description)

	require.NoError(t, storage.Delete(ctx, "Scheduler:Last_Run"))

	_, err = storage.Get(ctx, "scheduler:last_run")
	assert.True(t, errors.Is(err, interfaces.ErrKeyNotFound))

	err = storage.Delete(ctx, "scheduler:last_run")
	assert.True(t, errors.Is(err, interfaces.ErrKeyNotFound))
}

func TestKVSetPreservesCreatedAt(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewKVStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.Set(ctx, "counter", "1", ""))
	first, err := storage.GetPair(ctx, "counter")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	require.NoError(t, storage.Set(ctx, "counter", "2", ""))
	second, err := storage.GetPair(ctx, "counter")
	require.NoError(t, err)

	assert.Equal(t, "2", second.Value)
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt), "update must keep the original CreatedAt")
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestKVListByPrefix(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewKVStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.Set(ctx, "schedule:nightly:last_run", "a", ""))
	require.NoError(t, storage.Set(ctx, "schedule:weekly:last_run", "b", ""))
	require.NoError(t, storage.Set(ctx, "instance:id", "c", ""))

	all, err := storage.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	pairs, err := storage.ListByPrefix(ctx, "Schedule:")
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	for _, pair := range pairs {
		assert.Contains(t, pair.Key, "schedule:")
	}

	pairs, err = storage.ListByPrefix(ctx, "nomatch:")
	require.NoError(t, err)
	assert.Empty(t, pairs)
}
