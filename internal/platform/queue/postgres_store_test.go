//go:build integration

package queue_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	fsqueue "github.com/tinywideclouds/go-realtime-service/internal/platform/queue"
)

func setupPostgres(t *testing.T, capacity int) (context.Context, *fsqueue.PostgresStore) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, fsqueue.Migrate(ctx, pool))

	store, err := fsqueue.NewPostgresStore(pool, capacity, zerolog.Nop())
	require.NoError(t, err)
	return ctx, store
}

func TestPostgresStore_AppendAndDrain(t *testing.T) {
	ctx, store := setupPostgres(t, 10)
	user := "user-" + uuid.NewString()

	first, err := store.Append(ctx, user, json.RawMessage(`{"title":"X"}`), time.Now())
	require.NoError(t, err)
	second, err := store.Append(ctx, user, json.RawMessage(`{"title":"Y"}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)

	n, err := store.Len(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, err := store.Drain(ctx, user)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.JSONEq(t, `{"title":"X"}`, string(items[0].Payload))
	assert.JSONEq(t, `{"title":"Y"}`, string(items[1].Payload))

	items, err = store.Drain(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPostgresStore_DropsOldestOverCapacity(t *testing.T) {
	const capacity = 4
	ctx, store := setupPostgres(t, capacity)
	user := "user-" + uuid.NewString()

	for i := 1; i <= capacity+5; i++ {
		_, err := store.Append(ctx, user, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), time.Now())
		require.NoError(t, err)
	}

	items, err := store.Drain(ctx, user)
	require.NoError(t, err)
	require.Len(t, items, capacity)
	for i, item := range items {
		assert.Equal(t, int64(6+i), item.Sequence)
	}
}
