package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/pulsewatch/internal/cache"
)

func TestMemoryStore_TTL(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.Set(ctx, "state:svc_1", []byte("up"), time.Minute))
	require.NoError(t, store.Set(ctx, "forever", []byte("x"), 0))

	got, err := store.Get(ctx, "state:svc_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("up"), got)

	now = now.Add(time.Minute)

	_, err = store.Get(ctx, "state:svc_1")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	_, err = store.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestMemoryStore_Delete(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	assert.Zero(t, store.Len())
}

func TestJSONHelpers(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()

	type payload struct {
		Status string `json:"status"`
		Ms     int    `json:"ms"`
	}

	require.NoError(t, cache.SetJSON(ctx, store, "snap", payload{Status: "down", Ms: 12}, time.Hour))

	var out payload
	require.NoError(t, cache.GetJSON(ctx, store, "snap", &out))
	assert.Equal(t, payload{Status: "down", Ms: 12}, out)

	require.NoError(t, store.Set(ctx, "bad", []byte("{"), 0))
	assert.Error(t, cache.GetJSON(ctx, store, "bad", &out))
}
