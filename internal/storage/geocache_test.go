package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

func TestMemoryGeocodeStore_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGeocodeStore()

	first := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(48 * time.Hour)

	require.NoError(t, store.Put(ctx, conflict.GeocodeResult{NormalizedText: "wayanad", Lat: 11.6, Lon: 76.1, ResolvedAt: first}))
	require.NoError(t, store.Put(ctx, conflict.GeocodeResult{NormalizedText: "wayanad", Lat: 11.7, Lon: 76.2, ResolvedAt: second}))

	got, ok, err := store.Get(ctx, "wayanad")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 11.7, got.Lat)
	assert.Equal(t, second, got.ResolvedAt)
	require.NotNil(t, got.PreviousResolvedAt)
	assert.Equal(t, first, *got.PreviousResolvedAt)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryGeocodeStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGeocodeStore()
	require.NoError(t, store.Put(ctx, conflict.GeocodeResult{
		NormalizedText: "kodagu",
		BoundingBox:    &conflict.BoundingBox{MinLat: 11.9},
	}))

	got, _, err := store.Get(ctx, "kodagu")
	require.NoError(t, err)
	got.BoundingBox.MinLat = 0

	again, _, err := store.Get(ctx, "kodagu")
	require.NoError(t, err)
	assert.Equal(t, 11.9, again.BoundingBox.MinLat)
}

func TestMemoryGeocodeStore_DeleteAndKeys(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGeocodeStore()
	for _, k := range []string{"wayanad", "coorg", "nilgiris"} {
		require.NoError(t, store.Put(ctx, conflict.GeocodeResult{NormalizedText: k}))
	}

	require.NoError(t, store.Delete(ctx, "coorg"))
	require.NoError(t, store.Delete(ctx, "missing"))

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"nilgiris", "wayanad"}, keys)

	_, ok, err := store.Get(ctx, "coorg")
	require.NoError(t, err)
	assert.False(t, ok)
}
