package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestGeocodeStore_PutGet(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewGeocodeStore(client)
	ctx := context.Background()

	resolved := time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, conflict.GeocodeResult{
		NormalizedText:  "wayanad",
		Lat:             11.6,
		Lon:             76.1,
		MatchConfidence: 0.82,
		Provider:        "nominatim",
		District:        "Wayanad",
		ResolvedAt:      resolved,
	}))

	assert.True(t, mr.Exists("hwik:geocode:wayanad"))
	assert.Equal(t, time.Duration(0), mr.TTL("hwik:geocode:wayanad"), "entries never expire")

	got, ok, err := store.Get(ctx, "wayanad")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 11.6, got.Lat)
	assert.Equal(t, "Wayanad", got.District)
	assert.True(t, resolved.Equal(got.ResolvedAt))
}

func TestGeocodeStore_Miss(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewGeocodeStore(client)

	_, ok, err := store.Get(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGeocodeStore_OverwriteKeepsPrevious(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewGeocodeStore(client)
	ctx := context.Background()

	first := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(24 * time.Hour)
	require.NoError(t, store.Put(ctx, conflict.GeocodeResult{NormalizedText: "kodagu", Lat: 12.4, ResolvedAt: first}))
	require.NoError(t, store.Put(ctx, conflict.GeocodeResult{NormalizedText: "kodagu", Lat: 12.5, ResolvedAt: second}))

	got, ok, err := store.Get(ctx, "kodagu")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12.5, got.Lat)
	require.NotNil(t, got.PreviousResolvedAt)
	assert.True(t, first.Equal(*got.PreviousResolvedAt))
}

func TestGeocodeStore_DeleteAndKeys(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewGeocodeStore(client)
	ctx := context.Background()

	require.NoError(t, mr.Set("unrelated", "x"))
	for _, k := range []string{"wayanad", "coorg"} {
		require.NoError(t, store.Put(ctx, conflict.GeocodeResult{NormalizedText: k}))
	}
	require.NoError(t, store.Delete(ctx, "coorg"))

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wayanad"}, keys)
}

func TestGeocodeStore_CorruptEntry(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewGeocodeStore(client)

	require.NoError(t, mr.Set("hwik:geocode:broken", "{not json"))

	_, _, err := store.Get(context.Background(), "broken")
	assert.Error(t, err)
}

func TestOpen_BadURL(t *testing.T) {
	_, err := Open(context.Background(), "://nope")
	assert.Error(t, err)
}
