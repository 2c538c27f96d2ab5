package geocoding

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwik-project/hwik/internal/domain/conflict"
	"github.com/hwik-project/hwik/internal/geocoding/nominatim"
	"github.com/hwik-project/hwik/internal/storage"
)

type fakeProvider struct {
	calls   atomic.Int32
	delay   time.Duration
	results map[string][]conflict.GeocodeResult
	err     error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Lookup(ctx context.Context, query string) ([]conflict.GeocodeResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, &conflict.TransientProviderError{Provider: "fake", Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

type failingStore struct{ storage.GeocodeStore }

func (failingStore) Get(context.Context, string) (conflict.GeocodeResult, bool, error) {
	return conflict.GeocodeResult{}, false, errors.New("connection refused")
}

func (failingStore) Put(context.Context, conflict.GeocodeResult) error {
	return errors.New("connection refused")
}

var wayanad = conflict.GeocodeResult{Lat: 11.6, Lon: 76.1, MatchConfidence: 0.82, Provider: "fake", District: "Wayanad"}

func newTestResolver(p Provider, store storage.GeocodeStore, floor float64) *Resolver {
	return NewResolver(p, store, Options{MinConfidence: floor, Timeout: time.Second}, zerolog.Nop())
}

func TestResolver_ProviderThenCache(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{results: map[string][]conflict.GeocodeResult{"wayanad": {wayanad}}}
	store := storage.NewMemoryGeocodeStore()
	r := newTestResolver(provider, store, 0.6)

	first, outcome, err := r.Resolve(ctx, "wayanad")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHitProvider, outcome)
	assert.Equal(t, 11.6, first.Lat)
	assert.Equal(t, "wayanad", first.NormalizedText)
	assert.False(t, first.ResolvedAt.IsZero())

	// Durable write happened before the first call returned.
	stored, ok, err := store.Get(ctx, "wayanad")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.Lat, stored.Lat)

	second, outcome, err := r.Resolve(ctx, "wayanad")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHitHot, outcome)
	assert.True(t, outcome.CacheHit())
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestResolver_StoreHitPromotesToHot(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryGeocodeStore()
	seeded := wayanad
	seeded.NormalizedText = "wayanad"
	require.NoError(t, store.Put(ctx, seeded))

	provider := &fakeProvider{}
	r := newTestResolver(provider, store, 0.6)

	_, outcome, err := r.Resolve(ctx, "wayanad")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHitStore, outcome)

	_, outcome, err = r.Resolve(ctx, "wayanad")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHitHot, outcome)
	assert.Zero(t, provider.calls.Load())

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.HitsStore)
	assert.Equal(t, int64(1), stats.HitsHot)
}

func TestResolver_ConcurrentLookupsShareOneProviderCall(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{
		delay:   50 * time.Millisecond,
		results: map[string][]conflict.GeocodeResult{"sulthan bathery": {wayanad}},
	}
	r := newTestResolver(provider, nil, 0.6)

	const n = 32
	var wg sync.WaitGroup
	results := make([]conflict.GeocodeResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = r.Resolve(ctx, "sulthan bathery")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), provider.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}

	// Only the caller that ran the provider call counts as a provider hit.
	stats := r.Stats()
	assert.Equal(t, int64(1), stats.HitsProvider)
	assert.Equal(t, int64(n-1), stats.HitsHot+stats.HitsStore)
	assert.Zero(t, stats.NotFound)
}

func TestResolver_StoreHitBelowFloorIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryGeocodeStore()
	weak := wayanad
	weak.NormalizedText = "wayanad"
	weak.MatchConfidence = 0.3
	require.NoError(t, store.Put(ctx, weak))

	provider := &fakeProvider{results: map[string][]conflict.GeocodeResult{"wayanad": {wayanad}}}
	r := newTestResolver(provider, store, 0.6)

	for i := 0; i < 2; i++ {
		_, outcome, err := r.Resolve(ctx, "wayanad")
		assert.ErrorIs(t, err, conflict.ErrNotFound)
		assert.Equal(t, OutcomeNotFound, outcome)
	}
	assert.Zero(t, provider.calls.Load(), "cached confidence is authoritative")

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.NotFound)
	assert.Zero(t, stats.HitsStore)
	assert.Zero(t, stats.HitsHot)

	// The same entry clears a lower floor.
	lenient := newTestResolver(provider, store, 0.3)
	got, outcome, err := lenient.Resolve(ctx, "wayanad")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHitStore, outcome)
	assert.Equal(t, 0.3, got.MatchConfidence)
}

func TestResolver_ConfidenceFloor(t *testing.T) {
	weak := conflict.GeocodeResult{Lat: 10.0, Lon: 76.0, MatchConfidence: 0.3}
	tests := []struct {
		name    string
		floor   float64
		wantErr bool
	}{
		{name: "below floor", floor: 0.6, wantErr: true},
		{name: "at floor", floor: 0.3, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			provider := &fakeProvider{results: map[string][]conflict.GeocodeResult{"kallar": {weak}}}
			store := storage.NewMemoryGeocodeStore()
			r := newTestResolver(provider, store, tt.floor)

			res, outcome, err := r.Resolve(ctx, "kallar")
			if tt.wantErr {
				assert.ErrorIs(t, err, conflict.ErrNotFound)
				assert.Equal(t, OutcomeNotFound, outcome)
				assert.Zero(t, store.Len(), "low-confidence results are not cached")

				// The miss is memoized for the run: no second provider call.
				_, _, err = r.Resolve(ctx, "kallar")
				assert.ErrorIs(t, err, conflict.ErrNotFound)
				assert.Equal(t, int32(1), provider.calls.Load())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, OutcomeHitProvider, outcome)
			assert.Equal(t, 0.3, res.MatchConfidence)
			assert.Equal(t, 1, store.Len())
		})
	}
}

func TestResolver_PicksHighestConfidenceCandidate(t *testing.T) {
	provider := &fakeProvider{results: map[string][]conflict.GeocodeResult{
		"mananthavady": {
			{Lat: 1, Lon: 1, MatchConfidence: 0.61, DisplayName: "Mananthavady taluk"},
			{Lat: 11.8, Lon: 76.0, MatchConfidence: 0.74, DisplayName: "Mananthavady town"},
			{Lat: 2, Lon: 2, MatchConfidence: 0.74, DisplayName: "later tie"},
		},
	}}
	r := newTestResolver(provider, nil, 0.6)

	res, _, err := r.Resolve(context.Background(), "mananthavady")
	require.NoError(t, err)
	assert.Equal(t, "Mananthavady town", res.DisplayName)
}

func TestResolver_EmptyResultsAndKeys(t *testing.T) {
	r := newTestResolver(&fakeProvider{}, nil, 0.6)

	_, outcome, err := r.Resolve(context.Background(), "atlantis")
	assert.ErrorIs(t, err, conflict.ErrNotFound)
	assert.Equal(t, OutcomeNotFound, outcome)

	_, _, err = r.Resolve(context.Background(), "   ")
	assert.ErrorIs(t, err, conflict.ErrNotFound)
}

func TestResolver_TransientErrorIsNotFoundAndNotMemoized(t *testing.T) {
	provider := &fakeProvider{err: &conflict.TransientProviderError{Provider: "fake", StatusCode: 503, Err: errors.New("down")}}
	r := newTestResolver(provider, nil, 0.6)

	_, _, err := r.Resolve(context.Background(), "wayanad")
	assert.ErrorIs(t, err, conflict.ErrNotFound)
	assert.True(t, conflict.IsTransient(err))
	assert.True(t, IsNotFound(err))

	_, _, _ = r.Resolve(context.Background(), "wayanad")
	assert.Equal(t, int32(2), provider.calls.Load(), "transient failures are retried on the next lookup")
}

func TestResolver_PermanentErrorSurfaces(t *testing.T) {
	provider := &fakeProvider{err: &conflict.PermanentProviderError{Provider: "fake", StatusCode: 403, Err: errors.New("blocked")}}
	r := newTestResolver(provider, nil, 0.6)

	_, _, err := r.Resolve(context.Background(), "wayanad")
	require.Error(t, err)
	assert.True(t, conflict.IsPermanent(err))
	assert.False(t, IsNotFound(err))
}

func TestResolver_DeadlineBecomesNotFound(t *testing.T) {
	provider := &fakeProvider{
		delay:   300 * time.Millisecond,
		results: map[string][]conflict.GeocodeResult{"wayanad": {wayanad}},
	}
	store := storage.NewMemoryGeocodeStore()
	r := newTestResolver(provider, store, 0.6)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, outcome, err := r.Resolve(ctx, "wayanad")
	assert.ErrorIs(t, err, conflict.ErrNotFound)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, OutcomeNotFound, outcome)

	// The in-flight call completes on its own context and is cached.
	assert.Eventually(t, func() bool { return store.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, outcome, err = r.Resolve(context.Background(), "wayanad")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHitHot, outcome)
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestResolver_StoreErrorsDegradeToMiss(t *testing.T) {
	provider := &fakeProvider{results: map[string][]conflict.GeocodeResult{"wayanad": {wayanad}}}
	r := newTestResolver(provider, failingStore{}, 0.6)

	res, outcome, err := r.Resolve(context.Background(), "wayanad")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHitProvider, outcome)
	assert.Equal(t, 11.6, res.Lat)
}

func TestResolver_Invalidate(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{results: map[string][]conflict.GeocodeResult{"wayanad": {wayanad}}}
	store := storage.NewMemoryGeocodeStore()
	r := newTestResolver(provider, store, 0.6)

	_, _, err := r.Resolve(ctx, "wayanad")
	require.NoError(t, err)

	require.NoError(t, r.Invalidate(ctx, "wayanad"))
	assert.Zero(t, store.Len())

	_, ok, err := r.Cached(ctx, "wayanad")
	require.NoError(t, err)
	assert.False(t, ok)

	_, outcome, err := r.Resolve(ctx, "wayanad")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHitProvider, outcome)
	assert.Equal(t, int32(2), provider.calls.Load())
}

func TestResolver_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	withBox := wayanad
	withBox.BoundingBox = &conflict.BoundingBox{MinLat: 11.26, MaxLat: 11.97}
	provider := &fakeProvider{results: map[string][]conflict.GeocodeResult{"wayanad": {withBox}}}
	r := newTestResolver(provider, nil, 0.6)

	got, _, err := r.Resolve(ctx, "wayanad")
	require.NoError(t, err)
	got.BoundingBox.MinLat = 0

	again, _, err := r.Resolve(ctx, "wayanad")
	require.NoError(t, err)
	assert.Equal(t, 11.26, again.BoundingBox.MinLat)
}

// TestResolver_WithNominatim wires the resolver to the HTTP client against a
// fake Nominatim endpoint.
func TestResolver_WithNominatim(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"lat":"11.60","lon":"76.08","display_name":"Wayanad, Kerala, India","importance":0.71,
			 "address":{"state_district":"Wayanad District","state":"Kerala"}},
			{"lat":"11.00","lon":"76.00","display_name":"Elsewhere","importance":0.2}
		]`))
	}))
	defer srv.Close()

	client := nominatim.NewClient(srv.URL, "",
		nominatim.WithRateLimit(50),
		nominatim.WithRetry(0, time.Millisecond),
		nominatim.WithSearchDefaults("in", 5))
	r := newTestResolver(client, nil, 0.6)

	res, outcome, err := r.Resolve(context.Background(), "wayanad")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHitProvider, outcome)
	assert.Equal(t, "Wayanad", res.District)
	assert.Equal(t, nominatim.ProviderName, res.Provider)

	_, outcome, err = r.Resolve(context.Background(), "wayanad")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHitHot, outcome)
	assert.Equal(t, int32(1), hits.Load())
}
