package geocoding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/hwik-project/hwik/internal/domain/conflict"
	"github.com/hwik-project/hwik/internal/metrics"
	"github.com/hwik-project/hwik/internal/storage"
	"github.com/hwik-project/hwik/internal/telemetry"
)

// Provider resolves a place name into candidate results. Implementations
// own their rate limiting and retries.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, query string) ([]conflict.GeocodeResult, error)
}

// Outcome reports which tier answered a lookup.
type Outcome int

const (
	OutcomeNotFound Outcome = iota
	OutcomeHitHot
	OutcomeHitStore
	OutcomeHitProvider
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHitHot:
		return "hit_hot"
	case OutcomeHitStore:
		return "hit_store"
	case OutcomeHitProvider:
		return "hit_provider"
	default:
		return "not_found"
	}
}

// CacheHit reports whether the lookup was answered without a provider call.
func (o Outcome) CacheHit() bool {
	return o == OutcomeHitHot || o == OutcomeHitStore
}

const (
	// DefaultMinConfidence is the floor below which a result is NotFound.
	DefaultMinConfidence = 0.6
	// DefaultTimeout bounds one provider call including limiter wait.
	DefaultTimeout = 10 * time.Second
)

// Options configures a Resolver.
type Options struct {
	MinConfidence float64
	Timeout       time.Duration
	Now           func() time.Time
}

// Stats are cumulative resolver counters.
type Stats struct {
	HitsHot       int64
	HitsStore     int64
	HitsProvider  int64
	NotFound      int64
	ProviderCalls int64
}

// Resolver answers place lookups from a hot in-memory map, then the durable
// store, then the provider. Concurrent misses for one key share a single
// provider call.
type Resolver struct {
	provider      Provider
	store         storage.GeocodeStore
	logger        zerolog.Logger
	minConfidence float64
	timeout       time.Duration
	now           func() time.Time

	mu  sync.RWMutex
	hot map[string]conflict.GeocodeResult
	// misses memoizes definitive not-found answers for this process only.
	misses map[string]struct{}

	group singleflight.Group

	hitsHot       atomic.Int64
	hitsStore     atomic.Int64
	hitsProvider  atomic.Int64
	notFound      atomic.Int64
	providerCalls atomic.Int64
}

type lookup struct {
	result  conflict.GeocodeResult
	outcome Outcome
}

// NewResolver creates a resolver. A nil store falls back to process memory.
func NewResolver(provider Provider, store storage.GeocodeStore, opts Options, logger zerolog.Logger) *Resolver {
	if store == nil {
		store = storage.NewMemoryGeocodeStore()
	}
	if opts.MinConfidence < 0 {
		opts.MinConfidence = DefaultMinConfidence
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Resolver{
		provider:      provider,
		store:         store,
		logger:        logger.With().Str("component", "geocoding").Logger(),
		minConfidence: opts.MinConfidence,
		timeout:       opts.Timeout,
		now:           opts.Now,
		hot:           make(map[string]conflict.GeocodeResult),
		misses:        make(map[string]struct{}),
	}
}

// Resolve returns the cached or freshly resolved result for a normalized
// place name. It returns conflict.ErrNotFound when nothing clears the
// confidence floor, the provider failed transiently, or ctx expired while
// waiting. A PermanentProviderError is returned as is.
func (r *Resolver) Resolve(ctx context.Context, key string) (conflict.GeocodeResult, Outcome, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		r.count(OutcomeNotFound)
		return conflict.GeocodeResult{}, OutcomeNotFound, conflict.ErrNotFound
	}

	r.mu.RLock()
	res, ok := r.hot[key]
	_, missed := r.misses[key]
	r.mu.RUnlock()
	// Every tier answers against this resolver's floor.
	if ok && res.MatchConfidence >= r.minConfidence {
		r.count(OutcomeHitHot)
		return res.Clone(), OutcomeHitHot, nil
	}
	if missed || ok {
		r.count(OutcomeNotFound)
		return conflict.GeocodeResult{}, OutcomeNotFound, conflict.ErrNotFound
	}

	// executed is only set in the caller whose function singleflight runs.
	var executed bool
	ch := r.group.DoChan(key, func() (any, error) {
		executed = true
		return r.resolveMiss(ctx, key)
	})

	select {
	case <-ctx.Done():
		// The shared call keeps running for other waiters.
		r.count(OutcomeNotFound)
		return conflict.GeocodeResult{}, OutcomeNotFound, fmt.Errorf("%w: %w", conflict.ErrNotFound, ctx.Err())
	case out := <-ch:
		if out.Err != nil {
			r.count(OutcomeNotFound)
			return conflict.GeocodeResult{}, OutcomeNotFound, out.Err
		}
		l := out.Val.(lookup)
		outcome := l.outcome
		if outcome == OutcomeHitProvider && !executed {
			// Served from another caller's in-flight provider call.
			outcome = OutcomeHitHot
		}
		r.count(outcome)
		return l.result.Clone(), outcome, nil
	}
}

// resolveMiss runs once per key at a time. Its context is detached from
// the caller's cancellation so an in-flight provider call completes and its
// result is cached.
func (r *Resolver) resolveMiss(parent context.Context, key string) (lookup, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.timeout)
	defer cancel()

	ctx, span := telemetry.GetTracer("hwik/geocoding").Start(ctx, "geocoding.resolve")
	span.SetAttributes(attribute.String("geocode.key", key))

	if res, ok, err := r.store.Get(ctx, key); err != nil {
		metrics.GeocodeStoreErrorsTotal.WithLabelValues("get").Inc()
		r.logger.Warn().Err(err).Str("key", key).Msg("geocode store lookup failed, treating as miss")
	} else if ok {
		if res.MatchConfidence < r.minConfidence {
			r.logger.Debug().
				Str("key", key).
				Float64("confidence", res.MatchConfidence).
				Float64("floor", r.minConfidence).
				Msg("cached geocode below confidence floor")
			r.rememberMiss(key)
			span.SetAttributes(attribute.String("geocode.outcome", OutcomeNotFound.String()))
			telemetry.EndSpan(span, nil)
			return lookup{}, conflict.ErrNotFound
		}
		r.promote(res)
		span.SetAttributes(attribute.String("geocode.outcome", OutcomeHitStore.String()))
		telemetry.EndSpan(span, nil)
		return lookup{result: res, outcome: OutcomeHitStore}, nil
	}

	res, err := r.callProvider(ctx, key)
	if err != nil {
		if conflict.IsPermanent(err) {
			telemetry.EndSpan(span, err)
			return lookup{}, err
		}
		span.SetAttributes(attribute.String("geocode.outcome", OutcomeNotFound.String()))
		telemetry.EndSpan(span, nil)
		return lookup{}, err
	}

	if err := r.store.Put(ctx, res); err != nil {
		metrics.GeocodeStoreErrorsTotal.WithLabelValues("put").Inc()
		r.logger.Warn().Err(err).Str("key", key).Msg("failed to persist geocode result")
	}
	r.promote(res)

	span.SetAttributes(
		attribute.String("geocode.outcome", OutcomeHitProvider.String()),
		attribute.Float64("geocode.confidence", res.MatchConfidence),
	)
	telemetry.EndSpan(span, nil)
	return lookup{result: res, outcome: OutcomeHitProvider}, nil
}

func (r *Resolver) callProvider(ctx context.Context, key string) (conflict.GeocodeResult, error) {
	provider := r.provider.Name()
	r.providerCalls.Add(1)

	start := time.Now()
	candidates, err := r.provider.Lookup(ctx, key)
	metrics.GeocodeProviderLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.GeocodeProviderRequestsTotal.WithLabelValues(provider, "error").Inc()
		if conflict.IsPermanent(err) {
			r.logger.Error().Err(err).Str("key", key).Msg("geocoding provider rejected credentials or quota")
			return conflict.GeocodeResult{}, err
		}
		r.logger.Warn().
			Err(err).
			Str("key", key).
			Dur("latency", time.Since(start)).
			Msg("geocoding provider failed, treating as not found")
		return conflict.GeocodeResult{}, fmt.Errorf("%w: %w", conflict.ErrNotFound, err)
	}

	best, ok := pickBest(candidates)
	if !ok {
		metrics.GeocodeProviderRequestsTotal.WithLabelValues(provider, "empty").Inc()
		r.rememberMiss(key)
		return conflict.GeocodeResult{}, conflict.ErrNotFound
	}
	if best.MatchConfidence < r.minConfidence {
		metrics.GeocodeProviderRequestsTotal.WithLabelValues(provider, "low_confidence").Inc()
		r.logger.Debug().
			Str("key", key).
			Float64("confidence", best.MatchConfidence).
			Float64("floor", r.minConfidence).
			Msg("geocode below confidence floor")
		r.rememberMiss(key)
		return conflict.GeocodeResult{}, conflict.ErrNotFound
	}

	metrics.GeocodeProviderRequestsTotal.WithLabelValues(provider, "success").Inc()
	best.NormalizedText = key
	best.ResolvedAt = r.now()
	if best.Provider == "" {
		best.Provider = provider
	}
	return best, nil
}

// pickBest returns the highest-confidence candidate. Ties keep provider order.
func pickBest(candidates []conflict.GeocodeResult) (conflict.GeocodeResult, bool) {
	if len(candidates) == 0 {
		return conflict.GeocodeResult{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.MatchConfidence > best.MatchConfidence {
			best = c
		}
	}
	return best, true
}

func (r *Resolver) promote(res conflict.GeocodeResult) {
	r.mu.Lock()
	r.hot[res.NormalizedText] = res.Clone()
	delete(r.misses, res.NormalizedText)
	r.mu.Unlock()
}

func (r *Resolver) rememberMiss(key string) {
	r.mu.Lock()
	r.misses[key] = struct{}{}
	r.mu.Unlock()
}

// Invalidate removes key from every cache tier. It is an operator action,
// never called by the pipeline itself.
func (r *Resolver) Invalidate(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	r.mu.Lock()
	delete(r.hot, key)
	delete(r.misses, key)
	r.mu.Unlock()

	if err := r.store.Delete(ctx, key); err != nil {
		metrics.GeocodeStoreErrorsTotal.WithLabelValues("delete").Inc()
		return fmt.Errorf("invalidate %q: %w", key, err)
	}
	r.logger.Info().Str("key", key).Msg("geocode cache entry invalidated")
	return nil
}

// Cached returns the entry for key from the hot map or durable store
// without calling the provider.
func (r *Resolver) Cached(ctx context.Context, key string) (conflict.GeocodeResult, bool, error) {
	key = strings.TrimSpace(key)
	r.mu.RLock()
	res, ok := r.hot[key]
	r.mu.RUnlock()
	if ok {
		return res.Clone(), true, nil
	}
	res, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return conflict.GeocodeResult{}, false, fmt.Errorf("cached %q: %w", key, err)
	}
	return res, ok, nil
}

// Stats returns a snapshot of the resolver counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		HitsHot:       r.hitsHot.Load(),
		HitsStore:     r.hitsStore.Load(),
		HitsProvider:  r.hitsProvider.Load(),
		NotFound:      r.notFound.Load(),
		ProviderCalls: r.providerCalls.Load(),
	}
}

func (r *Resolver) count(o Outcome) {
	switch o {
	case OutcomeHitHot:
		r.hitsHot.Add(1)
	case OutcomeHitStore:
		r.hitsStore.Add(1)
	case OutcomeHitProvider:
		r.hitsProvider.Add(1)
	default:
		r.notFound.Add(1)
	}
	metrics.GeocodeLookupsTotal.WithLabelValues(o.String()).Inc()
}

// IsNotFound reports whether err is a per-mention miss rather than a fatal error.
func IsNotFound(err error) bool {
	return errors.Is(err, conflict.ErrNotFound)
}
