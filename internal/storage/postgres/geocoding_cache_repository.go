package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hwik-project/hwik/internal/domain/conflict"
	"github.com/hwik-project/hwik/internal/metrics"
)

// GeocodeCacheSchema creates the durable geocode cache. The table belongs to
// the miner; the event store's schema is managed elsewhere.
const GeocodeCacheSchema = `
CREATE TABLE IF NOT EXISTS geocode_cache (
	normalized_text      TEXT PRIMARY KEY,
	latitude             DOUBLE PRECISION NOT NULL,
	longitude            DOUBLE PRECISION NOT NULL,
	bbox_min_lat         DOUBLE PRECISION,
	bbox_min_lon         DOUBLE PRECISION,
	bbox_max_lat         DOUBLE PRECISION,
	bbox_max_lon         DOUBLE PRECISION,
	match_confidence     DOUBLE PRECISION NOT NULL,
	provider             TEXT NOT NULL,
	display_name         TEXT NOT NULL DEFAULT '',
	district             TEXT NOT NULL DEFAULT '',
	resolved_at          TIMESTAMPTZ NOT NULL,
	previous_resolved_at TIMESTAMPTZ,
	hit_count            INTEGER NOT NULL DEFAULT 0
)`

// GeocodeCacheRepository is the Postgres-backed durable geocode cache.
type GeocodeCacheRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

// NewGeocodeCacheRepository creates a repository over pool.
func NewGeocodeCacheRepository(pool *pgxpool.Pool) *GeocodeCacheRepository {
	return &GeocodeCacheRepository{pool: pool}
}

// Open connects to databaseURL, verifies the connection and ensures the
// cache table exists.
func Open(ctx context.Context, databaseURL string) (*GeocodeCacheRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	repo := NewGeocodeCacheRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Pool returns the underlying pool, nil for a transaction-bound repository.
func (r *GeocodeCacheRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// Close releases the pool.
func (r *GeocodeCacheRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// WithTx returns a repository bound to tx.
func (r *GeocodeCacheRepository) WithTx(tx pgx.Tx) *GeocodeCacheRepository {
	return &GeocodeCacheRepository{pool: r.pool, tx: tx}
}

// EnsureSchema creates the cache table when missing.
func (r *GeocodeCacheRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.queryer().Exec(ctx, GeocodeCacheSchema); err != nil {
		return fmt.Errorf("ensure geocode cache schema: %w", err)
	}
	return nil
}

// Get retrieves a cached result. The boolean is false when the key is absent.
func (r *GeocodeCacheRepository) Get(ctx context.Context, key string) (_ conflict.GeocodeResult, _ bool, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("get", start, err) }()

	const query = `
		SELECT normalized_text, latitude, longitude,
		       bbox_min_lat, bbox_min_lon, bbox_max_lat, bbox_max_lon,
		       match_confidence, provider, display_name, district,
		       resolved_at, previous_resolved_at
		FROM geocode_cache
		WHERE normalized_text = $1
	`

	var (
		res                            conflict.GeocodeResult
		minLat, minLon, maxLat, maxLon *float64
		previous                       *time.Time
	)
	err = r.queryer().QueryRow(ctx, query, key).Scan(
		&res.NormalizedText,
		&res.Lat,
		&res.Lon,
		&minLat,
		&minLon,
		&maxLat,
		&maxLon,
		&res.MatchConfidence,
		&res.Provider,
		&res.DisplayName,
		&res.District,
		&res.ResolvedAt,
		&previous,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return conflict.GeocodeResult{}, false, nil
		}
		return conflict.GeocodeResult{}, false, fmt.Errorf("get cached geocode: %w", err)
	}

	if minLat != nil && minLon != nil && maxLat != nil && maxLon != nil {
		res.BoundingBox = &conflict.BoundingBox{MinLat: *minLat, MinLon: *minLon, MaxLat: *maxLat, MaxLon: *maxLon}
	}
	if previous != nil {
		t := previous.UTC()
		res.PreviousResolvedAt = &t
	}
	res.ResolvedAt = res.ResolvedAt.UTC()

	// Hit counts are advisory; a failed increment is not an error for the caller.
	_, _ = r.queryer().Exec(ctx, `UPDATE geocode_cache SET hit_count = hit_count + 1 WHERE normalized_text = $1`, key)

	return res, true, nil
}

// Put upserts result. The replaced row's resolved_at moves to
// previous_resolved_at.
func (r *GeocodeCacheRepository) Put(ctx context.Context, result conflict.GeocodeResult) (err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("put", start, err) }()

	const query = `
		INSERT INTO geocode_cache (
			normalized_text, latitude, longitude,
			bbox_min_lat, bbox_min_lon, bbox_max_lat, bbox_max_lon,
			match_confidence, provider, display_name, district, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (normalized_text)
		DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			bbox_min_lat = EXCLUDED.bbox_min_lat,
			bbox_min_lon = EXCLUDED.bbox_min_lon,
			bbox_max_lat = EXCLUDED.bbox_max_lat,
			bbox_max_lon = EXCLUDED.bbox_max_lon,
			match_confidence = EXCLUDED.match_confidence,
			provider = EXCLUDED.provider,
			display_name = EXCLUDED.display_name,
			district = EXCLUDED.district,
			previous_resolved_at = geocode_cache.resolved_at,
			resolved_at = EXCLUDED.resolved_at
	`

	var minLat, minLon, maxLat, maxLon *float64
	if bb := result.BoundingBox; bb != nil {
		minLat, minLon, maxLat, maxLon = &bb.MinLat, &bb.MinLon, &bb.MaxLat, &bb.MaxLon
	}
	resolvedAt := result.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now().UTC()
	}

	_, err = r.queryer().Exec(ctx, query,
		result.NormalizedText,
		result.Lat,
		result.Lon,
		minLat,
		minLon,
		maxLat,
		maxLon,
		result.MatchConfidence,
		result.Provider,
		result.DisplayName,
		result.District,
		resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("cache geocode: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (r *GeocodeCacheRepository) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("delete", start, err) }()

	if _, err = r.queryer().Exec(ctx, `DELETE FROM geocode_cache WHERE normalized_text = $1`, key); err != nil {
		return fmt.Errorf("delete cached geocode: %w", err)
	}
	return nil
}

// Keys lists every cached key in order.
func (r *GeocodeCacheRepository) Keys(ctx context.Context) (_ []string, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("keys", start, err) }()

	rows, err := r.queryer().Query(ctx, `SELECT normalized_text FROM geocode_cache ORDER BY normalized_text`)
	if err != nil {
		return nil, fmt.Errorf("list cached geocodes: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list cached geocodes: %w", err)
	}
	return keys, nil
}

// HitCount reports how often key was served from this store.
func (r *GeocodeCacheRepository) HitCount(ctx context.Context, key string) (int, error) {
	var n int
	err := r.queryer().QueryRow(ctx, `SELECT hit_count FROM geocode_cache WHERE normalized_text = $1`, key).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("geocode hit count: %w", err)
	}
	return n, nil
}

type geocodeCacheQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// queryer returns the active queryer (transaction or pool).
func (r *GeocodeCacheRepository) queryer() geocodeCacheQueryer {
	if r.tx != nil {
		return r.tx
	}
	return r.pool
}
