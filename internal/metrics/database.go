package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Geocode cache database metrics. Only the postgres cache backend reports
// these.
var (
	DBConnectionsOpen = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "geocode_cache",
			Name:      "db_connections_open",
			Help:      "Open connections in the geocode cache pool",
		},
	)

	DBConnectionsInUse = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "geocode_cache",
			Name:      "db_connections_in_use",
			Help:      "Geocode cache pool connections currently acquired",
		},
	)

	DBConnectionsIdle = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "geocode_cache",
			Name:      "db_connections_idle",
			Help:      "Idle connections in the geocode cache pool",
		},
	)

	DBQueryDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "geocode_cache",
			Name:      "db_query_duration_seconds",
			Help:      "Geocode cache query duration in seconds",
			// 1ms .. 2.5s
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"}, // operation: get|put|delete|keys
	)

	DBErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geocode_cache",
			Name:      "db_errors_total",
			Help:      "Geocode cache query errors",
		},
		[]string{"operation", "error_type"},
	)
)

// CollectPoolStats samples pool statistics every interval until ctx is done.
func CollectPoolStats(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	if pool == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stat := pool.Stat()
		DBConnectionsOpen.Set(float64(stat.TotalConns()))
		DBConnectionsInUse.Set(float64(stat.AcquiredConns()))
		DBConnectionsIdle.Set(float64(stat.IdleConns()))

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// RecordQuery records the latency and outcome of one cache query:
//
//	start := time.Now()
//	defer func() { metrics.RecordQuery("get", start, err) }()
func RecordQuery(operation string, start time.Time, err error) {
	DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	errorType := "query_error"
	switch {
	case errors.Is(err, context.Canceled):
		errorType = "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		errorType = "timeout"
	}
	DBErrors.WithLabelValues(operation, errorType).Inc()
}
