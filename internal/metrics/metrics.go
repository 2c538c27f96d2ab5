package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all hwik metrics
const namespace = "hwik"

// Registry is the global Prometheus registry for all metrics
var Registry = prometheus.NewRegistry()

// AppInfo is a gauge that exposes application version information as labels
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Application version information (always set to 1, version info in labels)",
	},
	[]string{"version", "commit", "build_date"},
)

// Pipeline metrics

// DocumentsTotal counts documents by source and outcome
var DocumentsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "documents_total",
		Help:      "Total number of harvested documents by outcome",
	},
	[]string{"source", "outcome"}, // outcome: fetched|malformed|skipped_error|unresolved
)

// MentionsTotal counts location mentions kept or dropped by the extractor
var MentionsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mentions_total",
		Help:      "Total number of location mentions by outcome",
	},
	[]string{"outcome"}, // outcome: extracted|dropped
)

// EventsTotal counts assembled events
var EventsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Total number of conflict events by outcome",
	},
	[]string{"outcome"}, // outcome: emitted|deduped_away|outside_grid
)

// HarvestGapsTotal counts provider pages skipped after retries
var HarvestGapsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "harvest_gaps_total",
		Help:      "Total number of provider pages skipped after exhausting retries",
	},
	[]string{"source"},
)

// RunDuration tracks end-to-end pipeline run time
var RunDuration = promauto.With(Registry).NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of a mining run in seconds",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	},
)

// Geocoding metrics

// GeocodeLookupsTotal tracks resolver outcomes
var GeocodeLookupsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geocode_lookups_total",
		Help:      "Total number of geocode lookups by outcome",
	},
	[]string{"outcome"}, // outcome: hit_hot|hit_store|hit_provider|not_found
)

// GeocodeProviderRequestsTotal tracks provider calls by status
var GeocodeProviderRequestsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geocode_provider_requests_total",
		Help:      "Total number of geocoding provider requests",
	},
	[]string{"provider", "status"}, // status: success|empty|low_confidence|error
)

// GeocodeProviderLatency tracks provider request latency including limiter wait
var GeocodeProviderLatency = promauto.With(Registry).NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "geocode_provider_latency_seconds",
		Help:      "Geocoding provider latency in seconds, including rate limiter wait",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"provider"},
)

// GeocodeStoreErrorsTotal counts durable cache failures that degraded to a miss
var GeocodeStoreErrorsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geocode_store_errors_total",
		Help:      "Total number of durable geocode cache errors",
	},
	[]string{"op"}, // op: get|put|delete
)

// Init registers runtime collectors and sets version information
func Init(version, commit, buildDate string) {
	// Register default Go metrics (memory, goroutines, GC, etc.)
	Registry.MustRegister(collectors.NewGoCollector())

	// Register process metrics (CPU, memory, file descriptors)
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	AppInfo.WithLabelValues(version, commit, buildDate).Set(1)
}
