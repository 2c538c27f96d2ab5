package pipeline

import (
	"encoding/json"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hwik-project/hwik/internal/geocoding"
	"github.com/hwik-project/hwik/internal/metrics"
)

// Report summarises one mining run. Every document or mention the run
// drops is accounted for in one of its counters.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Cancelled  bool      `json:"cancelled"`

	DocumentsFetched      int64 `json:"documents_fetched"`
	DocumentsMalformed    int64 `json:"documents_malformed"`
	DocumentsFiltered     int64 `json:"documents_filtered"`
	DocumentsDuplicate    int64 `json:"documents_duplicate"`
	DocumentsSkippedError int64 `json:"documents_skipped_error"`
	DocumentsUnresolved   int64 `json:"documents_unresolved"`
	DocumentsCancelled    int64 `json:"documents_cancelled"`

	MentionsExtracted int64 `json:"mentions_extracted"`
	MentionsDropped   int64 `json:"mentions_dropped"`

	GeocodeHitsCache    int64 `json:"geocode_hits_cache"`
	GeocodeHitsProvider int64 `json:"geocode_hits_provider"`
	GeocodeUnresolved   int64 `json:"geocode_unresolved"`

	EventsEmitted     int64 `json:"events_emitted"`
	EventsDedupedAway int64 `json:"events_deduped_away"`
	EventsOutsideGrid int64 `json:"events_outside_grid"`

	HarvestGaps    int64    `json:"harvest_gaps"`
	PartialSources []string `json:"partial_sources"`
	Errors         []string `json:"errors,omitempty"`
}

// WriteJSON writes the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Partial reports whether any source lost pages or stopped early.
func (r Report) Partial() bool {
	return len(r.PartialSources) > 0
}

// counters are updated concurrently by pipeline workers and mirrored into
// Prometheus as they change.
type counters struct {
	runID     string
	startedAt time.Time

	documentsFetched      atomic.Int64
	documentsMalformed    atomic.Int64
	documentsFiltered     atomic.Int64
	documentsDuplicate    atomic.Int64
	documentsSkippedError atomic.Int64
	documentsUnresolved   atomic.Int64
	documentsCancelled    atomic.Int64
	mentionsExtracted     atomic.Int64
	mentionsDropped       atomic.Int64
	geocodeHitsCache      atomic.Int64
	geocodeHitsProvider   atomic.Int64
	geocodeUnresolved     atomic.Int64
	eventsEmitted         atomic.Int64
	eventsDedupedAway     atomic.Int64
	eventsOutsideGrid     atomic.Int64
	harvestGaps           atomic.Int64

	mu      sync.Mutex
	partial map[string]struct{}
	errs    []string
}

func newCounters(startedAt time.Time) *counters {
	return &counters{
		runID:     ulid.Make().String(),
		startedAt: startedAt,
		partial:   make(map[string]struct{}),
	}
}

func (c *counters) document(source, outcome string) {
	switch outcome {
	case "fetched":
		c.documentsFetched.Add(1)
	case "malformed":
		c.documentsMalformed.Add(1)
	case "filtered":
		c.documentsFiltered.Add(1)
	case "duplicate":
		c.documentsDuplicate.Add(1)
	case "skipped_error":
		c.documentsSkippedError.Add(1)
	case "unresolved":
		c.documentsUnresolved.Add(1)
	case "cancelled":
		c.documentsCancelled.Add(1)
	}
	metrics.DocumentsTotal.WithLabelValues(source, outcome).Inc()
}

func (c *counters) mentions(extracted int) {
	c.mentionsExtracted.Add(int64(extracted))
	metrics.MentionsTotal.WithLabelValues("extracted").Add(float64(extracted))
}

func (c *counters) mentionsDroppedBy(n int64) {
	c.mentionsDropped.Add(n)
	metrics.MentionsTotal.WithLabelValues("dropped").Add(float64(n))
}

func (c *counters) geocode(o geocoding.Outcome) {
	switch {
	case o.CacheHit():
		c.geocodeHitsCache.Add(1)
	case o == geocoding.OutcomeHitProvider:
		c.geocodeHitsProvider.Add(1)
	default:
		c.geocodeUnresolved.Add(1)
	}
}

func (c *counters) event(outcome string, n int64) {
	switch outcome {
	case "emitted":
		c.eventsEmitted.Add(n)
	case "deduped_away":
		c.eventsDedupedAway.Add(n)
	case "outside_grid":
		c.eventsOutsideGrid.Add(n)
	}
	metrics.EventsTotal.WithLabelValues(outcome).Add(float64(n))
}

func (c *counters) gap(source string) {
	c.harvestGaps.Add(1)
	metrics.HarvestGapsTotal.WithLabelValues(source).Inc()
	c.markPartial(source)
}

func (c *counters) markPartial(source string) {
	c.mu.Lock()
	c.partial[source] = struct{}{}
	c.mu.Unlock()
}

func (c *counters) fail(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err.Error())
	c.mu.Unlock()
}

func (c *counters) snapshot(finishedAt time.Time, cancelled bool) Report {
	c.mu.Lock()
	partial := make([]string, 0, len(c.partial))
	for s := range c.partial {
		partial = append(partial, s)
	}
	errs := append([]string(nil), c.errs...)
	c.mu.Unlock()
	sort.Strings(partial)

	return Report{
		RunID:                 c.runID,
		StartedAt:             c.startedAt,
		FinishedAt:            finishedAt,
		Cancelled:             cancelled,
		DocumentsFetched:      c.documentsFetched.Load(),
		DocumentsMalformed:    c.documentsMalformed.Load(),
		DocumentsFiltered:     c.documentsFiltered.Load(),
		DocumentsDuplicate:    c.documentsDuplicate.Load(),
		DocumentsSkippedError: c.documentsSkippedError.Load(),
		DocumentsUnresolved:   c.documentsUnresolved.Load(),
		DocumentsCancelled:    c.documentsCancelled.Load(),
		MentionsExtracted:     c.mentionsExtracted.Load(),
		MentionsDropped:       c.mentionsDropped.Load(),
		GeocodeHitsCache:      c.geocodeHitsCache.Load(),
		GeocodeHitsProvider:   c.geocodeHitsProvider.Load(),
		GeocodeUnresolved:     c.geocodeUnresolved.Load(),
		EventsEmitted:         c.eventsEmitted.Load(),
		EventsDedupedAway:     c.eventsDedupedAway.Load(),
		EventsOutsideGrid:     c.eventsOutsideGrid.Load(),
		HarvestGaps:           c.harvestGaps.Load(),
		PartialSources:        partial,
		Errors:                errs,
	}
}
