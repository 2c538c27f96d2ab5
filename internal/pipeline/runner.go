// Package pipeline runs the conflict event mining pipeline: harvest,
// extract, geocode, infer species, index onto the grid, and assemble
// deduplicated events for the sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/hwik-project/hwik/internal/domain/conflict"
	"github.com/hwik-project/hwik/internal/geocoding"
	"github.com/hwik-project/hwik/internal/grid"
	"github.com/hwik-project/hwik/internal/harvest"
	"github.com/hwik-project/hwik/internal/metrics"
	"github.com/hwik-project/hwik/internal/sink"
	"github.com/hwik-project/hwik/internal/telemetry"
)

// Extractor finds place mentions in a document.
type Extractor interface {
	Extract(doc conflict.RawDocument) ([]conflict.LocationMention, error)
	Dropped() int64
}

// Resolver geocodes normalized place names.
type Resolver interface {
	Resolve(ctx context.Context, key string) (conflict.GeocodeResult, geocoding.Outcome, error)
}

// SpeciesInferrer attributes a document to species.
type SpeciesInferrer interface {
	Infer(doc conflict.RawDocument) []conflict.SpeciesCall
}

// GridIndexer maps coordinates to grid cells.
type GridIndexer interface {
	Index(lat, lon float64) (string, error)
	Resolution() int
}

// Deps are the stage implementations a Runner drives.
type Deps struct {
	Sources   []harvest.Source
	Extractor Extractor
	Resolver  Resolver
	Inferrer  SpeciesInferrer
	Indexer   GridIndexer
	Sink      sink.Sink
}

// Options configure one run.
type Options struct {
	Window         harvest.Window
	Filters        harvest.Filters
	Bucket         conflict.TimeBucket
	EmitUnresolved bool
	IOWorkers      int
	CPUWorkers     int
	Now            func() time.Time
}

// Runner executes mining runs. A Runner may be reused; each Run starts
// with fresh counters and an empty assembler.
type Runner struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

// NewRunner validates deps and applies option defaults.
func NewRunner(deps Deps, opts Options, logger zerolog.Logger) (*Runner, error) {
	switch {
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case deps.Resolver == nil:
		return nil, errors.New("pipeline: resolver is required")
	case deps.Inferrer == nil:
		return nil, errors.New("pipeline: species inferrer is required")
	case deps.Indexer == nil:
		return nil, errors.New("pipeline: grid indexer is required")
	case deps.Sink == nil:
		return nil, errors.New("pipeline: sink is required")
	}
	if !opts.Window.Start.Before(opts.Window.End) {
		return nil, &conflict.ConfigurationError{Field: "query_window", Reason: "start must be before end"}
	}
	if opts.Bucket == "" {
		opts.Bucket = conflict.BucketDay
	}
	if opts.IOWorkers <= 0 {
		opts.IOWorkers = 8
	}
	if opts.CPUWorkers <= 0 {
		opts.CPUWorkers = runtime.NumCPU()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Runner{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// analysis is a document after the CPU-bound stages.
type analysis struct {
	doc       conflict.RawDocument
	mentions  []conflict.LocationMention
	call      conflict.SpeciesCall
	eventTime time.Time
}

// Run mines one query window and writes the assembled events to the sink.
//
// Cancelling ctx stops scheduling new documents; events assembled so far
// are still written and the report is marked cancelled. A permanent
// geocoding provider error stops the run and is returned after the flush.
// Permanent harvest errors stop only their source and are returned joined
// at the end of an otherwise complete run.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	started := r.opts.Now()
	c := newCounters(started)
	asm := NewAssembler(r.opts.Bucket, r.opts.EmitUnresolved)
	droppedBefore := r.deps.Extractor.Dropped()

	ctx, span := telemetry.GetTracer("hwik/pipeline").Start(ctx, "pipeline.run")
	span.SetAttributes(
		attribute.String("run.id", c.runID),
		attribute.String("run.window_start", r.opts.Window.Start.Format(time.RFC3339)),
		attribute.String("run.window_end", r.opts.Window.End.Format(time.RFC3339)),
	)

	log := r.logger.With().Str("run_id", c.runID).Logger()
	log.Info().
		Time("window_start", r.opts.Window.Start).
		Time("window_end", r.opts.Window.End).
		Int("sources", len(r.deps.Sources)).
		Msg("mining run started")

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	var (
		harvestErrsMu sync.Mutex
		harvestErrs   []error
	)

	docs := make(chan conflict.RawDocument, r.opts.IOWorkers)
	analysed := make(chan analysis, r.opts.CPUWorkers)

	// Stage 1: harvest every source concurrently.
	seen := newSeenSet()
	go func() {
		var harvesters errgroup.Group
		harvesters.SetLimit(r.opts.IOWorkers)
		for _, src := range r.deps.Sources {
			harvesters.Go(func() error {
				if err := r.harvest(runCtx, src, docs, seen, c, log); err != nil {
					harvestErrsMu.Lock()
					harvestErrs = append(harvestErrs, err)
					harvestErrsMu.Unlock()
				}
				return nil
			})
		}
		_ = harvesters.Wait()
		close(docs)
	}()

	// Stage 2: extraction and species inference on the CPU pool.
	go func() {
		var cpu errgroup.Group
		cpu.SetLimit(r.opts.CPUWorkers)
		for doc := range docs {
			if runCtx.Err() != nil {
				c.document(doc.SourceID, "cancelled")
				continue
			}
			cpu.Go(func() error {
				if a, ok := r.analyse(doc, c, log); ok {
					analysed <- a
				}
				return nil
			})
		}
		_ = cpu.Wait()
		close(analysed)
	}()

	// Stage 3: geocoding, grid indexing and assembly on the IO pool.
	var geo errgroup.Group
	geo.SetLimit(r.opts.IOWorkers)
	for a := range analysed {
		if runCtx.Err() != nil {
			c.document(a.doc.SourceID, "cancelled")
			continue
		}
		geo.Go(func() error {
			if err := r.locate(runCtx, a, asm, c, log); err != nil {
				cancelRun(err)
			}
			return nil
		})
	}
	_ = geo.Wait()

	c.mentionsDroppedBy(r.deps.Extractor.Dropped() - droppedBefore)
	c.event("deduped_away", int64(asm.DedupedAway()))

	// Flush what was assembled, even after cancellation or a fatal error.
	flushErr := r.flush(context.WithoutCancel(ctx), asm, c)

	cancelled := ctx.Err() != nil
	var fatal error
	if cause := context.Cause(runCtx); cause != nil && conflict.IsPermanent(cause) {
		fatal = cause
	}

	errs := []error{fatal, flushErr}
	errs = append(errs, harvestErrs...)
	err := errors.Join(errs...)
	if err != nil {
		c.fail(err)
	}

	finished := r.opts.Now()
	report := c.snapshot(finished, cancelled)
	metrics.RunDuration.Observe(finished.Sub(started).Seconds())

	span.SetAttributes(
		attribute.Int64("run.events_emitted", report.EventsEmitted),
		attribute.Bool("run.cancelled", cancelled),
	)
	telemetry.EndSpan(span, err)

	log.Info().
		Int64("documents_fetched", report.DocumentsFetched).
		Int64("events_emitted", report.EventsEmitted).
		Int64("events_deduped_away", report.EventsDedupedAway).
		Bool("cancelled", cancelled).
		Bool("partial", report.Partial()).
		Dur("duration", finished.Sub(started)).
		Msg("mining run finished")

	return report, err
}

// harvest drains one source into docs. It returns the source's permanent
// provider error, if any.
func (r *Runner) harvest(ctx context.Context, src harvest.Source, docs chan<- conflict.RawDocument, seen *seenSet, c *counters, log zerolog.Logger) error {
	ctx, span := telemetry.GetTracer("hwik/pipeline").Start(ctx, "harvest.source")
	span.SetAttributes(attribute.String("source", src.Name()))

	var permanent error
	for doc, err := range src.Fetch(ctx, r.opts.Window, r.opts.Filters) {
		if err != nil {
			if conflict.IsPermanent(err) {
				permanent = fmt.Errorf("source %s: %w", src.Name(), err)
				c.markPartial(src.Name())
				break
			}
			var filtered *conflict.FilteredDocumentError
			if errors.As(err, &filtered) {
				c.document(src.Name(), "fetched")
				c.document(src.Name(), "filtered")
				log.Debug().Str("source", src.Name()).Str("url", filtered.URL).Str("reason", filtered.Reason).Msg("provider item filtered")
				continue
			}
			var gap *conflict.GapError
			if errors.As(err, &gap) {
				c.gap(src.Name())
			} else {
				c.markPartial(src.Name())
			}
			log.Warn().Err(err).Str("source", src.Name()).Msg("harvest gap")
			continue
		}

		c.document(src.Name(), "fetched")
		if err := doc.Validate(); err != nil {
			c.document(src.Name(), "malformed")
			log.Warn().Err(err).Str("source", src.Name()).Str("url", doc.URL).Msg("skipping malformed document")
			continue
		}
		if !seen.add(doc.ID) {
			c.document(src.Name(), "duplicate")
			continue
		}

		select {
		case docs <- doc:
		case <-ctx.Done():
			c.document(src.Name(), "cancelled")
			c.markPartial(src.Name())
			telemetry.EndSpan(span, nil)
			return nil
		}
	}
	if ctx.Err() != nil {
		c.markPartial(src.Name())
	}
	telemetry.EndSpan(span, permanent)
	return permanent
}

func (r *Runner) analyse(doc conflict.RawDocument, c *counters, log zerolog.Logger) (analysis, bool) {
	mentions, err := r.deps.Extractor.Extract(doc)
	if err != nil {
		c.document(doc.SourceID, "skipped_error")
		log.Warn().Err(err).Str("document_id", doc.ID).Msg("extraction failed, skipping document")
		return analysis{}, false
	}
	c.mentions(len(mentions))

	call := conflict.SpeciesCall{DocumentID: doc.ID, Species: conflict.SpeciesUnknown}
	if calls := r.deps.Inferrer.Infer(doc); len(calls) > 0 {
		call = calls[0]
		if len(calls) > 1 {
			log.Debug().
				Str("document_id", doc.ID).
				Str("species", string(call.Species)).
				Str("runner_up", string(calls[1].Species)).
				Msg("multiple species matched, keeping highest")
		}
	}

	return analysis{
		doc:       doc,
		mentions:  mentions,
		call:      call,
		eventTime: EventTime(doc),
	}, true
}

type resolved struct {
	mention conflict.LocationMention
	result  conflict.GeocodeResult
}

// locate resolves a document's mentions and hands its member to the
// assembler. Only a permanent provider error is returned.
func (r *Runner) locate(ctx context.Context, a analysis, asm *Assembler, c *counters, log zerolog.Logger) error {
	var hits []resolved
	for _, m := range a.mentions {
		res, outcome, err := r.deps.Resolver.Resolve(ctx, m.NormalizedText)
		c.geocode(outcome)
		if err != nil {
			if conflict.IsPermanent(err) {
				return fmt.Errorf("geocoding: %w", err)
			}
			if ctx.Err() != nil {
				c.document(a.doc.SourceID, "cancelled")
				return nil
			}
			continue
		}
		hits = append(hits, resolved{mention: m, result: res})
	}

	// Highest geocode confidence first; ties keep text order.
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].result.MatchConfidence > hits[j].result.MatchConfidence
	})

	m := conflict.Member{
		DocumentID:        a.doc.ID,
		SourceType:        a.doc.SourceType,
		Species:           a.call.Species,
		SpeciesConfidence: a.call.Confidence,
		CellResolution:    r.deps.Indexer.Resolution(),
		EventTime:         a.eventTime,
	}

	outside := false
	for _, h := range hits {
		cell, err := r.deps.Indexer.Index(h.result.Lat, h.result.Lon)
		if err != nil {
			if errors.Is(err, grid.ErrOutsideGrid) {
				outside = true
				continue
			}
			log.Warn().Err(err).Str("document_id", a.doc.ID).Str("place", h.mention.NormalizedText).Msg("grid indexing failed")
			continue
		}
		lat, lon := h.result.Lat, h.result.Lon
		m.Lat, m.Lon, m.CellID = &lat, &lon, &cell
		m.LocationConfidence = h.result.MatchConfidence
		m.PlaceName = h.mention.NormalizedText
		m.District = h.result.District
		break
	}

	if m.CellID == nil {
		if outside {
			c.event("outside_grid", 1)
		}
		c.document(a.doc.SourceID, "unresolved")
		log.Debug().Str("document_id", a.doc.ID).Int("mentions", len(a.mentions)).Msg("document unresolved")
	}

	asm.Add(m)
	return nil
}

func (r *Runner) flush(ctx context.Context, asm *Assembler, c *counters) error {
	for _, ev := range asm.Candidates() {
		if err := r.deps.Sink.Write(ctx, ev); err != nil {
			return fmt.Errorf("sink: %w", err)
		}
		c.event("emitted", 1)
	}
	return nil
}

type seenSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newSeenSet() *seenSet {
	return &seenSet{ids: make(map[string]struct{})}
}

func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}
