package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hwik-project/hwik/internal/config"
	"github.com/hwik-project/hwik/internal/domain/conflict"
	"github.com/hwik-project/hwik/internal/extract"
	"github.com/hwik-project/hwik/internal/grid"
	"github.com/hwik-project/hwik/internal/harvest"
	"github.com/hwik-project/hwik/internal/metrics"
	"github.com/hwik-project/hwik/internal/pipeline"
	"github.com/hwik-project/hwik/internal/sink"
	"github.com/hwik-project/hwik/internal/species"
	"github.com/hwik-project/hwik/internal/telemetry"
)

type mineFlags struct {
	start          string
	end            string
	sources        []string
	sinkKind       string
	output         string
	minConfidence  float64
	emitUnresolved bool
}

func newMineCommand(g *globalFlags) *cobra.Command {
	f := &mineFlags{}
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Run the conflict event mining pipeline over a query window",
		Long: `Harvest documents published in the query window, resolve their places and
species, and write deduplicated conflict events to the configured sink. The run
report is printed as JSON on stdout when the run ends.

Flags override the config file and HWIK_* environment variables.

Examples:
  # Mine the last week with defaults, events as JSON lines on stdout
  hwik mine

  # Mine a fixed window into a CSV file
  hwik mine --start 2024-06-01 --end 2024-06-08 --sink csv --output events.csv

  # News only, keeping documents whose places could not be resolved
  hwik mine --sources news --emit-unresolved`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.loadConfig()
			if err != nil {
				return err
			}
			if err := f.apply(cmd, &cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runMine(ctx, cmd, cfg, logger)
		},
	}

	f.bind(cmd.Flags())
	return cmd
}

func (f *mineFlags) bind(flags *pflag.FlagSet) {
	flags.StringVar(&f.start, "start", "", "query window start (RFC3339 or YYYY-MM-DD)")
	flags.StringVar(&f.end, "end", "", "query window end, exclusive (RFC3339 or YYYY-MM-DD)")
	flags.StringSliceVar(&f.sources, "sources", nil, "source types to harvest (news, media)")
	flags.StringVar(&f.sinkKind, "sink", "", "sink kind (jsonl, csv, nats, http)")
	flags.StringVarP(&f.output, "output", "o", "", "output path for jsonl/csv sinks (default: stdout)")
	flags.Float64Var(&f.minConfidence, "min-confidence", 0, "minimum geocode match confidence (0..1)")
	flags.BoolVar(&f.emitUnresolved, "emit-unresolved", false, "emit events for documents with no resolvable place")
}

// apply layers explicitly set flags over cfg and revalidates it.
func (f *mineFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("start") {
		t, err := parseWindowTime(f.start)
		if err != nil {
			return &conflict.ConfigurationError{Field: "query_window.start", Reason: err.Error()}
		}
		cfg.QueryWindow.Start = t
	}
	if flags.Changed("end") {
		t, err := parseWindowTime(f.end)
		if err != nil {
			return &conflict.ConfigurationError{Field: "query_window.end", Reason: err.Error()}
		}
		cfg.QueryWindow.End = t
	}
	if flags.Changed("sources") {
		cfg.Sources = f.sources
	}
	if flags.Changed("sink") {
		cfg.Sink.Kind = f.sinkKind
	}
	if flags.Changed("output") {
		cfg.Sink.Path = f.output
	}
	if flags.Changed("min-confidence") {
		cfg.Geocode.MinConfidence = f.minConfidence
	}
	if flags.Changed("emit-unresolved") {
		cfg.EmitUnresolvedLocations = f.emitUnresolved
	}
	return cfg.Validate()
}

func parseWindowTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", s)
	}
	return t, nil
}

// runMine wires the pipeline from cfg. Everything that can be checked
// locally is loaded before the first network connection.
func runMine(ctx context.Context, cmd *cobra.Command, cfg config.Config, logger zerolog.Logger) error {
	out := cmd.OutOrStdout()

	bucket, err := conflict.ParseTimeBucket(cfg.DedupTimeBucket)
	if err != nil {
		return err
	}
	gazetteer, err := extract.LoadGazetteer(cfg.Extract.GazetteerPath, cfg.Extract.MinLength)
	if err != nil {
		return &conflict.ConfigurationError{Field: "extract.gazetteer_path", Reason: err.Error()}
	}
	extractor := extract.New(extract.Options{
		MinLength:    cfg.Extract.MinLength,
		ContextChars: cfg.Extract.ContextChars,
		MaxTextBytes: cfg.Extract.MaxTextBytes,
		Stopwords:    cfg.Extract.Stopwords,
		Gazetteer:    gazetteer,
	})
	lexicon, err := species.LoadLexicon(cfg.SpeciesLexiconPath)
	if err != nil {
		return err
	}
	var catalog *grid.Catalog
	if cfg.Grid.CatalogPath != "" {
		if catalog, err = grid.LoadCatalog(cfg.Grid.CatalogPath); err != nil {
			return err
		}
	}
	indexer, err := grid.NewIndexer(cfg.Grid.Resolution, catalog)
	if err != nil {
		return err
	}
	registry, err := buildRegistry(cfg.Harvest, logger)
	if err != nil {
		return err
	}
	sources := registry.ForTypes(cfg.SourceTypes())
	if len(sources) == 0 {
		return &conflict.ConfigurationError{Field: "sources", Reason: "no harvest source is configured for " + strings.Join(cfg.Sources, ", ")}
	}

	metrics.Init(Version, GitCommit, BuildDate)
	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	store, closeStore, err := openGeocodeStore(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	snk, err := sink.Open(cfg.Sink, out, logger)
	if err != nil {
		return err
	}

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Sources:   sources,
		Extractor: extractor,
		Resolver:  newResolver(cfg.Geocode, store, logger),
		Inferrer:  species.NewInferrer(lexicon),
		Indexer:   indexer,
		Sink:      snk,
	}, pipeline.Options{
		Window: harvest.Window{Start: cfg.QueryWindow.Start, End: cfg.QueryWindow.End},
		Filters: harvest.Filters{
			Query:    cfg.Harvest.Query,
			Language: cfg.Harvest.Language,
			Region:   cfg.Harvest.Region,
			MaxPages: cfg.Harvest.MaxPages,
		},
		Bucket:         bucket,
		EmitUnresolved: cfg.EmitUnresolvedLocations,
		IOWorkers:      cfg.Workers.IO,
		CPUWorkers:     cfg.Workers.CPU,
	}, logger)
	if err != nil {
		_ = snk.Close()
		return err
	}

	report, runErr := runner.Run(ctx)
	if err := snk.Close(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("close sink: %w", err))
	}
	if err := report.WriteJSON(reportWriter(cmd, cfg.Sink)); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("write report: %w", err))
	}
	return runErr
}

// reportWriter keeps the run report off stdout when events are streamed there.
func reportWriter(cmd *cobra.Command, cfg config.SinkConfig) io.Writer {
	if sink.WritesStdout(cfg) {
		return cmd.ErrOrStderr()
	}
	return cmd.OutOrStdout()
}
