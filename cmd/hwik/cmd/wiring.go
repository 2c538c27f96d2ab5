package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/hwik-project/hwik/internal/config"
	"github.com/hwik-project/hwik/internal/domain/conflict"
	"github.com/hwik-project/hwik/internal/geocoding"
	"github.com/hwik-project/hwik/internal/geocoding/nominatim"
	"github.com/hwik-project/hwik/internal/harvest"
	"github.com/hwik-project/hwik/internal/metrics"
	"github.com/hwik-project/hwik/internal/storage"
	"github.com/hwik-project/hwik/internal/storage/postgres"
	"github.com/hwik-project/hwik/internal/storage/rediscache"
)

const (
	// geocodeRetryBase is the first backoff step for provider retries.
	geocodeRetryBase  = time.Second
	poolStatsInterval = 15 * time.Second
)

// openGeocodeStore connects the durable cache tier selected by cfg. The
// returned cleanup is always safe to call.
func openGeocodeStore(ctx context.Context, cfg config.CacheConfig, logger zerolog.Logger) (storage.GeocodeStore, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemoryGeocodeStore(), func() {}, nil
	case "postgres":
		repo, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, func() {}, fmt.Errorf("geocode cache: %w", err)
		}
		logger.Info().Str("backend", "postgres").Msg("geocode cache connected")
		statsCtx, stopStats := context.WithCancel(ctx)
		go metrics.CollectPoolStats(statsCtx, repo.Pool(), poolStatsInterval)
		return repo, func() {
			stopStats()
			repo.Close()
		}, nil
	case "redis":
		store, err := rediscache.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, func() {}, fmt.Errorf("geocode cache: %w", err)
		}
		logger.Info().Str("backend", "redis").Msg("geocode cache connected")
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close redis geocode cache")
			}
		}, nil
	default:
		return nil, func() {}, &conflict.ConfigurationError{Field: "cache.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
}

func newGeocodeProvider(cfg config.GeocodeConfig) *nominatim.Client {
	return nominatim.NewClient(cfg.BaseURL, cfg.Email,
		nominatim.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		nominatim.WithRateLimit(cfg.ProviderQPS),
		nominatim.WithRetry(cfg.MaxRetries, geocodeRetryBase),
		nominatim.WithSearchDefaults(cfg.CountryCodes, cfg.Candidates),
	)
}

func newResolver(cfg config.GeocodeConfig, store storage.GeocodeStore, logger zerolog.Logger) *geocoding.Resolver {
	return geocoding.NewResolver(newGeocodeProvider(cfg), store, geocoding.Options{
		MinConfidence: cfg.MinConfidence,
		Timeout:       cfg.Timeout,
	}, logger)
}

// buildRegistry registers every adapter that has the credentials or
// listings it needs. Adapters without them are skipped with a warning.
func buildRegistry(cfg config.HarvestConfig, logger zerolog.Logger) (*harvest.Registry, error) {
	backoff := harvest.Backoff{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBaseDelay}

	var fetcher *harvest.ArticleFetcher
	if cfg.FetchArticleBody {
		fetcher = harvest.NewArticleFetcher(logger)
	}

	var sources []harvest.Source
	if cfg.NewsAPIKey != "" {
		sources = append(sources, harvest.WithArticleBodies(harvest.NewNewsAPI(cfg.NewsAPIBaseURL, cfg.NewsAPIKey, backoff, logger), fetcher))
	} else {
		logger.Warn().Msg("harvest.newsapi_key not set, skipping NewsAPI source")
	}

	if cfg.YouTubeAPIKey != "" {
		sources = append(sources, harvest.NewYouTube(cfg.YouTubeBaseURL, cfg.YouTubeAPIKey, backoff, logger))
	} else {
		logger.Warn().Msg("harvest.youtube_api_key not set, skipping YouTube source")
	}

	if cfg.WebSourcesDir != "" {
		configs, err := harvest.LoadWebSourceConfigs(cfg.WebSourcesDir)
		if err != nil {
			return nil, &conflict.ConfigurationError{Field: "harvest.web_sources_dir", Reason: err.Error()}
		}
		if len(configs) > 0 {
			sources = append(sources, harvest.WithArticleBodies(harvest.NewWeb(configs, backoff, logger), fetcher))
		}
	}

	return harvest.NewRegistry(sources...)
}
