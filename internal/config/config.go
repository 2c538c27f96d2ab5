package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/hwik-project/hwik/internal/domain/conflict"
)

// EnvPrefix namespaces environment overrides, e.g. HWIK_GEOCODE__PROVIDER_QPS.
const EnvPrefix = "HWIK_"

type Config struct {
	QueryWindow             WindowConfig   `koanf:"query_window"`
	Sources                 []string       `koanf:"sources" validate:"required,min=1,dive,oneof=news media"`
	Geocode                 GeocodeConfig  `koanf:"geocode"`
	Cache                   CacheConfig    `koanf:"cache"`
	Extract                 ExtractConfig  `koanf:"extract"`
	SpeciesLexiconPath      string         `koanf:"species_lexicon_path"`
	Grid                    GridConfig     `koanf:"grid"`
	DedupTimeBucket         string         `koanf:"dedup_time_bucket" validate:"oneof=day week month"`
	EmitUnresolvedLocations bool           `koanf:"emit_unresolved_locations"`
	Workers                 WorkersConfig  `koanf:"workers"`
	Harvest                 HarvestConfig  `koanf:"harvest"`
	Sink                    SinkConfig     `koanf:"sink"`
	Logging                 LoggingConfig  `koanf:"logging"`
	Tracing                 TracingConfig  `koanf:"tracing"`
	MetricsAddr             string         `koanf:"metrics_addr"`
}

type WindowConfig struct {
	Start time.Time `koanf:"start"`
	End   time.Time `koanf:"end"`
}

type GeocodeConfig struct {
	ProviderQPS   float64       `koanf:"provider_qps" validate:"gt=0"`
	MinConfidence float64       `koanf:"min_confidence" validate:"gte=0,lte=1"`
	BaseURL       string        `koanf:"base_url" validate:"required,url"`
	Email         string        `koanf:"email"`
	CountryCodes  string        `koanf:"country_codes"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxRetries    int           `koanf:"max_retries" validate:"gte=0,lte=10"`
	Candidates    int           `koanf:"candidates" validate:"gte=1,lte=50"`
}

type CacheConfig struct {
	Backend     string `koanf:"backend" validate:"oneof=memory postgres redis"`
	DatabaseURL string `koanf:"database_url" validate:"required_if=Backend postgres"`
	RedisURL    string `koanf:"redis_url" validate:"required_if=Backend redis"`
}

type ExtractConfig struct {
	MinLength     int      `koanf:"min_length" validate:"gte=1"`
	ContextChars  int      `koanf:"context_chars" validate:"gte=0"`
	MaxTextBytes  int      `koanf:"max_text_bytes" validate:"gt=0"`
	GazetteerPath string   `koanf:"gazetteer_path"`
	Stopwords     []string `koanf:"stopwords"`
}

type GridConfig struct {
	Resolution  int    `koanf:"resolution" validate:"gte=0,lte=15"`
	CatalogPath string `koanf:"catalog_path"`
}

type WorkersConfig struct {
	IO  int `koanf:"io" validate:"gte=1"`
	CPU int `koanf:"cpu" validate:"gte=1"`
}

type HarvestConfig struct {
	MaxRetries       int           `koanf:"max_retries" validate:"gte=0,lte=10"`
	RetryBaseDelay   time.Duration `koanf:"retry_base_delay" validate:"gte=0"`
	FetchArticleBody bool          `koanf:"fetch_article_body"`
	Query            string        `koanf:"query" validate:"required"`
	Language         string        `koanf:"language"`
	Region           string        `koanf:"region"`
	MaxPages         int           `koanf:"max_pages" validate:"gte=1"`
	NewsAPIKey       string        `koanf:"newsapi_key"`
	NewsAPIBaseURL   string        `koanf:"newsapi_base_url" validate:"omitempty,url"`
	YouTubeAPIKey    string        `koanf:"youtube_api_key"`
	YouTubeBaseURL   string        `koanf:"youtube_base_url" validate:"omitempty,url"`
	WebSourcesDir    string        `koanf:"web_sources_dir"`
}

type SinkConfig struct {
	Kind        string `koanf:"kind" validate:"oneof=jsonl csv nats http"`
	Path        string `koanf:"path"`
	NATSURL     string `koanf:"nats_url" validate:"required_if=Kind nats"`
	NATSSubject string `koanf:"nats_subject"`
	HTTPURL     string `koanf:"http_url" validate:"required_if=Kind http"`
	HTTPAPIKey  string `koanf:"http_api_key"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type TracingConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Exporter     string  `koanf:"exporter" validate:"omitempty,oneof=stdout otlp none"`
	ServiceName  string  `koanf:"service_name"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SampleRate   float64 `koanf:"sample_rate" validate:"gte=0,lte=1"`
}

// Default returns the configuration used when no file or env override is set.
func Default() Config {
	now := time.Now().UTC()
	end := now.Truncate(24 * time.Hour)
	return Config{
		QueryWindow: WindowConfig{
			Start: end.Add(-7 * 24 * time.Hour),
			End:   end,
		},
		Sources: []string{"news", "media"},
		Geocode: GeocodeConfig{
			ProviderQPS:   1,
			MinConfidence: 0.6,
			BaseURL:       "https://nominatim.openstreetmap.org",
			CountryCodes:  "in",
			Timeout:       10 * time.Second,
			MaxRetries:    2,
			Candidates:    5,
		},
		Cache: CacheConfig{
			Backend: "memory",
		},
		Extract: ExtractConfig{
			MinLength:    3,
			ContextChars: 80,
			MaxTextBytes: 1 << 20,
		},
		Grid: GridConfig{
			Resolution: 8,
		},
		DedupTimeBucket: "day",
		Workers: WorkersConfig{
			IO:  8,
			CPU: runtime.NumCPU(),
		},
		Harvest: HarvestConfig{
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			Query:          `(elephant OR tiger OR "wild boar" OR gaur) AND (attack OR trampled OR "crop raid" OR conflict)`,
			Language:       "en",
			Region:         "IN",
			MaxPages:       5,
		},
		Sink: SinkConfig{
			Kind:        "jsonl",
			NATSSubject: "hwik.conflict.events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			ServiceName: "hwik",
			SampleRate:  1,
		},
	}
}

// Load layers defaults, an optional YAML file, and HWIK_* environment
// variables. The file path falls back to HWIK_CONFIG when empty.
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, &conflict.ConfigurationError{Field: "config", Reason: fmt.Sprintf("load %s: %v", path, err)}
		}
	}

	// HWIK_GEOCODE__PROVIDER_QPS -> geocode.provider_qps
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		if s == "CONFIG" {
			return ""
		}
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, &conflict.ConfigurationError{Field: "env", Reason: err.Error()}
	}

	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, &conflict.ConfigurationError{Field: "config", Reason: err.Error()}
	}

	// Decoding into a non-empty default slice keeps trailing defaults, so the
	// list is replaced outright.
	if k.Exists("sources") {
		cfg.Sources = stringList(k.Get("sources"))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate fails fast on anything that would make the run meaningless. It
// runs before any network call.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return &conflict.ConfigurationError{
				Field:  strings.ToLower(first.Namespace()),
				Reason: fmt.Sprintf("failed %q check (value %v)", first.Tag(), first.Value()),
			}
		}
		return &conflict.ConfigurationError{Field: "config", Reason: err.Error()}
	}

	if c.QueryWindow.Start.IsZero() || c.QueryWindow.End.IsZero() {
		return &conflict.ConfigurationError{Field: "query_window", Reason: "start and end are required"}
	}
	if !c.QueryWindow.Start.Before(c.QueryWindow.End) {
		return &conflict.ConfigurationError{Field: "query_window", Reason: "start must be before end"}
	}
	for _, s := range c.Sources {
		if _, err := conflict.ParseSourceType(s); err != nil {
			return err
		}
	}
	if _, err := conflict.ParseTimeBucket(c.DedupTimeBucket); err != nil {
		return err
	}
	return nil
}

func stringList(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, t...)
	case []any:
		for _, s := range t {
			out = append(out, fmt.Sprint(s))
		}
	}
	return out
}

// SourceTypes returns the configured sources as typed values.
func (c Config) SourceTypes() []conflict.SourceType {
	out := make([]conflict.SourceType, 0, len(c.Sources))
	for _, s := range c.Sources {
		if st, err := conflict.ParseSourceType(s); err == nil {
			out = append(out, st)
		}
	}
	return out
}
