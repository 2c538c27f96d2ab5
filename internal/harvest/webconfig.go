package harvest

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// WebSourceConfig defines a news listing page scraped with CSS selectors.
type WebSourceConfig struct {
	Name      string       `yaml:"name"`
	URL       string       `yaml:"url"`
	Enabled   bool         `yaml:"enabled"`
	MaxPages  int          `yaml:"max_pages"`
	Languages []string     `yaml:"languages"`
	Notes     string       `yaml:"notes,omitempty"`
	Selectors WebSelectors `yaml:"selectors"`
}

// WebSelectors holds the CSS selectors applied to each listing page.
type WebSelectors struct {
	Item       string `yaml:"item"`
	Title      string `yaml:"title"`
	Date       string `yaml:"date"`
	Summary    string `yaml:"summary"`
	URL        string `yaml:"url"`
	Pagination string `yaml:"pagination"`
}

// DefaultWebSourceConfig returns a WebSourceConfig with defaults applied.
func DefaultWebSourceConfig() WebSourceConfig {
	return WebSourceConfig{
		Enabled:  true,
		MaxPages: 3,
	}
}

// ValidateWebSourceConfig returns an error describing every problem found.
func ValidateWebSourceConfig(cfg WebSourceConfig) error {
	var errs []string

	if strings.TrimSpace(cfg.Name) == "" {
		errs = append(errs, "name: required")
	}

	if strings.TrimSpace(cfg.URL) == "" {
		errs = append(errs, "url: required")
	} else {
		u, err := url.Parse(cfg.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("url: must be a valid http/https URL, got %q", cfg.URL))
		}
	}

	if strings.TrimSpace(cfg.Selectors.Item) == "" {
		errs = append(errs, "selectors.item: required")
	}
	if strings.TrimSpace(cfg.Selectors.Title) == "" {
		errs = append(errs, "selectors.title: required")
	}

	if cfg.MaxPages < 0 {
		errs = append(errs, fmt.Sprintf("max_pages: must be > 0, got %d", cfg.MaxPages))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// LoadWebSourceConfigs reads all *.yaml files from dir (skipping files
// starting with "_") and returns the enabled, valid configs. Invalid files
// produce an error naming the file and its field errors. A missing
// directory yields no configs and no error.
func LoadWebSourceConfigs(dir string) ([]WebSourceConfig, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading web source dir %s: %w", dir, err)
	}

	var configs []WebSourceConfig
	var validationErrors []string

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "_") || filepath.Ext(name) != ".yaml" {
			continue
		}

		path := filepath.Join(dir, name)
		cfg, err := loadWebSourceFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		if err := ValidateWebSourceConfig(cfg); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: %s", path, err.Error()))
			continue
		}
		if cfg.Enabled {
			configs = append(configs, cfg)
		}
	}

	if len(validationErrors) > 0 {
		return configs, fmt.Errorf("invalid web source configs:\n  %s", strings.Join(validationErrors, "\n  "))
	}
	return configs, nil
}

func loadWebSourceFile(path string) (WebSourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WebSourceConfig{}, err
	}

	// Start from defaults so omitted booleans and ints are set properly.
	cfg := DefaultWebSourceConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return WebSourceConfig{}, fmt.Errorf("parsing YAML: %w", err)
	}
	if cfg.MaxPages == 0 {
		cfg.MaxPages = 3
	}
	return cfg, nil
}
