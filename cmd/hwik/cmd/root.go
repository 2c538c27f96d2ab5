package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hwik-project/hwik/internal/config"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// loadConfig reads the layered configuration and applies the logging
// flag overrides.
func (g *globalFlags) loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	return cfg, config.NewLogger(cfg.Logging), nil
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "hwik",
		Short: "hwik - human-wildlife conflict event miner",
		Long: `hwik mines news articles and citizen media for human-wildlife conflict
incidents and turns them into geolocated, deduplicated event records.

A mining run:
- Harvests documents from NewsAPI, YouTube and configured web listings
- Extracts place names and geocodes them through a rate-limited cache
- Infers the species involved and scores confidence
- Indexes each event onto the hexagonal grid and merges duplicates`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file path (optional, HWIK_CONFIG and HWIK_* env vars also apply)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format (json, console) (default: json)")

	root.AddCommand(newMineCommand(g))
	root.AddCommand(newGeocacheCommand(g))
	root.AddCommand(newSourcesCommand(g))
	root.AddCommand(newVersionCommand())
	return root
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
