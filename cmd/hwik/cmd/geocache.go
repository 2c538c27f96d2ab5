package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hwik-project/hwik/internal/extract"
	"github.com/hwik-project/hwik/internal/storage"
)

// newGeocacheCommand groups operator actions on the durable geocode cache.
// None of them call the geocoding provider.
func newGeocacheCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geocache",
		Short: "Inspect and maintain the geocode cache",
		Long: `Inspect and maintain the durable geocode cache configured under cache.backend.

Place names are normalized the same way the miner normalizes mentions, so
"Wayanad District" and "wayanad" address the same entry.

Examples:
  hwik geocache get "Wayanad district"
  hwik geocache invalidate wayanad
  hwik geocache list`,
	}
	cmd.AddCommand(newGeocacheGetCommand(g))
	cmd.AddCommand(newGeocacheInvalidateCommand(g))
	cmd.AddCommand(newGeocacheListCommand(g))
	return cmd
}

func newGeocacheGetCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <place>",
		Short: "Print the cached geocode result for a place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.loadConfig()
			if err != nil {
				return err
			}
			key := extract.Normalize(args[0], cfg.Extract.MinLength)

			store, closeStore, err := openGeocodeStore(cmd.Context(), cfg.Cache, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			res, ok, err := newResolver(cfg.Geocode, store, logger).Cached(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no cache entry for %q", key)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func newGeocacheInvalidateCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <place>...",
		Short: "Remove places from the geocode cache so the next run re-resolves them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.loadConfig()
			if err != nil {
				return err
			}

			store, closeStore, err := openGeocodeStore(cmd.Context(), cfg.Cache, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			resolver := newResolver(cfg.Geocode, store, logger)
			for _, arg := range args {
				key := extract.Normalize(arg, cfg.Extract.MinLength)
				if err := resolver.Invalidate(cmd.Context(), key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", key)
			}
			return nil
		},
	}
}

func newGeocacheListCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached place keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.loadConfig()
			if err != nil {
				return err
			}

			store, closeStore, err := openGeocodeStore(cmd.Context(), cfg.Cache, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			lister, ok := store.(storage.GeocodeLister)
			if !ok {
				return fmt.Errorf("cache backend %q cannot list keys", cfg.Cache.Backend)
			}
			keys, err := lister.Keys(cmd.Context())
			if err != nil {
				return fmt.Errorf("list geocode cache: %w", err)
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}
