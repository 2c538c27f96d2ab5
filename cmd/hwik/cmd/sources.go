package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hwik-project/hwik/internal/harvest"
)

func newSourcesCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Inspect harvest sources",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the harvest sources a mining run would use",
		Long: `List the registered harvest adapters and the web listings loaded from
harvest.web_sources_dir. Adapters whose API key is not configured are omitted.

Examples:
  hwik sources list
  hwik sources list --config hwik.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.loadConfig()
			if err != nil {
				return err
			}
			registry, err := buildRegistry(cfg.Harvest, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			names := registry.Names()
			if len(names) == 0 {
				fmt.Fprintln(out, "No harvest sources configured")
				return nil
			}

			fmt.Fprintf(out, "%-12s %-6s\n", "NAME", "TYPE")
			for _, name := range names {
				src, _ := registry.Get(name)
				fmt.Fprintf(out, "%-12s %-6s\n", name, src.Type())
			}

			if cfg.Harvest.WebSourcesDir == "" {
				return nil
			}
			configs, err := harvest.LoadWebSourceConfigs(cfg.Harvest.WebSourcesDir)
			if err != nil {
				return err
			}
			if len(configs) > 0 {
				fmt.Fprintf(out, "\n%-30s %-44s %s\n", "WEB LISTING", "URL", "MAX PAGES")
				for _, c := range configs {
					u := c.URL
					if len(u) > 44 {
						u = u[:41] + "..."
					}
					fmt.Fprintf(out, "%-30s %-44s %d\n", c.Name, u, c.MaxPages)
				}
			}
			return nil
		},
	})
	return cmd
}
