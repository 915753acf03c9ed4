package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/stagecrawler/internal/app"
	"github.com/JakeFAU/stagecrawler/internal/config"
)

type crawlFlags struct {
	seeds   []string
	paused  bool
	noAdmin bool
}

// newCrawlCmd creates the 'crawl' subcommand, which runs one crawl to
// completion and prints a per-component summary.
func newCrawlCmd(cfgFile *string) *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a crawl until every stage is idle",
		Long: `Loads configuration, seeds the scheduler and runs every pipeline
stage until the crawl completes or the process is interrupted. Seeds given
with --seed replace the configured seed source.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := flags.apply(&cfg); err != nil {
				return err
			}
			runner, err := newRunner(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize crawl: %w", err)
			}
			summary, err := runner.Run(cmd.Context())
			printSummary(cmd.OutOrStdout(), summary)
			if err != nil {
				return fmt.Errorf("run crawl: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&flags.seeds, "seed", nil, "seed URI (repeatable); overrides seeder settings")
	cmd.Flags().BoolVar(&flags.paused, "paused", false, "start every component paused")
	cmd.Flags().BoolVar(&flags.noAdmin, "no-admin", false, "disable the admin HTTP server")
	return cmd
}

func (f crawlFlags) apply(cfg *config.Config) error {
	if len(f.seeds) > 0 {
		cfg.Seeder = config.SeederConfig{Source: "config", URIs: f.seeds}
	}
	if f.paused {
		cfg.Manager.InitialState = "paused"
	}
	if f.noAdmin {
		cfg.Admin.Port = 0
	}
	return cfg.Validate()
}

func printSummary(w io.Writer, s app.Summary) {
	fmt.Fprintf(w, "run %s: %d seeds in %d requests, %d rejected\n",
		s.RunID, s.Seeds.Seeds, s.Seeds.Requests, len(s.Seeds.Rejected))
	for _, st := range s.Statuses {
		fmt.Fprintf(w, "  %-18s %-10s processed=%d failed=%d abandoned=%d\n",
			st.Info.Name, st.State, st.Processed, st.Failed, st.Abandoned)
	}
	fmt.Fprintf(w, "  traffic: sent=%dB received=%dB\n", s.BytesSent, s.BytesReceived)
	if s.DroppedEvents > 0 {
		fmt.Fprintf(w, "  progress events dropped: %d\n", s.DroppedEvents)
	}
}
