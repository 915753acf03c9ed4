package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/stagecrawler/internal/app"
	"github.com/JakeFAU/stagecrawler/internal/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Runner is a built crawl ready to run.
type Runner interface {
	Run(ctx context.Context) (app.Summary, error)
}

// newRunner is the application factory. It's a variable so tests can
// replace it.
var newRunner = func(ctx context.Context, cfg config.Config) (Runner, error) {
	return app.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "stagecrawler",
		Short: "A staged, pluggable web crawler.",
		Long: `stagecrawler crawls the web through a pipeline of independently
scaled stages: scheduling, robots.txt retrieval, ingestion and parsing.
Stages communicate only through queues, so a run can be spread across
nodes by pointing them at the same NATS and Redis servers.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newCrawlCmd(&cfgFile))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the stagecrawler version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stagecrawler %s\n", Version)
		},
	}
}
