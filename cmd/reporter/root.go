package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. Running the root command without a
// subcommand serves, so container entrypoints need no arguments.
func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "reporter",
		Short: "Orchestrates scrape jobs and their analysis.",
		Long: `reporter accepts research requests, triggers collection runs at the
scraping provider, ingests the provider's webhook, and turns the collected
records into a structured report.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfgPath)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (env REPORTER_* overrides)")

	cmd.AddCommand(newServeCmd(&cfgPath))
	cmd.AddCommand(newMigrateCmd(&cfgPath))
	return cmd
}
