package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/config"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/storage/postgres"
)

func newMigrateCmd(cfgPath *string) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Applies the Postgres job store migrations and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				cfg, err := config.Read(*cfgPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				dsn = cfg.Database.DSN
			}
			if dsn == "" {
				return errors.New("database.dsn is required (set --dsn or REPORTER_DATABASE_DSN)")
			}
			if err := postgres.Migrate(dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN, overrides database.dsn")
	return cmd
}
