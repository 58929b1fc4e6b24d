package cmd

import (
	"fmt"
	"github.com/arcward/pingpanel/pingpanel"
	"github.com/spf13/cobra"
	"log"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database used for the runner event log",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := initDatabase(cmd); err != nil {
			log.Fatal(err)
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "database initialized")
	},
}

func initDatabase(cmd *cobra.Command) error {
	if cfg.DatabaseType == "" {
		return fmt.Errorf(
			"%s_DATABASE_TYPE not set (must be one of: sqlite, postgres, none)",
			pingpanel.DefaultEnvPrefix,
		)
	}
	if cfg.Database == "" && cfg.DatabaseType != "none" {
		return fmt.Errorf(
			"%s_DATABASE not set (must be a valid database connection "+
				"string or sqlite file path)",
			pingpanel.DefaultEnvPrefix,
		)
	}
	if err := pingpanel.MigrateDatabase(cmd.Context(), cfg); err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	return nil
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
