package cmd

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-respond/cli/pkg/output"
	"github.com/telhawk-systems/telhawk-respond/common/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  "Apply every pending migration to the configured PostgreSQL database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		source := cfg.Database.MigrationsPath
		if path, _ := cmd.Flags().GetString("path"); path != "" {
			source = path
		}

		version, err := database.Migrate(source, cfg.Database.Postgres.ConnString())
		if err != nil {
			return err
		}
		output.Success(cmd.OutOrStdout(), "Schema at version %d", version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("path", "", "migration source URL (default database.migrations_path)")
}
