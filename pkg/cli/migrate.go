package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/accounts-engine/pkg/database"
)

func newMigrateCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), version)
				if err != nil {
					return err
				}
				defer a.Close()
				return a.migrate()
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back applied migrations (default 1)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n < 1 {
						return fmt.Errorf("steps must be a positive integer, got %q", args[0])
					}
					steps = n
				}

				a, err := newApp(cmd.Context(), version)
				if err != nil {
					return err
				}
				defer a.Close()

				sqlDB := a.db.SQLDB()
				defer sqlDB.Close()
				return database.RollbackMigrations(sqlDB, steps, a.logger)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), version)
				if err != nil {
					return err
				}
				defer a.Close()

				sqlDB := a.db.SQLDB()
				defer sqlDB.Close()
				v, dirty, err := database.MigrationVersion(sqlDB, a.logger)
				if err != nil {
					return fmt.Errorf("failed to read schema version: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
				return nil
			},
		},
	)
	return cmd
}
