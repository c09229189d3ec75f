// Package cli implements the accounts-engine command line: the API server
// and the administrative commands that share its configuration.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the command tree.
func NewRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "accounts-engine",
		Short: "Entity consolidation and audit engine for clinic accounts",
		Long: `accounts-engine merges duplicate accounts and locations, applies
scraped field values to locations, and records every mutation in an
append-only change log.

Configuration comes from ./config.yaml with environment overrides.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCommand(version),
		newMigrateCommand(version),
		newChangeLogCommand(version),
		newMergeCommand(version),
	)
	return root
}
