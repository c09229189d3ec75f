package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/accounts-engine/pkg/models"
)

type changeLogOptions struct {
	entityID   string
	entityType string
	action     string
	limit      int
	output     string
}

// filters converts flag values into query filters.
func (o changeLogOptions) filters() (models.ChangeLogFilters, error) {
	f := models.ChangeLogFilters{
		ActionType: models.ActionType(o.action),
		EntityType: o.entityType,
		Limit:      o.limit,
	}
	if o.entityID != "" {
		id, err := uuid.Parse(o.entityID)
		if err != nil {
			return f, fmt.Errorf("invalid --entity-id %q: %w", o.entityID, err)
		}
		f.EntityID = &id
	}
	return f, nil
}

func newChangeLogCommand(version string) *cobra.Command {
	var opts changeLogOptions

	cmd := &cobra.Command{
		Use:   "changelog",
		Short: "Show change log entries, newest first",
		Long: `Show change log entries, newest first.

Examples:
  accounts-engine changelog --limit 20
  accounts-engine changelog --entity-id 6f1c... --output json
  accounts-engine changelog --action merge_account --output text`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := opts.filters()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			_, ledger := a.consolidation()
			entries, err := ledger.Query(cmd.Context(), filters)
			if err != nil {
				return err
			}

			if opts.output == formatText {
				return writeChangeLogText(cmd.OutOrStdout(), entries)
			}
			return writeOutput(cmd.OutOrStdout(), entries, opts.output)
		},
	}

	cmd.Flags().StringVar(&opts.entityID, "entity-id", "", "Only entries for this entity (subject or related)")
	cmd.Flags().StringVar(&opts.entityType, "entity-type", "", "Only entries for this entity type")
	cmd.Flags().StringVar(&opts.action, "action", "", "Only entries with this action type")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Maximum entries (0 = configured default)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", formatYAML, "Output format: yaml, json or text")
	return cmd
}
