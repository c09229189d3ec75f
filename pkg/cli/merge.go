package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/accounts-engine/pkg/models"
)

type planOptions struct {
	source      string
	destination string
	kind        string
	resolve     []string
	output      string
}

// request converts flag values into a plan request. Each --resolve value is
// SOURCE_CHILD=DESTINATION_CHILD or SOURCE_CHILD=reassign.
func (o planOptions) request() (models.PlanRequest, error) {
	var req models.PlanRequest
	src, err := uuid.Parse(o.source)
	if err != nil {
		return req, fmt.Errorf("invalid --source %q: %w", o.source, err)
	}
	dst, err := uuid.Parse(o.destination)
	if err != nil {
		return req, fmt.Errorf("invalid --destination %q: %w", o.destination, err)
	}
	req = models.PlanRequest{SourceID: src, DestinationID: dst, Kind: models.MergeKind(o.kind)}

	if len(o.resolve) > 0 {
		req.Resolutions = make(map[string]string, len(o.resolve))
		for _, r := range o.resolve {
			child, target, ok := strings.Cut(r, "=")
			if !ok || child == "" || target == "" {
				return req, fmt.Errorf("invalid --resolve %q (want CHILD=TARGET)", r)
			}
			req.Resolutions[child] = target
		}
	}
	return req, nil
}

type executeOptions struct {
	planFile string
	planID   string
	actor    string
	output   string
}

// cliActor is the identity recorded for merges run from the command line.
// Database access already implies administrative rights.
func cliActor(id string) models.Actor {
	return models.Actor{ID: id, Source: models.SourceCLI, CanAdminMutate: true}
}

// readPlanFile loads a plan previously written with "merge plan -o json".
func readPlanFile(path string) (*models.MergePlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan models.MergePlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}
	return &plan, nil
}

func newMergeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Plan and execute account or location merges",
	}
	cmd.AddCommand(newMergePlanCommand(version), newMergeExecuteCommand(version))
	return cmd
}

func newMergePlanCommand(version string) *cobra.Command {
	var opts planOptions

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute a merge plan without changing anything",
		Long: `Compute a merge plan without changing anything.

Examples:
  accounts-engine merge plan --source A --destination B -o json > plan.json
  accounts-engine merge plan --kind location --source L1 --destination L2 --resolve AGR1=reassign`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			svc, _ := a.consolidation()
			plan, err := svc.PlanMerge(cmd.Context(), req)
			if err != nil {
				return err
			}
			if plan.Unresolved {
				fmt.Fprintf(cmd.ErrOrStderr(), "plan %s has %d unresolved conflict(s); resolve them with --resolve before executing\n",
					plan.ID, len(plan.Conflicts))
			}
			return writeOutput(cmd.OutOrStdout(), plan, opts.output)
		},
	}

	cmd.Flags().StringVar(&opts.source, "source", "", "Entity that will be retired")
	cmd.Flags().StringVar(&opts.destination, "destination", "", "Entity that survives")
	cmd.Flags().StringVar(&opts.kind, "kind", string(models.MergeKindAccount), "account or location")
	cmd.Flags().StringArrayVar(&opts.resolve, "resolve", nil, "Resolve a conflict: SOURCE_CHILD=DESTINATION_CHILD or SOURCE_CHILD=reassign")
	cmd.Flags().StringVarP(&opts.output, "output", "o", formatYAML, "Output format: yaml or json")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}

func newMergeExecuteCommand(version string) *cobra.Command {
	var opts executeOptions

	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute a reviewed merge plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (opts.planFile == "") == (opts.planID == "") {
				return errors.New("exactly one of --plan-file or --plan-id is required")
			}

			var plan *models.MergePlan
			var planID uuid.UUID
			var err error
			if opts.planFile != "" {
				if plan, err = readPlanFile(opts.planFile); err != nil {
					return err
				}
			} else if planID, err = uuid.Parse(opts.planID); err != nil {
				return fmt.Errorf("invalid --plan-id %q: %w", opts.planID, err)
			}

			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			svc, _ := a.consolidation()
			var result *models.MergeResult
			if plan != nil {
				result, err = svc.ExecuteMerge(cmd.Context(), cliActor(opts.actor), plan)
			} else {
				result, err = svc.ExecutePlan(cmd.Context(), cliActor(opts.actor), planID)
			}
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), result, opts.output)
		},
	}

	cmd.Flags().StringVar(&opts.planFile, "plan-file", "", "JSON plan written by 'merge plan -o json'")
	cmd.Flags().StringVar(&opts.planID, "plan-id", "", "Id of a plan held in the plan cache")
	cmd.Flags().StringVar(&opts.actor, "actor", "", "Operator id recorded on the change log entry")
	cmd.Flags().StringVarP(&opts.output, "output", "o", formatYAML, "Output format: yaml or json")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}
