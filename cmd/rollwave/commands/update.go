package commands

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rollwave/rollwave/pkg/platform"
	"github.com/rollwave/rollwave/pkg/proc"
)

// planFile is the on-disk plan format: an ordered list of changes that
// execute strictly one after another.
type planFile struct {
	Changes []platform.Change `yaml:"changes"`
}

func loadPlan(path string) ([]platform.Change, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, proc.NewUsageError("read plan: %v", err)
	}

	var plan planFile
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, proc.NewUsageError("parse plan %s: %v", path, err)
	}
	if len(plan.Changes) == 0 {
		return nil, proc.NewUsageError("plan %s contains no changes", path)
	}

	for i := range plan.Changes {
		if plan.Changes[i].ID == "" {
			plan.Changes[i].ID = uuid.New().String()
		}
	}
	return plan.Changes, nil
}

func newUpdateCommand() *cobra.Command {
	var planPath string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Execute an update plan",
		Long: `Update executes the changes in a plan file, in order. A change that
fails stops the run; changes after it do not execute.

With --dry-run the plan is only summarized, nothing is touched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			changes, err := loadPlan(planPath)
			if err != nil {
				return err
			}

			if dryRun {
				rt, err := newRuntime(ctx, false)
				if err != nil {
					return err
				}
				defer rt.close(ctx)

				run := rt.newRun(uuid.New().String())
				summaries, err := proc.NewPlanRunner(run).Plan(changes)
				if err != nil {
					return err
				}
				for i, s := range summaries {
					fmt.Printf("%d. %s\n", i+1, s)
				}
				return nil
			}

			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			runID := uuid.New().String()
			run := rt.newRun(runID)
			rt.log.WithRunID(runID).Infof("Starting run with %d changes", len(changes))

			if err := proc.NewPlanRunner(run).Execute(ctx, changes); err != nil {
				return err
			}
			fmt.Printf("run %s completed\n", runID)
			return nil
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "plan file (YAML)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "summarize the plan without executing")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}
