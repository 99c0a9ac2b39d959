package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past runs",
		Long: `History lists recent runs from the run database. With a run ID it
prints that run's changes and progress events.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if len(args) == 1 {
				return printRun(cmd, rt, args[0])
			}

			runs, err := rt.history.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}
			for _, r := range runs {
				fmt.Printf("%s  %-9s  %2d changes  %s  %s\n",
					r.ID, r.Status, r.Changes,
					r.StartedAt.Format(time.RFC3339), durationOf(r.StartedAt, r.CompletedAt))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")

	return cmd
}

func printRun(cmd *cobra.Command, rt *runtime, runID string) error {
	ctx := cmd.Context()

	run, changes, err := rt.history.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Printf("run %s  %s  started %s  %s\n",
		run.ID, run.Status, run.StartedAt.Format(time.RFC3339),
		durationOf(run.StartedAt, run.CompletedAt))
	for _, c := range changes {
		fmt.Printf("  %s  %-16s %-20s -> %-16s %-9s %s\n",
			c.ID, c.Type, c.Service, c.Image, c.Status, c.Message)
	}

	events, err := rt.history.ListEvents(ctx, runID)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Printf("  %s  %s\n", e.CreatedAt.Format("15:04:05"), e.Message)
	}
	return nil
}

func durationOf(start time.Time, end *time.Time) string {
	if end == nil {
		return "running"
	}
	return end.Sub(start).Round(time.Second).String()
}
