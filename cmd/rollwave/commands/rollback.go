package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rollwave/rollwave/pkg/platform"
	"github.com/rollwave/rollwave/pkg/proc"
)

func newRollbackCommand() *cobra.Command {
	var service string
	var image string

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll a service back to a previously saved configuration",
		Long: `Rollback restores a service to the configuration saved when it was
last upgraded away from the given image: the image itself, the service
parameters, and the user script. Artifacts live in the work directory;
if none exist for the service/image pair the command refuses to run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			runID := uuid.New().String()
			run := rt.newRun(runID)

			change := platform.Change{
				ID:      uuid.New().String(),
				Type:    platform.ChangeRollbackService,
				Service: service,
				Image:   image,
			}
			if err := proc.NewPlanRunner(run).Execute(ctx, []platform.Change{change}); err != nil {
				return err
			}
			fmt.Printf("rolled back %s to %s\n", service, image)
			return nil
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "service to roll back")
	cmd.Flags().StringVar(&image, "image", "", "image to roll back to")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}
