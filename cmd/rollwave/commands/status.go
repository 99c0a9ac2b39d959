package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rollwave/rollwave/pkg/ensemble"
	"github.com/rollwave/rollwave/pkg/proc"
	"github.com/rollwave/rollwave/pkg/shard"
)

func newStatusCommand() *cobra.Command {
	var showShard bool
	var showEnsemble bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show live replication topology or ensemble membership",
		Long: `Status probes the running members directly and prints what they
report. The registry is only consulted to find the members; roles come
from the members themselves.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if !showShard && !showEnsemble {
				return proc.NewUsageError("specify --shard or --ensemble")
			}

			rt, err := newRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if showShard {
				if err := printShardStatus(ctx, rt); err != nil {
					return err
				}
			}
			if showEnsemble {
				if err := printEnsembleStatus(ctx, rt); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showShard, "shard", false, "show replicated database topology")
	cmd.Flags().BoolVar(&showEnsemble, "ensemble", false, "show coordination ensemble membership")

	return cmd
}

func printShardStatus(ctx context.Context, rt *runtime) error {
	insts, err := rt.clients.Registry.ListInstances(ctx, proc.ServiceDatabase)
	if err != nil {
		return err
	}
	if len(insts) == 0 {
		return proc.NewUsageError("no %s instances registered", proc.ServiceDatabase)
	}

	topo, err := shard.NewProber(rt.remote).SnapshotViaPrimary(ctx, insts[0].Host)
	if err != nil {
		return err
	}

	images := make(map[string]string, len(insts))
	for _, inst := range insts {
		images[inst.ID] = inst.CurrentImage
	}

	fmt.Printf("%s topology (writes %s)\n", proc.ServiceDatabase, frozenWord(topo.Frozen))
	printShardMember("primary", topo.Primary, images)
	printShardMember("sync", topo.Sync, images)
	for i := range topo.Async {
		printShardMember("async", &topo.Async[i], images)
	}
	for i := range topo.Deposed {
		printShardMember("deposed", &topo.Deposed[i], images)
	}
	return nil
}

func printShardMember(role string, m *shard.Member, images map[string]string) {
	if m == nil {
		fmt.Printf("  %-8s (none)\n", role)
		return
	}
	img := images[m.Instance]
	if img == "" {
		img = "?"
	}
	fmt.Printf("  %-8s %-16s host=%s image=%s\n", role, m.Instance, m.Host, img)
}

func frozenWord(frozen bool) string {
	if frozen {
		return "frozen"
	}
	return "open"
}

func printEnsembleStatus(ctx context.Context, rt *runtime) error {
	insts, err := rt.clients.Registry.ListInstances(ctx, proc.ServiceCoordinator)
	if err != nil {
		return err
	}
	if len(insts) == 0 {
		return proc.NewUsageError("no %s instances registered", proc.ServiceCoordinator)
	}

	members, err := ensemble.NewProber(rt.remote).ProbeAll(ctx, insts)
	if err != nil {
		// Partial probe results are still worth showing; failed members
		// come back with role unknown.
		fmt.Printf("warning: %v\n", err)
	}

	converged := "converged"
	if !ensemble.Converged(members) {
		converged = "not converged"
	}
	fmt.Printf("%s ensemble (%s)\n", proc.ServiceCoordinator, converged)
	for _, m := range members {
		fmt.Printf("  %-14s %-16s host=%s image=%s\n",
			m.Role, m.Instance.ID, m.Instance.Host, m.Instance.CurrentImage)
	}
	return nil
}
