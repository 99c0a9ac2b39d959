package proc

import (
	"context"
	"fmt"

	"github.com/rollwave/rollwave/pkg/platform"
)

// StatelessUpdate upgrades a service with no replication state. Instances
// are independent, so they roll with bounded concurrency: image onto the
// host first, then the registry record, then reprovision, then wait for
// the instance to come back.
type StatelessUpdate struct {
	change platform.Change
}

// NewStatelessUpdate creates the procedure for one update-service or
// update-instance Change.
func NewStatelessUpdate(change platform.Change) *StatelessUpdate {
	return &StatelessUpdate{change: change}
}

// Summarize implements Procedure.
func (p *StatelessUpdate) Summarize() string {
	scope := "all instances"
	if len(p.change.Instances) > 0 {
		scope = fmt.Sprintf("%d instance(s)", len(p.change.Instances))
	}
	return fmt.Sprintf("update service %s to image %s (%s)", p.change.Service, p.change.Image, scope)
}

// Execute implements Procedure.
func (p *StatelessUpdate) Execute(ctx context.Context, run *Run) error {
	svc, err := run.Clients.Registry.GetService(ctx, p.change.Service)
	if err != nil {
		return NewClientError("read service record", err)
	}
	target, err := run.Clients.Images.GetImage(ctx, p.change.Image)
	if err != nil {
		return NewClientError("read target image", err)
	}

	if svc.Kind == platform.KindAgent {
		return p.updateAgents(ctx, run, svc, target)
	}

	insts, err := run.Clients.Registry.ListInstances(ctx, svc.ID)
	if err != nil {
		return NewClientError("list service instances", err)
	}
	insts = filterInstances(insts, p.change.Instances)
	if len(insts) == 0 {
		return NewUsageError("service %s has no matching instances to update", svc.ID)
	}

	// Registry records are intent; the instance manager is the live view.
	// A record with no live counterpart means the deployment needs repair
	// before a roll can mean anything.
	live, err := run.Clients.Instances.ListInstances(ctx, platform.InstanceFilter{Service: svc.ID})
	if err != nil {
		return NewClientError("list live instances", err)
	}
	liveByID := make(map[string]bool, len(live))
	for _, l := range live {
		liveByID[l.ID] = true
	}
	hosts := make([]string, 0, len(insts))
	for _, inst := range insts {
		if !liveByID[inst.ID] {
			return NewValidationError("instance %s is registered but not live; repair or remove the record before updating", inst.ID)
		}
		hosts = append(hosts, inst.Host)
	}
	if err := checkHostsReachable(ctx, run, hosts); err != nil {
		return err
	}

	st := NewState(run, svc, target)
	if err := st.GetUserScript(ctx); err != nil {
		return err
	}
	if err := st.GetOldUserScript(ctx); err != nil {
		return err
	}
	if err := st.SaveRollbackArtifacts(ctx); err != nil {
		return err
	}
	if err := st.UpdateServiceConfig(ctx); err != nil {
		return err
	}

	run.progressf(ctx, "updating %d %s instance(s) to image %s", len(insts), svc.ID, target.ID)

	err = fanOut(ctx, insts, func(ctx context.Context, inst platform.Instance) error {
		return p.updateOne(ctx, run, st, inst)
	})
	if err != nil {
		return Classify(fmt.Sprintf("update service %s", svc.ID), err)
	}

	run.progressf(ctx, "service %s updated to image %s", svc.ID, target.ID)
	return nil
}

// updateOne rolls a single instance. The image lands on the host before
// the instance record changes, so a crash between the two leaves the old
// instance intact and re-runnable.
func (p *StatelessUpdate) updateOne(ctx context.Context, run *Run, st *State, inst platform.Instance) error {
	if inst.CurrentImage == st.Target.ID {
		run.Log.WithService(st.Service.ID).WithField("instance", inst.ID).
			Info("instance already on target image, skipping")
		return nil
	}

	if err := st.InstallImage(ctx, inst.Host); err != nil {
		return err
	}
	if err := st.UpdateInstanceConfig(ctx, &inst, map[string]string{"image": st.Target.ID}); err != nil {
		return err
	}
	if err := st.Reprovision(ctx, &inst); err != nil {
		return err
	}
	if err := st.WaitInstanceUp(ctx, &inst); err != nil {
		return err
	}
	if err := st.SettleWait(ctx); err != nil {
		return err
	}
	run.progressf(ctx, "instance %s (%s) updated", inst.ID, inst.Alias)
	return nil
}

// updateAgents rolls a per-host agent service through the host manager's
// asynchronous install tasks.
func (p *StatelessUpdate) updateAgents(ctx context.Context, run *Run, svc *platform.Service, target *platform.Image) error {
	hosts := p.change.Servers
	if len(hosts) == 0 {
		all, err := run.Clients.Hosts.ListHosts(ctx)
		if err != nil {
			return NewClientError("list hosts", err)
		}
		for _, h := range all {
			hosts = append(hosts, h.ID)
		}
	}
	if len(hosts) == 0 {
		return NewUsageError("agent service %s has no target hosts", svc.ID)
	}
	if err := checkHostsReachable(ctx, run, hosts); err != nil {
		return err
	}

	st := NewState(run, svc, target)
	if err := st.SaveRollbackArtifacts(ctx); err != nil {
		return err
	}
	if err := st.UpdateServiceConfig(ctx); err != nil {
		return err
	}

	run.progressf(ctx, "installing agent %s image %s on %d host(s)", svc.ID, target.ID, len(hosts))

	err := fanOut(ctx, hosts, func(ctx context.Context, hostID string) error {
		task, err := run.Clients.Hosts.InstallAgent(ctx, hostID, target.ID)
		if err != nil {
			return NewClientError(fmt.Sprintf("install agent on %s", hostID), err)
		}
		return st.WaitTask(ctx, task.ID)
	})
	if err != nil {
		return Classify(fmt.Sprintf("update agent service %s", svc.ID), err)
	}

	run.progressf(ctx, "agent service %s updated on %d host(s)", svc.ID, len(hosts))
	return nil
}

// filterInstances keeps only the named instances; an empty filter keeps
// everything.
func filterInstances(insts []platform.Instance, only []string) []platform.Instance {
	if len(only) == 0 {
		return insts
	}
	want := make(map[string]bool, len(only))
	for _, id := range only {
		want[id] = true
	}
	var out []platform.Instance
	for _, inst := range insts {
		if want[inst.ID] || want[inst.Alias] {
			out = append(out, inst)
		}
	}
	return out
}
