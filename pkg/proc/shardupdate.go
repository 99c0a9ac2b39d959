package proc

import (
	"context"
	"fmt"

	"github.com/rollwave/rollwave/pkg/platform"
	"github.com/rollwave/rollwave/pkg/poll"
	"github.com/rollwave/rollwave/pkg/remote"
	"github.com/rollwave/rollwave/pkg/shard"
)

// Version gates for the replicated database upgrade. Build stamps compare
// lexicographically (fixed-width UTC timestamps).
const (
	// facadeMinBuild is the oldest database-facade build that speaks the
	// replication-aware discovery protocol the new database requires.
	facadeMinBuild = "20240115T000000Z"

	// sourceMinBuild is the oldest database build this procedure can
	// upgrade from in one hop.
	sourceMinBuild = "20231001T000000Z"

	// freezeMinBuild is the first database build whose admin tool
	// supports freezing cluster writes.
	freezeMinBuild = "20231115T000000Z"

	// protocolModeMaxBuild gates the transitional wire-protocol flag on
	// the facade: targets older than this still need legacy mode.
	protocolModeMaxBuild = "20240301T000000Z"

	// protocolModeParam is the facade service parameter holding the flag.
	protocolModeParam = "db-protocol-mode"
)

// dependentServices are quiesced around a database upgrade, in disable
// order. Re-enable runs in reverse: the facade comes back and is awaited
// before anything that talks through it.
var dependentServices = []string{ServiceWorkflowRunner, ServiceWorkflowAPI, ServiceFacade}

// ShardUpdate upgrades the replicated metadata database while preserving
// its write availability guarantees. Topology comes from the live shard on
// every decision; members roll asynchronous replicas first, then the
// synchronous replica, then the primary.
type ShardUpdate struct {
	change platform.Change
}

// NewShardUpdate creates the procedure for one database update Change.
func NewShardUpdate(change platform.Change) *ShardUpdate {
	return &ShardUpdate{change: change}
}

// Summarize implements Procedure.
func (p *ShardUpdate) Summarize() string {
	return fmt.Sprintf("update replicated database %s to image %s (async, sync, then primary)",
		p.change.Service, p.change.Image)
}

// Execute implements Procedure.
func (p *ShardUpdate) Execute(ctx context.Context, run *Run) error {
	svc, err := run.Clients.Registry.GetService(ctx, p.change.Service)
	if err != nil {
		return NewClientError("read database service record", err)
	}
	target, err := run.Clients.Images.GetImage(ctx, p.change.Image)
	if err != nil {
		return NewClientError("read target image", err)
	}
	current, err := run.Clients.Images.GetImage(ctx, svc.CurrentImage)
	if err != nil {
		return NewClientError("read current database image", err)
	}

	if err := p.checkVersionGates(ctx, run, current, target); err != nil {
		return err
	}

	insts, err := run.Clients.Registry.ListInstances(ctx, svc.ID)
	if err != nil {
		return NewClientError("list database instances", err)
	}
	if len(insts) == 0 {
		return NewUsageError("database service %s has no instances", svc.ID)
	}

	// The HA branch is fixed here, before any mutation, and never
	// re-evaluated mid-change.
	ha := len(insts) > 1

	hosts := make([]string, 0, len(insts))
	for _, inst := range insts {
		hosts = append(hosts, inst.Host)
	}
	if err := checkHostsReachable(ctx, run, hosts); err != nil {
		return err
	}

	prober := shard.NewProber(run.Remote)
	topo, err := prober.SnapshotViaPrimary(ctx, insts[0].Host)
	if err != nil {
		return Classify("probe shard topology", err)
	}
	if err := p.checkTopology(topo, ha); err != nil {
		return err
	}

	byID := make(map[string]*platform.Instance, len(insts))
	for i := range insts {
		byID[insts[i].ID] = &insts[i]
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
	if err := p.setProtocolMode(ctx, run, target); err != nil {
		return err
	}

	if err := p.quiesceDependents(ctx, run, st); err != nil {
		return err
	}

	if ha {
		err = p.updateHA(ctx, run, st, prober, topo, byID, current)
	} else {
		err = p.updateSingle(ctx, run, st, prober, &insts[0])
	}
	if err != nil {
		return &Error{
			Kind:    KindOf(err),
			Message: "database upgrade aborted; dependent services are still disabled, re-enable them with `rollwave status --shard` guidance once the shard is repaired",
			Err:     err,
		}
	}

	if err := p.resumeDependents(ctx, run, st); err != nil {
		return err
	}

	run.progressf(ctx, "database service %s updated to image %s", svc.ID, target.ID)
	return nil
}

// checkVersionGates rejects upgrades the surrounding deployment cannot
// survive. These are answers about the deployment, not the request, so
// they classify as validation failures.
func (p *ShardUpdate) checkVersionGates(ctx context.Context, run *Run, current, target *platform.Image) error {
	facade, err := run.Clients.Registry.GetService(ctx, ServiceFacade)
	if err != nil {
		return NewClientError("read facade service record", err)
	}
	facadeImg, err := run.Clients.Images.GetImage(ctx, facade.CurrentImage)
	if err != nil {
		return NewClientError("read facade image", err)
	}
	if platform.CompareBuildStamps(facadeImg.BuildStamp, facadeMinBuild) < 0 {
		return NewValidationError("deployed %s build %s predates %s; upgrade %s before the database",
			ServiceFacade, facadeImg.BuildStamp, facadeMinBuild, ServiceFacade)
	}

	if platform.CompareBuildStamps(current.BuildStamp, sourceMinBuild) < 0 {
		return NewValidationError("database build %s predates %s; this jump needs an intermediate upgrade",
			current.BuildStamp, sourceMinBuild)
	}
	return nil
}

// checkTopology rejects shard states this procedure must not touch.
func (p *ShardUpdate) checkTopology(topo *shard.Topology, ha bool) error {
	if len(topo.Deposed) > 0 {
		names := make([]string, 0, len(topo.Deposed))
		for _, m := range topo.Deposed {
			names = append(names, m.Instance)
		}
		return NewUsageError("shard has deposed member(s) %v; rebuild them with `shardadm rebuild` before upgrading", names)
	}
	if topo.Frozen {
		return NewUsageError("shard writes are frozen, likely by an earlier aborted run; inspect and `shardadm unfreeze` before retrying")
	}
	if ha && (topo.Sync == nil || len(topo.Async) == 0) {
		return NewUsageError("shard HA chain is incomplete (need primary, sync, and at least one async); repair the chain with `shardadm rebuild` before upgrading")
	}
	return nil
}

// setProtocolMode maintains the transitional wire-protocol flag on the
// facade. The flag is version-gated, never unconditional: old targets need
// it set, new targets need it gone.
func (p *ShardUpdate) setProtocolMode(ctx context.Context, run *Run, target *platform.Image) error {
	facade, err := run.Clients.Registry.GetService(ctx, ServiceFacade)
	if err != nil {
		return NewClientError("read facade service record", err)
	}

	needLegacy := platform.CompareBuildStamps(target.BuildStamp, protocolModeMaxBuild) < 0
	current, present := facade.Params[protocolModeParam]

	switch {
	case needLegacy && current == "legacy":
		return nil
	case !needLegacy && !present:
		return nil
	}

	update := *facade
	update.Params = copyParams(facade.Params)
	if needLegacy {
		update.Params[protocolModeParam] = "legacy"
		run.progressf(ctx, "setting %s=legacy on %s for pre-%s database", protocolModeParam, ServiceFacade, protocolModeMaxBuild)
	} else {
		delete(update.Params, protocolModeParam)
		run.progressf(ctx, "clearing %s on %s", protocolModeParam, ServiceFacade)
	}
	if err := run.Clients.Registry.UpdateService(ctx, &update); err != nil {
		return NewClientError("update facade protocol mode", err)
	}
	return nil
}

// quiesceDependents disables everything that writes through the database,
// consumers before the facade they consume.
func (p *ShardUpdate) quiesceDependents(ctx context.Context, run *Run, st *State) error {
	for _, name := range dependentServices {
		insts, err := run.Clients.Registry.ListInstances(ctx, name)
		if err != nil {
			return NewClientError(fmt.Sprintf("list %s instances", name), err)
		}
		run.progressf(ctx, "disabling %d %s instance(s)", len(insts), name)
		if err := fanOut(ctx, insts, st.DisableInstance); err != nil {
			return Classify(fmt.Sprintf("disable %s", name), err)
		}
	}
	return nil
}

// resumeDependents re-enables the quiesced services in reverse: the facade
// first, awaited until responsive, then its consumers.
func (p *ShardUpdate) resumeDependents(ctx context.Context, run *Run, st *State) error {
	for i := len(dependentServices) - 1; i >= 0; i-- {
		name := dependentServices[i]
		insts, err := run.Clients.Registry.ListInstances(ctx, name)
		if err != nil {
			return NewClientError(fmt.Sprintf("list %s instances", name), err)
		}
		run.progressf(ctx, "enabling %d %s instance(s)", len(insts), name)
		if err := fanOut(ctx, insts, st.EnableInstance); err != nil {
			return Classify(fmt.Sprintf("enable %s", name), err)
		}
		if name == ServiceFacade {
			err := fanOut(ctx, insts, func(ctx context.Context, inst platform.Instance) error {
				return st.WaitInstanceUp(ctx, &inst)
			})
			if err != nil {
				return Classify("await facade instances", err)
			}
		}
	}
	return nil
}

// updateHA rolls a multi-member shard: every async replica, then (frozen)
// the sync replica, then the primary, with the chain re-verified from the
// live shard after each member.
func (p *ShardUpdate) updateHA(ctx context.Context, run *Run, st *State, prober *shard.Prober, topo *shard.Topology, byID map[string]*platform.Instance, current *platform.Image) error {
	primaryHost := topo.Primary.Host

	for _, m := range topo.Async {
		if err := p.updateMember(ctx, run, st, prober, primaryHost, m, shard.RoleAsync, byID); err != nil {
			return err
		}
	}

	// Writes freeze exactly once, immediately before the sync phase, so
	// the chain cannot reshuffle under the promotion-critical members.
	// The gate is the running build: the admin tool taking the freeze is
	// the pre-upgrade one.
	frozen := false
	if platform.CompareBuildStamps(current.BuildStamp, freezeMinBuild) >= 0 {
		run.progressf(ctx, "freezing shard writes")
		if err := prober.Freeze(ctx, primaryHost, "upgrade to "+st.Target.ID); err != nil {
			return Classify("freeze shard writes", err)
		}
		frozen = true
	} else {
		run.Log.Warnf("running build %s predates freeze support %s, proceeding unfrozen", current.BuildStamp, freezeMinBuild)
	}

	if topo.Sync != nil {
		if err := p.updateMember(ctx, run, st, prober, primaryHost, *topo.Sync, shard.RoleSync, byID); err != nil {
			return err
		}
	}

	// The primary reprovisions last; the sync takes over and the old
	// primary rejoins at the tail of the chain.
	oldPrimary := *topo.Primary
	run.progressf(ctx, "updating primary %s (the sync will take over)", oldPrimary.Instance)
	inst, ok := byID[oldPrimary.Instance]
	if !ok {
		return NewInternalError("shard member not in registry", fmt.Errorf("instance %s", oldPrimary.Instance))
	}
	if err := st.EnsureDelegateDataset(ctx, *inst); err != nil {
		return err
	}
	if err := st.InstallImage(ctx, inst.Host); err != nil {
		return err
	}
	if err := st.UpdateInstanceConfig(ctx, inst, map[string]string{"image": st.Target.ID}); err != nil {
		return err
	}
	if err := st.Reprovision(ctx, inst); err != nil {
		return err
	}
	if err := st.WaitInstanceUp(ctx, inst); err != nil {
		return err
	}

	// The seed for the final verification is the promoted sync, since the
	// old primary's position is unknown until the chain settles.
	seed := primaryHost
	if topo.Sync != nil {
		seed = topo.Sync.Host
	}
	final, err := p.waitQuorum(ctx, run, prober, seed)
	if err != nil {
		return err
	}

	if frozen {
		run.progressf(ctx, "unfreezing shard writes")
		if err := prober.Unfreeze(ctx, final.Primary.Host); err != nil {
			return Classify("unfreeze shard writes", err)
		}
	}
	return nil
}

// updateMember rolls one non-primary member and waits for it to rejoin the
// chain in the expected role.
func (p *ShardUpdate) updateMember(ctx context.Context, run *Run, st *State, prober *shard.Prober, primaryHost string, m shard.Member, role shard.Role, byID map[string]*platform.Instance) error {
	inst, ok := byID[m.Instance]
	if !ok {
		return NewInternalError("shard member not in registry", fmt.Errorf("instance %s", m.Instance))
	}
	if inst.CurrentImage == st.Target.ID {
		run.Log.WithField("instance", inst.ID).Info("member already on target image, skipping")
		return nil
	}

	run.progressf(ctx, "updating %s member %s", role, m.Instance)

	if err := st.EnsureDelegateDataset(ctx, *inst); err != nil {
		return err
	}
	if err := st.InstallImage(ctx, inst.Host); err != nil {
		return err
	}
	if err := st.UpdateInstanceConfig(ctx, inst, map[string]string{"image": st.Target.ID}); err != nil {
		return err
	}
	if err := st.Reprovision(ctx, inst); err != nil {
		return err
	}
	if err := st.WaitInstanceUp(ctx, inst); err != nil {
		return err
	}

	spec := run.Budgets.shardPoll("shard-role:" + m.Instance)
	spec.Transient = remote.IsTemporary
	spec.OnAttempt = func(int, string) {
		if run.Metrics != nil {
			run.Metrics.PollAttempt("shard-role")
		}
	}
	_, err := poll.Until(ctx, spec, func(ctx context.Context) (string, error) {
		topo, err := prober.Snapshot(ctx, primaryHost)
		if err != nil {
			return "", err
		}
		return string(topo.RoleOf(m.Instance)), nil
	}, string(role))
	if err != nil {
		return Classify(fmt.Sprintf("member %s did not rejoin as %s", m.Instance, role), err)
	}
	return nil
}

// waitQuorum polls until the shard reports a full healthy chain and
// returns the converged topology.
func (p *ShardUpdate) waitQuorum(ctx context.Context, run *Run, prober *shard.Prober, seedHost string) (*shard.Topology, error) {
	var final *shard.Topology
	spec := run.Budgets.shardPoll("shard-quorum")
	spec.Transient = remote.IsTemporary
	spec.OnAttempt = func(int, string) {
		if run.Metrics != nil {
			run.Metrics.PollAttempt("shard-quorum")
		}
	}
	_, err := poll.Until(ctx, spec, func(ctx context.Context) (string, error) {
		topo, err := prober.SnapshotViaPrimary(ctx, seedHost)
		if err != nil {
			return "", err
		}
		final = topo
		if topo.HasQuorum() {
			return "quorum", nil
		}
		return "partial", nil
	}, "quorum")
	if err != nil {
		return nil, Classify("shard did not regain quorum", err)
	}
	run.progressf(ctx, "shard quorum verified")
	return final, nil
}

// updateSingle rolls a one-member shard by standing up a disposable
// instance to hold reads while the real member reprovisions.
func (p *ShardUpdate) updateSingle(ctx context.Context, run *Run, st *State, prober *shard.Prober, inst *platform.Instance) error {
	if inst.CurrentImage == st.Target.ID {
		run.Log.WithField("instance", inst.ID).Info("instance already on target image, skipping")
		return nil
	}

	if err := st.EnsureDelegateDataset(ctx, *inst); err != nil {
		return err
	}
	if err := st.InstallImage(ctx, inst.Host); err != nil {
		return err
	}

	run.progressf(ctx, "creating temporary database instance on %s", inst.Host)
	tmp, err := run.Clients.Registry.CreateInstance(ctx, st.Service.ID, &platform.Instance{
		Alias: inst.Alias + "-tmp",
		Host:  inst.Host,
	})
	if err != nil {
		return NewClientError("create temporary instance", err)
	}
	if err := st.WaitInstanceUp(ctx, tmp); err != nil {
		return err
	}
	if err := st.VerifyNoServiceErrors(ctx, *tmp); err != nil {
		return err
	}
	if err := st.SettleWait(ctx); err != nil {
		return err
	}

	if err := st.UpdateInstanceConfig(ctx, inst, map[string]string{"image": st.Target.ID}); err != nil {
		return err
	}
	if err := st.Reprovision(ctx, inst); err != nil {
		return err
	}
	if err := st.WaitInstanceUp(ctx, inst); err != nil {
		return err
	}

	// The member must be serving again before the stand-in goes away.
	spec := run.Budgets.shardPoll("shard-single")
	spec.Transient = remote.IsTemporary
	_, err = poll.Until(ctx, spec, func(ctx context.Context) (string, error) {
		topo, err := prober.Snapshot(ctx, inst.Host)
		if err != nil {
			return "", err
		}
		if topo.Primary != nil && topo.Primary.Instance == inst.ID {
			return "serving", nil
		}
		return "waiting", nil
	}, "serving")
	if err != nil {
		return Classify("database did not resume serving", err)
	}

	run.progressf(ctx, "removing temporary instance %s", tmp.ID)
	if err := run.Clients.Registry.DeleteInstance(ctx, tmp.ID); err != nil {
		return NewClientError("delete temporary instance", err)
	}
	return nil
}
