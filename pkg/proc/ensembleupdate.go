package proc

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/rollwave/rollwave/pkg/ensemble"
	"github.com/rollwave/rollwave/pkg/platform"
	"github.com/rollwave/rollwave/pkg/poll"
	"github.com/rollwave/rollwave/pkg/remote"
)

// EnsembleUpdate upgrades the coordination ensemble one member at a time,
// followers first and the leader last, so leadership moves exactly once.
// Every member must reconverge and report healthy before the next one
// restarts.
type EnsembleUpdate struct {
	change platform.Change
}

// NewEnsembleUpdate creates the procedure for one coordinator update
// Change.
func NewEnsembleUpdate(change platform.Change) *EnsembleUpdate {
	return &EnsembleUpdate{change: change}
}

// Summarize implements Procedure.
func (p *EnsembleUpdate) Summarize() string {
	return fmt.Sprintf("update coordination ensemble %s to image %s (followers first, leader last)",
		p.change.Service, p.change.Image)
}

// Execute implements Procedure.
func (p *EnsembleUpdate) Execute(ctx context.Context, run *Run) error {
	svc, err := run.Clients.Registry.GetService(ctx, p.change.Service)
	if err != nil {
		return NewClientError("read coordinator service record", err)
	}
	target, err := run.Clients.Images.GetImage(ctx, p.change.Image)
	if err != nil {
		return NewClientError("read target image", err)
	}
	insts, err := run.Clients.Registry.ListInstances(ctx, svc.ID)
	if err != nil {
		return NewClientError("list coordinator instances", err)
	}
	if len(insts) == 0 {
		return NewUsageError("coordinator service %s has no instances", svc.ID)
	}

	hosts := make([]string, 0, len(insts))
	for _, inst := range insts {
		hosts = append(hosts, inst.Host)
	}
	if err := checkHostsReachable(ctx, run, hosts); err != nil {
		return err
	}

	prober := ensemble.NewProber(run.Remote)
	members, err := prober.ProbeAll(ctx, insts)
	if err != nil {
		return Classify("probe ensemble members", err)
	}
	if !ensemble.Converged(members) {
		return NewUsageError("ensemble is not converged (roles: %s); wait for the election to settle or repair the ensemble before upgrading",
			roleSummary(members))
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

	// Datasets are checked on every member up front: finding a bad member
	// halfway through would strand the ensemble mid-roll.
	for _, m := range members {
		if err := st.EnsureDelegateDataset(ctx, m.Instance); err != nil {
			return err
		}
	}

	if err := st.UpdateServiceConfig(ctx); err != nil {
		return err
	}

	if len(members) == 1 {
		return p.updateStandalone(ctx, run, st, prober, members[0])
	}

	followers := ensemble.Followers(members)
	leader := ensemble.Leader(members)
	if leader == nil {
		return NewUsageError("ensemble reports no leader; repair the ensemble before upgrading")
	}

	run.progressf(ctx, "updating %d follower(s), then leader %s", len(followers), leader.Instance.ID)

	for _, f := range followers {
		if err := p.updateMember(ctx, run, st, prober, insts, f); err != nil {
			return err
		}
	}
	if err := p.updateMember(ctx, run, st, prober, insts, *leader); err != nil {
		return err
	}

	run.progressf(ctx, "coordination ensemble %s updated to image %s", svc.ID, target.ID)
	return nil
}

// updateMember rolls one ensemble member and holds until the whole
// ensemble has reconverged, settled, and reports healthy.
func (p *EnsembleUpdate) updateMember(ctx context.Context, run *Run, st *State, prober *ensemble.Prober, insts []platform.Instance, m ensemble.Member) error {
	inst := m.Instance
	if inst.CurrentImage == st.Target.ID {
		run.Log.WithField("instance", inst.ID).Info("member already on target image, skipping")
		return nil
	}

	run.progressf(ctx, "updating ensemble %s %s", m.Role, inst.ID)

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

	if err := p.waitConverged(ctx, run, prober, insts); err != nil {
		return err
	}
	if err := st.SettleWait(ctx); err != nil {
		return err
	}
	return p.waitHealthy(ctx, run, prober, insts)
}

// updateStandalone rolls a single-member deployment: no quorum to keep,
// but the member still has to come back serving.
func (p *EnsembleUpdate) updateStandalone(ctx context.Context, run *Run, st *State, prober *ensemble.Prober, m ensemble.Member) error {
	inst := m.Instance
	if inst.CurrentImage == st.Target.ID {
		run.Log.WithField("instance", inst.ID).Info("member already on target image, skipping")
		return nil
	}

	run.progressf(ctx, "updating standalone coordinator %s", inst.ID)

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
	return p.waitHealthy(ctx, run, prober, []platform.Instance{inst})
}

// transientProbe reports whether a probe failure is worth waiting out.
// A restarting member drops connections, so transport errors count as
// not-yet-converged; a member that answers with malformed output or an
// unexpected exit is a real failure and propagates immediately. Probe
// errors arrive aggregated, so every member's error must be transient.
func transientProbe(err error) bool {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		if len(merr.Errors) == 0 {
			return false
		}
		for _, e := range merr.Errors {
			if !remote.IsTemporary(e) {
				return false
			}
		}
		return true
	}
	return remote.IsTemporary(err)
}

// waitConverged polls until every member reports a stable role. Transport
// failures count as not-converged (a restarting member drops connections,
// the poll budget bounds the wait); mid-election members answer with a
// transitioning role rather than an error.
func (p *EnsembleUpdate) waitConverged(ctx context.Context, run *Run, prober *ensemble.Prober, insts []platform.Instance) error {
	spec := run.Budgets.ensemblePoll("ensemble-converge")
	spec.Transient = transientProbe
	spec.OnAttempt = func(int, string) {
		if run.Metrics != nil {
			run.Metrics.PollAttempt("ensemble-converge")
		}
	}
	_, err := poll.Until(ctx, spec, func(ctx context.Context) (string, error) {
		members, err := prober.ProbeAll(ctx, insts)
		if err != nil {
			return "", err
		}
		if ensemble.Converged(members) {
			return "converged", nil
		}
		return roleSummary(members), nil
	}, "converged")
	if err != nil {
		return Classify("ensemble did not reconverge", err)
	}
	return nil
}

// waitHealthy polls until every member answers the health probe with an
// exact ok.
func (p *EnsembleUpdate) waitHealthy(ctx context.Context, run *Run, prober *ensemble.Prober, insts []platform.Instance) error {
	spec := run.Budgets.ensemblePoll("ensemble-health")
	spec.Transient = transientProbe
	spec.OnAttempt = func(int, string) {
		if run.Metrics != nil {
			run.Metrics.PollAttempt("ensemble-health")
		}
	}
	_, err := poll.Until(ctx, spec, func(ctx context.Context) (string, error) {
		for _, inst := range insts {
			ok, err := prober.Health(ctx, inst)
			if err != nil {
				return "", err
			}
			if !ok {
				return "unhealthy:" + inst.ID, nil
			}
		}
		return "healthy", nil
	}, "healthy")
	if err != nil {
		return Classify("ensemble did not report healthy", err)
	}
	run.progressf(ctx, "ensemble healthy")
	return nil
}

func roleSummary(members []ensemble.Member) string {
	out := ""
	for i, m := range members {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s=%s", m.Instance.ID, m.Role)
	}
	return out
}
