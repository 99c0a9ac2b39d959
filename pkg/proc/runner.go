package proc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rollwave/rollwave/pkg/platform"
	"github.com/rollwave/rollwave/pkg/rollback"
	"github.com/rollwave/rollwave/pkg/telemetry"
)

// ProcedureFor maps a Change to its procedure. The set is closed: the two
// stateful services get their dedicated procedures, everything else rolls
// through the stateless one.
func ProcedureFor(change platform.Change) (Procedure, error) {
	if !change.Type.Valid() {
		return nil, NewUsageError("unknown change type %q", change.Type)
	}

	switch change.Type {
	case platform.ChangeCreateInstance:
		return NewCreateInstance(change), nil
	case platform.ChangeRollbackService:
		return NewRollbackService(change), nil
	case platform.ChangeUpdateService, platform.ChangeUpdateInstance:
		switch change.Service {
		case ServiceDatabase:
			return NewShardUpdate(change), nil
		case ServiceCoordinator:
			return NewEnsembleUpdate(change), nil
		default:
			return NewStatelessUpdate(change), nil
		}
	}
	// Valid() keeps this unreachable; a new ChangeType without a procedure
	// is a programming error, not operator input.
	return nil, NewInternalError(fmt.Sprintf("no procedure for change type %q", change.Type), nil)
}

// PlanRunner sequences a run's Changes. Changes execute strictly one at a
// time, in plan order; the first failed Change aborts the rest, since
// later Changes may assume the state the failed one was meant to produce.
type PlanRunner struct {
	run *Run
}

// NewPlanRunner wraps a run context.
func NewPlanRunner(run *Run) *PlanRunner {
	run.Budgets = run.Budgets.withDefaults()
	return &PlanRunner{run: run}
}

// Plan returns the operator-facing summaries for a set of Changes without
// executing anything.
func (r *PlanRunner) Plan(changes []platform.Change) ([]string, error) {
	summaries := make([]string, 0, len(changes))
	for _, change := range changes {
		proc, err := ProcedureFor(change)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, proc.Summarize())
	}
	return summaries, nil
}

// Execute runs every Change in order, recording history and telemetry per
// Change. Returns the first Change's error, classified; Changes after a
// failure are not attempted.
func (r *PlanRunner) Execute(ctx context.Context, changes []platform.Change) error {
	run := r.run
	start := time.Now()

	if run.Metrics != nil {
		run.Metrics.RunStarted()
	}
	if run.Tracer != nil {
		spanCtx, span := run.Tracer.StartRunSpan(ctx, run.ID)
		ctx = spanCtx
		defer span.End()
	}
	if run.Recorder != nil {
		if err := run.Recorder.RecordRunStart(ctx, run.ID, len(changes)); err != nil {
			run.Log.WithError(err).Warn("failed to record run start")
		}
	}

	runErr := r.executeChanges(ctx, changes)

	status := "ok"
	if runErr != nil {
		status = "failed"
	}
	if run.Metrics != nil {
		run.Metrics.RunCompleted(status, time.Since(start))
	}
	if run.Recorder != nil {
		if err := run.Recorder.RecordRunEnd(ctx, run.ID, status); err != nil {
			run.Log.WithError(err).Warn("failed to record run end")
		}
	}
	return runErr
}

func (r *PlanRunner) executeChanges(ctx context.Context, changes []platform.Change) error {
	run := r.run

	for i, change := range changes {
		proc, err := ProcedureFor(change)
		if err != nil {
			return err
		}

		log := run.Log.WithRunID(run.ID).WithChangeID(change.ID).WithService(change.Service)
		log.Infof("change %d/%d: %s", i+1, len(changes), proc.Summarize())

		run.current = change
		if run.Recorder != nil {
			if err := run.Recorder.RecordChangeStart(ctx, run.ID, change); err != nil {
				log.WithError(err).Warn("failed to record change start")
			}
		}

		changeCtx := ctx
		var end func(error)
		if run.Tracer != nil {
			spanCtx, span := run.Tracer.StartChangeSpan(ctx, change.ID, string(change.Type), change.Service)
			changeCtx = spanCtx
			end = func(err error) {
				if err != nil {
					telemetry.RecordError(span, err)
				} else {
					telemetry.RecordSuccess(span)
				}
				span.End()
			}
		}

		changeStart := time.Now()
		execErr := proc.Execute(changeCtx, run)
		if end != nil {
			end(execErr)
		}

		status := "ok"
		message := ""
		if execErr != nil {
			status = "failed"
			message = execErr.Error()
			if run.Metrics != nil {
				run.Metrics.ErrorRecorded(string(KindOf(execErr)))
			}
		}
		if run.Metrics != nil {
			run.Metrics.ChangeExecuted(string(change.Type), status, time.Since(changeStart))
		}
		if run.Recorder != nil {
			if err := run.Recorder.RecordChangeEnd(ctx, run.ID, change.ID, status, message); err != nil {
				log.WithError(err).Warn("failed to record change end")
			}
		}

		if execErr != nil {
			log.WithError(execErr).Error("change failed, aborting remaining changes")
			return Classify(fmt.Sprintf("change %s (%s %s)", change.ID, change.Type, change.Service), execErr)
		}
		log.Infof("change %s complete in %s", change.ID, time.Since(changeStart).Round(time.Millisecond))
	}
	return nil
}

// CreateInstance provisions new instances of a service on named hosts.
type CreateInstance struct {
	change platform.Change
}

// NewCreateInstance creates the procedure for one create-instance Change.
func NewCreateInstance(change platform.Change) *CreateInstance {
	return &CreateInstance{change: change}
}

// Summarize implements Procedure.
func (p *CreateInstance) Summarize() string {
	return fmt.Sprintf("create %d instance(s) of %s on %v", len(p.change.Servers), p.change.Service, p.change.Servers)
}

// Execute implements Procedure.
func (p *CreateInstance) Execute(ctx context.Context, run *Run) error {
	if len(p.change.Servers) == 0 {
		return NewUsageError("create-instance requires at least one target host")
	}

	svc, err := run.Clients.Registry.GetService(ctx, p.change.Service)
	if err != nil {
		return NewClientError("read service record", err)
	}
	imageID := p.change.Image
	if imageID == "" {
		imageID = svc.CurrentImage
	}
	target, err := run.Clients.Images.GetImage(ctx, imageID)
	if err != nil {
		return NewClientError("read target image", err)
	}
	if err := checkHostsReachable(ctx, run, p.change.Servers); err != nil {
		return err
	}

	st := NewState(run, svc, target)
	for _, hostID := range p.change.Servers {
		if err := st.InstallImage(ctx, hostID); err != nil {
			return err
		}
		inst, err := run.Clients.Registry.CreateInstance(ctx, svc.ID, &platform.Instance{Host: hostID})
		if err != nil {
			return NewClientError(fmt.Sprintf("create instance on %s", hostID), err)
		}
		if err := st.WaitInstanceUp(ctx, inst); err != nil {
			return err
		}
		run.progressf(ctx, "instance %s created on %s", inst.ID, hostID)
	}
	return nil
}

// RollbackService returns a service to a previously preserved image and
// configuration. The Change's image names the artifacts to restore: the
// image the service ran before the upgrade that preserved them.
type RollbackService struct {
	change platform.Change
}

// NewRollbackService creates the procedure for one rollback Change.
func NewRollbackService(change platform.Change) *RollbackService {
	return &RollbackService{change: change}
}

// Summarize implements Procedure.
func (p *RollbackService) Summarize() string {
	return fmt.Sprintf("roll back service %s to preserved image %s", p.change.Service, p.change.Image)
}

// Execute implements Procedure.
func (p *RollbackService) Execute(ctx context.Context, run *Run) error {
	svc, err := run.Clients.Registry.GetService(ctx, p.change.Service)
	if err != nil {
		return NewClientError("read service record", err)
	}

	if !run.Rollback.Exists(svc.ID, p.change.Image, rollback.KindImage) {
		return NewUsageError("no rollback artifacts preserved for service %s image %s", svc.ID, p.change.Image)
	}
	paramsRaw, err := run.Rollback.Load(svc.ID, p.change.Image, rollback.KindServiceParams)
	if err != nil {
		return NewInternalError("load preserved service params", err)
	}
	var params map[string]string
	if err := json.Unmarshal(paramsRaw, &params); err != nil {
		return NewInternalError("decode preserved service params", err)
	}
	script, err := run.Rollback.Load(svc.ID, p.change.Image, rollback.KindUserScript)
	if err != nil {
		return NewInternalError("load preserved user-script", err)
	}

	target, err := run.Clients.Images.GetImage(ctx, p.change.Image)
	if err != nil {
		return NewClientError("read rollback image", err)
	}

	run.progressf(ctx, "rolling back %s to image %s", svc.ID, target.ID)

	insts, err := run.Clients.Registry.ListInstances(ctx, svc.ID)
	if err != nil {
		return NewClientError("list service instances", err)
	}
	insts = filterInstances(insts, p.change.Instances)

	hosts := make([]string, 0, len(insts))
	for _, inst := range insts {
		hosts = append(hosts, inst.Host)
	}
	if err := checkHostsReachable(ctx, run, hosts); err != nil {
		return err
	}

	// Restore the record exactly as preserved, then roll the instances.
	restore := *svc
	restore.CurrentImage = target.ID
	restore.Params = params
	if err := run.Clients.Registry.UpdateService(ctx, &restore); err != nil {
		return NewClientError("restore service record", err)
	}

	st := NewState(run, &restore, target)
	st.UserScript = string(script)

	err = fanOut(ctx, insts, func(ctx context.Context, inst platform.Instance) error {
		if inst.CurrentImage == target.ID {
			run.Log.WithField("instance", inst.ID).Info("instance already on rollback image, skipping")
			return nil
		}
		if err := st.InstallImage(ctx, inst.Host); err != nil {
			return err
		}
		if err := st.Reprovision(ctx, &inst); err != nil {
			return err
		}
		return st.WaitInstanceUp(ctx, &inst)
	})
	if err != nil {
		return Classify(fmt.Sprintf("roll back service %s", svc.ID), err)
	}

	run.progressf(ctx, "service %s rolled back to image %s", svc.ID, target.ID)
	return nil
}
