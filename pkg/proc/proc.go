// Package proc implements upgrade procedures: self-contained units of
// orchestration logic that take a planned Change from intent to applied
// state against the live deployment. Procedures are chosen per Change
// from a closed set, execute strictly one Change at a time, and rebuild
// any topology they depend on from the running system rather than
// trusting cached state.
package proc

import (
	"context"
	"fmt"
	"time"

	"github.com/rollwave/rollwave/pkg/platform"
	"github.com/rollwave/rollwave/pkg/poll"
	"github.com/rollwave/rollwave/pkg/remote"
	"github.com/rollwave/rollwave/pkg/rollback"
	"github.com/rollwave/rollwave/pkg/telemetry"
)

// Well-known control-plane services. The replicated database and the
// coordination ensemble get dedicated procedures; the database's dependent
// services are quiesced around its upgrade.
const (
	// ServiceDatabase is the replicated metadata database.
	ServiceDatabase = "metadb"

	// ServiceCoordinator is the coordination ensemble.
	ServiceCoordinator = "coordinator"

	// ServiceFacade is the query layer in front of the database.
	ServiceFacade = "database-facade"

	// ServiceWorkflowAPI and ServiceWorkflowRunner depend on the database
	// through the facade.
	ServiceWorkflowAPI    = "workflow-api"
	ServiceWorkflowRunner = "workflow-runner"
)

// Procedure executes one planned Change against the live deployment.
type Procedure interface {
	// Summarize returns a short operator-facing description of what
	// executing the procedure will do. Used for plan output and dry runs.
	Summarize() string

	// Execute applies the change. Implementations must be re-runnable:
	// steps diff observed state against intent and skip work already
	// done, so a failed run can be retried from the top.
	Execute(ctx context.Context, run *Run) error
}

// Budgets carries the poll tuning for a run. Zero values fall back to
// DefaultBudgets.
type Budgets struct {
	// ShardInterval and ShardAttempts bound waits on shard topology
	// convergence (a rebuilding replica can take many minutes).
	ShardInterval time.Duration
	ShardAttempts int

	// EnsembleInterval and EnsembleAttempts bound waits on ensemble
	// role convergence after a member restart.
	EnsembleInterval time.Duration
	EnsembleAttempts int

	// TaskInterval and TaskAttempts bound waits on control-plane tasks
	// and instance readiness.
	TaskInterval time.Duration
	TaskAttempts int

	// SettleWait is the fixed pause after an instance comes back before
	// its health is judged.
	SettleWait time.Duration
}

// DefaultBudgets returns the production poll budgets: roughly fifteen
// minutes for shard convergence, five for ensemble convergence.
func DefaultBudgets() Budgets {
	return Budgets{
		ShardInterval:    5 * time.Second,
		ShardAttempts:    180,
		EnsembleInterval: 5 * time.Second,
		EnsembleAttempts: 60,
		TaskInterval:     5 * time.Second,
		TaskAttempts:     120,
		SettleWait:       60 * time.Second,
	}
}

func (b Budgets) withDefaults() Budgets {
	d := DefaultBudgets()
	if b.ShardInterval <= 0 {
		b.ShardInterval = d.ShardInterval
	}
	if b.ShardAttempts <= 0 {
		b.ShardAttempts = d.ShardAttempts
	}
	if b.EnsembleInterval <= 0 {
		b.EnsembleInterval = d.EnsembleInterval
	}
	if b.EnsembleAttempts <= 0 {
		b.EnsembleAttempts = d.EnsembleAttempts
	}
	if b.TaskInterval <= 0 {
		b.TaskInterval = d.TaskInterval
	}
	if b.TaskAttempts <= 0 {
		b.TaskAttempts = d.TaskAttempts
	}
	if b.SettleWait < 0 {
		b.SettleWait = d.SettleWait
	}
	return b
}

// shardPoll returns the poll spec for shard topology waits.
func (b Budgets) shardPoll(name string) poll.Spec {
	return poll.Spec{Name: name, Interval: b.ShardInterval, MaxAttempts: b.ShardAttempts}
}

// ensemblePoll returns the poll spec for ensemble convergence waits.
func (b Budgets) ensemblePoll(name string) poll.Spec {
	return poll.Spec{Name: name, Interval: b.EnsembleInterval, MaxAttempts: b.EnsembleAttempts}
}

// taskPoll returns the poll spec for control-plane task waits.
func (b Budgets) taskPoll(name string) poll.Spec {
	return poll.Spec{Name: name, Interval: b.TaskInterval, MaxAttempts: b.TaskAttempts}
}

// EventRecorder persists run progress for later inspection. Implementations
// must tolerate being called from a single goroutine per run.
type EventRecorder interface {
	RecordRunStart(ctx context.Context, runID string, changes int) error
	RecordRunEnd(ctx context.Context, runID, status string) error
	RecordChangeStart(ctx context.Context, runID string, change platform.Change) error
	RecordChangeEnd(ctx context.Context, runID, changeID, status, message string) error
	RecordEvent(ctx context.Context, runID, changeID, message string) error
}

// Run is the execution context shared by every procedure in one
// invocation.
type Run struct {
	// ID identifies the run in logs, traces, and history.
	ID string

	// Clients are the control-plane API clients.
	Clients platform.Clients

	// Remote executes commands on compute hosts.
	Remote remote.Runner

	// Rollback persists pre-upgrade artifacts.
	Rollback *rollback.Store

	// Log, Metrics, and Tracer are the telemetry sinks. Log must be
	// non-nil; the others may be nil.
	Log     *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	// Progress receives operator-facing progress lines. May be nil.
	Progress func(format string, args ...interface{})

	// Recorder persists run history. May be nil.
	Recorder EventRecorder

	// Budgets tunes poll loops.
	Budgets Budgets

	// current is the Change being executed, set by the plan runner.
	current platform.Change
}

// Change returns the Change currently being executed.
func (r *Run) Change() platform.Change {
	return r.current
}

// progressf emits an operator progress line and mirrors it to the log and
// the history recorder.
func (r *Run) progressf(ctx context.Context, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if r.Progress != nil {
		r.Progress("%s", msg)
	}
	r.Log.Info(msg)
	if r.Recorder != nil {
		if err := r.Recorder.RecordEvent(ctx, r.ID, r.current.ID, msg); err != nil {
			r.Log.WithError(err).Warn("failed to record run event")
		}
	}
}

// observeStep records a step duration metric when metrics are enabled.
func (r *Run) observeStep(step string, start time.Time) {
	if r.Metrics != nil {
		r.Metrics.StepObserved(step, time.Since(start))
	}
}

// checkHostsReachable verifies every distinct target host accepts a
// session before any mutation starts, so a dead host fails the Change up
// front instead of partway through a roll.
func checkHostsReachable(ctx context.Context, run *Run, hostIDs []string) error {
	seen := make(map[string]bool, len(hostIDs))
	hosts := make([]string, 0, len(hostIDs))
	for _, h := range hostIDs {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		hosts = append(hosts, h)
	}
	if err := fanOut(ctx, hosts, run.Remote.CheckReachable); err != nil {
		return Classify("target host(s) unreachable", err)
	}
	return nil
}
