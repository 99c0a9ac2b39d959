package proc

import (
	"context"
	"strings"
	"testing"

	"github.com/rollwave/rollwave/pkg/platform"
)

type fakeRecorder struct {
	events []string
}

func (f *fakeRecorder) RecordRunStart(ctx context.Context, runID string, changes int) error {
	f.events = append(f.events, "run-start")
	return nil
}

func (f *fakeRecorder) RecordRunEnd(ctx context.Context, runID, status string) error {
	f.events = append(f.events, "run-end:"+status)
	return nil
}

func (f *fakeRecorder) RecordChangeStart(ctx context.Context, runID string, change platform.Change) error {
	f.events = append(f.events, "change-start:"+change.ID)
	return nil
}

func (f *fakeRecorder) RecordChangeEnd(ctx context.Context, runID, changeID, status, message string) error {
	f.events = append(f.events, "change-end:"+changeID+":"+status)
	return nil
}

func (f *fakeRecorder) RecordEvent(ctx context.Context, runID, changeID, message string) error {
	return nil
}

func TestProcedureForDispatch(t *testing.T) {
	tests := []struct {
		name   string
		change platform.Change
		want   string
	}{
		{
			name:   "database gets the shard procedure",
			change: platform.Change{Type: platform.ChangeUpdateService, Service: ServiceDatabase},
			want:   "*proc.ShardUpdate",
		},
		{
			name:   "coordinator gets the ensemble procedure",
			change: platform.Change{Type: platform.ChangeUpdateService, Service: ServiceCoordinator},
			want:   "*proc.EnsembleUpdate",
		},
		{
			name:   "anything else gets the stateless procedure",
			change: platform.Change{Type: platform.ChangeUpdateService, Service: "api"},
			want:   "*proc.StatelessUpdate",
		},
		{
			name:   "update-instance routes like update-service",
			change: platform.Change{Type: platform.ChangeUpdateInstance, Service: ServiceDatabase},
			want:   "*proc.ShardUpdate",
		},
		{
			name:   "create-instance",
			change: platform.Change{Type: platform.ChangeCreateInstance, Service: "api"},
			want:   "*proc.CreateInstance",
		},
		{
			name:   "rollback",
			change: platform.Change{Type: platform.ChangeRollbackService, Service: "api"},
			want:   "*proc.RollbackService",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ProcedureFor(tt.change)
			if err != nil {
				t.Fatalf("ProcedureFor: %v", err)
			}
			if got := typeName(p); got != tt.want {
				t.Errorf("ProcedureFor = %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := ProcedureFor(platform.Change{Type: "explode"}); !IsUsage(err) {
		t.Errorf("unknown change type should be a usage error, got %v", err)
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case *ShardUpdate:
		return "*proc.ShardUpdate"
	case *EnsembleUpdate:
		return "*proc.EnsembleUpdate"
	case *StatelessUpdate:
		return "*proc.StatelessUpdate"
	case *CreateInstance:
		return "*proc.CreateInstance"
	case *RollbackService:
		return "*proc.RollbackService"
	default:
		return "unknown"
	}
}

func TestPlanSummaries(t *testing.T) {
	run, _, _ := statelessFixture(t)
	runner := NewPlanRunner(run)

	summaries, err := runner.Plan([]platform.Change{
		{ID: "c1", Type: platform.ChangeUpdateService, Service: "api", Image: "img-new"},
		{ID: "c2", Type: platform.ChangeUpdateService, Service: ServiceDatabase, Image: "img-db"},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("%d summaries, want 2", len(summaries))
	}
	if !strings.Contains(summaries[0], "api") || !strings.Contains(summaries[0], "img-new") {
		t.Errorf("summary 0 = %q", summaries[0])
	}
	if !strings.Contains(summaries[1], "async, sync, then primary") {
		t.Errorf("summary 1 = %q", summaries[1])
	}
}

func TestExecuteRunsChangesSeriallyAndRecords(t *testing.T) {
	run, reg, _ := statelessFixture(t)
	rec := &fakeRecorder{}
	run.Recorder = rec
	runner := NewPlanRunner(run)

	err := runner.Execute(context.Background(), []platform.Change{
		{ID: "c1", Type: platform.ChangeUpdateService, Service: "api", Image: "img-new"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	svc, _ := reg.GetService(context.Background(), "api")
	if svc.CurrentImage != "img-new" {
		t.Errorf("service not updated: %s", svc.CurrentImage)
	}

	want := []string{"run-start", "change-start:c1", "change-end:c1:ok", "run-end:ok"}
	if len(rec.events) != len(want) {
		t.Fatalf("events = %v, want %v", rec.events, want)
	}
	for i, e := range want {
		if rec.events[i] != e {
			t.Errorf("event %d = %s, want %s", i, rec.events[i], e)
		}
	}
}

func TestExecuteAbortsAfterFailedChange(t *testing.T) {
	run, _, rem := statelessFixture(t)
	rec := &fakeRecorder{}
	run.Recorder = rec
	runner := NewPlanRunner(run)

	err := runner.Execute(context.Background(), []platform.Change{
		{ID: "c1", Type: platform.ChangeUpdateService, Service: "missing", Image: "img-new"},
		{ID: "c2", Type: platform.ChangeUpdateService, Service: "api", Image: "img-new"},
	})
	if err == nil {
		t.Fatal("expected failure from change c1")
	}
	if !IsClient(err) {
		t.Errorf("kind = %s, want client (missing service)", KindOf(err))
	}

	// The second change must not have been attempted.
	if n := rem.countCalls("instctl reprovision"); n != 0 {
		t.Errorf("change after a failure was executed: %d reprovisions", n)
	}
	for _, e := range rec.events {
		if strings.HasPrefix(e, "change-start:c2") {
			t.Error("change c2 recorded as started after c1 failed")
		}
	}
	if rec.events[len(rec.events)-1] != "run-end:failed" {
		t.Errorf("last event = %s, want run-end:failed", rec.events[len(rec.events)-1])
	}
}

func TestRollbackServiceRestoresPreservedState(t *testing.T) {
	run, reg, rem := statelessFixture(t)

	// Upgrade first so artifacts exist, then roll back.
	up := platform.Change{ID: "c1", Type: platform.ChangeUpdateService, Service: "api", Image: "img-new"}
	if err := NewStatelessUpdate(up).Execute(context.Background(), run); err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	back := platform.Change{ID: "c2", Type: platform.ChangeRollbackService, Service: "api", Image: "img-old"}
	if err := NewRollbackService(back).Execute(context.Background(), run); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	svc, _ := reg.GetService(context.Background(), "api")
	if svc.CurrentImage != "img-old" {
		t.Errorf("service image = %s, want img-old", svc.CurrentImage)
	}
	if svc.UserScript() != "#!/bin/sh\nboot\n" {
		t.Errorf("user-script not restored: %q", svc.UserScript())
	}
	insts, _ := reg.ListInstances(context.Background(), "api")
	for _, inst := range insts {
		if inst.CurrentImage != "img-old" {
			t.Errorf("instance %s = %s, want img-old", inst.ID, inst.CurrentImage)
		}
	}
	if n := rem.countCalls("instctl reprovision"); n != 6 {
		t.Errorf("%d reprovisions total, want 3 up + 3 back", n)
	}
}

func TestRollbackServiceWithoutArtifacts(t *testing.T) {
	run, _, _ := statelessFixture(t)
	back := platform.Change{ID: "c1", Type: platform.ChangeRollbackService, Service: "api", Image: "img-never"}
	err := NewRollbackService(back).Execute(context.Background(), run)
	if !IsUsage(err) {
		t.Fatalf("err = %v, want usage", err)
	}
}

func TestCreateInstanceProcedure(t *testing.T) {
	run, reg, rem := statelessFixture(t)
	change := platform.Change{ID: "c1", Type: platform.ChangeCreateInstance, Service: "api", Image: "img-new",
		Servers: []string{"cn5"}}

	if err := NewCreateInstance(change).Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(reg.created) != 1 || reg.created[0].Host != "cn5" {
		t.Fatalf("created = %+v, want one instance on cn5", reg.created)
	}
	if n := rem.countCalls("cn5 imgctl install"); n != 1 {
		t.Errorf("%d installs on cn5, want 1", n)
	}

	noHosts := platform.Change{ID: "c2", Type: platform.ChangeCreateInstance, Service: "api"}
	if err := NewCreateInstance(noHosts).Execute(context.Background(), run); !IsUsage(err) {
		t.Errorf("err = %v, want usage", err)
	}
}
