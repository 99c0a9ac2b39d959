package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rollwave/rollwave/pkg/platform"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRunLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.RecordRunStart(ctx, "run1", 2); err != nil {
		t.Fatalf("RecordRunStart: %v", err)
	}

	change := platform.Change{ID: "c1", Type: platform.ChangeUpdateService, Service: "api", Image: "img-new"}
	if err := store.RecordChangeStart(ctx, "run1", change); err != nil {
		t.Fatalf("RecordChangeStart: %v", err)
	}
	if err := store.RecordEvent(ctx, "run1", "c1", "updating 3 api instance(s)"); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := store.RecordChangeEnd(ctx, "run1", "c1", "ok", ""); err != nil {
		t.Fatalf("RecordChangeEnd: %v", err)
	}
	if err := store.RecordRunEnd(ctx, "run1", "ok"); err != nil {
		t.Fatalf("RecordRunEnd: %v", err)
	}

	run, changes, err := store.GetRun(ctx, "run1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != "ok" || run.Changes != 2 {
		t.Errorf("run = %+v, want status ok, 2 changes", run)
	}
	if run.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if len(changes) != 1 || changes[0].Status != "ok" || changes[0].Service != "api" {
		t.Errorf("changes = %+v", changes)
	}

	events, err := store.ListEvents(ctx, "run1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Message != "updating 3 api instance(s)" {
		t.Errorf("events = %+v", events)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"run1", "run2", "run3"} {
		if err := store.RecordRunStart(ctx, id, 1); err != nil {
			t.Fatalf("RecordRunStart(%s): %v", id, err)
		}
		if err := store.RecordRunEnd(ctx, id, "ok"); err != nil {
			t.Fatalf("RecordRunEnd(%s): %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("%d runs, want 2 (limit)", len(runs))
	}
}

func TestFailedChangeKeepsMessage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.RecordRunStart(ctx, "run1", 1); err != nil {
		t.Fatalf("RecordRunStart: %v", err)
	}
	change := platform.Change{ID: "c1", Type: platform.ChangeUpdateService, Service: "metadb", Image: "img"}
	if err := store.RecordChangeStart(ctx, "run1", change); err != nil {
		t.Fatalf("RecordChangeStart: %v", err)
	}
	if err := store.RecordChangeEnd(ctx, "run1", "c1", "failed", "[timeout] shard did not regain quorum"); err != nil {
		t.Fatalf("RecordChangeEnd: %v", err)
	}
	if err := store.RecordRunEnd(ctx, "run1", "failed"); err != nil {
		t.Fatalf("RecordRunEnd: %v", err)
	}

	_, changes, err := store.GetRun(ctx, "run1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if changes[0].Message != "[timeout] shard did not regain quorum" {
		t.Errorf("message = %q", changes[0].Message)
	}
}

func TestUnknownRunAndChange(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, _, err := store.GetRun(ctx, "nope"); err == nil {
		t.Error("expected error for unknown run")
	}
	if err := store.RecordRunEnd(ctx, "nope", "ok"); err == nil {
		t.Error("expected error ending unknown run")
	}
	if err := store.RecordChangeEnd(ctx, "nope", "c1", "ok", ""); err == nil {
		t.Error("expected error ending unknown change")
	}
}
