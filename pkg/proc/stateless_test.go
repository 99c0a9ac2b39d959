package proc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rollwave/rollwave/pkg/platform"
	"github.com/rollwave/rollwave/pkg/remote"
	"github.com/rollwave/rollwave/pkg/rollback"
)

// statelessFixture wires a three-instance api service where two instances
// share a host, plus a remote handler that tracks installed images.
func statelessFixture(t *testing.T) (*Run, *fakeRegistry, *fakeRemote) {
	t.Helper()

	reg := newFakeRegistry()
	reg.addService(
		platform.Service{ID: "api", Name: "api", Kind: platform.KindVM, CurrentImage: "img-old",
			Params: map[string]string{"user-script": "#!/bin/sh\nboot\n"}},
		platform.Instance{ID: "api0", Alias: "api0", Host: "cn0", CurrentImage: "img-old"},
		platform.Instance{ID: "api1", Alias: "api1", Host: "cn0", CurrentImage: "img-old"},
		platform.Instance{ID: "api2", Alias: "api2", Host: "cn1", CurrentImage: "img-old"},
	)
	images := &fakeImages{images: map[string]*platform.Image{
		"img-old": {ID: "img-old", BuildStamp: "20240101T000000Z"},
		"img-new": {ID: "img-new", BuildStamp: "20240601T000000Z"},
	}}

	var mu sync.Mutex
	installed := map[string]bool{}
	rem := &fakeRemote{}
	rem.handler = func(hostID, cmd string) (remote.ExecResult, error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.HasPrefix(cmd, "imgctl has "):
			if installed[hostID] {
				return remote.ExecResult{ExitCode: 0}, nil
			}
			return remote.ExecResult{ExitCode: 1}, nil
		case strings.HasPrefix(cmd, "imgctl install "):
			installed[hostID] = true
			return remote.ExecResult{ExitCode: 0}, nil
		default:
			return remote.ExecResult{ExitCode: 0}, nil
		}
	}

	return newTestRun(t, reg, images, &fakeHosts{}, rem), reg, rem
}

func TestStatelessUpdateHappyPath(t *testing.T) {
	run, reg, rem := statelessFixture(t)
	p := NewStatelessUpdate(platform.Change{
		ID: "ch1", Type: platform.ChangeUpdateService, Service: "api", Image: "img-new",
	})

	if err := p.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Exactly one image install per host, even with two instances on cn0.
	if n := rem.countCalls("imgctl install"); n != 2 {
		t.Errorf("%d image installs, want 2 (one per host): %v", n, rem.callLog())
	}

	// Every instance reprovisioned onto the target.
	insts, _ := reg.ListInstances(context.Background(), "api")
	for _, inst := range insts {
		if inst.CurrentImage != "img-new" {
			t.Errorf("instance %s still on %s", inst.ID, inst.CurrentImage)
		}
	}

	// Service record carries the new image.
	svc, _ := reg.GetService(context.Background(), "api")
	if svc.CurrentImage != "img-new" {
		t.Errorf("service image = %s, want img-new", svc.CurrentImage)
	}

	// Rollback artifacts preserved for the pre-upgrade image.
	if !run.Rollback.Exists("api", "img-old", rollback.KindUserScript) {
		t.Error("user-script rollback artifact missing")
	}
	if !run.Rollback.Exists("api", "img-old", rollback.KindImage) {
		t.Error("image rollback artifact missing")
	}
}

func TestStatelessUpdateInstallBeforeReprovision(t *testing.T) {
	run, _, rem := statelessFixture(t)
	p := NewStatelessUpdate(platform.Change{
		ID: "ch1", Type: platform.ChangeUpdateService, Service: "api", Image: "img-new",
		Instances: []string{"api2"},
	})

	if err := p.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	install := rem.firstIndex("cn1 imgctl install")
	reprov := rem.firstIndex("cn1 instctl reprovision api2")
	if install == -1 || reprov == -1 || install > reprov {
		t.Errorf("image must land before reprovision: install=%d reprovision=%d\n%v",
			install, reprov, rem.callLog())
	}
}

func TestStatelessUpdateIsRerunnable(t *testing.T) {
	run, reg, rem := statelessFixture(t)
	change := platform.Change{ID: "ch1", Type: platform.ChangeUpdateService, Service: "api", Image: "img-new"}

	if err := NewStatelessUpdate(change).Execute(context.Background(), run); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	installsAfterFirst := rem.countCalls("imgctl install")
	updatesAfterFirst := len(reg.updates)

	// Second run must be pure skips: no installs, no reprovisions, no
	// registry writes.
	if err := NewStatelessUpdate(change).Execute(context.Background(), run); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if n := rem.countCalls("imgctl install"); n != installsAfterFirst {
		t.Errorf("re-run installed images again: %d -> %d", installsAfterFirst, n)
	}
	if n := rem.countCalls("instctl reprovision"); n != 3 {
		t.Errorf("re-run reprovisioned again: %d reprovisions total, want 3", n)
	}
	if len(reg.updates) != updatesAfterFirst {
		t.Errorf("re-run wrote registry records again: %v", reg.updates[updatesAfterFirst:])
	}
}

func TestStatelessUpdateAggregatesFailures(t *testing.T) {
	run, _, rem := statelessFixture(t)
	base := rem.handler
	rem.handler = func(hostID, cmd string) (remote.ExecResult, error) {
		if hostID == "cn1" && strings.HasPrefix(cmd, "instctl reprovision") {
			return remote.ExecResult{ExitCode: 1, Stderr: "disk full"}, nil
		}
		return base(hostID, cmd)
	}

	p := NewStatelessUpdate(platform.Change{
		ID: "ch1", Type: platform.ChangeUpdateService, Service: "api", Image: "img-new",
	})
	err := p.Execute(context.Background(), run)
	if err == nil {
		t.Fatal("expected failure from cn1")
	}

	// The cn0 instances must still have been attempted.
	if n := rem.countCalls("cn0 instctl reprovision"); n != 2 {
		t.Errorf("healthy instances not attempted after peer failure: %d reprovisions on cn0", n)
	}
	if !IsInternal(err) {
		t.Errorf("kind = %s, want internal", KindOf(err))
	}
}

func TestStatelessUpdateNoInstances(t *testing.T) {
	run, _, _ := statelessFixture(t)
	p := NewStatelessUpdate(platform.Change{
		ID: "ch1", Type: platform.ChangeUpdateService, Service: "api", Image: "img-new",
		Instances: []string{"nope"},
	})
	err := p.Execute(context.Background(), run)
	if !IsUsage(err) {
		t.Fatalf("err = %v, want usage error", err)
	}
}

func TestStatelessUpdateAgentService(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService(platform.Service{ID: "net-agent", Kind: platform.KindAgent, CurrentImage: "img-old"})
	images := &fakeImages{images: map[string]*platform.Image{
		"img-new": {ID: "img-new"},
		"img-old": {ID: "img-old"},
	}}
	hosts := &fakeHosts{hosts: []platform.Host{{ID: "cn0"}, {ID: "cn1"}}}
	run := newTestRun(t, reg, images, hosts, &fakeRemote{})

	p := NewStatelessUpdate(platform.Change{
		ID: "ch1", Type: platform.ChangeUpdateService, Service: "net-agent", Image: "img-new",
	})
	if err := p.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(hosts.tasks) != 2 {
		t.Errorf("%d install tasks, want one per host", len(hosts.tasks))
	}
}

func TestStatelessUpdateSettlesAfterInstanceUp(t *testing.T) {
	run, _, rem := statelessFixture(t)
	run.Budgets.SettleWait = 75 * time.Millisecond

	p := NewStatelessUpdate(platform.Change{
		ID: "ch1", Type: platform.ChangeUpdateService, Service: "api", Image: "img-new",
		Instances: []string{"api2"},
	})

	start := time.Now()
	if err := p.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 75*time.Millisecond {
		t.Errorf("update finished in %s; the pipeline must hold for the settle wait", elapsed)
	}
	if n := rem.countCalls("instctl reprovision api2"); n != 1 {
		t.Fatalf("%d reprovisions, want 1", n)
	}
}

func TestStatelessUpdateRejectsRecordWithoutLiveInstance(t *testing.T) {
	run, reg, rem := statelessFixture(t)
	run.Clients.Instances = &fakeInstances{reg: reg, missing: map[string]bool{"api1": true}}

	p := NewStatelessUpdate(platform.Change{
		ID: "ch1", Type: platform.ChangeUpdateService, Service: "api", Image: "img-new",
	})
	err := p.Execute(context.Background(), run)
	if !IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if n := rem.countCalls("instctl reprovision"); n != 0 {
		t.Errorf("%d reprovisions despite dead record, want 0", n)
	}
}

func TestStatelessUpdateChecksReachabilityBeforeMutating(t *testing.T) {
	run, reg, rem := statelessFixture(t)
	rem.reachErr = map[string]error{"cn1": &remote.TransportError{
		Op: "connect", Host: "cn1", Err: fmt.Errorf("connection refused"), IsTemporary: true,
	}}

	p := NewStatelessUpdate(platform.Change{
		ID: "ch1", Type: platform.ChangeUpdateService, Service: "api", Image: "img-new",
	})
	err := p.Execute(context.Background(), run)
	if err == nil {
		t.Fatal("expected failure for unreachable host")
	}
	if n := rem.countCalls("imgctl install"); n != 0 {
		t.Errorf("%d image installs despite unreachable host, want 0", n)
	}
	if n := rem.countCalls("instctl reprovision"); n != 0 {
		t.Errorf("%d reprovisions despite unreachable host, want 0", n)
	}
	if len(reg.updates) != 0 {
		t.Errorf("registry mutated despite unreachable host: %v", reg.updates)
	}
}
