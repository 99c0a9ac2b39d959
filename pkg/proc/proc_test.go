package proc

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rollwave/rollwave/pkg/platform"
	"github.com/rollwave/rollwave/pkg/remote"
	"github.com/rollwave/rollwave/pkg/rollback"
	"github.com/rollwave/rollwave/pkg/telemetry"
)

// fakeRegistry is an in-memory control-plane registry.
type fakeRegistry struct {
	mu        sync.Mutex
	services  map[string]*platform.Service
	instances map[string][]platform.Instance
	updates   []string
	created   []platform.Instance
	deleted   []string
	nextID    int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		services:  make(map[string]*platform.Service),
		instances: make(map[string][]platform.Instance),
	}
}

func (f *fakeRegistry) addService(svc platform.Service, insts ...platform.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[svc.ID] = &svc
	f.instances[svc.ID] = insts
}

func (f *fakeRegistry) ListServices(ctx context.Context) ([]platform.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []platform.Service
	for _, svc := range f.services {
		out = append(out, *svc)
	}
	return out, nil
}

func (f *fakeRegistry) GetService(ctx context.Context, name string) (*platform.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.services[name]
	if !ok {
		return nil, platform.WrapClientError(platform.SubsystemRegistry, "get-service", fmt.Errorf("service %s not found", name))
	}
	cp := *svc
	cp.Params = copyParams(svc.Params)
	return &cp, nil
}

func (f *fakeRegistry) UpdateService(ctx context.Context, svc *platform.Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *svc
	f.services[svc.ID] = &cp
	f.updates = append(f.updates, "service:"+svc.ID)
	return nil
}

func (f *fakeRegistry) ListInstances(ctx context.Context, service string) ([]platform.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Instance(nil), f.instances[service]...), nil
}

func (f *fakeRegistry) UpdateInstance(ctx context.Context, inst *platform.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for svc, insts := range f.instances {
		for i := range insts {
			if insts[i].ID == inst.ID {
				f.instances[svc][i] = *inst
				f.updates = append(f.updates, "instance:"+inst.ID)
				return nil
			}
		}
	}
	return platform.WrapClientError(platform.SubsystemRegistry, "update-instance", fmt.Errorf("instance %s not found", inst.ID))
}

func (f *fakeRegistry) CreateInstance(ctx context.Context, service string, inst *platform.Instance) (*platform.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cp := *inst
	cp.ID = fmt.Sprintf("%s-new%d", service, f.nextID)
	f.instances[service] = append(f.instances[service], cp)
	f.created = append(f.created, cp)
	return &cp, nil
}

func (f *fakeRegistry) DeleteInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for svc, insts := range f.instances {
		for i := range insts {
			if insts[i].ID == instanceID {
				f.instances[svc] = append(insts[:i:i], insts[i+1:]...)
				f.deleted = append(f.deleted, instanceID)
				return nil
			}
		}
	}
	return fmt.Errorf("instance %s not found", instanceID)
}

// fakeImages serves image metadata; downloads write a marker file.
type fakeImages struct {
	images map[string]*platform.Image
}

func (f *fakeImages) GetImage(ctx context.Context, imageID string) (*platform.Image, error) {
	img, ok := f.images[imageID]
	if !ok {
		return nil, platform.WrapClientError(platform.SubsystemImageRegistry, "get-image", fmt.Errorf("image %s not found", imageID))
	}
	cp := *img
	return &cp, nil
}

func (f *fakeImages) GetImageFile(ctx context.Context, imageID, destPath string) error {
	if _, ok := f.images[imageID]; !ok {
		return platform.WrapClientError(platform.SubsystemImageRegistry, "get-image-file", fmt.Errorf("image %s not found", imageID))
	}
	return os.WriteFile(destPath, []byte("image "+imageID), 0o644)
}

// fakeHosts completes agent-install tasks immediately.
type fakeHosts struct {
	mu     sync.Mutex
	hosts  []platform.Host
	tasks  map[string]*platform.Task
	nextID int
}

func (f *fakeHosts) ListHosts(ctx context.Context) ([]platform.Host, error) {
	return append([]platform.Host(nil), f.hosts...), nil
}

func (f *fakeHosts) InstallAgent(ctx context.Context, hostID, imageID string) (*platform.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	task := &platform.Task{ID: fmt.Sprintf("task%d", f.nextID), Status: platform.TaskComplete}
	if f.tasks == nil {
		f.tasks = make(map[string]*platform.Task)
	}
	f.tasks[task.ID] = task
	return task, nil
}

func (f *fakeHosts) UninstallAgent(ctx context.Context, hostID, service string) (*platform.Task, error) {
	return f.InstallAgent(ctx, hostID, service)
}

func (f *fakeHosts) GetTask(ctx context.Context, taskID string) (*platform.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return task, nil
}

// fakeInstances mirrors the registry's records as the live instance view,
// minus any instances marked missing.
type fakeInstances struct {
	reg     *fakeRegistry
	missing map[string]bool
}

func (f *fakeInstances) ListInstances(ctx context.Context, filter platform.InstanceFilter) ([]platform.Instance, error) {
	insts, err := f.reg.ListInstances(ctx, filter.Service)
	if err != nil {
		return nil, err
	}
	var out []platform.Instance
	for _, inst := range insts {
		if f.missing[inst.ID] {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// fakeRemote routes commands to a handler and records every call in order.
type fakeRemote struct {
	mu       sync.Mutex
	calls    []string
	handler  func(hostID, cmd string) (remote.ExecResult, error)
	reachErr map[string]error
}

func (f *fakeRemote) Run(ctx context.Context, hostID, cmd string) (remote.ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, hostID+" "+cmd)
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return remote.ExecResult{ExitCode: 0}, nil
	}
	return handler(hostID, cmd)
}

func (f *fakeRemote) CheckReachable(ctx context.Context, hostID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, hostID+" reach")
	err := f.reachErr[hostID]
	f.mu.Unlock()
	return err
}

func (f *fakeRemote) StageFile(ctx context.Context, hostID, localPath, remotePath string, mode uint32) error {
	f.mu.Lock()
	f.calls = append(f.calls, hostID+" stage "+remotePath)
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) Close() error { return nil }

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) countCalls(substr string) int {
	n := 0
	for _, c := range f.callLog() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// firstIndex returns the position of the first call containing substr, -1
// when absent.
func (f *fakeRemote) firstIndex(substr string) int {
	for i, c := range f.callLog() {
		if strings.Contains(c, substr) {
			return i
		}
	}
	return -1
}

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return log
}

func testBudgets() Budgets {
	return Budgets{
		ShardInterval:    time.Millisecond,
		ShardAttempts:    50,
		EnsembleInterval: time.Millisecond,
		EnsembleAttempts: 50,
		TaskInterval:     time.Millisecond,
		TaskAttempts:     50,
		SettleWait:       time.Millisecond,
	}
}

func newTestRun(t *testing.T, reg *fakeRegistry, images *fakeImages, hosts *fakeHosts, rem *fakeRemote) *Run {
	t.Helper()
	store, err := rollback.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return &Run{
		ID: "run-test",
		Clients: platform.Clients{
			Registry:  reg,
			Instances: &fakeInstances{reg: reg},
			Hosts:     hosts,
			Images:    images,
		},
		Remote:   rem,
		Rollback: store,
		Log:      testLogger(t),
		Budgets:  testBudgets(),
	}
}

