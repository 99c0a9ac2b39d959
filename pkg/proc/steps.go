package proc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rollwave/rollwave/pkg/platform"
	"github.com/rollwave/rollwave/pkg/poll"
	"github.com/rollwave/rollwave/pkg/remote"
	"github.com/rollwave/rollwave/pkg/rollback"
)

// State is the shared mutable context a procedure's step pipeline threads
// through. Steps read and populate it; each step diffs observed state
// against intent before acting so the whole pipeline can be re-run after
// a failure without repeating completed work.
type State struct {
	Run     *Run
	Service *platform.Service

	// Target is the image being deployed.
	Target *platform.Image

	// UserScript is the provisioning script the service should run with;
	// OldUserScript is the pre-upgrade script preserved for rollback.
	UserScript    string
	OldUserScript string

	mu        sync.Mutex
	installed map[string]bool
	hostLocks map[string]*sync.Mutex
}

// NewState creates step state for one service upgrade.
func NewState(run *Run, svc *platform.Service, target *platform.Image) *State {
	return &State{
		Run:       run,
		Service:   svc,
		Target:    target,
		installed: make(map[string]bool),
		hostLocks: make(map[string]*sync.Mutex),
	}
}

// GetUserScript populates the target user-script from the service's
// parameters. Safe to call more than once: an already-populated script is
// kept.
func (s *State) GetUserScript(ctx context.Context) error {
	if s.UserScript != "" {
		s.Run.Log.WithService(s.Service.ID).Debug("user-script already loaded, skipping")
		return nil
	}
	s.UserScript = s.Service.UserScript()
	return nil
}

// GetOldUserScript recovers the pre-upgrade user-script. A previously
// preserved artifact wins; otherwise the service's current script is
// preserved now so a rollback has something to restore.
func (s *State) GetOldUserScript(ctx context.Context) error {
	if s.OldUserScript != "" {
		s.Run.Log.WithService(s.Service.ID).Debug("old user-script already loaded, skipping")
		return nil
	}

	content, err := s.Run.Rollback.Load(s.Service.ID, s.Service.CurrentImage, rollback.KindUserScript)
	if err == nil {
		s.OldUserScript = string(content)
		return nil
	}

	s.OldUserScript = s.Service.UserScript()
	if err := s.Run.Rollback.Save(s.Service.ID, s.Service.CurrentImage, rollback.KindUserScript, []byte(s.OldUserScript)); err != nil {
		return NewInternalError("preserve old user-script", err)
	}
	return nil
}

// SaveRollbackArtifacts preserves everything a rollback of this service
// needs: the current image ID, the parameter set, and the user-script.
// Identical artifacts from a prior attempt are left untouched.
func (s *State) SaveRollbackArtifacts(ctx context.Context) error {
	defer s.Run.observeStep("save-rollback-artifacts", time.Now())

	params, err := json.MarshalIndent(s.Service.Params, "", "  ")
	if err != nil {
		return NewInternalError("encode service params", err)
	}

	saves := []struct {
		kind    rollback.Kind
		content []byte
	}{
		{rollback.KindImage, []byte(s.Service.CurrentImage)},
		{rollback.KindServiceParams, params},
		{rollback.KindUserScript, []byte(s.Service.UserScript())},
	}
	for _, save := range saves {
		if err := s.Run.Rollback.Save(s.Service.ID, s.Service.CurrentImage, save.kind, save.content); err != nil {
			return NewInternalError(fmt.Sprintf("save %s rollback artifact", save.kind), err)
		}
	}
	return nil
}

// UpdateServiceConfig writes the target image and user-script into the
// service's registry record. The write is skipped, with a log line, when
// the record already matches.
func (s *State) UpdateServiceConfig(ctx context.Context) error {
	defer s.Run.observeStep("update-service-config", time.Now())
	log := s.Run.Log.WithService(s.Service.ID)

	current, err := s.Run.Clients.Registry.GetService(ctx, s.Service.ID)
	if err != nil {
		return NewClientError("read service record", err)
	}

	if current.CurrentImage == s.Target.ID && current.UserScript() == s.UserScript {
		log.Info("service record already at target config, skipping update")
		return nil
	}

	update := *current
	update.CurrentImage = s.Target.ID
	if update.Params == nil {
		update.Params = make(map[string]string)
	} else {
		update.Params = copyParams(current.Params)
	}
	if s.UserScript != "" {
		update.Params["user-script"] = s.UserScript
	}

	if err := s.Run.Clients.Registry.UpdateService(ctx, &update); err != nil {
		return NewClientError("update service record", err)
	}
	s.Service = &update
	log.WithField("image", s.Target.ID).Info("service record updated")
	return nil
}

// UpdateInstanceConfig writes target parameters into one instance's
// registry record, skipping when the record already matches.
func (s *State) UpdateInstanceConfig(ctx context.Context, inst *platform.Instance, params map[string]string) error {
	defer s.Run.observeStep("update-instance-config", time.Now())
	log := s.Run.Log.WithService(s.Service.ID).WithField("instance", inst.ID)

	dirty := false
	update := *inst
	update.Params = copyParams(inst.Params)
	for k, v := range params {
		if update.Params[k] != v {
			update.Params[k] = v
			dirty = true
		}
	}
	if !dirty {
		log.Info("instance record already at target config, skipping update")
		return nil
	}

	if err := s.Run.Clients.Registry.UpdateInstance(ctx, &update); err != nil {
		return NewClientError("update instance record", err)
	}
	*inst = update
	log.Info("instance record updated")
	return nil
}

// InstallImage makes the target image available on a host. Hosts that
// already have the image are skipped, and concurrent callers serialize per
// host, so re-runs and multi-instance hosts see exactly one install each.
func (s *State) InstallImage(ctx context.Context, hostID string) error {
	defer s.Run.observeStep("install-image", time.Now())
	log := s.Run.Log.WithHost(hostID).WithField("image", s.Target.ID)

	lock := s.hostLock(hostID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	done := s.installed[hostID]
	s.mu.Unlock()
	if done {
		log.Debug("image installed earlier this run, skipping")
		return nil
	}

	check, err := s.Run.Remote.Run(ctx, hostID, fmt.Sprintf("imgctl has %s", s.Target.ID))
	if err != nil {
		return Classify("check image presence", err).WithHost(hostID)
	}
	if check.ExitCode == 0 {
		log.Info("image already installed, skipping")
		s.markInstalled(hostID)
		return nil
	}

	local := filepath.Join(s.Run.Rollback.Dir(), s.Target.ID+".imgfile")
	if _, statErr := os.Stat(local); statErr != nil {
		if err := s.Run.Clients.Images.GetImageFile(ctx, s.Target.ID, local); err != nil {
			return NewClientError("download image file", err)
		}
	}
	remotePath := fmt.Sprintf("/var/tmp/%s.imgfile", s.Target.ID)
	if err := s.Run.Remote.StageFile(ctx, hostID, local, remotePath, 0o644); err != nil {
		return Classify("stage image file", err).WithHost(hostID)
	}

	installCmd := fmt.Sprintf("imgctl install -f %s", remotePath)
	res, err := s.Run.Remote.Run(ctx, hostID, installCmd)
	if err != nil {
		return Classify("install image", err).WithHost(hostID)
	}
	if res.ExitCode != 0 {
		return NewInternalError("install image", fmt.Errorf("exit %d", res.ExitCode)).
			WithHost(hostID).WithCommand(installCmd, res.Stdout, res.Stderr)
	}

	s.markInstalled(hostID)
	log.Info("image installed")
	return nil
}

func (s *State) markInstalled(hostID string) {
	s.mu.Lock()
	s.installed[hostID] = true
	s.mu.Unlock()
}

func (s *State) hostLock(hostID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.hostLocks[hostID]
	if !ok {
		lock = &sync.Mutex{}
		s.hostLocks[hostID] = lock
	}
	return lock
}

// Reprovision rebuilds an instance onto the target image. There is no
// partial success: any failure is fatal to the Change.
func (s *State) Reprovision(ctx context.Context, inst *platform.Instance) error {
	defer s.Run.observeStep("reprovision", time.Now())
	log := s.Run.Log.WithService(s.Service.ID).WithField("instance", inst.ID).WithHost(inst.Host)

	if inst.CurrentImage == s.Target.ID {
		log.Info("instance already on target image, skipping reprovision")
		return nil
	}

	cmd := fmt.Sprintf("instctl reprovision %s %s", inst.ID, s.Target.ID)
	res, err := s.Run.Remote.Run(ctx, inst.Host, cmd)
	if err != nil {
		return Classify("reprovision instance", err).WithHost(inst.Host)
	}
	if res.ExitCode != 0 {
		return NewInternalError(fmt.Sprintf("reprovision instance %s", inst.ID), fmt.Errorf("exit %d", res.ExitCode)).
			WithHost(inst.Host).WithCommand(cmd, res.Stdout, res.Stderr)
	}

	inst.CurrentImage = s.Target.ID
	if err := s.Run.Clients.Registry.UpdateInstance(ctx, inst); err != nil {
		return NewClientError("record reprovisioned image", err)
	}
	log.WithField("image", s.Target.ID).Info("instance reprovisioned")
	return nil
}

// WaitInstanceUp polls until an instance reports its services running.
// Transport errors count as not-up: a rebooting instance drops connections.
func (s *State) WaitInstanceUp(ctx context.Context, inst *platform.Instance) error {
	defer s.Run.observeStep("wait-instance-up", time.Now())

	spec := s.Run.Budgets.taskPoll("instance-up:" + inst.ID)
	spec.Transient = remote.IsTemporary
	spec.OnAttempt = func(attempt int, state string) {
		if s.Run.Metrics != nil {
			s.Run.Metrics.PollAttempt("instance-up")
		}
	}

	_, err := poll.Until(ctx, spec, func(ctx context.Context) (string, error) {
		res, err := s.Run.Remote.Run(ctx, inst.Host, fmt.Sprintf("instctl ping %s", inst.ID))
		if err != nil {
			return "", err
		}
		if res.ExitCode != 0 {
			return "down", nil
		}
		return "up", nil
	}, "up")
	if err != nil {
		return Classify(fmt.Sprintf("instance %s did not come up", inst.ID), err).WithHost(inst.Host)
	}
	return nil
}

// DisableInstance stops an instance's services. Already-disabled instances
// exit zero from the tool, so this is re-runnable.
func (s *State) DisableInstance(ctx context.Context, inst platform.Instance) error {
	return s.toggleInstance(ctx, inst, "disable")
}

// EnableInstance starts an instance's services.
func (s *State) EnableInstance(ctx context.Context, inst platform.Instance) error {
	return s.toggleInstance(ctx, inst, "enable")
}

func (s *State) toggleInstance(ctx context.Context, inst platform.Instance, verb string) error {
	defer s.Run.observeStep(verb+"-instance", time.Now())

	cmd := fmt.Sprintf("instctl %s %s", verb, inst.ID)
	res, err := s.Run.Remote.Run(ctx, inst.Host, cmd)
	if err != nil {
		return Classify(verb+" instance", err).WithHost(inst.Host)
	}
	if res.ExitCode != 0 {
		return NewInternalError(fmt.Sprintf("%s instance %s", verb, inst.ID), fmt.Errorf("exit %d", res.ExitCode)).
			WithHost(inst.Host).WithCommand(cmd, res.Stdout, res.Stderr)
	}
	s.Run.Log.WithService(s.Service.ID).WithField("instance", inst.ID).Infof("instance %sd", verb)
	return nil
}

// EnsureDelegateDataset verifies an instance carries its delegated data
// dataset. Reprovisioning an instance without one would destroy its data,
// so a missing dataset aborts the Change.
func (s *State) EnsureDelegateDataset(ctx context.Context, inst platform.Instance) error {
	defer s.Run.observeStep("ensure-delegate-dataset", time.Now())

	cmd := fmt.Sprintf("instctl has-dataset %s", inst.ID)
	res, err := s.Run.Remote.Run(ctx, inst.Host, cmd)
	if err != nil {
		return Classify("check delegate dataset", err).WithHost(inst.Host)
	}
	if res.ExitCode != 0 {
		return NewValidationError("instance %s has no delegate dataset; reprovisioning would destroy its data", inst.ID).
			WithHost(inst.Host)
	}
	return nil
}

// VerifyNoServiceErrors checks an instance for faulted services. An
// instance can answer pings while individual services sit in a failed
// state, so readiness alone is not enough before depending on it.
func (s *State) VerifyNoServiceErrors(ctx context.Context, inst platform.Instance) error {
	defer s.Run.observeStep("verify-service-errors", time.Now())

	cmd := fmt.Sprintf("instctl errors %s", inst.ID)
	res, err := s.Run.Remote.Run(ctx, inst.Host, cmd)
	if err != nil {
		return Classify("check for service errors", err).WithHost(inst.Host)
	}
	if res.ExitCode != 0 {
		return NewInternalError(fmt.Sprintf("instance %s reports faulted services", inst.ID), fmt.Errorf("exit %d", res.ExitCode)).
			WithHost(inst.Host).WithCommand(cmd, res.Stdout, res.Stderr)
	}
	return nil
}

// SettleWait pauses after an instance comes back so flapping services show
// themselves before health is judged.
func (s *State) SettleWait(ctx context.Context) error {
	wait := s.Run.Budgets.SettleWait
	if wait <= 0 {
		return nil
	}
	s.Run.Log.Debugf("settling for %s", wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitTask polls a control-plane task to a terminal status.
func (s *State) WaitTask(ctx context.Context, taskID string) error {
	defer s.Run.observeStep("wait-task", time.Now())

	var last *platform.Task
	spec := s.Run.Budgets.taskPoll("task:" + taskID)
	_, err := poll.Until(ctx, spec, func(ctx context.Context) (string, error) {
		task, err := s.Run.Clients.Hosts.GetTask(ctx, taskID)
		if err != nil {
			return "", err
		}
		last = task
		return string(task.Status), nil
	}, string(platform.TaskComplete), string(platform.TaskFailure))
	if err != nil {
		return Classify(fmt.Sprintf("task %s did not finish", taskID), err)
	}
	if last != nil && last.Status == platform.TaskFailure {
		return NewInternalError(fmt.Sprintf("task %s failed", taskID), fmt.Errorf("%s", strings.TrimSpace(last.Message)))
	}
	return nil
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
