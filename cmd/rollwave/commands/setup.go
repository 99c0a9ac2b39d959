package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/rollwave/rollwave/pkg/config"
	"github.com/rollwave/rollwave/pkg/history"
	"github.com/rollwave/rollwave/pkg/platform"
	"github.com/rollwave/rollwave/pkg/proc"
	"github.com/rollwave/rollwave/pkg/remote"
	"github.com/rollwave/rollwave/pkg/rollback"
	"github.com/rollwave/rollwave/pkg/telemetry"
)

// runtime bundles everything a command needs wired.
type runtime struct {
	cfg      *config.Config
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	clients  platform.Clients
	remote   remote.Runner
	rollback *rollback.Store
	history  *history.Store
}

// newRuntime loads config and wires the shared dependencies. Pass
// withHistory=false for read-only commands that never record a run.
func newRuntime(ctx context.Context, withHistory bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	log, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	if cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.ListenAddress != "" {
		go func() {
			if err := metrics.Serve(); err != nil {
				log.WithError(err).Warn("metrics listener stopped")
			}
		}()
	}
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	clients, err := platform.NewHTTPClients(cfg.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("init platform clients: %w", err)
	}

	sshCfg := remote.Config{
		User:                  cfg.SSH.User,
		Port:                  cfg.SSH.Port,
		AuthMethod:            remote.AuthMethod(cfg.SSH.AuthMethod),
		Password:              cfg.SSH.Password,
		PrivateKeyPath:        cfg.SSH.PrivateKeyPath,
		PrivateKeyPassphrase:  cfg.SSH.PrivateKeyPassphrase,
		KnownHostsPath:        cfg.SSH.KnownHostsPath,
		StrictHostKeyChecking: cfg.SSH.StrictHostKeyChecking,
		ConnectionTimeout:     cfg.SSH.ConnectionTimeout,
		CommandTimeout:        cfg.SSH.CommandTimeout,
	}
	runner, err := remote.NewSSHRunner(&sshCfg, hostResolver(clients.Hosts))
	if err != nil {
		return nil, fmt.Errorf("init ssh runner: %w", err)
	}

	store, err := rollback.NewStore(cfg.WorkDir)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		tracer:   tracer,
		clients:  clients,
		remote:   runner,
		rollback: store,
	}
	if withHistory {
		rt.history, err = history.Open(ctx, cfg.HistoryDB)
		if err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) close(ctx context.Context) {
	if rt.history != nil {
		_ = rt.history.Close()
	}
	_ = rt.remote.Close()
	if rt.tracer != nil {
		_ = rt.tracer.Shutdown(ctx)
	}
}

// newRun builds the procedure execution context for one run ID.
func (rt *runtime) newRun(runID string) *proc.Run {
	run := &proc.Run{
		ID:       runID,
		Clients:  rt.clients,
		Remote:   proc.NewMeteredRunner(rt.remote, rt.metrics),
		Rollback: rt.rollback,
		Log:      rt.log.WithRunID(runID),
		Metrics:  rt.metrics,
		Tracer:   rt.tracer,
		Progress: func(format string, args ...interface{}) {
			fmt.Printf(format+"\n", args...)
		},
		Budgets: proc.Budgets{
			ShardInterval:    rt.cfg.Poll.ShardInterval,
			ShardAttempts:    rt.cfg.Poll.ShardAttempts,
			EnsembleInterval: rt.cfg.Poll.EnsembleInterval,
			EnsembleAttempts: rt.cfg.Poll.EnsembleAttempts,
			TaskInterval:     rt.cfg.Poll.TaskInterval,
			TaskAttempts:     rt.cfg.Poll.TaskAttempts,
			SettleWait:       rt.cfg.Poll.SettleWait,
		},
	}
	if rt.history != nil {
		run.Recorder = rt.history
	}
	return run
}

// hostResolver maps host IDs to SSH addresses through the host manager,
// caching the lookup table after the first call.
func hostResolver(hosts platform.HostManager) remote.HostResolver {
	var once sync.Once
	var table map[string]string
	var loadErr error

	return func(ctx context.Context, hostID string) (string, error) {
		once.Do(func() {
			all, err := hosts.ListHosts(ctx)
			if err != nil {
				loadErr = err
				return
			}
			table = make(map[string]string, len(all))
			for _, h := range all {
				table[h.ID] = h.Address
				if h.Hostname != "" {
					table[h.Hostname] = h.Address
				}
			}
		})
		if loadErr != nil {
			return "", loadErr
		}
		addr, ok := table[hostID]
		if !ok || addr == "" {
			return "", fmt.Errorf("unknown host %q", hostID)
		}
		return addr, nil
	}
}
