package proc

import (
	"context"
	"time"

	"github.com/rollwave/rollwave/pkg/remote"
	"github.com/rollwave/rollwave/pkg/telemetry"
)

// meteredRunner decorates a remote.Runner with per-command outcome
// metrics. Everything else passes through.
type meteredRunner struct {
	remote.Runner
	metrics *telemetry.Metrics
}

// NewMeteredRunner wraps r so every command records a remote-command
// metric. A nil metrics sink returns r unchanged.
func NewMeteredRunner(r remote.Runner, m *telemetry.Metrics) remote.Runner {
	if m == nil {
		return r
	}
	return &meteredRunner{Runner: r, metrics: m}
}

func (r *meteredRunner) Run(ctx context.Context, hostID, cmd string) (remote.ExecResult, error) {
	start := time.Now()
	res, err := r.Runner.Run(ctx, hostID, cmd)

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case res.ExitCode != 0:
		status = "nonzero"
	}
	r.metrics.RemoteCommand(status, time.Since(start))
	return res, err
}
