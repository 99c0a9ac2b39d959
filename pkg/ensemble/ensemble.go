// Package ensemble models the coordination service as a set of members
// with live-probed roles. Roles come from the running processes, never
// from the registry: a member's record says where it runs, the member
// itself says what it currently is.
package ensemble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/rollwave/rollwave/pkg/platform"
	"github.com/rollwave/rollwave/pkg/remote"
)

// Role is an ensemble member's live consensus role.
type Role string

const (
	// RoleLeader is the member currently coordinating writes.
	RoleLeader Role = "leader"

	// RoleFollower is a replicating member.
	RoleFollower Role = "follower"

	// RoleStandalone is a single-member deployment.
	RoleStandalone Role = "standalone"

	// RoleTransitioning means the member answered but is mid-election or
	// otherwise between roles. Transitioning members block convergence
	// but are not an error.
	RoleTransitioning Role = "transitioning"

	// RoleUnknown means the member could not be classified.
	RoleUnknown Role = "unknown"
)

// Member pairs a platform instance with its live-probed role.
type Member struct {
	Instance platform.Instance
	Role     Role
}

// probeLimit bounds concurrent status probes across members.
const probeLimit = 8

const (
	modeCmd   = "coordctl mode"
	healthCmd = "coordctl health"
)

// Prober queries ensemble members for their live role and health.
type Prober struct {
	runner remote.Runner
}

// NewProber creates a prober backed by the given runner.
func NewProber(runner remote.Runner) *Prober {
	return &Prober{runner: runner}
}

// ProbeMember asks a single member for its current role. A member that
// answers but cannot name a role (mid-election) classifies as
// transitioning rather than failing the probe.
func (p *Prober) ProbeMember(ctx context.Context, inst platform.Instance) (Role, error) {
	res, err := p.runner.Run(ctx, inst.Host, modeCmd)
	if err != nil {
		return RoleUnknown, err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "election") {
			return RoleTransitioning, nil
		}
		return RoleUnknown, fmt.Errorf("mode probe on %s exited %d: %s", inst.Host, res.ExitCode, res.Stderr)
	}

	switch strings.TrimSpace(res.Stdout) {
	case "leader":
		return RoleLeader, nil
	case "follower":
		return RoleFollower, nil
	case "standalone":
		return RoleStandalone, nil
	default:
		return RoleTransitioning, nil
	}
}

// ProbeAll probes every member concurrently and returns them in input
// order. All probes run to completion; failures aggregate rather than
// short-circuiting.
func (p *Prober) ProbeAll(ctx context.Context, insts []platform.Instance) ([]Member, error) {
	members := make([]Member, len(insts))

	var g errgroup.Group
	g.SetLimit(probeLimit)
	var mu sync.Mutex
	var merr *multierror.Error

	for i, inst := range insts {
		i, inst := i, inst
		g.Go(func() error {
			role, err := p.ProbeMember(ctx, inst)
			if err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("probe %s: %w", inst.ID, err))
				mu.Unlock()
			}
			members[i] = Member{Instance: inst, Role: role}
			return nil
		})
	}
	g.Wait()

	return members, merr.ErrorOrNil()
}

// Health asks a member whether it is serving. Only an exact "ok" counts.
func (p *Prober) Health(ctx context.Context, inst platform.Instance) (bool, error) {
	res, err := p.runner.Run(ctx, inst.Host, healthCmd)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0 && strings.TrimSpace(res.Stdout) == "ok", nil
}

// Converged reports whether every member has settled into a stable role:
// exactly one leader and the rest followers, or a single standalone. Any
// transitioning or unknown member means not converged.
func Converged(members []Member) bool {
	if len(members) == 0 {
		return false
	}
	if len(members) == 1 {
		r := members[0].Role
		return r == RoleStandalone || r == RoleLeader
	}

	leaders := 0
	for _, m := range members {
		switch m.Role {
		case RoleLeader:
			leaders++
		case RoleFollower:
		default:
			return false
		}
	}
	return leaders == 1
}

// Leader returns the current leader, nil when none is established.
func Leader(members []Member) *Member {
	for i := range members {
		if members[i].Role == RoleLeader {
			return &members[i]
		}
	}
	return nil
}

// Followers returns all members currently in the follower role.
func Followers(members []Member) []Member {
	var out []Member
	for _, m := range members {
		if m.Role == RoleFollower {
			out = append(out, m)
		}
	}
	return out
}
