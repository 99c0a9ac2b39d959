// Package shard models the replicated metadata database as seen live from
// its primary. A shard is one primary, one synchronous replica, and one or
// more asynchronous replicas; topology is rebuilt from the running cluster
// on every invocation and never cached or trusted from the registry.
package shard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rollwave/rollwave/pkg/remote"
)

// Role is a shard member's position in the replication chain.
type Role string

const (
	// RolePrimary is the active write head of the chain.
	RolePrimary Role = "primary"

	// RoleSync is the synchronous replica, next in line for promotion.
	RoleSync Role = "sync"

	// RoleAsync is an asynchronous replica at the tail of the chain.
	RoleAsync Role = "async"

	// RoleDeposed marks a member involuntarily removed from the chain.
	// Deposed members require a manual rebuild; this tool never touches
	// them.
	RoleDeposed Role = "deposed"

	// RoleNone marks a member not currently holding a chain position
	// (empty slot or mid-transition).
	RoleNone Role = "none"
)

// Member is one database instance as reported by the shard itself.
type Member struct {
	// Instance is the platform instance ID.
	Instance string `json:"instance"`

	// Host is the compute host the member runs on.
	Host string `json:"host"`

	// Address is the member's replication address.
	Address string `json:"address"`

	// ReplState is the member's reported replication state (e.g.
	// "sync", "async", "streaming").
	ReplState string `json:"repl_state,omitempty"`
}

// Topology is a point-in-time snapshot of the shard, as reported by the
// member it was probed from.
type Topology struct {
	// Primary is the current write head. Nil means the shard has no
	// primary, which is always fatal for an upgrade.
	Primary *Member `json:"primary"`

	// Sync is the synchronous replica, nil when absent.
	Sync *Member `json:"sync,omitempty"`

	// Async are the asynchronous replicas in chain order.
	Async []Member `json:"async,omitempty"`

	// Deposed are members removed from the chain pending manual rebuild.
	Deposed []Member `json:"deposed,omitempty"`

	// Frozen reports whether cluster writes are held.
	Frozen bool `json:"frozen"`
}

// RoleOf returns the chain position of the given instance.
func (t *Topology) RoleOf(instanceID string) Role {
	if t.Primary != nil && t.Primary.Instance == instanceID {
		return RolePrimary
	}
	if t.Sync != nil && t.Sync.Instance == instanceID {
		return RoleSync
	}
	for _, m := range t.Async {
		if m.Instance == instanceID {
			return RoleAsync
		}
	}
	for _, m := range t.Deposed {
		if m.Instance == instanceID {
			return RoleDeposed
		}
	}
	return RoleNone
}

// HasQuorum reports whether the shard has a full healthy chain: a primary,
// a sync, at least one async, and no deposed members.
func (t *Topology) HasQuorum() bool {
	return t.Primary != nil && t.Sync != nil && len(t.Async) > 0 && len(t.Deposed) == 0
}

// Members returns every chain member, primary first, deposed excluded.
func (t *Topology) Members() []Member {
	var members []Member
	if t.Primary != nil {
		members = append(members, *t.Primary)
	}
	if t.Sync != nil {
		members = append(members, *t.Sync)
	}
	members = append(members, t.Async...)
	return members
}

// Prober derives shard topology by running the shard administration tool
// on a member host.
type Prober struct {
	runner remote.Runner
}

// NewProber creates a topology prober backed by the given runner.
func NewProber(runner remote.Runner) *Prober {
	return &Prober{runner: runner}
}

// statusCmd is the shard administration status command. Its JSON output is
// the authoritative topology.
const statusCmd = "shardadm status -j"

// Snapshot probes the shard through the given host and parses the reported
// topology.
func (p *Prober) Snapshot(ctx context.Context, hostID string) (*Topology, error) {
	res, err := p.runner.Run(ctx, hostID, statusCmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("shard status on %s exited %d: %s", hostID, res.ExitCode, res.Stderr)
	}

	var topo Topology
	if err := json.Unmarshal([]byte(res.Stdout), &topo); err != nil {
		return nil, fmt.Errorf("malformed shard status from %s: %w", hostID, err)
	}
	return &topo, nil
}

// SnapshotViaPrimary probes the shard through seedHost, then re-probes
// through the reported primary so the returned topology is authoritative.
// The registry's topology view is never consulted.
func (p *Prober) SnapshotViaPrimary(ctx context.Context, seedHost string) (*Topology, error) {
	topo, err := p.Snapshot(ctx, seedHost)
	if err != nil {
		return nil, err
	}
	if topo.Primary == nil {
		return nil, fmt.Errorf("shard reports no primary via %s", seedHost)
	}
	if topo.Primary.Host == seedHost {
		return topo, nil
	}
	return p.Snapshot(ctx, topo.Primary.Host)
}

// Freeze holds cluster-wide writes so topology cannot change mid-update.
func (p *Prober) Freeze(ctx context.Context, primaryHost, reason string) error {
	res, err := p.runner.Run(ctx, primaryHost, fmt.Sprintf("shardadm freeze -r %q", reason))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("shard freeze on %s exited %d: %s", primaryHost, res.ExitCode, res.Stderr)
	}
	return nil
}

// Unfreeze releases a write hold.
func (p *Prober) Unfreeze(ctx context.Context, primaryHost string) error {
	res, err := p.runner.Run(ctx, primaryHost, "shardadm unfreeze")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("shard unfreeze on %s exited %d: %s", primaryHost, res.ExitCode, res.Stderr)
	}
	return nil
}
