package ensemble

import (
	"context"
	"fmt"
	"testing"

	"github.com/rollwave/rollwave/pkg/platform"
	"github.com/rollwave/rollwave/pkg/remote"
)

type fakeRunner struct {
	results map[string]remote.ExecResult
	errs    map[string]error
}

func (f *fakeRunner) Run(ctx context.Context, hostID, cmd string) (remote.ExecResult, error) {
	key := hostID + " " + cmd
	if err, ok := f.errs[key]; ok {
		return remote.ExecResult{ExitCode: -1}, err
	}
	if res, ok := f.results[key]; ok {
		return res, nil
	}
	return remote.ExecResult{ExitCode: 127, Stderr: "command not found"}, nil
}

func (f *fakeRunner) CheckReachable(ctx context.Context, hostID string) error { return nil }

func (f *fakeRunner) StageFile(ctx context.Context, hostID, localPath, remotePath string, mode uint32) error {
	return nil
}

func (f *fakeRunner) Close() error { return nil }

func inst(id, host string) platform.Instance {
	return platform.Instance{ID: id, Host: host}
}

func TestProbeMember(t *testing.T) {
	tests := []struct {
		name    string
		result  remote.ExecResult
		err     error
		want    Role
		wantErr bool
	}{
		{name: "leader", result: remote.ExecResult{ExitCode: 0, Stdout: "leader\n"}, want: RoleLeader},
		{name: "follower", result: remote.ExecResult{ExitCode: 0, Stdout: "follower\n"}, want: RoleFollower},
		{name: "standalone", result: remote.ExecResult{ExitCode: 0, Stdout: "standalone\n"}, want: RoleStandalone},
		{
			name:   "mid election counts as transitioning",
			result: remote.ExecResult{ExitCode: 1, Stderr: "error: election in progress"},
			want:   RoleTransitioning,
		},
		{
			name:   "unrecognized answer counts as transitioning",
			result: remote.ExecResult{ExitCode: 0, Stdout: "observer\n"},
			want:   RoleTransitioning,
		},
		{
			name:    "other failure is an error",
			result:  remote.ExecResult{ExitCode: 1, Stderr: "permission denied"},
			want:    RoleUnknown,
			wantErr: true,
		},
		{
			name:    "transport failure is an error",
			err:     fmt.Errorf("dial tcp: connection refused"),
			want:    RoleUnknown,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{results: map[string]remote.ExecResult{"cn0 " + modeCmd: tt.result}}
			if tt.err != nil {
				runner.errs = map[string]error{"cn0 " + modeCmd: tt.err}
			}
			got, err := NewProber(runner).ProbeMember(context.Background(), inst("zk0", "cn0"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("role = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProbeAllPreservesOrderAndAggregates(t *testing.T) {
	runner := &fakeRunner{
		results: map[string]remote.ExecResult{
			"cn0 " + modeCmd: {ExitCode: 0, Stdout: "follower"},
			"cn1 " + modeCmd: {ExitCode: 0, Stdout: "leader"},
			"cn2 " + modeCmd: {ExitCode: 0, Stdout: "follower"},
		},
		errs: map[string]error{"cn3 " + modeCmd: fmt.Errorf("connection refused")},
	}
	insts := []platform.Instance{
		inst("zk0", "cn0"), inst("zk1", "cn1"), inst("zk2", "cn2"), inst("zk3", "cn3"),
	}

	members, err := NewProber(runner).ProbeAll(context.Background(), insts)
	if err == nil {
		t.Fatal("expected aggregated probe error")
	}
	if len(members) != 4 {
		t.Fatalf("got %d members, want 4 (failures must not drop members)", len(members))
	}
	wantRoles := []Role{RoleFollower, RoleLeader, RoleFollower, RoleUnknown}
	for i, m := range members {
		if m.Instance.ID != insts[i].ID {
			t.Errorf("member %d = %s, want input order %s", i, m.Instance.ID, insts[i].ID)
		}
		if m.Role != wantRoles[i] {
			t.Errorf("member %d role = %s, want %s", i, m.Role, wantRoles[i])
		}
	}
}

func TestHealth(t *testing.T) {
	runner := &fakeRunner{results: map[string]remote.ExecResult{
		"cn0 " + healthCmd: {ExitCode: 0, Stdout: "ok\n"},
		"cn1 " + healthCmd: {ExitCode: 0, Stdout: "degraded\n"},
		"cn2 " + healthCmd: {ExitCode: 1, Stderr: "not serving"},
	}}
	prober := NewProber(runner)

	tests := []struct {
		host string
		want bool
	}{
		{"cn0", true},
		{"cn1", false},
		{"cn2", false},
	}
	for _, tt := range tests {
		ok, err := prober.Health(context.Background(), inst("zk", tt.host))
		if err != nil {
			t.Fatalf("Health(%s): %v", tt.host, err)
		}
		if ok != tt.want {
			t.Errorf("Health(%s) = %v, want %v", tt.host, ok, tt.want)
		}
	}
}

func TestConverged(t *testing.T) {
	mk := func(roles ...Role) []Member {
		ms := make([]Member, len(roles))
		for i, r := range roles {
			ms[i] = Member{Role: r}
		}
		return ms
	}

	tests := []struct {
		name    string
		members []Member
		want    bool
	}{
		{name: "leader and followers", members: mk(RoleFollower, RoleLeader, RoleFollower), want: true},
		{name: "single standalone", members: mk(RoleStandalone), want: true},
		{name: "single leader", members: mk(RoleLeader), want: true},
		{name: "transitioning member blocks", members: mk(RoleLeader, RoleTransitioning, RoleFollower)},
		{name: "no leader", members: mk(RoleFollower, RoleFollower, RoleFollower)},
		{name: "two leaders", members: mk(RoleLeader, RoleLeader, RoleFollower)},
		{name: "unknown member blocks", members: mk(RoleLeader, RoleFollower, RoleUnknown)},
		{name: "empty", members: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Converged(tt.members); got != tt.want {
				t.Errorf("Converged = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLeaderAndFollowers(t *testing.T) {
	members := []Member{
		{Instance: inst("zk0", "cn0"), Role: RoleFollower},
		{Instance: inst("zk1", "cn1"), Role: RoleLeader},
		{Instance: inst("zk2", "cn2"), Role: RoleFollower},
	}

	leader := Leader(members)
	if leader == nil || leader.Instance.ID != "zk1" {
		t.Fatalf("Leader = %+v, want zk1", leader)
	}

	followers := Followers(members)
	if len(followers) != 2 || followers[0].Instance.ID != "zk0" || followers[1].Instance.ID != "zk2" {
		t.Fatalf("Followers = %+v, want [zk0 zk2]", followers)
	}

	if Leader(followers) != nil {
		t.Error("Leader of followers-only set should be nil")
	}
}
