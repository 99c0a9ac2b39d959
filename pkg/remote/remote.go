// Package remote provides the remote command execution primitive used by
// the upgrade procedures. Commands run over SSH on a named host and return
// exit status plus both output streams; there is no retry here, callers
// own retry policy.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExecResult is the outcome of one remote command. Both output streams are
// always captured for diagnostics, regardless of exit status.
type ExecResult struct {
	// ExitCode is the command's exit code. -1 means the command did not
	// run to completion.
	ExitCode int

	// Stdout is the trimmed standard output.
	Stdout string

	// Stderr is the trimmed standard error output.
	Stderr string

	// StartedAt is when the command started executing.
	StartedAt time.Time

	// Duration is the total execution time.
	Duration time.Duration
}

// Runner executes commands on named hosts. A non-zero exit code is not an
// error at this layer; it is reported via ExecResult.ExitCode.
type Runner interface {
	// Run executes cmd on the host identified by hostID. The context
	// bounds the execution; expiry yields a transport error.
	Run(ctx context.Context, hostID, cmd string) (ExecResult, error)

	// CheckReachable verifies the host can be reached and a session
	// opened, without running any workload command. It is the
	// reachability-discovery step performed before first use.
	CheckReachable(ctx context.Context, hostID string) error

	// StageFile uploads a local file to the host at remotePath with the
	// given mode. Used to deliver image payloads.
	StageFile(ctx context.Context, hostID, localPath, remotePath string, mode uint32) error

	// Close releases all connections.
	Close() error
}

// TransportError is a failure of the transport itself: connection,
// authentication, session setup, or deadline expiry. Command failures
// (non-zero exit) are not transport errors.
type TransportError struct {
	// Op is the operation that failed (e.g. "connect", "exec", "stage").
	Op string

	// Host is the host the operation targeted.
	Host string

	// Err is the underlying error.
	Err error

	// IsTemporary indicates the error may succeed on retry.
	IsTemporary bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a transport error worth retrying.
// A host mid-reboot refuses connections; that is expected during upgrades.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}
