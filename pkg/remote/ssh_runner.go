package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// HostResolver maps a host ID to a dialable address (host or host:port).
// The host manager facade provides the canonical implementation.
type HostResolver func(ctx context.Context, hostID string) (string, error)

// SSHRunner implements Runner over SSH with one cached connection per host.
type SSHRunner struct {
	config  *Config
	resolve HostResolver

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHRunner creates an SSH-backed Runner.
func NewSSHRunner(config *Config, resolve HostResolver) (*SSHRunner, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if resolve == nil {
		return nil, fmt.Errorf("host resolver is required")
	}
	return &SSHRunner{
		config:  config,
		resolve: resolve,
		clients: make(map[string]*ssh.Client),
	}, nil
}

// Run executes cmd on the named host, capturing both output streams. A
// non-zero exit status is reported in ExecResult, not as an error. The
// command is bounded by the context deadline, or by the configured
// CommandTimeout when the context carries none.
func (r *SSHRunner) Run(ctx context.Context, hostID, cmd string) (ExecResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.CommandTimeout)
		defer cancel()
	}

	started := time.Now()

	client, err := r.client(ctx, hostID)
	if err != nil {
		return ExecResult{ExitCode: -1}, err
	}

	session, err := client.NewSession()
	if err != nil {
		r.drop(hostID)
		return ExecResult{ExitCode: -1}, &TransportError{
			Op:          "exec",
			Host:        hostID,
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	log.Debug().
		Str("host", hostID).
		Str("command", cmd).
		Msg("executing remote command")

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	result := ExecResult{
		ExitCode:  0,
		Stdout:    strings.TrimSpace(stdoutBuf.String()),
		Stderr:    strings.TrimSpace(stderrBuf.String()),
		StartedAt: started,
		Duration:  time.Since(started),
	}

	log.Debug().
		Str("host", hostID).
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("remote command completed")

	if execErr != nil {
		if exitErr, ok := execErr.(*ssh.ExitError); ok {
			// Command ran but returned non-zero: the caller decides
			// what that means.
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		result.ExitCode = -1
		return result, &TransportError{
			Op:          "exec",
			Host:        hostID,
			Err:         execErr,
			IsTemporary: execErr != context.Canceled,
		}
	}

	return result, nil
}

// CheckReachable connects to the host and opens a throwaway session.
func (r *SSHRunner) CheckReachable(ctx context.Context, hostID string) error {
	client, err := r.client(ctx, hostID)
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		r.drop(hostID)
		return &TransportError{
			Op:          "reachability",
			Host:        hostID,
			Err:         err,
			IsTemporary: true,
		}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{
			Op:          "reachability",
			Host:        hostID,
			Err:         err,
			IsTemporary: true,
		}
	}
	return nil
}

// StageFile uploads a local file to the host via SFTP.
func (r *SSHRunner) StageFile(ctx context.Context, hostID, localPath, remotePath string, mode uint32) error {
	client, err := r.client(ctx, hostID)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		r.drop(hostID)
		return &TransportError{
			Op:          "stage",
			Host:        hostID,
			Err:         fmt.Errorf("failed to create sftp client: %w", err),
			IsTemporary: true,
		}
	}
	defer sftpClient.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "stage", Host: hostID, Err: err}
	}
	defer src.Close()

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "stage",
			Host:        hostID,
			Err:         fmt.Errorf("failed to create remote file %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}

	if _, err := dst.ReadFrom(src); err != nil {
		_ = dst.Close()
		return &TransportError{
			Op:          "stage",
			Host:        hostID,
			Err:         fmt.Errorf("failed to write remote file %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}
	if err := dst.Close(); err != nil {
		return &TransportError{Op: "stage", Host: hostID, Err: err, IsTemporary: true}
	}

	if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
		return &TransportError{
			Op:   "stage",
			Host: hostID,
			Err:  fmt.Errorf("failed to chmod remote file %s: %w", remotePath, err),
		}
	}

	log.Debug().
		Str("host", hostID).
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("staged file")
	return nil
}

// Close closes all cached connections.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for hostID, client := range r.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.clients, hostID)
	}
	return firstErr
}

// client returns a cached connection for the host, dialing if needed.
func (r *SSHRunner) client(ctx context.Context, hostID string) (*ssh.Client, error) {
	r.mu.Lock()
	if client, ok := r.clients[hostID]; ok {
		r.mu.Unlock()
		return client, nil
	}
	r.mu.Unlock()

	addr, err := r.resolve(ctx, hostID)
	if err != nil {
		return nil, &TransportError{
			Op:   "resolve",
			Host: hostID,
			Err:  err,
		}
	}
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, r.config.Port)
	}

	clientConfig, err := r.config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{
			Op:   "connect",
			Host: hostID,
			Err:  err,
		}
	}

	log.Debug().Str("host", hostID).Str("address", addr).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return nil, &TransportError{
			Op:          "connect",
			Host:        hostID,
			Err:         ctx.Err(),
			IsTemporary: true,
		}
	case err := <-errChan:
		return nil, &TransportError{
			Op:          "connect",
			Host:        hostID,
			Err:         err,
			IsTemporary: true,
		}
	case client := <-connChan:
		r.mu.Lock()
		// Another goroutine may have connected first; keep the existing one.
		if existing, ok := r.clients[hostID]; ok {
			r.mu.Unlock()
			_ = client.Close()
			return existing, nil
		}
		r.clients[hostID] = client
		r.mu.Unlock()

		log.Info().Str("host", hostID).Str("address", addr).Msg("SSH connection established")
		return client, nil
	}
}

// drop discards a cached connection after a session failure so the next
// call redials.
func (r *SSHRunner) drop(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[hostID]; ok {
		_ = client.Close()
		delete(r.clients, hostID)
	}
}
