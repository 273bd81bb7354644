package dispatch

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/perchsec/osprey/pkg/log"
	"github.com/perchsec/osprey/pkg/types"
)

// ExecuteFunc runs a scan to completion on this process. Cancellation of
// the context tears the scan's tools down.
type ExecuteFunc func(ctx context.Context, scanID string) error

// LocalInvoker runs scans in-process on background tasks. The returned
// container id names the task and is only meaningful to this invoker.
type LocalInvoker struct {
	execute ExecuteFunc

	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

// NewLocalInvoker builds an invoker that executes scans with fn
func NewLocalInvoker(fn ExecuteFunc) *LocalInvoker {
	return &LocalInvoker{
		execute: fn,
		tasks:   make(map[string]context.CancelFunc),
	}
}

// Invoke starts the scan on a detached task and returns its task id
func (l *LocalInvoker) Invoke(_ context.Context, _ *types.Worker, scan *types.Scan) (string, error) {
	taskID := "task-" + uuid.New().String()[:8]
	ctx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.tasks[taskID] = cancel
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.tasks, taskID)
			l.mu.Unlock()
			cancel()
		}()
		if err := l.execute(ctx, scan.ID); err != nil {
			logger := log.WithScanID(scan.ID)
			logger.Error().Err(err).Msg("Scan execution failed")
		}
	}()
	return taskID, nil
}

// Cancel cancels the named task. Unknown ids are already finished and
// are not an error.
func (l *LocalInvoker) Cancel(_ *types.Worker, containerID string) error {
	l.mu.Lock()
	cancel := l.tasks[containerID]
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Running reports whether the task is still executing
func (l *LocalInvoker) Running(containerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.tasks[containerID]
	return ok
}

// SSHInvoker starts scans on remote workers by running the osprey binary
// over ssh. The ssh client process is the handle: killing its process
// group hangs up the session and the remote side tears the scan down.
type SSHInvoker struct {
	RemoteBinary string // path of the osprey binary on workers

	mu   sync.Mutex
	pids map[string]int
}

// NewSSHInvoker builds an invoker that execs scans over ssh
func NewSSHInvoker(remoteBinary string) *SSHInvoker {
	if remoteBinary == "" {
		remoteBinary = "osprey"
	}
	return &SSHInvoker{RemoteBinary: remoteBinary, pids: make(map[string]int)}
}

// Invoke starts `osprey exec` on the worker over ssh
func (s *SSHInvoker) Invoke(_ context.Context, worker *types.Worker, scan *types.Scan) (string, error) {
	if worker.Address == "" {
		return "", fmt.Errorf("worker %s has no address", worker.Name)
	}

	cmd := exec.Command("ssh", "-T", worker.Address,
		s.RemoteBinary, "exec", "--scan-id", scan.ID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("ssh to %s: %w", worker.Address, err)
	}

	containerID := "ssh-" + uuid.New().String()[:8]
	s.mu.Lock()
	s.pids[containerID] = cmd.Process.Pid
	s.mu.Unlock()

	go func() {
		if err := cmd.Wait(); err != nil {
			logger := log.WithScanID(scan.ID)
			logger.Warn().Err(err).Str("worker", worker.Name).Msg("Remote scan session ended with error")
		}
		s.mu.Lock()
		delete(s.pids, containerID)
		s.mu.Unlock()
	}()
	return containerID, nil
}

// Cancel kills the ssh session's process group
func (s *SSHInvoker) Cancel(_ *types.Worker, containerID string) error {
	s.mu.Lock()
	pid, ok := s.pids[containerID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}
