// Package runner executes external scan tools as shell subprocesses,
// streaming their stdout line by line. Tools run in their own process
// group so a timeout kills the whole pipeline, not just the shell.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

var (
	// ErrTimeout indicates the tool exceeded its deadline and was killed
	ErrTimeout = errors.New("command timed out")

	// ErrCommandFailed indicates a non-zero exit; the error message carries
	// the tail of stderr
	ErrCommandFailed = errors.New("command failed")
)

// stderr tail retained for error messages
const stderrTailSize = 2048

// maximum stdout line length tools are allowed to emit
const maxLineSize = 4 * 1024 * 1024

// Spec describes one tool invocation
type Spec struct {
	Command string        // shell command line, run via sh -c
	Dir     string        // working directory; empty inherits
	Env     []string      // extra environment entries
	Timeout time.Duration // zero means no deadline
	LogPath string        // optional file that receives a copy of stdout
}

// Stream is a running tool. Consume Lines until it closes, then call Wait
// for the exit status. Lines delivered before a failure stay delivered.
type Stream struct {
	lines  chan string
	cmd    *exec.Cmd
	stderr *tailBuffer

	timedOut  atomic.Bool
	scanErr   error
	waitOnce  sync.Once
	waitErr   error
	copyDone  chan struct{}
	exited    chan struct{}
	killTimer *time.Timer
	cancel    context.CancelFunc
}

// Lines returns the stdout line channel; closed when the tool's stdout ends
func (s *Stream) Lines() <-chan string {
	return s.lines
}

// Run starts the tool described by spec. The returned stream's Lines
// channel must be drained or the tool will block on a full pipe.
func Run(ctx context.Context, spec Spec) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.Command("sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// New process group so the timeout kill reaches the tool's children
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	s := &Stream{
		lines:    make(chan string, 64),
		cmd:      cmd,
		stderr:   stderr,
		copyDone: make(chan struct{}),
		exited:   make(chan struct{}),
		cancel:   cancel,
	}

	if spec.Timeout > 0 {
		s.killTimer = time.AfterFunc(spec.Timeout, func() {
			s.timedOut.Store(true)
			s.kill()
		})
	}

	// Kill on context cancellation, but not after the tool has exited
	go func() {
		select {
		case <-ctx.Done():
			s.kill()
		case <-s.exited:
		}
	}()

	go s.pump(stdout, spec.LogPath)

	return s, nil
}

// pump copies stdout into the line channel, teeing to the log file
func (s *Stream) pump(stdout io.Reader, logPath string) {
	defer close(s.copyDone)
	defer close(s.lines)

	var logFile *os.File
	if logPath != "" {
		f, err := os.Create(logPath)
		if err == nil {
			logFile = f
			defer f.Close()
		}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}
		s.lines <- line
	}
	s.scanErr = scanner.Err()
}

func (s *Stream) kill() {
	select {
	case <-s.exited:
		return // already reaped, the pid may belong to someone else now
	default:
	}
	if s.cmd.Process == nil {
		return
	}
	pgid := s.cmd.Process.Pid
	syscall.Kill(-pgid, syscall.SIGKILL)
}

// Wait blocks until the tool exits and all output has been delivered.
// Returns nil on clean exit, ErrTimeout if the deadline fired, or a
// wrapped ErrCommandFailed carrying the exit code and stderr tail.
func (s *Stream) Wait() error {
	s.waitOnce.Do(func() {
		<-s.copyDone
		err := s.cmd.Wait()
		close(s.exited)
		if s.killTimer != nil {
			s.killTimer.Stop()
		}
		s.cancel()

		switch {
		case s.timedOut.Load():
			s.waitErr = ErrTimeout
		case err != nil:
			var exitErr *exec.ExitError
			code := -1
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
			tail := strings.TrimSpace(s.stderr.String())
			if tail != "" {
				s.waitErr = fmt.Errorf("%w: exit %d: %s", ErrCommandFailed, code, tail)
			} else {
				s.waitErr = fmt.Errorf("%w: exit %d", ErrCommandFailed, code)
			}
		case s.scanErr != nil:
			s.waitErr = fmt.Errorf("failed to read output: %w", s.scanErr)
		}
	})
	return s.waitErr
}

// Kill terminates the tool's process group early; Wait still reports the
// resulting status
func (s *Stream) Kill() {
	s.kill()
}

// tailBuffer retains only the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
