package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, s *Stream) ([]string, error) {
	t.Helper()
	var lines []string
	for line := range s.Lines() {
		lines = append(lines, line)
	}
	return lines, s.Wait()
}

func TestRunStreamsLines(t *testing.T) {
	s, err := Run(context.Background(), Spec{
		Command: `printf 'one\ntwo\nthree\n'`,
	})
	require.NoError(t, err)

	lines, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestRunNonZeroExitCarriesStderrTail(t *testing.T) {
	s, err := Run(context.Background(), Spec{
		Command: `echo "boom: target unreachable" >&2; exit 3`,
	})
	require.NoError(t, err)

	_, err = collect(t, s)
	require.ErrorIs(t, err, ErrCommandFailed)
	assert.Contains(t, err.Error(), "exit 3")
	assert.Contains(t, err.Error(), "target unreachable")
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	start := time.Now()
	s, err := Run(context.Background(), Spec{
		Command: `echo started; sleep 30`,
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	lines, err := collect(t, s)
	assert.ErrorIs(t, err, ErrTimeout)
	// Lines delivered before the kill stay delivered
	assert.Equal(t, []string{"started"}, lines)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Run(ctx, Spec{Command: `sleep 30`})
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = collect(t, s)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunTeesToLogFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "tool.log")
	s, err := Run(context.Background(), Spec{
		Command: `printf 'alpha\nbeta\n'`,
		LogPath: logPath,
	})
	require.NoError(t, err)

	lines, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, lines)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta\n", string(data))
}

func TestRunWorkingDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	s, err := Run(context.Background(), Spec{
		Command: `pwd; echo "$OSPREY_TEST_VAR"`,
		Dir:     dir,
		Env:     []string{"OSPREY_TEST_VAR=hello"},
	})
	require.NoError(t, err)

	lines, err := collect(t, s)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], filepath.Base(dir))
	assert.Equal(t, "hello", lines[1])
}

func TestWaitIsIdempotent(t *testing.T) {
	s, err := Run(context.Background(), Spec{Command: `exit 1`})
	require.NoError(t, err)

	_, first := collect(t, s)
	second := s.Wait()
	assert.Equal(t, first, second)
}
