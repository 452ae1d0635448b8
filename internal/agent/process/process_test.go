package process

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/kestrel/internal/agent/kill"
	"github.com/psantana5/kestrel/pkg/models"
)

func options(t *testing.T, script string) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		JobID:   "job-1",
		Dir:     dir,
		Command: []string{"/bin/sh", "-c", script},
		Env:     map[string]string{"KESTREL_JOB_ID": "job-1"},
		Stdout:  filepath.Join(dir, "stdout"),
		Stderr:  filepath.Join(dir, "stderr"),
	}
}

func TestSucceeded(t *testing.T) {
	opts := options(t, `echo "hello $KESTREL_JOB_ID"; echo oops >&2`)
	m := NewManager(kill.NewService(), 0)

	pid, err := m.Launch(opts)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)
	assert.Equal(t, pid, m.PID())

	res, err := m.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, res.Status)
	assert.Equal(t, 0, res.ExitCode)

	out, err := os.ReadFile(opts.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "hello job-1\n", string(out))
	errOut, err := os.ReadFile(opts.Stderr)
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))
}

func TestFailedExitCode(t *testing.T) {
	m := NewManager(kill.NewService(), 0)
	_, err := m.Launch(options(t, "exit 3"))
	require.NoError(t, err)

	res, err := m.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, MessageFailed, res.Message)
}

func TestKillStopsProcessGroup(t *testing.T) {
	killer := kill.NewService()
	m := NewManager(killer, time.Second)
	_, err := m.Launch(options(t, "sleep 30 & wait"))
	require.NoError(t, err)

	go func() {
		time.Sleep(200 * time.Millisecond)
		killer.Kill(kill.SourceServerRequest, "user")
	}()

	start := time.Now()
	res, err := m.Wait(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, models.JobStatusKilled, res.Status)
	assert.Equal(t, MessageKilled, res.Message)
	assert.Equal(t, kill.SourceServerRequest, res.KillSource)
}

func TestSigkillAfterGrace(t *testing.T) {
	killer := kill.NewService()
	m := NewManager(killer, 200*time.Millisecond)
	_, err := m.Launch(options(t, `trap "" TERM; while true; do sleep 0.1; done`))
	require.NoError(t, err)
	killer.Kill(kill.SourceSystemSignal, "test")

	res, err := m.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusKilled, res.Status)
}

func TestTimeout(t *testing.T) {
	killer := kill.NewService()
	opts := options(t, "sleep 30")
	opts.Timeout = 300 * time.Millisecond
	m := NewManager(killer, time.Second)
	_, err := m.Launch(opts)
	require.NoError(t, err)

	res, err := m.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusKilled, res.Status)
	assert.Equal(t, MessageTimeout, res.Message)
	assert.Equal(t, kill.SourceTimeout, killer.Source())
}

func TestLaunchErrors(t *testing.T) {
	killer := kill.NewService()
	m := NewManager(killer, 0)

	_, err := m.Wait(context.Background())
	assert.ErrorIs(t, err, ErrNotLaunched)

	opts := options(t, "true")
	opts.Command = nil
	_, err = m.Launch(opts)
	assert.Error(t, err)

	opts = options(t, "true")
	opts.Dir = filepath.Join(opts.Dir, "missing")
	_, err = m.Launch(opts)
	assert.Error(t, err)

	_, err = m.Launch(options(t, "true"))
	require.NoError(t, err)
	_, err = m.Launch(options(t, "true"))
	assert.ErrorIs(t, err, ErrAlreadyLaunched)
	_, err = m.Wait(context.Background())
	assert.NoError(t, err)
}

func TestLaunchAfterKill(t *testing.T) {
	killer := kill.NewService()
	killer.Kill(kill.SourceSystemSignal, "early")
	_, err := NewManager(killer, 0).Launch(options(t, "true"))
	assert.ErrorIs(t, err, ErrAborted)
}

func TestOutcomeKillBeatsExitCode(t *testing.T) {
	res := outcome(0, kill.SourceServerRequest)
	assert.Equal(t, models.JobStatusKilled, res.Status)
	res = outcome(1, kill.SourceTimeout)
	assert.Equal(t, MessageTimeout, res.Message)
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"PATH=/bin", "HOME=/root", "B=old"}, map[string]string{"B": "new", "A": "1"})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root", "A=1", "B=new"}, env)
	assert.False(t, strings.Contains(strings.Join(env, " "), "B=old"))
}

func TestTerminateIsNotAKill(t *testing.T) {
	killer := kill.NewService()
	m := NewManager(killer, time.Second)
	_, err := m.Launch(options(t, "sleep 30"))
	require.NoError(t, err)

	res, err := m.Terminate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, res.Status)
	assert.False(t, killer.Killed())
}
