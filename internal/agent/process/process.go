// Package process launches the job script in its own process group and
// supervises it until it exits.
package process

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/psantana5/kestrel/internal/agent/kill"
	"github.com/psantana5/kestrel/internal/cgroups"
	"github.com/psantana5/kestrel/pkg/models"
)

// Status messages reported with the final job status
const (
	MessageSucceeded = "Job finished successfully"
	MessageFailed    = "Job failed"
	MessageKilled    = "Job was killed"
	MessageTimeout   = "Job exceeded its timeout"
)

const (
	pollInterval = 100 * time.Millisecond
	// time for a signal handler to flag a kill that raced the exit
	exitSettle         = 100 * time.Millisecond
	defaultGracePeriod = 10 * time.Second
)

var (
	// ErrAlreadyLaunched is returned by a second Launch
	ErrAlreadyLaunched = errors.New("job already launched")
	// ErrNotLaunched is returned by Wait before Launch
	ErrNotLaunched = errors.New("job not launched")
	// ErrAborted means a kill arrived before the launch
	ErrAborted = errors.New("job aborted before launch")
)

// Options describes the process to launch
type Options struct {
	JobID string
	Dir   string
	// Command is the executable and its arguments
	Command     []string
	Env         map[string]string
	Interactive bool
	// Stdout and Stderr are file paths used when not interactive
	Stdout string
	Stderr string
	// Timeout kills the job after this long, 0 means none
	Timeout time.Duration
	// Limits apply when Cgroups is set
	Limits  cgroups.Limits
	Cgroups *cgroups.Manager
}

// Result is the outcome of the job process
type Result struct {
	Status     models.JobStatus
	Message    string
	ExitCode   int
	KillSource kill.Source
}

// Manager launches one job process
type Manager struct {
	killer *kill.Service
	grace  time.Duration

	mu       sync.Mutex
	launched bool
	cmd      *exec.Cmd
	deadline time.Time
	group    *cgroups.Group
	files    []*os.File
	exited   chan struct{}
	waitErr  error
	stopping atomic.Bool
}

// NewManager creates a manager that stops the job when killer fires. A zero
// grace period means 10 seconds between SIGTERM and SIGKILL.
func NewManager(killer *kill.Service, grace time.Duration) *Manager {
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	return &Manager{killer: killer, grace: grace}
}

// Launch starts the job and returns its pid
func (m *Manager) Launch(opts Options) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.launched {
		return 0, ErrAlreadyLaunched
	}
	if len(opts.Command) == 0 {
		return 0, fmt.Errorf("job command is empty")
	}
	if info, err := os.Stat(opts.Dir); err != nil {
		return 0, fmt.Errorf("job directory: %w", err)
	} else if !info.IsDir() {
		return 0, fmt.Errorf("job directory %s is not a directory", opts.Dir)
	}
	if m.killer.Killed() {
		log.Printf("[Process] Job %s aborted, skipping launch", opts.JobID)
		return 0, ErrAborted
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(os.Environ(), opts.Env)
	// own process group so signals reach every child of the script
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if opts.Interactive {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	} else {
		stdout, err := os.OpenFile(opts.Stdout, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return 0, fmt.Errorf("open stdout: %w", err)
		}
		stderr, err := os.OpenFile(opts.Stderr, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			stdout.Close()
			return 0, fmt.Errorf("open stderr: %w", err)
		}
		cmd.Stdout, cmd.Stderr = stdout, stderr
		m.files = []*os.File{stdout, stderr}
	}

	if err := cmd.Start(); err != nil {
		m.closeFiles()
		return 0, fmt.Errorf("failed to start: %w", err)
	}
	m.launched = true
	m.cmd = cmd
	pid := cmd.Process.Pid

	if opts.Cgroups != nil && !opts.Limits.IsZero() {
		m.group = joinCgroup(opts.Cgroups, opts.JobID, pid, opts.Limits)
	}
	if opts.Timeout > 0 {
		m.deadline = time.Now().Add(opts.Timeout)
	}

	m.exited = make(chan struct{})
	go func() {
		m.waitErr = cmd.Wait()
		close(m.exited)
	}()

	log.Printf("[Process] Launched job %s (pid: %d, command: %v)", opts.JobID, pid, opts.Command)
	return pid, nil
}

// joinCgroup applies limits best effort, the job runs either way
func joinCgroup(mgr *cgroups.Manager, jobID string, pid int, limits cgroups.Limits) *cgroups.Group {
	g, err := mgr.Create(jobID)
	if err != nil {
		log.Printf("[Process] No cgroup for job %s: %v", jobID, err)
		return nil
	}
	if err := g.Join(pid); err != nil {
		log.Printf("[Process] Failed to join cgroup for job %s: %v", jobID, err)
		g.Delete()
		return nil
	}
	if err := g.Apply(limits); err != nil {
		log.Printf("[Process] Failed to apply limits for job %s: %v", jobID, err)
	}
	return g
}

// Wait supervises the job until it exits. A kill sends SIGTERM to the
// process group and SIGKILL after the grace period. An expired deadline
// kills with kill.SourceTimeout.
func (m *Manager) Wait(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	if !m.launched {
		m.mu.Unlock()
		return nil, ErrNotLaunched
	}
	cmd, deadline, exited := m.cmd, m.deadline, m.exited
	m.mu.Unlock()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var termSent time.Time
	killSent := false
	ctxDone := ctx.Done()
	for done := false; !done; {
		select {
		case <-exited:
			done = true
			continue
		case <-ctxDone:
			m.killer.Kill(kill.SourceSystemSignal, "agent context cancelled")
			ctxDone = nil
		case <-ticker.C:
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			m.killer.Kill(kill.SourceTimeout, MessageTimeout)
		}
		if !m.killer.Killed() && !m.stopping.Load() {
			continue
		}
		switch {
		case termSent.IsZero():
			log.Printf("[Process] Sending SIGTERM to process group %d", cmd.Process.Pid)
			signalGroup(cmd.Process.Pid, syscall.SIGTERM)
			termSent = time.Now()
		case !killSent && time.Since(termSent) > m.grace:
			log.Printf("[Process] Grace period over, sending SIGKILL to process group %d", cmd.Process.Pid)
			signalGroup(cmd.Process.Pid, syscall.SIGKILL)
			killSent = true
		}
	}

	time.Sleep(exitSettle)
	m.cleanup()

	exitCode := 0
	if m.waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(m.waitErr, &exitErr) {
			return nil, fmt.Errorf("wait for job: %w", m.waitErr)
		}
		exitCode = exitErr.ExitCode()
	}
	return outcome(exitCode, m.killer.Source()), nil
}

// outcome maps the exit code and kill source to a final status. A kill
// always wins over the exit code.
func outcome(exitCode int, source kill.Source) *Result {
	switch {
	case source == kill.SourceTimeout:
		return &Result{Status: models.JobStatusKilled, Message: MessageTimeout, ExitCode: exitCode, KillSource: source}
	case source != kill.SourceNone:
		return &Result{Status: models.JobStatusKilled, Message: MessageKilled, ExitCode: exitCode, KillSource: source}
	case exitCode == 0:
		return &Result{Status: models.JobStatusSucceeded, Message: MessageSucceeded}
	default:
		return &Result{Status: models.JobStatusFailed, Message: MessageFailed, ExitCode: exitCode}
	}
}

// Terminate stops a launched job without recording a kill and waits for it
// to exit
func (m *Manager) Terminate(ctx context.Context) (*Result, error) {
	m.stopping.Store(true)
	return m.Wait(ctx)
}

// PID returns the pid of the launched job, 0 before launch
func (m *Manager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeFiles()
	if m.group != nil {
		if err := m.group.Delete(); err != nil {
			log.Printf("[Process] %v", err)
		}
		m.group = nil
	}
}

func (m *Manager) closeFiles() {
	for _, f := range m.files {
		f.Close()
	}
	m.files = nil
}

func signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Printf("[Process] Failed to signal process group %d: %v", pid, err)
	}
}

// mergeEnv overlays extra on base, sorted for a stable process environment
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[name]; !ok {
			out = append(out, kv)
		}
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
