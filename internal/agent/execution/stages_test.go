package execution

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/kestrel/internal/agent/archive"
	"github.com/psantana5/kestrel/internal/agent/jobsetup"
	"github.com/psantana5/kestrel/internal/agent/kill"
	"github.com/psantana5/kestrel/internal/agent/process"
	"github.com/psantana5/kestrel/pkg/filetransfer"
	"github.com/psantana5/kestrel/pkg/models"
)

type fakeClient struct {
	mu        sync.Mutex
	spec      *models.JobSpecification
	specErr   error
	claimErr  error
	submitted []*models.JobRequest
	updates   []models.JobStatusUpdate
	onStatus  func(models.JobStatusUpdate)
}

func (f *fakeClient) SubmitJob(_ context.Context, req *models.JobRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return "submitted-1", nil
}

func (f *fakeClient) ClaimJob(context.Context, string, models.AgentMetadata) (string, error) {
	if f.claimErr != nil {
		return "", f.claimErr
	}
	return "token-1", nil
}

func (f *fakeClient) GetJobSpecification(context.Context, string) (*models.JobSpecification, error) {
	if f.specErr != nil {
		return nil, f.specErr
	}
	return f.spec, nil
}

func (f *fakeClient) ChangeJobStatus(_ context.Context, jobID, token string, u models.JobStatusUpdate) error {
	f.mu.Lock()
	f.updates = append(f.updates, u)
	cb := f.onStatus
	f.mu.Unlock()
	if token != "token-1" {
		return models.NewError(models.ErrUnauthorized, "test", "bad token")
	}
	if err := models.ValidateTransition(u.CurrentStatus, u.NewStatus); err != nil {
		return err
	}
	if cb != nil {
		cb(u)
	}
	return nil
}

func (f *fakeClient) statuses() []models.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.JobStatus
	for _, u := range f.updates {
		out = append(out, u.NewStatus)
	}
	return out
}

type harness struct {
	client  *fakeClient
	killer  *kill.Service
	machine *Machine
	archive string
}

func newHarness(t *testing.T, spec *models.JobSpecification) *harness {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	reg := filetransfer.NewRegistry(filetransfer.Local{})
	killer := kill.NewService()
	archiver, err := archive.New(reg, nil, nil)
	require.NoError(t, err)

	h := &harness{client: &fakeClient{spec: spec}, killer: killer, archive: t.TempDir()}
	if spec != nil {
		spec.ArchiveLocation = "file://" + h.archive + "/" + spec.JobID
	}
	stages := &Stages{
		Client:   h.client,
		Setup:    jobsetup.NewService(reg, nil),
		Process:  process.NewManager(killer, time.Second),
		Archiver: archiver,
	}
	h.machine = NewMachine(stages.Actions(), killer, WithRetryBackoff(time.Millisecond))
	return h
}

func jobSpec(t *testing.T, args ...string) *models.JobSpecification {
	dep := filepath.Join(t.TempDir(), "tool.jar")
	require.NoError(t, os.WriteFile(dep, []byte("jar"), 0644))
	return &models.JobSpecification{
		JobID:        "job-1",
		User:         "alice",
		Cluster:      models.ExecutionResource{ID: "cluster-1"},
		Command:      models.ExecutionResource{ID: "cmd-1", Environment: models.ExecutionEnvironment{Dependencies: []string{"file://" + dep}}},
		Job:          models.ExecutionResource{ID: "job-1"},
		Executable:   []string{"sh", "-c"},
		CommandArgs:  args,
		JobDirectory: filepath.Join(t.TempDir(), "job-1"),
		EnvironmentVariables: map[string]string{
			"KESTREL_JOB_ID": "job-1",
		},
	}
}

func TestRunSucceeds(t *testing.T) {
	spec := jobSpec(t, `'echo "ran $KESTREL_JOB_ID"'`)
	h := newHarness(t, spec)
	ec := NewExecutionContext("job-1", nil, jobsetup.DependenciesCleanup)

	require.NoError(t, h.machine.Run(context.Background(), ec))
	assert.Equal(t, []models.JobStatus{models.JobStatusInit, models.JobStatusRunning, models.JobStatusSucceeded}, h.client.statuses())
	assert.Equal(t, models.JobStatusSucceeded, ec.FinalStatus)
	assert.Greater(t, h.client.updates[1].ProcessID, 0)
	require.NotNil(t, h.client.updates[2].ExitCode)
	assert.Equal(t, 0, *h.client.updates[2].ExitCode)

	l := jobsetup.NewLayout(spec.JobDirectory)
	out, err := os.ReadFile(l.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "ran job-1\n", string(out))

	archived, err := os.ReadFile(filepath.Join(h.archive, "job-1", "stdout"))
	require.NoError(t, err)
	assert.Equal(t, "ran job-1\n", string(archived))
	assert.NoFileExists(t, filepath.Join(h.archive, "job-1", "kestrel", "command", "cmd-1", "dependencies", "tool.jar"))

	assert.NoFileExists(t, filepath.Join(jobsetup.DependenciesDir(l.CommandDir("cmd-1")), "tool.jar"))
	assert.FileExists(t, l.Script())
}

func TestRunJobFails(t *testing.T) {
	h := newHarness(t, jobSpec(t, "'exit 2'"))
	ec := NewExecutionContext("job-1", nil, jobsetup.NoCleanup)

	require.NoError(t, h.machine.Run(context.Background(), ec))
	assert.Equal(t, models.JobStatusFailed, ec.FinalStatus)
	last := h.client.updates[len(h.client.updates)-1]
	assert.Equal(t, models.JobStatusFailed, last.NewStatus)
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, 2, *last.ExitCode)
}

func TestRunKilledWhileRunning(t *testing.T) {
	spec := jobSpec(t, "'sleep 30'")
	h := newHarness(t, spec)
	h.client.onStatus = func(u models.JobStatusUpdate) {
		if u.NewStatus == models.JobStatusRunning {
			go func() {
				time.Sleep(200 * time.Millisecond)
				h.killer.Kill(kill.SourceServerRequest, "user request")
			}()
		}
	}
	ec := NewExecutionContext("job-1", nil, jobsetup.FullCleanup)

	start := time.Now()
	require.NoError(t, h.machine.Run(context.Background(), ec))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, models.JobStatusKilled, ec.FinalStatus)
	assert.Equal(t, []models.JobStatus{models.JobStatusInit, models.JobStatusRunning, models.JobStatusKilled}, h.client.statuses())

	// archive and cleanup are skipped after a kill
	assert.NoDirExists(t, filepath.Join(h.archive, "job-1"))
	assert.DirExists(t, spec.JobDirectory)
}

func TestRunKilledBeforeStart(t *testing.T) {
	spec := jobSpec(t, "'echo should not run'")
	h := newHarness(t, spec)
	h.killer.Kill(kill.SourceSystemSignal, "ctrl-c")
	ec := NewExecutionContext("job-1", nil, jobsetup.NoCleanup)

	require.NoError(t, h.machine.Run(context.Background(), ec))
	assert.Nil(t, ec.Fatal())
	assert.False(t, ec.Launched)
	assert.Equal(t, models.JobStatusKilled, ec.FinalStatus)
	assert.Equal(t, []models.JobStatus{models.JobStatusKilled}, h.client.statuses())
	assert.NotContains(t, ec.Visited, StateLaunchJob)
	assert.NoFileExists(t, jobsetup.NewLayout(spec.JobDirectory).Stdout())
}

func TestRunKilledAfterScript(t *testing.T) {
	h := newHarness(t, jobSpec(t, "'echo should not run'"))
	h.client.onStatus = func(u models.JobStatusUpdate) {
		if u.NewStatus == models.JobStatusInit {
			h.killer.Kill(kill.SourceServerRequest, "user request")
		}
	}
	ec := NewExecutionContext("job-1", nil, jobsetup.NoCleanup)

	require.NoError(t, h.machine.Run(context.Background(), ec))
	assert.Nil(t, ec.Fatal())
	assert.Equal(t, models.JobStatusKilled, ec.FinalStatus)
	assert.Equal(t, []models.JobStatus{models.JobStatusInit, models.JobStatusKilled}, h.client.statuses())
}

func TestRunClaimFails(t *testing.T) {
	h := newHarness(t, jobSpec(t, "'true'"))
	h.client.claimErr = models.NewError(models.ErrConflict, "test", "already claimed")
	ec := NewExecutionContext("job-1", nil, "")

	err := h.machine.Run(context.Background(), ec)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, StateClaimJob, fatal.State)
	assert.True(t, errors.Is(err, models.ErrConflict))
	assert.Empty(t, h.client.statuses(), "nothing is reported for an unclaimed job")
	assert.Equal(t, models.JobStatusInvalid, ec.FinalStatus)
}

func TestRunSpecificationUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.client.specErr = models.NewError(models.ErrServerUnavailable, "test", "down")
	ec := NewExecutionContext("job-1", nil, "")

	err := h.machine.Run(context.Background(), ec)
	require.Error(t, err)
	assert.Equal(t, []models.JobStatus{models.JobStatusInvalid}, h.client.statuses())
	assert.Equal(t, models.JobStatusClaimed, h.client.updates[0].CurrentStatus)
}

func TestRunSubmitsJobRequest(t *testing.T) {
	spec := jobSpec(t, "'true'")
	spec.JobID = "submitted-1"
	h := newHarness(t, spec)
	req := &models.JobRequest{Metadata: models.JobMetadata{Name: "adhoc", User: "alice"}}
	ec := NewExecutionContext("", req, jobsetup.NoCleanup)

	require.NoError(t, h.machine.Run(context.Background(), ec))
	assert.Equal(t, "submitted-1", ec.JobID)
	require.Len(t, h.client.submitted, 1)
	assert.Equal(t, models.JobStatusSucceeded, ec.FinalStatus)
}

func TestRunTimeout(t *testing.T) {
	spec := jobSpec(t, "'sleep 30'")
	timeout := 1
	spec.TimeoutSeconds = &timeout
	h := newHarness(t, spec)
	ec := NewExecutionContext("job-1", nil, jobsetup.NoCleanup)

	require.NoError(t, h.machine.Run(context.Background(), ec))
	assert.Equal(t, models.JobStatusKilled, ec.FinalStatus)
	assert.Equal(t, process.MessageTimeout, ec.FinalMessage)
}
