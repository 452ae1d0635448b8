package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/kestrel/internal/agent/jobsetup"
	"github.com/psantana5/kestrel/internal/agent/kill"
	"github.com/psantana5/kestrel/internal/agent/process"
	"github.com/psantana5/kestrel/pkg/models"
)

// FatalError is the failure of a critical state
type FatalError struct {
	State State
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error in state %s: %v", e.State, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// ExecutionContext is the scratch space of one run. It is owned by the
// driver and the stage actions it calls.
type ExecutionContext struct {
	// JobID is set by the caller for a pre-submitted job, or by CLAIM_JOB
	// after submitting JobRequest
	JobID      string
	JobRequest *models.JobRequest
	ClaimToken string
	Agent      models.AgentMetadata

	Spec       *models.JobSpecification
	Layout     jobsetup.Layout
	DirCreated bool
	ScriptPath string

	// CurrentStatus is the job status last acknowledged by the server
	CurrentStatus models.JobStatus
	Launched      bool
	PID           int
	LaunchedAt    time.Time
	Result        *process.Result

	Killed     bool
	KillSource kill.Source
	KillReason string

	// AttemptsLeft counts the remaining tries of the running state
	AttemptsLeft int
	Cleanup      jobsetup.CleanupStrategy

	// FinalStatus and FinalMessage are set by DETERMINE_JOB_OUTCOME
	FinalStatus  models.JobStatus
	FinalMessage string
	// Visited records the states that ran, in order
	Visited []State

	fatalOnce sync.Once
	fatal     *FatalError
}

// NewExecutionContext returns a context for jobID, or for req when the
// agent submits the job itself
func NewExecutionContext(jobID string, req *models.JobRequest, cleanup jobsetup.CleanupStrategy) *ExecutionContext {
	if cleanup == "" {
		cleanup = jobsetup.DependenciesCleanup
	}
	return &ExecutionContext{JobID: jobID, JobRequest: req, Cleanup: cleanup}
}

// SetFatal records err as the fatal error. Only the first call has effect.
func (c *ExecutionContext) SetFatal(state State, err error) bool {
	set := false
	c.fatalOnce.Do(func() {
		c.fatal = &FatalError{State: state, Err: err}
		set = true
	})
	return set
}

// Fatal returns the fatal error, nil if none happened
func (c *ExecutionContext) Fatal() *FatalError { return c.fatal }

// Claimed reports whether the agent owns the job on the server
func (c *ExecutionContext) Claimed() bool { return c.ClaimToken != "" }

// DetermineOutcome computes the final job status. A monitored process
// decides by its result, which already accounts for kills. Otherwise a kill
// wins over a fatal error.
func (c *ExecutionContext) DetermineOutcome() (models.JobStatus, string) {
	switch {
	case c.Result != nil && c.fatal == nil:
		return c.Result.Status, c.Result.Message
	case c.Killed:
		if c.KillSource == kill.SourceTimeout {
			return models.JobStatusKilled, process.MessageTimeout
		}
		if c.KillReason != "" {
			return models.JobStatusKilled, process.MessageKilled + ": " + c.KillReason
		}
		return models.JobStatusKilled, process.MessageKilled
	case c.fatal != nil && c.Launched:
		return models.JobStatusFailed, "Job failed after launch: " + c.fatal.Error()
	case c.fatal != nil:
		return models.JobStatusInvalid, "Job could not be set up: " + c.fatal.Error()
	}
	return models.JobStatusInvalid, "Job did not run"
}
