package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/kestrel/internal/agent/archive"
	"github.com/psantana5/kestrel/internal/agent/hostinfo"
	"github.com/psantana5/kestrel/internal/agent/jobsetup"
	"github.com/psantana5/kestrel/internal/agent/process"
	"github.com/psantana5/kestrel/internal/cgroups"
	"github.com/psantana5/kestrel/pkg/logging"
	"github.com/psantana5/kestrel/pkg/models"
)

// JobClient is the server API the agent uses
type JobClient interface {
	SubmitJob(ctx context.Context, req *models.JobRequest) (string, error)
	ClaimJob(ctx context.Context, jobID string, agent models.AgentMetadata) (string, error)
	GetJobSpecification(ctx context.Context, jobID string) (*models.JobSpecification, error)
	ChangeJobStatus(ctx context.Context, jobID, token string, update models.JobStatusUpdate) error
}

// Poller watches the server for kill requests while the job runs
type Poller interface {
	Start(ctx context.Context, jobID, token string)
	Stop()
}

// Stages holds the collaborators the state actions use
type Stages struct {
	Client   JobClient
	Setup    *jobsetup.Service
	Process  *process.Manager
	Archiver *archive.Archiver
	Poller   Poller
	Logger   *logging.Logger
	// Cgroups enables a memory limit equal to the job memory when set
	Cgroups *cgroups.Manager
	// OnJobDirectory is called once the job directory exists
	OnJobDirectory func(l jobsetup.Layout)
	// OnShutdown runs in SHUTDOWN, for flushing logs
	OnShutdown func()
}

// Actions returns the action table for NewMachine
func (s *Stages) Actions() map[State]Action {
	if s.Logger == nil {
		s.Logger = logging.NewLogger(logging.INFO, false)
	}
	return map[State]Action{
		StateStart:                   s.start,
		StateClaimJob:                s.claimJob,
		StateConfigureAgent:          s.configureAgent,
		StateResolveJobSpecification: s.resolveJobSpecification,
		StateCreateJobDirectory:      s.createJobDirectory,
		StateDownloadJobDependencies: s.downloadJobDependencies,
		StateCreateJobScript:         s.createJobScript,
		StateLaunchJob:               s.launchJob,
		StateMonitorJob:              s.monitorJob,
		StateDetermineJobOutcome:     s.determineJobOutcome,
		StateArchiveJobOutputs:       s.archiveJobOutputs,
		StateCleanupJobDirectory:     s.cleanupJobDirectory,
		StateShutdown:                s.shutdown,
	}
}

func (s *Stages) start(_ context.Context, ec *ExecutionContext) error {
	s.Logger.Info("Agent starting", map[string]interface{}{
		"job_id":  ec.JobID,
		"version": ec.Agent.Version,
		"host":    ec.Agent.Hostname,
	})
	return nil
}

func (s *Stages) claimJob(ctx context.Context, ec *ExecutionContext) error {
	if ec.JobID == "" {
		if ec.JobRequest == nil {
			return fmt.Errorf("no job id and no job request")
		}
		id, err := s.Client.SubmitJob(ctx, ec.JobRequest)
		if err != nil {
			return fmt.Errorf("submit job: %w", err)
		}
		ec.JobID = id
		s.Logger.Info("Job submitted", map[string]interface{}{"job_id": id})
	}
	token, err := s.Client.ClaimJob(ctx, ec.JobID, ec.Agent)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", ec.JobID, err)
	}
	ec.ClaimToken = token
	ec.CurrentStatus = models.JobStatusClaimed
	return nil
}

func (s *Stages) configureAgent(ctx context.Context, ec *ExecutionContext) error {
	info := hostinfo.Collect(ctx)
	s.Logger.Info("Agent host", map[string]interface{}{
		"hostname":        info.Hostname,
		"platform":        info.Platform,
		"kernel":          info.KernelVersion,
		"cpus":            info.CPUs,
		"memory_total_mb": info.MemoryTotalMB,
		"cleanup":         string(ec.Cleanup),
	})
	if s.Poller != nil {
		s.Poller.Start(ctx, ec.JobID, ec.ClaimToken)
	}
	return nil
}

func (s *Stages) resolveJobSpecification(ctx context.Context, ec *ExecutionContext) error {
	spec, err := s.Client.GetJobSpecification(ctx, ec.JobID)
	if err != nil {
		return fmt.Errorf("get job specification: %w", err)
	}
	ec.Spec = spec
	return nil
}

func (s *Stages) createJobDirectory(_ context.Context, ec *ExecutionContext) error {
	l, err := s.Setup.CreateJobDirectory(ec.Spec)
	if err != nil {
		return err
	}
	ec.Layout = l
	ec.DirCreated = true
	if s.OnJobDirectory != nil {
		s.OnJobDirectory(l)
	}
	return nil
}

func (s *Stages) downloadJobDependencies(ctx context.Context, ec *ExecutionContext) error {
	_, err := s.Setup.DownloadJobResources(ctx, ec.Spec, ec.Layout)
	return err
}

func (s *Stages) createJobScript(ctx context.Context, ec *ExecutionContext) error {
	path, err := s.Setup.CreateJobScript(ec.Spec, ec.Layout)
	if err != nil {
		return err
	}
	ec.ScriptPath = path
	return s.report(ctx, ec, models.JobStatusInit, "Job script created", 0, nil)
}

func (s *Stages) launchJob(ctx context.Context, ec *ExecutionContext) error {
	opts := process.Options{
		JobID:       ec.JobID,
		Dir:         ec.Layout.Root,
		Command:     []string{ec.ScriptPath},
		Env:         ec.Spec.EnvironmentVariables,
		Interactive: ec.Spec.Interactive,
		Stdout:      ec.Layout.Stdout(),
		Stderr:      ec.Layout.Stderr(),
	}
	if ec.Spec.TimeoutSeconds != nil && *ec.Spec.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(*ec.Spec.TimeoutSeconds) * time.Second
	}
	if s.Cgroups != nil {
		opts.Cgroups = s.Cgroups
		opts.Limits = cgroups.Limits{MemoryMax: cgroups.MemoryLimitFromMB(ec.Spec.Memory)}
	}

	pid, err := s.Process.Launch(opts)
	if errors.Is(err, process.ErrAborted) {
		s.Logger.Info("Launch abandoned after kill", map[string]interface{}{"job_id": ec.JobID})
		return nil
	}
	if err != nil {
		return err
	}
	ec.Launched = true
	ec.PID = pid
	ec.LaunchedAt = time.Now()

	if err := s.report(ctx, ec, models.JobStatusRunning, "Job process launched", pid, nil); err != nil {
		return fmt.Errorf("job launched but not reported running: %w", err)
	}
	return nil
}

func (s *Stages) monitorJob(ctx context.Context, ec *ExecutionContext) error {
	if !ec.Launched && ec.Killed {
		// killed before launch, nothing to supervise
		return nil
	}
	res, err := s.Process.Wait(ctx)
	if err != nil {
		return err
	}
	ec.Result = res
	s.Logger.Info("Job process exited", map[string]interface{}{
		"job_id":    ec.JobID,
		"status":    string(res.Status),
		"exit_code": res.ExitCode,
		"duration":  time.Since(ec.LaunchedAt).String(),
	})
	return nil
}

func (s *Stages) determineJobOutcome(ctx context.Context, ec *ExecutionContext) error {
	if ec.Launched && ec.Result == nil {
		// a fatal error left the process unsupervised
		if _, err := s.Process.Terminate(ctx); err != nil {
			s.Logger.Error("Failed to stop job process", map[string]interface{}{"job_id": ec.JobID, "error": err})
		}
	}

	status, message := ec.DetermineOutcome()
	ec.FinalStatus, ec.FinalMessage = status, message

	fields := map[string]interface{}{"job_id": ec.JobID, "status": string(status), "message": message}
	if status == models.JobStatusKilled {
		s.Logger.Info("Job killed", fields)
	} else {
		s.Logger.Info("Job finished", fields)
	}

	if !ec.Claimed() || models.IsTerminalState(ec.CurrentStatus) {
		return nil
	}
	var exitCode *int
	if ec.Result != nil {
		code := ec.Result.ExitCode
		exitCode = &code
	}
	if err := s.report(ctx, ec, status, message, 0, exitCode); err != nil {
		s.Logger.Error("Failed to report final job status", map[string]interface{}{"job_id": ec.JobID, "error": err})
	}
	return nil
}

func (s *Stages) archiveJobOutputs(ctx context.Context, ec *ExecutionContext) error {
	if s.Archiver == nil || !ec.DirCreated || ec.Spec == nil || ec.Spec.ArchiveLocation == "" {
		return nil
	}
	_, err := s.Archiver.Archive(ctx, ec.Layout.Root, ec.Spec.ArchiveLocation)
	return err
}

func (s *Stages) cleanupJobDirectory(_ context.Context, ec *ExecutionContext) error {
	if !ec.DirCreated {
		return nil
	}
	return s.Setup.Cleanup(ec.Layout, ec.Cleanup)
}

func (s *Stages) shutdown(_ context.Context, ec *ExecutionContext) error {
	if s.Poller != nil {
		s.Poller.Stop()
	}
	s.Logger.Info("Agent shutting down", map[string]interface{}{
		"job_id": ec.JobID,
		"status": string(ec.FinalStatus),
	})
	if s.OnShutdown != nil {
		s.OnShutdown()
	}
	return nil
}

// report sends a status change and records it once the server accepted it
func (s *Stages) report(ctx context.Context, ec *ExecutionContext, to models.JobStatus, message string, pid int, exitCode *int) error {
	err := s.Client.ChangeJobStatus(ctx, ec.JobID, ec.ClaimToken, models.JobStatusUpdate{
		CurrentStatus: ec.CurrentStatus,
		NewStatus:     to,
		Message:       message,
		ProcessID:     pid,
		ExitCode:      exitCode,
	})
	if err != nil {
		return fmt.Errorf("report %s: %w", to, err)
	}
	ec.CurrentStatus = to
	return nil
}
