package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/kestrel/internal/agent/archive"
	"github.com/psantana5/kestrel/internal/agent/execution"
	"github.com/psantana5/kestrel/internal/agent/jobsetup"
	"github.com/psantana5/kestrel/internal/agent/kill"
	"github.com/psantana5/kestrel/internal/agent/process"
	"github.com/psantana5/kestrel/internal/cgroups"
	"github.com/psantana5/kestrel/pkg/logging"
	"github.com/psantana5/kestrel/pkg/models"
)

var (
	execRequest  requestFlags
	execTransfer transferFlags

	execJobID       string
	execCleanup     string
	execNoCleanup   bool
	execFullCleanup bool

	execHeartbeat    time.Duration
	execKillGrace    time.Duration
	execMemoryCgroup bool
)

// execCmd represents the exec command
var execCmd = &cobra.Command{
	Use:   "exec [flags] -- [command args]",
	Short: "Run a job on this host",
	Long: `Submit a job (or claim an already submitted one with --job-id), set up its
directory, run it and report the outcome to the server.

Exit codes: 0 success, 101 agent init failure, 102 invalid arguments,
103 job setup failed before launch, 104 job failed, 105 job killed.`,
	RunE: runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)

	flags := execCmd.Flags()
	execRequest.register(flags)
	execTransfer.register(flags)
	flags.StringVar(&execJobID, "job-id", "", "claim and run an already submitted job")
	flags.StringVar(&execCleanup, "cleanup", string(jobsetup.DependenciesCleanup), "cleanup after the job: none, dependencies, full")
	flags.BoolVar(&execNoCleanup, "no-cleanup", false, "keep the whole job directory")
	flags.BoolVar(&execFullCleanup, "full-cleanup", false, "remove the whole job directory")
	flags.DurationVar(&execHeartbeat, "heartbeat-interval", 5*time.Second, "how often the server is asked for kill requests")
	flags.DurationVar(&execKillGrace, "kill-grace", 10*time.Second, "time between SIGTERM and SIGKILL")
	flags.BoolVar(&execMemoryCgroup, "memory-cgroup", false, "cap job memory with a cgroup")
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger()
	defer logger.Close()

	var req *models.JobRequest
	if execJobID == "" {
		r, err := execRequest.build(args)
		if err != nil {
			return withCode(ExitInvalidArgs, err)
		}
		req = r
	} else if len(args) > 0 {
		return withCode(ExitInvalidArgs, fmt.Errorf("command arguments cannot be combined with --job-id"))
	}

	strategy, err := cleanupStrategy(execCleanup, execNoCleanup, execFullCleanup)
	if err != nil {
		return withCode(ExitInvalidArgs, err)
	}

	c, err := newClient()
	if err != nil {
		return withCode(ExitInitFailure, fmt.Errorf("server client: %w", err))
	}
	registry, err := execTransfer.registry(ctx)
	if err != nil {
		return withCode(ExitInitFailure, fmt.Errorf("file transfers: %w", err))
	}
	archiver, err := archive.New(registry, archive.DefaultExcludes, logger)
	if err != nil {
		return withCode(ExitInitFailure, err)
	}

	killer := kill.NewService()
	stopSignals := killer.ListenForSignals(ctx)
	defer stopSignals()

	var cg *cgroups.Manager
	if execMemoryCgroup {
		cg = cgroups.New()
	}

	var agentLog *os.File
	stages := &execution.Stages{
		Client:   c,
		Setup:    jobsetup.NewService(registry, logger),
		Process:  process.NewManager(killer, execKillGrace),
		Archiver: archiver,
		Poller:   kill.NewPoller(c, killer, execHeartbeat),
		Logger:   logger,
		Cgroups:  cg,
		OnJobDirectory: func(l jobsetup.Layout) {
			f, err := os.OpenFile(l.AgentLog(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				logger.Warn("Agent log unavailable", map[string]interface{}{"error": err.Error()})
				return
			}
			agentLog = f
			logger.SetOutput(io.MultiWriter(os.Stderr, f))
		},
		OnShutdown: func() {
			if agentLog != nil {
				logger.SetOutput(os.Stderr)
				agentLog.Close()
			}
		},
	}

	ec := execution.NewExecutionContext(execJobID, req, strategy)
	ec.Agent = agentMetadata()
	machine := execution.NewMachine(stages.Actions(), killer, execution.WithLogger(logger))
	runErr := machine.Run(ctx, ec)

	return execOutcome(ec, runErr, logger)
}

// execOutcome maps the finished run to the command's exit code
func execOutcome(ec *execution.ExecutionContext, runErr error, logger *logging.Logger) error {
	fields := map[string]interface{}{
		"job_id":  ec.JobID,
		"status":  string(ec.FinalStatus),
		"message": ec.FinalMessage,
	}
	code := outcomeCode(ec)
	switch code {
	case ExitOK:
		logger.Info("Job finished", fields)
		return nil
	case ExitAborted:
		fields["kill_source"] = string(ec.KillSource)
		logger.Info("Job killed", fields)
		return withCode(code, nil)
	}

	if runErr == nil {
		runErr = fmt.Errorf("job %s %s: %s", ec.JobID, ec.FinalStatus, ec.FinalMessage)
	}
	fields["error"] = runErr.Error()
	logger.Error("Job did not succeed", fields)
	return withCode(code, runErr)
}

// outcomeCode is 105 for a killed job, 103 for a fatal error before launch
// and 104 for any other failure
func outcomeCode(ec *execution.ExecutionContext) int {
	switch {
	case ec.FinalStatus == models.JobStatusKilled:
		return ExitAborted
	case ec.FinalStatus == models.JobStatusSucceeded && ec.Fatal() == nil:
		return ExitOK
	case ec.Fatal() != nil && !ec.Launched:
		return ExitCommandInit
	default:
		return ExitExecFailure
	}
}

func cleanupStrategy(name string, none, full bool) (jobsetup.CleanupStrategy, error) {
	if none && full {
		return "", fmt.Errorf("--no-cleanup and --full-cleanup are mutually exclusive")
	}
	if none {
		return jobsetup.NoCleanup, nil
	}
	if full {
		return jobsetup.FullCleanup, nil
	}
	return jobsetup.ParseCleanupStrategy(name)
}

func agentMetadata() models.AgentMetadata {
	hostname, _ := os.Hostname()
	return models.AgentMetadata{
		Hostname: hostname,
		Version:  Version,
		PID:      os.Getpid(),
	}
}
