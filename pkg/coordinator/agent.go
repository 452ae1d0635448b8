package coordinator

import (
	"context"

	"github.com/psantana5/kestrel/pkg/models"
)

// ClaimJob hands an ACCEPTED job to the agent and returns the token the agent
// must present on every later call.
func (c *Coordinator) ClaimJob(ctx context.Context, jobID string, agent models.AgentMetadata) (*models.ClaimResponse, error) {
	const op = "coordinator.claim_job"

	token, hash, err := c.tokens.Generate()
	if err != nil {
		return nil, models.WrapError(models.ErrServer, op, err, "generate claim token")
	}
	if err := c.store.ClaimJob(ctx, jobID, agent, hash); err != nil {
		c.tokens.Forget(hash)
		return nil, err
	}
	c.logger.Info("Job claimed", map[string]interface{}{
		"job_id":   jobID,
		"hostname": agent.Hostname,
		"version":  agent.Version,
	})
	return &models.ClaimResponse{JobID: jobID, Token: token}, nil
}

// authorize loads the job and checks the claim token
func (c *Coordinator) authorize(ctx context.Context, op, jobID, token string) (*models.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Claimed {
		return nil, models.NewError(models.ErrPrecondition, op, "job %s is not claimed", jobID)
	}
	if err := c.tokens.Verify(job.ClaimTokenHash, token); err != nil {
		return nil, models.WrapError(models.ErrUnauthorized, op, err, "claim token rejected for job %s", jobID)
	}
	return job, nil
}

// ChangeJobStatus applies a status update reported by the claiming agent.
// A terminal status releases the job's reserved memory.
func (c *Coordinator) ChangeJobStatus(ctx context.Context, jobID, token string, update models.JobStatusUpdate) error {
	const op = "coordinator.change_job_status"

	job, err := c.authorize(ctx, op, jobID, token)
	if err != nil {
		return err
	}

	if err := c.store.UpdateJobStatus(ctx, jobID, update.CurrentStatus, update.NewStatus, update.Message); err != nil {
		return err
	}
	// execution details only land once the transition was accepted
	if update.ProcessID > 0 || update.ExitCode != nil {
		if err := c.store.UpdateJobExecution(ctx, jobID, update.ProcessID, update.ExitCode); err != nil {
			c.logger.Error("Failed to record job execution", map[string]interface{}{"job_id": jobID, "error": err})
		}
	}
	c.recorder.IncStatusReport(update.NewStatus)

	if models.IsTerminalState(update.NewStatus) {
		if err := c.state.Release(ctx, jobID); err != nil {
			c.logger.Error("Failed to release job memory", map[string]interface{}{"job_id": jobID, "error": err})
		}
		c.tokens.Forget(job.ClaimTokenHash)
	}
	c.logger.Info("Job status changed", map[string]interface{}{
		"job_id": jobID,
		"from":   string(update.CurrentStatus),
		"to":     string(update.NewStatus),
	})
	return nil
}

// Heartbeat tells the agent whether its job should be killed
func (c *Coordinator) Heartbeat(ctx context.Context, jobID, token string) (*models.HeartbeatResponse, error) {
	job, err := c.authorize(ctx, "coordinator.heartbeat", jobID, token)
	if err != nil {
		return nil, err
	}
	return &models.HeartbeatResponse{
		KillRequested: job.KillRequested,
		KillReason:    job.KillReason,
	}, nil
}
