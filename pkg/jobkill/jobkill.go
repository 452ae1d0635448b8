// Package jobkill kills jobs on behalf of users and operators.
package jobkill

import (
	"context"
	"errors"

	"github.com/psantana5/kestrel/pkg/logging"
	"github.com/psantana5/kestrel/pkg/models"
	"github.com/psantana5/kestrel/pkg/store"
)

const maxAttempts = 3

// Releaser gives back the memory reserved for a job
type Releaser interface {
	Release(ctx context.Context, jobID string) error
}

// Recorder counts kill requests by the phase the job was in
type Recorder interface {
	IncKillRequest(phase string)
}

type noopRecorder struct{}

func (noopRecorder) IncKillRequest(string) {}

// Service kills jobs. Jobs no agent has claimed yet are moved to KILLED
// directly; claimed jobs get the kill flag for their agent to act on.
type Service struct {
	store    store.JobPersistence
	releaser Releaser
	recorder Recorder
	logger   *logging.Logger
}

// New creates a kill service. recorder and logger may be nil.
func New(st store.JobPersistence, releaser Releaser, recorder Recorder, logger *logging.Logger) *Service {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Service{store: st, releaser: releaser, recorder: recorder, logger: logger}
}

// KillJob kills the job. Killing a finished job does nothing.
func (s *Service) KillJob(ctx context.Context, jobID, reason string) error {
	const op = "jobkill.kill_job"

	if reason == "" {
		reason = "killed by request"
	}
	log := s.logger.WithField("job_id", jobID)

	for attempt := 1; ; attempt++ {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}

		switch {
		case models.IsTerminalState(job.Status):
			log.Debug("Kill ignored, job already finished", map[string]interface{}{"status": string(job.Status)})
			return nil

		case !models.IsClaimedState(job.Status):
			err := s.store.UpdateJobStatus(ctx, jobID, job.Status, models.JobStatusKilled, reason)
			if errors.Is(err, models.ErrInvalidStatus) {
				if attempt < maxAttempts {
					// status moved underneath us, look again
					continue
				}
				return err
			}
			if err != nil {
				return models.WrapError(models.ErrServer, op, err, "kill unclaimed job %s", jobID)
			}
			s.recorder.IncKillRequest("unclaimed")
			if err := s.releaser.Release(ctx, jobID); err != nil {
				log.Error("Failed to release memory of killed job", map[string]interface{}{"error": err})
			}
			log.Info("Killed unclaimed job", map[string]interface{}{"from": string(job.Status), "reason": reason})
			return nil

		default:
			if err := s.store.RequestKill(ctx, jobID, reason); err != nil {
				return err
			}
			s.recorder.IncKillRequest("claimed")
			log.Info("Kill requested", map[string]interface{}{"status": string(job.Status), "reason": reason})
			return nil
		}
	}
}
