package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/psantana5/kestrel/pkg/models"
)

// Start runs the reaper loop until Stop is called or ctx is done
func (s *Service) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	interval := s.config.ReapInterval
	if interval <= 0 {
		interval = DefaultConfig().ReapInterval
	}
	log.Printf("[Scheduler] Starting reaper (interval: %v, claim timeout: %v)", interval, s.config.ClaimTimeout)

	go func() {
		defer close(s.doneCh)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n, err := s.ReapUnclaimed(ctx); err != nil {
					log.Printf("[Scheduler] Reaper error: %v", err)
				} else if n > 0 {
					log.Printf("[Scheduler] Failed %d unclaimed jobs", n)
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reaper loop and waits for it to exit
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if !s.started.Load() {
		return
	}

	select {
	case <-s.doneCh:
	case <-time.After(10 * time.Second):
		log.Println("[Scheduler] Stop timeout - reaper still running")
	}
}

// ReapUnclaimed fails ACCEPTED jobs no agent claimed within the claim timeout
// and releases their reservations.
func (s *Service) ReapUnclaimed(ctx context.Context) (int, error) {
	if s.config.ClaimTimeout <= 0 {
		return 0, nil
	}
	jobs, err := s.store.ListJobsByStatus(ctx, models.JobStatusAccepted)
	if err != nil {
		return 0, fmt.Errorf("list accepted jobs: %w", err)
	}

	cutoff := s.now().Add(-s.config.ClaimTimeout)
	reaped := 0
	for _, job := range jobs {
		if job.Claimed || job.UpdatedAt.After(cutoff) {
			continue
		}
		msg := fmt.Sprintf("not claimed within %v", s.config.ClaimTimeout)
		if err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusAccepted, models.JobStatusFailed, msg); err != nil {
			// claimed or killed in the meantime
			log.Printf("[Scheduler] Skipping job %s: %v", job.ID, err)
			continue
		}
		if err := s.Release(ctx, job.ID); err != nil {
			log.Printf("[Scheduler] Failed to release reservation of job %s: %v", job.ID, err)
		}
		reaped++
	}
	return reaped, nil
}
