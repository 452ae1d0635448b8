package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/kestrel/pkg/models"
	"github.com/psantana5/kestrel/pkg/store"
)

// Config holds scheduler configuration
type Config struct {
	// MaxSystemMemory is the memory in MB all admitted jobs may use together.
	// Zero disables the ceiling.
	MaxSystemMemory int           `mapstructure:"max_system_memory"`
	ClaimTimeout    time.Duration `mapstructure:"claim_timeout"` // ACCEPTED jobs unclaimed for longer are failed
	ReapInterval    time.Duration `mapstructure:"reap_interval"` // how often the reaper runs
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxSystemMemory: 30720 * 10,
		ClaimTimeout:    5 * time.Minute,
		ReapInterval:    30 * time.Second,
	}
}

// Service is the job state service: it admits resolved jobs against the
// shared memory counter and returns capacity when jobs leave.
type Service struct {
	store   store.JobPersistence
	counter UsageCounter
	config  Config
	now     func() time.Time

	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler service. A nil counter uses a LocalCounter.
func New(st store.JobPersistence, counter UsageCounter, config Config) *Service {
	if counter == nil {
		counter = NewLocalCounter()
	}
	return &Service{
		store:   st,
		counter: counter,
		config:  config,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// MaxSystemMemory returns the configured ceiling
func (s *Service) MaxSystemMemory() int {
	return s.config.MaxSystemMemory
}

// GetUsedMemory returns the memory reserved by admitted jobs
func (s *Service) GetUsedMemory(ctx context.Context) (int, error) {
	return s.counter.Used(ctx)
}

// JobExists reports whether the job is known to the store
func (s *Service) JobExists(ctx context.Context, jobID string) (bool, error) {
	_, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Schedule reserves the job's memory and moves it from RESOLVED to ACCEPTED.
// The reservation is released if the status change fails.
func (s *Service) Schedule(ctx context.Context, jobID string, memory int) error {
	const op = "scheduler.schedule"

	ok, err := s.counter.Reserve(ctx, jobID, memory, s.config.MaxSystemMemory)
	if err != nil {
		return models.WrapError(models.ErrServer, op, err, "reserve memory for job %s", jobID)
	}
	if !ok {
		return models.NewError(models.ErrServerUnavailable, op,
			"reserving %d MB for job %s would exceed the system limit of %d MB", memory, jobID, s.config.MaxSystemMemory)
	}

	if err := s.store.UpdateJobStatus(ctx, jobID, models.JobStatusResolved, models.JobStatusAccepted, "job accepted"); err != nil {
		if _, relErr := s.counter.Release(ctx, jobID); relErr != nil {
			log.Printf("[Scheduler] Failed to release reservation of job %s: %v", jobID, relErr)
		}
		return fmt.Errorf("accept job %s: %w", jobID, err)
	}
	return nil
}

// Release returns the job's reserved memory. Releasing a job without a
// reservation is a no-op.
func (s *Service) Release(ctx context.Context, jobID string) error {
	if _, err := s.counter.Release(ctx, jobID); err != nil {
		return err
	}
	return nil
}

// Recover rebuilds reservations for jobs the store already holds as admitted,
// for example after a restart with a LocalCounter.
func (s *Service) Recover(ctx context.Context) (int, error) {
	jobs, err := s.store.ListJobsByStatus(ctx,
		models.JobStatusAccepted, models.JobStatusClaimed, models.JobStatusInit, models.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list admitted jobs: %w", err)
	}
	for _, job := range jobs {
		if _, err := s.counter.Reserve(ctx, job.ID, job.MemoryUsed, 0); err != nil {
			return 0, err
		}
	}
	return len(jobs), nil
}

// Close releases the counter's resources
func (s *Service) Close() error {
	return s.counter.Close()
}
