package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/kestrel/pkg/models"
	"github.com/psantana5/kestrel/pkg/resolver"
)

type memoryJob struct {
	job         models.Job
	request     models.JobRequest
	spec        *models.JobSpecification
	transitions []models.StateTransition
}

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	clusters     map[string]*models.Cluster
	commands     map[string]*models.Command
	applications map[string]*models.Application
	jobs         map[string]*memoryJob
	resourcesMu  sync.RWMutex
	jobsMu       sync.RWMutex
	now          func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clusters:     make(map[string]*models.Cluster),
		commands:     make(map[string]*models.Command),
		applications: make(map[string]*models.Application),
		jobs:         make(map[string]*memoryJob),
		now:          time.Now,
	}
}

// Resource operations

// SaveCluster adds or replaces a cluster
func (s *MemoryStore) SaveCluster(_ context.Context, c *models.Cluster) error {
	s.resourcesMu.Lock()
	defer s.resourcesMu.Unlock()

	cp := *c
	s.clusters[c.ID] = &cp
	return nil
}

// SaveCommand adds or replaces a command
func (s *MemoryStore) SaveCommand(_ context.Context, c *models.Command) error {
	s.resourcesMu.Lock()
	defer s.resourcesMu.Unlock()

	cp := *c
	s.commands[c.ID] = &cp
	return nil
}

// SaveApplication adds or replaces an application
func (s *MemoryStore) SaveApplication(_ context.Context, a *models.Application) error {
	s.resourcesMu.Lock()
	defer s.resourcesMu.Unlock()

	cp := *a
	s.applications[a.ID] = &cp
	return nil
}

// GetCluster retrieves a cluster by ID
func (s *MemoryStore) GetCluster(_ context.Context, id string) (*models.Cluster, error) {
	s.resourcesMu.RLock()
	defer s.resourcesMu.RUnlock()

	c, ok := s.clusters[id]
	if !ok {
		return nil, resourceNotFound("store.get_cluster", "cluster", id)
	}
	cp := *c
	return &cp, nil
}

// GetCommand retrieves a command by ID
func (s *MemoryStore) GetCommand(_ context.Context, id string) (*models.Command, error) {
	s.resourcesMu.RLock()
	defer s.resourcesMu.RUnlock()

	c, ok := s.commands[id]
	if !ok {
		return nil, resourceNotFound("store.get_command", "command", id)
	}
	cp := *c
	return &cp, nil
}

// GetApplication retrieves an application by ID
func (s *MemoryStore) GetApplication(_ context.Context, id string) (*models.Application, error) {
	s.resourcesMu.RLock()
	defer s.resourcesMu.RUnlock()

	a, ok := s.applications[id]
	if !ok {
		return nil, resourceNotFound("store.get_application", "application", id)
	}
	cp := *a
	return &cp, nil
}

// ExistsByID reports whether any resource has the id
func (s *MemoryStore) ExistsByID(_ context.Context, id string) (bool, error) {
	s.resourcesMu.RLock()
	defer s.resourcesMu.RUnlock()

	_, cluster := s.clusters[id]
	_, command := s.commands[id]
	_, app := s.applications[id]
	return cluster || command || app, nil
}

// FindClusterAndCommandMatches evaluates both criteria over the catalog
func (s *MemoryStore) FindClusterAndCommandMatches(_ context.Context, clusterCriterion, commandCriterion models.Criterion) ([]models.ClusterCommandMatch, error) {
	s.resourcesMu.RLock()
	defer s.resourcesMu.RUnlock()

	clusters := make([]*models.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		clusters = append(clusters, c)
	}
	commands := make([]*models.Command, 0, len(s.commands))
	for _, c := range s.commands {
		commands = append(commands, c)
	}
	return resolver.MatchPairs(clusters, commands, clusterCriterion, commandCriterion), nil
}

// Job operations

// CreateJob adds a new job in RESERVED status
func (s *MemoryStore) CreateJob(_ context.Context, req *models.JobRequest) (*models.Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, exists := s.jobs[req.ID]; exists {
		return nil, duplicateJob("store.create_job", req.ID)
	}

	now := s.now()
	mj := &memoryJob{
		job:     newJobRecord(req, now),
		request: *req,
	}
	s.jobs[req.ID] = mj
	job := mj.job
	return &job, nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	mj, ok := s.jobs[id]
	if !ok {
		return nil, jobNotFound("store.get_job", id)
	}
	job := mj.job
	return &job, nil
}

// GetJobRequest returns the request a job was created from
func (s *MemoryStore) GetJobRequest(_ context.Context, id string) (*models.JobRequest, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	mj, ok := s.jobs[id]
	if !ok {
		return nil, jobNotFound("store.get_job_request", id)
	}
	req := mj.request
	return &req, nil
}

// UpdateJobWithRuntimeEnvironment records what the job was resolved to
func (s *MemoryStore) UpdateJobWithRuntimeEnvironment(_ context.Context, jobID, clusterID, commandID string, applicationIDs []string, memory int) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	mj, ok := s.jobs[jobID]
	if !ok {
		return jobNotFound("store.update_runtime", jobID)
	}
	mj.job.ClusterID = clusterID
	mj.job.CommandID = commandID
	mj.job.ApplicationIDs = append([]string(nil), applicationIDs...)
	mj.job.MemoryUsed = memory
	mj.job.UpdatedAt = s.now()
	return nil
}

// UpdateJobStatus performs a validated, optimistic status change
func (s *MemoryStore) UpdateJobStatus(_ context.Context, jobID string, current, next models.JobStatus, message string) error {
	const op = "store.update_job_status"

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	mj, ok := s.jobs[jobID]
	if !ok {
		return jobNotFound(op, jobID)
	}
	if mj.job.Status != current {
		return statusMismatch(op, jobID, current, mj.job.Status)
	}
	if err := models.ValidateTransition(current, next); err != nil {
		return err
	}

	now := s.now()
	applyStatus(&mj.job, next, message, now)
	mj.transitions = append(mj.transitions, models.StateTransition{
		From: current, To: next, Timestamp: now, Reason: message,
	})
	return nil
}

// UpdateJobExecution records process details reported by the agent
func (s *MemoryStore) UpdateJobExecution(_ context.Context, jobID string, processID int, exitCode *int) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	mj, ok := s.jobs[jobID]
	if !ok {
		return jobNotFound("store.update_job_execution", jobID)
	}
	if processID > 0 {
		mj.job.ProcessID = processID
	}
	if exitCode != nil {
		code := *exitCode
		mj.job.ExitCode = &code
	}
	mj.job.UpdatedAt = s.now()
	return nil
}

// SaveJobSpecification stores the resolved plan once
func (s *MemoryStore) SaveJobSpecification(_ context.Context, jobID string, spec *models.JobSpecification) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	mj, ok := s.jobs[jobID]
	if !ok {
		return jobNotFound("store.save_job_specification", jobID)
	}
	if mj.job.Resolved {
		return nil
	}
	cp := *spec
	mj.spec = &cp
	mj.job.Resolved = true
	mj.job.ArchiveLocation = spec.ArchiveLocation
	mj.job.UpdatedAt = s.now()
	return nil
}

// GetJobSpecification returns the resolved plan
func (s *MemoryStore) GetJobSpecification(_ context.Context, jobID string) (*models.JobSpecification, error) {
	const op = "store.get_job_specification"

	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	mj, ok := s.jobs[jobID]
	if !ok {
		return nil, jobNotFound(op, jobID)
	}
	if mj.spec == nil {
		return nil, models.NewError(models.ErrNotFound, op, "job %s is not resolved", jobID)
	}
	cp := *mj.spec
	return &cp, nil
}

// ClaimJob hands an accepted job to an agent
func (s *MemoryStore) ClaimJob(_ context.Context, jobID string, agent models.AgentMetadata, tokenHash string) error {
	const op = "store.claim_job"

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	mj, ok := s.jobs[jobID]
	if !ok {
		return jobNotFound(op, jobID)
	}
	if mj.job.Claimed {
		return models.NewError(models.ErrConflict, op, "job %s is already claimed", jobID)
	}
	if mj.job.Status != models.JobStatusAccepted {
		return statusMismatch(op, jobID, models.JobStatusAccepted, mj.job.Status)
	}

	now := s.now()
	mj.job.Claimed = true
	mj.job.Hostname = agent.Hostname
	mj.job.AgentVersion = agent.Version
	mj.job.ClaimTokenHash = tokenHash
	applyStatus(&mj.job, models.JobStatusClaimed, "claimed by "+agent.Hostname, now)
	mj.transitions = append(mj.transitions, models.StateTransition{
		From: models.JobStatusAccepted, To: models.JobStatusClaimed, Timestamp: now, Reason: "claimed",
	})
	return nil
}

// RequestKill flags a job for its agent to kill
func (s *MemoryStore) RequestKill(_ context.Context, jobID, reason string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	mj, ok := s.jobs[jobID]
	if !ok {
		return jobNotFound("store.request_kill", jobID)
	}
	if !mj.job.KillRequested {
		mj.job.KillRequested = true
		mj.job.KillReason = reason
		mj.job.UpdatedAt = s.now()
	}
	return nil
}

// CountActiveJobs counts the user's active jobs
func (s *MemoryStore) CountActiveJobs(_ context.Context, user string) (int, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	count := 0
	for _, mj := range s.jobs {
		if mj.job.User == user && models.IsActiveState(mj.job.Status) {
			count++
		}
	}
	return count, nil
}

// SumActiveMemory adds up the memory of every active job
func (s *MemoryStore) SumActiveMemory(_ context.Context) (int, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	total := 0
	for _, mj := range s.jobs {
		if models.IsActiveState(mj.job.Status) {
			total += mj.job.MemoryUsed
		}
	}
	return total, nil
}

// ListJobsByStatus returns jobs in any of the statuses, oldest first
func (s *MemoryStore) ListJobsByStatus(_ context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	want := make(map[models.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var jobs []*models.Job
	for _, mj := range s.jobs {
		if want[mj.job.Status] {
			job := mj.job
			jobs = append(jobs, &job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// GetJobHistory returns the job's status transitions in order
func (s *MemoryStore) GetJobHistory(_ context.Context, jobID string) ([]models.StateTransition, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	mj, ok := s.jobs[jobID]
	if !ok {
		return nil, jobNotFound("store.get_job_history", jobID)
	}
	return append([]models.StateTransition(nil), mj.transitions...), nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}

func newJobRecord(req *models.JobRequest, now time.Time) models.Job {
	return models.Job{
		ID:        req.ID,
		Status:    models.JobStatusReserved,
		User:      req.Metadata.User,
		Name:      req.Metadata.Name,
		Version:   req.Metadata.Version,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
