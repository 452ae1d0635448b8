package store

import (
	"context"
	"time"

	"github.com/psantana5/kestrel/pkg/models"
)

// ResourceRepository is the read-mostly catalog of clusters, commands and
// applications.
type ResourceRepository interface {
	FindClusterAndCommandMatches(ctx context.Context, clusterCriterion, commandCriterion models.Criterion) ([]models.ClusterCommandMatch, error)
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	GetCluster(ctx context.Context, id string) (*models.Cluster, error)
	GetCommand(ctx context.Context, id string) (*models.Command, error)
	// ExistsByID reports whether any resource has the id
	ExistsByID(ctx context.Context, id string) (bool, error)

	SaveCluster(ctx context.Context, c *models.Cluster) error
	SaveCommand(ctx context.Context, c *models.Command) error
	SaveApplication(ctx context.Context, a *models.Application) error
}

// JobPersistence stores jobs and their resolved specifications. Status only
// changes through UpdateJobStatus, which validates the transition and the
// caller's view of the current status.
type JobPersistence interface {
	// CreateJob persists a new job in RESERVED status. A duplicate id fails
	// with models.ErrConflict.
	CreateJob(ctx context.Context, req *models.JobRequest) (*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetJobRequest(ctx context.Context, id string) (*models.JobRequest, error)
	UpdateJobWithRuntimeEnvironment(ctx context.Context, jobID, clusterID, commandID string, applicationIDs []string, memory int) error
	// UpdateJobStatus fails with models.ErrInvalidStatus when the stored status
	// is not current or the transition is not allowed.
	UpdateJobStatus(ctx context.Context, jobID string, current, next models.JobStatus, message string) error
	// UpdateJobExecution records the process id and, once known, the exit code.
	UpdateJobExecution(ctx context.Context, jobID string, processID int, exitCode *int) error
	// SaveJobSpecification is a no-op when the job is already resolved.
	SaveJobSpecification(ctx context.Context, jobID string, spec *models.JobSpecification) error
	// GetJobSpecification fails with models.ErrNotFound when the job does not
	// exist or is not resolved yet.
	GetJobSpecification(ctx context.Context, jobID string) (*models.JobSpecification, error)
	// ClaimJob marks an ACCEPTED, unclaimed job CLAIMED by the agent.
	ClaimJob(ctx context.Context, jobID string, agent models.AgentMetadata, tokenHash string) error
	RequestKill(ctx context.Context, jobID, reason string) error
	CountActiveJobs(ctx context.Context, user string) (int, error)
	// SumActiveMemory adds up the memory of every active job.
	SumActiveMemory(ctx context.Context) (int, error)
	ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error)
	GetJobHistory(ctx context.Context, jobID string) ([]models.StateTransition, error)
}

// Store defines the interface for data persistence.
// Memory, SQLite and PostgreSQL implement this interface.
type Store interface {
	ResourceRepository
	JobPersistence

	// Lifecycle
	Close() error
	HealthCheck() error
}

// Config holds database configuration
type Config struct {
	Type string `mapstructure:"type"` // "memory", "sqlite" or "postgres"
	DSN  string `mapstructure:"dsn"`  // connection string or sqlite path

	// PostgreSQL specific
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "":
		path := config.DSN
		if path == "" {
			path = "kestrel.db"
		}
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}

var (
	ErrUnsupportedDatabase = NewError("unsupported database type")
)

// NewError creates a new error with message
func NewError(message string) error {
	return &storeError{message: message}
}

type storeError struct {
	message string
}

func (e *storeError) Error() string {
	return e.message
}

func jobNotFound(op, id string) error {
	return models.NewError(models.ErrNotFound, op, "job %s not found", id)
}

func resourceNotFound(op, kind, id string) error {
	return models.NewError(models.ErrNotFound, op, "%s %s not found", kind, id)
}

func duplicateJob(op, id string) error {
	return models.NewError(models.ErrConflict, op, "job %s already exists", id)
}

func statusMismatch(op, id string, expected, actual models.JobStatus) error {
	return models.NewError(models.ErrInvalidStatus, op,
		"job %s is %s, expected %s", id, actual, expected)
}

// applyStatus updates the timestamps a status change implies.
func applyStatus(job *models.Job, next models.JobStatus, message string, now time.Time) {
	job.Status = next
	job.StatusMessage = message
	job.UpdatedAt = now
	if next == models.JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if models.IsTerminalState(next) && job.FinishedAt == nil {
		job.FinishedAt = &now
	}
}
