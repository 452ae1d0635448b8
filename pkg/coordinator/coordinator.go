package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/kestrel/pkg/auth"
	"github.com/psantana5/kestrel/pkg/logging"
	"github.com/psantana5/kestrel/pkg/models"
	"github.com/psantana5/kestrel/pkg/resolver"
	"github.com/psantana5/kestrel/pkg/store"
	"github.com/psantana5/kestrel/pkg/tracing"
)

// JobStateService admits jobs against the server's memory ceiling
type JobStateService interface {
	// MaxSystemMemory is the ceiling in MB, zero disables it
	MaxSystemMemory() int
	GetUsedMemory(ctx context.Context) (int, error)
	// Schedule reserves memory and moves the job to ACCEPTED
	Schedule(ctx context.Context, jobID string, memory int) error
	Release(ctx context.Context, jobID string) error
}

// Recorder receives coordination metrics
type Recorder interface {
	ObserveCoordination(start time.Time, err error)
	IncUserLimitExceeded(limit int)
	IncStatusReport(status models.JobStatus)
}

type noopRecorder struct{}

func (noopRecorder) ObserveCoordination(time.Time, error) {}
func (noopRecorder) IncUserLimitExceeded(int) {}
func (noopRecorder) IncStatusReport(models.JobStatus) {}

// Config holds the admission limits
type Config struct {
	UserLimitEnabled bool `mapstructure:"user_limit_enabled"`
	// UserActiveLimit is the number of active jobs a user may have
	UserActiveLimit int `mapstructure:"user_active_limit"`
}

// Coordinator takes job requests from submission to ACCEPTED and serves the
// calls agents make about claimed jobs.
type Coordinator struct {
	store    store.JobPersistence
	resolver *resolver.Resolver
	state    JobStateService
	tokens   *auth.TokenManager
	recorder Recorder
	tracer   *tracing.Provider
	logger   *logging.Logger
	config   Config

	// admission lock
	mu sync.Mutex
}

// Option customises a Coordinator
type Option func(*Coordinator)

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithTracer sets the tracing provider
func WithTracer(p *tracing.Provider) Option {
	return func(c *Coordinator) { c.tracer = p }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithTokenManager sets the claim token manager
func WithTokenManager(tm *auth.TokenManager) Option {
	return func(c *Coordinator) { c.tokens = tm }
}

// New creates a coordinator
func New(st store.JobPersistence, res *resolver.Resolver, state JobStateService, config Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    st,
		resolver: res,
		state:    state,
		config:   config,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.recorder == nil {
		c.recorder = noopRecorder{}
	}
	if c.tracer == nil {
		c.tracer = tracing.NewNoop("kestrel-server")
	}
	if c.logger == nil {
		c.logger = logging.NewLogger(logging.INFO, false)
	}
	if c.tokens == nil {
		c.tokens = auth.NewTokenManager(0)
	}
	return c
}

// Coordinate persists, resolves and admits a job. Any failure after the job
// was persisted leaves it FAILED.
func (c *Coordinator) Coordinate(ctx context.Context, req *models.JobRequest) (jobID string, err error) {
	const op = "coordinator.coordinate"

	start := time.Now()
	ctx, span := c.tracer.StartSpan(ctx, op,
		attribute.String("job.id", req.ID),
		attribute.String("job.user", req.Metadata.User),
	)
	defer func() {
		c.recorder.ObserveCoordination(start, err)
		tracing.EndSpan(span, err)
	}()

	if req.ID == "" {
		return "", models.NewError(models.ErrServer, op, "id of the job request cannot be empty")
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	log := c.logger.WithField("job_id", req.ID)

	if _, err := c.store.CreateJob(ctx, req); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return "", err
		}
		return "", models.WrapError(models.ErrServer, op, err, "persist job %s", req.ID)
	}
	log.Info("Coordinating job", map[string]interface{}{"user": req.Metadata.User})

	// Resolve also enforces the per-job memory ceiling
	spec, err := c.resolver.Resolve(ctx, req)
	if err != nil {
		kind := models.ErrPrecondition
		if models.KindOf(err) == models.ErrServer {
			kind = models.ErrServer
		}
		return "", c.fail(ctx, req.ID, models.WrapError(kind, op, err, "resolve job %s", req.ID))
	}
	if err := c.store.SaveJobSpecification(ctx, req.ID, spec); err != nil {
		return "", c.fail(ctx, req.ID, models.WrapError(models.ErrServer, op, err, "save specification"))
	}
	if err := c.store.UpdateJobStatus(ctx, req.ID, models.JobStatusReserved, models.JobStatusResolved, "job resolved"); err != nil {
		return "", c.fail(ctx, req.ID, models.WrapError(models.ErrServer, op, err, "mark job resolved"))
	}

	span.AddEvent("admission")
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.UserLimitEnabled {
		active, err := c.store.CountActiveJobs(ctx, req.Metadata.User)
		if err != nil {
			return "", c.fail(ctx, req.ID, models.WrapError(models.ErrServer, op, err, "count active jobs"))
		}
		// this job is already RESOLVED and counted
		others := active - 1
		if others < 0 {
			others = 0
		}
		if others >= c.config.UserActiveLimit {
			c.recorder.IncUserLimitExceeded(c.config.UserActiveLimit)
			return "", c.fail(ctx, req.ID, models.NewError(models.ErrUserLimitExceeded, op,
				"user %s has %d active jobs, the limit is %d", req.Metadata.User, others, c.config.UserActiveLimit))
		}
	}

	used, err := c.state.GetUsedMemory(ctx)
	if err != nil {
		return "", c.fail(ctx, req.ID, models.WrapError(models.ErrServer, op, err, "read used memory"))
	}
	if max := c.state.MaxSystemMemory(); max > 0 && used+spec.Memory > max {
		return "", c.fail(ctx, req.ID, models.NewError(models.ErrServerUnavailable, op,
			"job %s can't run: %d/%d MB are used and %d MB were requested", req.ID, used, max, spec.Memory))
	}

	if err := c.store.UpdateJobWithRuntimeEnvironment(ctx, req.ID,
		spec.Cluster.ID, spec.Command.ID, spec.ApplicationIDs(), spec.Memory); err != nil {
		return "", c.fail(ctx, req.ID, models.WrapError(models.ErrServer, op, err, "save runtime environment"))
	}

	if err := c.state.Schedule(ctx, req.ID, spec.Memory); err != nil {
		kind := models.ErrServer
		if errors.Is(err, models.ErrServerUnavailable) {
			// another server took the capacity after the check above
			kind = models.ErrServerUnavailable
		}
		return "", c.fail(ctx, req.ID, models.WrapError(kind, op, err, "schedule job"))
	}

	log.Info("Job accepted", map[string]interface{}{
		"cluster_id": spec.Cluster.ID,
		"command_id": spec.Command.ID,
		"memory":     spec.Memory,
	})
	return req.ID, nil
}

// fail marks the job FAILED with cause as the message and returns cause
func (c *Coordinator) fail(ctx context.Context, jobID string, cause error) error {
	log := c.logger.WithField("job_id", jobID)

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error("Failed to load job to mark it failed", map[string]interface{}{"error": err})
		return cause
	}
	if models.IsTerminalState(job.Status) {
		return cause
	}
	if err := c.store.UpdateJobStatus(ctx, jobID, job.Status, models.JobStatusFailed, cause.Error()); err != nil {
		log.Error("Failed to mark job failed", map[string]interface{}{"error": err})
	}
	log.Warn("Job coordination failed", map[string]interface{}{
		"kind":  models.KindName(cause),
		"error": cause,
	})
	return cause
}

// ResolveDryRun resolves the request without persisting anything. A missing
// id is generated.
func (c *Coordinator) ResolveDryRun(ctx context.Context, req *models.JobRequest) (*models.JobSpecification, error) {
	r := *req
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return c.resolver.Resolve(ctx, &r)
}

// GetJob returns the job entity
func (c *Coordinator) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return c.store.GetJob(ctx, jobID)
}

// GetJobSpecification returns the saved specification of a resolved job
func (c *Coordinator) GetJobSpecification(ctx context.Context, jobID string) (*models.JobSpecification, error) {
	return c.store.GetJobSpecification(ctx, jobID)
}
