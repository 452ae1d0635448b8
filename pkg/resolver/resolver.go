package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/psantana5/kestrel/pkg/models"
)

// Repository is the read side of the resource catalog the resolver needs.
type Repository interface {
	// FindClusterAndCommandMatches evaluates both criteria jointly and returns
	// every eligible pair.
	FindClusterAndCommandMatches(ctx context.Context, clusterCriterion, commandCriterion models.Criterion) ([]models.ClusterCommandMatch, error)
	GetApplication(ctx context.Context, id string) (*models.Application, error)
}

// Properties are the server-wide resolution settings.
type Properties struct {
	// DefaultMemory in MB when neither the job nor the command asks for any
	DefaultMemory int
	// MaxMemory in MB a single job may use
	MaxMemory int
	// JobsDirectory is the default root of job directories
	JobsDirectory string
	// ArchivePrefix is joined with the job id to form the archive location
	ArchivePrefix string
	// DefaultTimeoutSeconds applies when the job has none; 0 means no timeout
	DefaultTimeoutSeconds int
}

// DefaultProperties returns the settings used when nothing is configured.
func DefaultProperties() Properties {
	return Properties{
		DefaultMemory:         1536,
		MaxMemory:             30720,
		JobsDirectory:         "/tmp/kestrel/jobs",
		ArchivePrefix:         "file:///tmp/kestrel/archives/",
		DefaultTimeoutSeconds: 0,
	}
}

// Resolver turns job requests into job specifications. It has no side
// effects.
type Resolver struct {
	repo     Repository
	props    Properties
	selector Selector
}

// New creates a resolver. A nil selector means LowestIDSelector.
func New(repo Repository, props Properties, selector Selector) *Resolver {
	if selector == nil {
		selector = LowestIDSelector{}
	}
	return &Resolver{repo: repo, props: props, selector: selector}
}

// Properties returns the settings the resolver was built with.
func (r *Resolver) Properties() Properties {
	return r.props
}

// Resolve produces the specification for req. The request must carry an id.
func (r *Resolver) Resolve(ctx context.Context, req *models.JobRequest) (*models.JobSpecification, error) {
	const op = "resolver.resolve"

	if req.ID == "" {
		return nil, models.NewError(models.ErrServer, op, "job request has no id")
	}

	match, err := r.resolveClusterAndCommand(ctx, req)
	if err != nil {
		return nil, err
	}

	apps, err := r.resolveApplications(ctx, req, match.Command)
	if err != nil {
		return nil, err
	}

	memory, err := r.ResolveMemory(req, match.Command)
	if err != nil {
		return nil, err
	}

	spec := &models.JobSpecification{
		JobID:   req.ID,
		User:    req.Metadata.User,
		Cluster: toExecutionResource(&match.Cluster.Resource),
		Command: toExecutionResource(&match.Command.Resource),
		Job: models.ExecutionResource{
			ID:          req.ID,
			Name:        req.Metadata.Name,
			Environment: req.Environment,
		},
		Executable:           append([]string(nil), match.Command.Executable...),
		CommandArgs:          append([]string(nil), req.CommandArgs...),
		EnvironmentVariables: EnvironmentVariables(req, match.Cluster, match.Command, memory),
		JobDirectory:         r.jobDirectory(req),
		ArchiveLocation:      r.archiveLocation(req),
		Interactive:          req.AgentConfig.Interactive,
		TimeoutSeconds:       r.timeout(req),
		Memory:               memory,
	}
	for _, app := range apps {
		spec.Applications = append(spec.Applications, toExecutionResource(&app.Resource))
	}
	return spec, nil
}

// resolveClusterAndCommand walks the cluster criteria in order and stops at
// the first one with any match.
func (r *Resolver) resolveClusterAndCommand(ctx context.Context, req *models.JobRequest) (models.ClusterCommandMatch, error) {
	const op = "resolver.resolve"

	for i, clusterCriterion := range req.Criteria.ClusterCriteria {
		matches, err := r.repo.FindClusterAndCommandMatches(ctx, clusterCriterion, req.Criteria.CommandCriterion)
		if err != nil {
			return models.ClusterCommandMatch{}, models.WrapError(models.ErrServer, op, err, "cluster criterion %d", i)
		}
		if len(matches) > 0 {
			return r.selector.Select(matches), nil
		}
	}

	msg := fmt.Sprintf("no cluster and command match criteria %s with command %s",
		criteriaString(req.Criteria.ClusterCriteria), req.Criteria.CommandCriterion)
	return models.ClusterCommandMatch{}, &models.Error{
		Kind: models.ErrPrecondition,
		Op:   op,
		Msg:  msg,
		Err:  models.ErrResolution,
	}
}

func (r *Resolver) resolveApplications(ctx context.Context, req *models.JobRequest, cmd *models.Command) ([]*models.Application, error) {
	ids := req.Criteria.ApplicationIDs
	if len(ids) == 0 {
		ids = cmd.Applications
	}

	apps := make([]*models.Application, 0, len(ids))
	for _, id := range ids {
		app, err := r.repo.GetApplication(ctx, id)
		if err != nil {
			return nil, models.WrapError(models.ErrNotFound, "resolver.resolve", err, "application %s", id)
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// ResolveMemory returns the requested memory, else the command memory, else
// the default, and rejects anything above the per-job maximum.
func (r *Resolver) ResolveMemory(req *models.JobRequest, cmd *models.Command) (int, error) {
	memory := r.props.DefaultMemory
	switch {
	case req.RequestedMemory != nil:
		memory = *req.RequestedMemory
	case cmd != nil && cmd.Memory != nil:
		memory = *cmd.Memory
	}
	if r.props.MaxMemory > 0 && memory > r.props.MaxMemory {
		return 0, models.NewError(models.ErrPrecondition, "resolver.memory",
			"requested memory %d MB exceeds the maximum of %d MB", memory, r.props.MaxMemory)
	}
	return memory, nil
}

func (r *Resolver) jobDirectory(req *models.JobRequest) string {
	root := req.AgentConfig.RequestedJobDirectory
	if root == "" {
		root = r.props.JobsDirectory
	}
	dir, err := filepath.Abs(filepath.Join(root, req.ID))
	if err != nil {
		return filepath.Join(root, req.ID)
	}
	return dir
}

func (r *Resolver) archiveLocation(req *models.JobRequest) string {
	if req.AgentConfig.ArchivingDisabled || r.props.ArchivePrefix == "" {
		return ""
	}
	prefix := r.props.ArchivePrefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + req.ID
}

func (r *Resolver) timeout(req *models.JobRequest) *int {
	if req.AgentConfig.TimeoutSeconds != nil {
		t := *req.AgentConfig.TimeoutSeconds
		return &t
	}
	if r.props.DefaultTimeoutSeconds > 0 {
		t := r.props.DefaultTimeoutSeconds
		return &t
	}
	return nil
}

func toExecutionResource(r *models.Resource) models.ExecutionResource {
	return models.ExecutionResource{ID: r.ID, Name: r.Name, Environment: r.Environment}
}

func criteriaString(cs []models.Criterion) string {
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		parts = append(parts, c.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
