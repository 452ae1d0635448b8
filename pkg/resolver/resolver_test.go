package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/kestrel/pkg/models"
)

// fakeRepository answers from in-memory slices and records every cluster
// criterion it was asked about.
type fakeRepository struct {
	clusters []*models.Cluster
	commands []*models.Command
	apps     map[string]*models.Application
	queried  []models.Criterion
	err      error
}

func (f *fakeRepository) FindClusterAndCommandMatches(_ context.Context, cc, cmd models.Criterion) ([]models.ClusterCommandMatch, error) {
	f.queried = append(f.queried, cc)
	if f.err != nil {
		return nil, f.err
	}
	return MatchPairs(f.clusters, f.commands, cc, cmd), nil
}

func (f *fakeRepository) GetApplication(_ context.Context, id string) (*models.Application, error) {
	app, ok := f.apps[id]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "fake", "application %s", id)
	}
	return app, nil
}

func newFixture() *fakeRepository {
	spark := command("spark", []string{"c-any", "c-other"}, "type:spark")
	spark.Applications = []string{"app-hadoop", "app-spark"}
	return &fakeRepository{
		clusters: []*models.Cluster{cluster("c-any", "any"), cluster("c-other", "other")},
		commands: []*models.Command{spark},
		apps: map[string]*models.Application{
			"app-hadoop": {Resource: models.Resource{ID: "app-hadoop", Name: "hadoop"}},
			"app-spark":  {Resource: models.Resource{ID: "app-spark", Name: "spark"}},
			"app-hive":   {Resource: models.Resource{ID: "app-hive", Name: "hive"}},
		},
	}
}

func newRequest(clusterTags ...[]string) *models.JobRequest {
	req := &models.JobRequest{
		ID: "job-1",
		Metadata: models.JobMetadata{
			Name: "etl", User: "alice", Group: "data", Tags: []string{"team:b", "team:a"},
			Grouping: "nightly", GroupingInstance: "2026-10-14",
		},
		CommandArgs: []string{"--class", "Main"},
		Criteria: models.ExecutionResourceCriteria{
			CommandCriterion: models.Criterion{Tags: []string{"type:spark"}},
		},
	}
	for _, tags := range clusterTags {
		req.Criteria.ClusterCriteria = append(req.Criteria.ClusterCriteria, models.Criterion{Tags: tags})
	}
	return req
}

func TestResolveFallsBackToLaterCriterion(t *testing.T) {
	repo := newFixture()
	r := New(repo, DefaultProperties(), nil)

	spec, err := r.Resolve(context.Background(), newRequest([]string{"large"}, []string{"any"}))
	require.NoError(t, err)

	assert.Equal(t, "c-any", spec.Cluster.ID)
	assert.Equal(t, "spark", spec.Command.ID)
	assert.Len(t, repo.queried, 2)
}

func TestResolveStopsAtFirstMatchingCriterion(t *testing.T) {
	repo := newFixture()
	r := New(repo, DefaultProperties(), nil)

	spec, err := r.Resolve(context.Background(),
		newRequest([]string{"other"}, []string{"any"}, []string{"never"}))
	require.NoError(t, err)

	assert.Equal(t, "c-other", spec.Cluster.ID)
	require.Len(t, repo.queried, 1, "later criteria must not be evaluated")
	assert.Equal(t, []string{"other"}, repo.queried[0].Tags)
}

func TestResolveNoCommandOnMatchingCluster(t *testing.T) {
	repo := newFixture()
	r := New(repo, DefaultProperties(), nil)

	req := newRequest([]string{"any"})
	req.Criteria.CommandCriterion = models.Criterion{Tags: []string{"type:presto"}}

	spec, err := r.Resolve(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, spec)
	assert.True(t, errors.Is(err, models.ErrPrecondition))
	assert.True(t, errors.Is(err, models.ErrResolution))
}

func TestResolveRepositoryError(t *testing.T) {
	repo := newFixture()
	repo.err = errors.New("db down")
	r := New(repo, DefaultProperties(), nil)

	_, err := r.Resolve(context.Background(), newRequest([]string{"any"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrServer))
}

func TestResolveRequiresID(t *testing.T) {
	r := New(newFixture(), DefaultProperties(), nil)
	req := newRequest([]string{"any"})
	req.ID = ""

	_, err := r.Resolve(context.Background(), req)
	assert.True(t, errors.Is(err, models.ErrServer))
}

func TestResolveApplications(t *testing.T) {
	r := New(newFixture(), DefaultProperties(), nil)

	t.Run("command defaults", func(t *testing.T) {
		spec, err := r.Resolve(context.Background(), newRequest([]string{"any"}))
		require.NoError(t, err)
		assert.Equal(t, []string{"app-hadoop", "app-spark"}, spec.ApplicationIDs())
	})

	t.Run("explicit ids in given order", func(t *testing.T) {
		req := newRequest([]string{"any"})
		req.Criteria.ApplicationIDs = []string{"app-spark", "app-hive"}
		spec, err := r.Resolve(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, []string{"app-spark", "app-hive"}, spec.ApplicationIDs())
	})

	t.Run("missing id", func(t *testing.T) {
		req := newRequest([]string{"any"})
		req.Criteria.ApplicationIDs = []string{"app-missing"}
		_, err := r.Resolve(context.Background(), req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrNotFound))
	})
}

func TestResolveMemory(t *testing.T) {
	props := DefaultProperties()
	props.DefaultMemory = 1024
	props.MaxMemory = 4096
	r := New(newFixture(), props, nil)

	intp := func(v int) *int { return &v }

	tests := []struct {
		name      string
		requested *int
		command   *int
		want      int
		wantErr   bool
	}{
		{"server default", nil, nil, 1024, false},
		{"command memory", nil, intp(2048), 2048, false},
		{"requested wins", intp(3000), intp(2048), 3000, false},
		{"requested above max", intp(5000), nil, 0, true},
		{"command above max", nil, intp(8192), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &models.JobRequest{RequestedMemory: tt.requested}
			cmd := &models.Command{Memory: tt.command}
			got, err := r.ResolveMemory(req, cmd)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, models.ErrPrecondition))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveDirectoriesAndArchive(t *testing.T) {
	props := DefaultProperties()
	props.JobsDirectory = "/var/kestrel/jobs"
	props.ArchivePrefix = "s3://bucket/archives"
	r := New(newFixture(), props, nil)

	spec, err := r.Resolve(context.Background(), newRequest([]string{"any"}))
	require.NoError(t, err)
	assert.Equal(t, "/var/kestrel/jobs/job-1", spec.JobDirectory)
	assert.Equal(t, "s3://bucket/archives/job-1", spec.ArchiveLocation)
	assert.Nil(t, spec.TimeoutSeconds)

	req := newRequest([]string{"any"})
	req.AgentConfig.RequestedJobDirectory = "/scratch"
	req.AgentConfig.ArchivingDisabled = true
	timeout := 60
	req.AgentConfig.TimeoutSeconds = &timeout
	spec, err = r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "/scratch/job-1", spec.JobDirectory)
	assert.Empty(t, spec.ArchiveLocation)
	require.NotNil(t, spec.TimeoutSeconds)
	assert.Equal(t, 60, *spec.TimeoutSeconds)
}

func TestResolveEnvironmentVariables(t *testing.T) {
	r := New(newFixture(), DefaultProperties(), nil)

	spec, err := r.Resolve(context.Background(), newRequest([]string{"large"}, []string{"any"}))
	require.NoError(t, err)

	env := spec.EnvironmentVariables
	assert.Equal(t, "job-1", env[EnvJobID])
	assert.Equal(t, "c-any", env[EnvClusterID])
	assert.Equal(t, "spark", env[EnvCommandID])
	assert.Equal(t, "team:a,team:b", env[EnvJobTags])
	assert.Equal(t, "1536", env[EnvJobMemory])
	assert.Equal(t, "alice", env[EnvUser])
	assert.Equal(t, "data", env[EnvUserGroup])
	assert.Equal(t, "nightly", env[EnvJobGrouping])
	assert.Equal(t, "type:spark", env[EnvRequestedCommandTags])
	assert.Equal(t, "large", env[EnvRequestedClusterTags+"_0"])
	assert.Equal(t, "any", env[EnvRequestedClusterTags+"_1"])
	assert.Equal(t, "[[large],[any]]", env[EnvRequestedClusterTags])
}

func TestTagsToStringEscapesQuotes(t *testing.T) {
	assert.Equal(t, `a\"b,c\'d,z`, TagsToString([]string{"z", `c'd`, `a"b`}))
	assert.Equal(t, "", TagsToString(nil))
}

func TestResolveCopiesCommandLine(t *testing.T) {
	r := New(newFixture(), DefaultProperties(), nil)
	req := newRequest([]string{"any"})

	spec, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/spark"}, spec.Executable)
	assert.Equal(t, []string{"--class", "Main"}, spec.CommandArgs)

	spec.CommandArgs[0] = "changed"
	assert.Equal(t, "--class", req.CommandArgs[0])
}

func TestRandomSelectorIsReproducible(t *testing.T) {
	matches := []models.ClusterCommandMatch{
		{Cluster: cluster("c3"), Command: command("x", nil)},
		{Cluster: cluster("c1"), Command: command("x", nil)},
		{Cluster: cluster("c2"), Command: command("x", nil)},
	}

	a := NewRandomSelector(42)
	b := NewRandomSelector(42)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Select(matches).Cluster.ID, b.Select(matches).Cluster.ID)
	}

	assert.Equal(t, "c1", LowestIDSelector{}.Select(matches).Cluster.ID)
	assert.IsType(t, LowestIDSelector{}, NewSelector("lowest-id", 0))
}
