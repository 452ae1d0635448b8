package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/kestrel/pkg/api"
	"github.com/psantana5/kestrel/pkg/auth"
	"github.com/psantana5/kestrel/pkg/coordinator"
	"github.com/psantana5/kestrel/pkg/jobkill"
	"github.com/psantana5/kestrel/pkg/models"
	"github.com/psantana5/kestrel/pkg/resolver"
	"github.com/psantana5/kestrel/pkg/retry"
	"github.com/psantana5/kestrel/pkg/scheduler"
	"github.com/psantana5/kestrel/pkg/store"
)

const catalogYAML = `
clusters:
  - id: c1
    name: cluster
    tags: [sched:adhoc]
commands:
  - id: cmd1
    name: echo
    tags: [type:echo]
    executable: [/bin/echo]
    clusters: [c1]
`

func newTestServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	st := store.NewMemoryStore()
	cat, err := store.ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)
	require.NoError(t, cat.Apply(context.Background(), st))

	sched := scheduler.New(st, nil, scheduler.Config{})
	coord := coordinator.New(st, resolver.New(st, resolver.DefaultProperties(), nil), sched, coordinator.Config{},
		coordinator.WithTokenManager(auth.NewTokenManager(bcrypt.MinCost)))

	var keys []string
	if apiKey != "" {
		keys = append(keys, apiKey)
	}
	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Jobs:    coord,
		Killer:  jobkill.New(st, sched, nil, nil),
		Health:  st.HealthCheck,
		Version: "test",
		APIKeys: auth.NewAPIKeyManager(keys...),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func request() *models.JobRequest {
	return &models.JobRequest{
		Metadata: models.JobMetadata{Name: "hello", User: "alice"},
		Criteria: models.ExecutionResourceCriteria{
			ClusterCriteria:  []models.Criterion{{Tags: []string{"sched:adhoc"}}},
			CommandCriterion: models.Criterion{Tags: []string{"type:echo"}},
		},
	}
}

func TestNewValidatesURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{ServerURL: "localhost"})
	assert.Error(t, err)
	_, err = New(Config{ServerURL: "http://localhost:8080/"})
	assert.NoError(t, err)
}

func TestJobLifecycle(t *testing.T) {
	srv := newTestServer(t, "key")
	c, err := New(Config{ServerURL: srv.URL, APIKey: "key"})
	require.NoError(t, err)
	ctx := context.Background()

	ping, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", ping.Version)

	id, err := c.SubmitJob(ctx, request())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	spec, err := c.GetJobSpecification(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cmd1", spec.Command.ID)

	token, err := c.ClaimJob(ctx, id, models.AgentMetadata{Hostname: "h"})
	require.NoError(t, err)

	_, err = c.ClaimJob(ctx, id, models.AgentMetadata{Hostname: "h2"})
	assert.True(t, errors.Is(err, models.ErrConflict), "%v", err)

	require.NoError(t, c.ChangeJobStatus(ctx, id, token, models.JobStatusUpdate{
		CurrentStatus: models.JobStatusClaimed, NewStatus: models.JobStatusInit,
	}))
	err = c.ChangeJobStatus(ctx, id, token, models.JobStatusUpdate{
		CurrentStatus: models.JobStatusClaimed, NewStatus: models.JobStatusInit,
	})
	assert.True(t, errors.Is(err, models.ErrInvalidStatus), "%v", err)

	require.NoError(t, c.KillJob(ctx, id, "enough"))
	hb, err := c.Heartbeat(ctx, id, token)
	require.NoError(t, err)
	assert.True(t, hb.KillRequested)

	_, err = c.Heartbeat(ctx, id, "bogus")
	assert.True(t, errors.Is(err, models.ErrUnauthorized), "%v", err)

	job, err := c.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInit, job.Status)
}

func TestErrorsMapToKinds(t *testing.T) {
	srv := newTestServer(t, "")
	c, err := New(Config{ServerURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.GetJob(ctx, "nope")
	assert.Equal(t, models.ErrNotFound, models.KindOf(err))

	bad := request()
	bad.Criteria.CommandCriterion = models.Criterion{Tags: []string{"type:none"}}
	_, err = c.SubmitJob(ctx, bad)
	assert.Equal(t, models.ErrPrecondition, models.KindOf(err))

	_, err = c.ResolveJobSpecification(ctx, bad)
	assert.Equal(t, models.ErrPrecondition, models.KindOf(err))
}

func TestUnauthorizedSubmit(t *testing.T) {
	srv := newTestServer(t, "key")
	c, err := New(Config{ServerURL: srv.URL})
	require.NoError(t, err)

	_, err = c.SubmitJob(context.Background(), request())
	assert.Equal(t, models.ErrUnauthorized, models.KindOf(err))
}

func TestRetriesUnavailableReads(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","version":"v"}`))
	}))
	defer srv.Close()

	c, err := New(Config{ServerURL: srv.URL, Retry: retry.Config{
		MaxRetries: 3, InitialBackoff: time.Millisecond, Multiplier: 1,
	}})
	require.NoError(t, err)

	ping, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v", ping.Version)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestStatusReportsAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(Config{ServerURL: srv.URL, Retry: retry.Config{MaxRetries: 3, InitialBackoff: time.Millisecond}})
	require.NoError(t, err)

	err = c.ChangeJobStatus(context.Background(), "j", "t", models.JobStatusUpdate{})
	assert.Equal(t, models.ErrServerUnavailable, models.KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
