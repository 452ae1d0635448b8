package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/kestrel/pkg/api"
	"github.com/psantana5/kestrel/pkg/auth"
	"github.com/psantana5/kestrel/pkg/coordinator"
	"github.com/psantana5/kestrel/pkg/jobkill"
	"github.com/psantana5/kestrel/pkg/metrics"
	"github.com/psantana5/kestrel/pkg/models"
	"github.com/psantana5/kestrel/pkg/resolver"
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

type server struct {
	router http.Handler
	store  *store.MemoryStore
	reg    *metrics.Registry
}

func newServer(t *testing.T, keys ...string) *server {
	t.Helper()
	st := store.NewMemoryStore()
	cat, err := store.ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)
	require.NoError(t, cat.Apply(context.Background(), st))

	reg := metrics.NewRegistry()
	sched := scheduler.New(st, nil, scheduler.Config{MaxSystemMemory: 10000})
	coord := coordinator.New(st, resolver.New(st, resolver.DefaultProperties(), nil), sched,
		coordinator.Config{},
		coordinator.WithRecorder(reg),
		coordinator.WithTokenManager(auth.NewTokenManager(bcrypt.MinCost)),
	)
	router := api.NewRouter(api.RouterConfig{
		Jobs:    coord,
		Killer:  jobkill.New(st, sched, reg, nil),
		Health:  st.HealthCheck,
		Version: "test",
		Metrics: reg,
		APIKeys: auth.NewAPIKeyManager(keys...),
	})
	return &server{router: router, store: st, reg: reg}
}

func (s *server) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func jobRequest(id string) models.JobRequest {
	return models.JobRequest{
		ID:       id,
		Metadata: models.JobMetadata{Name: "hello", User: "alice"},
		Criteria: models.ExecutionResourceCriteria{
			ClusterCriteria:  []models.Criterion{{Tags: []string{"sched:adhoc"}}},
			CommandCriterion: models.Criterion{Tags: []string{"type:echo"}},
		},
		CommandArgs: []string{"hello"},
	}
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Kind
}

func TestSubmitAndGet(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/jobs", jobRequest("job-1"), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/api/v1/jobs/job-1", w.Header().Get("Location"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = s.do(t, http.MethodGet, "/api/v1/jobs/job-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusAccepted, job.Status)

	w = s.do(t, http.MethodGet, "/api/v1/jobs/job-1/specification", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var spec models.JobSpecification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &spec))
	assert.Equal(t, []string{"/bin/echo"}, spec.Executable)
	assert.Equal(t, "c1", spec.Cluster.ID)
}

func TestSubmitGeneratesID(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/jobs", jobRequest(""), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp api.SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.JobID, 36)
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/jobs", jobRequest("dup"), nil).Code)

	noMatch := jobRequest("nomatch")
	noMatch.Criteria.CommandCriterion = models.Criterion{Tags: []string{"type:none"}}

	tests := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		wantCode int
		wantKind string
	}{
		{"unknown job", http.MethodGet, "/api/v1/jobs/missing", nil, http.StatusNotFound, "NotFound"},
		{"duplicate id", http.MethodPost, "/api/v1/jobs", jobRequest("dup"), http.StatusConflict, "Conflict"},
		{"no match", http.MethodPost, "/api/v1/jobs", noMatch, http.StatusPreconditionFailed, "Precondition"},
		{"bad body", http.MethodPost, "/api/v1/jobs", "not an object", http.StatusPreconditionFailed, "Precondition"},
		{"unresolved spec", http.MethodGet, "/api/v1/jobs/missing/specification", nil, http.StatusNotFound, "NotFound"},
		{"heartbeat unknown", http.MethodPost, "/api/v1/jobs/missing/heartbeat", nil, http.StatusNotFound, "NotFound"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantKind, errorKind(t, w))
		})
	}
}

func TestStatusForKindRoundTrip(t *testing.T) {
	for _, kind := range []error{
		models.ErrNotFound, models.ErrConflict, models.ErrPrecondition,
		models.ErrUserLimitExceeded, models.ErrServerUnavailable, models.ErrUnauthorized, models.ErrServer,
	} {
		assert.Equal(t, kind, api.KindForStatus(api.StatusForKind(kind)), models.KindName(kind))
	}
	assert.Equal(t, http.StatusConflict, api.StatusForKind(models.ErrInvalidStatus))
}

func TestResolveDryRun(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/jobs/resolve", jobRequest(""), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var spec models.JobSpecification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &spec))
	assert.NotEmpty(t, spec.JobID)

	_, err := s.store.GetJob(context.Background(), spec.JobID)
	assert.True(t, errors.Is(err, models.ErrNotFound), "dry run persists nothing")
}

func TestAgentFlowOverHTTP(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/jobs", jobRequest("job-a"), nil).Code)

	w := s.do(t, http.MethodPost, "/api/v1/jobs/job-a/claim", models.AgentMetadata{Hostname: "h1", Version: "1"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var claim models.ClaimResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claim))
	token := map[string]string{api.ClaimTokenHeader: claim.Token}

	w = s.do(t, http.MethodPost, "/api/v1/jobs/job-a/heartbeat", nil, map[string]string{api.ClaimTokenHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPut, "/api/v1/jobs/job-a/status", models.JobStatusUpdate{
		CurrentStatus: models.JobStatusClaimed, NewStatus: models.JobStatusInit,
	}, token)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = s.do(t, http.MethodPut, "/api/v1/jobs/job-a/status", models.JobStatusUpdate{
		CurrentStatus: models.JobStatusClaimed, NewStatus: models.JobStatusInit,
	}, token)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "InvalidStatus", errorKind(t, w))

	w = s.do(t, http.MethodPost, "/api/v1/jobs/job-a/kill", api.KillRequest{Reason: "stop"}, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/jobs/job-a/heartbeat", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	var hb models.HeartbeatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hb))
	assert.True(t, hb.KillRequested)
	assert.Equal(t, "stop", hb.KillReason)
}

func TestKillWithoutBody(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/jobs", jobRequest("job-k"), nil).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/job-k/kill", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	job, err := s.store.GetJob(context.Background(), "job-k")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusKilled, job.Status)
}

func TestAPIKeyProtectsSubmitAndKill(t *testing.T) {
	s := newServer(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/v1/jobs", jobRequest("p1"), nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/v1/jobs/p1/kill", nil, nil).Code)

	w := s.do(t, http.MethodPost, "/api/v1/jobs", jobRequest("p1"), map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// reads stay open
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/jobs/p1", nil, nil).Code)
}

func TestPingAndMetrics(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/ping", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ping api.PingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ping))
	assert.Equal(t, "ok", ping.Status)
	assert.Equal(t, "test", ping.Version)

	w = s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `kestrel_http_requests_total{code="200",method="GET",route="/api/v1/ping"} 1`), body)
}

func TestUnknownRoute(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/api/v2/nothing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", errorKind(t, w))
}
