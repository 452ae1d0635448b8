package metrics

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/kestrel/pkg/models"
)

func TestObserveCoordinationLabels(t *testing.T) {
	r := NewRegistry()
	start := time.Now()

	r.ObserveCoordination(start, nil)
	r.ObserveCoordination(start, models.NewError(models.ErrUserLimitExceeded, "test", "limit"))
	r.IncUserLimitExceeded(3)

	assert.Equal(t, 2, testutil.CollectAndCount(r.coordinationDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.userLimitExceeded.WithLabelValues("3")))

	var buf bytes.Buffer
	require.NoError(t, r.WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, `kestrel_coordination_duration_seconds_count{exception="none",status="success"} 1`)
	assert.Contains(t, out, `exception="UserLimitExceeded",status="failure"`)
	assert.Contains(t, out, `kestrel_coordination_user_limit_exceeded_total{limit="3"} 1`)
}

type fakeLister struct {
	jobs []*models.Job
}

func (f fakeLister) ListJobsByStatus(_ context.Context, _ ...models.JobStatus) ([]*models.Job, error) {
	return f.jobs, nil
}

func TestJobCollector(t *testing.T) {
	lister := fakeLister{jobs: []*models.Job{
		{ID: "a", Status: models.JobStatusRunning, MemoryUsed: 512},
		{ID: "b", Status: models.JobStatusAccepted, MemoryUsed: 256},
		{ID: "c", Status: models.JobStatusFailed, MemoryUsed: 1024},
	}}
	r := NewRegistry()
	r.MustRegister(NewJobCollector(lister, func(context.Context) (int, error) { return 768, nil }))

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `kestrel_jobs{status="RUNNING"} 1`)
	assert.Contains(t, out, `kestrel_jobs{status="KILLED"} 0`)
	assert.Contains(t, out, "kestrel_active_job_memory_megabytes 768")
	assert.Contains(t, out, "kestrel_reserved_memory_megabytes 768")
	assert.True(t, strings.Contains(out, "go_goroutines"), "go collector registered")
}
