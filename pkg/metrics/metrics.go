package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/kestrel/pkg/models"
)

// Registry holds the server's collectors
type Registry struct {
	reg *prometheus.Registry

	coordinationDuration *prometheus.HistogramVec
	userLimitExceeded    *prometheus.CounterVec
	killRequests         *prometheus.CounterVec
	statusReports        *prometheus.CounterVec
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
}

// NewRegistry creates a registry with the Go and process collectors plus the
// kestrel collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		coordinationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_coordination_duration_seconds",
				Help:    "Time taken to coordinate a job, by outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status", "exception"},
		),
		userLimitExceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_coordination_user_limit_exceeded_total",
				Help: "Jobs rejected because the user reached the active job limit",
			},
			[]string{"limit"},
		),
		killRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_kill_requests_total",
				Help: "Kill requests by the job phase they hit",
			},
			[]string{"phase"},
		),
		statusReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_job_status_reports_total",
				Help: "Status changes reported by agents",
			},
			[]string{"status"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_http_requests_total",
				Help: "HTTP requests handled by the server",
			},
			[]string{"method", "route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.coordinationDuration,
		r.userLimitExceeded,
		r.killRequests,
		r.statusReports,
		r.httpRequests,
		r.httpDuration,
	)
	return r
}

// Prometheus returns the underlying registry
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// MustRegister registers extra collectors
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.reg.MustRegister(cs...)
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveCoordination records one coordination attempt. err == nil is a success.
func (r *Registry) ObserveCoordination(start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	r.coordinationDuration.WithLabelValues(status, models.KindName(err)).Observe(time.Since(start).Seconds())
}

// IncUserLimitExceeded counts a rejection by the per-user active job limit
func (r *Registry) IncUserLimitExceeded(limit int) {
	r.userLimitExceeded.WithLabelValues(strconv.Itoa(limit)).Inc()
}

// IncKillRequest counts a kill request hitting a job in phase
func (r *Registry) IncKillRequest(phase string) {
	r.killRequests.WithLabelValues(phase).Inc()
}

// IncStatusReport counts an agent status report
func (r *Registry) IncStatusReport(status models.JobStatus) {
	r.statusReports.WithLabelValues(string(status)).Inc()
}

// ObserveHTTP records a served request
func (r *Registry) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// WriteText writes every gathered metric family in the text format
func (r *Registry) WriteText(w io.Writer) error {
	return WriteText(w, r.reg)
}

// WriteText gathers g and writes it in the text exposition format
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("encode metric %s: %w", mf.GetName(), err)
		}
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// JobLister is the part of the job store the job collector reads
type JobLister interface {
	ListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error)
}

var allStatuses = []models.JobStatus{
	models.JobStatusReserved, models.JobStatusResolved, models.JobStatusAccepted,
	models.JobStatusClaimed, models.JobStatusInit, models.JobStatusRunning,
	models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusKilled, models.JobStatusInvalid,
}

// JobCollector reports job counts and reserved memory from the store at
// scrape time.
type JobCollector struct {
	store      JobLister
	usedMemory func(ctx context.Context) (int, error)
	startTime  time.Time

	jobs     *prometheus.Desc
	memory   *prometheus.Desc
	reserved *prometheus.Desc
	uptime   *prometheus.Desc
}

// NewJobCollector creates a collector over the store. usedMemory may be nil.
func NewJobCollector(store JobLister, usedMemory func(ctx context.Context) (int, error)) *JobCollector {
	return &JobCollector{
		store:      store,
		usedMemory: usedMemory,
		startTime:  time.Now(),
		jobs: prometheus.NewDesc("kestrel_jobs",
			"Number of jobs by status", []string{"status"}, nil),
		memory: prometheus.NewDesc("kestrel_active_job_memory_megabytes",
			"Memory of active jobs as recorded in the store", nil, nil),
		reserved: prometheus.NewDesc("kestrel_reserved_memory_megabytes",
			"Memory reserved on the usage counter", nil, nil),
		uptime: prometheus.NewDesc("kestrel_server_uptime_seconds",
			"Time since the server started", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *JobCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.memory
	ch <- c.reserved
	ch <- c.uptime
}

// Collect implements prometheus.Collector
func (c *JobCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, time.Since(c.startTime).Seconds())

	jobs, err := c.store.ListJobsByStatus(ctx, allStatuses...)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.jobs, err)
		return
	}
	byStatus := make(map[models.JobStatus]int, len(allStatuses))
	activeMemory := 0
	for _, job := range jobs {
		byStatus[job.Status]++
		if models.IsActiveState(job.Status) {
			activeMemory += job.MemoryUsed
		}
	}
	for _, st := range allStatuses {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(byStatus[st]), string(st))
	}
	ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(activeMemory))

	if c.usedMemory != nil {
		used, err := c.usedMemory(ctx)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(c.reserved, err)
			return
		}
		ch <- prometheus.MustNewConstMetric(c.reserved, prometheus.GaugeValue, float64(used))
	}
}
