// Package api serves the kestrel job RPC over HTTP and JSON.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/psantana5/kestrel/pkg/models"
)

// ClaimTokenHeader carries the token returned by a claim
const ClaimTokenHeader = "X-Kestrel-Claim-Token"

// JobService is the server side of the job lifecycle
type JobService interface {
	Coordinate(ctx context.Context, req *models.JobRequest) (string, error)
	ResolveDryRun(ctx context.Context, req *models.JobRequest) (*models.JobSpecification, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetJobSpecification(ctx context.Context, jobID string) (*models.JobSpecification, error)
	ClaimJob(ctx context.Context, jobID string, agent models.AgentMetadata) (*models.ClaimResponse, error)
	ChangeJobStatus(ctx context.Context, jobID, token string, update models.JobStatusUpdate) error
	Heartbeat(ctx context.Context, jobID, token string) (*models.HeartbeatResponse, error)
}

// Killer kills jobs
type Killer interface {
	KillJob(ctx context.Context, jobID, reason string) error
}

// SubmitResponse is returned by a successful submission
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// KillRequest is the optional body of a kill
type KillRequest struct {
	Reason string `json:"reason,omitempty"`
}

// PingResponse reports server liveness
type PingResponse struct {
	Status  string    `json:"status"`
	Version string    `json:"version"`
	Time    time.Time `json:"time"`
}

// JobsHandler serves the job routes
type JobsHandler struct {
	jobs    JobService
	killer  Killer
	health  func() error
	version string
}

// NewJobsHandler creates the job handler. health may be nil.
func NewJobsHandler(jobs JobService, killer Killer, health func() error, version string) *JobsHandler {
	return &JobsHandler{jobs: jobs, killer: killer, health: health, version: version}
}

// RegisterRoutes registers the job routes on r. protect wraps the routes
// that create or kill jobs.
func (h *JobsHandler) RegisterRoutes(r *mux.Router, protect mux.MiddlewareFunc) {
	if protect == nil {
		protect = func(next http.Handler) http.Handler { return next }
	}

	// static paths before parameterised ones
	r.Handle("/api/v1/jobs", protect(http.HandlerFunc(h.Submit))).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/jobs/resolve", h.Resolve).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/jobs/{id}", h.GetJob).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/jobs/{id}/specification", h.GetSpecification).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/jobs/{id}/claim", h.Claim).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/jobs/{id}/status", h.ChangeStatus).Methods(http.MethodPut)
	r.HandleFunc("/api/v1/jobs/{id}/heartbeat", h.Heartbeat).Methods(http.MethodPost)
	r.Handle("/api/v1/jobs/{id}/kill", protect(http.HandlerFunc(h.Kill))).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/ping", h.Ping).Methods(http.MethodGet)
}

// Submit coordinates a new job. A request without an id gets one.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	id, err := h.jobs.Coordinate(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+id)
	writeJSON(w, http.StatusCreated, SubmitResponse{JobID: id})
}

// Resolve returns the specification the request would get
func (h *JobsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	spec, err := h.jobs.ResolveDryRun(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// GetJob returns the job entity
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetSpecification returns the saved specification
func (h *JobsHandler) GetSpecification(w http.ResponseWriter, r *http.Request) {
	spec, err := h.jobs.GetJobSpecification(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// Claim hands the job to the calling agent
func (h *JobsHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var agent models.AgentMetadata
	if err := decode(r, &agent); err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.jobs.ClaimJob(r.Context(), mux.Vars(r)["id"], agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ChangeStatus applies an agent status report
func (h *JobsHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var update models.JobStatusUpdate
	if err := decode(r, &update); err != nil {
		writeError(w, err)
		return
	}
	if err := h.jobs.ChangeJobStatus(r.Context(), mux.Vars(r)["id"], r.Header.Get(ClaimTokenHeader), update); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Heartbeat returns the kill flag of the job
func (h *JobsHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	resp, err := h.jobs.Heartbeat(r.Context(), mux.Vars(r)["id"], r.Header.Get(ClaimTokenHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Kill kills the job. The body is optional.
func (h *JobsHandler) Kill(w http.ResponseWriter, r *http.Request) {
	var req KillRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := h.killer.KillJob(r.Context(), mux.Vars(r)["id"], req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Ping reports that the server is up and its store reachable
func (h *JobsHandler) Ping(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(); err != nil {
			writeError(w, models.WrapError(models.ErrServerUnavailable, "api.ping", err, "store unhealthy"))
			return
		}
	}
	writeJSON(w, http.StatusOK, PingResponse{Status: "ok", Version: h.version, Time: time.Now().UTC()})
}
