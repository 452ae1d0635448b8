package models

import (
	"time"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusReserved  JobStatus = "RESERVED"  // record created, not resolved yet
	JobStatusResolved  JobStatus = "RESOLVED"  // specification saved
	JobStatusAccepted  JobStatus = "ACCEPTED"  // capacity reserved, waiting for an agent
	JobStatusClaimed   JobStatus = "CLAIMED"   // an agent owns the job
	JobStatusInit      JobStatus = "INIT"      // agent is setting up the job directory
	JobStatusRunning   JobStatus = "RUNNING"   // job process launched
	JobStatusSucceeded JobStatus = "SUCCEEDED" // process exited 0
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusKilled    JobStatus = "KILLED"
	JobStatusInvalid   JobStatus = "INVALID" // agent failed before anything ran
)

// Job is the persisted record of a job.
type Job struct {
	ID              string     `json:"id"`
	Status          JobStatus  `json:"status"`
	StatusMessage   string     `json:"status_message,omitempty"`
	User            string     `json:"user"`
	Name            string     `json:"name"`
	Version         string     `json:"version,omitempty"`
	Claimed         bool       `json:"claimed"`
	Resolved        bool       `json:"resolved"`
	MemoryUsed      int        `json:"memory_used,omitempty"`
	ClusterID       string     `json:"cluster_id,omitempty"`
	CommandID       string     `json:"command_id,omitempty"`
	ApplicationIDs  []string   `json:"application_ids,omitempty"`
	ArchiveLocation string     `json:"archive_location,omitempty"`
	Hostname        string     `json:"hostname,omitempty"`
	ProcessID       int        `json:"process_id,omitempty"`
	AgentVersion    string     `json:"agent_version,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	KillRequested   bool       `json:"kill_requested"`
	KillReason      string     `json:"kill_reason,omitempty"`
	ClaimTokenHash  string     `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ExecutionResourceCriteria selects the cluster, command and applications of
// a job. Cluster criteria are tried in order and the first one with any match
// wins.
type ExecutionResourceCriteria struct {
	ClusterCriteria  []Criterion `json:"cluster_criteria"`
	CommandCriterion Criterion   `json:"command_criterion"`
	ApplicationIDs   []string    `json:"application_ids,omitempty"`
}

// AgentConfigRequest holds agent-side options a client may ask for.
type AgentConfigRequest struct {
	Interactive bool `json:"interactive,omitempty"`
	// Timeout in seconds, nil means the server default
	TimeoutSeconds        *int   `json:"timeout_seconds,omitempty"`
	RequestedJobDirectory string `json:"requested_job_directory,omitempty"`
	ArchivingDisabled     bool   `json:"archiving_disabled,omitempty"`
}

// JobMetadata describes the job for humans and for grouping.
type JobMetadata struct {
	Name             string   `json:"name"`
	User             string   `json:"user"`
	Version          string   `json:"version,omitempty"`
	Description      string   `json:"description,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	Email            string   `json:"email,omitempty"`
	Group            string   `json:"group,omitempty"`
	Grouping         string   `json:"grouping,omitempty"`
	GroupingInstance string   `json:"grouping_instance,omitempty"`
}

// JobRequest is what a client submits. It is not modified once submitted.
type JobRequest struct {
	ID          string                    `json:"id,omitempty"`
	Metadata    JobMetadata               `json:"metadata"`
	CommandArgs []string                  `json:"command_args,omitempty"`
	Criteria    ExecutionResourceCriteria `json:"criteria"`
	AgentConfig AgentConfigRequest        `json:"agent_config,omitempty"`
	Environment ExecutionEnvironment      `json:"environment,omitempty"`
	// Memory in MB, nil means the command or server default
	RequestedMemory *int `json:"requested_memory,omitempty"`
}

// Validate checks the request shape before anything is persisted.
func (r *JobRequest) Validate() error {
	if r.Metadata.User == "" {
		return NewError(ErrPrecondition, "job.request", "user is required")
	}
	if r.Metadata.Name == "" {
		return NewError(ErrPrecondition, "job.request", "name is required")
	}
	if len(r.Criteria.ClusterCriteria) == 0 {
		return NewError(ErrPrecondition, "job.request", "at least one cluster criterion is required")
	}
	for i, c := range r.Criteria.ClusterCriteria {
		if err := c.Validate(); err != nil {
			return WrapError(ErrPrecondition, "job.request", err, "cluster criterion %d", i)
		}
	}
	if err := r.Criteria.CommandCriterion.Validate(); err != nil {
		return WrapError(ErrPrecondition, "job.request", err, "command criterion")
	}
	if r.RequestedMemory != nil && *r.RequestedMemory <= 0 {
		return NewError(ErrPrecondition, "job.request", "requested memory must be positive")
	}
	return nil
}

// JobStatusUpdate is sent by an agent to move its job forward.
type JobStatusUpdate struct {
	CurrentStatus JobStatus `json:"current_status"`
	NewStatus     JobStatus `json:"new_status"`
	Message       string    `json:"message,omitempty"`
	ProcessID     int       `json:"process_id,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
}

// AgentMetadata identifies the agent that claims a job.
type AgentMetadata struct {
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	PID      int    `json:"pid"`
}

// ClaimResponse carries the token an agent presents after claiming.
type ClaimResponse struct {
	JobID string `json:"job_id"`
	Token string `json:"token"`
}

// HeartbeatResponse tells the agent whether the server wants its job killed.
type HeartbeatResponse struct {
	KillRequested bool   `json:"kill_requested"`
	KillReason    string `json:"kill_reason,omitempty"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}
