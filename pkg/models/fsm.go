package models

import (
	"fmt"
	"strings"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusReserved: {
		JobStatusResolved: true, // Reserved → Resolved (specification saved)
		JobStatusFailed:   true, // Reserved → Failed (resolution failed)
		JobStatusKilled:   true, // Reserved → Killed (user kill before resolution)
	},
	JobStatusResolved: {
		JobStatusAccepted: true, // Resolved → Accepted (capacity reserved)
		JobStatusFailed:   true, // Resolved → Failed (admission rejected)
		JobStatusKilled:   true,
	},
	JobStatusAccepted: {
		JobStatusClaimed: true, // Accepted → Claimed (agent takes ownership)
		JobStatusFailed:  true, // Accepted → Failed (never claimed)
		JobStatusKilled:  true,
	},
	JobStatusClaimed: {
		JobStatusInit:    true, // Claimed → Init (agent sets up the job)
		JobStatusFailed:  true,
		JobStatusKilled:  true,
		JobStatusInvalid: true, // Claimed → Invalid (setup failed)
	},
	JobStatusInit: {
		JobStatusRunning: true, // Init → Running (process launched)
		JobStatusFailed:  true,
		JobStatusKilled:  true,
		JobStatusInvalid: true,
	},
	JobStatusRunning: {
		JobStatusSucceeded: true,
		JobStatusFailed:    true,
		JobStatusKilled:    true,
	},
	// Terminal states (no transitions allowed)
	JobStatusSucceeded: {},
	JobStatusFailed:    {},
	JobStatusKilled:    {},
	JobStatusInvalid:   {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return NewError(ErrInvalidStatus, "status", "unknown source state: %s", from)
	}

	if !allowedStates[to] {
		return NewError(ErrInvalidStatus, "status", "invalid transition from %s to %s", from, to)
	}

	return nil
}

// ParseJobStatus accepts a status name in any case.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := validTransitions[status]; !ok {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return status, nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	switch state {
	case JobStatusSucceeded, JobStatusFailed, JobStatusKilled, JobStatusInvalid:
		return true
	}
	return false
}

// IsActiveState returns true if the job holds capacity: resolved and not yet
// finished.
func IsActiveState(state JobStatus) bool {
	switch state {
	case JobStatusResolved, JobStatusAccepted, JobStatusClaimed, JobStatusInit, JobStatusRunning:
		return true
	}
	return false
}

// IsClaimedState returns true once an agent owns the job.
func IsClaimedState(state JobStatus) bool {
	switch state {
	case JobStatusClaimed, JobStatusInit, JobStatusRunning:
		return true
	}
	return false
}

// ActiveStatuses lists the statuses counted by IsActiveState.
func ActiveStatuses() []JobStatus {
	return []JobStatus{JobStatusResolved, JobStatusAccepted, JobStatusClaimed, JobStatusInit, JobStatusRunning}
}
