package models

import (
	"errors"
	"testing"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		// Valid transitions
		{"Reserved to Resolved", JobStatusReserved, JobStatusResolved, false},
		{"Reserved to Failed", JobStatusReserved, JobStatusFailed, false},
		{"Resolved to Accepted", JobStatusResolved, JobStatusAccepted, false},
		{"Resolved to Failed", JobStatusResolved, JobStatusFailed, false},
		{"Accepted to Claimed", JobStatusAccepted, JobStatusClaimed, false},
		{"Claimed to Init", JobStatusClaimed, JobStatusInit, false},
		{"Claimed to Invalid", JobStatusClaimed, JobStatusInvalid, false},
		{"Init to Running", JobStatusInit, JobStatusRunning, false},
		{"Running to Succeeded", JobStatusRunning, JobStatusSucceeded, false},
		{"Running to Killed", JobStatusRunning, JobStatusKilled, false},

		// Invalid transitions
		{"Reserved to Running", JobStatusReserved, JobStatusRunning, true},
		{"Accepted to Running", JobStatusAccepted, JobStatusRunning, true},
		{"Running to Invalid", JobStatusRunning, JobStatusInvalid, true},
		{"Running to Init", JobStatusRunning, JobStatusInit, true},
		{"Succeeded to Running", JobStatusSucceeded, JobStatusRunning, true},
		{"Failed to Killed", JobStatusFailed, JobStatusKilled, true},
		{"Killed to anything", JobStatusKilled, JobStatusFailed, true},
		{"Unknown source", JobStatus("BOGUS"), JobStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidStatus) {
				t.Errorf("ValidateTransition(%v, %v) error kind = %v, want ErrInvalidStatus", tt.from, tt.to, err)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		name     string
		state    JobStatus
		expected bool
	}{
		{"Succeeded is terminal", JobStatusSucceeded, true},
		{"Failed is terminal", JobStatusFailed, true},
		{"Killed is terminal", JobStatusKilled, true},
		{"Invalid is terminal", JobStatusInvalid, true},
		{"Reserved is not terminal", JobStatusReserved, false},
		{"Running is not terminal", JobStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsTerminalState(tt.state)
			if result != tt.expected {
				t.Errorf("IsTerminalState(%v) = %v, want %v", tt.state, result, tt.expected)
			}
		})
	}
}

func TestIsActiveState(t *testing.T) {
	tests := []struct {
		name     string
		state    JobStatus
		expected bool
	}{
		{"Reserved is not active", JobStatusReserved, false},
		{"Resolved is active", JobStatusResolved, true},
		{"Accepted is active", JobStatusAccepted, true},
		{"Running is active", JobStatusRunning, true},
		{"Succeeded is not active", JobStatusSucceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsActiveState(tt.state); got != tt.expected {
				t.Errorf("IsActiveState(%v) = %v, want %v", tt.state, got, tt.expected)
			}
		})
	}
}

func TestTerminalStatesHaveNoTransitions(t *testing.T) {
	for from, allowed := range validTransitions {
		if IsTerminalState(from) && len(allowed) != 0 {
			t.Errorf("terminal state %s has outgoing transitions", from)
		}
	}
}

func TestParseJobStatus(t *testing.T) {
	s, err := ParseJobStatus("running")
	if err != nil || s != JobStatusRunning {
		t.Fatalf("ParseJobStatus(running) = %v, %v", s, err)
	}
	if _, err := ParseJobStatus("paused"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
