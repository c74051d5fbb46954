package models

import (
	"fmt"
)

const (
	JobStatusQueued    JobStatus = "queued"    // accepted, waiting for a worker
	JobStatusRunning   JobStatus = "running"   // algorithm executing
	JobStatusCompleted JobStatus = "completed" // result available
	JobStatusFailed    JobStatus = "failed"    // error recorded
	JobStatusCancelled JobStatus = "cancelled" // stopped on request
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusRunning:   true, // worker picks up job
		JobStatusCancelled: true, // cancelled before start
	},
	JobStatusRunning: {
		JobStatusCompleted: true,
		JobStatusFailed:    true, // algorithm error, infeasible, timeout
		JobStatusCancelled: true,
	},
	// Terminal states
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if _, known := validTransitions[to]; !known {
		return fmt.Errorf("unknown target state: %s", to)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if no further transitions are possible
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCancelled
}

// ParseJobStatus validates a status string
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// StepDescription is the human readable step for a status
func StepDescription(status JobStatus) string {
	switch status {
	case JobStatusQueued:
		return "Job queued for processing"
	case JobStatusRunning:
		return "Optimization in progress"
	case JobStatusCompleted:
		return "Optimization complete"
	case JobStatusFailed:
		return "Optimization failed"
	case JobStatusCancelled:
		return "Optimization cancelled"
	default:
		return ""
	}
}
