// Package proto defines the shared job, event, and error vocabulary used
// across the scheduler, executor, store, and HTTP surface.
package proto

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending indicates a job that has been created but not started.
	StatusPending Status = "pending"
	// StatusRunning indicates a job currently being executed.
	StatusRunning Status = "running"
	// StatusDone indicates a job that completed normally.
	StatusDone Status = "done"
	// StatusError indicates a job that failed with an execution error.
	StatusError Status = "error"
	// StatusCancelled indicates a job stopped by an explicit cancel request.
	StatusCancelled Status = "cancelled"
	// StatusTimeout indicates a job stopped by its timeout timer.
	StatusTimeout Status = "timeout"
)

// Terminal reports whether the status is final. Terminal statuses never
// transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusCancelled, StatusTimeout:
		return true
	case StatusPending, StatusRunning:
		return false
	default:
		return false
	}
}

// ValidStatuses returns all recognized job statuses.
func ValidStatuses() []Status {
	return []Status{StatusPending, StatusRunning, StatusDone, StatusError, StatusCancelled, StatusTimeout}
}

// Job is the persisted record of a submitted task.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Job struct {
	ID         string     `json:"id"`
	Input      string     `json:"input"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	TimeoutMS  int64      `json:"timeout_ms,omitempty"`
}

// NewJobID generates a new UUID for a job.
func NewJobID() string {
	return uuid.New().String()
}
