// Package persistence provides job and event storage with interchangeable
// backends: an ephemeral in-memory map and a durable SQLite database.
// Callers must not depend on which backend is active.
package persistence

import (
	"context"
	"time"

	"coderunner/pkg/proto"
)

// Store is the persistence contract consumed by the scheduler, executor, and
// HTTP front door. AddEvent is append-only: events for a live job are never
// reordered or dropped.
type Store interface {
	// CreateJob persists a new job in pending status.
	CreateJob(ctx context.Context, id, input string, timeoutMS int64) (*proto.Job, error)

	// GetJob returns the job or proto.ErrNotFound.
	GetJob(ctx context.Context, id string) (*proto.Job, error)

	// UpdateStatus transitions the job's status, optionally recording
	// started/finished timestamps. Nil timestamps leave the stored values
	// untouched.
	UpdateStatus(ctx context.Context, id string, status proto.Status, startedAt, finishedAt *time.Time) error

	// AddEvent appends an event to the job's log, assigning the next
	// per-job sequence number. Returns the stored event.
	AddEvent(ctx context.Context, event proto.Event) (proto.Event, error)

	// GetEvents returns the job's events in append order.
	GetEvents(ctx context.Context, jobID string) ([]proto.Event, error)

	// ListJobs returns up to limit jobs, newest first.
	ListJobs(ctx context.Context, limit int) ([]*proto.Job, error)

	// DeleteJob removes the job and its events.
	DeleteJob(ctx context.Context, id string) error

	// Close releases backend resources.
	Close() error
}
