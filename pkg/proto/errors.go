package proto

import "errors"

// Error taxonomy. The HTTP layer maps these to status codes; everything else
// wraps them with context via fmt.Errorf("...: %w", err).
var (
	// ErrAtCapacity is returned when admission control rejects a start
	// because the concurrency ceiling has been reached.
	ErrAtCapacity = errors.New("at_capacity")

	// ErrNotFound is returned for operations on an unknown job.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidState is returned when an operation is not valid for the
	// job's current status, e.g. starting a non-pending job.
	ErrInvalidState = errors.New("invalid job state")

	// ErrToolRefused is returned by the safety guard when a tool invocation
	// is denied by policy. Not an execution error.
	ErrToolRefused = errors.New("tool refused")

	// ErrProviderFailure is returned when the LLM provider call fails after
	// retries are exhausted.
	ErrProviderFailure = errors.New("provider failure")

	// ErrExecutionFailure is returned for uncaught failures inside an
	// execution strategy.
	ErrExecutionFailure = errors.New("execution failure")

	// ErrCancelled is returned when work is stopped by an explicit cancel.
	ErrCancelled = errors.New("job cancelled")

	// ErrTimedOut is returned when work is stopped by the timeout timer.
	ErrTimedOut = errors.New("job timed out")
)
