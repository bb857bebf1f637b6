package proto

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of a runner event. The vocabulary is fixed;
// observers may ignore types they do not understand but the core never emits
// types outside this set.
type EventType string

const (
	// EventJobStarted marks the transition from pending to running.
	EventJobStarted EventType = "job.started"
	// EventPlan carries the agent's initial plan text.
	EventPlan EventType = "plan"
	// EventPlanUpdate carries plan revisions made during iteration.
	EventPlanUpdate EventType = "plan.update"
	// EventToolStart marks the beginning of a tool invocation.
	EventToolStart EventType = "tool.start"
	// EventToolOutput carries (truncated) output captured from a tool.
	EventToolOutput EventType = "tool.output"
	// EventToolEnd marks a completed tool invocation, success or not.
	EventToolEnd EventType = "tool.end"
	// EventToolRefused marks a tool invocation denied by the safety guard.
	// This is a policy outcome, distinct from a failed execution.
	EventToolRefused EventType = "tool.refused"
	// EventJobCancelled is emitted when an explicit cancel wins the race.
	EventJobCancelled EventType = "job.cancelled"
	// EventJobTimeout is emitted when the timeout timer wins the race.
	EventJobTimeout EventType = "job.timeout"
	// EventError carries a terminal execution failure.
	EventError EventType = "error"
	// EventDone is the terminal event for every job; its data carries the
	// final status so stream-only observers never need to poll the job.
	EventDone EventType = "done"
	// EventMemory carries an agent memory checkpoint so a later job in the
	// same session can reconstruct conversation state.
	EventMemory EventType = "memory"
	// EventAgentState marks entry into an agent state machine state.
	EventAgentState EventType = "agent.state"
)

// Event is a single append-only record in a job's event log. Events are
// never mutated after creation; ordering within a job is creation order,
// tracked by Seq.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Event struct {
	ID    string         `json:"id"`
	JobID string         `json:"job_id"`
	Type  EventType      `json:"type"`
	TS    time.Time      `json:"ts"`
	Seq   int64          `json:"seq"`
	Data  map[string]any `json:"data,omitempty"`
}

// NewEvent constructs an event for a job. Seq is assigned by the store on
// append.
func NewEvent(jobID string, typ EventType, data map[string]any) Event {
	return Event{
		ID:    uuid.New().String(),
		JobID: jobID,
		Type:  typ,
		TS:    time.Now().UTC(),
		Data:  data,
	}
}
