package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"coderunner/pkg/proto"
)

// MemoryStore is an ephemeral Store backed by maps. It is safe for
// concurrent use and copies values at the boundary so callers can never
// mutate stored state.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*proto.Job
	events map[string][]proto.Event
	seqs   map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*proto.Job),
		events: make(map[string][]proto.Event),
		seqs:   make(map[string]int64),
	}
}

// CreateJob persists a new job in pending status.
func (s *MemoryStore) CreateJob(_ context.Context, id, input string, timeoutMS int64) (*proto.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; exists {
		return nil, fmt.Errorf("job %s already exists", id)
	}

	job := &proto.Job{
		ID:        id,
		Input:     input,
		Status:    proto.StatusPending,
		CreatedAt: time.Now().UTC(),
		TimeoutMS: timeoutMS,
	}
	s.jobs[id] = job

	cp := *job
	return &cp, nil
}

// GetJob returns the job or proto.ErrNotFound.
func (s *MemoryStore) GetJob(_ context.Context, id string) (*proto.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", id, proto.ErrNotFound)
	}
	cp := *job
	return &cp, nil
}

// UpdateStatus transitions the job's status.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status proto.Status, startedAt, finishedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("job %s: %w", id, proto.ErrNotFound)
	}

	job.Status = status
	if startedAt != nil {
		t := *startedAt
		job.StartedAt = &t
	}
	if finishedAt != nil {
		t := *finishedAt
		job.FinishedAt = &t
	}
	return nil
}

// AddEvent appends an event to the job's log.
func (s *MemoryStore) AddEvent(_ context.Context, event proto.Event) (proto.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[event.JobID]; !exists {
		return proto.Event{}, fmt.Errorf("job %s: %w", event.JobID, proto.ErrNotFound)
	}

	s.seqs[event.JobID]++
	event.Seq = s.seqs[event.JobID]
	s.events[event.JobID] = append(s.events[event.JobID], event)
	return event, nil
}

// GetEvents returns the job's events in append order.
func (s *MemoryStore) GetEvents(_ context.Context, jobID string) ([]proto.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.jobs[jobID]; !exists {
		return nil, fmt.Errorf("job %s: %w", jobID, proto.ErrNotFound)
	}

	events := s.events[jobID]
	result := make([]proto.Event, len(events))
	copy(result, events)
	return result, nil
}

// ListJobs returns up to limit jobs, newest first.
func (s *MemoryStore) ListJobs(_ context.Context, limit int) ([]*proto.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*proto.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// DeleteJob removes the job and its events.
func (s *MemoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return fmt.Errorf("job %s: %w", id, proto.ErrNotFound)
	}
	delete(s.jobs, id)
	delete(s.events, id)
	delete(s.seqs, id)
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error {
	return nil
}
