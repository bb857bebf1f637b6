// Package sched provides admission control for concurrent jobs and owns the
// cancellation/timeout/completion race for each running job.
package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"coderunner/pkg/eventlog"
	"coderunner/pkg/logx"
	"coderunner/pkg/metrics"
	"coderunner/pkg/persistence"
	"coderunner/pkg/proto"
)

// FinishFunc is handed to the executor; calling it reports natural
// completion. Calling it after the timeout or an explicit cancel has already
// settled the job is a no-op.
type FinishFunc func(status proto.Status, data map[string]any)

// RunFunc executes a job. Implementations must observe ctx at every step
// boundary and must eventually call finish exactly once on their own path;
// the scheduler tolerates late or duplicate calls.
type RunFunc func(ctx context.Context, finish FinishFunc)

// handle is the runtime-only state for one running job. The settled flag is
// the single check-and-set primitive that the timeout path, the cancel path,
// and the natural completion path all race through; whichever flips it
// false→true performs cleanup, the others become no-ops.
type handle struct {
	jobID   string
	cancel  context.CancelFunc
	timer   *time.Timer
	settled atomic.Bool
}

// Scheduler bounds concurrently running jobs and guarantees exactly-once
// settlement for each of them.
type Scheduler struct {
	store      persistence.Store
	bcast      *eventlog.Broadcaster
	rec        metrics.Recorder
	logger     *logx.Logger
	maxRunning int

	mu      sync.Mutex
	handles map[string]*handle
}

// New creates a scheduler with the given concurrency ceiling.
func New(store persistence.Store, bcast *eventlog.Broadcaster, rec metrics.Recorder, maxRunning int) *Scheduler {
	return &Scheduler{
		store:      store,
		bcast:      bcast,
		rec:        rec,
		logger:     logx.NewLogger("sched"),
		maxRunning: maxRunning,
		handles:    make(map[string]*handle),
	}
}

// TryStart admits the job if capacity allows and hands it to run on a new
// goroutine. Returns proto.ErrAtCapacity when the ceiling is reached and
// proto.ErrInvalidState when the job is not pending.
func (s *Scheduler) TryStart(ctx context.Context, job *proto.Job, run RunFunc) error {
	if job.Status != proto.StatusPending {
		return fmt.Errorf("cannot start job %s in status %s: %w", job.ID, job.Status, proto.ErrInvalidState)
	}

	// Job context is detached from the start request: the job outlives the
	// HTTP call that started it.
	runCtx, cancel := context.WithCancel(context.Background())

	h := &handle{jobID: job.ID, cancel: cancel}

	s.mu.Lock()
	if _, exists := s.handles[job.ID]; exists {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("job %s is already running: %w", job.ID, proto.ErrInvalidState)
	}
	if len(s.handles) >= s.maxRunning {
		s.mu.Unlock()
		cancel()
		s.rec.AdmissionRejected()
		return fmt.Errorf("%d jobs already running: %w", s.maxRunning, proto.ErrAtCapacity)
	}
	s.handles[job.ID] = h
	s.mu.Unlock()

	now := time.Now().UTC()
	if err := s.store.UpdateStatus(ctx, job.ID, proto.StatusRunning, &now, nil); err != nil {
		s.unregister(job.ID)
		cancel()
		return fmt.Errorf("failed to mark job %s running: %w", job.ID, err)
	}

	if _, err := s.bcast.Publish(ctx, proto.NewEvent(job.ID, proto.EventJobStarted, map[string]any{
		"input": job.Input,
	})); err != nil {
		s.logger.Warn("failed to publish job.started for %s: %v", job.ID, err)
	}

	if job.TimeoutMS > 0 {
		h.timer = time.AfterFunc(time.Duration(job.TimeoutMS)*time.Millisecond, func() {
			s.settle(h, proto.StatusTimeout, nil)
		})
	}

	s.rec.JobStarted()
	s.logger.Info("job %s started (running=%d/%d)", job.ID, s.RunningCount(), s.maxRunning)

	go run(runCtx, func(status proto.Status, data map[string]any) {
		s.settle(h, status, data)
	})
	return nil
}

// Cancel requests early stop of a job. Running jobs settle as cancelled once
// the check-and-set is won; pending jobs transition to cancelled directly.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	h, running := s.handles[jobID]
	s.mu.Unlock()

	if running {
		s.settle(h, proto.StatusCancelled, nil)
		return nil
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case proto.StatusPending:
		now := time.Now().UTC()
		if err := s.store.UpdateStatus(ctx, jobID, proto.StatusCancelled, nil, &now); err != nil {
			return fmt.Errorf("failed to cancel pending job %s: %w", jobID, err)
		}
		s.publishTerminal(jobID, proto.StatusCancelled, nil)
		s.bcast.CloseJob(jobID)
		return nil
	default:
		return fmt.Errorf("cannot cancel job %s in status %s: %w", jobID, job.Status, proto.ErrInvalidState)
	}
}

// Shutdown cancels every running job. Used for graceful process shutdown.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.settle(h, proto.StatusCancelled, map[string]any{"reason": "shutdown"})
	}
}

// RunningCount reports the number of currently running jobs.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// settle is the single funnel for job termination. Exactly one of
// {timeout-fire, natural-completion, explicit-cancel} wins the
// CompareAndSwap; cleanup runs only on the winning path.
func (s *Scheduler) settle(h *handle, status proto.Status, data map[string]any) {
	if !h.settled.CompareAndSwap(false, true) {
		return
	}

	h.cancel()
	if h.timer != nil {
		h.timer.Stop()
	}

	if !status.Terminal() {
		// Defensive normalization; executors should never report a
		// non-terminal status.
		status = proto.StatusError
	}

	s.publishTerminal(h.jobID, status, data)

	now := time.Now().UTC()
	// Store updates use a fresh context: the job context was just cancelled.
	if err := s.store.UpdateStatus(context.Background(), h.jobID, status, nil, &now); err != nil {
		s.logger.Error("failed to persist terminal status %s for job %s: %v", status, h.jobID, err)
	}

	s.bcast.CloseJob(h.jobID)
	s.unregister(h.jobID)
	s.rec.JobFinished(string(status))
	s.logger.Info("job %s settled: %s", h.jobID, status)
}

// publishTerminal emits the status-specific event (if any) followed by the
// final done event carrying the outcome.
func (s *Scheduler) publishTerminal(jobID string, status proto.Status, data map[string]any) {
	ctx := context.Background()

	switch status {
	case proto.StatusTimeout:
		s.publish(ctx, proto.NewEvent(jobID, proto.EventJobTimeout, nil))
	case proto.StatusCancelled:
		s.publish(ctx, proto.NewEvent(jobID, proto.EventJobCancelled, data))
	case proto.StatusError:
		s.publish(ctx, proto.NewEvent(jobID, proto.EventError, data))
	case proto.StatusDone, proto.StatusPending, proto.StatusRunning:
	}

	doneData := map[string]any{"status": string(status)}
	for k, v := range data {
		if _, exists := doneData[k]; !exists {
			doneData[k] = v
		}
	}
	s.publish(ctx, proto.NewEvent(jobID, proto.EventDone, doneData))
}

func (s *Scheduler) publish(ctx context.Context, event proto.Event) {
	if _, err := s.bcast.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish %s for job %s: %v", event.Type, event.JobID, err)
	}
}

func (s *Scheduler) unregister(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, jobID)
}
