// Package eventlog provides the append-only event log fan-out: backlog replay
// for new subscribers and live delivery to active ones, per job.
package eventlog

import (
	"context"
	"fmt"
	"sync"

	"coderunner/pkg/logx"
	"coderunner/pkg/persistence"
	"coderunner/pkg/proto"
)

// subscriberBuffer is the per-subscriber channel depth. Publishing never
// blocks on a subscriber; a consumer that falls this far behind has its
// events dropped rather than stalling the job.
const subscriberBuffer = 256

// jobRegistry holds the live subscribers for one job. Each job has its own
// lock so subscribe/publish on different jobs never contend.
type jobRegistry struct {
	mu     sync.Mutex
	subs   map[chan proto.Event]struct{}
	closed bool
}

// Broadcaster appends events to the store and fans them out to subscribers.
// The subscribe path reads the backlog and registers the live channel under
// the same per-job lock that publishing takes, which is what guarantees the
// no-gap no-duplicate handoff.
type Broadcaster struct {
	store   persistence.Store
	archive *Writer
	logger  *logx.Logger

	mu   sync.Mutex
	jobs map[string]*jobRegistry
}

// New creates a broadcaster over the given store.
func New(store persistence.Store) *Broadcaster {
	return &Broadcaster{
		store:  store,
		logger: logx.NewLogger("eventlog"),
		jobs:   make(map[string]*jobRegistry),
	}
}

// AttachArchive mirrors every published event to the given archive writer.
// Must be called before any Publish.
func (b *Broadcaster) AttachArchive(w *Writer) {
	b.archive = w
}

func (b *Broadcaster) registry(jobID string, create bool) *jobRegistry {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg, exists := b.jobs[jobID]
	if !exists && create {
		reg = &jobRegistry{subs: make(map[chan proto.Event]struct{})}
		b.jobs[jobID] = reg
	}
	return reg
}

// Publish appends the event to the store and delivers it to every live
// subscriber of the event's job. Append and fan-out happen under the job's
// registry lock so they are serialized against Subscribe's backlog read.
func (b *Broadcaster) Publish(ctx context.Context, event proto.Event) (proto.Event, error) {
	reg := b.registry(event.JobID, true)

	reg.mu.Lock()
	defer reg.mu.Unlock()

	stored, err := b.store.AddEvent(ctx, event)
	if err != nil {
		return proto.Event{}, fmt.Errorf("failed to append event %s: %w", event.Type, err)
	}

	if b.archive != nil {
		if err := b.archive.Append(stored); err != nil {
			b.logger.Warn("failed to archive event %s for job %s: %v", stored.Type, stored.JobID, err)
		}
	}

	for ch := range reg.subs {
		select {
		case ch <- stored:
		default:
			// Subscriber buffer full; drop for them rather than block.
			b.logger.Warn("dropping event %s for slow subscriber of job %s", stored.Type, stored.JobID)
		}
	}
	return stored, nil
}

// Subscribe returns the job's full backlog in order plus a channel that
// receives all subsequent events with no gap and no duplicate. The returned
// cancel function removes the subscription; it is safe to call more than
// once. If the job is already terminal the returned channel is closed.
func (b *Broadcaster) Subscribe(ctx context.Context, jobID string) ([]proto.Event, <-chan proto.Event, func(), error) {
	job, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, nil, err
	}

	// Terminal status is persisted after the final events, so a terminal job
	// already has its complete backlog in the store and can never publish
	// again. Serve it without touching the registry map; creating an entry
	// here would never be cleaned up since CloseJob already ran.
	if job.Status.Terminal() {
		backlog, err := b.store.GetEvents(ctx, jobID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to read backlog for job %s: %w", jobID, err)
		}
		ch := make(chan proto.Event)
		close(ch)
		return backlog, ch, func() {}, nil
	}

	reg := b.registry(jobID, true)

	reg.mu.Lock()
	defer reg.mu.Unlock()

	backlog, err := b.store.GetEvents(ctx, jobID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read backlog for job %s: %w", jobID, err)
	}

	ch := make(chan proto.Event, subscriberBuffer)
	if reg.closed {
		close(ch)
		return backlog, ch, func() {}, nil
	}

	reg.subs[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			reg.mu.Lock()
			defer reg.mu.Unlock()
			if _, live := reg.subs[ch]; live {
				delete(reg.subs, ch)
				close(ch)
			}
		})
	}
	return backlog, ch, cancel, nil
}

// CloseJob closes all live subscribers for the job and discards its
// registry. Called once the job reaches a terminal status.
func (b *Broadcaster) CloseJob(jobID string) {
	b.mu.Lock()
	reg, exists := b.jobs[jobID]
	if exists {
		delete(b.jobs, jobID)
	}
	b.mu.Unlock()

	if !exists {
		return
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.closed = true
	for ch := range reg.subs {
		delete(reg.subs, ch)
		close(ch)
	}
}

// SubscriberCount reports the number of live subscribers for a job.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	reg := b.registry(jobID, false)
	if reg == nil {
		return 0
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.subs)
}
