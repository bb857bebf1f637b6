package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderunner/pkg/eventlog"
	"coderunner/pkg/metrics"
	"coderunner/pkg/persistence"
	"coderunner/pkg/proto"
)

func newTestScheduler(t *testing.T, maxRunning int) (*Scheduler, persistence.Store, *eventlog.Broadcaster) {
	t.Helper()
	store := persistence.NewMemoryStore()
	bcast := eventlog.New(store)
	return New(store, bcast, metrics.Nop(), maxRunning), store, bcast
}

func createJob(t *testing.T, store persistence.Store, timeoutMS int64) *proto.Job {
	t.Helper()
	job, err := store.CreateJob(context.Background(), proto.NewJobID(), "task", timeoutMS)
	require.NoError(t, err)
	return job
}

// blockingRun returns a run function that holds until released, then reports
// done.
func blockingRun(release <-chan struct{}) RunFunc {
	return func(ctx context.Context, finish FinishFunc) {
		select {
		case <-release:
			finish(proto.StatusDone, nil)
		case <-ctx.Done():
		}
	}
}

func waitForStatus(t *testing.T, store persistence.Store, jobID string, want proto.Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		job, err := store.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job %s stuck in %s, want %s", jobID, job.Status, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTryStartAdmitsUpToCeiling(t *testing.T) {
	const ceiling = 3
	scheduler, store, _ := newTestScheduler(t, ceiling)
	release := make(chan struct{})
	defer close(release)

	for i := 0; i < ceiling; i++ {
		job := createJob(t, store, 0)
		require.NoError(t, scheduler.TryStart(context.Background(), job, blockingRun(release)))
	}
	assert.Equal(t, ceiling, scheduler.RunningCount())

	// N+1 must be rejected with the capacity sentinel.
	extra := createJob(t, store, 0)
	err := scheduler.TryStart(context.Background(), extra, blockingRun(release))
	require.ErrorIs(t, err, proto.ErrAtCapacity)

	// The rejected job is untouched.
	fetched, err := store.GetJob(context.Background(), extra.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusPending, fetched.Status)
}

func TestTryStartRejectsNonPending(t *testing.T) {
	scheduler, store, _ := newTestScheduler(t, 2)
	job := createJob(t, store, 0)
	job.Status = proto.StatusDone

	err := scheduler.TryStart(context.Background(), job, blockingRun(make(chan struct{})))
	assert.ErrorIs(t, err, proto.ErrInvalidState)
}

func TestNaturalCompletionSettlesOnce(t *testing.T) {
	scheduler, store, _ := newTestScheduler(t, 2)
	job := createJob(t, store, 0)

	release := make(chan struct{})
	require.NoError(t, scheduler.TryStart(context.Background(), job, blockingRun(release)))
	close(release)

	waitForStatus(t, store, job.ID, proto.StatusDone)
	assert.Equal(t, 0, scheduler.RunningCount())

	events, err := store.GetEvents(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, proto.EventDone, last.Type)
	assert.Equal(t, "done", last.Data["status"])
}

// A finish racing a timeout must produce exactly one terminal outcome, one
// done event, and one persisted terminal status.
func TestTimeoutVersusCompletionExactlyOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		scheduler, store, _ := newTestScheduler(t, 4)
		job := createJob(t, store, 5) // 5ms timeout

		var finishCalls atomic.Int32
		run := func(ctx context.Context, finish FinishFunc) {
			time.Sleep(5 * time.Millisecond) // land right on the timer
			finishCalls.Add(1)
			finish(proto.StatusDone, nil)
		}
		require.NoError(t, scheduler.TryStart(context.Background(), job, run))

		deadline := time.After(2 * time.Second)
		for {
			fetched, err := store.GetJob(context.Background(), job.ID)
			require.NoError(t, err)
			if fetched.Status.Terminal() && scheduler.RunningCount() == 0 {
				assert.Contains(t, []proto.Status{proto.StatusDone, proto.StatusTimeout}, fetched.Status)
				break
			}
			select {
			case <-deadline:
				t.Fatalf("job %s never settled", job.ID)
			case <-time.After(time.Millisecond):
			}
		}

		// However the race lands there is exactly one done event.
		events, err := store.GetEvents(context.Background(), job.ID)
		require.NoError(t, err)
		doneCount := 0
		for _, event := range events {
			if event.Type == proto.EventDone {
				doneCount++
			}
		}
		assert.Equal(t, 1, doneCount, "settle must fire exactly once")
	}
}

func TestTimeoutFiresWhenWorkHangs(t *testing.T) {
	scheduler, store, _ := newTestScheduler(t, 2)
	job := createJob(t, store, 10)

	var ctxCancelled atomic.Bool
	run := func(ctx context.Context, _ FinishFunc) {
		<-ctx.Done()
		ctxCancelled.Store(true)
	}
	require.NoError(t, scheduler.TryStart(context.Background(), job, run))

	waitForStatus(t, store, job.ID, proto.StatusTimeout)
	assert.Eventually(t, ctxCancelled.Load, time.Second, 5*time.Millisecond,
		"timeout must cancel the job context")

	events, err := store.GetEvents(context.Background(), job.ID)
	require.NoError(t, err)
	var sawTimeout bool
	for _, event := range events {
		if event.Type == proto.EventJobTimeout {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout)
}

func TestCancelRunningJob(t *testing.T) {
	scheduler, store, _ := newTestScheduler(t, 2)
	job := createJob(t, store, 0)

	started := make(chan struct{})
	run := func(ctx context.Context, _ FinishFunc) {
		close(started)
		<-ctx.Done()
	}
	require.NoError(t, scheduler.TryStart(context.Background(), job, run))
	<-started

	require.NoError(t, scheduler.Cancel(context.Background(), job.ID))
	waitForStatus(t, store, job.ID, proto.StatusCancelled)

	// Cancelling again is an invalid-state error, not a second settle.
	err := scheduler.Cancel(context.Background(), job.ID)
	assert.ErrorIs(t, err, proto.ErrInvalidState)
}

func TestCancelPendingJob(t *testing.T) {
	scheduler, store, _ := newTestScheduler(t, 2)
	job := createJob(t, store, 0)

	require.NoError(t, scheduler.Cancel(context.Background(), job.ID))

	fetched, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCancelled, fetched.Status)

	events, err := store.GetEvents(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, proto.EventDone, events[len(events)-1].Type)
}

func TestCancelUnknownJob(t *testing.T) {
	scheduler, _, _ := newTestScheduler(t, 2)
	err := scheduler.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, proto.ErrNotFound)
}

func TestLateFinishAfterCancelIsNoOp(t *testing.T) {
	scheduler, store, _ := newTestScheduler(t, 2)
	job := createJob(t, store, 0)

	started := make(chan struct{})
	var finish FinishFunc
	var mu sync.Mutex
	run := func(ctx context.Context, f FinishFunc) {
		mu.Lock()
		finish = f
		mu.Unlock()
		close(started)
		<-ctx.Done()
	}
	require.NoError(t, scheduler.TryStart(context.Background(), job, run))
	<-started

	require.NoError(t, scheduler.Cancel(context.Background(), job.ID))
	waitForStatus(t, store, job.ID, proto.StatusCancelled)

	// The loser of the race reports completion late; status must not move.
	mu.Lock()
	finish(proto.StatusDone, nil)
	mu.Unlock()

	fetched, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCancelled, fetched.Status)
}

func TestCapacityFreedAfterSettle(t *testing.T) {
	scheduler, store, _ := newTestScheduler(t, 1)

	first := createJob(t, store, 0)
	release := make(chan struct{})
	require.NoError(t, scheduler.TryStart(context.Background(), first, blockingRun(release)))

	second := createJob(t, store, 0)
	err := scheduler.TryStart(context.Background(), second, blockingRun(release))
	require.ErrorIs(t, err, proto.ErrAtCapacity)

	close(release)
	waitForStatus(t, store, first.ID, proto.StatusDone)

	// Slot is free again.
	assert.Eventually(t, func() bool {
		return scheduler.TryStart(context.Background(), second, func(_ context.Context, finish FinishFunc) {
			finish(proto.StatusDone, nil)
		}) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	scheduler, store, _ := newTestScheduler(t, 4)

	jobs := make([]*proto.Job, 3)
	for i := range jobs {
		jobs[i] = createJob(t, store, 0)
		require.NoError(t, scheduler.TryStart(context.Background(), jobs[i], func(ctx context.Context, _ FinishFunc) {
			<-ctx.Done()
		}))
	}

	scheduler.Shutdown()
	for _, job := range jobs {
		waitForStatus(t, store, job.ID, proto.StatusCancelled)
	}
	assert.Equal(t, 0, scheduler.RunningCount())
}
