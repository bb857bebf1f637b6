package webui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderunner/pkg/config"
	"coderunner/pkg/eventlog"
	"coderunner/pkg/metrics"
	"coderunner/pkg/persistence"
	"coderunner/pkg/proto"
	"coderunner/pkg/runner"
	"coderunner/pkg/sched"
)

type fixture struct {
	server  *Server
	handler http.Handler
	store   persistence.Store
}

func newFixture(t *testing.T, maxJobs int) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Scheduler.MaxConcurrentJobs = maxJobs
	cfg.Server.HeartbeatIntervalS = 1

	store := persistence.NewMemoryStore()
	bcast := eventlog.New(store)
	scheduler := sched.New(store, bcast, metrics.Nop(), maxJobs)
	// No provider and no bridge: jobs run the simulation strategy.
	executor := runner.New(store, bcast, nil, nil, nil, cfg.Agent)

	server := NewServer(store, scheduler, bcast, executor, cfg, nil)
	return &fixture{
		server:  server,
		handler: server.Router(),
		store:   store,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createJob(t *testing.T, input string) proto.Job {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/jobs", map[string]any{"input": input})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job proto.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	return job
}

func (f *fixture) waitTerminal(t *testing.T, jobID string) proto.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := f.store.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status.Terminal() {
			return *job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal status", jobID)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCreateJob(t *testing.T) {
	f := newFixture(t, 2)

	job := f.createJob(t, "run the tests")
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, proto.StatusPending, job.Status)
	assert.Equal(t, "run the tests", job.Input)
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t, 2)

	rec := f.do(t, http.MethodPost, "/jobs", map[string]any{"input": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("not json"))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobClampsTimeout(t *testing.T) {
	f := newFixture(t, 2)

	rec := f.do(t, http.MethodPost, "/jobs", map[string]any{
		"input":      "task",
		"timeout_ms": 999_999_999,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job proto.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, config.Default().Scheduler.MaxTimeoutMS, job.TimeoutMS)
}

func TestStartJobLifecycle(t *testing.T) {
	f := newFixture(t, 2)
	job := f.createJob(t, "task")

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/jobs/%s/start", job.ID), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The response body is the updated record: running, with a start time.
	var started proto.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, job.ID, started.ID)
	assert.Equal(t, proto.StatusRunning, started.Status)
	assert.NotNil(t, started.StartedAt)

	final := f.waitTerminal(t, job.ID)
	assert.Equal(t, proto.StatusDone, final.Status)

	// Restarting a finished job is an invalid state.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/jobs/%s/start", job.ID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartUnknownJob(t *testing.T) {
	f := newFixture(t, 2)
	rec := f.do(t, http.MethodPost, "/jobs/missing/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartAtCapacityReturns429(t *testing.T) {
	f := newFixture(t, 1)

	first := f.createJob(t, "long task")
	second := f.createJob(t, "queued task")

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/jobs/%s/start", first.ID), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/jobs/%s/start", second.ID), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	f.waitTerminal(t, first.ID)
}

func TestCancelPendingJob(t *testing.T) {
	f := newFixture(t, 2)
	job := f.createJob(t, "task")

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/jobs/%s/cancel", job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The response body is the settled record: cancelled, with a finish time.
	var cancelled proto.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	assert.Equal(t, job.ID, cancelled.ID)
	assert.Equal(t, proto.StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.FinishedAt)

	final := f.waitTerminal(t, job.ID)
	assert.Equal(t, proto.StatusCancelled, final.Status)
}

func TestDeleteJob(t *testing.T) {
	f := newFixture(t, 2)
	job := f.createJob(t, "task")

	rec := f.do(t, http.MethodDelete, fmt.Sprintf("/jobs/%s", job.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/jobs/%s", job.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t, 2)
	f.createJob(t, "one")
	f.createJob(t, "two")

	rec := f.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Jobs []proto.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Len(t, payload.Jobs, 2)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, 2)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestDebugLogs(t *testing.T) {
	f := newFixture(t, 2)
	f.createJob(t, "task") // generates at least one log line

	rec := f.do(t, http.MethodGet, "/debug/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "entries")

	rec = f.do(t, http.MethodGet, "/debug/logs?since=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// The SSE stream for a finished job replays the full backlog, ends with the
// done event, and terminates.
func TestEventStreamReplaysBacklogAndTerminates(t *testing.T) {
	f := newFixture(t, 2)
	job := f.createJob(t, "task")

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/jobs/%s/start", job.ID), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.waitTerminal(t, job.ID)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/jobs/%s/events", job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: job.started")
	assert.Contains(t, body, "event: plan")
	assert.Contains(t, body, "event: done")

	// done is the last framed event.
	frames := strings.Split(strings.TrimSpace(body), "\n\n")
	assert.True(t, strings.HasPrefix(frames[len(frames)-1], "event: done"))
}

func TestEventStreamUnknownJob(t *testing.T) {
	f := newFixture(t, 2)
	rec := f.do(t, http.MethodGet, "/jobs/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
