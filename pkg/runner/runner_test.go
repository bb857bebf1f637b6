package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderunner/pkg/agent"
	"coderunner/pkg/agent/llm"
	"coderunner/pkg/config"
	"coderunner/pkg/eventlog"
	"coderunner/pkg/persistence"
	"coderunner/pkg/proto"
	"coderunner/pkg/tools"
)

type nopRunner struct{}

func (nopRunner) Definitions() []tools.ToolDefinition { return nil }

func (nopRunner) AuthorizeAndRun(_ context.Context, _, _ string, _ map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

type testHarness struct {
	store    persistence.Store
	bcast    *eventlog.Broadcaster
	executor *Executor
}

func newHarness(t *testing.T, client llm.Client) *testHarness {
	t.Helper()
	store := persistence.NewMemoryStore()
	bcast := eventlog.New(store)
	cfg := config.Default().Agent
	return &testHarness{
		store:    store,
		bcast:    bcast,
		executor: New(store, bcast, nopRunner{}, client, nil, cfg),
	}
}

func (h *testHarness) createJob(t *testing.T, input string) *proto.Job {
	t.Helper()
	job, err := h.store.CreateJob(context.Background(), proto.NewJobID(), input, 0)
	require.NoError(t, err)
	return job
}

// runToFinish drives the run function and captures the finish call.
func runToFinish(t *testing.T, ctx context.Context, job *proto.Job, executor *Executor) (proto.Status, map[string]any) {
	t.Helper()
	type outcome struct {
		status proto.Status
		data   map[string]any
	}
	done := make(chan outcome, 1)
	executor.RunFunc(job)(ctx, func(status proto.Status, data map[string]any) {
		done <- outcome{status, data}
	})
	select {
	case result := <-done:
		return result.status, result.data
	case <-time.After(5 * time.Second):
		t.Fatal("run function never finished")
		return "", nil
	}
}

func TestSimulationStrategyEmitsFullSequence(t *testing.T) {
	h := newHarness(t, nil) // no provider -> simulation
	job := h.createJob(t, "echo task")

	status, data := runToFinish(t, context.Background(), job, h.executor)
	assert.Equal(t, proto.StatusDone, status)
	assert.Equal(t, true, data["simulated"])

	events, err := h.store.GetEvents(context.Background(), job.ID)
	require.NoError(t, err)

	var types []proto.EventType
	for _, event := range events {
		types = append(types, event.Type)
	}
	assert.Equal(t, []proto.EventType{
		proto.EventPlan,
		proto.EventToolStart,
		proto.EventToolOutput,
		proto.EventToolEnd,
	}, types)
}

func TestSimulationHonorsCancellation(t *testing.T) {
	h := newHarness(t, nil)
	job := h.createJob(t, "task")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		// A cancelled context means the scheduler settled the job; the run
		// function returns without calling finish.
		h.executor.RunFunc(job)(ctx, func(status proto.Status, _ map[string]any) {
			t.Errorf("finish called with %s after cancellation", status)
		})
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("run function did not observe cancellation")
	}
}

func TestAgentStrategyRunsWhenProviderConfigured(t *testing.T) {
	client := agent.NewMockClient([]llm.CompletionResponse{
		{Content: "plan"},
		{Content: "generated"},
		{Content: "executed"},
		{Content: "task complete"},
	}, nil)
	h := newHarness(t, client)
	job := h.createJob(t, "write a program")

	status, data := runToFinish(t, context.Background(), job, h.executor)
	assert.Equal(t, proto.StatusDone, status)
	assert.Equal(t, false, data["degraded"])
	assert.Equal(t, 4, client.CallCount())
}

func TestProviderFailureFinishesAsError(t *testing.T) {
	client := agent.NewMockClient(nil, []error{proto.ErrProviderFailure})
	h := newHarness(t, client)
	job := h.createJob(t, "task")

	status, data := runToFinish(t, context.Background(), job, h.executor)
	assert.Equal(t, proto.StatusError, status)
	assert.Contains(t, data["error"], "provider")
}

func TestRelayStrategySelectedByPrefix(t *testing.T) {
	// Two roles, each running a full 4-state cycle.
	var responses []llm.CompletionResponse
	for i := 0; i < 2; i++ {
		responses = append(responses,
			llm.CompletionResponse{Content: "plan"},
			llm.CompletionResponse{Content: "generated"},
			llm.CompletionResponse{Content: "executed"},
			llm.CompletionResponse{Content: "task complete"},
		)
	}
	client := agent.NewMockClient(responses, nil)
	h := newHarness(t, client)
	job := h.createJob(t, "agents: planner, reviewer | improve the module")

	status, data := runToFinish(t, context.Background(), job, h.executor)
	assert.Equal(t, proto.StatusDone, status)
	assert.Equal(t, []string{"planner", "reviewer"}, data["agents"])
	assert.Equal(t, 8, client.CallCount())
}

func TestParseRelayInput(t *testing.T) {
	roles, task, err := parseRelayInput("agents: planner , coder | build it")
	require.NoError(t, err)
	assert.Equal(t, []string{"planner", "coder"}, roles)
	assert.Equal(t, "build it", task)

	_, _, err = parseRelayInput("agents: no task separator")
	assert.ErrorIs(t, err, proto.ErrInvalidState)

	_, _, err = parseRelayInput("agents: | task without roles")
	assert.ErrorIs(t, err, proto.ErrInvalidState)
}

func TestRunFuncRecoversFromPanic(t *testing.T) {
	h := newHarness(t, panicClient{})
	job := h.createJob(t, "task")

	status, data := runToFinish(t, context.Background(), job, h.executor)
	assert.Equal(t, proto.StatusError, status)
	assert.Contains(t, data["error"], "panic")
}

// panicClient blows up on first use to exercise the recover path.
type panicClient struct{}

func (panicClient) Complete(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
	panic("client exploded")
}

func (panicClient) GetModelName() string { return "panic-model" }
