package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderunner/pkg/agent/llm"
	"coderunner/pkg/config"
	"coderunner/pkg/proto"
	"coderunner/pkg/tools"
)

// fakeRunner is a ToolRunner that records calls and returns canned results.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	results map[string]map[string]any
	err     error
}

func (f *fakeRunner) Definitions() []tools.ToolDefinition {
	return []tools.ToolDefinition{{Name: "read_file"}, {Name: "run_command"}}
}

func (f *fakeRunner) AuthorizeAndRun(_ context.Context, _, name string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.err != nil {
		return nil, f.err
	}
	if result, exists := f.results[name]; exists {
		return result, nil
	}
	return map[string]any{"ok": true}, nil
}

// eventSink collects published events for assertions.
type eventSink struct {
	mu     sync.Mutex
	events []proto.Event
}

func (s *eventSink) publish(eventType proto.EventType, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, proto.Event{Type: eventType, Data: data})
}

func (s *eventSink) ofType(eventType proto.EventType) []proto.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []proto.Event
	for _, event := range s.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func testAgentConfig() config.AgentConfig {
	cfg := config.Default().Agent
	cfg.MaxIterations = 5
	cfg.MaxToolIterations = 8
	return cfg
}

// textResponses builds one plain-text response per state visit.
func textResponses(texts ...string) []llm.CompletionResponse {
	out := make([]llm.CompletionResponse, len(texts))
	for i, text := range texts {
		out[i] = llm.CompletionResponse{Content: text}
	}
	return out
}

func TestMachineHappyPath(t *testing.T) {
	// planning, generation, execution, review -> "task complete" finishes.
	client := NewMockClient(textResponses(
		"plan: write the file",
		"wrote the file",
		"ran the tests, all green",
		"task complete",
	), nil)
	sink := &eventSink{}
	machine := NewMachine(client, &fakeRunner{}, NewMemory(), testAgentConfig(), "job1", "do the thing", sink.publish)

	require.NoError(t, machine.Run(context.Background()))
	assert.False(t, machine.Degraded())

	plans := sink.ofType(proto.EventPlan)
	require.Len(t, plans, 1)
	assert.Contains(t, plans[0].Data["plan"], "write the file")

	states := sink.ofType(proto.EventAgentState)
	require.NotEmpty(t, states)
	assert.Equal(t, string(StateFinish), states[len(states)-1].Data["state"])

	// A checkpoint was published for session replay.
	assert.NotEmpty(t, sink.ofType(proto.EventMemory))
}

func TestMachineIterationBoundReportsDegraded(t *testing.T) {
	// The review never passes; the machine must stop after MaxIterations
	// full cycles and finish degraded instead of looping forever.
	cfg := testAgentConfig()
	cfg.MaxIterations = 3

	var responses []llm.CompletionResponse
	for i := 0; i < cfg.MaxIterations; i++ {
		responses = append(responses, textResponses(
			"plan attempt",
			"generated code",
			"executed",
			"still broken, needs another pass",
		)...)
	}
	client := NewMockClient(responses, nil)
	sink := &eventSink{}
	machine := NewMachine(client, &fakeRunner{}, NewMemory(), cfg, "job1", "impossible task", sink.publish)

	require.NoError(t, machine.Run(context.Background()))
	assert.True(t, machine.Degraded())

	// 4 states per iteration, every response consumed, none extra.
	assert.Equal(t, cfg.MaxIterations*4, client.CallCount())

	states := sink.ofType(proto.EventAgentState)
	last := states[len(states)-1]
	assert.Equal(t, string(StateFinish), last.Data["state"])
	assert.Equal(t, true, last.Data["degraded"])

	// Iterations beyond the first revise the plan.
	assert.Len(t, sink.ofType(proto.EventPlanUpdate), cfg.MaxIterations-1)
}

func TestMachineExecutesToolCalls(t *testing.T) {
	runner := &fakeRunner{results: map[string]map[string]any{
		"read_file": {"content": "package main"},
	}}
	client := NewMockClient([]llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "read_file", Parameters: map[string]any{"path": "main.go"}}}},
		{Content: "plan: edit main.go"},
		{Content: "done generating"},
		{Content: "done executing"},
		{Content: "task complete"},
	}, nil)
	sink := &eventSink{}
	machine := NewMachine(client, runner, NewMemory(), testAgentConfig(), "job1", "task", sink.publish)

	require.NoError(t, machine.Run(context.Background()))

	require.Equal(t, []string{"read_file"}, runner.calls)
	require.Len(t, sink.ofType(proto.EventToolStart), 1)
	require.Len(t, sink.ofType(proto.EventToolEnd), 1)
	assert.Equal(t, true, sink.ofType(proto.EventToolEnd)[0].Data["success"])
}

func TestMachineStopsOnCancelledContext(t *testing.T) {
	client := NewMockClient(textResponses("plan"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	machine := NewMachine(client, &fakeRunner{}, NewMemory(), testAgentConfig(), "job1", "task", (&eventSink{}).publish)
	err := machine.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, client.CallCount(), "no provider call after cancellation")
}

func TestMachinePropagatesProviderFailure(t *testing.T) {
	client := NewMockClient(nil, []error{assertErr})
	machine := NewMachine(client, &fakeRunner{}, NewMemory(), testAgentConfig(), "job1", "task", (&eventSink{}).publish)

	err := machine.Run(context.Background())
	require.Error(t, err)
}

// assertErr is a sentinel for provider failure propagation tests.
var assertErr = proto.ErrProviderFailure
