package runner

import (
	"context"
	"fmt"
	"time"

	"coderunner/pkg/agent"
	"coderunner/pkg/proto"
)

// simulationStrategy produces a deterministic event sequence without
// touching a provider or the filesystem. It is the strategy of last resort
// and the default when no provider is configured, which keeps the full
// job lifecycle observable in development.
type simulationStrategy struct{}

func (s *simulationStrategy) Name() string { return "simulation" }

// simStepDelay paces the simulated steps so streams are visibly live.
const simStepDelay = 100 * time.Millisecond

func (s *simulationStrategy) Run(ctx context.Context, job *proto.Job, publish agent.PublishFunc) (proto.Status, map[string]any, error) {
	steps := []struct {
		eventType proto.EventType
		data      map[string]any
	}{
		{proto.EventPlan, map[string]any{
			"plan": fmt.Sprintf("Simulated run: inspect the task, echo it back, report done.\nTask: %s", job.Input),
		}},
		{proto.EventToolStart, map[string]any{
			"tool":    "run_command",
			"call_id": "sim_0",
			"args":    map[string]any{"command": "echo " + job.Input},
		}},
		{proto.EventToolOutput, map[string]any{
			"tool":    "run_command",
			"call_id": "sim_0",
			"output":  map[string]any{"stdout": job.Input + "\n", "exit_code": 0},
		}},
		{proto.EventToolEnd, map[string]any{
			"tool":    "run_command",
			"call_id": "sim_0",
			"success": true,
		}},
	}

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return proto.StatusError, nil, ctx.Err()
		case <-time.After(simStepDelay):
		}
		publish(step.eventType, step.data)
	}

	return proto.StatusDone, map[string]any{"simulated": true}, nil
}
