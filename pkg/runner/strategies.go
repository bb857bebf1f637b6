package runner

import (
	"context"
	"fmt"
	"strings"

	"coderunner/pkg/agent"
	"coderunner/pkg/bridge"
	"coderunner/pkg/logx"
	"coderunner/pkg/proto"
)

// agentStrategy drives a single agent state machine through the job.
type agentStrategy struct {
	executor *Executor
}

func (s *agentStrategy) Name() string { return "agent" }

func (s *agentStrategy) Run(ctx context.Context, job *proto.Job, publish agent.PublishFunc) (proto.Status, map[string]any, error) {
	e := s.executor
	memory, task := e.newMemory(ctx, job.Input)

	machine := agent.NewMachine(e.client, e.runner, memory, e.cfg, job.ID, task, publish)
	if err := machine.Run(ctx); err != nil {
		return proto.StatusError, nil, err
	}
	return proto.StatusDone, map[string]any{"degraded": machine.Degraded()}, nil
}

// relayStrategy runs one agent machine per named role over a shared memory,
// so each role sees the full transcript of the roles before it. Input form:
// "agents: planner, reviewer | task text".
type relayStrategy struct {
	executor *Executor
}

func (s *relayStrategy) Name() string { return "relay" }

func (s *relayStrategy) Run(ctx context.Context, job *proto.Job, publish agent.PublishFunc) (proto.Status, map[string]any, error) {
	roles, task, err := parseRelayInput(job.Input)
	if err != nil {
		return proto.StatusError, nil, err
	}

	e := s.executor
	memory, task := e.newMemory(ctx, task)

	degraded := false
	for _, role := range roles {
		if err := ctx.Err(); err != nil {
			return proto.StatusError, nil, err
		}
		memory.AddSystem(fmt.Sprintf("You are now acting as the %s agent. Build on the conversation so far.", role))
		machine := agent.NewMachine(e.client, e.runner, memory, e.cfg, job.ID, task, publish)
		if err := machine.Run(ctx); err != nil {
			return proto.StatusError, nil, fmt.Errorf("%s agent failed: %w", role, err)
		}
		degraded = degraded || machine.Degraded()
	}
	return proto.StatusDone, map[string]any{
		"degraded": degraded,
		"agents":   roles,
	}, nil
}

// parseRelayInput splits "agents: a, b | task" into roles and task text.
func parseRelayInput(input string) ([]string, string, error) {
	rest := strings.TrimPrefix(strings.TrimSpace(input), relayPrefix)
	roleList, task, found := strings.Cut(rest, "|")
	if !found {
		return nil, "", fmt.Errorf("relay input needs \"agents: roles | task\": %w", proto.ErrInvalidState)
	}
	var roles []string
	for _, role := range strings.Split(roleList, ",") {
		role = strings.TrimSpace(role)
		if role != "" {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return nil, "", fmt.Errorf("relay input names no agents: %w", proto.ErrInvalidState)
	}
	return roles, strings.TrimSpace(task), nil
}

// bridgeStrategy verifies the workspace bridge is reachable, prepends its
// file listing to the task context, then delegates. An unreachable bridge
// falls back to simulation rather than failing the job.
type bridgeStrategy struct {
	client   *bridge.Client
	delegate Strategy
	fallback Strategy
	logger   *logx.Logger
}

func (s *bridgeStrategy) Name() string { return "bridge+" + s.delegate.Name() }

func (s *bridgeStrategy) Run(ctx context.Context, job *proto.Job, publish agent.PublishFunc) (proto.Status, map[string]any, error) {
	if err := s.client.Health(ctx); err != nil {
		s.logger.Warn("bridge unavailable for job %s, falling back to %s: %v", job.ID, s.fallback.Name(), err)
		return s.fallback.Run(ctx, job, publish)
	}

	files, err := s.client.ListFiles(ctx, "")
	if err != nil {
		s.logger.Warn("bridge listing failed for job %s: %v", job.ID, err)
		return s.delegate.Run(ctx, job, publish)
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Path)
	}
	publish(proto.EventPlan, map[string]any{
		"workspace_files": names,
	})

	augmented := *job
	if len(names) > 0 {
		augmented.Input = fmt.Sprintf("%s\n\nExternal workspace files:\n%s", job.Input, strings.Join(names, "\n"))
	}
	return s.delegate.Run(ctx, &augmented, publish)
}
