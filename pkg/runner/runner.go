// Package runner executes admitted jobs. It picks an execution strategy per
// job — workspace bridge, LLM agent, multi-agent relay, or deterministic
// simulation — and reports the outcome through the scheduler's finish
// callback exactly once on the natural-completion path.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coderunner/pkg/agent"
	"coderunner/pkg/agent/llm"
	"coderunner/pkg/bridge"
	"coderunner/pkg/config"
	"coderunner/pkg/eventlog"
	"coderunner/pkg/logx"
	"coderunner/pkg/persistence"
	"coderunner/pkg/proto"
	"coderunner/pkg/sched"
)

// relayPrefix in a job input requests the multi-agent relay strategy, with a
// comma-separated role list up to the first '|': "agents: planner, coder | task".
const relayPrefix = "agents:"

// continuePrefix in a job input requests session continuation: memory
// checkpoints from the most recent prior job are replayed before the task.
const continuePrefix = "continue:"

// Strategy executes one job and returns its terminal status and result data.
type Strategy interface {
	Name() string
	Run(ctx context.Context, job *proto.Job, publish agent.PublishFunc) (proto.Status, map[string]any, error)
}

// Executor builds the per-job run function handed to the scheduler.
type Executor struct {
	store  persistence.Store
	bcast  *eventlog.Broadcaster
	runner agent.ToolRunner
	client llm.Client // nil when no provider is configured
	bridge *bridge.Client
	cfg    config.AgentConfig
	logger *logx.Logger
}

// New creates an executor. client and bridgeClient may be nil; the strategy
// chain degrades accordingly.
func New(store persistence.Store, bcast *eventlog.Broadcaster, runner agent.ToolRunner, client llm.Client, bridgeClient *bridge.Client, cfg config.AgentConfig) *Executor {
	return &Executor{
		store:  store,
		bcast:  bcast,
		runner: runner,
		client: client,
		bridge: bridgeClient,
		cfg:    cfg,
		logger: logx.NewLogger("runner"),
	}
}

// RunFunc returns the scheduler run function for one job. Panics inside a
// strategy settle the job as an error instead of crashing the process.
func (e *Executor) RunFunc(job *proto.Job) sched.RunFunc {
	return func(ctx context.Context, finish sched.FinishFunc) {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("job %s panicked: %v", job.ID, r)
				finish(proto.StatusError, map[string]any{"error": fmt.Sprintf("panic: %v", r)})
			}
		}()

		publish := func(eventType proto.EventType, data map[string]any) {
			if _, err := e.bcast.Publish(ctx, proto.NewEvent(job.ID, eventType, data)); err != nil {
				e.logger.Warn("failed to publish %s for job %s: %v", eventType, job.ID, err)
			}
		}

		strat := e.pick(job)
		e.logger.Info("job %s running with %s strategy", job.ID, strat.Name())

		status, data, err := strat.Run(ctx, job, publish)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// The scheduler's cancel or timeout path already settled the
				// job; calling finish here would be a harmless no-op.
				return
			}
			finish(proto.StatusError, map[string]any{"error": err.Error()})
			return
		}
		finish(status, data)
	}
}

// pick selects the strategy for a job: bridge when configured, then the
// multi-agent relay or single agent when a provider exists, then simulation.
func (e *Executor) pick(job *proto.Job) Strategy {
	inner := e.pickLocal(job)
	if e.bridge != nil {
		return &bridgeStrategy{
			client:   e.bridge,
			delegate: inner,
			fallback: &simulationStrategy{},
			logger:   e.logger,
		}
	}
	return inner
}

func (e *Executor) pickLocal(job *proto.Job) Strategy {
	if e.client == nil {
		return &simulationStrategy{}
	}
	if strings.HasPrefix(strings.TrimSpace(job.Input), relayPrefix) {
		return &relayStrategy{executor: e}
	}
	return &agentStrategy{executor: e}
}

// newMemory builds the agent memory for a job, replaying a prior session's
// checkpoints when the input asks for continuation.
func (e *Executor) newMemory(ctx context.Context, input string) (*agent.Memory, string) {
	memory := agent.NewMemory()
	if !strings.HasPrefix(strings.TrimSpace(input), continuePrefix) {
		return memory, input
	}

	task := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input), continuePrefix))
	jobs, err := e.store.ListJobs(ctx, 10)
	if err != nil {
		e.logger.Warn("session continuation requested but listing jobs failed: %v", err)
		return memory, task
	}
	for _, prior := range jobs {
		if !prior.Status.Terminal() {
			continue
		}
		events, err := e.store.GetEvents(ctx, prior.ID)
		if err != nil {
			continue
		}
		before := memory.Len()
		memory.RestoreFromEvents(events, e.cfg.MemoryReplayLimit)
		if memory.Len() > before {
			e.logger.Info("restored %d turns from job %s", memory.Len(), prior.ID)
			break
		}
	}
	return memory, task
}
