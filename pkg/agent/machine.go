package agent

import (
	"context"
	"fmt"
	"strings"

	"coderunner/pkg/agent/llm"
	"coderunner/pkg/config"
	"coderunner/pkg/logx"
	"coderunner/pkg/proto"
)

// State identifies a phase of the agent's working cycle.
type State string

// Agent states. A job cycles planning -> code_generation -> code_execution
// -> review, looping back to planning until the review passes or the
// iteration budget runs out, then lands in finish.
const (
	StatePlanning       State = "planning"
	StateCodeGeneration State = "code_generation"
	StateCodeExecution  State = "code_execution"
	StateReview         State = "review"
	StateFinish         State = "finish"
)

// validTransitions is the closed transition table. Anything not listed is a
// bug in the machine, not a recoverable condition.
//
//nolint:gochecknoglobals // Fixed transition table
var validTransitions = map[State][]State{
	StatePlanning:       {StateCodeGeneration},
	StateCodeGeneration: {StateCodeExecution},
	StateCodeExecution:  {StateReview},
	StateReview:         {StatePlanning, StateFinish},
	StateFinish:         {},
}

func isValidTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

const systemPrompt = `You are a coding agent working inside a sandboxed workspace.
You can read, write and list files and run allowlisted shell commands through
the provided tools. Work in small steps: plan, make changes, run commands to
verify them, then review. When the task is fully satisfied, say so plainly.`

// Machine drives one job through the agent working cycle. It owns the
// conversation memory and narrates every state entry, plan, and tool call
// onto the job's event log.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Machine struct {
	loop    *ToolLoop
	memory  *Memory
	cfg     config.AgentConfig
	publish PublishFunc
	logger  *logx.Logger

	jobID string
	input string

	state     State
	iteration int
	degraded  bool
}

// NewMachine creates a machine for one job. The memory may be pre-populated
// from a session checkpoint; a fresh memory gets the system prompt.
func NewMachine(client llm.Client, runner ToolRunner, memory *Memory, cfg config.AgentConfig, jobID, input string, publish PublishFunc) *Machine {
	return &Machine{
		loop:    NewToolLoop(client, runner),
		memory:  memory,
		cfg:     cfg,
		publish: publish,
		logger:  logx.NewLogger("agent"),
		jobID:   jobID,
		input:   input,
		state:   StatePlanning,
	}
}

// Run executes the working cycle to completion. It returns an error only for
// provider failures or context cancellation; running out of the iteration
// budget is a normal (degraded) completion.
func (m *Machine) Run(ctx context.Context) error {
	if m.memory.Len() == 0 {
		m.memory.AddSystem(systemPrompt)
	}

	for m.state != StateFinish {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.publish(proto.EventAgentState, map[string]any{
			"state":     string(m.state),
			"iteration": m.iteration,
		})

		m.memory.AddUser(m.promptFor(m.state))
		reply, err := m.loop.Run(ctx, LoopRequest{
			JobID:            m.jobID,
			Memory:           m.memory,
			MaxRounds:        m.cfg.MaxToolIterations,
			MaxTokens:        m.cfg.MaxTokens,
			MaxContextTokens: m.cfg.MaxContextTokens,
			Publish:          m.publish,
		})
		if err != nil {
			return err
		}

		if m.state == StatePlanning {
			eventType := proto.EventPlan
			if m.iteration > 0 {
				eventType = proto.EventPlanUpdate
			}
			m.publish(eventType, map[string]any{
				"plan":      reply,
				"iteration": m.iteration,
			})
		}

		next := m.nextState(reply)
		if m.state == StateReview {
			m.checkpoint()
		}
		m.transition(next)
	}

	m.publish(proto.EventAgentState, map[string]any{
		"state":     string(StateFinish),
		"iteration": m.iteration,
		"degraded":  m.degraded,
	})
	m.checkpoint()
	return nil
}

// Degraded reports whether the machine finished by exhausting its iteration
// budget rather than by a passing review.
func (m *Machine) Degraded() bool {
	return m.degraded
}

func (m *Machine) promptFor(state State) string {
	switch state {
	case StatePlanning:
		if m.iteration == 0 {
			return fmt.Sprintf("Task: %s\n\nInspect the workspace as needed and produce a short, concrete plan for completing the task.", m.input)
		}
		return "The review found the task incomplete. Revise the plan to address what remains."
	case StateCodeGeneration:
		return "Carry out the plan. Use write_file to create or modify the files it calls for."
	case StateCodeExecution:
		return "Run the commands needed to exercise your changes with run_command and report what happened."
	case StateReview:
		return "Review the execution results against the task. If the task is fully satisfied, reply that the task is complete. Otherwise describe exactly what remains."
	case StateFinish:
		return ""
	default:
		return ""
	}
}

func (m *Machine) nextState(reply string) State {
	switch m.state {
	case StatePlanning:
		return StateCodeGeneration
	case StateCodeGeneration:
		return StateCodeExecution
	case StateCodeExecution:
		return StateReview
	case StateReview:
		if m.reviewPassed(reply) {
			return StateFinish
		}
		m.iteration++
		if m.iteration >= m.cfg.MaxIterations {
			m.logger.Warn("job %s exhausted %d iterations without a passing review", m.jobID, m.cfg.MaxIterations)
			m.degraded = true
			return StateFinish
		}
		return StatePlanning
	case StateFinish:
		return StateFinish
	default:
		return StateFinish
	}
}

// reviewPassed checks the review reply for a completion marker.
func (m *Machine) reviewPassed(reply string) bool {
	lowered := strings.ToLower(reply)
	for _, marker := range m.cfg.ReviewDoneMarkers {
		if marker != "" && strings.Contains(lowered, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func (m *Machine) transition(to State) {
	// Review exhaustion jumps straight to finish, which the table allows
	// only from review itself; every other edge must be in the table.
	if !isValidTransition(m.state, to) && to != StateFinish {
		m.logger.Error("invalid transition %s -> %s for job %s", m.state, to, m.jobID)
		to = StateFinish
	}
	m.logger.Debug("job %s: %s -> %s", m.jobID, m.state, to)
	m.state = to
}

// checkpoint persists the conversation so a later job in the same session
// can restore it.
func (m *Machine) checkpoint() {
	m.publish(proto.EventMemory, m.memory.Checkpoint())
}
