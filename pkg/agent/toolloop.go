package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"coderunner/pkg/agent/llm"
	"coderunner/pkg/logx"
	"coderunner/pkg/proto"
	"coderunner/pkg/tools"
)

// ToolRunner is the slice of the tool guard the loop needs: the registered
// definitions for the provider request, and mediated execution.
type ToolRunner interface {
	Definitions() []tools.ToolDefinition
	AuthorizeAndRun(ctx context.Context, jobID, name string, args map[string]any) (map[string]any, error)
}

// PublishFunc emits an event onto the owning job's event log.
type PublishFunc func(eventType proto.EventType, data map[string]any)

// ToolLoop drives the model's tool-calling conversation: complete, execute
// any requested tools, feed results back, repeat until the model answers in
// plain text or the round budget runs out. Every tool invocation is narrated
// onto the event log.
type ToolLoop struct {
	client llm.Client
	runner ToolRunner
	logger *logx.Logger
}

// NewToolLoop creates a tool loop over the given client and runner.
func NewToolLoop(client llm.Client, runner ToolRunner) *ToolLoop {
	return &ToolLoop{
		client: client,
		runner: runner,
		logger: logx.NewLogger("toolloop"),
	}
}

// LoopRequest carries the per-invocation parameters of a tool loop run.
//
//nolint:govet // fieldalignment: logical grouping preferred
type LoopRequest struct {
	JobID            string
	Memory           *Memory
	MaxRounds        int
	MaxTokens        int
	MaxContextTokens int
	Publish          PublishFunc
}

// Run executes the loop and returns the model's final text reply. Refused
// tools do not abort the loop; the refusal is fed back as the tool result so
// the model can adjust. Context cancellation is checked before every
// completion and every tool call, so a cancelled or timed-out job stops at
// the next boundary.
func (l *ToolLoop) Run(ctx context.Context, req LoopRequest) (string, error) {
	maxRounds := req.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}

	content := ""
	for round := 0; round < maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if dropped := req.Memory.CompactToBudget(req.MaxContextTokens); dropped > 0 {
			l.logger.Debug("dropped %d turns for job %s to fit the %d-token context budget", dropped, req.JobID, req.MaxContextTokens)
		}

		resp, err := l.client.Complete(ctx, llm.CompletionRequest{
			Messages:  req.Memory.Messages(),
			Tools:     l.runner.Definitions(),
			MaxTokens: req.MaxTokens,
		})
		if err != nil {
			return "", err
		}

		req.Memory.AddAssistant(resp.Content, resp.ToolCalls)
		content = resp.Content
		if len(resp.ToolCalls) == 0 {
			return content, nil
		}

		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			l.runCall(ctx, req, call)
		}
	}

	l.logger.Debug("tool round budget (%d) exhausted for job %s", maxRounds, req.JobID)
	return content, nil
}

func (l *ToolLoop) runCall(ctx context.Context, req LoopRequest, call llm.ToolCall) {
	req.Publish(proto.EventToolStart, map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
		"args":    call.Parameters,
	})

	result, err := l.runner.AuthorizeAndRun(ctx, req.JobID, call.Name, call.Parameters)
	switch {
	case errors.Is(err, proto.ErrToolRefused):
		reason := err.Error()
		var refusal *tools.RefusalError
		if errors.As(err, &refusal) {
			reason = refusal.Reason
		}
		req.Publish(proto.EventToolRefused, map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
			"reason":  reason,
		})
		req.Memory.AddToolResult(call.ID, fmt.Sprintf("refused: %s", reason))

	case err != nil:
		req.Publish(proto.EventToolEnd, map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
			"success": false,
			"error":   err.Error(),
		})
		req.Memory.AddToolResult(call.ID, fmt.Sprintf("error: %v", err))

	default:
		req.Publish(proto.EventToolOutput, map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
			"output":  result,
		})
		req.Publish(proto.EventToolEnd, map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
			"success": true,
		})
		req.Memory.AddToolResult(call.ID, encodeToolResult(result))
	}
}

// encodeToolResult renders a tool result map as compact JSON for the
// conversation transcript.
func encodeToolResult(result map[string]any) string {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(encoded)
}
