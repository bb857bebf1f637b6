package tools

import (
	"context"
	"errors"
	"sync"
	"time"

	"coderunner/pkg/config"
	execpkg "coderunner/pkg/exec"
	"coderunner/pkg/logx"
	"coderunner/pkg/metrics"
)

// AuditRecord is one entry in the guard's refusal audit trail.
//
//nolint:govet // fieldalignment: logical grouping preferred
type AuditRecord struct {
	Time    time.Time `json:"time"`
	JobID   string    `json:"job_id"`
	Tool    string    `json:"tool"`
	Command string    `json:"command,omitempty"`
	Reason  string    `json:"reason"`
}

// auditLog keeps refusal records in memory for inspection.
type auditLog struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (a *auditLog) add(record AuditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
}

func (a *auditLog) snapshot() []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditRecord, len(a.records))
	copy(out, a.records)
	return out
}

// Guard mediates every tool invocation. It owns the closed registry of known
// tools, applies output truncation, and keeps the refusal audit trail.
// Unknown tool names are refused explicitly rather than looked up
// dynamically.
type Guard struct {
	registry       map[string]Tool
	maxOutputBytes int
	audit          *auditLog
	rec            metrics.Recorder
	logger         *logx.Logger
}

// NewGuard constructs a guard with the standard tool set rooted at the
// configured sandbox.
func NewGuard(cfg *config.ToolsConfig, executor execpkg.Executor, rec metrics.Recorder, commandTimeout time.Duration) *Guard {
	registry := map[string]Tool{}
	for _, tool := range []Tool{
		NewReadFileTool(cfg.SandboxRoot),
		NewWriteFileTool(cfg.SandboxRoot),
		NewListDirTool(cfg.SandboxRoot),
		NewRunCommandTool(executor, cfg.SandboxRoot, cfg.Allowlist, cfg.ProseWordThreshold, commandTimeout),
	} {
		registry[tool.Name()] = tool
	}

	return &Guard{
		registry:       registry,
		maxOutputBytes: cfg.MaxOutputBytes,
		audit:          &auditLog{},
		rec:            rec,
		logger:         logx.NewLogger("tools"),
	}
}

// Definitions returns the provider-facing definitions of every registered
// tool, for inclusion in LLM requests.
func (g *Guard) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(g.registry))
	for _, tool := range g.registry {
		defs = append(defs, tool.Definition())
	}
	return defs
}

// AuthorizeAndRun validates and executes a tool invocation on behalf of a
// job. Refusals are returned as *RefusalError (unwrapping to
// proto.ErrToolRefused), recorded in the audit trail, and counted; they are
// policy outcomes, not execution errors. Successful results have captured
// output truncated to the configured bound before being returned.
func (g *Guard) AuthorizeAndRun(ctx context.Context, jobID, name string, args map[string]any) (map[string]any, error) {
	tool, known := g.registry[name]
	if !known {
		err := refuse(name, "unknown tool")
		g.recordRefusal(jobID, name, args, err)
		return nil, err
	}

	result, err := tool.Exec(ctx, args)
	if err != nil {
		var refusal *RefusalError
		if errors.As(err, &refusal) {
			g.recordRefusal(jobID, name, args, err)
			return nil, err
		}
		g.rec.ToolExecuted(name, false)
		return nil, err
	}

	g.rec.ToolExecuted(name, false)
	return g.truncate(result), nil
}

// AuditTrail returns a copy of the refusal audit records.
func (g *Guard) AuditTrail() []AuditRecord {
	return g.audit.snapshot()
}

func (g *Guard) recordRefusal(jobID, name string, args map[string]any, err error) {
	var refusal *RefusalError
	reason := err.Error()
	if errors.As(err, &refusal) {
		reason = refusal.Reason
	}

	command := ""
	if raw, exists := args["command"]; exists {
		if s, ok := raw.(string); ok {
			command = s
		}
	}

	g.audit.add(AuditRecord{
		Time:    time.Now().UTC(),
		JobID:   jobID,
		Tool:    name,
		Command: command,
		Reason:  reason,
	})
	g.rec.ToolExecuted(name, true)
	g.logger.Warn("refused tool %s for job %s: %s", name, jobID, reason)
}

// truncate bounds string fields of a tool result so the event log stays
// small. Truncated fields are marked.
func (g *Guard) truncate(result map[string]any) map[string]any {
	if g.maxOutputBytes <= 0 {
		return result
	}
	truncated := false
	for key, value := range result {
		s, ok := value.(string)
		if !ok || len(s) <= g.maxOutputBytes {
			continue
		}
		result[key] = s[:g.maxOutputBytes]
		truncated = true
	}
	if truncated {
		result["truncated"] = true
	}
	return result
}
