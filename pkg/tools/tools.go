// Package tools provides the tool implementations available to execution
// strategies and the safety guard that mediates every invocation.
package tools

import (
	"context"
	"fmt"

	"coderunner/pkg/proto"
)

// Tool name constants. The registry is a closed table: these are the only
// tools that exist, and unknown names are refused explicitly.
const (
	ToolReadFile   = "read_file"
	ToolWriteFile  = "write_file"
	ToolListDir    = "list_dir"
	ToolRunCommand = "run_command"
)

// Property represents a single field in a tool's input schema.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// InputSchema describes a tool's parameters in JSON-schema form, as sent to
// the LLM provider.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// ToolDefinition is the provider-facing description of a tool.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// Tool is a single executable capability. Exec runs only after the guard has
// authorized the invocation.
type Tool interface {
	// Name returns the tool name.
	Name() string

	// Definition returns the tool definition for the LLM.
	Definition() ToolDefinition

	// Exec executes the tool with the given arguments.
	Exec(ctx context.Context, args map[string]any) (map[string]any, error)
}

// RefusalError reports a safety-guard denial. A refusal is a policy outcome,
// not an execution error: it unwraps to proto.ErrToolRefused so callers can
// distinguish it from a tool that ran and failed.
type RefusalError struct {
	Tool   string
	Reason string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("tool %s refused: %s", e.Tool, e.Reason)
}

func (e *RefusalError) Unwrap() error {
	return proto.ErrToolRefused
}

// refuse constructs a refusal for the given tool.
func refuse(tool, format string, args ...any) error {
	return &RefusalError{Tool: tool, Reason: fmt.Sprintf(format, args...)}
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, exists := args[key]
	if !exists {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", key, v)
	}
	return s, nil
}
