package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	execpkg "coderunner/pkg/exec"
)

// dangerousPatterns are refused even for allowlisted commands. The allowlist
// says what operators intend to permit; these patterns catch what must never
// run regardless of intent.
//
//nolint:gochecknoglobals // Compiled once; the pattern set is fixed policy
var dangerousPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`(^|\s)rm\s+(-\w+\s+)*-\w*[rf]`), "recursive or forced delete"},
	{regexp.MustCompile(`(^|\s)(sudo|doas)\b|^su\b`), "privilege escalation"},
	{regexp.MustCompile(`>\s*/(etc|dev|usr|bin|sbin|boot|root|var)\b`), "output redirection into a system path"},
	{regexp.MustCompile(`\bdd\b.*\bof=/dev/`), "raw device write"},
	{regexp.MustCompile(`:\(\)\s*\{.*\}\s*;\s*:`), "fork bomb"},
	{regexp.MustCompile(`\bmkfs(\.\w+)?\b`), "filesystem format"},
	{regexp.MustCompile(`\bchmod\s+(-R\s+)?777\s+/`), "world-writable permission change on a system path"},
}

// proseLeadIn matches an imperative verb followed by an article, the shape of
// an instruction to an assistant rather than a shell invocation.
//
//nolint:gochecknoglobals // Compiled once
var proseLeadIn = regexp.MustCompile(`(?i)^\s*(please\s+)?(delete|remove|create|make|write|read|list|show|run|execute|find|open|update|change|give|tell)\s+(the|a|an|all|my|this|that|some|every)\b`)

// RunCommandTool executes shell commands subject to the allowlist and the
// dangerous-pattern and natural-language checks.
//
//nolint:govet // fieldalignment: logical grouping preferred
type RunCommandTool struct {
	executor           execpkg.Executor
	sandboxRoot        string
	allowlist          []string
	proseWordThreshold int
	timeout            time.Duration
}

// NewRunCommandTool creates a run_command tool. Commands run with the
// sandbox root as working directory.
func NewRunCommandTool(executor execpkg.Executor, sandboxRoot string, allowlist []string, proseWordThreshold int, timeout time.Duration) *RunCommandTool {
	if proseWordThreshold <= 0 {
		proseWordThreshold = 3
	}
	return &RunCommandTool{
		executor:           executor,
		sandboxRoot:        sandboxRoot,
		allowlist:          allowlist,
		proseWordThreshold: proseWordThreshold,
		timeout:            timeout,
	}
}

// Name returns the tool name.
func (t *RunCommandTool) Name() string {
	return ToolRunCommand
}

// Definition returns the tool definition for the LLM.
func (t *RunCommandTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolRunCommand,
		Description: "Run a shell command in the workspace. Only allowlisted commands are permitted.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"command": {
					Type:        "string",
					Description: "The exact shell command to run",
				},
			},
			Required: []string{"command"},
		},
	}
}

// Exec authorizes and runs the command. The three checks are independent:
// the command must match the allowlist, must not match a dangerous pattern
// (even if allowlisted), and must not look like natural-language prose.
func (t *RunCommandTool) Exec(ctx context.Context, args map[string]any) (map[string]any, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return nil, err
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, refuse(ToolRunCommand, "empty command")
	}

	if !t.allowlisted(command) {
		return nil, refuse(ToolRunCommand, "command %q does not match the allowlist", command)
	}
	for _, pattern := range dangerousPatterns {
		if pattern.re.MatchString(command) {
			return nil, refuse(ToolRunCommand, "command %q matches dangerous pattern: %s", command, pattern.reason)
		}
	}
	if reason := t.looksLikeProse(command); reason != "" {
		return nil, refuse(ToolRunCommand, "command %q looks like natural language: %s", command, reason)
	}

	result, err := t.executor.Run(ctx, []string{"sh", "-c", command}, execpkg.Opts{
		WorkDir: t.sandboxRoot,
		Timeout: t.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run command: %w", err)
	}

	return map[string]any{
		"command":     command,
		"stdout":      result.Stdout,
		"stderr":      result.Stderr,
		"exit_code":   result.ExitCode,
		"duration_ms": result.Duration.Milliseconds(),
	}, nil
}

// allowlisted reports whether the command exactly equals, or begins with
// (as a whitespace-delimited prefix), an allowlist entry. Given the entry
// "echo hello", both "echo hello" and "echo hello world" are allowed;
// "echo helloworld" is not.
func (t *RunCommandTool) allowlisted(command string) bool {
	for _, entry := range t.allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if command == entry || strings.HasPrefix(command, entry+" ") {
			return true
		}
	}
	return false
}

// looksLikeProse applies the natural-language heuristic: an imperative verb
// followed by an article, or mostly-unpunctuated prose longer than the word
// threshold. The thresholds are policy, not correctness; both are chosen so
// real shell invocations pass.
func (t *RunCommandTool) looksLikeProse(command string) string {
	if proseLeadIn.MatchString(command) {
		return "imperative verb followed by an article"
	}

	words := strings.Fields(command)
	if len(words) <= t.proseWordThreshold {
		return ""
	}
	plain := 0
	for _, word := range words {
		if isAlphabetic(word) {
			plain++
		}
	}
	if plain == len(words) {
		return fmt.Sprintf("%d unpunctuated words", len(words))
	}
	return ""
}

func isAlphabetic(word string) bool {
	for _, r := range word {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return len(word) > 0
}
