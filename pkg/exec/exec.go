// Package exec provides command execution for sandboxed tool invocations.
package exec

import (
	"context"
	"time"
)

// Opts contains options for command execution.
type Opts struct {
	WorkDir string        // Working directory for the command
	Env     []string      // Additional environment variables (KEY=VALUE)
	Timeout time.Duration // Maximum execution time (0 = no limit)
}

// Result contains the outcome of a command execution.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor runs commands on behalf of tools. The safety guard authorizes
// every invocation before it reaches an Executor.
type Executor interface {
	// Name returns the executor type name.
	Name() string

	// Run executes a command and returns its captured output. A non-zero
	// exit code is reported in the Result, not as an error; err is reserved
	// for failures to run the command at all.
	Run(ctx context.Context, cmd []string, opts Opts) (Result, error)
}
