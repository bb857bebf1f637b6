// Package config provides configuration loading and validation for the
// coderunner service. Configuration comes from a YAML file with environment
// variable overrides applied on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider name constants.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// Default model constants.
const (
	ModelClaudeSonnetLatest = "claude-sonnet-4-20250514"
	ModelGPT5               = "gpt-5"
	ModelOllamaDefault      = "qwen2.5-coder"
)

// Store backend constants.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// ServerConfig configures the HTTP front door.
type ServerConfig struct {
	Addr               string `yaml:"addr"`
	HeartbeatIntervalS int    `yaml:"heartbeat_interval_s"`
}

// SchedulerConfig configures admission control and timeouts.
type SchedulerConfig struct {
	MaxConcurrentJobs int   `yaml:"max_concurrent_jobs"`
	DefaultTimeoutMS  int64 `yaml:"default_timeout_ms"`
	MaxTimeoutMS      int64 `yaml:"max_timeout_ms"`
}

// StoreConfig selects and configures the job store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`    // sqlite database path
	// ArchiveDir, when set, mirrors every published event to daily rotated
	// JSONL files in this directory.
	ArchiveDir string `yaml:"archive_dir"`
}

// ToolsConfig configures the tool safety guard.
//
//nolint:govet // fieldalignment: logical grouping preferred
type ToolsConfig struct {
	SandboxRoot string   `yaml:"sandbox_root"`
	Allowlist   []string `yaml:"allowlist"`
	// MaxOutputBytes bounds captured tool output before it is logged.
	MaxOutputBytes int `yaml:"max_output_bytes"`
	// ProseWordThreshold is the word count above which an unpunctuated
	// command is treated as natural language rather than a shell
	// invocation. Policy knob, not load-bearing correctness.
	ProseWordThreshold int `yaml:"prose_word_threshold"`
	CommandTimeoutS    int `yaml:"command_timeout_s"`
}

// AgentConfig configures the agent state machine and tool-calling loop.
//
//nolint:govet // fieldalignment: logical grouping preferred
type AgentConfig struct {
	Provider          string `yaml:"provider"` // "anthropic", "openai", "ollama", or "" to disable
	Model             string `yaml:"model"`
	OllamaHost        string `yaml:"ollama_host"`
	MaxIterations     int    `yaml:"max_iterations"`
	MaxToolIterations int    `yaml:"max_tool_iterations"`
	MaxTokens         int    `yaml:"max_tokens"`
	// MaxContextTokens bounds the assembled prompt: when the conversation
	// exceeds this budget the oldest non-system turns are dropped before the
	// next provider call. 0 disables compaction.
	MaxContextTokens int `yaml:"max_context_tokens"`
	// MemoryReplayLimit bounds how many memory checkpoints from earlier
	// jobs in the same session are replayed into a new agent.
	MemoryReplayLimit int `yaml:"memory_replay_limit"`
	// ReviewDoneMarkers are the substrings (matched case-insensitively)
	// that cause the review state to transition to finish. Policy knob.
	ReviewDoneMarkers []string `yaml:"review_done_markers"`
}

// RetryConfig configures provider retry behavior.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
}

// BridgeConfig configures the optional external workspace bridge.
type BridgeConfig struct {
	URL      string `yaml:"url"`
	TimeoutS int    `yaml:"timeout_s"`
}

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Store     StoreConfig     `yaml:"store"`
	Tools     ToolsConfig     `yaml:"tools"`
	Agent     AgentConfig     `yaml:"agent"`
	Retry     RetryConfig     `yaml:"retry"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":8090",
			HeartbeatIntervalS: 15,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentJobs: 4,
			DefaultTimeoutMS:  0, // no timeout unless requested
			MaxTimeoutMS:      int64(time.Hour / time.Millisecond),
		},
		Store: StoreConfig{
			Backend: StoreMemory,
			Path:    "coderunner.db",
		},
		Tools: ToolsConfig{
			SandboxRoot:        "./workspace",
			Allowlist:          []string{"ls", "cat", "echo", "go build", "go test", "go vet", "python3", "node"},
			MaxOutputBytes:     4096,
			ProseWordThreshold: 3,
			CommandTimeoutS:    60,
		},
		Agent: AgentConfig{
			Provider:          "",
			Model:             "",
			OllamaHost:        "http://localhost:11434",
			MaxIterations:     5,
			MaxToolIterations: 8,
			MaxTokens:         4096,
			MaxContextTokens:  8192,
			MemoryReplayLimit: 50,
			ReviewDoneMarkers: []string{"task complete", "complete"},
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialDelayMS: 1000,
			BackoffFactor:  2.0,
		},
		Bridge: BridgeConfig{
			URL:      "",
			TimeoutS: 10,
		},
	}
}

// Load reads configuration from the given YAML file (optional), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CODERUNNER_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("CODERUNNER_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if root := os.Getenv("CODERUNNER_SANDBOX_ROOT"); root != "" {
		cfg.Tools.SandboxRoot = root
	}
	if backend := os.Getenv("CODERUNNER_STORE"); backend != "" {
		cfg.Store.Backend = backend
	}
	if ceiling := os.Getenv("CODERUNNER_MAX_JOBS"); ceiling != "" {
		if n, err := strconv.Atoi(ceiling); err == nil && n > 0 {
			cfg.Scheduler.MaxConcurrentJobs = n
		}
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		cfg.Agent.OllamaHost = host
	}
	// Provider selection falls back to whichever API key is present.
	if cfg.Agent.Provider == "" {
		switch {
		case os.Getenv("ANTHROPIC_API_KEY") != "":
			cfg.Agent.Provider = ProviderAnthropic
		case os.Getenv("OPENAI_API_KEY") != "":
			cfg.Agent.Provider = ProviderOpenAI
		}
	}
	if cfg.Agent.Model == "" {
		switch cfg.Agent.Provider {
		case ProviderAnthropic:
			cfg.Agent.Model = ModelClaudeSonnetLatest
		case ProviderOpenAI:
			cfg.Agent.Model = ModelGPT5
		case ProviderOllama:
			cfg.Agent.Model = ModelOllamaDefault
		}
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_jobs must be positive, got %d", c.Scheduler.MaxConcurrentJobs)
	}
	if c.Scheduler.MaxTimeoutMS > 0 && c.Scheduler.DefaultTimeoutMS > c.Scheduler.MaxTimeoutMS {
		return fmt.Errorf("scheduler.default_timeout_ms %d exceeds max_timeout_ms %d",
			c.Scheduler.DefaultTimeoutMS, c.Scheduler.MaxTimeoutMS)
	}
	switch c.Store.Backend {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreMemory, StoreSQLite, c.Store.Backend)
	}
	if c.Store.Backend == StoreSQLite && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the sqlite backend")
	}
	if c.Tools.SandboxRoot == "" {
		return fmt.Errorf("tools.sandbox_root cannot be empty")
	}
	if c.Tools.MaxOutputBytes <= 0 {
		return fmt.Errorf("tools.max_output_bytes must be positive, got %d", c.Tools.MaxOutputBytes)
	}
	switch c.Agent.Provider {
	case "", ProviderAnthropic, ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("agent.provider must be one of %q, %q, %q, got %q",
			ProviderAnthropic, ProviderOpenAI, ProviderOllama, c.Agent.Provider)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffFactor < 1.0 {
		return fmt.Errorf("retry.backoff_factor must be >= 1.0, got %g", c.Retry.BackoffFactor)
	}
	return nil
}

// HeartbeatInterval returns the SSE heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Server.HeartbeatIntervalS) * time.Second
}

// CommandTimeout returns the per-command execution timeout as a duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Tools.CommandTimeoutS) * time.Second
}
