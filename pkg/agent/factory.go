package agent

import (
	"fmt"
	"os"

	"coderunner/pkg/agent/llm"
	"coderunner/pkg/agent/llmimpl/anthropic"
	"coderunner/pkg/agent/llmimpl/ollama"
	"coderunner/pkg/agent/llmimpl/openai"
	"coderunner/pkg/config"
)

// NewClient constructs the provider client named by the configuration.
// API keys come from the environment, never the config file.
func NewClient(cfg *config.AgentConfig) (llm.Client, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		return anthropic.NewClaudeClientWithModel(apiKey, cfg.Model), nil
	case config.ProviderOpenAI:
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return openai.NewClientWithModel(apiKey, cfg.Model), nil
	case config.ProviderOllama:
		return ollama.NewClientWithModel(cfg.OllamaHost, cfg.Model), nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
