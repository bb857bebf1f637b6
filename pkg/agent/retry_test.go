package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderunner/pkg/agent/llm"
	"coderunner/pkg/agent/llmerrors"
	"coderunner/pkg/config"
	"coderunner/pkg/metrics"
	"coderunner/pkg/proto"
)

func fastRetryConfig(attempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:    attempts,
		InitialDelayMS: 1,
		BackoffFactor:  2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "503")
	client := NewMockClient(
		[]llm.CompletionResponse{{Content: "ok"}},
		[]error{transient, transient, nil},
	)
	retryable := NewRetryableClient(client, fastRetryConfig(3), metrics.Nop())

	resp, err := retryable.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, client.CallCount())
}

func TestRetryExhaustionWrapsProviderFailure(t *testing.T) {
	transient := llmerrors.NewError(llmerrors.ErrorTypeTransient, "connection reset")
	client := NewMockClient(nil, []error{transient, transient, transient})
	retryable := NewRetryableClient(client, fastRetryConfig(3), metrics.Nop())

	_, err := retryable.Complete(context.Background(), llm.CompletionRequest{})
	require.ErrorIs(t, err, proto.ErrProviderFailure)
	assert.Equal(t, 3, client.CallCount())
}

func TestRetryDoesNotRetryAuthFailures(t *testing.T) {
	authErr := llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad api key")
	client := NewMockClient(nil, []error{authErr})
	retryable := NewRetryableClient(client, fastRetryConfig(3), metrics.Nop())

	_, err := retryable.Complete(context.Background(), llm.CompletionRequest{})
	require.ErrorIs(t, err, proto.ErrProviderFailure)
	assert.Equal(t, 1, client.CallCount(), "auth failures must not be retried")
}

func TestRetryHonorsContextDuringBackoff(t *testing.T) {
	transient := llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "429")
	client := NewMockClient(nil, []error{transient, transient, transient})
	cfg := config.RetryConfig{MaxAttempts: 3, InitialDelayMS: 60_000, BackoffFactor: 2.0}
	retryable := NewRetryableClient(client, cfg, metrics.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := retryable.Complete(ctx, llm.CompletionRequest{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "cancelled request must not wait out the backoff")
	assert.Equal(t, 1, client.CallCount())
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"rate limit", llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "429"), true},
		{"transient", llmerrors.NewError(llmerrors.ErrorTypeTransient, "eof"), true},
		{"empty response", llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no content"), true},
		{"auth", llmerrors.NewError(llmerrors.ErrorTypeAuth, "401"), false},
		{"bad prompt", llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "context length"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, llmerrors.IsRetryable(tt.err))
		})
	}
}
