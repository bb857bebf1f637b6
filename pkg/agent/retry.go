package agent

import (
	"context"
	"fmt"
	"time"

	"coderunner/pkg/agent/llm"
	"coderunner/pkg/agent/llmerrors"
	"coderunner/pkg/config"
	"coderunner/pkg/logx"
	"coderunner/pkg/metrics"
	"coderunner/pkg/proto"
)

// RetryableClient wraps an llm.Client with bounded exponential backoff.
// Rate limits and transient failures are retried; auth and bad-prompt
// failures surface immediately. The final failure wraps
// proto.ErrProviderFailure so callers can classify it without knowing the
// provider.
type RetryableClient struct {
	client llm.Client
	cfg    config.RetryConfig
	rec    metrics.Recorder
	logger *logx.Logger
}

// NewRetryableClient wraps client with the configured retry policy.
func NewRetryableClient(client llm.Client, cfg config.RetryConfig, rec metrics.Recorder) *RetryableClient {
	return &RetryableClient{
		client: client,
		cfg:    cfg,
		rec:    rec,
		logger: logx.NewLogger("llm-retry"),
	}
}

// Complete calls the underlying client, retrying retryable failures with
// exponential backoff. The context is honored between attempts, so a
// cancelled job never waits out a backoff sleep.
func (r *RetryableClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	model := r.client.GetModelName()
	delay := time.Duration(r.cfg.InitialDelayMS) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		resp, err := r.client.Complete(ctx, in)
		r.rec.ObserveProviderRequest(model, err == nil, time.Since(start))
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return llm.CompletionResponse{}, ctx.Err()
		}
		if !llmerrors.IsRetryable(err) {
			return llm.CompletionResponse{}, fmt.Errorf("%w: %w", proto.ErrProviderFailure, err)
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		r.rec.IncProviderRetry(model)
		r.logger.Warn("attempt %d/%d against %s failed (%s), retrying in %s: %v",
			attempt, r.cfg.MaxAttempts, model, llmerrors.TypeOf(err), delay, err)

		select {
		case <-ctx.Done():
			return llm.CompletionResponse{}, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * r.cfg.BackoffFactor)
	}

	return llm.CompletionResponse{}, fmt.Errorf("%w: %d attempts against %s exhausted: %w",
		proto.ErrProviderFailure, r.cfg.MaxAttempts, model, lastErr)
}

// GetModelName returns the wrapped client's model name.
func (r *RetryableClient) GetModelName() string {
	return r.client.GetModelName()
}
