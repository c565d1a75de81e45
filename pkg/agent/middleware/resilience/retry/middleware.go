// Package retry provides retry middleware for completion clients.
package retry

import (
	"context"
	"fmt"
	"time"

	"foreman/pkg/agent/llm"
	"foreman/pkg/agent/llmerrors"
)

// Middleware retries failed requests according to policy, with exponential backoff.
// When a retryable error survives every attempt it is returned as ServiceUnavailable.
func Middleware(policy *Policy) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var lastErr error

				for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
					if attempt > 1 {
						if delay := policy.CalculateDelay(attempt); delay > 0 {
							select {
							case <-ctx.Done():
								return llm.CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
							case <-time.After(delay):
							}
						}
					}

					resp, err := next.Complete(ctx, req)
					if err == nil {
						return resp, nil
					}
					lastErr = err

					if ctx.Err() != nil || !policy.ShouldRetry(err) {
						return llm.CompletionResponse{}, err //nolint:wrapcheck // pass through
					}
				}

				return llm.CompletionResponse{}, llmerrors.NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
			},
			next.GetModelName,
		)
	}
}
