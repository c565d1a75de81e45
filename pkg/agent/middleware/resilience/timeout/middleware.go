// Package timeout provides per-attempt timeout middleware for completion clients.
package timeout

import (
	"context"
	"time"

	"foreman/pkg/agent/llm"
)

// Middleware bounds each request with duration. Zero disables the timeout.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if duration <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.Complete(timeoutCtx, req)
			},
			next.GetModelName,
		)
	}
}
