package circuit

import (
	"context"
	"errors"

	"foreman/pkg/agent/llm"
	"foreman/pkg/agent/llmerrors"
)

// Middleware rejects requests immediately while the breaker is open.
// Caller cancellation and bad requests do not count as upstream failures.
func Middleware(breaker *Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !breaker.Allow() {
					return llm.CompletionResponse{}, &Error{Name: breaker.Name(), State: breaker.State()}
				}

				resp, err := next.Complete(ctx, req)
				switch {
				case err == nil:
					breaker.Record(true)
				case errors.Is(err, context.Canceled), llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt):
				default:
					breaker.Record(false)
				}
				return resp, err //nolint:wrapcheck // pass through
			},
			next.GetModelName,
		)
	}
}
