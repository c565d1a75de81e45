package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"foreman/pkg/agent/llm"
	"foreman/pkg/agent/llmerrors"
	"foreman/pkg/agent/middleware/resilience/circuit"
	"foreman/pkg/config"
	"foreman/pkg/logx"
	"foreman/pkg/utils"
)

// UsageExtractor returns token usage for a completed call.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (inputTokens, outputTokens int)

// DefaultUsageExtractor uses provider-reported usage and falls back to tiktoken counting.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (inputTokens, outputTokens int) {
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		return resp.Usage.InputTokens, resp.Usage.OutputTokens
	}

	var prompt strings.Builder
	for i := range req.Messages {
		prompt.WriteString(req.Messages[i].Content)
		prompt.WriteByte('\n')
		for _, r := range req.Messages[i].ToolResults {
			prompt.WriteString(r.Content)
			prompt.WriteByte('\n')
		}
	}
	return utils.CountTokens(prompt.String()), utils.CountTokens(resp.Content)
}

// Middleware records latency, token usage, cost and status for each call.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				model := next.GetModelName()
				info := llm.CallInfoFrom(ctx)

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var in, out int
				var cost float64
				if err == nil {
					in, out = usageExtractor(req, resp)
					cost = config.CalculateCost(model, in, out)
				}

				recorder.ObserveRequest(Request{
					Model:        model,
					Purpose:      info.Purpose,
					Tier:         info.Tier,
					InputTokens:  in,
					OutputTokens: out,
					Cost:         cost,
					Success:      err == nil,
					ErrorType:    errorType(err),
					Duration:     duration,
				})

				if logger != nil {
					status := "success"
					if err != nil {
						status = "error"
					}
					logger.Debug("completion model=%s purpose=%s job=%s tokens=%d+%d status=%s duration=%dms",
						model, info.Purpose, info.JobID, in, out, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // pass through
			},
			next.GetModelName,
		)
	}
}

// errorType classifies errors for the error_type label.
func errorType(err error) string {
	if err == nil {
		return ""
	}
	var circuitErr *circuit.Error
	switch {
	case errors.As(err, &circuitErr):
		return "circuit_breaker"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return llmerrors.TypeOf(err).String()
	}
}
