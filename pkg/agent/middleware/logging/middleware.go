// Package logging provides logging middleware for completion clients.
package logging

import (
	"context"

	"foreman/pkg/agent/llm"
	"foreman/pkg/agent/llmerrors"
	"foreman/pkg/logx"
)

// Middleware logs failed calls with a sanitized view of the last message.
// Empty responses are converted to ErrorTypeEmptyResponse so the retry layer can see them.
func Middleware(logger *logx.Logger) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err == nil && resp.Content == "" && len(resp.ToolCalls) == 0 {
					err = llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
						"empty response (stop_reason="+resp.StopReason+")")
				}
				if err != nil {
					info := llm.CallInfoFrom(ctx)
					logger.Warn("completion failed: model=%s purpose=%s job=%s messages=%d tools=%d last=%q: %v",
						next.GetModelName(), info.Purpose, info.JobID, len(req.Messages), len(req.Tools),
						lastMessage(req), err)
				}
				return resp, err //nolint:wrapcheck // pass through
			},
			next.GetModelName,
		)
	}
}

func lastMessage(req llm.CompletionRequest) string {
	if len(req.Messages) == 0 {
		return ""
	}
	m := req.Messages[len(req.Messages)-1]
	s := m.Content
	if s == "" && len(m.ToolResults) > 0 {
		s = m.ToolResults[0].Content
	}
	if r := []rune(s); len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return s
}
