package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/agent/llm"
	"foreman/pkg/agent/llmerrors"
)

type captureRecorder struct {
	requests []Request
}

func (c *captureRecorder) ObserveRequest(r Request) { c.requests = append(c.requests, r) }

func TestMiddlewareRecordsUsage(t *testing.T) {
	rec := &captureRecorder{}
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: "hi", Usage: llm.Usage{InputTokens: 1000, OutputTokens: 100}}, nil
		},
		func() string { return "claude-sonnet-4-5" },
	)
	ctx := llm.WithCallInfo(context.Background(), llm.CallInfo{Purpose: "execute", Tier: "standard"})

	_, err := Middleware(rec, nil, nil)(base).Complete(ctx, llm.CompletionRequest{})
	require.NoError(t, err)
	require.Len(t, rec.requests, 1)
	r := rec.requests[0]
	assert.Equal(t, "execute", r.Purpose)
	assert.Equal(t, 1000, r.InputTokens)
	assert.Equal(t, 100, r.OutputTokens)
	assert.Greater(t, r.Cost, 0.0)
	assert.True(t, r.Success)
}

func TestMiddlewareRecordsErrorType(t *testing.T) {
	rec := &captureRecorder{}
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "429")
		},
		func() string { return "gpt-4o" },
	)
	_, err := Middleware(rec, nil, nil)(base).Complete(context.Background(), llm.CompletionRequest{})
	assert.Error(t, err)
	assert.Equal(t, "rate_limit", rec.requests[0].ErrorType)
	assert.Equal(t, "timeout", errorType(context.DeadlineExceeded))
	assert.Equal(t, "unknown", errorType(errors.New("x")))
}

func TestDefaultUsageExtractorFallsBackToTokenizer(t *testing.T) {
	req := llm.CompletionRequest{Messages: []llm.CompletionMessage{llm.NewUserMessage("hello there world")}}
	in, out := DefaultUsageExtractor(req, llm.CompletionResponse{Content: "ok"})
	assert.Positive(t, in)
	assert.Positive(t, out)
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)
	rec.ObserveRequest(Request{Model: "m", Purpose: "classify", Tier: "fast", Success: true, InputTokens: 3})
	rec.ObserveRequest(Request{Model: "m", Purpose: "classify", Tier: "fast", ErrorType: "auth"})

	assert.InDelta(t, 1, testutil.ToFloat64(rec.requestsTotal.WithLabelValues("m", "classify", "fast", "success", "")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(rec.requestsTotal.WithLabelValues("m", "classify", "fast", "error", "auth")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(rec.tokensTotal.WithLabelValues("m", "classify", "input")), 0)
}
