package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"foreman/pkg/agent/llm"
	"foreman/pkg/agent/llmerrors"
	"foreman/pkg/logx"
)

func TestEmptyResponseBecomesError(t *testing.T) {
	var buf bytes.Buffer
	logx.SetOutput(&buf)
	t.Cleanup(func() { logx.SetOutput(nil) })

	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{StopReason: "end_turn"}, nil
		},
		func() string { return "m" },
	)
	req := llm.CompletionRequest{Messages: []llm.CompletionMessage{llm.NewUserMessage("fix the bug")}}
	_, err := Middleware(logx.NewLogger("llm"))(base).Complete(context.Background(), req)

	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse))
	assert.Contains(t, buf.String(), `last="fix the bug"`)
}

func TestToolCallOnlyResponseIsNotEmpty(t *testing.T) {
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{ToolCalls: []llm.ToolCall{{ID: "1", Name: "report"}}}, nil
		},
		func() string { return "m" },
	)
	_, err := Middleware(logx.NewLogger("llm"))(base).Complete(context.Background(), llm.CompletionRequest{})
	assert.NoError(t, err)
}
