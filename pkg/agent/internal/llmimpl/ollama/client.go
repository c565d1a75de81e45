// Package ollama implements llm.LLMClient on a local Ollama server.
//
// Only plain chat is supported. Requests that carry tools are rejected, so
// Ollama models fit the classifier and analyzer tiers but not job execution.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"foreman/pkg/agent/llm"
	"foreman/pkg/agent/llmerrors"
)

// Client wraps the Ollama API client.
type Client struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates a client for model on hostURL (e.g. "http://localhost:11434").
func NewOllamaClient(hostURL, model string) (*Client, error) {
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid ollama host %q", hostURL)
	}
	return &Client{client: api.NewClient(parsed, http.DefaultClient), model: model}, nil
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // value request matches interface
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if len(in.Tools) > 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "tool calling is not supported for ollama models")
	}
	messages, err := convertMessagesToOllama(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
	if in.JSONMode {
		req.Format = json.RawMessage(`"json"`)
	}

	var response api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	return llm.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: getStopReason(&response),
		Usage: llm.Usage{
			InputTokens:  response.PromptEvalCount,
			OutputTokens: response.EvalCount,
		},
	}, nil
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

// Ping checks the server is reachable.
func (o *Client) Ping(ctx context.Context) error {
	if err := o.client.Heartbeat(ctx); err != nil {
		return classifyError(err)
	}
	return nil
}

// convertMessagesToOllama flattens messages. Tool traffic cannot appear because tools are rejected.
func convertMessagesToOllama(messages []llm.CompletionMessage) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}
	out := make([]api.Message, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		if len(msg.ToolCalls) > 0 || len(msg.ToolResults) > 0 {
			return nil, fmt.Errorf("message %d carries tool traffic", i)
		}
		out = append(out, api.Message{Role: string(msg.Role), Content: msg.Content})
	}
	return out, nil
}

// getStopReason converts Ollama's done_reason to the common stop reason names.
func getStopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return llmerrors.FromStatus(statusErr.StatusCode, err)
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Ollama server not reachable")
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "Ollama model not found")
	default:
		return llmerrors.Classify(err)
	}
}
