// Package llm provides interfaces and types for completion service clients.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"foreman/pkg/tools"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	RoleSystem    CompletionRole = "system"
	RoleUser      CompletionRole = "user"
	RoleAssistant CompletionRole = "assistant"
)

const (
	// DefaultMaxTokens is used when a request does not set MaxTokens.
	DefaultMaxTokens = 4096

	// TemperatureDefault is used for analysis and judgment tasks.
	TemperatureDefault = 0.3

	// TemperatureDeterministic is used for classification and structured JSON output.
	TemperatureDeterministic = 0.0
)

// ToolCall represents a tool call made by the model.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// ToolResult is the outcome of one ToolCall, sent back on the next turn.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// CompletionMessage represents a message in a completion request.
// Assistant messages may carry ToolCalls; user messages may carry ToolResults.
type CompletionMessage struct {
	Role        CompletionRole
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// CompletionRequest represents a request to generate a completion.
//
//nolint:govet // fieldalignment: value semantics preferred
type CompletionRequest struct {
	Messages    []CompletionMessage
	Tools       []tools.ToolDefinition
	ToolChoice  string // "auto", "any", or a tool name. Empty means auto.
	MaxTokens   int
	Temperature float32
	// JSONMode asks the provider for a single JSON object in Content.
	JSONMode bool
}

// Usage is token accounting reported by the provider.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CompletionResponse represents a response from a completion request.
//
//nolint:govet // fieldalignment: value semantics preferred
type CompletionResponse struct {
	ToolCalls  []ToolCall
	Content    string
	StopReason string
	Usage      Usage
}

// LLMClient defines the interface for completion service interactions.
type LLMClient interface { //nolint:revive // established name
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model name for this client.
	GetModelName() string
}

// NewCompletionRequest creates a new completion request with default values.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage records a model turn, including any tool calls it made.
func NewAssistantMessage(content string, calls []ToolCall) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// NewToolResultMessage carries tool results back to the model.
func NewToolResultMessage(results []ToolResult) CompletionMessage {
	return CompletionMessage{Role: RoleUser, ToolResults: results}
}

// LLMConfig represents configuration for a provider client.
type LLMConfig struct { //nolint:revive // established name
	APIKey    string
	ModelName string
	MaxTokens int
	BaseURL   string
}

// Validate validates the client configuration.
func (c *LLMConfig) Validate() error {
	if c.ModelName == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	return nil
}

// DecodeJSON unmarshals a JSON object out of model output. Surrounding prose
// and markdown code fences are ignored.
func DecodeJSON(content string, v any) error {
	start, end := -1, -1
	for i := 0; i < len(content); i++ {
		if content[i] == '{' {
			start = i
			break
		}
	}
	for i := len(content) - 1; i >= 0; i-- {
		if content[i] == '}' {
			end = i
			break
		}
	}
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object in model output")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), v); err != nil {
		return fmt.Errorf("invalid JSON in model output: %w", err)
	}
	return nil
}

type callInfoKey struct{}

// CallInfo labels a request for logging and metrics.
type CallInfo struct {
	Purpose string // classify, execute, analyze
	Tier    string
	OrgID   string
	JobID   string
}

// WithCallInfo attaches labels to ctx.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFrom returns the labels attached to ctx, if any.
func CallInfoFrom(ctx context.Context) CallInfo {
	info, _ := ctx.Value(callInfoKey{}).(CallInfo)
	return info
}
