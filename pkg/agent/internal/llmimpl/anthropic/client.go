// Package anthropic implements llm.LLMClient on the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"foreman/pkg/agent/llm"
	"foreman/pkg/agent/llmerrors"
)

// ClaudeClient wraps the Anthropic API client. Middleware is applied by the factory.
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClient creates a client for model. baseURL is optional.
func NewClaudeClient(apiKey, model, baseURL string) *ClaudeClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &ClaudeClient{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// turn is one alternating Anthropic message before SDK conversion.
type turn struct {
	role    llm.CompletionRole
	texts   []string
	calls   []llm.ToolCall
	results []llm.ToolResult
}

// ensureAlternation extracts system messages and merges consecutive same-role
// messages so the sequence alternates user/assistant and starts and ends with user.
func ensureAlternation(messages []llm.CompletionMessage) (string, []turn, error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var turns []turn
	for i := range messages {
		msg := &messages[i]
		if msg.Role == llm.RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		role := llm.RoleUser
		if msg.Role == llm.RoleAssistant {
			role = llm.RoleAssistant
		}
		if len(turns) == 0 || turns[len(turns)-1].role != role {
			turns = append(turns, turn{role: role})
		}
		t := &turns[len(turns)-1]
		if msg.Content != "" {
			t.texts = append(t.texts, msg.Content)
		}
		t.calls = append(t.calls, msg.ToolCalls...)
		t.results = append(t.results, msg.ToolResults...)
	}

	if len(turns) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}
	if turns[0].role != llm.RoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got: %s", turns[0].role)
	}
	if turns[len(turns)-1].role != llm.RoleUser {
		return "", nil, fmt.Errorf("last message must be user role, got: %s", turns[len(turns)-1].role)
	}
	return strings.Join(systemParts, "\n\n"), turns, nil
}

// toMessageParams converts turns to SDK params. Tool results precede text in a user turn.
func toMessageParams(turns []turn) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for i := range turns {
		t := &turns[i]
		var blocks []anthropic.ContentBlockParamUnion
		for _, r := range t.results {
			blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
		}
		if len(t.texts) > 0 {
			blocks = append(blocks, anthropic.NewTextBlock(strings.Join(t.texts, "\n\n")))
		}
		for _, c := range t.calls {
			input := c.Parameters
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, input, c.Name))
		}
		if t.role == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func toolChoice(choice string) anthropic.ToolChoiceUnionParam {
	switch choice {
	case "", "auto":
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	case "any":
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	default:
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: choice}}
	}
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // value request matches interface
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	systemPrompt, turns, err := ensureAlternation(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message alternation error: %v", err))
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    toMessageParams(turns),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if in.JSONMode {
		systemPrompt = strings.TrimSpace(systemPrompt + "\n\nRespond with a single JSON object and nothing else.")
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	if len(in.Tools) > 0 {
		toolParams := make([]anthropic.ToolUnionParam, 0, len(in.Tools))
		for i := range in.Tools {
			def := &in.Tools[i]
			schema := def.InputSchema.ToMap()
			toolParams = append(toolParams, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
					Required:   def.InputSchema.Required,
				},
			}})
		}
		params.Tools = toolParams
		params.ToolChoice = toolChoice(in.ToolChoice)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty response from Claude API")
	}

	var text strings.Builder
	var calls []llm.ToolCall
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			use := block.AsToolUse()
			var args map[string]any
			if len(use.Input) > 0 {
				if err := json.Unmarshal(use.Input, &args); err != nil {
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "failed to parse tool input")
				}
			}
			calls = append(calls, llm.ToolCall{ID: use.ID, Name: use.Name, Parameters: args})
		}
	}

	return llm.CompletionResponse{
		Content:    text.String(),
		ToolCalls:  calls,
		StopReason: string(resp.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

// classifyError maps SDK errors to llmerrors types, using the HTTP status when present.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llmerrors.FromStatus(apiErr.StatusCode, err)
	}
	return llmerrors.Classify(err)
}
