// Package openaiofficial implements llm.LLMClient on the OpenAI Responses API using the official Go package.
package openaiofficial

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"foreman/pkg/agent/llm"
	"foreman/pkg/agent/llmerrors"
	"foreman/pkg/config"
	"foreman/pkg/tools"
)

// errorPrefix marks failed tool outputs, since function_call_output has no error flag.
const errorPrefix = "ERROR: "

// OfficialClient wraps the official OpenAI Go client. Middleware is applied by the factory.
type OfficialClient struct {
	client openai.Client
	model  string
}

// NewOfficialClient creates a client for model. baseURL is optional.
func NewOfficialClient(apiKey, model, baseURL string) *OfficialClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OfficialClient{client: openai.NewClient(opts...), model: model}
}

// convertPropertyToSchema recursively converts a Property to JSON schema.
func convertPropertyToSchema(prop *tools.Property) map[string]any {
	schema := map[string]any{"type": prop.Type}
	if prop.Description != "" {
		schema["description"] = prop.Description
	}
	if len(prop.Enum) > 0 {
		schema["enum"] = prop.Enum
	}
	if prop.Type == "array" && prop.Items != nil {
		schema["items"] = convertPropertyToSchema(prop.Items)
	}
	return schema
}

// buildInput converts messages to Responses API input items and collects system text as instructions.
func buildInput(messages []llm.CompletionMessage) (string, responses.ResponseInputParam) {
	var instructions []string
	var items responses.ResponseInputParam

	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			instructions = append(instructions, msg.Content)
		case llm.RoleAssistant:
			if msg.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleAssistant))
			}
			for _, call := range msg.ToolCalls {
				args, _ := json.Marshal(call.Parameters)
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(string(args), call.ID, call.Name))
			}
		default:
			for _, r := range msg.ToolResults {
				out := r.Content
				if r.IsError {
					out = errorPrefix + out
				}
				items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(r.ToolCallID, out))
			}
			if msg.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleUser))
			}
		}
	}
	return strings.Join(instructions, "\n\n"), items
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // value request matches interface
func (o *OfficialClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	instructions, items := buildInput(in.Messages)
	if len(items) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "no input messages")
	}
	if in.JSONMode {
		instructions = strings.TrimSpace(instructions + "\n\nRespond with a single JSON object and nothing else.")
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	if info, ok := config.GetModelInfo(o.model); ok && info.MaxOutputTokens > 0 && maxTokens > info.MaxOutputTokens {
		maxTokens = info.MaxOutputTokens
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfInputItemList: items},
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}

	if len(in.Tools) > 0 {
		toolParams := make([]responses.ToolUnionParam, len(in.Tools))
		for i := range in.Tools {
			def := &in.Tools[i]
			properties := make(map[string]any, len(def.InputSchema.Properties))
			for name, prop := range def.InputSchema.Properties {
				properties[name] = convertPropertyToSchema(&prop)
			}
			toolParams[i] = responses.ToolUnionParam{
				OfFunction: &responses.FunctionToolParam{
					Name:        def.Name,
					Description: openai.String(def.Description),
					Parameters: openai.FunctionParameters(map[string]any{
						"type":       "object",
						"properties": properties,
						"required":   def.InputSchema.Required,
					}),
				},
			}
		}
		params.Tools = toolParams
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	var calls []llm.ToolCall
	for i := range resp.Output {
		item := &resp.Output[i]
		if item.Type != "function_call" {
			continue
		}
		fn := item.AsFunctionCall()
		var args map[string]any
		if fn.Arguments != "" {
			if err := json.Unmarshal([]byte(fn.Arguments), &args); err != nil {
				return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "failed to parse function arguments")
			}
		}
		calls = append(calls, llm.ToolCall{ID: fn.CallID, Name: fn.Name, Parameters: args})
	}

	return llm.CompletionResponse{
		Content:    resp.OutputText(),
		ToolCalls:  calls,
		StopReason: string(resp.Status),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// GetModelName returns the model name for this client.
func (o *OfficialClient) GetModelName() string {
	return o.model
}

func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llmerrors.FromStatus(apiErr.StatusCode, err)
	}
	return llmerrors.Classify(err)
}
