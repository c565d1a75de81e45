// Package toolloop drives a bounded model conversation with tool calling.
//
// Each turn sends the running history and the allowed tool schemas, executes
// every requested tool call in order, and feeds results back. A failing tool
// is reported to the model as an error result; the loop continues.
package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"foreman/pkg/agent/llm"
	"foreman/pkg/config"
	"foreman/pkg/logx"
	"foreman/pkg/tools"
	"foreman/pkg/utils"
)

// defaultToolResultTokens bounds a single tool result fed back to the model.
const defaultToolResultTokens = 8000

// ToolProvider is what the loop needs from a tool provider.
type ToolProvider interface {
	Get(name string) (tools.Tool, error)
	Definitions() ([]tools.ToolDefinition, error)
}

// ToolEvent describes one executed tool call.
//
//nolint:govet // readability over alignment
type ToolEvent struct {
	Iteration int
	Call      llm.ToolCall
	Result    *tools.ExecResult
	Err       error
	Duration  time.Duration
}

// Config defines how one run behaves.
//
//nolint:govet // readability over alignment
type Config struct {
	SystemPrompt  string
	InitialPrompt string
	ToolProvider  ToolProvider

	// MaxIterations is clamped to config.MaxTurns.
	MaxIterations int
	MaxTokens     int
	Temperature   float32

	// ToolResultTokens truncates large tool outputs. Zero uses the default.
	ToolResultTokens int

	// OnToolCall is invoked after each tool call, in order.
	OnToolCall func(ctx context.Context, ev ToolEvent)

	// OnTurn is invoked after each model response.
	OnTurn func(ctx context.Context, iteration int, resp llm.CompletionResponse)
}

// ToolLoop runs model conversations against one client.
type ToolLoop struct {
	llmClient llm.LLMClient
	logger    *logx.Logger
}

// New creates a new ToolLoop.
func New(llmClient llm.LLMClient, logger *logx.Logger) *ToolLoop {
	if logger == nil {
		logger = logx.NewLogger("toolloop")
	}
	return &ToolLoop{llmClient: llmClient, logger: logger}
}

// Run executes the loop. It never runs more than config.MaxTurns model calls.
func (tl *ToolLoop) Run(ctx context.Context, cfg *Config) Outcome {
	var out Outcome

	if cfg.ToolProvider == nil {
		out.Kind = OutcomeLLMError
		out.Err = fmt.Errorf("ToolProvider is required")
		return out
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 || maxIter > config.MaxTurns {
		maxIter = config.MaxTurns
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	resultTokens := cfg.ToolResultTokens
	if resultTokens <= 0 {
		resultTokens = defaultToolResultTokens
	}

	toolDefs, err := cfg.ToolProvider.Definitions()
	if err != nil {
		out.Kind = OutcomeLLMError
		out.Err = fmt.Errorf("failed to build tool definitions: %w", err)
		return out
	}

	messages := make([]llm.CompletionMessage, 0, 2+2*maxIter)
	if cfg.SystemPrompt != "" {
		messages = append(messages, llm.NewSystemMessage(cfg.SystemPrompt))
	}
	messages = append(messages, llm.NewUserMessage(cfg.InitialPrompt))

	for iteration := 1; iteration <= maxIter; iteration++ {
		if ctx.Err() != nil {
			out.Kind = OutcomeCancelled
			out.Err = fmt.Errorf("%w before turn %d: %w", ErrCancelled, iteration, context.Cause(ctx))
			return out
		}

		req := llm.CompletionRequest{
			Messages:    messages,
			Tools:       toolDefs,
			MaxTokens:   maxTokens,
			Temperature: cfg.Temperature,
		}

		tl.logger.Debug("turn %d/%d: model=%s messages=%d tools=%d",
			iteration, maxIter, tl.llmClient.GetModelName(), len(messages), len(toolDefs))

		start := time.Now()
		resp, err := tl.llmClient.Complete(ctx, req)
		out.Iterations = iteration
		if err != nil {
			if errors.Is(err, context.Canceled) {
				out.Kind = OutcomeCancelled
				out.Err = fmt.Errorf("%w during turn %d: %w", ErrCancelled, iteration, err)
				return out
			}
			tl.logger.Error("completion failed after %.3gs on turn %d: %v", time.Since(start).Seconds(), iteration, err)
			out.Kind = OutcomeLLMError
			out.Err = fmt.Errorf("LLM completion failed: %w", err)
			return out
		}

		out.Usage.InputTokens += resp.Usage.InputTokens
		out.Usage.OutputTokens += resp.Usage.OutputTokens
		if resp.Content != "" {
			out.Content = resp.Content
		}
		if cfg.OnTurn != nil {
			cfg.OnTurn(ctx, iteration, resp)
		}

		messages = append(messages, llm.NewAssistantMessage(resp.Content, resp.ToolCalls))

		if len(resp.ToolCalls) == 0 {
			out.Kind = OutcomeCompleted
			return out
		}

		// Every tool call must get a result, so the batch runs to the end even after a report.
		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for i := range resp.ToolCalls {
			call := resp.ToolCalls[i]
			callStart := time.Now()
			res, content, execErr := tl.execute(ctx, cfg.ToolProvider, call, resultTokens)
			out.ToolCalls++

			ev := ToolEvent{Iteration: iteration, Call: call, Result: res, Err: execErr, Duration: time.Since(callStart)}
			if execErr != nil {
				out.ToolErrors++
				results = append(results, llm.ToolResult{ToolCallID: call.ID, Content: execErr.Error(), IsError: true})
			} else {
				results = append(results, llm.ToolResult{ToolCallID: call.ID, Content: content})
				if res.Mutation != nil {
					out.Mutations = append(out.Mutations, *res.Mutation)
				}
				if res.Report != nil && out.Report == nil {
					out.Report = res.Report
				}
			}
			if cfg.OnToolCall != nil {
				cfg.OnToolCall(ctx, ev)
			}
		}
		messages = append(messages, llm.NewToolResultMessage(results))

		if out.Report != nil {
			out.Kind = OutcomeReported
			return out
		}
	}

	tl.logger.Warn("turn cap of %d reached", maxIter)
	out.Kind = OutcomeIterationLimit
	return out
}

// execute runs one tool call. The returned error is what the model sees.
func (tl *ToolLoop) execute(ctx context.Context, provider ToolProvider, call llm.ToolCall, limit int) (*tools.ExecResult, string, error) {
	tool, err := provider.Get(call.Name)
	if err != nil {
		return nil, "", err
	}

	args := call.Parameters
	if args == nil {
		args = map[string]any{}
	}

	res, err := safeExec(ctx, tool, args)
	if err != nil {
		tl.logger.Debug("tool %s failed: %v", call.Name, err)
		return nil, "", err
	}
	if res == nil {
		res = &tools.ExecResult{}
	}
	content := res.Content
	if content == "" {
		content = "ok"
	}
	return res, utils.TruncateToTokens(content, limit), nil
}

// safeExec converts a panicking tool into an error result.
func safeExec(ctx context.Context, tool tools.Tool, args map[string]any) (res *tools.ExecResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("tool %s panicked: %v", tool.Name(), r)
		}
	}()
	return tool.Exec(ctx, args)
}

// ArgsJSON renders tool arguments for logs.
func ArgsJSON(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
