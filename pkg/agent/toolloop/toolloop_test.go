package toolloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/agent/llm"
	"foreman/pkg/agent/llmerrors"
	"foreman/pkg/config"
	"foreman/pkg/tools"
)

// scriptedClient returns responses from a function of the turn number and records requests.
type scriptedClient struct {
	respond  func(turn int, req llm.CompletionRequest) (llm.CompletionResponse, error)
	requests []llm.CompletionRequest
}

func (s *scriptedClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.requests = append(s.requests, req)
	return s.respond(len(s.requests), req)
}

func (s *scriptedClient) GetModelName() string { return "scripted" }

func readOnlyProvider(t *testing.T, dir string) *tools.ToolProvider {
	t.Helper()
	return tools.NewProvider(tools.AgentContext{WorkDir: dir},
		[]string{tools.ToolReadFile, tools.ToolWriteFile, tools.ToolReport})
}

func toolCall(id, name string, args map[string]any) llm.CompletionResponse {
	return llm.CompletionResponse{ToolCalls: []llm.ToolCall{{ID: id, Name: name, Parameters: args}}}
}

func TestLoopTerminatesAtTurnCapWhenModelAlwaysCallsTools(t *testing.T) {
	client := &scriptedClient{respond: func(turn int, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return toolCall(fmt.Sprintf("c%d", turn), tools.ToolReadFile, map[string]any{"path": "nope.txt"}), nil
	}}

	out := New(client, nil).Run(context.Background(), &Config{
		InitialPrompt: "go",
		ToolProvider:  readOnlyProvider(t, t.TempDir()),
		MaxIterations: 1000,
	})

	assert.Equal(t, OutcomeIterationLimit, out.Kind)
	assert.Equal(t, config.MaxTurns, out.Iterations)
	assert.Len(t, client.requests, config.MaxTurns)
	assert.Equal(t, config.MaxTurns, out.ToolErrors)
	assert.False(t, out.Usable())
}

func TestToolErrorIsFedBackAndLoopContinues(t *testing.T) {
	client := &scriptedClient{respond: func(turn int, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		if turn == 1 {
			return toolCall("c1", tools.ToolReadFile, map[string]any{"file_path": "missing.ts"}), nil
		}
		return llm.CompletionResponse{Content: "The file does not exist."}, nil
	}}

	out := New(client, nil).Run(context.Background(), &Config{
		InitialPrompt: "look at missing.ts",
		ToolProvider:  readOnlyProvider(t, t.TempDir()),
	})

	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, "The file does not exist.", out.Content)
	require.Len(t, client.requests, 2)

	second := client.requests[1].Messages
	last := second[len(second)-1]
	require.Len(t, last.ToolResults, 1)
	assert.True(t, last.ToolResults[0].IsError)
	assert.Equal(t, "c1", last.ToolResults[0].ToolCallID)
	assert.Equal(t, "file not found or not readable: missing.ts", last.ToolResults[0].Content)
}

func TestReportToolEndsLoop(t *testing.T) {
	client := &scriptedClient{respond: func(int, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return toolCall("r1", tools.ToolReport, map[string]any{
			"summary":         "Root cause found",
			"recommendations": []any{"Add nil check"},
		}), nil
	}}

	out := New(client, nil).Run(context.Background(), &Config{InitialPrompt: "go", ToolProvider: readOnlyProvider(t, t.TempDir())})
	require.Equal(t, OutcomeReported, out.Kind)
	require.NotNil(t, out.Report)
	assert.Equal(t, "Root cause found", out.Report.Summary)
	assert.Equal(t, 1, out.Iterations)
}

func TestMutationsRecordedInOrder(t *testing.T) {
	dir := t.TempDir()
	client := &scriptedClient{respond: func(turn int, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		if turn == 1 {
			return llm.CompletionResponse{ToolCalls: []llm.ToolCall{
				{ID: "w1", Name: tools.ToolWriteFile, Parameters: map[string]any{"path": "a.txt", "content": "A"}},
				{ID: "w2", Name: tools.ToolWriteFile, Parameters: map[string]any{"path": "b.txt", "content": "B"}},
			}}, nil
		}
		return llm.CompletionResponse{Content: "done"}, nil
	}}

	var events []ToolEvent
	out := New(client, nil).Run(context.Background(), &Config{
		InitialPrompt: "write",
		ToolProvider:  readOnlyProvider(t, dir),
		OnToolCall:    func(_ context.Context, ev ToolEvent) { events = append(events, ev) },
	})

	require.Equal(t, OutcomeCompleted, out.Kind)
	require.Len(t, out.Mutations, 2)
	assert.Equal(t, "a.txt", out.Mutations[0].Path)
	assert.Equal(t, "b.txt", out.Mutations[1].Path)
	require.Len(t, events, 2)
	assert.Equal(t, "w1", events[0].Call.ID)

	data, err := os.ReadFile(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "B", string(data))
}

func TestCancellationCheckedBeforeEachCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &scriptedClient{respond: func(turn int, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		if turn == 2 {
			cancel()
		}
		return toolCall(fmt.Sprintf("c%d", turn), tools.ToolReadFile, map[string]any{"path": "x"}), nil
	}}

	out := New(client, nil).Run(ctx, &Config{InitialPrompt: "go", ToolProvider: readOnlyProvider(t, t.TempDir())})
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.ErrorIs(t, out.Err, ErrCancelled)
	assert.Len(t, client.requests, 2)
}

func TestCancelledBeforeStartMakesNoCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &scriptedClient{respond: func(int, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: "x"}, nil
	}}
	out := New(client, nil).Run(ctx, &Config{InitialPrompt: "go", ToolProvider: readOnlyProvider(t, t.TempDir())})
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Empty(t, client.requests)
}

func TestLLMErrorAbortsRun(t *testing.T) {
	outage := llmerrors.NewError(llmerrors.ErrorTypeServiceUnavailable, "down")
	client := &scriptedClient{respond: func(int, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, outage
	}}
	out := New(client, nil).Run(context.Background(), &Config{InitialPrompt: "go", ToolProvider: readOnlyProvider(t, t.TempDir())})
	assert.Equal(t, OutcomeLLMError, out.Kind)
	assert.True(t, errors.Is(out.Err, outage))
}

func TestUnknownToolReportedAsError(t *testing.T) {
	client := &scriptedClient{respond: func(turn int, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		if turn == 1 {
			return toolCall("x1", "delete_everything", nil), nil
		}
		return llm.CompletionResponse{Content: "ok"}, nil
	}}
	out := New(client, nil).Run(context.Background(), &Config{InitialPrompt: "go", ToolProvider: readOnlyProvider(t, t.TempDir())})
	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, 1, out.ToolErrors)
	msgs := client.requests[1].Messages
	assert.Contains(t, msgs[len(msgs)-1].ToolResults[0].Content, "not allowed")
}

func TestSystemPromptAndToolsSent(t *testing.T) {
	client := &scriptedClient{respond: func(int, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: "ok"}, nil
	}}
	New(client, nil).Run(context.Background(), &Config{
		SystemPrompt:  "you fix bugs",
		InitialPrompt: "go",
		ToolProvider:  readOnlyProvider(t, t.TempDir()),
	})
	req := client.requests[0]
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Len(t, req.Tools, 3)
}
