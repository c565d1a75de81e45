package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/agent/llm"
	"foreman/pkg/agent/llmerrors"
	"foreman/pkg/catalog"
	"foreman/pkg/config"
	"foreman/pkg/events"
	"foreman/pkg/persistence"
	"foreman/pkg/tools"
)

type scriptedClient struct {
	mu       sync.Mutex
	respond  func(turn int, req llm.CompletionRequest) (llm.CompletionResponse, error)
	requests []llm.CompletionRequest
}

func (s *scriptedClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	n := len(s.requests)
	s.mu.Unlock()
	return s.respond(n, req)
}

func (s *scriptedClient) GetModelName() string { return "scripted" }

type clientSource struct{ client llm.LLMClient }

func (c clientSource) ForTier(string) (llm.LLMClient, error) { return c.client, nil }
func (c clientSource) MaxTokens(string) int                  { return 1024 }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store *persistence.SQLStore
	job   *persistence.Job
	pub   *recordingPublisher
	cat   *catalog.Catalog
	root  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.Open(ctx, persistence.DriverSQLite, filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	store := persistence.NewSQLStore(db)
	t.Cleanup(func() { _ = store.Close() })

	issue := &persistence.Issue{
		OrgID:       "org-1",
		Type:        persistence.IssueTypeBug,
		Priority:    persistence.PriorityHigh,
		Title:       "Checkout crashes",
		Description: "Null pointer in cart total",
		Context:     persistence.IssueContext{Files: []string{"cart.ts"}, ErrorText: "TypeError: x is undefined"},
	}
	require.NoError(t, store.CreateIssue(ctx, issue))
	job := &persistence.Job{
		IssueID:     issue.ID,
		OrgID:       issue.OrgID,
		AgentType:   "fixer",
		ModelTier:   config.TierStandard,
		Priority:    3,
		MaxAttempts: 3,
	}
	require.NoError(t, store.CreateJob(ctx, job))

	cat := catalog.New(nil)
	require.NoError(t, cat.Put(catalog.Agent{
		Name:         "fixer",
		SystemPrompt: "You fix bugs.",
		Tools:        []string{tools.ToolReadFile, tools.ToolWriteFile, tools.ToolReport},
	}))
	return &fixture{store: store, job: job, pub: &recordingPublisher{}, cat: cat, root: t.TempDir()}
}

func (f *fixture) executor(client llm.LLMClient) *Executor {
	return New(f.store, f.cat, clientSource{client}, WithPublisher(f.pub), WithWorkspaceRoot(f.root))
}

func TestExecuteReportWithMutation(t *testing.T) {
	f := newFixture(t)
	client := &scriptedClient{respond: func(turn int, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		switch turn {
		case 1:
			return llm.CompletionResponse{ToolCalls: []llm.ToolCall{{
				ID: "w1", Name: tools.ToolWriteFile, Parameters: map[string]any{"path": "cart.ts", "content": "fixed"},
			}}, Usage: llm.Usage{InputTokens: 100, OutputTokens: 20}}, nil
		default:
			return llm.CompletionResponse{ToolCalls: []llm.ToolCall{{
				ID: "r1", Name: tools.ToolReport, Parameters: map[string]any{
					"summary":         "Guarded the cart total.",
					"recommendations": []any{"Add a unit test for empty carts", "Add a unit test for empty carts"},
				},
			}}, Usage: llm.Usage{InputTokens: 150, OutputTokens: 30}}, nil
		}
	}}

	res, err := f.executor(client).Execute(context.Background(), f.job)
	require.NoError(t, err)
	assert.Equal(t, "reported", res.Outcome)
	assert.Equal(t, "Guarded the cart total.", res.Summary)
	assert.Equal(t, []string{"Add a unit test for empty carts"}, res.Recommendations)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, 2, res.ToolCalls)
	assert.Equal(t, 300, res.TokensUsed)

	artifacts, err := f.store.ListArtifacts(context.Background(), f.job.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 3)
	types := map[persistence.ArtifactType]int{}
	for _, a := range artifacts {
		types[a.Type]++
	}
	assert.Equal(t, 1, types[persistence.ArtifactCodeChange])
	assert.Equal(t, 1, types[persistence.ArtifactAnalysis])
	assert.Equal(t, 1, types[persistence.ArtifactRecommendation])
	assert.Len(t, res.Artifacts, 3)

	logs, err := f.store.ListLogs(context.Background(), f.job.ID, 50)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(logs), 5)
	assert.Contains(t, f.pub.types(), events.JobToolCall)
	assert.Contains(t, f.pub.types(), events.JobProgress)

	first := client.requests[0]
	assert.Contains(t, first.Messages[0].Content, "You fix bugs.")
	assert.Contains(t, first.Messages[1].Content, "cart.ts")
	assert.Contains(t, first.Messages[1].Content, "TypeError")
}

func TestExecuteMissingFileContinues(t *testing.T) {
	f := newFixture(t)
	client := &scriptedClient{respond: func(turn int, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		if turn == 1 {
			return llm.CompletionResponse{ToolCalls: []llm.ToolCall{{
				ID: "c1", Name: tools.ToolReadFile, Parameters: map[string]any{"file_path": "missing.ts"},
			}}}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		if len(last.ToolResults) == 1 && last.ToolResults[0].IsError {
			return llm.CompletionResponse{Content: "Saw error: " + last.ToolResults[0].Content + ". You should add the file."}, nil
		}
		return llm.CompletionResponse{}, errors.New("expected an error tool result")
	}}

	res, err := f.executor(client).Execute(context.Background(), f.job)
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Outcome)
	assert.Contains(t, res.Summary, "file not found or not readable: missing.ts")
	assert.Equal(t, []string{"You should add the file."}, res.Recommendations)

	logs, err := f.store.ListLogs(context.Background(), f.job.ID, 50)
	require.NoError(t, err)
	var sawToolError bool
	for _, l := range logs {
		if l.Level == persistence.LogWarn && l.Message == "tool read_file" {
			sawToolError = true
			assert.Equal(t, true, l.Data["is_error"])
		}
	}
	assert.True(t, sawToolError)
}

func TestExecuteIterationLimit(t *testing.T) {
	t.Run("with text", func(t *testing.T) {
		f := newFixture(t)
		client := &scriptedClient{respond: func(turn int, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{
				Content:   fmt.Sprintf("still looking (%d)", turn),
				ToolCalls: []llm.ToolCall{{ID: fmt.Sprint(turn), Name: tools.ToolReadFile, Parameters: map[string]any{"path": "x"}}},
			}, nil
		}}
		res, err := f.executor(client).Execute(context.Background(), f.job)
		require.NoError(t, err)
		assert.Equal(t, "iteration_limit", res.Outcome)
		assert.Equal(t, config.MaxTurns, res.Turns)
		assert.Equal(t, "still looking (20)", res.Summary)
	})

	t.Run("without text", func(t *testing.T) {
		f := newFixture(t)
		client := &scriptedClient{respond: func(turn int, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{
				ToolCalls: []llm.ToolCall{{ID: fmt.Sprint(turn), Name: tools.ToolReadFile, Parameters: map[string]any{"path": "x"}}},
			}, nil
		}}
		_, err := f.executor(client).Execute(context.Background(), f.job)
		assert.ErrorIs(t, err, ErrNoUsableResult)
		assert.Len(t, client.requests, config.MaxTurns)
	})
}

func TestExecuteCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &scriptedClient{respond: func(int, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: "x"}, nil
	}}
	_, err := f.executor(client).Execute(ctx, f.job)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, client.requests)
}

func TestExecuteLLMFailure(t *testing.T) {
	f := newFixture(t)
	client := &scriptedClient{respond: func(int, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeServiceUnavailable, "provider down")
	}}
	_, err := f.executor(client).Execute(context.Background(), f.job)
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeServiceUnavailable))
}

func TestExecuteFailureKeepsWorkspaceChanges(t *testing.T) {
	f := newFixture(t)
	client := &scriptedClient{respond: func(turn int, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		if turn == 1 {
			return llm.CompletionResponse{ToolCalls: []llm.ToolCall{{
				ID: "w1", Name: tools.ToolWriteFile, Parameters: map[string]any{"path": "cart.ts", "content": "half done"},
			}}}, nil
		}
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeServiceUnavailable, "provider down")
	}}

	_, err := f.executor(client).Execute(context.Background(), f.job)
	require.Error(t, err)

	artifacts, err := f.store.ListArtifacts(context.Background(), f.job.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, persistence.ArtifactCodeChange, artifacts[0].Type)
	assert.Equal(t, "cart.ts", artifacts[0].FilePath)
	assert.Equal(t, "half done", artifacts[0].Content)
}

func TestJobResultJSON(t *testing.T) {
	b, err := json.Marshal(JobResult{Summary: "s", Outcome: "completed"})
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), `"outcome":"completed"`))
}

func TestExtractRecommendations(t *testing.T) {
	text := `Fixed the bug. We recommend adding retries.
- You should pin the SDK version.
1. Next step: monitor error rates!
The cache is fine. You should pin the SDK version.
It should be faster. Consider sharding, it should help. Teams should review. Recommendation: document it.`

	got := ExtractRecommendations(text)
	assert.Equal(t, []string{
		"We recommend adding retries.",
		"You should pin the SDK version.",
		"Next step: monitor error rates!",
		"It should be faster.",
		"Consider sharding, it should help.",
	}, got)
	assert.Empty(t, ExtractRecommendations("All good."))
}

func TestSummaryTruncated(t *testing.T) {
	f := newFixture(t)
	long := strings.Repeat("é", MaxSummaryRunes+50)
	client := &scriptedClient{respond: func(int, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: long}, nil
	}}
	res, err := f.executor(client).Execute(context.Background(), f.job)
	require.NoError(t, err)
	assert.Len(t, []rune(res.Summary), MaxSummaryRunes)
}
