// Package executor runs one job: it builds the conversation for the routed
// agent, drives the bounded tool loop, and persists logs and artifacts.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"foreman/pkg/agent/llm"
	"foreman/pkg/agent/toolloop"
	"foreman/pkg/catalog"
	"foreman/pkg/config"
	"foreman/pkg/events"
	"foreman/pkg/logx"
	"foreman/pkg/persistence"
	"foreman/pkg/tools"
	"foreman/pkg/utils"
)

// MaxSummaryRunes bounds the stored job summary.
const MaxSummaryRunes = 2000

const logPreviewRunes = 500

var (
	// ErrCancelled is returned when the job observed its cancellation signal.
	ErrCancelled = toolloop.ErrCancelled
	// ErrNoUsableResult is returned when the model produced no text or report.
	ErrNoUsableResult = toolloop.ErrNoUsableResult
	// ErrTimeout is returned when the job exceeded its configured timeout.
	ErrTimeout = errors.New("job timed out")
)

// Store is the persistence the executor needs.
type Store interface {
	GetIssue(ctx context.Context, orgID, id string) (*persistence.Issue, error)
	AppendLog(ctx context.Context, entry *persistence.JobLog) error
	CreateArtifact(ctx context.Context, artifact *persistence.Artifact) error
}

// Resolver returns agent definitions with overrides applied.
type Resolver interface {
	Resolve(ctx context.Context, orgID, agentType string) (*catalog.Resolved, error)
}

// ClientSource provides completion clients per model tier.
type ClientSource interface {
	ForTier(tier string) (llm.LLMClient, error)
	MaxTokens(tier string) int
}

// JobResult is the structured result stored on a completed job.
type JobResult struct {
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
	Outcome         string   `json:"outcome"`
	Turns           int      `json:"turns"`
	ToolCalls       int      `json:"tool_calls"`
	TokensUsed      int      `json:"tokens_used"`
	Artifacts       []string `json:"artifacts"`
}

// Executor runs jobs.
type Executor struct {
	store         Store
	resolver      Resolver
	clients       ClientSource
	publisher     events.Publisher
	workspaceRoot string
	maxTurns      int
	logger        *logx.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// WithWorkspaceRoot sets the directory job workspaces are created under.
func WithWorkspaceRoot(dir string) Option {
	return func(e *Executor) { e.workspaceRoot = dir }
}

// WithMaxTurns lowers the turn cap. Values above config.MaxTurns are ignored.
func WithMaxTurns(n int) Option {
	return func(e *Executor) {
		if n > 0 && n <= config.MaxTurns {
			e.maxTurns = n
		}
	}
}

// New creates an executor.
func New(store Store, resolver Resolver, clients ClientSource, opts ...Option) *Executor {
	e := &Executor{
		store:         store,
		resolver:      resolver,
		clients:       clients,
		publisher:     events.Nop{},
		workspaceRoot: "workspaces",
		maxTurns:      config.MaxTurns,
		logger:        logx.NewLogger("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs job to completion. Tool errors are handled inside the loop; a
// returned error is terminal for the job.
func (e *Executor) Execute(ctx context.Context, job *persistence.Job) (*JobResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w before start: %w", ErrCancelled, err)
	}
	logger := logx.NewLogger("job:" + job.ID)

	issue, err := e.store.GetIssue(ctx, job.OrgID, job.IssueID)
	if err != nil {
		return nil, fmt.Errorf("failed to load issue: %w", err)
	}
	agent, err := e.resolver.Resolve(ctx, job.OrgID, job.AgentType)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agent %s: %w", job.AgentType, err)
	}

	tier := job.ModelTier
	client, err := e.clients.ForTier(tier)
	if err != nil {
		return nil, fmt.Errorf("no client for tier %s: %w", tier, err)
	}
	maxTokens := job.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.clients.MaxTokens(tier)
	}

	workDir, err := e.prepareWorkspace(job.ID)
	if err != nil {
		return nil, err
	}
	allowed := agent.Tools
	if len(job.Config.AllowedTools) > 0 {
		allowed = job.Config.AllowedTools
	}
	provider := tools.NewProvider(tools.AgentContext{WorkDir: workDir, ReadOnly: agent.ReadOnly}, allowed)

	runCtx := llm.WithCallInfo(ctx, llm.CallInfo{Purpose: "execute", Tier: tier, OrgID: job.OrgID, JobID: job.ID})
	if job.Config.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(job.Config.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	logger.Info("executing with agent=%s tier=%s model=%s tools=%v", agent.Name, tier, client.GetModelName(), provider.Names())
	e.appendLog(ctx, job.ID, persistence.LogInfo, "execution started", persistence.JSONMap{
		"agent": agent.Name, "tier": tier, "model": client.GetModelName(), "overrides": agent.OverrideIDs,
	})

	loop := toolloop.New(client, logger)
	out := loop.Run(runCtx, &toolloop.Config{
		SystemPrompt:  systemPrompt(agent, issue),
		InitialPrompt: userPrompt(issue),
		ToolProvider:  provider,
		MaxIterations: e.maxTurns,
		MaxTokens:     maxTokens,
		Temperature:   llm.TemperatureDefault,
		OnTurn:        e.onTurn(job),
		OnToolCall:    e.onToolCall(job),
	})

	// Workspace changes are recorded whatever the outcome.
	changes, changeErr := e.persistChanges(context.WithoutCancel(ctx), job, out.Mutations)
	if changeErr != nil {
		logger.Warn("%v", changeErr)
	}

	switch out.Kind {
	case toolloop.OutcomeCancelled:
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %ds", ErrTimeout, job.Config.TimeoutSeconds)
		}
		return nil, out.Err
	case toolloop.OutcomeLLMError:
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %ds: %w", ErrTimeout, job.Config.TimeoutSeconds, out.Err)
		}
		return nil, out.Err
	}
	if !out.Usable() {
		e.appendLog(ctx, job.ID, persistence.LogError, "no usable result", persistence.JSONMap{
			"outcome": out.Kind.String(), "turns": out.Iterations,
		})
		return nil, fmt.Errorf("%w after %d turns (%s)", ErrNoUsableResult, out.Iterations, out.Kind)
	}
	if out.Kind == toolloop.OutcomeIterationLimit {
		e.appendLog(ctx, job.ID, persistence.LogWarn, "turn cap reached, using last assistant text", persistence.JSONMap{
			"turns": out.Iterations,
		})
	}

	result := &JobResult{
		Outcome:    out.Kind.String(),
		Turns:      out.Iterations,
		ToolCalls:  out.ToolCalls,
		TokensUsed: out.Usage.InputTokens + out.Usage.OutputTokens,
	}
	if out.Report != nil {
		result.Summary = utils.TruncateRunes(strings.TrimSpace(out.Report.Summary), MaxSummaryRunes)
		result.Recommendations = capRecommendations(out.Report.Recommendations)
	} else {
		result.Summary = utils.TruncateRunes(strings.TrimSpace(out.Content), MaxSummaryRunes)
		result.Recommendations = ExtractRecommendations(out.Content)
	}

	if changeErr != nil {
		return nil, changeErr
	}
	ids, err := e.persistArtifacts(ctx, job, result)
	if err != nil {
		return nil, err
	}
	result.Artifacts = append(changes, ids...)

	logger.Info("finished: outcome=%s turns=%d tool_calls=%d tokens=%d", result.Outcome, result.Turns, result.ToolCalls, result.TokensUsed)
	return result, nil
}

func (e *Executor) prepareWorkspace(jobID string) (string, error) {
	dir, err := filepath.Abs(filepath.Join(e.workspaceRoot, jobID))
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// persistChanges stores one code_change artifact per workspace mutation.
func (e *Executor) persistChanges(ctx context.Context, job *persistence.Job, mutations []tools.Mutation) ([]string, error) {
	artifacts := make([]*persistence.Artifact, 0, len(mutations))
	for i := range mutations {
		m := &mutations[i]
		artifacts = append(artifacts, &persistence.Artifact{
			JobID:    job.ID,
			Type:     persistence.ArtifactCodeChange,
			Name:     m.Path,
			Content:  m.Content,
			FilePath: m.Path,
			Patch:    m.Patch,
		})
	}
	return e.createArtifacts(ctx, artifacts)
}

func (e *Executor) persistArtifacts(ctx context.Context, job *persistence.Job, result *JobResult) ([]string, error) {
	artifacts := []*persistence.Artifact{{
		JobID:   job.ID,
		Type:    persistence.ArtifactAnalysis,
		Name:    "summary",
		Content: result.Summary,
		Metadata: persistence.JSONMap{
			"outcome": result.Outcome,
			"turns":   result.Turns,
		},
	}}
	for i, rec := range result.Recommendations {
		artifacts = append(artifacts, &persistence.Artifact{
			JobID:    job.ID,
			Type:     persistence.ArtifactRecommendation,
			Name:     fmt.Sprintf("recommendation-%d", i+1),
			Content:  rec,
			Metadata: persistence.JSONMap{"rank": i + 1},
		})
	}
	return e.createArtifacts(ctx, artifacts)
}

func (e *Executor) createArtifacts(ctx context.Context, artifacts []*persistence.Artifact) ([]string, error) {
	ids := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if err := e.store.CreateArtifact(ctx, a); err != nil {
			return nil, fmt.Errorf("failed to persist %s artifact: %w", a.Type, err)
		}
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (e *Executor) onTurn(job *persistence.Job) func(context.Context, int, llm.CompletionResponse) {
	return func(ctx context.Context, iteration int, resp llm.CompletionResponse) {
		data := persistence.JSONMap{
			"turn":       iteration,
			"tool_calls": len(resp.ToolCalls),
			"tokens_in":  resp.Usage.InputTokens,
			"tokens_out": resp.Usage.OutputTokens,
		}
		if resp.Content != "" {
			data["text"] = utils.TruncateRunes(resp.Content, logPreviewRunes)
		}
		e.appendLog(ctx, job.ID, persistence.LogInfo, fmt.Sprintf("turn %d", iteration), data)
		e.publisher.Publish(events.Event{Type: events.JobProgress, OrgID: job.OrgID, JobID: job.ID, Data: data})
	}
}

func (e *Executor) onToolCall(job *persistence.Job) func(context.Context, toolloop.ToolEvent) {
	return func(ctx context.Context, ev toolloop.ToolEvent) {
		data := persistence.JSONMap{
			"turn":        ev.Iteration,
			"tool":        ev.Call.Name,
			"args":        utils.TruncateRunes(toolloop.ArgsJSON(ev.Call.Parameters), logPreviewRunes),
			"duration_ms": ev.Duration.Milliseconds(),
			"is_error":    ev.Err != nil,
		}
		level := persistence.LogInfo
		if ev.Err != nil {
			level = persistence.LogWarn
			data["error"] = ev.Err.Error()
		} else if ev.Result != nil {
			data["result"] = utils.TruncateRunes(ev.Result.Content, logPreviewRunes)
		}
		e.appendLog(ctx, job.ID, level, "tool "+ev.Call.Name, data)
		e.publisher.Publish(events.Event{Type: events.JobToolCall, OrgID: job.OrgID, JobID: job.ID, Data: data})
	}
}

// appendLog writes a job log entry. Failures are logged, never returned.
func (e *Executor) appendLog(ctx context.Context, jobID string, level persistence.LogLevel, msg string, data persistence.JSONMap) {
	// Logs are written even after cancellation so the trace shows the last turn.
	ctx = context.WithoutCancel(ctx)
	if err := e.store.AppendLog(ctx, &persistence.JobLog{JobID: jobID, Level: level, Message: msg, Data: data}); err != nil {
		e.logger.Warn("failed to append log for job %s: %v", jobID, err)
	}
}
