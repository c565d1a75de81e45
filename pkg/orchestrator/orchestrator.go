// Package orchestrator owns the issue and job lifecycle: intake, classification,
// dispatch, execution bookkeeping, cancellation and the completion callback.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"foreman/pkg/classifier"
	"foreman/pkg/config"
	"foreman/pkg/dispatch"
	"foreman/pkg/events"
	"foreman/pkg/executor"
	"foreman/pkg/logx"
	"foreman/pkg/persistence"
	"foreman/pkg/webhook"
)

const (
	// StatusLogLimit is how many recent log lines GetIssueStatus returns.
	StatusLogLimit = 50

	// MetadataResubmittedFrom links a resubmitted issue to the issue it copies.
	MetadataResubmittedFrom = "resubmitted_from"

	reconcileBatch = 500
)

var (
	// ErrDisabled is returned by intake when orchestrator.enabled is false.
	ErrDisabled = errors.New("orchestrator is disabled")
	// ErrTerminal is returned when cancelling a job that already finished.
	ErrTerminal = persistence.ErrTerminal
	// ErrNotFound is returned for issues and jobs that do not exist in the caller's org.
	ErrNotFound = persistence.ErrNotFound
	// ErrNotResubmittable is returned when resubmitting an issue that is not failed or cancelled.
	ErrNotResubmittable = errors.New("only failed or cancelled issues can be resubmitted")
	// ErrJobFailed wraps the executor error of a job that ended failed or cancelled.
	ErrJobFailed = errors.New("job did not complete")
)

// Classifier routes an issue. It never fails.
type Classifier interface {
	Classify(ctx context.Context, issue *persistence.Issue) classifier.Result
}

// Executor runs one claimed job.
type Executor interface {
	Execute(ctx context.Context, job *persistence.Job) (*executor.JobResult, error)
}

// Notifier delivers completion callbacks.
type Notifier interface {
	Send(ctx context.Context, url string, p webhook.Payload) error
}

// Metrics receives job counters. *metrics.Recorder implements it.
type Metrics interface {
	JobSubmitted(agentType, tier string)
	JobFinished(agentType, tier, status string, d time.Duration, turns, tokens int)
}

type nopMetrics struct{}

func (nopMetrics) JobSubmitted(string, string)                                 {}
func (nopMetrics) JobFinished(string, string, string, time.Duration, int, int) {}

// Options configures an Orchestrator. A nil Queue runs jobs inline.
// StaleAfter is the grace past a job's own timeout before Reconcile
// presumes its worker dead.
type Options struct {
	Enabled     bool
	MaxAttempts int
	MaxTurns    int
	StaleAfter  time.Duration
	BaseURL     string
	Tiers       map[string]config.TierSpec
	Queue       dispatch.Queue
	Publisher   events.Publisher
	Notifier    Notifier
	Metrics     Metrics
}

// IssueInput is the caller-supplied content of a new issue.
type IssueInput struct {
	Type        persistence.IssueType
	Title       string
	Description string
	Priority    persistence.IssuePriority
	Source      persistence.IssueSource
	Context     persistence.IssueContext
	ExternalID  string
	CallbackURL string
}

// Submission is returned by intake.
type Submission struct {
	IssueID     string                  `json:"id"`
	JobID       string                  `json:"job_id"`
	Status      persistence.IssueStatus `json:"status"`
	TrackingRef string                  `json:"tracking_url"`
}

// IssueStatus is the read model of one issue.
type IssueStatus struct {
	Issue     *persistence.Issue     `json:"issue"`
	Job       *persistence.Job       `json:"job,omitempty"`
	Logs      []persistence.JobLog   `json:"logs,omitempty"`
	Artifacts []persistence.Artifact `json:"artifacts,omitempty"`
	Result    *executor.JobResult    `json:"result,omitempty"`
}

// Orchestrator coordinates the store, classifier, queue and executor.
type Orchestrator struct {
	store      persistence.Store
	classifier Classifier
	executor   Executor
	opts       Options
	logger     *logx.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc

	// Inline jobs run under root and are tracked by wg.
	root       context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an orchestrator.
func New(store persistence.Store, cls Classifier, exec Executor, opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = config.DefaultMaxAttempts
	}
	if opts.MaxTurns <= 0 || opts.MaxTurns > config.MaxTurns {
		opts.MaxTurns = config.MaxTurns
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	root, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      store,
		classifier: cls,
		executor:   exec,
		opts:       opts,
		logger:     logx.NewLogger("orchestrator"),
		running:    make(map[string]context.CancelFunc),
		root:       root,
		rootCancel: cancel,
	}
}

// SubmitIssue persists, classifies and dispatches a new issue.
func (o *Orchestrator) SubmitIssue(ctx context.Context, in IssueInput, orgID, userID string) (*Submission, error) {
	if !o.opts.Enabled {
		return nil, ErrDisabled
	}
	if in.Priority == "" {
		in.Priority = persistence.PriorityMedium
	}
	if in.Source == "" {
		in.Source = persistence.SourceManual
	}

	issue := &persistence.Issue{
		OrgID:       orgID,
		CreatedBy:   userID,
		Source:      in.Source,
		Type:        in.Type,
		Priority:    in.Priority,
		Title:       in.Title,
		Description: in.Description,
		Context:     in.Context,
		ExternalID:  in.ExternalID,
		CallbackURL: in.CallbackURL,
		Status:      persistence.IssueStatusPending,
	}
	if err := o.store.CreateIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	return o.dispatchIssue(ctx, issue)
}

// ResubmitIssue copies a failed or cancelled issue into a new one and dispatches it.
// The original issue is left untouched.
func (o *Orchestrator) ResubmitIssue(ctx context.Context, issueID, orgID, userID string) (*Submission, error) {
	if !o.opts.Enabled {
		return nil, ErrDisabled
	}
	old, err := o.store.GetIssue(ctx, orgID, issueID)
	if err != nil {
		return nil, err
	}
	if old.Status != persistence.IssueStatusFailed && old.Status != persistence.IssueStatusCancelled {
		return nil, fmt.Errorf("issue %s is %s: %w", issueID, old.Status, ErrNotResubmittable)
	}

	meta := make(map[string]any, len(old.Context.Metadata)+1)
	for k, v := range old.Context.Metadata {
		meta[k] = v
	}
	meta[MetadataResubmittedFrom] = old.ID
	issueCtx := old.Context
	issueCtx.Metadata = meta
	issueCtx.Files = append([]string(nil), old.Context.Files...)

	return o.SubmitIssue(ctx, IssueInput{
		Type:        old.Type,
		Title:       old.Title,
		Description: old.Description,
		Priority:    old.Priority,
		Source:      old.Source,
		Context:     issueCtx,
		ExternalID:  old.ExternalID,
		CallbackURL: old.CallbackURL,
	}, orgID, userID)
}

func (o *Orchestrator) dispatchIssue(ctx context.Context, issue *persistence.Issue) (*Submission, error) {
	routing := o.classifier.Classify(ctx, issue)
	tier := routing.SuggestedModel
	if !config.IsValidTier(tier) {
		tier = config.TierForComplexity(routing.Complexity)
	}
	spec := o.opts.Tiers[tier]

	job := &persistence.Job{
		IssueID:     issue.ID,
		OrgID:       issue.OrgID,
		AgentType:   routing.SuggestedAgent,
		ModelTier:   tier,
		Priority:    issue.Priority.QueuePriority(),
		MaxAttempts: o.opts.MaxAttempts,
		Config: persistence.JobConfig{
			TimeoutSeconds: int(spec.Timeout.Seconds()) * o.opts.MaxTurns,
			MaxTokens:      spec.MaxTokens,
		},
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job for issue %s: %w", issue.ID, err)
	}
	o.opts.Metrics.JobSubmitted(job.AgentType, job.ModelTier)
	o.jobLog(ctx, job.ID, persistence.LogInfo,
		fmt.Sprintf("classified as %s/%s for agent %s (%s, confidence %.2f)",
			routing.IssueType, routing.Module, routing.SuggestedAgent, routing.Source, routing.Confidence),
		persistence.JSONMap{
			"complexity": routing.Complexity,
			"tier":       tier,
			"reasoning":  routing.Reasoning,
			"source":     routing.Source,
		})
	o.logger.Info("issue %s -> job %s (agent %s, tier %s, priority %d)",
		issue.ID, job.ID, job.AgentType, job.ModelTier, job.Priority)

	status := persistence.IssueStatusPending
	if o.opts.Queue != nil {
		if err := o.enqueue(ctx, job); err != nil {
			o.failUnstarted(ctx, job, issue, err)
			return nil, err
		}
		status = persistence.IssueStatusQueued
	} else {
		o.runInline(job)
	}

	return &Submission{
		IssueID:     issue.ID,
		JobID:       job.ID,
		Status:      status,
		TrackingRef: o.trackingURL(issue.ID),
	}, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, job *persistence.Job) error {
	err := o.opts.Queue.Enqueue(ctx, dispatch.Message{
		JobID:      job.ID,
		OrgID:      job.OrgID,
		Priority:   job.Priority,
		EnqueuedAt: job.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	if err := o.store.UpdateIssueStatus(ctx, job.OrgID, job.IssueID, persistence.IssueStatusQueued); err != nil &&
		!errors.Is(err, persistence.ErrTerminal) {
		o.logger.Warn("job %s: failed to mark issue queued: %v", job.ID, err)
	}
	o.publish(events.JobQueued, job, map[string]any{
		"issue_id":   job.IssueID,
		"agent_type": job.AgentType,
		"model_tier": job.ModelTier,
		"priority":   job.Priority,
	})
	return nil
}

// failUnstarted closes out a job that could not be dispatched.
func (o *Orchestrator) failUnstarted(ctx context.Context, job *persistence.Job, issue *persistence.Issue, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := o.store.FinishJob(ctx, job.OrgID, job.ID, persistence.JobStatusFailed, nil, cause.Error()); err != nil {
		o.logger.Error("job %s: failed to record dispatch failure: %v", job.ID, err)
	}
	if err := o.store.UpdateIssueStatus(ctx, issue.OrgID, issue.ID, persistence.IssueStatusFailed); err != nil {
		o.logger.Error("issue %s: failed to mark failed: %v", issue.ID, err)
	}
}

func (o *Orchestrator) runInline(job *persistence.Job) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.RunJob(o.root, job.ID, job.OrgID); err != nil {
			o.logger.Debug("inline job %s: %v", job.ID, err)
		}
	}()
}

// CancelJob signals a running job and marks the job and its issue cancelled.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID, orgID string) error {
	job, err := o.store.GetJob(ctx, orgID, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrTerminal)
	}

	// Record first so a run that finishes concurrently loses the race to the store.
	finished, err := o.store.FinishJob(ctx, orgID, jobID, persistence.JobStatusCancelled, nil, "cancelled by user")
	if err != nil {
		return err
	}
	signalled := o.signal(jobID)
	o.logger.Info("job %s cancelled (running here: %v)", jobID, signalled)
	o.markIssue(ctx, finished, persistence.IssueStatusCancelled)
	o.jobLog(ctx, jobID, persistence.LogWarn, "job cancelled", nil)
	o.complete(ctx, finished, nil, 0)
	return nil
}

// GetIssueStatus returns the issue with its latest job, recent logs and artifacts.
// It returns nil, nil when the issue does not exist in orgID.
func (o *Orchestrator) GetIssueStatus(ctx context.Context, issueID, orgID string) (*IssueStatus, error) {
	issue, err := o.store.GetIssue(ctx, orgID, issueID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	status := &IssueStatus{Issue: issue}
	job, err := o.store.LatestJobForIssue(ctx, orgID, issueID)
	if errors.Is(err, persistence.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	status.Job = job

	if status.Logs, err = o.store.ListLogs(ctx, job.ID, StatusLogLimit); err != nil {
		return nil, err
	}
	if status.Artifacts, err = o.store.ListArtifacts(ctx, job.ID); err != nil {
		return nil, err
	}
	if len(job.Result) > 0 {
		var result executor.JobResult
		if err := json.Unmarshal(job.Result, &result); err == nil {
			status.Result = &result
		}
	}
	return status, nil
}

// RunJob claims a pending job, executes it and records the outcome. Workers
// and inline mode both call it. A job that ends failed or cancelled returns
// an error wrapping ErrJobFailed.
func (o *Orchestrator) RunJob(ctx context.Context, jobID, orgID string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.register(jobID, cancel)
	defer o.unregister(jobID)

	// Step 1: pending -> running
	job, err := o.store.ClaimJob(ctx, orgID, jobID)
	if errors.Is(err, persistence.ErrAttemptsExhausted) {
		o.logger.Warn("job %s exhausted %d attempts", jobID, job.MaxAttempts)
		finished, ferr := o.store.FinishJob(context.WithoutCancel(ctx), orgID, jobID, persistence.JobStatusFailed, nil, err.Error())
		if ferr == nil {
			o.markIssue(ctx, finished, persistence.IssueStatusFailed)
			o.complete(ctx, finished, nil, 0)
		}
		return err
	}
	if err != nil {
		return err
	}

	// Step 2: execute
	o.markIssue(ctx, job, persistence.IssueStatusProcessing)
	o.publish(events.JobStarted, job, map[string]any{"attempt": job.Attempts + 1, "agent_type": job.AgentType})
	o.jobLog(ctx, job.ID, persistence.LogInfo, fmt.Sprintf("job started (attempt %d of %d)", job.Attempts+1, job.MaxAttempts), nil)

	started := time.Now()
	result, execErr := o.executor.Execute(runCtx, job)
	elapsed := time.Since(started)

	if execErr != nil && ctx.Err() != nil {
		// Shutdown, not a user cancel: hand the job back for another worker.
		o.logger.Warn("job %s interrupted by shutdown", job.ID)
		if _, err := o.store.ReleaseJob(context.WithoutCancel(ctx), orgID, job.ID); err != nil {
			o.logger.Warn("job %s not released: %v", job.ID, err)
		} else {
			o.jobLog(context.WithoutCancel(ctx), job.ID, persistence.LogWarn, "job interrupted by shutdown, returned to pending", nil)
		}
		return fmt.Errorf("job %s interrupted: %w", job.ID, ctx.Err())
	}

	// Step 3: record the terminal state
	status := persistence.JobStatusCompleted
	issueStatus := persistence.IssueStatusCompleted
	var payload json.RawMessage
	errText := ""
	switch {
	case execErr == nil:
		if payload, err = json.Marshal(result); err != nil {
			execErr = fmt.Errorf("failed to encode result: %w", err)
			status, issueStatus, errText = persistence.JobStatusFailed, persistence.IssueStatusFailed, execErr.Error()
		}
	case errors.Is(execErr, executor.ErrCancelled):
		status, issueStatus, errText = persistence.JobStatusCancelled, persistence.IssueStatusCancelled, execErr.Error()
	default:
		status, issueStatus, errText = persistence.JobStatusFailed, persistence.IssueStatusFailed, execErr.Error()
	}

	bg := context.WithoutCancel(ctx)
	finished, err := o.store.FinishJob(bg, orgID, job.ID, status, payload, errText)
	if errors.Is(err, persistence.ErrTerminal) {
		// CancelJob got there first and already published.
		o.logger.Info("job %s already %s", job.ID, finished.Status)
		return fmt.Errorf("%w: %w", ErrJobFailed, err)
	}
	if err != nil {
		return fmt.Errorf("failed to finish job %s: %w", job.ID, err)
	}
	o.markIssue(bg, finished, issueStatus)

	if execErr != nil {
		o.jobLog(bg, job.ID, persistence.LogError, "job "+string(status)+": "+errText, nil)
	} else {
		o.jobLog(bg, job.ID, persistence.LogInfo,
			fmt.Sprintf("job completed: %s after %d turns", result.Outcome, result.Turns), nil)
	}

	// Step 4: events, metrics and callback
	o.complete(bg, finished, result, elapsed)
	if execErr != nil {
		return fmt.Errorf("%w: %w", ErrJobFailed, execErr)
	}
	return nil
}

// HandleMessage adapts RunJob to a dispatch.Handler. Outcomes that leave the
// job terminal ack the message; a vanished job is dead-lettered; anything
// else is redelivered.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg dispatch.Message) error {
	err := o.RunJob(ctx, msg.JobID, msg.OrgID)
	switch {
	case err == nil,
		errors.Is(err, ErrJobFailed),
		errors.Is(err, persistence.ErrNotClaimable),
		errors.Is(err, persistence.ErrAttemptsExhausted):
		return nil
	case errors.Is(err, persistence.ErrNotFound):
		return dispatch.Permanent(err)
	default:
		return err
	}
}

// Reconcile returns stale running jobs to pending and re-dispatches every
// pending job. A running job is stale once it has run past its own timeout
// plus StaleAfter, so jobs live in another process are left alone. Duplicate
// queue messages are harmless because only one ClaimJob can win.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	reset, err := o.store.ResetStaleJobs(ctx, o.opts.StaleAfter)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	pending, err := o.store.ListJobsByStatus(ctx, "", persistence.JobStatusPending, reconcileBatch)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	for i := range pending {
		job := &pending[i]
		if o.opts.Queue != nil {
			if err := o.enqueue(ctx, job); err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			continue
		}
		o.runInline(job)
	}
	o.logger.Info("reconciled: %d stale jobs reset, %d pending jobs dispatched", reset, len(pending))
	return nil
}

// Shutdown cancels inline jobs and waits for them until ctx ends. Interrupted
// inline jobs are released to pending and picked up by the next Reconcile.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.rootCancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the ids of jobs executing in this process.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) register(jobID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.running[jobID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(jobID string) {
	o.mu.Lock()
	delete(o.running, jobID)
	o.mu.Unlock()
}

func (o *Orchestrator) signal(jobID string) bool {
	o.mu.Lock()
	cancel, ok := o.running[jobID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) markIssue(ctx context.Context, job *persistence.Job, status persistence.IssueStatus) {
	err := o.store.UpdateIssueStatus(ctx, job.OrgID, job.IssueID, status)
	if err != nil && !errors.Is(err, persistence.ErrTerminal) {
		o.logger.Warn("issue %s: failed to set %s: %v", job.IssueID, status, err)
	}
}

// complete publishes the terminal event, records metrics and fires the callback.
func (o *Orchestrator) complete(ctx context.Context, job *persistence.Job, result *executor.JobResult, elapsed time.Duration) {
	data := map[string]any{"issue_id": job.IssueID, "attempts": job.Attempts}
	var turns, tokens int
	eventType := events.JobFailed
	switch job.Status {
	case persistence.JobStatusCompleted:
		eventType = events.JobCompleted
	case persistence.JobStatusCancelled:
		eventType = events.JobCancelled
	}
	if result != nil {
		turns, tokens = result.Turns, result.TokensUsed
		data["outcome"] = result.Outcome
		data["turns"] = result.Turns
		data["artifacts"] = len(result.Artifacts)
	}
	if job.Error != "" {
		data["error"] = job.Error
	}
	o.publish(eventType, job, data)
	o.opts.Metrics.JobFinished(job.AgentType, job.ModelTier, string(job.Status), elapsed, turns, tokens)

	o.notify(ctx, job, result, elapsed)
}

func (o *Orchestrator) notify(ctx context.Context, job *persistence.Job, result *executor.JobResult, elapsed time.Duration) {
	if o.opts.Notifier == nil {
		return
	}
	issue, err := o.store.GetIssue(ctx, job.OrgID, job.IssueID)
	if err != nil {
		o.logger.Warn("job %s: cannot load issue for callback: %v", job.ID, err)
		return
	}
	if issue.CallbackURL == "" {
		return
	}

	invocation := issue.ExternalID
	if invocation == "" {
		invocation = issue.ID
	}
	completedAt := time.Now().UTC()
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}
	p := webhook.Payload{
		InvocationID: invocation,
		Status:       string(job.Status),
		DurationMS:   elapsed.Milliseconds(),
		Error:        job.Error,
		CompletedAt:  completedAt,
	}
	if result != nil {
		p.Output = result
		p.TokenUsage = result.TokensUsed
	}
	if err := o.opts.Notifier.Send(ctx, issue.CallbackURL, p); err != nil {
		o.logger.Error("job %s: callback failed: %v", job.ID, err)
		o.jobLog(ctx, job.ID, persistence.LogWarn, "completion callback failed: "+err.Error(), nil)
	}
}

func (o *Orchestrator) publish(eventType string, job *persistence.Job, data map[string]any) {
	o.opts.Publisher.Publish(events.Event{
		Type:  eventType,
		OrgID: job.OrgID,
		JobID: job.ID,
		Data:  data,
	})
}

func (o *Orchestrator) jobLog(ctx context.Context, jobID string, level persistence.LogLevel, msg string, data persistence.JSONMap) {
	entry := &persistence.JobLog{JobID: jobID, Level: level, Message: msg, Data: data}
	if err := o.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Warn("job %s: failed to append log: %v", jobID, err)
	}
}

func (o *Orchestrator) trackingURL(issueID string) string {
	return o.opts.BaseURL + "/issues/" + issueID
}
