// Package persistence stores issues, jobs and the feedback pipeline over SQL (SQLite or Postgres).
//
// Every tenant-facing read and write is filtered by organization id. Job-scoped
// children (logs, artifacts) are reached only through a job the caller already
// loaded by organization.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrActiveJobExists is returned when an issue already has a non-terminal job.
	ErrActiveJobExists = errors.New("issue already has an active job")
	// ErrNotClaimable is returned when a job is not pending.
	ErrNotClaimable = errors.New("job is not pending")
	// ErrAttemptsExhausted is returned when a pending job has used all its attempts.
	ErrAttemptsExhausted = errors.New("job attempts exhausted")
	// ErrTerminal is returned when mutating an entity that reached a terminal state.
	ErrTerminal = errors.New("entity is in a terminal state")
	// ErrFeedbackLinked is returned when a feedback row is already linked to a card.
	ErrFeedbackLinked = errors.New("feedback already linked to a card")
)

// IssueStore persists issues.
type IssueStore interface {
	CreateIssue(ctx context.Context, issue *Issue) error
	GetIssue(ctx context.Context, orgID, id string) (*Issue, error)
	// UpdateIssueStatus moves an issue forward. Backward or terminal moves return ErrTerminal.
	UpdateIssueStatus(ctx context.Context, orgID, id string, status IssueStatus) error
}

// JobStore persists jobs and their logs and artifacts.
type JobStore interface {
	// CreateJob inserts a pending job. It fails with ErrActiveJobExists if the issue has a non-terminal job.
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, orgID, id string) (*Job, error)
	LatestJobForIssue(ctx context.Context, orgID, issueID string) (*Job, error)
	// ClaimJob moves a pending job to running.
	ClaimJob(ctx context.Context, orgID, id string) (*Job, error)
	// FinishJob moves a non-terminal job to a terminal status. Failed and cancelled
	// outcomes count an attempt, never past MaxAttempts.
	FinishJob(ctx context.Context, orgID, id string, status JobStatus, result json.RawMessage, errText string) (*Job, error)
	// ReleaseJob returns a running job this process gave up on to pending,
	// counting the interrupted attempt.
	ReleaseJob(ctx context.Context, orgID, id string) (*Job, error)
	// ResetStaleJobs returns running jobs whose worker is presumed dead to
	// pending, counting the interrupted attempt. A job is stale once it has
	// been running longer than its own timeout plus grace.
	ResetStaleJobs(ctx context.Context, grace time.Duration) (int, error)
	// ListJobsByStatus returns up to limit jobs in status, highest priority first. An empty orgID lists all tenants.
	ListJobsByStatus(ctx context.Context, orgID string, status JobStatus, limit int) ([]Job, error)
	// JobStatusCounts aggregates job counts by status. An empty orgID aggregates all tenants.
	JobStatusCounts(ctx context.Context, orgID string) (map[JobStatus]int, error)

	AppendLog(ctx context.Context, entry *JobLog) error
	// ListLogs returns up to limit most recent entries in time order.
	ListLogs(ctx context.Context, jobID string, limit int) ([]JobLog, error)
	CreateArtifact(ctx context.Context, artifact *Artifact) error
	ListArtifacts(ctx context.Context, jobID string) ([]Artifact, error)
}

// FeedbackStore persists feedback, improvement cards and agent overrides.
type FeedbackStore interface {
	CreateFeedback(ctx context.Context, fb *Feedback) error
	GetFeedback(ctx context.Context, orgID, id string) (*Feedback, error)
	ListPendingFeedback(ctx context.Context, orgID string, limit int) ([]Feedback, error)
	CountPendingFeedback(ctx context.Context, orgID string) (int, error)
	UpdateFeedbackStatus(ctx context.Context, orgID, id string, status ImprovementStatus, cardID string) error
	// ListFeedbackForAgent returns feedback for agentType created in [since, until). Zero bounds are open.
	ListFeedbackForAgent(ctx context.Context, orgID, agentType string, since, until time.Time) ([]Feedback, error)

	// CreateCard inserts a card and links its feedback ids. A feedback id already linked yields ErrFeedbackLinked.
	CreateCard(ctx context.Context, card *ImprovementCard) error
	GetCard(ctx context.Context, orgID, id string) (*ImprovementCard, error)
	FindCardByFeedback(ctx context.Context, orgID, feedbackID string) (*ImprovementCard, error)
	ListCardsByColumn(ctx context.Context, orgID string, column CardColumn, limit int) ([]ImprovementCard, error)
	CountNonTerminalCards(ctx context.Context, orgID string) (int, error)
	UpdateCard(ctx context.Context, card *ImprovementCard) error

	CreateOverride(ctx context.Context, override *AgentOverride) error
	DeleteOverridesForCard(ctx context.Context, orgID, cardID string) error
	ListOverrides(ctx context.Context, orgID, agentType string) ([]AgentOverride, error)
}

// Store is the complete persistence surface.
type Store interface {
	IssueStore
	JobStore
	FeedbackStore
	Ping(ctx context.Context) error
	Close() error
}
