package persistence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	store := NewSQLStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedIssue(t *testing.T, s *SQLStore, orgID string) *Issue {
	t.Helper()
	issue := &Issue{
		OrgID:       orgID,
		CreatedBy:   "user-1",
		Type:        IssueTypeBug,
		Priority:    PriorityHigh,
		Title:       "Checkout fails",
		Description: "500 on submit",
		Context:     IssueContext{Module: "payments", Files: []string{"checkout.ts"}},
	}
	require.NoError(t, s.CreateIssue(context.Background(), issue))
	return issue
}

func seedJob(t *testing.T, s *SQLStore, issue *Issue) *Job {
	t.Helper()
	job := &Job{
		IssueID:     issue.ID,
		OrgID:       issue.OrgID,
		AgentType:   "payments-fixer",
		ModelTier:   "standard",
		Priority:    issue.Priority.QueuePriority(),
		MaxAttempts: 3,
		Config:      JobConfig{TimeoutSeconds: 60, AllowedTools: []string{"read_file"}},
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, s.DB()))
	version, err := GetSchemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestIssueRoundTripAndTenantIsolation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	issue := seedIssue(t, s, "org-a")

	got, err := s.GetIssue(ctx, "org-a", issue.ID)
	require.NoError(t, err)
	assert.Equal(t, IssueStatusPending, got.Status)
	assert.Equal(t, SourceManual, got.Source)
	assert.Equal(t, []string{"checkout.ts"}, got.Context.Files)

	_, err = s.GetIssue(ctx, "org-b", issue.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIssueStatusIsForwardOnly(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	issue := seedIssue(t, s, "org-a")

	require.NoError(t, s.UpdateIssueStatus(ctx, "org-a", issue.ID, IssueStatusQueued))
	require.NoError(t, s.UpdateIssueStatus(ctx, "org-a", issue.ID, IssueStatusProcessing))
	assert.ErrorIs(t, s.UpdateIssueStatus(ctx, "org-a", issue.ID, IssueStatusQueued), ErrTerminal)

	require.NoError(t, s.UpdateIssueStatus(ctx, "org-a", issue.ID, IssueStatusFailed))
	assert.ErrorIs(t, s.UpdateIssueStatus(ctx, "org-a", issue.ID, IssueStatusCompleted), ErrTerminal)
}

func TestOneActiveJobPerIssue(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	issue := seedIssue(t, s, "org-a")
	job := seedJob(t, s, issue)

	err := s.CreateJob(ctx, &Job{IssueID: issue.ID, OrgID: "org-a", AgentType: "x", ModelTier: "fast", MaxAttempts: 3})
	assert.ErrorIs(t, err, ErrActiveJobExists)

	_, err = s.FinishJob(ctx, "org-a", job.ID, JobStatusFailed, nil, "boom")
	require.NoError(t, err)
	assert.NoError(t, s.CreateJob(ctx, &Job{IssueID: issue.ID, OrgID: "org-a", AgentType: "x", ModelTier: "fast", MaxAttempts: 3}))
}

func TestJobLifecycleKeepsAttemptsBounded(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, seedIssue(t, s, "org-a"))

	for i := 0; i < 5; i++ {
		claimed, err := s.ClaimJob(ctx, "org-a", job.ID)
		if err != nil {
			assert.ErrorIs(t, err, ErrAttemptsExhausted)
			assert.Equal(t, claimed.MaxAttempts, claimed.Attempts)
			break
		}
		assert.Equal(t, JobStatusRunning, claimed.Status)
		assert.NotNil(t, claimed.StartedAt)

		// Interrupted: the job goes back to pending and the attempt counts.
		current, err := s.ReleaseJob(ctx, "org-a", job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusPending, current.Status)
		assert.LessOrEqual(t, current.Attempts, current.MaxAttempts)
	}

	final, err := s.FinishJob(ctx, "org-a", job.ID, JobStatusFailed, nil, "exhausted")
	require.NoError(t, err)
	assert.Equal(t, final.MaxAttempts, final.Attempts, "attempts never exceed max")
}

func TestReleaseJobRequiresRunning(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, seedIssue(t, s, "org-a"))

	_, err := s.ReleaseJob(ctx, "org-a", job.ID)
	assert.ErrorIs(t, err, ErrNotClaimable, "pending jobs are not released")

	_, err = s.ClaimJob(ctx, "org-a", job.ID)
	require.NoError(t, err)
	_, err = s.ReleaseJob(ctx, "org-b", job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResetStaleJobsOnlyTouchesExpiredJobs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	// seedJob stamps a 60s timeout.
	live := seedJob(t, s, seedIssue(t, s, "org-a"))
	_, err := s.ClaimJob(ctx, "org-a", live.ID)
	require.NoError(t, err)

	clock = clock.Add(30 * time.Second)
	crashed := seedJob(t, s, seedIssue(t, s, "org-b"))
	_, err = s.ClaimJob(ctx, "org-b", crashed.ID)
	require.NoError(t, err)

	n, err := s.ResetStaleJobs(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "both jobs are within timeout plus grace")

	// live started 2m10s ago and crashed 1m40s ago; the cutoff is 2m.
	clock = clock.Add(100 * time.Second)
	n, err = s.ResetStaleJobs(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJob(ctx, "org-a", live.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.StartedAt)

	got, err = s.GetJob(ctx, "org-b", crashed.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestFinishJobTerminalIsAbsorbing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, seedIssue(t, s, "org-a"))

	_, err := s.ClaimJob(ctx, "org-a", job.ID)
	require.NoError(t, err)

	result := json.RawMessage(`{"summary":"fixed"}`)
	done, err := s.FinishJob(ctx, "org-a", job.ID, JobStatusCompleted, result, "")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, done.Status)
	assert.Equal(t, 0, done.Attempts)
	assert.JSONEq(t, `{"summary":"fixed"}`, string(done.Result))

	_, err = s.FinishJob(ctx, "org-a", job.ID, JobStatusCancelled, nil, "")
	assert.ErrorIs(t, err, ErrTerminal)

	_, err = s.ClaimJob(ctx, "org-a", job.ID)
	assert.ErrorIs(t, err, ErrNotClaimable)
}

func TestLogsAndArtifacts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, seedIssue(t, s, "org-a"))

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendLog(ctx, &JobLog{
			JobID:     job.ID,
			Level:     LogInfo,
			Message:   "turn",
			Data:      JSONMap{"turn": i},
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	logs, err := s.ListLogs(ctx, job.ID, 3)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.EqualValues(t, 2, logs[0].Data["turn"])
	assert.EqualValues(t, 4, logs[2].Data["turn"])

	require.NoError(t, s.CreateArtifact(ctx, &Artifact{JobID: job.ID, Type: ArtifactCodeChange, Name: "fix", FilePath: "a.go"}))
	artifacts, err := s.ListArtifacts(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "a.go", artifacts[0].FilePath)
}

func TestCardFeedbackLinkIsUnique(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	issue := seedIssue(t, s, "org-a")
	job := seedJob(t, s, issue)

	fb := &Feedback{OrgID: "org-a", JobID: job.ID, IssueID: issue.ID, AgentType: job.AgentType, Rating: 2, Outcome: OutcomeNotSolved}
	require.NoError(t, s.CreateFeedback(ctx, fb))

	card := &ImprovementCard{OrgID: "org-a", Title: "t", AgentType: job.AgentType, FeedbackIDs: StringList{fb.ID}}
	require.NoError(t, s.CreateCard(ctx, card))

	err := s.CreateCard(ctx, &ImprovementCard{OrgID: "org-a", Title: "dup", AgentType: job.AgentType, FeedbackIDs: StringList{fb.ID}})
	assert.ErrorIs(t, err, ErrFeedbackLinked)

	found, err := s.FindCardByFeedback(ctx, "org-a", fb.ID)
	require.NoError(t, err)
	assert.Equal(t, card.ID, found.ID)
	assert.Equal(t, ColumnIncoming, found.Column)
}

func TestUpdateCardTerminalColumnsAbsorb(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	card := &ImprovementCard{OrgID: "org-a", Title: "t", AgentType: "a", Column: ColumnTesting}
	require.NoError(t, s.CreateCard(ctx, card))

	card.Column = ColumnDone
	require.NoError(t, s.UpdateCard(ctx, card))

	card.Column = ColumnBacklog
	assert.ErrorIs(t, s.UpdateCard(ctx, card), ErrTerminal)

	n, err := s.CountNonTerminalCards(ctx, "org-a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFeedbackQueries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	issue := seedIssue(t, s, "org-a")
	job := seedJob(t, s, issue)

	t0 := time.Now().UTC().Add(-time.Hour)
	for i, rating := range []int{1, 2, 5} {
		require.NoError(t, s.CreateFeedback(ctx, &Feedback{
			OrgID: "org-a", JobID: job.ID, IssueID: issue.ID, AgentType: job.AgentType,
			Rating: rating, Outcome: OutcomePartial, CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	n, err := s.CountPendingFeedback(ctx, "org-a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pending, err := s.ListPendingFeedback(ctx, "org-a", 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Rating)

	require.NoError(t, s.UpdateFeedbackStatus(ctx, "org-a", pending[0].ID, ImprovementAnalyzed, "card-1"))
	n, err = s.CountPendingFeedback(ctx, "org-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	after, err := s.ListFeedbackForAgent(ctx, "org-a", job.AgentType, t0.Add(30*time.Second), time.Time{})
	require.NoError(t, err)
	assert.Len(t, after, 2)

	other, err := s.CountPendingFeedback(ctx, "org-b")
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestOverrides(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateOverride(ctx, &AgentOverride{OrgID: "org-a", AgentType: "coder", CardID: "c1", PromptAppend: "Be precise."}))
	require.NoError(t, s.CreateOverride(ctx, &AgentOverride{OrgID: "org-a", AgentType: "coder", CardID: "c2", ModelTier: "premium"}))

	rows, err := s.ListOverrides(ctx, "org-a", "coder")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, s.DeleteOverridesForCard(ctx, "org-a", "c1"))
	rows, err = s.ListOverrides(ctx, "org-a", "coder")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "premium", rows[0].ModelTier)
}

func TestPriorityMapping(t *testing.T) {
	assert.Equal(t, 1, PriorityCritical.QueuePriority())
	assert.Equal(t, 3, PriorityHigh.QueuePriority())
	assert.Equal(t, 5, PriorityMedium.QueuePriority())
	assert.Equal(t, 10, PriorityLow.QueuePriority())
}

func TestCardColumnGraph(t *testing.T) {
	assert.True(t, ColumnIncoming.CanMoveTo(ColumnAnalysis))
	assert.True(t, ColumnTesting.CanMoveTo(ColumnBacklog))
	assert.False(t, ColumnBacklog.CanMoveTo(ColumnTesting))
	assert.False(t, ColumnDone.CanMoveTo(ColumnBacklog))
	assert.False(t, ColumnDismissed.CanMoveTo(ColumnIncoming))
}

func TestListJobsByStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	issue := seedIssue(t, s, "org-a")
	job := seedJob(t, s, issue)
	other := seedJob(t, s, seedIssue(t, s, "org-b"))
	_, err := s.ClaimJob(ctx, "org-b", other.ID)
	require.NoError(t, err)

	pending, err := s.ListJobsByStatus(ctx, "", JobStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].ID)

	running, err := s.ListJobsByStatus(ctx, "org-a", JobStatusRunning, 10)
	require.NoError(t, err)
	assert.Empty(t, running)
}
