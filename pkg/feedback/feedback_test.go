package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/agent/llm"
	"foreman/pkg/events"
	"foreman/pkg/persistence"
)

const org = "org-a"

func newStore(t *testing.T) *persistence.SQLStore {
	t.Helper()
	db, err := persistence.Open(context.Background(), persistence.DriverSQLite, filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	store := persistence.NewSQLStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// completedJob seeds an issue with a finished job for agent "general".
func completedJob(t *testing.T, store *persistence.SQLStore) *persistence.Job {
	t.Helper()
	ctx := context.Background()
	issue := &persistence.Issue{
		OrgID:       org,
		Type:        persistence.IssueTypeBug,
		Priority:    persistence.PriorityMedium,
		Title:       "Login fails",
		Description: "Submitting the login form returns 500",
	}
	require.NoError(t, store.CreateIssue(ctx, issue))
	job := &persistence.Job{IssueID: issue.ID, OrgID: org, AgentType: "general", ModelTier: "fast", MaxAttempts: 3}
	require.NoError(t, store.CreateJob(ctx, job))
	_, err := store.ClaimJob(ctx, org, job.ID)
	require.NoError(t, err)
	done, err := store.FinishJob(ctx, org, job.ID, persistence.JobStatusCompleted,
		json.RawMessage(`{"summary":"patched the session handler"}`), "")
	require.NoError(t, err)
	return done
}

func addFeedback(t *testing.T, store *persistence.SQLStore, job *persistence.Job, rating int,
	outcome persistence.FeedbackOutcome, at time.Time, tags ...string,
) *persistence.Feedback {
	t.Helper()
	fb := &persistence.Feedback{
		OrgID:     org,
		JobID:     job.ID,
		IssueID:   job.IssueID,
		AgentType: job.AgentType,
		Rating:    rating,
		Outcome:   outcome,
		Tags:      tags,
		CreatedAt: at,
	}
	require.NoError(t, store.CreateFeedback(context.Background(), fb))
	return fb
}

func newTestRunner(store Store, opts ...Option) *Runner {
	return NewRunner(org, store, HeuristicAnalyzer{}, Config{
		Interval:      time.Millisecond,
		BatchSize:     5,
		ItemTimeout:   5 * time.Second,
		MinDataPoints: 3,
	}, opts...)
}

func TestPriorityLabel(t *testing.T) {
	tests := []struct {
		rating  int
		outcome persistence.FeedbackOutcome
		want    string
	}{
		{1, persistence.OutcomeSolved, LabelCritical},
		{4, persistence.OutcomeMadeWorse, LabelCritical},
		{2, persistence.OutcomeSolved, LabelHigh},
		{5, persistence.OutcomeNotSolved, LabelHigh},
		{3, persistence.OutcomeSolved, LabelMedium},
		{4, persistence.OutcomePartial, LabelMedium},
		{5, persistence.OutcomeSolved, LabelLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PriorityLabel(tt.rating, tt.outcome), "rating %d %s", tt.rating, tt.outcome)
	}
}

func TestChecklist(t *testing.T) {
	items := Checklist([]string{"slow", "Inaccurate", "slow", "unknown"})
	require.Len(t, items, 2)
	assert.Equal(t, "review model tier", items[0].Text)
	assert.Equal(t, "review system prompt", items[1].Text)

	assert.Equal(t, persistence.Checklist{{Text: "reproduce the issue"}}, Checklist(nil))
}

func TestIntakeCreatesCard(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job := completedJob(t, store)
	fb := addFeedback(t, store, job, 1, persistence.OutcomeNotSolved, time.Time{}, "wrong_files")

	bus := events.NewBus()
	sub := bus.Subscribe(events.Filter{OrgID: org}, 16)
	defer sub.Close()

	r := newTestRunner(store, WithPublisher(bus))
	n, err := r.intake(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	card, err := store.FindCardByFeedback(ctx, org, fb.ID)
	require.NoError(t, err)
	assert.Equal(t, "[general] 1★ not_solved", card.Title)
	assert.Equal(t, persistence.ColumnAnalysis, card.Column)
	assert.Equal(t, persistence.StringList{LabelCritical, "agent:general", "wrong_files"}, card.Labels)
	assert.Equal(t, persistence.Checklist{{Text: "tighten file hints"}}, card.Checklist)
	assert.Contains(t, card.Description, "Login fails")
	assert.Contains(t, card.Description, "patched the session handler")

	got, err := store.GetFeedback(ctx, org, fb.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ImprovementAnalyzed, got.ImprovementStatus)
	assert.Equal(t, card.ID, got.CardID)

	assert.Equal(t, events.CardCreated, (<-sub.C).Type)
	moved := <-sub.C
	assert.Equal(t, events.CardMoved, moved.Type)
	assert.Equal(t, "analysis", moved.Data["to"])
}

func TestIntakeIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job := completedJob(t, store)
	fb := addFeedback(t, store, job, 2, persistence.OutcomePartial, time.Time{})

	r := newTestRunner(store)
	_, err := r.intake(ctx)
	require.NoError(t, err)
	first, err := store.FindCardByFeedback(ctx, org, fb.ID)
	require.NoError(t, err)

	// Replay the same feedback, as after a crash between linking and marking.
	require.NoError(t, store.UpdateFeedbackStatus(ctx, org, fb.ID, persistence.ImprovementPending, ""))
	n, err := r.intake(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cards, err := store.ListCardsByColumn(ctx, org, persistence.ColumnAnalysis, 10)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, first.ID, cards[0].ID)
}

func TestIntakeBatchCreatesDistinctCards(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job := completedJob(t, store)
	for i := 0; i < 5; i++ {
		addFeedback(t, store, job, 2, persistence.OutcomeNotSolved, time.Time{})
	}

	n, err := newTestRunner(store).intake(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	cards, err := store.ListCardsByColumn(ctx, org, persistence.ColumnAnalysis, 10)
	require.NoError(t, err)
	ids := make(map[string]bool)
	for i := range cards {
		ids[cards[i].ID] = true
	}
	assert.Len(t, ids, 5)

	pending, err := store.CountPendingFeedback(ctx, org)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDefaultCompletion(t *testing.T) {
	tests := []struct {
		name     string
		feedback int
		open     int
		terminal int
		want     bool
	}{
		{"nothing at all", 0, 0, 0, true},
		{"one pending feedback", 1, 0, 0, false},
		{"several pending feedback", 3, 0, 0, false},
		{"one open card", 0, 1, 0, false},
		{"several open cards", 0, 3, 0, false},
		{"only terminal cards", 0, 0, 3, true},
		{"terminal cards and one open", 0, 1, 2, false},
		{"pending feedback and open cards", 2, 2, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			job := completedJob(t, store)
			for i := 0; i < tt.feedback; i++ {
				addFeedback(t, store, job, 2, persistence.OutcomeNotSolved, time.Time{})
			}
			for i := 0; i < tt.open+tt.terminal; i++ {
				column := persistence.ColumnBacklog
				if i >= tt.open {
					column = []persistence.CardColumn{persistence.ColumnDone, persistence.ColumnDismissed}[i%2]
				}
				require.NoError(t, store.CreateCard(ctx, &persistence.ImprovementCard{
					OrgID: org, Title: "card", AgentType: "general", Column: column,
				}))
			}

			done, err := DefaultCompletion(store, org)(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, done)
		})
	}
}

func TestDefaultCompletionAfterIntake(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job := completedJob(t, store)
	addFeedback(t, store, job, 2, persistence.OutcomeNotSolved, time.Time{})
	addFeedback(t, store, job, 1, persistence.OutcomeMadeWorse, time.Time{})

	_, err := newTestRunner(store).intake(ctx)
	require.NoError(t, err)
	done, err := DefaultCompletion(store, org)(ctx)
	require.NoError(t, err)
	assert.False(t, done, "feedback became open cards")

	open, err := store.CountNonTerminalCards(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 2, open)
}

// moveFailStore fails the first attempt to move a card into analysis.
type moveFailStore struct {
	*persistence.SQLStore
	failed bool
}

func (s *moveFailStore) UpdateCard(ctx context.Context, card *persistence.ImprovementCard) error {
	if !s.failed && card.Column == persistence.ColumnAnalysis {
		s.failed = true
		return errors.New("database is locked")
	}
	return s.SQLStore.UpdateCard(ctx, card)
}

func TestAnalysisAdoptsCardStrandedByIntake(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job := completedJob(t, store)
	addFeedback(t, store, job, 1, persistence.OutcomeNotSolved, time.Time{})

	r := newTestRunner(&moveFailStore{SQLStore: store})
	n, err := r.intake(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stranded, err := store.ListCardsByColumn(ctx, org, persistence.ColumnIncoming, 10)
	require.NoError(t, err)
	require.Len(t, stranded, 1)

	_, err = r.analyze(ctx)
	require.NoError(t, err)

	incoming, err := store.ListCardsByColumn(ctx, org, persistence.ColumnIncoming, 10)
	require.NoError(t, err)
	assert.Empty(t, incoming)
	card, err := store.GetCard(ctx, org, stranded[0].ID)
	require.NoError(t, err)
	assert.NotEqual(t, persistence.ColumnAnalysis, card.Column, "adopted cards are analyzed in the same pass")

	linked, err := store.FindCardByFeedback(ctx, org, stranded[0].FeedbackIDs[0])
	require.NoError(t, err)
	assert.Equal(t, card.ID, linked.ID)
}

func TestAnalysisDismissesSatisfiedFeedback(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job := completedJob(t, store)
	fb := addFeedback(t, store, job, 5, persistence.OutcomeSolved, time.Time{})

	_, err := newTestRunner(store).RunOnce(ctx)
	require.NoError(t, err)

	card, err := store.FindCardByFeedback(ctx, org, fb.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ColumnDismissed, card.Column)

	got, err := store.GetFeedback(ctx, org, fb.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ImprovementDismissed, got.ImprovementStatus)
}

// appliedCard runs one iteration over a rating-2 feedback, leaving its card in testing.
func appliedCard(t *testing.T, store *persistence.SQLStore, r *Runner) (*persistence.Job, *persistence.ImprovementCard) {
	t.Helper()
	ctx := context.Background()
	job := completedJob(t, store)
	fb := addFeedback(t, store, job, 2, persistence.OutcomeNotSolved, time.Now().UTC().Add(-time.Hour), "inaccurate")

	_, err := r.RunOnce(ctx)
	require.NoError(t, err)

	card, err := store.FindCardByFeedback(ctx, org, fb.ID)
	require.NoError(t, err)
	require.Equal(t, persistence.ColumnTesting, card.Column)
	require.NotNil(t, card.AppliedAt)
	return job, card
}

func TestRunOnceAppliesImprovement(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	bus := events.NewBus()
	sub := bus.Subscribe(events.Filter{OrgID: org}, 32)
	defer sub.Close()

	r := newTestRunner(store, WithPublisher(bus))
	_, card := appliedCard(t, store, r)

	assert.True(t, card.AutoApply)
	assert.InDelta(t, 2.0, card.Baseline, 0.001)
	assert.Equal(t, 7, card.ImpactScore, "high label")
	assert.Contains(t, card.Improvement.PromptAppend, "Verify every claim")

	overrides, err := store.ListOverrides(ctx, org, "general")
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, card.ID, overrides[0].CardID)
	assert.Equal(t, card.Improvement.PromptAppend, overrides[0].PromptAppend)

	got, err := store.GetFeedback(ctx, org, card.FeedbackIDs[0])
	require.NoError(t, err)
	assert.Equal(t, persistence.ImprovementImplemented, got.ImprovementStatus)

	var types []string
	for len(sub.C) > 0 {
		types = append(types, (<-sub.C).Type)
	}
	assert.Contains(t, types, events.CardAnalysis)
	assert.Contains(t, types, events.CardImprovementApplied)
	assert.Equal(t, 1, r.State().Iteration)
}

func TestVerificationWaitsForDataPoints(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	r := newTestRunner(store)
	job, card := appliedCard(t, store, r)

	after := card.AppliedAt.Add(time.Second)
	addFeedback(t, store, job, 5, persistence.OutcomeSolved, after)
	addFeedback(t, store, job, 5, persistence.OutcomeSolved, after)

	n, err := r.verify(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := store.GetCard(ctx, org, card.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ColumnTesting, got.Column)
}

func TestVerificationPromotesToDone(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	r := newTestRunner(store)
	job, card := appliedCard(t, store, r)

	after := card.AppliedAt.Add(time.Second)
	for _, rating := range []int{4, 3, 2} {
		addFeedback(t, store, job, rating, persistence.OutcomePartial, after)
	}

	n, err := r.verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetCard(ctx, org, card.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ColumnDone, got.Column)

	overrides, err := store.ListOverrides(ctx, org, "general")
	require.NoError(t, err)
	assert.Len(t, overrides, 1, "verified override stays")
}

func TestVerificationRevertsRegression(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	r := newTestRunner(store)
	job, card := appliedCard(t, store, r)

	after := card.AppliedAt.Add(time.Second)
	for _, rating := range []int{1, 1, 2} {
		addFeedback(t, store, job, rating, persistence.OutcomeNotSolved, after)
	}

	n, err := r.verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetCard(ctx, org, card.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ColumnBacklog, got.Column)
	assert.False(t, got.AutoApply)
	assert.Nil(t, got.AppliedAt)
	assert.Contains(t, got.LastError, "below baseline")

	overrides, err := store.ListOverrides(ctx, org, "general")
	require.NoError(t, err)
	assert.Empty(t, overrides)
}

type failingAnalyzer struct{}

func (failingAnalyzer) Analyze(context.Context, *persistence.ImprovementCard, []persistence.Feedback) (Verdict, error) {
	return Verdict{}, errors.New("model unavailable")
}

func TestAnalysisErrorIsRecordedOnCard(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job := completedJob(t, store)
	fb := addFeedback(t, store, job, 1, persistence.OutcomeMadeWorse, time.Time{})

	r := NewRunner(org, store, failingAnalyzer{}, Config{BatchSize: 5})
	_, err := r.RunOnce(ctx)
	require.NoError(t, err, "item errors do not fail the iteration")

	card, err := store.FindCardByFeedback(ctx, org, fb.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ColumnAnalysis, card.Column)
	assert.Contains(t, card.LastError, "model unavailable")
}

type stubClient struct {
	content string
	last    llm.CompletionRequest
}

func (s *stubClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.last = req
	return llm.CompletionResponse{Content: s.content}, nil
}

func (s *stubClient) GetModelName() string { return "stub" }

func TestLLMAnalyzer(t *testing.T) {
	card := &persistence.ImprovementCard{OrgID: org, AgentType: "general", Title: "[general] 2★ partial"}
	feedback := []persistence.Feedback{{Rating: 2, Outcome: persistence.OutcomePartial, Comment: "missed a file"}}

	client := &stubClient{content: "Here you go:\n" + `{"decision":"KEEP","reasoning":"consistent misses","impact":14,"effort":0,` +
		`"auto_apply":true,"improvement":{"prompt_append":"List files first.","model_tier":" Premium "}}`}
	v, err := NewLLMAnalyzer(client).Analyze(context.Background(), card, feedback)
	require.NoError(t, err)
	assert.Equal(t, DecisionKeep, v.Decision)
	assert.Equal(t, 10, v.Impact)
	assert.Equal(t, 1, v.Effort)
	assert.True(t, v.AutoApply)
	assert.Equal(t, "premium", v.Improvement.ModelTier)
	assert.True(t, client.last.JSONMode)
	assert.Contains(t, client.last.Messages[1].Content, "missed a file")

	client.content = `{"decision":"maybe"}`
	_, err = NewLLMAnalyzer(client).Analyze(context.Background(), card, feedback)
	require.Error(t, err)

	client.content = `{"decision":"keep","auto_apply":true}`
	v, err = NewLLMAnalyzer(client).Analyze(context.Background(), card, feedback)
	require.NoError(t, err)
	assert.False(t, v.AutoApply, "nothing to apply")
}

func TestBoardMove(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job := completedJob(t, store)
	fb := addFeedback(t, store, job, 3, persistence.OutcomePartial, time.Time{})
	_, err := newTestRunner(store).intake(ctx)
	require.NoError(t, err)
	card, err := store.FindCardByFeedback(ctx, org, fb.ID)
	require.NoError(t, err)

	board := NewBoard(store, nil, nil)
	_, err = board.Move(ctx, org, card.ID, persistence.ColumnDone)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = board.Move(ctx, org, card.ID, "archive")
	require.ErrorIs(t, err, ErrInvalidTransition)

	moved, err := board.Move(ctx, org, card.ID, persistence.ColumnBacklog)
	require.NoError(t, err)
	assert.Equal(t, persistence.ColumnBacklog, moved.Column)

	moved, err = board.Move(ctx, org, card.ID, persistence.ColumnInProgress)
	require.NoError(t, err)
	assert.True(t, moved.AutoApply, "manual approval")

	_, err = board.Move(ctx, "org-b", card.ID, persistence.ColumnDismissed)
	require.ErrorIs(t, err, persistence.ErrNotFound)

	_, err = board.Move(ctx, org, card.ID, persistence.ColumnDismissed)
	require.NoError(t, err)
	got, err := store.GetFeedback(ctx, org, fb.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ImprovementDismissed, got.ImprovementStatus)

	listed, err := board.List(ctx, org, persistence.ColumnDismissed, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, card.ID, listed[0].ID)
}

func TestRunStopsWhenIdle(t *testing.T) {
	store := newStore(t)
	r := newTestRunner(store)
	require.NoError(t, r.Run(context.Background()))

	st := r.State()
	assert.Equal(t, StatusStopped, st.Status)
	assert.Equal(t, ReasonIdle, st.CompletionReason)
	assert.Equal(t, 1, st.Iteration)
}

func never(context.Context) (bool, error) { return false, nil }

func TestRunStopsAtMaxIterations(t *testing.T) {
	store := newStore(t)
	r := NewRunner(org, store, nil, Config{Interval: time.Millisecond, MaxIterations: 3}, WithCompletion(never))
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, ReasonMaxIterations, r.State().CompletionReason)
	assert.Equal(t, 3, r.State().Iteration)
}

func TestRunReturnsOnCancel(t *testing.T) {
	store := newStore(t)
	r := NewRunner(org, store, nil, Config{Interval: time.Hour}, WithCompletion(never))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	require.ErrorIs(t, r.Run(ctx), context.Canceled)
	assert.Equal(t, ReasonCancelled, r.State().CompletionReason)
}

func TestRegistryPauseResumeStop(t *testing.T) {
	store := newStore(t)
	reg := NewRegistry()
	r := NewRunner(org, store, nil, Config{Interval: time.Hour}, WithCompletion(never))

	errc, err := reg.Start(context.Background(), r)
	require.NoError(t, err)

	_, err = reg.Start(context.Background(), NewRunner(org, store, nil, Config{}))
	require.ErrorIs(t, err, ErrAlreadyRunning)
	got, ok := reg.Get(org)
	require.True(t, ok)
	assert.Same(t, r, got)

	require.Eventually(t, func() bool { return r.State().Iteration >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, r.Pause())
	require.Eventually(t, func() bool { return r.State().Status == StatusPaused }, 2*time.Second, 5*time.Millisecond)

	require.True(t, r.Resume())
	require.Eventually(t, func() bool {
		st := r.State()
		return st.Status == StatusRunning && st.Iteration >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, r.Stop())
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, ReasonStopped, r.State().CompletionReason)
	assert.False(t, r.Stop(), "stopped runner ignores commands")

	_, ok = reg.Get(org)
	assert.False(t, ok)
	errc, err = reg.Start(context.Background(), r)
	require.NoError(t, err, "org can run again after stop")
	r.Stop()
	<-errc
}
