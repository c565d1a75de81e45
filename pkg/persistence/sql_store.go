package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	issueColumns = `id, org_id, created_by, source, type, priority, title, description, context,
		external_id, callback_url, status, created_at, updated_at`
	jobColumns = `id, issue_id, org_id, agent_type, model_tier, status, priority, attempts, max_attempts,
		config, result, error, created_at, started_at, completed_at`
	logColumns      = `id, job_id, level, message, data, created_at`
	artifactColumns = `id, job_id, type, name, content, file_path, patch, metadata, created_at`
	feedbackColumns = `id, org_id, job_id, issue_id, agent_type, rating, outcome, tags, comment,
		improvement_status, card_id, created_at`
	cardColumns = `id, org_id, title, description, feedback_ids, agent_type, labels, checklist,
		impact_score, effort_score, column_name, auto_apply, improvement, baseline, applied_at,
		last_error, created_at, updated_at`
	overrideColumns = `id, org_id, agent_type, card_id, prompt_append, model_tier, allowed_tools, created_at`

	activeJobStatuses = `('pending', 'running', 'paused')`
)

// SQLStore implements Store over sqlx. Queries are written with '?' and rebound per driver.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLStore wraps an open, migrated database.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// DB exposes the handle for components sharing the database, such as the store-backed queue.
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- issues

func (s *SQLStore) CreateIssue(ctx context.Context, issue *Issue) error {
	now := s.now()
	if issue.ID == "" {
		issue.ID = NewID()
	}
	if issue.Status == "" {
		issue.Status = IssueStatusPending
	}
	if issue.Source == "" {
		issue.Source = SourceManual
	}
	issue.CreatedAt, issue.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO issues (`+issueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		issue.ID, issue.OrgID, issue.CreatedBy, issue.Source, issue.Type, issue.Priority, issue.Title,
		issue.Description, issue.Context, issue.ExternalID, issue.CallbackURL, issue.Status,
		issue.CreatedAt, issue.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert issue %s: %w", issue.ID, err)
	}
	return nil
}

func (s *SQLStore) GetIssue(ctx context.Context, orgID, id string) (*Issue, error) {
	var issue Issue
	err := s.db.GetContext(ctx, &issue, s.q(`SELECT `+issueColumns+` FROM issues WHERE id = ? AND org_id = ?`), id, orgID)
	if err != nil {
		return nil, notFound(err, "get issue "+id)
	}
	return &issue, nil
}

func (s *SQLStore) UpdateIssueStatus(ctx context.Context, orgID, id string, status IssueStatus) error {
	issue, err := s.GetIssue(ctx, orgID, id)
	if err != nil {
		return err
	}
	if issue.Status == status {
		return nil
	}
	if !issue.Status.CanTransitionTo(status) {
		return fmt.Errorf("issue %s %s -> %s: %w", id, issue.Status, status, ErrTerminal)
	}
	_, err = s.db.ExecContext(ctx, s.q(`UPDATE issues SET status = ?, updated_at = ? WHERE id = ? AND org_id = ? AND status = ?`),
		status, s.now(), id, orgID, issue.Status)
	if err != nil {
		return fmt.Errorf("update issue %s: %w", id, err)
	}
	return nil
}

// --- jobs

func (s *SQLStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = NewID()
	}
	job.Status = JobStatusPending
	job.CreatedAt = s.now()
	if job.Attempts > job.MaxAttempts {
		return fmt.Errorf("job %s attempts %d exceed max %d", job.ID, job.Attempts, job.MaxAttempts)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	if err := tx.GetContext(ctx, &active, tx.Rebind(`SELECT COUNT(*) FROM jobs WHERE issue_id = ? AND status IN `+activeJobStatuses),
		job.IssueID); err != nil {
		return fmt.Errorf("count active jobs: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("issue %s: %w", job.IssueID, ErrActiveJobExists)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.IssueID, job.OrgID, job.AgentType, job.ModelTier, job.Status, job.Priority, job.Attempts,
		job.MaxAttempts, job.Config, job.Result, job.Error, job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return tx.Commit()
}

func (s *SQLStore) GetJob(ctx context.Context, orgID, id string) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND org_id = ?`), id, orgID)
	if err != nil {
		return nil, notFound(err, "get job "+id)
	}
	return &job, nil
}

func (s *SQLStore) LatestJobForIssue(ctx context.Context, orgID, issueID string) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, s.q(`SELECT `+jobColumns+` FROM jobs
		WHERE issue_id = ? AND org_id = ? ORDER BY created_at DESC LIMIT 1`), issueID, orgID)
	if err != nil {
		return nil, notFound(err, "latest job for issue "+issueID)
	}
	return &job, nil
}

func (s *SQLStore) ClaimJob(ctx context.Context, orgID, id string) (*Job, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET status = ?, started_at = ?
		WHERE id = ? AND org_id = ? AND status = ? AND attempts < max_attempts`),
		JobStatusRunning, now, id, orgID, JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return s.GetJob(ctx, orgID, id)
	}

	job, err := s.GetJob(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if job.Status == JobStatusPending {
		return job, fmt.Errorf("job %s (%d/%d): %w", id, job.Attempts, job.MaxAttempts, ErrAttemptsExhausted)
	}
	return job, fmt.Errorf("job %s is %s: %w", id, job.Status, ErrNotClaimable)
}

func (s *SQLStore) FinishJob(ctx context.Context, orgID, id string, status JobStatus, result json.RawMessage, errText string) (*Job, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("finish job %s with non-terminal status %s", id, status)
	}

	attemptsExpr := "attempts"
	if status != JobStatusCompleted {
		attemptsExpr = "CASE WHEN attempts < max_attempts THEN attempts + 1 ELSE attempts END"
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET status = ?, result = ?, error = ?, completed_at = ?,
		attempts = `+attemptsExpr+`
		WHERE id = ? AND org_id = ? AND status IN `+activeJobStatuses),
		status, JSONRaw(result), errText, s.now(), id, orgID)
	if err != nil {
		return nil, fmt.Errorf("finish job %s: %w", id, err)
	}

	job, err := s.GetJob(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job, fmt.Errorf("job %s is %s: %w", id, job.Status, ErrTerminal)
	}
	return job, nil
}

func (s *SQLStore) ReleaseJob(ctx context.Context, orgID, id string) (*Job, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET status = ?, started_at = NULL,
		attempts = CASE WHEN attempts < max_attempts THEN attempts + 1 ELSE attempts END
		WHERE id = ? AND org_id = ? AND status = ?`),
		JobStatusPending, id, orgID, JobStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("release job %s: %w", id, err)
	}
	job, err := s.GetJob(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job, fmt.Errorf("job %s is %s: %w", id, job.Status, ErrNotClaimable)
	}
	return job, nil
}

func (s *SQLStore) ResetStaleJobs(ctx context.Context, grace time.Duration) (int, error) {
	var running []Job
	err := s.db.SelectContext(ctx, &running, s.q(`SELECT `+jobColumns+` FROM jobs WHERE status = ?`), JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}

	now := s.now()
	reset := 0
	for i := range running {
		job := &running[i]
		cutoff := now.Add(-grace - time.Duration(job.Config.TimeoutSeconds)*time.Second)
		if job.StartedAt != nil && job.StartedAt.After(cutoff) {
			continue
		}
		// The started_at guard skips a job another worker re-claimed since the read.
		res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET status = ?, started_at = NULL,
			attempts = CASE WHEN attempts < max_attempts THEN attempts + 1 ELSE attempts END
			WHERE id = ? AND status = ? AND (started_at IS NULL OR started_at <= ?)`),
			JobStatusPending, job.ID, JobStatusRunning, cutoff)
		if err != nil {
			return reset, fmt.Errorf("reset stale job %s: %w", job.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			reset++
		}
	}
	return reset, nil
}

func (s *SQLStore) JobStatusCounts(ctx context.Context, orgID string) (map[JobStatus]int, error) {
	var rows []struct {
		Status JobStatus `db:"status"`
		Count  int       `db:"n"`
	}
	query := `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`
	args := []any{}
	if orgID != "" {
		query = `SELECT status, COUNT(*) AS n FROM jobs WHERE org_id = ? GROUP BY status`
		args = append(args, orgID)
	}
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("job status counts: %w", err)
	}
	counts := make(map[JobStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *SQLStore) ListJobsByStatus(ctx context.Context, orgID string, status JobStatus, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY priority, created_at LIMIT ?`
	args := []any{status, limit}
	if orgID != "" {
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? AND org_id = ? ORDER BY priority, created_at LIMIT ?`
		args = []any{status, orgID, limit}
	}
	var jobs []Job
	if err := s.db.SelectContext(ctx, &jobs, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	return jobs, nil
}

func (s *SQLStore) AppendLog(ctx context.Context, entry *JobLog) error {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO job_logs (`+logColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.JobID, entry.Level, entry.Message, entry.Data, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append log for job %s: %w", entry.JobID, err)
	}
	return nil
}

func (s *SQLStore) ListLogs(ctx context.Context, jobID string, limit int) ([]JobLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []JobLog
	err := s.db.SelectContext(ctx, &logs, s.q(`SELECT `+logColumns+` FROM job_logs
		WHERE job_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`), jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs for job %s: %w", jobID, err)
	}
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

func (s *SQLStore) CreateArtifact(ctx context.Context, artifact *Artifact) error {
	if artifact.ID == "" {
		artifact.ID = NewID()
	}
	artifact.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO artifacts (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		artifact.ID, artifact.JobID, artifact.Type, artifact.Name, artifact.Content, artifact.FilePath,
		artifact.Patch, artifact.Metadata, artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact for job %s: %w", artifact.JobID, err)
	}
	return nil
}

func (s *SQLStore) ListArtifacts(ctx context.Context, jobID string) ([]Artifact, error) {
	var artifacts []Artifact
	err := s.db.SelectContext(ctx, &artifacts, s.q(`SELECT `+artifactColumns+` FROM artifacts
		WHERE job_id = ? ORDER BY created_at, id`), jobID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for job %s: %w", jobID, err)
	}
	return artifacts, nil
}

// --- feedback

func (s *SQLStore) CreateFeedback(ctx context.Context, fb *Feedback) error {
	if fb.ID == "" {
		fb.ID = NewID()
	}
	if fb.ImprovementStatus == "" {
		fb.ImprovementStatus = ImprovementPending
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO feedback (`+feedbackColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		fb.ID, fb.OrgID, fb.JobID, fb.IssueID, fb.AgentType, fb.Rating, fb.Outcome, fb.Tags, fb.Comment,
		fb.ImprovementStatus, fb.CardID, fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert feedback %s: %w", fb.ID, err)
	}
	return nil
}

func (s *SQLStore) GetFeedback(ctx context.Context, orgID, id string) (*Feedback, error) {
	var fb Feedback
	err := s.db.GetContext(ctx, &fb, s.q(`SELECT `+feedbackColumns+` FROM feedback WHERE id = ? AND org_id = ?`), id, orgID)
	if err != nil {
		return nil, notFound(err, "get feedback "+id)
	}
	return &fb, nil
}

func (s *SQLStore) ListPendingFeedback(ctx context.Context, orgID string, limit int) ([]Feedback, error) {
	var rows []Feedback
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+feedbackColumns+` FROM feedback
		WHERE org_id = ? AND improvement_status = ? ORDER BY created_at, id LIMIT ?`),
		orgID, ImprovementPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending feedback: %w", err)
	}
	return rows, nil
}

func (s *SQLStore) CountPendingFeedback(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM feedback WHERE org_id = ? AND improvement_status = ?`),
		orgID, ImprovementPending)
	if err != nil {
		return 0, fmt.Errorf("count pending feedback: %w", err)
	}
	return n, nil
}

func (s *SQLStore) UpdateFeedbackStatus(ctx context.Context, orgID, id string, status ImprovementStatus, cardID string) error {
	query := `UPDATE feedback SET improvement_status = ? WHERE id = ? AND org_id = ?`
	args := []any{status, id, orgID}
	if cardID != "" {
		query = `UPDATE feedback SET improvement_status = ?, card_id = ? WHERE id = ? AND org_id = ?`
		args = []any{status, cardID, id, orgID}
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("update feedback %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update feedback %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ListFeedbackForAgent(ctx context.Context, orgID, agentType string, since, until time.Time) ([]Feedback, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback WHERE org_id = ? AND agent_type = ?`
	args := []any{orgID, agentType}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since.UTC())
	}
	if !until.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, until.UTC())
	}
	query += ` ORDER BY created_at, id`

	var rows []Feedback
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list feedback for agent %s: %w", agentType, err)
	}
	return rows, nil
}

// --- cards

func (s *SQLStore) CreateCard(ctx context.Context, card *ImprovementCard) error {
	now := s.now()
	if card.ID == "" {
		card.ID = NewID()
	}
	if card.Column == "" {
		card.Column = ColumnIncoming
	}
	card.CreatedAt, card.UpdatedAt = now, now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create card: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, fid := range card.FeedbackIDs {
		var linked int
		if err := tx.GetContext(ctx, &linked, tx.Rebind(`SELECT COUNT(*) FROM card_feedback WHERE feedback_id = ?`), fid); err != nil {
			return fmt.Errorf("check feedback link %s: %w", fid, err)
		}
		if linked > 0 {
			return fmt.Errorf("feedback %s: %w", fid, ErrFeedbackLinked)
		}
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO improvement_cards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		card.ID, card.OrgID, card.Title, card.Description, card.FeedbackIDs, card.AgentType, card.Labels,
		card.Checklist, card.ImpactScore, card.EffortScore, card.Column, card.AutoApply, card.Improvement,
		card.Baseline, card.AppliedAt, card.LastError, card.CreatedAt, card.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert card %s: %w", card.ID, err)
	}
	for _, fid := range card.FeedbackIDs {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO card_feedback (feedback_id, card_id, org_id) VALUES (?, ?, ?)`),
			fid, card.ID, card.OrgID); err != nil {
			return fmt.Errorf("link feedback %s: %w", fid, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetCard(ctx context.Context, orgID, id string) (*ImprovementCard, error) {
	var card ImprovementCard
	err := s.db.GetContext(ctx, &card, s.q(`SELECT `+cardColumns+` FROM improvement_cards WHERE id = ? AND org_id = ?`), id, orgID)
	if err != nil {
		return nil, notFound(err, "get card "+id)
	}
	return &card, nil
}

func (s *SQLStore) FindCardByFeedback(ctx context.Context, orgID, feedbackID string) (*ImprovementCard, error) {
	var cardID string
	err := s.db.GetContext(ctx, &cardID, s.q(`SELECT card_id FROM card_feedback WHERE feedback_id = ? AND org_id = ?`),
		feedbackID, orgID)
	if err != nil {
		return nil, notFound(err, "card for feedback "+feedbackID)
	}
	return s.GetCard(ctx, orgID, cardID)
}

func (s *SQLStore) ListCardsByColumn(ctx context.Context, orgID string, column CardColumn, limit int) ([]ImprovementCard, error) {
	query := `SELECT ` + cardColumns + ` FROM improvement_cards WHERE org_id = ? AND column_name = ? ORDER BY created_at, id`
	args := []any{orgID, column}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var cards []ImprovementCard
	if err := s.db.SelectContext(ctx, &cards, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list cards in %s: %w", column, err)
	}
	return cards, nil
}

func (s *SQLStore) CountNonTerminalCards(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM improvement_cards
		WHERE org_id = ? AND column_name NOT IN (?, ?)`), orgID, ColumnDone, ColumnDismissed)
	if err != nil {
		return 0, fmt.Errorf("count open cards: %w", err)
	}
	return n, nil
}

// UpdateCard writes every mutable field. Cards in a terminal column are not updated.
func (s *SQLStore) UpdateCard(ctx context.Context, card *ImprovementCard) error {
	card.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE improvement_cards SET title = ?, description = ?, labels = ?,
		checklist = ?, impact_score = ?, effort_score = ?, column_name = ?, auto_apply = ?, improvement = ?,
		baseline = ?, applied_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND org_id = ? AND column_name NOT IN (?, ?)`),
		card.Title, card.Description, card.Labels, card.Checklist, card.ImpactScore, card.EffortScore,
		card.Column, card.AutoApply, card.Improvement, card.Baseline, card.AppliedAt, card.LastError,
		card.UpdatedAt, card.ID, card.OrgID, ColumnDone, ColumnDismissed)
	if err != nil {
		return fmt.Errorf("update card %s: %w", card.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetCard(ctx, card.OrgID, card.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("card %s: %w", card.ID, ErrTerminal)
	}
	return nil
}

// --- overrides

func (s *SQLStore) CreateOverride(ctx context.Context, o *AgentOverride) error {
	if o.ID == "" {
		o.ID = NewID()
	}
	o.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO agent_overrides (`+overrideColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		o.ID, o.OrgID, o.AgentType, o.CardID, o.PromptAppend, o.ModelTier, o.AllowedTools, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert override for %s: %w", o.AgentType, err)
	}
	return nil
}

func (s *SQLStore) DeleteOverridesForCard(ctx context.Context, orgID, cardID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM agent_overrides WHERE org_id = ? AND card_id = ?`), orgID, cardID)
	if err != nil {
		return fmt.Errorf("delete overrides for card %s: %w", cardID, err)
	}
	return nil
}

func (s *SQLStore) ListOverrides(ctx context.Context, orgID, agentType string) ([]AgentOverride, error) {
	var rows []AgentOverride
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+overrideColumns+` FROM agent_overrides
		WHERE org_id = ? AND agent_type = ? ORDER BY created_at, id`), orgID, agentType)
	if err != nil {
		return nil, fmt.Errorf("list overrides for %s: %w", agentType, err)
	}
	return rows, nil
}

var _ Store = (*SQLStore)(nil)
