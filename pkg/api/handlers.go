package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"foreman/pkg/events"
	"foreman/pkg/executor"
	"foreman/pkg/orchestrator"
	"foreman/pkg/persistence"
)

const (
	defaultCardLimit = 50
	maxCardLimit     = 200
)

type submitIssueRequest struct {
	Type        string                   `json:"type" validate:"required,oneof=bug feature enhancement question task deployment"`
	Title       string                   `json:"title" validate:"required,max=500"`
	Description string                   `json:"description" validate:"required,max=50000"`
	Priority    string                   `json:"priority" validate:"omitempty,oneof=critical high medium low"`
	Source      string                   `json:"source" validate:"omitempty,oneof=manual trigger external_sync webhook scheduled"`
	Context     persistence.IssueContext `json:"context"`
	ExternalID  string                   `json:"external_id" validate:"max=255"`
	CallbackURL string                   `json:"callback_url" validate:"omitempty,url"`
}

type submitFeedbackRequest struct {
	JobID   string   `json:"job_id" validate:"required"`
	Rating  int      `json:"rating" validate:"required,min=1,max=5"`
	Outcome string   `json:"outcome" validate:"required,oneof=solved partial not_solved made_worse"`
	Tags    []string `json:"tags" validate:"max=10,dive,required,max=50"`
	Comment string   `json:"comment" validate:"max=5000"`
}

type moveCardRequest struct {
	Column string `json:"column" validate:"required"`
}

type jobView struct {
	ID          string                `json:"id"`
	AgentType   string                `json:"agent_type"`
	ModelTier   string                `json:"model_tier"`
	Status      persistence.JobStatus `json:"status"`
	Attempts    int                   `json:"attempts"`
	MaxAttempts int                   `json:"max_attempts"`
	Error       string                `json:"error,omitempty"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Logs        []persistence.JobLog  `json:"logs"`
}

type issueView struct {
	ID        string                    `json:"id"`
	Status    persistence.IssueStatus   `json:"status"`
	Type      persistence.IssueType     `json:"type"`
	Priority  persistence.IssuePriority `json:"priority"`
	Title     string                    `json:"title"`
	CreatedAt time.Time                 `json:"created_at"`
	Job       *jobView                  `json:"job,omitempty"`
	Result    *executor.JobResult       `json:"result,omitempty"`
	Artifacts []persistence.Artifact    `json:"artifacts,omitempty"`
}

func (s *Server) handleSubmitIssue(c echo.Context) error {
	var req submitIssueRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	id := IdentityFrom(c)
	sub, err := s.deps.Orchestrator.SubmitIssue(c.Request().Context(), orchestrator.IssueInput{
		Type:        persistence.IssueType(req.Type),
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Priority:    persistence.IssuePriority(req.Priority),
		Source:      persistence.IssueSource(req.Source),
		Context:     req.Context,
		ExternalID:  req.ExternalID,
		CallbackURL: req.CallbackURL,
	}, id.OrgID, id.UserID)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusAccepted, sub)
}

func (s *Server) handleGetIssue(c echo.Context) error {
	status, err := s.issueStatus(c)
	if err != nil {
		return err
	}
	issue := status.Issue
	view := issueView{
		ID:        issue.ID,
		Status:    issue.Status,
		Type:      issue.Type,
		Priority:  issue.Priority,
		Title:     issue.Title,
		CreatedAt: issue.CreatedAt,
		Result:    status.Result,
		Artifacts: status.Artifacts,
	}
	if job := status.Job; job != nil {
		logs := status.Logs
		if logs == nil {
			logs = []persistence.JobLog{}
		}
		view.Job = &jobView{
			ID:          job.ID,
			AgentType:   job.AgentType,
			ModelTier:   job.ModelTier,
			Status:      job.Status,
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			Error:       job.Error,
			StartedAt:   job.StartedAt,
			CompletedAt: job.CompletedAt,
			Logs:        logs,
		}
	}
	return JSON(c, http.StatusOK, view)
}

func (s *Server) handleCancelIssue(c echo.Context) error {
	status, err := s.issueStatus(c)
	if err != nil {
		return err
	}
	if status.Job == nil {
		return fmt.Errorf("issue %s: %w", status.Issue.ID, ErrNoJob)
	}
	if err := s.deps.Orchestrator.CancelJob(c.Request().Context(), status.Job.ID, IdentityFrom(c).OrgID); err != nil {
		return err
	}
	return JSON(c, http.StatusOK, map[string]string{"status": string(persistence.JobStatusCancelled)})
}

func (s *Server) handleResubmitIssue(c echo.Context) error {
	id := IdentityFrom(c)
	sub, err := s.deps.Orchestrator.ResubmitIssue(c.Request().Context(), c.Param("id"), id.OrgID, id.UserID)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusAccepted, sub)
}

// issueStatus loads the :id issue for the caller's org. Foreign issues read as not found.
func (s *Server) issueStatus(c echo.Context) (*orchestrator.IssueStatus, error) {
	issueID := c.Param("id")
	status, err := s.deps.Orchestrator.GetIssueStatus(c.Request().Context(), issueID, IdentityFrom(c).OrgID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, fmt.Errorf("issue %s: %w", issueID, persistence.ErrNotFound)
	}
	return status, nil
}

func (s *Server) handleSubmitFeedback(c echo.Context) error {
	var req submitFeedbackRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	orgID := IdentityFrom(c).OrgID

	job, err := s.deps.Store.GetJob(ctx, orgID, req.JobID)
	if err != nil {
		return err
	}
	if job.Status != persistence.JobStatusCompleted {
		return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrJobNotCompleted)
	}

	fb := &persistence.Feedback{
		OrgID:     orgID,
		JobID:     job.ID,
		IssueID:   job.IssueID,
		AgentType: job.AgentType,
		Rating:    req.Rating,
		Outcome:   persistence.FeedbackOutcome(req.Outcome),
		Tags:      req.Tags,
		Comment:   req.Comment,
	}
	if err := s.deps.Store.CreateFeedback(ctx, fb); err != nil {
		return err
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.FeedbackReceived(req.Outcome)
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(events.Event{
			Type:  events.FeedbackReceived,
			OrgID: orgID,
			JobID: job.ID,
			Data: map[string]any{
				"feedback_id": fb.ID,
				"agent_type":  fb.AgentType,
				"rating":      fb.Rating,
				"outcome":     req.Outcome,
			},
		})
	}
	return JSON(c, http.StatusCreated, fb)
}

// handleListCards lists one column, or every column in pipeline order when none is given.
func (s *Server) handleListCards(c echo.Context) error {
	limit := defaultCardLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return &ValidationError{Field: "limit", Message: "must be a positive integer"}
		}
		limit = min(n, maxCardLimit)
	}

	columns := append(persistence.NonTerminalColumns(), persistence.ColumnDone, persistence.ColumnDismissed)
	if col := c.QueryParam("column"); col != "" {
		if !persistence.ValidColumn(col) {
			return &ValidationError{Field: "column", Message: fmt.Sprintf("unknown column %q", col)}
		}
		columns = []persistence.CardColumn{persistence.CardColumn(col)}
	}

	ctx := c.Request().Context()
	orgID := IdentityFrom(c).OrgID
	cards := []persistence.ImprovementCard{}
	for _, col := range columns {
		rows, err := s.deps.Board.List(ctx, orgID, col, limit)
		if err != nil {
			return err
		}
		cards = append(cards, rows...)
	}
	return JSON(c, http.StatusOK, cards)
}

func (s *Server) handleMoveCard(c echo.Context) error {
	var req moveCardRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if !persistence.ValidColumn(req.Column) {
		return &ValidationError{Field: "column", Message: fmt.Sprintf("unknown column %q", req.Column)}
	}
	card, err := s.deps.Board.Move(c.Request().Context(), IdentityFrom(c).OrgID, c.Param("id"), persistence.CardColumn(req.Column))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, card)
}

func (s *Server) handleJobEvents(c echo.Context) error {
	ctx := c.Request().Context()
	orgID := IdentityFrom(c).OrgID
	job, err := s.deps.Store.GetJob(ctx, orgID, c.Param("id"))
	if err != nil {
		return err
	}
	return s.stream(c, events.Filter{OrgID: orgID, JobID: job.ID})
}

func (s *Server) handleOrgEvents(c echo.Context) error {
	return s.stream(c, events.Filter{OrgID: IdentityFrom(c).OrgID})
}

func (s *Server) stream(c echo.Context, filter events.Filter) error {
	if s.deps.Bus == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming is not configured")
	}
	sub := s.deps.Bus.Subscribe(filter, events.DefaultBuffer)
	if err := events.ServeSSE(c.Request().Context(), c.Response(), sub); err != nil {
		s.logger.Debug("event stream for org %s ended: %v", filter.OrgID, err)
	}
	return nil
}
