// Package api is the HTTP surface: issue intake and status, feedback, the
// improvement board, health, metrics and event streams.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"foreman/pkg/dispatch"
	"foreman/pkg/events"
	"foreman/pkg/logx"
	"foreman/pkg/metrics"
	"foreman/pkg/orchestrator"
	"foreman/pkg/persistence"
)

const shutdownTimeout = 5 * time.Second

// Orchestrator is the intake and job-control surface.
type Orchestrator interface {
	SubmitIssue(ctx context.Context, in orchestrator.IssueInput, orgID, userID string) (*orchestrator.Submission, error)
	ResubmitIssue(ctx context.Context, issueID, orgID, userID string) (*orchestrator.Submission, error)
	CancelJob(ctx context.Context, jobID, orgID string) error
	GetIssueStatus(ctx context.Context, issueID, orgID string) (*orchestrator.IssueStatus, error)
}

// Store is the persistence the handlers read and write directly.
type Store interface {
	GetJob(ctx context.Context, orgID, id string) (*persistence.Job, error)
	CreateFeedback(ctx context.Context, fb *persistence.Feedback) error
	JobStatusCounts(ctx context.Context, orgID string) (map[persistence.JobStatus]int, error)
	Ping(ctx context.Context) error
}

// Board moves and lists improvement cards.
type Board interface {
	Move(ctx context.Context, orgID, cardID string, to persistence.CardColumn) (*persistence.ImprovementCard, error)
	List(ctx context.Context, orgID string, column persistence.CardColumn, limit int) ([]persistence.ImprovementCard, error)
}

// CompletionChecker pings the configured completion providers, keyed by tier.
type CompletionChecker interface {
	Ping(ctx context.Context) map[string]error
}

// StatsQuerier reads aggregated job metrics back from Prometheus.
type StatsQuerier interface {
	JobStats(ctx context.Context, window time.Duration) (*metrics.JobStats, error)
}

// FeedbackMetrics counts received feedback.
type FeedbackMetrics interface {
	FeedbackReceived(outcome string)
}

// Deps are the server's collaborators. Queue, Completion, Stats and Metrics are optional.
type Deps struct {
	Orchestrator Orchestrator
	Store        Store
	Board        Board
	Queue        dispatch.Queue
	Bus          *events.Bus
	Gatherer     prometheus.Gatherer
	Completion   CompletionChecker
	Stats        StatsQuerier
	Metrics      FeedbackMetrics
}

// Server serves the HTTP API.
type Server struct {
	deps   Deps
	echo   *echo.Echo
	logger *logx.Logger
}

// NewServer builds the router. An empty jwtSecret trusts the identity headers.
func NewServer(deps Deps, jwtSecret string) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{deps: deps, echo: echo.New(), logger: logx.NewLogger("api")}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = NewErrorHandler(s.logger)
	e.Validator = NewAppValidator()
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(RequestLogger(s.logger))

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	g := e.Group("", Authenticate(jwtSecret))
	g.POST("/issues", s.handleSubmitIssue)
	g.GET("/issues/:id", s.handleGetIssue)
	g.POST("/issues/:id/cancel", s.handleCancelIssue)
	g.POST("/issues/:id/resubmit", s.handleResubmitIssue)
	g.POST("/feedback", s.handleSubmitFeedback)
	g.GET("/cards", s.handleListCards)
	g.POST("/cards/:id/move", s.handleMoveCard)
	g.GET("/events/jobs/:id", s.handleJobEvents)
	g.GET("/events/org", s.handleOrgEvents)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr and serves in the background until ctx ends. Bind
// errors are returned; later serve errors are logged.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting API server on %s", ln.Addr())

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		//nolint:contextcheck // parent is cancelled; shutdown needs a fresh context
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed: %v", err)
		}
	}()
	return nil
}
