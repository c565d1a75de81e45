package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"foreman/pkg/metrics"
	"foreman/pkg/persistence"
	"foreman/pkg/version"
)

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const healthCheckTimeout = 3 * time.Second

type healthCheck struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type healthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Checks   map[string]healthCheck `json:"checks"`
	JobStats jobStats               `json:"job_stats"`
}

type jobStats struct {
	Counts     map[persistence.JobStatus]int `json:"counts"`
	Prometheus *metrics.JobStats             `json:"prometheus,omitempty"`
	QueryError string                        `json:"query_error,omitempty"`
}

// handleHealth reports store, queue and completion-provider health. A failing
// store is unhealthy; any other failing check degrades.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: StatusHealthy, Version: version.Version, Checks: make(map[string]healthCheck, 3)}

	if err := s.deps.Store.Ping(ctx); err != nil {
		resp.Checks["store"] = healthCheck{Status: StatusUnhealthy, Detail: err.Error()}
		resp.Status = StatusUnhealthy
	} else {
		resp.Checks["store"] = healthCheck{Status: StatusHealthy}
	}

	if s.deps.Queue == nil {
		resp.Checks["queue"] = healthCheck{Status: StatusHealthy, Detail: "inline"}
	} else if depth, err := s.deps.Queue.Depth(ctx); err != nil {
		resp.Checks["queue"] = healthCheck{Status: StatusDegraded, Detail: err.Error()}
		resp.degrade()
	} else {
		resp.Checks["queue"] = healthCheck{Status: StatusHealthy, Detail: "depth " + strconv.Itoa(depth)}
	}

	resp.Checks["completion_service"] = s.completionCheck(ctx)
	if resp.Checks["completion_service"].Status != StatusHealthy {
		resp.degrade()
	}

	// Operator view: counts across all orgs, no tenant rows.
	if counts, err := s.deps.Store.JobStatusCounts(ctx, ""); err == nil {
		resp.JobStats.Counts = counts
	} else {
		resp.JobStats.Counts = map[persistence.JobStatus]int{}
	}
	if s.deps.Stats != nil {
		stats, err := s.deps.Stats.JobStats(ctx, metrics.DefaultWindow)
		if err != nil {
			resp.JobStats.QueryError = err.Error()
		} else {
			resp.JobStats.Prometheus = stats
		}
	}

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (r *healthResponse) degrade() {
	if r.Status == StatusHealthy {
		r.Status = StatusDegraded
	}
}

// completionCheck pings providers that support it. Cloud providers without a
// ping endpoint report "configured".
func (s *Server) completionCheck(ctx context.Context) healthCheck {
	if s.deps.Completion == nil {
		return healthCheck{Status: StatusHealthy, Detail: "configured"}
	}
	results := s.deps.Completion.Ping(ctx)
	if len(results) == 0 {
		return healthCheck{Status: StatusHealthy, Detail: "configured"}
	}
	var failed []string
	for tier, err := range results {
		if err != nil {
			failed = append(failed, tier+": "+err.Error())
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return healthCheck{Status: StatusDegraded, Detail: strings.Join(failed, "; ")}
	}
	return healthCheck{Status: StatusHealthy, Detail: "reachable"}
}
