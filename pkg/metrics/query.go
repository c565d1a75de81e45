package metrics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// DefaultWindow is the lookback used by JobStats when none is given.
const DefaultWindow = 24 * time.Hour

// JobStats aggregates job and completion metrics over a time window.
type JobStats struct {
	Window       string             `json:"window"`
	Finished     map[string]float64 `json:"finished"`
	P95Seconds   float64            `json:"p95_duration_seconds"`
	TotalTokens  float64            `json:"total_tokens"`
	TotalCostUSD float64            `json:"total_cost_usd"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
	now      func() time.Time
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
		now:      time.Now,
	}, nil
}

// JobStats queries finished-job counts by status, the p95 job duration and
// token and cost totals for the window ending now.
func (q *QueryService) JobStats(ctx context.Context, window time.Duration) (*JobStats, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	rng := model.Duration(window).String()
	stats := &JobStats{Window: rng, Finished: make(map[string]float64)}

	finished, err := q.vector(ctx, fmt.Sprintf(`sum by (status) (increase(foreman_jobs_total[%s]))`, rng))
	if err != nil {
		return nil, fmt.Errorf("failed to query finished jobs: %w", err)
	}
	for _, sample := range finished {
		if status, ok := sample.Metric["status"]; ok {
			stats.Finished[string(status)] = float64(sample.Value)
		}
	}

	if stats.P95Seconds, err = q.scalar(ctx, fmt.Sprintf(
		`histogram_quantile(0.95, sum by (le) (rate(foreman_job_duration_seconds_bucket[%s])))`, rng)); err != nil {
		return nil, fmt.Errorf("failed to query job duration: %w", err)
	}
	if stats.TotalTokens, err = q.scalar(ctx, fmt.Sprintf(`sum(increase(foreman_llm_tokens_total[%s]))`, rng)); err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	if stats.TotalCostUSD, err = q.scalar(ctx, fmt.Sprintf(`sum(increase(foreman_llm_costs_usd_total[%s]))`, rng)); err != nil {
		return nil, fmt.Errorf("failed to query cost: %w", err)
	}
	return stats, nil
}

func (q *QueryService) vector(ctx context.Context, query string) (model.Vector, error) {
	result, _, err := q.queryAPI.Query(ctx, query, q.now())
	if err != nil {
		return nil, err
	}
	vector, _ := result.(model.Vector)
	return vector, nil
}

// scalar returns the first sample of a vector query, or 0 for an empty or NaN result.
func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	vector, err := q.vector(ctx, query)
	if err != nil || len(vector) == 0 {
		return 0, err
	}
	v := float64(vector[0].Value)
	if math.IsNaN(v) {
		return 0, nil
	}
	return v, nil
}
