package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the completion collectors on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_llm_requests_total",
				Help: "Total number of completion requests by model, purpose, tier and status",
			},
			[]string{"model", "purpose", "tier", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_llm_tokens_total",
				Help: "Total number of tokens used in completion requests",
			},
			[]string{"model", "purpose", "type"},
		),
		costsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_llm_costs_usd_total",
				Help: "Estimated cost in USD of completion requests",
			},
			[]string{"model", "purpose"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foreman_llm_request_duration_seconds",
				Help:    "Duration of completion requests in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model", "purpose"},
		),
	}
}

// ObserveRequest records one completion call.
func (p *PrometheusRecorder) ObserveRequest(r Request) {
	status := "success"
	if !r.Success {
		status = "error"
	}
	p.requestsTotal.WithLabelValues(r.Model, r.Purpose, r.Tier, status, r.ErrorType).Inc()
	if r.Success {
		p.tokensTotal.WithLabelValues(r.Model, r.Purpose, "input").Add(float64(r.InputTokens))
		p.tokensTotal.WithLabelValues(r.Model, r.Purpose, "output").Add(float64(r.OutputTokens))
		p.costsTotal.WithLabelValues(r.Model, r.Purpose).Add(r.Cost)
	}
	p.requestDuration.WithLabelValues(r.Model, r.Purpose).Observe(r.Duration.Seconds())
}
