// Package metrics records job and feedback-loop metrics and queries them back from Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the job and feedback collectors. A nil *Recorder discards everything.
type Recorder struct {
	jobsSubmitted    *prometheus.CounterVec
	jobsFinished     *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTurns         prometheus.Histogram
	jobTokens        *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	feedbackReceived *prometheus.CounterVec
	feedbackItems    *prometheus.CounterVec
	cardsMoved       *prometheus.CounterVec
	runnerIterations prometheus.Counter
}

// NewRecorder registers the collectors on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		jobsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_jobs_submitted_total",
				Help: "Jobs created, by agent type and model tier",
			},
			[]string{"agent_type", "tier"},
		),
		jobsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_jobs_total",
				Help: "Jobs that reached a terminal status",
			},
			[]string{"agent_type", "tier", "status"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foreman_job_duration_seconds",
				Help:    "Wall-clock duration of job execution",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
			},
			[]string{"agent_type"},
		),
		jobTurns: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "foreman_job_turns",
			Help:    "Model turns used per job",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),
		jobTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_job_tokens_total",
				Help: "Tokens used by jobs, by agent type",
			},
			[]string{"agent_type"},
		),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "foreman_queue_depth",
			Help: "Messages waiting in the dispatch queue",
		}),
		feedbackReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_feedback_received_total",
				Help: "Feedback submitted, by outcome",
			},
			[]string{"outcome"},
		),
		feedbackItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_feedback_items_total",
				Help: "Items processed by the feedback loop, by pass and result",
			},
			[]string{"pass", "result"},
		),
		cardsMoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_cards_moved_total",
				Help: "Improvement card column transitions",
			},
			[]string{"from", "to"},
		),
		runnerIterations: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_feedback_iterations_total",
			Help: "Completed feedback loop iterations",
		}),
	}
}

func (r *Recorder) JobSubmitted(agentType, tier string) {
	if r == nil {
		return
	}
	r.jobsSubmitted.WithLabelValues(agentType, tier).Inc()
}

// JobFinished records a terminal job. turns and tokens are zero when the job never ran.
func (r *Recorder) JobFinished(agentType, tier, status string, d time.Duration, turns, tokens int) {
	if r == nil {
		return
	}
	r.jobsFinished.WithLabelValues(agentType, tier, status).Inc()
	if d > 0 {
		r.jobDuration.WithLabelValues(agentType).Observe(d.Seconds())
	}
	if turns > 0 {
		r.jobTurns.Observe(float64(turns))
	}
	if tokens > 0 {
		r.jobTokens.WithLabelValues(agentType).Add(float64(tokens))
	}
}

func (r *Recorder) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}

func (r *Recorder) FeedbackReceived(outcome string) {
	if r == nil {
		return
	}
	r.feedbackReceived.WithLabelValues(outcome).Inc()
}

// FeedbackItem counts one item handled by a feedback-loop pass.
func (r *Recorder) FeedbackItem(pass string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.feedbackItems.WithLabelValues(pass, result).Inc()
}

func (r *Recorder) CardMoved(from, to string) {
	if r == nil {
		return
	}
	r.cardsMoved.WithLabelValues(from, to).Inc()
}

func (r *Recorder) RunnerIteration() {
	if r == nil {
		return
	}
	r.runnerIterations.Inc()
}
