package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.JobSubmitted("general", "fast")
	r.JobFinished("general", "fast", "completed", 3*time.Second, 4, 1200)
	r.JobFinished("general", "fast", "failed", 0, 0, 0)
	r.SetQueueDepth(7)
	r.FeedbackReceived("made_worse")
	r.FeedbackItem("intake", nil)
	r.FeedbackItem("intake", errors.New("boom"))
	r.CardMoved("incoming", "analysis")
	r.RunnerIteration()

	values := gather(t, reg)
	assert.Equal(t, 1.0, values[`foreman_jobs_submitted_total{agent_type="general",tier="fast"}`])
	assert.Equal(t, 1.0, values[`foreman_jobs_total{agent_type="general",status="failed",tier="fast"}`])
	assert.Equal(t, 1200.0, values[`foreman_job_tokens_total{agent_type="general"}`])
	assert.Equal(t, 7.0, values[`foreman_queue_depth{}`])
	assert.Equal(t, 1.0, values[`foreman_feedback_items_total{pass="intake",result="error"}`])
	assert.Equal(t, 1.0, values[`foreman_cards_moved_total{from="incoming",to="analysis"}`])
	assert.Equal(t, 1.0, values[`foreman_job_duration_seconds{agent_type="general"}`], "one observation")
}

// gather flattens counters, gauges and histogram sample counts into name{labels} keys.
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			key := mf.GetName() + "{" + strings.Join(labels, ",") + "}"
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.JobSubmitted("a", "b")
		r.JobFinished("a", "b", "completed", time.Second, 1, 1)
		r.SetQueueDepth(1)
		r.FeedbackItem("analysis", nil)
		r.RunnerIteration()
	})
}

func TestJobStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		query := r.Form.Get("query")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(query, "foreman_jobs_total"):
			_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[
				{"metric":{"status":"completed"},"value":[1700000000,"12"]},
				{"metric":{"status":"failed"},"value":[1700000000,"3"]}]}}`))
		case strings.Contains(query, "histogram_quantile"):
			_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[
				{"metric":{},"value":[1700000000,"NaN"]}]}}`))
		case strings.Contains(query, "foreman_llm_tokens_total"):
			_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[
				{"metric":{},"value":[1700000000,"45000"]}]}}`))
		default:
			_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
		}
	}))
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)
	stats, err := q.JobStats(context.Background(), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "1h", stats.Window)
	assert.Equal(t, map[string]float64{"completed": 12, "failed": 3}, stats.Finished)
	assert.Zero(t, stats.P95Seconds)
	assert.Equal(t, 45000.0, stats.TotalTokens)
	assert.Zero(t, stats.TotalCostUSD)
}

func TestJobStatsPropagatesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)
	_, err = q.JobStats(context.Background(), 0)
	assert.Error(t, err)
}
