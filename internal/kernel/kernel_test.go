package kernel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/config"
	"foreman/pkg/dispatch"
	"foreman/pkg/feedback"
	"foreman/pkg/persistence"
)

// testConfig returns a configuration that needs no network or API keys.
func testConfig(t *testing.T, queueKind string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "foreman.db")
	cfg.Queue.Kind = queueKind
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Classifier.UseLLM = false
	cfg.Feedback.UseLLM = false
	cfg.Catalog = config.CatalogConfig{}
	cfg.Executor.WorkspaceRoot = t.TempDir()
	cfg.API.Addr = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())
	return cfg
}

func newKernel(t *testing.T, cfg *config.Config) *Kernel {
	t.Helper()
	k, err := NewKernel(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Stop() })
	return k
}

func TestNewKernelQueueKinds(t *testing.T) {
	tests := []struct {
		kind  string
		check func(t *testing.T, q dispatch.Queue)
	}{
		{QueueMemory, func(t *testing.T, q dispatch.Queue) { assert.IsType(t, &dispatch.MemoryQueue{}, q) }},
		{QueueStore, func(t *testing.T, q dispatch.Queue) { assert.IsType(t, &dispatch.StoreQueue{}, q) }},
		{QueueNone, func(t *testing.T, q dispatch.Queue) { assert.Nil(t, q) }},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			k := newKernel(t, testConfig(t, tt.kind))
			tt.check(t, k.Queue)
			assert.NotNil(t, k.Orchestrator)
			assert.NotNil(t, k.Board)
			assert.Nil(t, k.Stats)
		})
	}
}

func TestNewKernelRejectsBadDatabase(t *testing.T) {
	cfg := testConfig(t, QueueMemory)
	cfg.Database.DSN = filepath.Join(t.TempDir(), "missing", "dir", "foreman.db")
	_, err := NewKernel(context.Background(), cfg)
	require.Error(t, err)
}

func TestStartWorkersNeedsQueue(t *testing.T) {
	k := newKernel(t, testConfig(t, QueueNone))
	require.NoError(t, k.Start())
	assert.Error(t, k.StartWorkers())
}

// seedRunningJob leaves a claimed job behind, as a process that is still
// working on it (or died while doing so) would.
func seedRunningJob(t *testing.T, cfg *config.Config, timeoutSeconds int) (orgID, jobID string) {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	require.NoError(t, err)
	store := persistence.NewSQLStore(db)
	issue := &persistence.Issue{OrgID: "org-a", Type: persistence.IssueTypeBug, Priority: persistence.PriorityHigh, Title: "crash"}
	require.NoError(t, store.CreateIssue(ctx, issue))
	job := &persistence.Job{
		IssueID:     issue.ID,
		OrgID:       "org-a",
		AgentType:   "general",
		ModelTier:   config.TierFast,
		MaxAttempts: 3,
		Config:      persistence.JobConfig{TimeoutSeconds: timeoutSeconds},
	}
	require.NoError(t, store.CreateJob(ctx, job))
	_, err = store.ClaimJob(ctx, "org-a", job.ID)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	return "org-a", job.ID
}

func TestStartReconcilesStaleJobs(t *testing.T) {
	cfg := testConfig(t, QueueMemory)
	cfg.Orchestrator.StaleAfter = 0
	ctx := context.Background()
	org, jobID := seedRunningJob(t, cfg, 0)

	k := newKernel(t, cfg)
	require.NoError(t, k.Start())
	assert.Error(t, k.Start(), "second start")

	got, err := k.Store.GetJob(ctx, org, jobID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)

	depth, err := k.Queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestStartLeavesLiveJobsRunning(t *testing.T) {
	cfg := testConfig(t, QueueMemory)
	ctx := context.Background()
	org, jobID := seedRunningJob(t, cfg, 600)

	k := newKernel(t, cfg)
	require.NoError(t, k.Start())

	got, err := k.Store.GetJob(ctx, org, jobID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobStatusRunning, got.Status)
	assert.Zero(t, got.Attempts)

	depth, err := k.Queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestAPIServerUsesKernelServices(t *testing.T) {
	k := newKernel(t, testConfig(t, QueueMemory))
	require.NoError(t, k.Start())
	handler := k.NewAPIServer().Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "foreman_queue_depth")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStartFeedbackStopsWhenIdle(t *testing.T) {
	k := newKernel(t, testConfig(t, QueueNone))
	require.NoError(t, k.Start())

	done, err := k.StartFeedback("org-a", &feedback.Config{Interval: time.Millisecond, BatchSize: 5})
	require.NoError(t, err)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("feedback loop did not stop")
	}
	_, running := k.Feedback.Get("org-a")
	assert.False(t, running)
}

func TestStopClosesDatabase(t *testing.T) {
	k, err := NewKernel(context.Background(), testConfig(t, QueueStore))
	require.NoError(t, err)
	require.NoError(t, k.Start())
	require.NoError(t, k.StartWorkers())

	require.NoError(t, k.Stop())
	assert.Error(t, k.Store.Ping(context.Background()))
	select {
	case <-k.Done():
	default:
		t.Fatal("kernel context still live after Stop")
	}
}
