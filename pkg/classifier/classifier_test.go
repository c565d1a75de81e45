package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/agent/llm"
	"foreman/pkg/catalog"
	"foreman/pkg/config"
	"foreman/pkg/persistence"
)

type stubClient struct {
	content string
	err     error
	panics  bool
	last    llm.CompletionRequest
}

func (s *stubClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.last = req
	if s.panics {
		panic("boom")
	}
	return llm.CompletionResponse{Content: s.content}, s.err
}

func (s *stubClient) GetModelName() string { return "stub" }

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c := catalog.New(nil)
	require.NoError(t, c.Put(catalog.Agent{
		Name:         "payments-fixer",
		Modules:      []string{"payments"},
		Keywords:     []string{"checkout", "webhook", "signature"},
		SystemPrompt: "fix payments",
	}))
	return c
}

func paymentIssue() *persistence.Issue {
	return &persistence.Issue{
		ID:          "issue-1",
		OrgID:       "org-1",
		Type:        persistence.IssueTypeBug,
		Priority:    persistence.PriorityCritical,
		Title:       "Webhook rejected",
		Description: "payment webhook signature check fails",
	}
}

func TestHeuristicScenario(t *testing.T) {
	c := New(nil, testCatalog(t))
	res := c.Classify(context.Background(), paymentIssue())

	assert.Equal(t, SourceHeuristic, res.Source)
	assert.GreaterOrEqual(t, res.Complexity, 6)
	assert.Equal(t, "payments", res.Module)
	assert.Equal(t, "payments-fixer", res.SuggestedAgent)
	assert.Equal(t, config.TierForComplexity(res.Complexity), res.SuggestedModel)
	assert.InDelta(t, 0.4, res.Confidence, 1e-9)
	assert.Equal(t, 1, res.Priority.QueuePriority())
}

func TestHeuristicComplexity(t *testing.T) {
	tests := []struct {
		name  string
		issue persistence.Issue
		want  int
	}{
		{"plain task", persistence.Issue{Type: persistence.IssueTypeTask, Title: "do it"}, 5},
		{"question", persistence.Issue{Type: persistence.IssueTypeQuestion, Title: "how?"}, 4},
		{"cosmetic", persistence.Issue{Type: persistence.IssueTypeEnhancement, Title: "Fix typo and font color in css"}, 1},
		{"heavy", persistence.Issue{
			Type:        persistence.IssueTypeFeature,
			Title:       "Database migration for payment integration",
			Description: "architecture, performance, security, concurrency, webhook",
		}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, heuristicComplexity(&tt.issue))
		})
	}
}

func TestLLMPath(t *testing.T) {
	client := &stubClient{content: "Sure!\n```json\n" + `{"issue_type":"bug","priority":"high","complexity":9,
		"module":"payments","suggested_agent":"payments-fixer","suggested_model":"premium",
		"confidence":0.9,"reasoning":"signature verification"}` + "\n```"}
	c := New(client, testCatalog(t))

	res := c.Classify(context.Background(), paymentIssue())
	assert.Equal(t, SourceLLM, res.Source)
	assert.Equal(t, 9, res.Complexity)
	assert.Equal(t, config.TierPremium, res.SuggestedModel)
	assert.Equal(t, persistence.PriorityHigh, res.Priority)
	assert.Equal(t, "payments-fixer", res.SuggestedAgent)
	assert.True(t, client.last.JSONMode)
	assert.Contains(t, client.last.Messages[0].Content, "payments-fixer")
}

func TestLLMOutputRepaired(t *testing.T) {
	client := &stubClient{content: `{"issue_type":"saga","priority":"urgent","complexity":42,
		"module":"moon","suggested_agent":"nobody","suggested_model":"ultra","confidence":7}`}
	c := New(client, testCatalog(t))

	res := c.Classify(context.Background(), paymentIssue())
	assert.Equal(t, SourceLLM, res.Source)
	assert.Equal(t, persistence.IssueTypeBug, res.IssueType)
	assert.Equal(t, persistence.PriorityCritical, res.Priority)
	assert.Equal(t, 10, res.Complexity)
	assert.Equal(t, config.TierPremium, res.SuggestedModel)
	assert.Equal(t, "payments", res.Module)
	assert.Equal(t, "payments-fixer", res.SuggestedAgent)
	assert.InDelta(t, 0.7, res.Confidence, 1e-9)
}

func TestNeverFails(t *testing.T) {
	cases := map[string]*stubClient{
		"malformed json": {content: "I think this is a bug"},
		"broken json":    {content: `{"complexity": }`},
		"llm error":      {err: errors.New("503")},
		"panic":          {panics: true},
	}
	for name, client := range cases {
		t.Run(name, func(t *testing.T) {
			res := New(client, testCatalog(t)).Classify(context.Background(), paymentIssue())
			assert.Equal(t, SourceHeuristic, res.Source)
			assert.GreaterOrEqual(t, res.Complexity, 1)
			assert.LessOrEqual(t, res.Complexity, 10)
			assert.True(t, config.IsValidTier(res.SuggestedModel))
		})
	}
}

func TestNilCatalog(t *testing.T) {
	res := New(nil, nil).Classify(context.Background(), &persistence.Issue{Type: persistence.IssueTypeTask})
	assert.Equal(t, "general", res.Module)
	assert.Equal(t, "general", res.SuggestedAgent)
	assert.Equal(t, persistence.PriorityMedium, res.Priority)
}
