package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"foreman/pkg/agent/llm"
	"foreman/pkg/events"
	"foreman/pkg/persistence"
)

// Analysis decisions.
const (
	DecisionKeep    = "keep"
	DecisionDismiss = "dismiss"
)

const (
	analyzeMaxTokens = 1024
	// keepThreshold is the highest mean rating the heuristic analyzer still acts on.
	keepThreshold = 3.0
)

// Verdict is an analyzer's decision about a card.
type Verdict struct {
	Decision    string                  `json:"decision"`
	Reasoning   string                  `json:"reasoning"`
	Impact      int                     `json:"impact"`
	Effort      int                     `json:"effort"`
	AutoApply   bool                    `json:"auto_apply"`
	Improvement persistence.Improvement `json:"improvement"`
}

// Analyzer decides whether a card is worth acting on and what to change.
type Analyzer interface {
	Analyze(ctx context.Context, card *persistence.ImprovementCard, feedback []persistence.Feedback) (Verdict, error)
}

// HeuristicAnalyzer keeps cards whose mean rating is 3 or lower and proposes
// a prompt addition built from the card checklist.
type HeuristicAnalyzer struct{}

// Analyze dismisses cards with no linked feedback or a mean rating above 3.
func (HeuristicAnalyzer) Analyze(_ context.Context, card *persistence.ImprovementCard, feedback []persistence.Feedback) (Verdict, error) {
	mean, ok := meanRating(feedback)
	if !ok {
		return Verdict{
			Decision:  DecisionDismiss,
			Reasoning: "no linked feedback",
			Impact:    1,
			Effort:    1,
		}, nil
	}
	if mean > keepThreshold {
		return Verdict{
			Decision:  DecisionDismiss,
			Reasoning: fmt.Sprintf("mean rating %.1f is acceptable", mean),
			Impact:    1,
			Effort:    1,
		}, nil
	}

	lines := make([]string, 0, len(card.Checklist))
	for _, item := range card.Checklist {
		if item.Text == defaultChecklist {
			continue
		}
		lines = append(lines, "- "+guidanceFor(item.Text))
	}
	if len(lines) == 0 {
		lines = append(lines, "- Re-read the issue and confirm the root cause before proposing changes.")
	}

	return Verdict{
		Decision:  DecisionKeep,
		Reasoning: fmt.Sprintf("mean rating %.1f across %d feedback", mean, len(feedback)),
		Impact:    impactFor(card),
		Effort:    3,
		AutoApply: true,
		Improvement: persistence.Improvement{
			PromptAppend: "Lessons from user feedback:\n" + strings.Join(lines, "\n"),
		},
	}, nil
}

var checklistGuidance = map[string]string{ //nolint:gochecknoglobals
	"review system prompt":                    "Verify every claim against the code you read; do not guess.",
	"check tool coverage and iteration limit": "Cover every part of the request before reporting, and report partial progress explicitly.",
	"review model tier":                       "Keep the investigation focused; read only the files you need.",
	"tighten file hints":                      "Start from the files named in the issue context and confirm paths with list_files.",
	"add grounding instructions":              "Only reference files, functions and APIs you have opened in this session.",
}

func guidanceFor(item string) string {
	if g, ok := checklistGuidance[item]; ok {
		return g
	}
	return item
}

func impactFor(card *persistence.ImprovementCard) int {
	switch {
	case card.HasLabel(LabelCritical):
		return 9
	case card.HasLabel(LabelHigh):
		return 7
	case card.HasLabel(LabelMedium):
		return 5
	default:
		return 3
	}
}

// LLMAnalyzer asks a model for a JSON verdict.
type LLMAnalyzer struct {
	client llm.LLMClient
}

// NewLLMAnalyzer returns an analyzer that asks client for each verdict.
func NewLLMAnalyzer(client llm.LLMClient) *LLMAnalyzer {
	return &LLMAnalyzer{client: client}
}

const analyzePrompt = `You review user feedback on an AI agent's work and decide whether it points to an improvement worth making.

Respond with a single JSON object:
{"decision": "keep" or "dismiss",
 "reasoning": "one or two sentences",
 "impact": 1-10,
 "effort": 1-10,
 "auto_apply": true if the improvement is safe to apply without review,
 "improvement": {"prompt_append": "text appended to the agent's system prompt",
                 "model_tier": "fast, standard, premium or empty",
                 "allowed_tools": ["only when the tool set should change"]}}

Dismiss feedback that is noise, off-topic or already satisfied.`

// Analyze requests a JSON verdict and clamps its scores. A malformed reply is an error.
func (a *LLMAnalyzer) Analyze(ctx context.Context, card *persistence.ImprovementCard, feedback []persistence.Feedback) (Verdict, error) {
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(analyzePrompt),
		llm.NewUserMessage(describeCard(card, feedback)),
	})
	req.MaxTokens = analyzeMaxTokens
	req.Temperature = llm.TemperatureDeterministic
	req.JSONMode = true

	ctx = llm.WithCallInfo(ctx, llm.CallInfo{Purpose: "analyze", OrgID: card.OrgID})
	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return Verdict{}, fmt.Errorf("completion failed: %w", err)
	}

	var v Verdict
	if err := llm.DecodeJSON(resp.Content, &v); err != nil {
		return Verdict{}, err
	}
	v.Decision = strings.ToLower(strings.TrimSpace(v.Decision))
	if v.Decision != DecisionKeep && v.Decision != DecisionDismiss {
		return Verdict{}, fmt.Errorf("unknown decision %q", v.Decision)
	}
	v.Impact = clamp(v.Impact, 1, 10)
	v.Effort = clamp(v.Effort, 1, 10)
	v.Improvement.ModelTier = strings.ToLower(strings.TrimSpace(v.Improvement.ModelTier))
	if v.Improvement.IsEmpty() {
		v.AutoApply = false
	}
	return v, nil
}

func describeCard(card *persistence.ImprovementCard, feedback []persistence.Feedback) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\nCard: %s\nLabels: %s\n\n%s\n", card.AgentType, card.Title,
		strings.Join(card.Labels, ", "), card.Description)
	if len(card.Checklist) > 0 {
		b.WriteString("\nChecklist:\n")
		for _, item := range card.Checklist {
			fmt.Fprintf(&b, "- %s\n", item.Text)
		}
	}
	b.WriteString("\nFeedback:\n")
	for i := range feedback {
		fb := &feedback[i]
		fmt.Fprintf(&b, "- rating %d, outcome %s", fb.Rating, fb.Outcome)
		if len(fb.Tags) > 0 {
			fmt.Fprintf(&b, ", tags %s", strings.Join(fb.Tags, ", "))
		}
		if fb.Comment != "" {
			fmt.Fprintf(&b, ": %s", fb.Comment)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// analyze runs the analyzer over cards in the analysis column, then promotes
// auto-apply cards from backlog.
func (r *Runner) analyze(ctx context.Context) (int, error) {
	if err := r.adoptIncoming(ctx); err != nil {
		return 0, err
	}
	cards, err := r.store.ListCardsByColumn(ctx, r.orgID, persistence.ColumnAnalysis, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("analysis: %w", err)
	}
	done := 0
	for i := range cards {
		card := &cards[i]
		if err := r.item(ctx, passAnalysis, func(ctx context.Context) error { return r.analyzeOne(ctx, card) }); err != nil {
			r.recordCardError(ctx, card.ID, err)
			continue
		}
		done++
	}

	promoted, err := r.promote(ctx)
	return done + promoted, err
}

// adoptIncoming moves cards left in incoming by a failed intake into analysis.
// Intake runs first on the same goroutine, so any card still there is stranded.
func (r *Runner) adoptIncoming(ctx context.Context) error {
	cards, err := r.store.ListCardsByColumn(ctx, r.orgID, persistence.ColumnIncoming, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	for i := range cards {
		card := &cards[i]
		if err := r.board.move(ctx, card, persistence.ColumnAnalysis, "analysis: adopted from incoming"); err != nil {
			r.recordCardError(ctx, card.ID, err)
			continue
		}
		r.board.markFeedback(ctx, card, persistence.ImprovementAnalyzed)
	}
	return nil
}

func (r *Runner) analyzeOne(ctx context.Context, card *persistence.ImprovementCard) error {
	feedback := r.linkedFeedback(ctx, card)
	v, err := r.analyzer.Analyze(ctx, card, feedback)
	if err != nil {
		return fmt.Errorf("analyze card %s: %w", card.ID, err)
	}

	card.ImpactScore = v.Impact
	card.EffortScore = v.Effort
	card.Improvement = v.Improvement
	card.AutoApply = v.AutoApply && !v.Improvement.IsEmpty()
	card.LastError = ""

	r.publisher.Publish(events.Event{
		Type:   events.CardAnalysis,
		OrgID:  r.orgID,
		CardID: card.ID,
		Data: map[string]any{
			"decision":   v.Decision,
			"reasoning":  v.Reasoning,
			"impact":     v.Impact,
			"effort":     v.Effort,
			"auto_apply": card.AutoApply,
		},
	})

	if v.Decision == DecisionDismiss {
		if err := r.board.move(ctx, card, persistence.ColumnDismissed, "analysis: "+v.Reasoning); err != nil {
			return err
		}
		r.board.markFeedback(ctx, card, persistence.ImprovementDismissed)
		return nil
	}
	return r.board.move(ctx, card, persistence.ColumnBacklog, "analysis")
}

// promote moves approved backlog cards to in_progress.
func (r *Runner) promote(ctx context.Context) (int, error) {
	cards, err := r.store.ListCardsByColumn(ctx, r.orgID, persistence.ColumnBacklog, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("promotion: %w", err)
	}
	n := 0
	for i := range cards {
		card := &cards[i]
		if !card.AutoApply || card.Improvement.IsEmpty() {
			continue
		}
		if err := r.board.move(ctx, card, persistence.ColumnInProgress, "auto_apply"); err != nil {
			r.logger.Warn("card %s: promotion failed: %v", card.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

// linkedFeedback loads the card's feedback rows, skipping any that disappeared.
func (r *Runner) linkedFeedback(ctx context.Context, card *persistence.ImprovementCard) []persistence.Feedback {
	rows := make([]persistence.Feedback, 0, len(card.FeedbackIDs))
	for _, id := range card.FeedbackIDs {
		fb, err := r.store.GetFeedback(ctx, r.orgID, id)
		if err != nil {
			if !errors.Is(err, persistence.ErrNotFound) {
				r.logger.Warn("card %s: feedback %s: %v", card.ID, id, err)
			}
			continue
		}
		rows = append(rows, *fb)
	}
	return rows
}
