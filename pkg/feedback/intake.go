package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"foreman/pkg/events"
	"foreman/pkg/persistence"
	"foreman/pkg/utils"
)

// Priority labels.
const (
	LabelCritical = "critical"
	LabelHigh     = "high"
	LabelMedium   = "medium"
	LabelLow      = "low"

	agentLabelPrefix = "agent:"
	defaultChecklist = "reproduce the issue"

	descriptionSummaryRunes = 1000
)

// tagChecklist seeds card checklists from feedback tags.
var tagChecklist = map[string]string{ //nolint:gochecknoglobals
	"inaccurate":    "review system prompt",
	"incomplete":    "check tool coverage and iteration limit",
	"slow":          "review model tier",
	"wrong_files":   "tighten file hints",
	"hallucination": "add grounding instructions",
}

// PriorityLabel ranks feedback: the lowest ratings and made_worse outcomes are critical.
func PriorityLabel(rating int, outcome persistence.FeedbackOutcome) string {
	switch {
	case rating <= 1 || outcome == persistence.OutcomeMadeWorse:
		return LabelCritical
	case rating == 2 || outcome == persistence.OutcomeNotSolved:
		return LabelHigh
	case rating == 3 || outcome == persistence.OutcomePartial:
		return LabelMedium
	default:
		return LabelLow
	}
}

// Checklist maps tags to checklist items, falling back to a single reproduction step.
func Checklist(tags []string) persistence.Checklist {
	var items persistence.Checklist
	seen := make(map[string]bool)
	for _, tag := range tags {
		text, ok := tagChecklist[strings.ToLower(strings.TrimSpace(tag))]
		if !ok || seen[text] {
			continue
		}
		seen[text] = true
		items = append(items, persistence.ChecklistItem{Text: text})
	}
	if len(items) == 0 {
		items = persistence.Checklist{{Text: defaultChecklist}}
	}
	return items
}

func cardTitle(fb *persistence.Feedback) string {
	return fmt.Sprintf("[%s] %d★ %s", fb.AgentType, fb.Rating, fb.Outcome)
}

func cardLabels(fb *persistence.Feedback) persistence.StringList {
	labels := persistence.StringList{PriorityLabel(fb.Rating, fb.Outcome), agentLabelPrefix + fb.AgentType}
	for _, tag := range fb.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		dup := false
		for _, l := range labels {
			if l == tag {
				dup = true
				break
			}
		}
		if !dup {
			labels = append(labels, tag)
		}
	}
	return labels
}

// intake turns pending feedback into cards in the analysis column.
func (r *Runner) intake(ctx context.Context) (int, error) {
	rows, err := r.store.ListPendingFeedback(ctx, r.orgID, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("intake: %w", err)
	}
	done := 0
	for i := range rows {
		fb := &rows[i]
		err := r.item(ctx, passIntake, func(ctx context.Context) error { return r.intakeOne(ctx, fb) })
		if err != nil {
			if uerr := r.store.UpdateFeedbackStatus(context.WithoutCancel(ctx), r.orgID, fb.ID, persistence.ImprovementFailed, ""); uerr != nil {
				r.logger.Warn("feedback %s: failed to mark failed: %v", fb.ID, uerr)
			}
			continue
		}
		done++
	}
	return done, nil
}

// intakeOne is idempotent: a feedback row already linked to a card reuses that card.
func (r *Runner) intakeOne(ctx context.Context, fb *persistence.Feedback) error {
	card, err := r.existingCard(ctx, fb)
	if err != nil {
		return err
	}

	if card == nil {
		card = &persistence.ImprovementCard{
			OrgID:       r.orgID,
			Title:       cardTitle(fb),
			Description: r.describe(ctx, fb),
			FeedbackIDs: persistence.StringList{fb.ID},
			AgentType:   fb.AgentType,
			Labels:      cardLabels(fb),
			Checklist:   Checklist(fb.Tags),
			Column:      persistence.ColumnIncoming,
		}
		err := r.store.CreateCard(ctx, card)
		if errors.Is(err, persistence.ErrFeedbackLinked) {
			// Linked concurrently; fall back to the winner.
			if card, err = r.store.FindCardByFeedback(ctx, r.orgID, fb.ID); err != nil {
				return err
			}
		} else if err != nil {
			return err
		} else {
			r.publisher.Publish(events.Event{
				Type:   events.CardCreated,
				OrgID:  r.orgID,
				CardID: card.ID,
				Data:   map[string]any{"feedback_id": fb.ID, "labels": []string(card.Labels)},
			})
			r.logger.Info("card %s created from feedback %s: %s", card.ID, fb.ID, card.Title)
		}
	}

	if card.Column == persistence.ColumnIncoming {
		if err := r.board.move(ctx, card, persistence.ColumnAnalysis, "intake"); err != nil {
			return err
		}
	}
	return r.store.UpdateFeedbackStatus(ctx, r.orgID, fb.ID, persistence.ImprovementAnalyzed, card.ID)
}

func (r *Runner) existingCard(ctx context.Context, fb *persistence.Feedback) (*persistence.ImprovementCard, error) {
	if fb.CardID != "" {
		card, err := r.store.GetCard(ctx, r.orgID, fb.CardID)
		if err == nil || !errors.Is(err, persistence.ErrNotFound) {
			return card, err
		}
	}
	card, err := r.store.FindCardByFeedback(ctx, r.orgID, fb.ID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}
	return card, err
}

// describe embeds the issue and the job's result summary. Missing rows are noted, not fatal.
func (r *Runner) describe(ctx context.Context, fb *persistence.Feedback) string {
	var b strings.Builder
	if issue, err := r.store.GetIssue(ctx, r.orgID, fb.IssueID); err == nil {
		fmt.Fprintf(&b, "Issue: %s\n\n%s\n", issue.Title, issue.Description)
	} else {
		fmt.Fprintf(&b, "Issue %s unavailable\n", fb.IssueID)
	}

	if job, err := r.store.GetJob(ctx, r.orgID, fb.JobID); err == nil && len(job.Result) > 0 {
		var result struct {
			Summary string `json:"summary"`
		}
		if json.Unmarshal(job.Result, &result) == nil && result.Summary != "" {
			fmt.Fprintf(&b, "\nJob result:\n%s\n", utils.TruncateRunes(result.Summary, descriptionSummaryRunes))
		}
	}

	if fb.Comment != "" {
		fmt.Fprintf(&b, "\nUser comment:\n%s\n", fb.Comment)
	}
	return strings.TrimSpace(b.String())
}
