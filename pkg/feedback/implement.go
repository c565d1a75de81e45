package feedback

import (
	"context"
	"fmt"
	"time"

	"foreman/pkg/events"
	"foreman/pkg/persistence"
)

// implement applies approved improvements as agent overrides and moves the cards to testing.
func (r *Runner) implement(ctx context.Context) (int, error) {
	cards, err := r.store.ListCardsByColumn(ctx, r.orgID, persistence.ColumnInProgress, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("implementation: %w", err)
	}
	done := 0
	for i := range cards {
		card := &cards[i]
		if !card.AutoApply {
			continue
		}
		if err := r.item(ctx, passImplementation, func(ctx context.Context) error { return r.implementOne(ctx, card) }); err != nil {
			r.recordCardError(ctx, card.ID, err)
			continue
		}
		done++
	}
	return done, nil
}

func (r *Runner) implementOne(ctx context.Context, card *persistence.ImprovementCard) error {
	if card.Improvement.IsEmpty() {
		return fmt.Errorf("card %s has no improvement to apply", card.ID)
	}

	// Step 1: measure the baseline before the override takes effect.
	now := r.now()
	before, err := r.store.ListFeedbackForAgent(ctx, r.orgID, card.AgentType, time.Time{}, now)
	if err != nil {
		return err
	}
	baseline, _ := meanRating(before)

	// Step 2: replace any override left by an earlier attempt of this card.
	if err := r.store.DeleteOverridesForCard(ctx, r.orgID, card.ID); err != nil {
		return err
	}
	override := &persistence.AgentOverride{
		OrgID:        r.orgID,
		AgentType:    card.AgentType,
		CardID:       card.ID,
		PromptAppend: card.Improvement.PromptAppend,
		ModelTier:    card.Improvement.ModelTier,
		AllowedTools: card.Improvement.AllowedTools,
	}
	if err := r.store.CreateOverride(ctx, override); err != nil {
		return err
	}

	// Step 3: start the verification window.
	card.Baseline = baseline
	card.AppliedAt = &now
	card.LastError = ""
	if err := r.board.move(ctx, card, persistence.ColumnTesting, "applied"); err != nil {
		if derr := r.store.DeleteOverridesForCard(context.WithoutCancel(ctx), r.orgID, card.ID); derr != nil {
			r.logger.Warn("card %s: failed to revert override: %v", card.ID, derr)
		}
		return err
	}
	r.board.markFeedback(ctx, card, persistence.ImprovementImplemented)

	r.publisher.Publish(events.Event{
		Type:   events.CardImprovementApplied,
		OrgID:  r.orgID,
		CardID: card.ID,
		Data: map[string]any{
			"agent_type":  card.AgentType,
			"override_id": override.ID,
			"baseline":    baseline,
		},
	})
	r.logger.Info("card %s: applied improvement to %s (baseline %.2f)", card.ID, card.AgentType, baseline)
	return nil
}

// verify compares post-change ratings against the baseline for cards in testing.
func (r *Runner) verify(ctx context.Context) (int, error) {
	cards, err := r.store.ListCardsByColumn(ctx, r.orgID, persistence.ColumnTesting, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("verification: %w", err)
	}
	done := 0
	for i := range cards {
		card := &cards[i]
		var decided bool
		err := r.item(ctx, passVerification, func(ctx context.Context) (err error) {
			decided, err = r.verifyOne(ctx, card)
			return err
		})
		if err != nil {
			r.recordCardError(ctx, card.ID, err)
			continue
		}
		if decided {
			done++
		}
	}
	return done, nil
}

// verifyOne reports whether the card left testing.
func (r *Runner) verifyOne(ctx context.Context, card *persistence.ImprovementCard) (bool, error) {
	if card.AppliedAt == nil {
		return false, fmt.Errorf("card %s in testing without applied_at", card.ID)
	}
	after, err := r.store.ListFeedbackForAgent(ctx, r.orgID, card.AgentType, *card.AppliedAt, time.Time{})
	if err != nil {
		return false, err
	}
	if len(after) < r.cfg.MinDataPoints {
		r.logger.Debug("card %s: %d/%d data points, waiting", card.ID, len(after), r.cfg.MinDataPoints)
		return false, nil
	}

	mean, _ := meanRating(after)
	if mean >= card.Baseline {
		card.LastError = ""
		if err := r.board.move(ctx, card, persistence.ColumnDone, fmt.Sprintf("verified: %.2f >= %.2f", mean, card.Baseline)); err != nil {
			return false, err
		}
		r.logger.Info("card %s: verified (%.2f >= %.2f)", card.ID, mean, card.Baseline)
		return true, nil
	}

	// Regressed: revert and send the card back for another look.
	if err := r.store.DeleteOverridesForCard(ctx, r.orgID, card.ID); err != nil {
		return false, err
	}
	card.AutoApply = false
	card.AppliedAt = nil
	card.LastError = fmt.Sprintf("verification failed: mean rating %.2f below baseline %.2f", mean, card.Baseline)
	if err := r.board.move(ctx, card, persistence.ColumnBacklog, "reverted"); err != nil {
		return false, err
	}
	r.logger.Warn("card %s: %s, override reverted", card.ID, card.LastError)
	return true, nil
}
