// Package feedback turns user feedback on completed jobs into improvement
// cards and drives them through analysis, application and verification.
//
// Cards move along a fixed column graph:
//
//	incoming -> analysis -> backlog -> in_progress -> testing -> done
//
// Any non-terminal card may be dismissed, and testing -> backlog is taken when
// an applied improvement fails verification. done and dismissed are absorbing.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"foreman/pkg/events"
	"foreman/pkg/logx"
	"foreman/pkg/persistence"
)

// ErrInvalidTransition is returned for a column move the graph does not allow.
var ErrInvalidTransition = errors.New("invalid card transition")

// Store is the persistence the feedback loop needs.
type Store interface {
	persistence.FeedbackStore
	GetIssue(ctx context.Context, orgID, id string) (*persistence.Issue, error)
	GetJob(ctx context.Context, orgID, id string) (*persistence.Job, error)
}

// Metrics receives feedback-loop counters. *metrics.Recorder implements it.
type Metrics interface {
	FeedbackItem(pass string, err error)
	CardMoved(from, to string)
	RunnerIteration()
}

type nopMetrics struct{}

func (nopMetrics) FeedbackItem(string, error) {}
func (nopMetrics) CardMoved(string, string)   {}
func (nopMetrics) RunnerIteration()           {}

// Board moves cards between columns and publishes the moves.
type Board struct {
	store     Store
	publisher events.Publisher
	metrics   Metrics
	logger    *logx.Logger
}

// NewBoard creates a board. nil publisher and metrics are replaced with no-ops.
func NewBoard(store Store, publisher events.Publisher, metrics Metrics) *Board {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Board{store: store, publisher: publisher, metrics: metrics, logger: logx.NewLogger("board")}
}

// Move is the manual transition used by operators. Moving a card to
// in_progress approves it, so the implementation pass will apply it.
func (b *Board) Move(ctx context.Context, orgID, cardID string, to persistence.CardColumn) (*persistence.ImprovementCard, error) {
	if !persistence.ValidColumn(string(to)) {
		return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidTransition, to)
	}
	card, err := b.store.GetCard(ctx, orgID, cardID)
	if err != nil {
		return nil, err
	}
	if to == persistence.ColumnInProgress {
		card.AutoApply = true
	}
	if err := b.move(ctx, card, to, "manual"); err != nil {
		return nil, err
	}
	if to == persistence.ColumnDismissed {
		b.markFeedback(ctx, card, persistence.ImprovementDismissed)
	}
	return card, nil
}

// List returns the cards in column, oldest first.
func (b *Board) List(ctx context.Context, orgID string, column persistence.CardColumn, limit int) ([]persistence.ImprovementCard, error) {
	if !persistence.ValidColumn(string(column)) {
		return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidTransition, column)
	}
	return b.store.ListCardsByColumn(ctx, orgID, column, limit)
}

// move persists card in column to. The card is left unchanged on error.
func (b *Board) move(ctx context.Context, card *persistence.ImprovementCard, to persistence.CardColumn, reason string) error {
	from := card.Column
	if !from.CanMoveTo(to) {
		return fmt.Errorf("%w: card %s %s -> %s", ErrInvalidTransition, card.ID, from, to)
	}
	card.Column = to
	if err := b.store.UpdateCard(ctx, card); err != nil {
		card.Column = from
		return err
	}
	b.metrics.CardMoved(string(from), string(to))
	b.publisher.Publish(events.Event{
		Type:   events.CardMoved,
		OrgID:  card.OrgID,
		CardID: card.ID,
		Data:   map[string]any{"from": string(from), "to": string(to), "reason": reason},
	})
	b.logger.Debug("card %s %s -> %s (%s)", card.ID, from, to, reason)
	return nil
}

// markFeedback sets status on every feedback row linked to card. Failures are logged.
func (b *Board) markFeedback(ctx context.Context, card *persistence.ImprovementCard, status persistence.ImprovementStatus) {
	for _, id := range card.FeedbackIDs {
		if err := b.store.UpdateFeedbackStatus(ctx, card.OrgID, id, status, card.ID); err != nil {
			b.logger.Warn("card %s: failed to mark feedback %s %s: %v", card.ID, id, status, err)
		}
	}
}

// meanRating averages the ratings of rows. The bool is false for an empty slice.
func meanRating(rows []persistence.Feedback) (float64, bool) {
	if len(rows) == 0 {
		return 0, false
	}
	sum := 0
	for i := range rows {
		sum += rows[i].Rating
	}
	return float64(sum) / float64(len(rows)), true
}

func utcNow() time.Time { return time.Now().UTC() }
