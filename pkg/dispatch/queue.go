// Package dispatch carries job references from the orchestrator to workers.
//
// A Queue hands out claims with a visibility lease. A claim that is neither
// acked nor nacked before its lease expires becomes claimable again, so a
// crashed worker never loses a job. Messages nacked too often move to a
// dead-letter list.
package dispatch

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultVisibilityTimeout is the lease used when a claim passes zero.
	DefaultVisibilityTimeout = 30 * time.Minute
	// DefaultMaxDeliveries is how many deliveries a message gets before it is dead-lettered.
	DefaultMaxDeliveries = 5
)

// ErrUnknownClaim is returned when acking or nacking a claim the queue no longer holds.
var ErrUnknownClaim = errors.New("unknown or expired claim")

// Message references one job.
type Message struct {
	JobID      string    `json:"job_id"`
	OrgID      string    `json:"org_id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Claim is a leased message.
type Claim struct {
	Message
	Receipt    string
	ClaimedBy  string
	Deliveries int
	ClaimedAt  time.Time
	VisibleAt  time.Time
}

// Queue is a priority queue of job references. Lower Priority values are claimed first;
// equal priorities are claimed in enqueue order.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Claim leases the next visible message. It returns nil, nil when nothing is ready.
	Claim(ctx context.Context, consumer string, visibility time.Duration) (*Claim, error)
	Ack(ctx context.Context, claim *Claim) error
	// Nack returns the message for redelivery, or dead-letters it once it reached the delivery limit.
	Nack(ctx context.Context, claim *Claim, reason string) error
	// DeadLetter moves the message straight to the dead-letter list.
	DeadLetter(ctx context.Context, claim *Claim, reason string) error
	// RequeueExpired makes messages whose lease passed claimable again.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	ListDeadLetters(ctx context.Context, limit int) ([]Message, error)
	// Depth counts messages waiting to be claimed.
	Depth(ctx context.Context) (int, error)
}

func leaseOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultVisibilityTimeout
	}
	return d
}
