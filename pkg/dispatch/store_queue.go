package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const claimRetries = 3

type queueRow struct {
	JobID      string    `db:"job_id"`
	OrgID      string    `db:"org_id"`
	Priority   int       `db:"priority"`
	EnqueuedAt time.Time `db:"enqueued_at"`
	VisibleAt  time.Time `db:"visible_at"`
	ClaimedBy  string    `db:"claimed_by"`
	Deliveries int       `db:"deliveries"`
}

// StoreQueue is a Queue over the dispatch_queue table. It survives restarts
// and can be shared by several worker processes.
type StoreQueue struct {
	db            *sqlx.DB
	maxDeliveries int
	now           func() time.Time
}

// NewStoreQueue wraps a migrated database. maxDeliveries <= 0 uses DefaultMaxDeliveries.
func NewStoreQueue(db *sqlx.DB, maxDeliveries int) *StoreQueue {
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveries
	}
	return &StoreQueue{db: db, maxDeliveries: maxDeliveries, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue inserts the message. Re-enqueueing a job that is still queued is a no-op.
func (q *StoreQueue) Enqueue(ctx context.Context, msg Message) error {
	now := q.now()
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = now
	}
	_, err := q.db.ExecContext(ctx, q.db.Rebind(`INSERT INTO dispatch_queue
		(job_id, org_id, priority, enqueued_at, visible_at, claimed_by, deliveries, dead, last_error)
		VALUES (?, ?, ?, ?, ?, '', 0, ?, '')
		ON CONFLICT (job_id) DO NOTHING`),
		msg.JobID, msg.OrgID, msg.Priority, msg.EnqueuedAt, now, false)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", msg.JobID, err)
	}
	return nil
}

// Claim leases the highest-priority visible row. Competing claimers are resolved
// with a conditional update on the row's previous lease.
func (q *StoreQueue) Claim(ctx context.Context, consumer string, visibility time.Duration) (*Claim, error) {
	lease := leaseOrDefault(visibility)
	for attempt := 0; attempt < claimRetries; attempt++ {
		now := q.now()
		var row queueRow
		err := q.db.GetContext(ctx, &row, q.db.Rebind(`SELECT job_id, org_id, priority, enqueued_at, visible_at,
			claimed_by, deliveries FROM dispatch_queue
			WHERE dead = ? AND visible_at <= ?
			ORDER BY priority, enqueued_at, job_id LIMIT 1`), false, now)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select next job: %w", err)
		}

		visibleAt := now.Add(lease)
		res, err := q.db.ExecContext(ctx, q.db.Rebind(`UPDATE dispatch_queue
			SET claimed_by = ?, deliveries = deliveries + 1, visible_at = ?
			WHERE job_id = ? AND deliveries = ? AND dead = ?`),
			consumer, visibleAt, row.JobID, row.Deliveries, false)
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", row.JobID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		deliveries := row.Deliveries + 1
		return &Claim{
			Message: Message{
				JobID:      row.JobID,
				OrgID:      row.OrgID,
				Priority:   row.Priority,
				EnqueuedAt: row.EnqueuedAt,
			},
			Receipt:    row.JobID + ":" + strconv.Itoa(deliveries),
			ClaimedBy:  consumer,
			Deliveries: deliveries,
			ClaimedAt:  now,
			VisibleAt:  visibleAt,
		}, nil
	}
	return nil, nil
}

func parseReceipt(receipt string) (string, int, error) {
	i := strings.LastIndexByte(receipt, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("claim %q: %w", receipt, ErrUnknownClaim)
	}
	n, err := strconv.Atoi(receipt[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("claim %q: %w", receipt, ErrUnknownClaim)
	}
	return receipt[:i], n, nil
}

// execForClaim runs an update or delete that only applies while the claim is current.
func (q *StoreQueue) execForClaim(ctx context.Context, claim *Claim, stmt string, args ...any) error {
	jobID, deliveries, err := parseReceipt(claim.Receipt)
	if err != nil {
		return err
	}
	args = append(args, jobID, deliveries, false)
	res, err := q.db.ExecContext(ctx, q.db.Rebind(stmt+` WHERE job_id = ? AND deliveries = ? AND dead = ?`), args...)
	if err != nil {
		return fmt.Errorf("update claim %s: %w", claim.Receipt, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("claim %s: %w", claim.Receipt, ErrUnknownClaim)
	}
	return nil
}

func (q *StoreQueue) Ack(ctx context.Context, claim *Claim) error {
	return q.execForClaim(ctx, claim, `DELETE FROM dispatch_queue`)
}

func (q *StoreQueue) Nack(ctx context.Context, claim *Claim, reason string) error {
	if claim.Deliveries >= q.maxDeliveries {
		return q.DeadLetter(ctx, claim, reason)
	}
	return q.execForClaim(ctx, claim, `UPDATE dispatch_queue SET claimed_by = '', visible_at = ?, last_error = ?`,
		q.now(), reason)
}

func (q *StoreQueue) DeadLetter(ctx context.Context, claim *Claim, reason string) error {
	return q.execForClaim(ctx, claim, `UPDATE dispatch_queue SET dead = ?, claimed_by = '', last_error = ?`,
		true, reason)
}

// RequeueExpired clears the owner of rows whose lease passed. Such rows are
// already claimable; the count is informational.
func (q *StoreQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, q.db.Rebind(`UPDATE dispatch_queue SET claimed_by = ''
		WHERE dead = ? AND claimed_by <> '' AND visible_at <= ?`), false, now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *StoreQueue) ListDeadLetters(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []queueRow
	err := q.db.SelectContext(ctx, &rows, q.db.Rebind(`SELECT job_id, org_id, priority, enqueued_at, visible_at,
		claimed_by, deliveries FROM dispatch_queue WHERE dead = ? ORDER BY enqueued_at LIMIT ?`), true, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, Message{JobID: r.JobID, OrgID: r.OrgID, Priority: r.Priority, EnqueuedAt: r.EnqueuedAt})
	}
	return out, nil
}

func (q *StoreQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.GetContext(ctx, &n, q.db.Rebind(`SELECT COUNT(*) FROM dispatch_queue
		WHERE dead = ? AND claimed_by = ''`), false)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

var _ Queue = (*StoreQueue)(nil)
