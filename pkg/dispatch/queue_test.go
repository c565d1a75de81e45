package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/persistence"
)

func newStoreQueue(t *testing.T, maxDeliveries int) *StoreQueue {
	t.Helper()
	db, err := persistence.Open(context.Background(), persistence.DriverSQLite, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStoreQueue(db, maxDeliveries)
}

// queues returns a fresh instance of every implementation.
func queues(t *testing.T, maxDeliveries int) map[string]Queue {
	return map[string]Queue{
		"memory": NewMemoryQueue(maxDeliveries),
		"store":  newStoreQueue(t, maxDeliveries),
	}
}

func TestQueuePriorityOrder(t *testing.T) {
	for name, q := range queues(t, 3) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Add(-time.Minute)
			require.NoError(t, q.Enqueue(ctx, Message{JobID: "low", OrgID: "o", Priority: 10, EnqueuedAt: base}))
			require.NoError(t, q.Enqueue(ctx, Message{JobID: "med-1", OrgID: "o", Priority: 5, EnqueuedAt: base.Add(time.Second)}))
			require.NoError(t, q.Enqueue(ctx, Message{JobID: "crit", OrgID: "o", Priority: 1, EnqueuedAt: base.Add(2 * time.Second)}))
			require.NoError(t, q.Enqueue(ctx, Message{JobID: "med-2", OrgID: "o", Priority: 5, EnqueuedAt: base.Add(3 * time.Second)}))

			depth, err := q.Depth(ctx)
			require.NoError(t, err)
			assert.Equal(t, 4, depth)

			var order []string
			for {
				c, err := q.Claim(ctx, "w", time.Minute)
				require.NoError(t, err)
				if c == nil {
					break
				}
				order = append(order, c.JobID)
				require.NoError(t, q.Ack(ctx, c))
			}
			assert.Equal(t, []string{"crit", "med-1", "med-2", "low"}, order)
		})
	}
}

func TestQueueNackAndDeadLetter(t *testing.T) {
	for name, q := range queues(t, 2) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, Message{JobID: "j1", OrgID: "o", Priority: 5}))

			c1, err := q.Claim(ctx, "w", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, c1)
			assert.Equal(t, 1, c1.Deliveries)
			require.NoError(t, q.Nack(ctx, c1, "store unavailable"))

			c2, err := q.Claim(ctx, "w", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, c2)
			assert.Equal(t, 2, c2.Deliveries)
			require.NoError(t, q.Nack(ctx, c2, "store unavailable"))

			c3, err := q.Claim(ctx, "w", time.Minute)
			require.NoError(t, err)
			assert.Nil(t, c3)

			dead, err := q.ListDeadLetters(ctx, 10)
			require.NoError(t, err)
			require.Len(t, dead, 1)
			assert.Equal(t, "j1", dead[0].JobID)

			assert.ErrorIs(t, q.Ack(ctx, c2), ErrUnknownClaim)
		})
	}
}

func TestQueueExplicitDeadLetter(t *testing.T) {
	for name, q := range queues(t, 5) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, Message{JobID: "j1", OrgID: "o", Priority: 1}))
			c, err := q.Claim(ctx, "w", time.Minute)
			require.NoError(t, err)
			require.NoError(t, q.DeadLetter(ctx, c, "bad job"))

			depth, err := q.Depth(ctx)
			require.NoError(t, err)
			assert.Zero(t, depth)
			dead, err := q.ListDeadLetters(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, dead, 1)
		})
	}
}

func TestMemoryQueueRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(3)
	require.NoError(t, q.Enqueue(ctx, Message{JobID: "j1", Priority: 5}))
	c, err := q.Claim(ctx, "w", time.Second)
	require.NoError(t, err)

	n, err := q.RequeueExpired(ctx, c.ClaimedAt)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.RequeueExpired(ctx, c.VisibleAt.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Deliveries)
	assert.ErrorIs(t, q.Ack(ctx, c), ErrUnknownClaim)
}

func TestStoreQueueLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	q := newStoreQueue(t, 3)
	clock := time.Now().UTC()
	q.now = func() time.Time { return clock }

	require.NoError(t, q.Enqueue(ctx, Message{JobID: "j1", OrgID: "o", Priority: 5}))
	c, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, c)

	none, err := q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "leased row is invisible")

	clock = clock.Add(2 * time.Minute)
	again, err := q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "w2", again.ClaimedBy)
	assert.ErrorIs(t, q.Ack(ctx, c), ErrUnknownClaim, "stale receipt")
	require.NoError(t, q.Ack(ctx, again))
}

func TestStoreQueueEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := newStoreQueue(t, 3)
	require.NoError(t, q.Enqueue(ctx, Message{JobID: "j1", OrgID: "o", Priority: 5}))
	require.NoError(t, q.Enqueue(ctx, Message{JobID: "j1", OrgID: "o", Priority: 5}))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}
