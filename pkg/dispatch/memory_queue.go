package dispatch

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryItem struct {
	msg        Message
	seq        uint64
	deliveries int
}

// itemHeap orders by priority, then enqueue sequence.
type itemHeap []*memoryItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority < h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*memoryItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type memoryInflight struct {
	item  *memoryItem
	claim Claim
}

// MemoryQueue is an in-process Queue. Its contents do not survive a restart.
type MemoryQueue struct {
	mu            sync.Mutex
	items         itemHeap
	inflight      map[string]memoryInflight
	dead          []Message
	seq           uint64
	counter       uint64
	maxDeliveries int
	now           func() time.Time
}

// NewMemoryQueue creates an empty queue. maxDeliveries <= 0 uses DefaultMaxDeliveries.
func NewMemoryQueue(maxDeliveries int) *MemoryQueue {
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveries
	}
	return &MemoryQueue{
		inflight:      make(map[string]memoryInflight),
		maxDeliveries: maxDeliveries,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.now()
	}
	q.seq++
	heap.Push(&q.items, &memoryItem{msg: msg, seq: q.seq})
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, consumer string, visibility time.Duration) (*Claim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil, nil
	}
	item := heap.Pop(&q.items).(*memoryItem)
	item.deliveries++

	now := q.now()
	q.counter++
	claim := Claim{
		Message:    item.msg,
		Receipt:    fmt.Sprintf("mem:%s:%d", consumer, q.counter),
		ClaimedBy:  consumer,
		Deliveries: item.deliveries,
		ClaimedAt:  now,
		VisibleAt:  now.Add(leaseOrDefault(visibility)),
	}
	q.inflight[claim.Receipt] = memoryInflight{item: item, claim: claim}
	return &claim, nil
}

func (q *MemoryQueue) take(claim *Claim) (*memoryItem, error) {
	inflight, ok := q.inflight[claim.Receipt]
	if !ok {
		return nil, fmt.Errorf("claim %s: %w", claim.Receipt, ErrUnknownClaim)
	}
	delete(q.inflight, claim.Receipt)
	return inflight.item, nil
}

func (q *MemoryQueue) Ack(_ context.Context, claim *Claim) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.take(claim)
	return err
}

func (q *MemoryQueue) Nack(_ context.Context, claim *Claim, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, err := q.take(claim)
	if err != nil {
		return err
	}
	if item.deliveries >= q.maxDeliveries {
		q.dead = append(q.dead, item.msg)
		return nil
	}
	heap.Push(&q.items, item)
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, claim *Claim, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, err := q.take(claim)
	if err != nil {
		return err
	}
	q.dead = append(q.dead, item.msg)
	return nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	moved := 0
	for receipt, inflight := range q.inflight {
		if inflight.claim.VisibleAt.After(now) {
			continue
		}
		delete(q.inflight, receipt)
		heap.Push(&q.items, inflight.item)
		moved++
	}
	return moved, nil
}

func (q *MemoryQueue) ListDeadLetters(_ context.Context, limit int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]Message, limit)
	copy(out, q.dead[:limit])
	return out, nil
}

func (q *MemoryQueue) Depth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len(), nil
}

var _ Queue = (*MemoryQueue)(nil)
