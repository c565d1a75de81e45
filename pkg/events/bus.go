// Package events is the in-process observability bus for jobs and the feedback loop.
//
// Publishing never blocks: each subscriber owns a bounded buffer and events
// that do not fit are dropped and counted.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"foreman/pkg/logx"
)

// Event types.
const (
	JobQueued    = "job.queued"
	JobStarted   = "job.started"
	JobProgress  = "job.progress"
	JobToolCall  = "job.tool_call"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
	JobCancelled = "job.cancelled"

	FeedbackReceived       = "feedback.received"
	CardCreated            = "card.created"
	CardMoved              = "card.moved"
	CardAnalysis           = "card.analysis"
	CardImprovementApplied = "card.improvement_applied"
)

// DefaultBuffer is the per-subscriber buffer used when none is given.
const DefaultBuffer = 64

// Event is one published occurrence.
type Event struct {
	Type   string         `json:"type"`
	OrgID  string         `json:"org_id"`
	JobID  string         `json:"job_id,omitempty"`
	CardID string         `json:"card_id,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Time   time.Time      `json:"time"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(ev Event)
}

// Filter selects events for a subscriber. An empty JobID matches every job in the org.
type Filter struct {
	OrgID string
	JobID string
}

func (f Filter) matches(ev *Event) bool {
	if f.OrgID != "" && f.OrgID != ev.OrgID {
		return false
	}
	return f.JobID == "" || f.JobID == ev.JobID
}

// Subscription receives matching events on C until it is closed.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	filter  Filter
	id      uint64
	bus     *Bus
	dropped atomic.Int64
	once    sync.Once
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		close(s.ch)
	})
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	now    func() time.Time
	logger *logx.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logx.NewLogger("events"),
	}
}

// Subscribe registers a subscriber. buffer <= 0 uses DefaultBuffer.
func (b *Bus) Subscribe(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{C: ch, ch: ch, filter: filter, id: b.nextID, bus: b}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers ev to every matching subscriber without blocking. A zero Time is stamped.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	// Holding the read lock keeps Close from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.matches(&ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if sub.dropped.Add(1) == 1 {
				b.logger.Warn("subscriber %d is slow, dropping %s events", sub.id, ev.Type)
			}
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
