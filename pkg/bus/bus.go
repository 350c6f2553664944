// Package bus provides in-process fan-out of plan step events to a bounded
// per-plan replay history and to live subscribers with bounded buffers.
package bus

import (
	"log/slog"
	"sync"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
	"github.com/google/uuid"
)

// DropCauseSlowConsumer is reported when a subscriber's buffer overflows and
// the bus disconnects it so publication is never blocked.
const DropCauseSlowConsumer = "slow_consumer"

// DropCauseUnsubscribed is reported after a voluntary Unsubscribe.
const DropCauseUnsubscribed = "unsubscribed"

const (
	defaultHistoryLimit     = 256
	defaultSubscriberBuffer = 64
)

// Bus is the in-process event distributor. One instance per process,
// constructed at init and passed as an explicit dependency.
type Bus struct {
	mu          sync.RWMutex
	history     map[string][]models.PlanStepEvent // plan_id → ordered ring
	seq         map[string]uint64                 // plan_id → last assigned sequence
	subscribers map[string]map[string]*Subscription

	historyLimit     int
	subscriberBuffer int
}

// Subscription is a live attachment to a plan's event stream. The handler
// runs on a dedicated goroutine and observes events in publication order.
type Subscription struct {
	id     string
	planID string
	bus    *Bus

	ch   chan models.PlanStepEvent
	done chan struct{}

	mu    sync.Mutex
	cause string
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistoryLimit bounds the per-plan replay ring.
func WithHistoryLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.historyLimit = n
		}
	}
}

// WithSubscriberBuffer bounds each subscriber's pending-event buffer.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.subscriberBuffer = n
		}
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		history:          make(map[string][]models.PlanStepEvent),
		seq:              make(map[string]uint64),
		subscribers:      make(map[string]map[string]*Subscription),
		historyLimit:     defaultHistoryLimit,
		subscriberBuffer: defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends the event to the plan's history ring and delivers it to
// every live subscriber of that plan. Publication order is total within a
// plan. A subscriber whose buffer is full is dropped with cause
// slow_consumer rather than blocking the publisher.
func (b *Bus) Publish(event models.PlanStepEvent) {
	stored := event.Clone()

	// Delivery happens inside the publish critical section: channel sends
	// are non-blocking, and holding the lock is what makes the per-plan
	// publication order total across concurrent publishers.
	b.mu.Lock()
	b.seq[event.PlanID]++
	stored.Seq = b.seq[event.PlanID]
	ring := append(b.history[event.PlanID], stored)
	if excess := len(ring) - b.historyLimit; excess > 0 {
		// Drop oldest events; ordering of survivors is preserved.
		ring = append(ring[:0:0], ring[excess:]...)
	}
	b.history[event.PlanID] = ring

	var dropped []*Subscription
	for _, sub := range b.subscribers[event.PlanID] {
		select {
		case sub.ch <- stored.Clone():
		default:
			dropped = append(dropped, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		slog.Warn("Dropping slow event subscriber",
			"plan_id", event.PlanID, "subscription_id", sub.id)
		b.drop(sub, DropCauseSlowConsumer)
	}
}

// Subscribe attaches handler to the plan's live event stream. The returned
// subscription must be released with Unsubscribe; its Done channel closes
// when the bus drops the subscriber (see Cause).
func (b *Bus) Subscribe(planID string, handler func(models.PlanStepEvent)) *Subscription {
	sub := &Subscription{
		id:     uuid.New().String(),
		planID: planID,
		bus:    b,
		ch:     make(chan models.PlanStepEvent, b.subscriberBuffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.subscribers[planID] == nil {
		b.subscribers[planID] = make(map[string]*Subscription)
	}
	b.subscribers[planID][sub.id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case event := <-sub.ch:
				handler(event)
			}
		}
	}()

	return sub
}

// GetHistory returns an ordered snapshot of the plan's replay history.
func (b *Bus) GetHistory(planID string) []models.PlanStepEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ring := b.history[planID]
	out := make([]models.PlanStepEvent, len(ring))
	for i, e := range ring {
		out[i] = e.Clone()
	}
	return out
}

// GetLatestStepEvent returns the most recent event for a step, if any.
// Used by the approval gate to check state without persistence I/O.
func (b *Bus) GetLatestStepEvent(planID, stepID string) (models.PlanStepEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ring := b.history[planID]
	for i := len(ring) - 1; i >= 0; i-- {
		if ring[i].Step.ID == stepID {
			return ring[i].Clone(), true
		}
	}
	return models.PlanStepEvent{}, false
}

// ClearPlanHistory removes the plan's replay history and sequence counter.
// Live subscribers are unaffected.
func (b *Bus) ClearPlanHistory(planID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, planID)
	delete(b.seq, planID)
}

// SubscriberCount returns the number of live subscribers for a plan.
func (b *Bus) SubscriberCount(planID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[planID])
}

// drop detaches a subscription and records why.
func (b *Bus) drop(sub *Subscription, cause string) {
	b.mu.Lock()
	if subs, ok := b.subscribers[sub.planID]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.subscribers, sub.planID)
		}
	}
	b.mu.Unlock()

	sub.mu.Lock()
	if sub.cause == "" {
		sub.cause = cause
		close(sub.done)
	}
	sub.mu.Unlock()
}

// Unsubscribe detaches the subscription. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.bus.drop(s, DropCauseUnsubscribed)
}

// Done closes when the subscription is detached, voluntarily or by the bus.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cause reports why the subscription ended ("" while still live).
func (s *Subscription) Cause() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}
