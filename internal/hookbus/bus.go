// Package hookbus implements the in-process, typed, synchronous-publish
// event fan-out. Publish updates every subscriber's bounded queue
// before returning, so a slow subscriber can never block a publisher.
package hookbus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/observability"
)

// Subscription is a live registration returned by Subscribe. Events
// matching Filter arrive on Events in publication order; a full queue
// drops the oldest buffered event rather than blocking Publish.
type Subscription struct {
	ID     string
	Events <-chan domain.HookEvent
	Filter domain.SubscriptionFilter

	bus    *Bus
	inbox  chan domain.HookEvent
	closed atomic.Bool
	drops  atomic.Int64
}

// Drops reports how many events were dropped from this subscription's
// queue because it could not keep up.
func (s *Subscription) Drops() int64 { return s.drops.Load() }

// Unsubscribe removes this subscription from the bus and closes its
// Events channel. Safe to call more than once, and safe against
// concurrent Publish: the inbox is closed under the same lock
// delivery runs under, so no publisher can send on a closed channel.
func (s *Subscription) Unsubscribe() {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.remove(s)
	}
}

// Bus is the hook bus. Publish is synchronous with the caller's
// state transition: every subscriber's queue is updated, via
// non-blocking enqueue, before Publish returns.
type Bus struct {
	// mu serializes delivery against subscribe/unsubscribe. Delivery
	// under the lock is cheap because every send is non-blocking;
	// holding it through Publish is what makes closing an inbox in
	// remove race-free.
	mu          sync.Mutex
	subscribers []*Subscription
	logger      *observability.Logger
	metrics     *observability.Metrics
	queueSize   int
}

// New constructs a Bus. Each subscription's buffered channel holds
// 256 events.
func New(logger *observability.Logger, metrics *observability.Metrics) *Bus {
	return &Bus{logger: logger, metrics: metrics, queueSize: 256}
}

// WithQueueSize overrides the default per-subscription queue capacity.
func (b *Bus) WithQueueSize(n int) *Bus {
	if n > 0 {
		b.queueSize = n
	}
	return b
}

// Subscribe registers filter and returns a Subscription whose Events
// channel delivers every HookEvent matching it, from this point
// forward.
func (b *Bus) Subscribe(filter domain.SubscriptionFilter) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		Filter: filter,
		bus:    b,
		inbox:  make(chan domain.HookEvent, b.queueSize),
	}
	sub.Events = sub.inbox

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]*Subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		if s.ID != sub.ID {
			next = append(next, s)
		}
	}
	b.subscribers = next
	close(sub.inbox)
}

// Publish delivers event to every currently-subscribed, matching
// Subscription in the same relative order across subscribers. A full
// queue drops its oldest buffered event to make room rather than
// stalling the publisher.
func (b *Bus) Publish(event domain.HookEvent) {
	b.mu.Lock()
	for _, sub := range b.subscribers {
		if sub.Filter.Matches(event) {
			b.deliver(sub, event)
		}
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordHookDelivery(string(event.Type), "published")
	}
}

func (b *Bus) deliver(sub *Subscription, event domain.HookEvent) {
	select {
	case sub.inbox <- event:
		if observability.IsDiagnosticsEnabled() {
			observability.EmitHookQueued(&observability.HookQueuedEvent{
				SessionID:     event.SessionID,
				HookEventType: string(event.Type),
				QueueDepth:    len(sub.inbox),
			})
		}
		return
	default:
	}

	// Queue full: drop the oldest buffered event and retry once, the
	// simplest bus-level backpressure policy (ObserverSessionPool
	// layers coalesce-by-type on top of this for its own transport).
	select {
	case <-sub.inbox:
		sub.drops.Add(1)
	default:
	}
	select {
	case sub.inbox <- event:
	default:
		sub.drops.Add(1)
	}
}
