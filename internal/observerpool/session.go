package observerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/observability"
)

// coalescibleEvents is the closed set of event types that are
// idempotent-by-latest: queuing a newer one makes any older queued
// instance for the same sessionId redundant.
var coalescibleEvents = map[domain.EventType]bool{
	domain.EventIterationStarted:  true,
	domain.EventIterationComplete: true,
	domain.EventAnalyzerVerdict:   true,
}

// observerQueue is one observer's bounded outbound mailbox. It is a
// plain mutex-guarded slice rather than a Go channel because the
// backpressure policy needs to mutate a buffered-but-not-yet-read
// entry in place (coalesce) or evict index zero (drop_oldest), which
// a channel cannot do.
type observerQueue struct {
	mu       sync.Mutex
	items    []domain.HookEvent
	capacity int
	notify   chan struct{}
}

func newObserverQueue(capacity int) *observerQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &observerQueue{capacity: capacity, notify: make(chan struct{}, 1)}
}

// enqueue applies the backpressure policy and returns whether the
// event was dropped (never blocks the caller).
func (q *observerQueue) enqueue(event domain.HookEvent) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) < q.capacity {
		q.items = append(q.items, event)
		q.signalLocked()
		return false
	}

	if coalescibleEvents[event.Type] {
		for i := len(q.items) - 1; i >= 0; i-- {
			if q.items[i].Type == event.Type && q.items[i].SessionID == event.SessionID {
				q.items[i] = event
				return false
			}
		}
	}

	// drop_oldest: evict index zero to make room.
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = event
	q.signalLocked()
	return true
}

func (q *observerQueue) signalLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest queued event, if any.
func (q *observerQueue) pop() (domain.HookEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.HookEvent{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

func (q *observerQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// stateBox is a mutex-guarded ObserverState, since the enum is a
// string type with no atomic primitive of its own.
type stateBox struct {
	mu    sync.RWMutex
	value domain.ObserverState
}

func (b *stateBox) get() domain.ObserverState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.value
}

func (b *stateBox) set(s domain.ObserverState) domain.ObserverState {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.value
	b.value = s
	return prev
}

// Session is one admitted ObserverSession. The state
// machine lives in `state`; the outbound mailbox is `queue`.
type Session struct {
	ConnectionID string
	Filter       domain.SubscriptionFilter
	AcquiredAt   time.Time

	state   stateBox
	queue   *observerQueue
	seq     atomic.Int64
	drops   atomic.Int64
	missedHeartbeats atomic.Int32

	lastActivity atomic.Int64 // unix nanos
	closed       atomic.Bool
}

func newSession(connectionID string, filter domain.SubscriptionFilter, queueCapacity int) *Session {
	s := &Session{
		ConnectionID: connectionID,
		Filter:       filter,
		AcquiredAt:   time.Now(),
		queue:        newObserverQueue(queueCapacity),
	}
	s.state.set(domain.ObserverInitializing)
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivityAt reports the last time this session sent or received
// a frame.
func (s *Session) LastActivityAt() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// State returns the session's current lifecycle state.
func (s *Session) State() domain.ObserverState { return s.state.get() }

// Drops returns how many events were dropped from this session's
// queue under backpressure.
func (s *Session) Drops() int64 { return s.drops.Load() }

// QueueDepth returns the number of events currently buffered.
func (s *Session) QueueDepth() int { return s.queue.depth() }

// deliver enqueues event for this session's outbound mailbox.
// Non-blocking; never stalls the publisher.
func (s *Session) deliver(event domain.HookEvent) {
	dropped := s.queue.enqueue(event)
	if dropped {
		s.drops.Add(1)
	}
	if observability.IsDiagnosticsEnabled() {
		observability.EmitObserverQueueEnqueue(&observability.ObserverQueueEnqueueEvent{
			ConnectionID: s.ConnectionID,
			QueueSize:    s.queue.depth(),
		})
	}
}

// frame stamps a dequeued event with the next per-connection wire
// sequence number.
func (s *Session) frame(event domain.HookEvent) EventFrame {
	return EventFrame{
		Seq:        s.seq.Add(1),
		Type:       event.Type,
		SessionID:  event.SessionID,
		OccurredAt: event.OccurredAt,
		Payload:    event.Payload,
	}
}

// Recv blocks until an event is available, ctx is cancelled, or the
// session is closed.
func (s *Session) Recv(ctx context.Context) (domain.HookEvent, bool) {
	for {
		if e, ok := s.queue.pop(); ok {
			s.touch()
			if observability.IsDiagnosticsEnabled() {
				observability.EmitObserverQueueDequeue(&observability.ObserverQueueDequeueEvent{
					ConnectionID: s.ConnectionID,
					QueueSize:    s.queue.depth(),
				})
			}
			return e, true
		}
		if s.closed.Load() {
			return domain.HookEvent{}, false
		}
		select {
		case <-ctx.Done():
			return domain.HookEvent{}, false
		case <-s.queue.notify:
			continue
		case <-time.After(50 * time.Millisecond):
			// Bounded poll in case a signal raced a concurrent pop;
			// avoids ever blocking indefinitely on a missed notify.
			continue
		}
	}
}

// RecordHeartbeatMiss increments the missed-heartbeat counter and
// returns the new count.
func (s *Session) RecordHeartbeatMiss() int32 {
	return s.missedHeartbeats.Add(1)
}

// RecordHeartbeatOK resets the missed-heartbeat counter.
func (s *Session) RecordHeartbeatOK() {
	s.missedHeartbeats.Store(0)
	s.touch()
}
