package hookbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autocode/driver/internal/domain"
)

func TestPublishDeliversInOrderToMatchingSubscriber(t *testing.T) {
	bus := New(nil, nil)
	sub := bus.Subscribe(domain.SubscriptionFilter{})

	for i := 0; i < 5; i++ {
		bus.Publish(domain.HookEvent{Type: domain.EventIterationComplete, SessionID: "s1", OccurredAt: time.Now()})
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub.Events:
			assert.Equal(t, domain.EventIterationComplete, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishRespectsSessionIDFilter(t *testing.T) {
	bus := New(nil, nil)
	sub := bus.Subscribe(domain.SubscriptionFilter{SessionIDs: []string{"wanted"}})

	bus.Publish(domain.HookEvent{Type: domain.EventSessionCreated, SessionID: "other", OccurredAt: time.Now()})
	bus.Publish(domain.HookEvent{Type: domain.EventSessionCreated, SessionID: "wanted", OccurredAt: time.Now()})

	select {
	case ev := <-sub.Events:
		assert.Equal(t, "wanted", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected second event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberNeverBlocksPublish(t *testing.T) {
	bus := New(nil, nil).WithQueueSize(4)
	sub := bus.Subscribe(domain.SubscriptionFilter{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(domain.HookEvent{Type: domain.EventIterationComplete, SessionID: "s1", OccurredAt: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish stalled on a slow subscriber")
	}

	assert.Positive(t, sub.Drops())
}

func TestConcurrentUnsubscribeNeverPanicsPublish(t *testing.T) {
	bus := New(nil, nil).WithQueueSize(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			bus.Publish(domain.HookEvent{Type: domain.EventIterationComplete, SessionID: "s1", OccurredAt: time.Now()})
		}
	}()

	// Churn subscriptions while the publisher runs; a send on a
	// just-closed inbox would panic the publisher goroutine and fail
	// the test via the closed done channel never arriving.
	for i := 0; i < 200; i++ {
		sub := bus.Subscribe(domain.SubscriptionFilter{})
		sub.Unsubscribe()
		sub.Unsubscribe() // idempotent
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not finish")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil, nil)
	sub := bus.Subscribe(domain.SubscriptionFilter{})
	sub.Unsubscribe()

	require.NotPanics(t, func() {
		bus.Publish(domain.HookEvent{Type: domain.EventSessionCreated, SessionID: "s1", OccurredAt: time.Now()})
	})

	_, ok := <-sub.Events
	assert.False(t, ok)
}
