package observability

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func sessionEvent(sessionID string, typ EventType, name string, at time.Time) *Event {
	return &Event{Type: typ, SessionID: sessionID, Name: name, Timestamp: at}
}

func TestMemoryEventStoreRecordAssignsIDAndTimestamp(t *testing.T) {
	store := NewMemoryEventStore(100)

	event := &Event{Type: EventTypeSessionStart, SessionID: "sess-1", Name: "session_created"}
	if err := store.Record(event); err != nil {
		t.Fatalf("record: %v", err)
	}
	if event.ID == "" {
		t.Error("expected an assigned ID")
	}
	if event.Timestamp.IsZero() {
		t.Error("expected an assigned timestamp")
	}

	got, err := store.Get(event.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "session_created" {
		t.Errorf("name = %q", got.Name)
	}
}

func TestMemoryEventStoreRejectsNil(t *testing.T) {
	store := NewMemoryEventStore(10)
	if err := store.Record(nil); err == nil {
		t.Fatal("expected error for nil event")
	}
}

func TestGetBySessionIDReturnsTimestampOrder(t *testing.T) {
	store := NewMemoryEventStore(100)
	base := time.Now()

	// Recorded out of order; replay must come back ordered.
	_ = store.Record(sessionEvent("sess-1", EventTypeIterationEnd, "iteration_completed", base.Add(2*time.Second)))
	_ = store.Record(sessionEvent("sess-1", EventTypeSessionStart, "session_created", base))
	_ = store.Record(sessionEvent("sess-1", EventTypeIterationStart, "iteration_started", base.Add(time.Second)))
	_ = store.Record(sessionEvent("sess-other", EventTypeSessionStart, "session_created", base))

	events, err := store.GetBySessionID("sess-1")
	if err != nil {
		t.Fatalf("get by session: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events for sess-1, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Fatalf("events out of order at index %d", i)
		}
	}
	if events[0].Type != EventTypeSessionStart {
		t.Errorf("first event = %s, want session.start", events[0].Type)
	}
}

func TestGetByTypeMostRecentFirstWithLimit(t *testing.T) {
	store := NewMemoryEventStore(100)
	base := time.Now()
	for i := 0; i < 5; i++ {
		_ = store.Record(sessionEvent("sess-1", EventTypeBackendError, fmt.Sprintf("err_%d", i), base.Add(time.Duration(i)*time.Second)))
	}

	events, err := store.GetByType(EventTypeBackendError, 2)
	if err != nil {
		t.Fatalf("get by type: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Name != "err_4" {
		t.Errorf("most recent first: got %q", events[0].Name)
	}
}

func TestEvictionKeepsStoreBounded(t *testing.T) {
	store := NewMemoryEventStore(20)
	base := time.Now()
	for i := 0; i < 50; i++ {
		_ = store.Record(sessionEvent("sess-1", EventTypeIterationEnd, fmt.Sprintf("n_%d", i), base.Add(time.Duration(i)*time.Millisecond)))
	}

	events, _ := store.GetBySessionID("sess-1")
	if len(events) > 20 {
		t.Fatalf("store grew past its bound: %d events", len(events))
	}
	// The survivors must be the newest ones.
	for _, e := range events {
		if e.Name == "n_0" {
			t.Error("oldest event survived eviction")
		}
	}
}

func TestDeleteDropsOldEventsAndEmptySessionIndex(t *testing.T) {
	store := NewMemoryEventStore(100)
	_ = store.Record(sessionEvent("sess-old", EventTypeSessionEnd, "session_completed", time.Now().Add(-2*time.Hour)))
	_ = store.Record(sessionEvent("sess-new", EventTypeSessionStart, "session_created", time.Now()))

	deleted, err := store.Delete(time.Hour)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if events, _ := store.GetBySessionID("sess-old"); len(events) != 0 {
		t.Error("old session's events survived")
	}
	if events, _ := store.GetBySessionID("sess-new"); len(events) != 1 {
		t.Error("new session's events were dropped")
	}
}

func TestBuildTimelineSummarizesOneSession(t *testing.T) {
	base := time.Now()
	events := []*Event{
		sessionEvent("sess-1", EventTypeIterationEnd, "iteration_completed", base.Add(2*time.Second)),
		sessionEvent("sess-1", EventTypeSessionStart, "session_created", base),
		sessionEvent("sess-1", EventTypeIterationStart, "iteration_started", base.Add(time.Second)),
		sessionEvent("sess-1", EventTypeHandoff, "handoff", base.Add(3*time.Second)),
		sessionEvent("sess-1", EventTypeBackendError, "backend_error", base.Add(4*time.Second)),
		sessionEvent("sess-1", EventTypeObserverConnect, "observer_admitted", base.Add(5*time.Second)),
		sessionEvent("sess-1", EventTypeSessionEnd, "session_completed", base.Add(6*time.Second)),
	}

	timeline := BuildTimeline(events)
	if timeline.SessionID != "sess-1" {
		t.Errorf("session id = %q", timeline.SessionID)
	}
	if timeline.Duration != 6*time.Second {
		t.Errorf("duration = %v", timeline.Duration)
	}
	if timeline.Summary.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", timeline.Summary.Iterations)
	}
	if timeline.Summary.Handoffs != 1 {
		t.Errorf("handoffs = %d, want 1", timeline.Summary.Handoffs)
	}
	if timeline.Summary.ErrorCount != 1 {
		t.Errorf("errors = %d, want 1", timeline.Summary.ErrorCount)
	}
	if timeline.Summary.ObserverEvents != 1 {
		t.Errorf("observer events = %d, want 1", timeline.Summary.ObserverEvents)
	}
	if timeline.Events[0].Type != EventTypeSessionStart {
		t.Errorf("first event = %s, want session.start", timeline.Events[0].Type)
	}
}

func TestBuildTimelineEmpty(t *testing.T) {
	timeline := BuildTimeline(nil)
	if timeline.Summary.TotalEvents != 0 {
		t.Errorf("total events = %d", timeline.Summary.TotalEvents)
	}
	if FormatTimeline(timeline) != "No events found" {
		t.Errorf("format = %q", FormatTimeline(timeline))
	}
}

func TestFormatTimelineRendersEventsAndErrors(t *testing.T) {
	base := time.Now()
	events := []*Event{
		sessionEvent("sess-1", EventTypeSessionStart, "session_created", base),
		{Type: EventTypeBackendError, SessionID: "sess-1", Name: "backend_error", Timestamp: base.Add(time.Second), Error: "network unreachable", Role: "SINGLE"},
	}

	out := FormatTimeline(BuildTimeline(events))
	for _, want := range []string{"sess-1", "session_created", "backend_error", "network unreachable", "Role: SINGLE"} {
		if !strings.Contains(out, want) {
			t.Errorf("formatted timeline missing %q:\n%s", want, out)
		}
	}
}
