package observability

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EventType categorizes timeline events for filtering and display.
type EventType string

const (
	EventTypeSessionStart    EventType = "session.start"
	EventTypeSessionEnd      EventType = "session.end"
	EventTypeIterationStart  EventType = "iteration.start"
	EventTypeIterationEnd    EventType = "iteration.end"
	EventTypeHandoff         EventType = "handoff"
	EventTypeVerdict         EventType = "analyzer.verdict"
	EventTypeBackendError    EventType = "backend.error"
	EventTypeObserverConnect EventType = "observer.connect"
	EventTypeObserverDrop    EventType = "observer.drop"
	EventTypeCustom          EventType = "custom"
)

// Event is one entry in a session's debug timeline. The journal stays
// the source of truth for what happened; the timeline is for reading
// the order in which it happened.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	SessionID   string         `json:"session_id,omitempty"`
	IterationID string         `json:"iteration_id,omitempty"`
	Role        string         `json:"role,omitempty"`
	Name        string         `json:"name,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Duration    time.Duration  `json:"duration_ns,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// MemoryEventStore is a bounded in-memory event store indexed by
// session. When full, the oldest tenth of events is evicted.
type MemoryEventStore struct {
	mu        sync.RWMutex
	events    map[string]*Event
	bySession map[string][]string
	maxSize   int
}

// NewMemoryEventStore builds a store bounded at maxSize events
// (default 10000 when <= 0).
func NewMemoryEventStore(maxSize int) *MemoryEventStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryEventStore{
		events:    make(map[string]*Event),
		bySession: make(map[string][]string),
		maxSize:   maxSize,
	}
}

// Record stores event, assigning an ID and timestamp when absent.
func (s *MemoryEventStore) Record(event *Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = nextEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) >= s.maxSize {
		s.evictOldestLocked()
	}
	s.events[event.ID] = event
	if event.SessionID != "" {
		s.bySession[event.SessionID] = append(s.bySession[event.SessionID], event.ID)
	}
	return nil
}

// GetBySessionID returns sessionID's events in timestamp order.
func (s *MemoryEventStore) GetBySessionID(sessionID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySession[sessionID]
	out := make([]*Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.events[id]; ok {
			out = append(out, e)
		}
	}
	sortByTime(out)
	return out, nil
}

// GetByType returns up to limit events of eventType, most recent
// first. limit <= 0 means all.
func (s *MemoryEventStore) GetByType(eventType EventType, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns the event with the given ID.
func (s *MemoryEventStore) Get(id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event not found: %s", id)
	}
	return e, nil
}

// Delete removes events older than the given age and returns how many
// were dropped.
func (s *MemoryEventStore) Delete(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	deleted := 0
	for id, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			delete(s.events, id)
			deleted++
		}
	}
	for sessionID, ids := range s.bySession {
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := s.events[id]; ok {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.bySession, sessionID)
		} else {
			s.bySession[sessionID] = kept
		}
	}
	return deleted, nil
}

func (s *MemoryEventStore) evictOldestLocked() {
	toRemove := s.maxSize / 10
	if toRemove < 1 {
		toRemove = 1
	}
	all := make([]*Event, 0, len(s.events))
	for _, e := range s.events {
		all = append(all, e)
	}
	sortByTime(all)
	for i := 0; i < toRemove && i < len(all); i++ {
		delete(s.events, all[i].ID)
	}
}

func sortByTime(events []*Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
}

// Timeline is one session's events in order, with aggregate counts.
type Timeline struct {
	SessionID string           `json:"session_id"`
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
	Duration  time.Duration    `json:"duration"`
	Events    []*Event         `json:"events"`
	Summary   *TimelineSummary `json:"summary"`
}

// TimelineSummary aggregates a timeline's event counts.
type TimelineSummary struct {
	TotalEvents    int `json:"total_events"`
	ErrorCount     int `json:"error_count"`
	Iterations     int `json:"iterations"`
	Handoffs       int `json:"handoffs"`
	ObserverEvents int `json:"observer_events"`
}

// BuildTimeline orders events by timestamp and computes the summary.
func BuildTimeline(events []*Event) *Timeline {
	if len(events) == 0 {
		return &Timeline{Summary: &TimelineSummary{}}
	}
	sortByTime(events)

	timeline := &Timeline{
		Events:    events,
		StartTime: events[0].Timestamp,
		EndTime:   events[len(events)-1].Timestamp,
		Duration:  events[len(events)-1].Timestamp.Sub(events[0].Timestamp),
		Summary:   &TimelineSummary{TotalEvents: len(events)},
	}
	for _, e := range events {
		if timeline.SessionID == "" && e.SessionID != "" {
			timeline.SessionID = e.SessionID
		}
		if e.Error != "" || e.Type == EventTypeBackendError {
			timeline.Summary.ErrorCount++
		}
		switch e.Type {
		case EventTypeIterationStart:
			timeline.Summary.Iterations++
		case EventTypeHandoff:
			timeline.Summary.Handoffs++
		case EventTypeObserverConnect, EventTypeObserverDrop:
			timeline.Summary.ObserverEvents++
		}
	}
	return timeline
}

// FormatTimeline renders a timeline for terminal display.
func FormatTimeline(timeline *Timeline) string {
	if timeline == nil || len(timeline.Events) == 0 {
		return "No events found"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== Timeline for Session: %s ===\n", timeline.SessionID)
	fmt.Fprintf(&b, "Duration: %v\n", timeline.Duration)
	fmt.Fprintf(&b, "Events: %d (Errors: %d)\n", timeline.Summary.TotalEvents, timeline.Summary.ErrorCount)
	fmt.Fprintf(&b, "Iterations: %d, Handoffs: %d, Observer events: %d\n\n",
		timeline.Summary.Iterations, timeline.Summary.Handoffs, timeline.Summary.ObserverEvents)

	for i, e := range timeline.Events {
		prefix := "├─"
		if i == len(timeline.Events)-1 {
			prefix = "└─"
		}
		fmt.Fprintf(&b, "%s [%s] %s: %s\n", prefix, e.Timestamp.Format("15:04:05.000"), e.Type, e.Name)
		if e.Role != "" {
			fmt.Fprintf(&b, "   Role: %s\n", e.Role)
		}
		if e.Error != "" {
			fmt.Fprintf(&b, "   Error: %s\n", e.Error)
		}
	}
	return b.String()
}

var eventIDCounter atomic.Int64

func nextEventID() string {
	return fmt.Sprintf("evt_%d", eventIDCounter.Add(1))
}
