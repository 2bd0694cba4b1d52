package domain

import "time"

// EventType is the closed taxonomy of HookBus events.
type EventType string

const (
	EventSessionCreated    EventType = "session_created"
	EventSessionCompleted  EventType = "session_completed"
	EventIterationStarted  EventType = "iteration_started"
	EventIterationComplete EventType = "iteration_completed"
	EventHandoff           EventType = "handoff"
	EventAnalyzerVerdict   EventType = "analyzer_verdict"
	EventBackendError      EventType = "backend_error"
	EventBackendAuthNeeded EventType = "backend_auth_required"
	EventObserverAdmitted  EventType = "observer_admitted"
	EventObserverDropped   EventType = "observer_dropped"
)

// HookEvent is a typed lifecycle message published synchronously with
// a Session/Iteration/Handoff state transition.
type HookEvent struct {
	Type       EventType      `json:"type"`
	SessionID  string         `json:"sessionId"`
	IterationN *int           `json:"iterationN,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// WithIteration sets IterationN on the event and returns it for
// chaining, mirroring the builder-method shape used for hook events
// elsewhere in the pack.
func (e HookEvent) WithIteration(n int) HookEvent {
	e.IterationN = &n
	return e
}

// WithPayload sets a payload key and returns the event for chaining.
func (e HookEvent) WithPayload(key string, value any) HookEvent {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}
