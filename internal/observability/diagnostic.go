package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// DiagnosticEventType identifies a diagnostic event.
type DiagnosticEventType string

const (
	EventTypeBackendUsage       DiagnosticEventType = "backend.usage"
	EventTypeAdmissionReceived  DiagnosticEventType = "admission.received"
	EventTypeAdmissionProcessed DiagnosticEventType = "admission.processed"
	EventTypeAdmissionError     DiagnosticEventType = "admission.error"
	EventTypeHookQueued         DiagnosticEventType = "hook.queued"
	EventTypeObserverQueueGrow  DiagnosticEventType = "queue.observer.enqueue"
	EventTypeObserverQueueDrain DiagnosticEventType = "queue.observer.dequeue"
	EventTypeIterationAttempt   DiagnosticEventType = "iteration.attempt"
)

// DiagnosticEvent is the base embedded in every diagnostic payload;
// Seq and Ts are stamped at emission.
type DiagnosticEvent struct {
	Type DiagnosticEventType `json:"type"`
	Seq  int64               `json:"seq"`
	Ts   int64               `json:"ts"`
}

func (e *DiagnosticEvent) EventType() DiagnosticEventType { return e.Type }
func (e *DiagnosticEvent) Sequence() int64                { return e.Seq }
func (e *DiagnosticEvent) Timestamp() int64               { return e.Ts }

// BackendUsageEvent reports token usage for one backend call.
type BackendUsageEvent struct {
	DiagnosticEvent
	SessionID  string       `json:"session_id,omitempty"`
	Provider   string       `json:"provider,omitempty"`
	Model      string       `json:"model,omitempty"`
	Usage      UsageDetails `json:"usage"`
	DurationMs int64        `json:"duration_ms,omitempty"`
}

// UsageDetails is the token breakdown of one backend call.
type UsageDetails struct {
	Input  int64 `json:"input,omitempty"`
	Output int64 `json:"output,omitempty"`
	Total  int64 `json:"total,omitempty"`
}

// AdmissionReceivedEvent reports an incoming observer handshake.
type AdmissionReceivedEvent struct {
	DiagnosticEvent
	Origin string `json:"origin,omitempty"`
}

// AdmissionProcessedEvent reports a completed observer admission.
type AdmissionProcessedEvent struct {
	DiagnosticEvent
	ConnectionID string `json:"connection_id"`
	Admitted     bool   `json:"admitted"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
}

// AdmissionErrorEvent reports an observer admission rejection.
type AdmissionErrorEvent struct {
	DiagnosticEvent
	Reason string `json:"reason"`
}

// HookQueuedEvent reports a hook event entering a subscriber's queue.
type HookQueuedEvent struct {
	DiagnosticEvent
	SessionID     string `json:"session_id,omitempty"`
	HookEventType string `json:"event_type"`
	QueueDepth    int    `json:"queue_depth,omitempty"`
}

// ObserverQueueEnqueueEvent reports an event entering an observer's
// outbound queue.
type ObserverQueueEnqueueEvent struct {
	DiagnosticEvent
	ConnectionID string `json:"connection_id"`
	QueueSize    int    `json:"queue_size"`
}

// ObserverQueueDequeueEvent reports an event leaving an observer's
// outbound queue.
type ObserverQueueDequeueEvent struct {
	DiagnosticEvent
	ConnectionID string `json:"connection_id"`
	QueueSize    int    `json:"queue_size"`
}

// IterationAttemptEvent reports a retried iteration.
type IterationAttemptEvent struct {
	DiagnosticEvent
	SessionID string `json:"session_id,omitempty"`
	Attempt   int    `json:"attempt"`
}

// DiagnosticEventPayload is the union over all diagnostic events.
type DiagnosticEventPayload interface {
	EventType() DiagnosticEventType
	Sequence() int64
	Timestamp() int64
}

// DiagnosticListener receives diagnostic events. Listener panics are
// swallowed so a bad listener cannot take down an emit site.
type DiagnosticListener func(event DiagnosticEventPayload)

type diagnosticEmitter struct {
	mu        sync.RWMutex
	seq       atomic.Int64
	enabled   atomic.Bool
	nextID    int
	listeners map[int]DiagnosticListener
}

var emitter = &diagnosticEmitter{listeners: make(map[int]DiagnosticListener)}

// SetDiagnosticsEnabled turns the diagnostic stream on or off.
func SetDiagnosticsEnabled(enabled bool) {
	emitter.enabled.Store(enabled)
}

// IsDiagnosticsEnabled reports whether diagnostics are on. Emit sites
// check this before building a payload so the disabled path costs one
// atomic load.
func IsDiagnosticsEnabled() bool {
	return emitter.enabled.Load()
}

// OnDiagnosticEvent registers listener and returns its unsubscribe
// function.
func OnDiagnosticEvent(listener DiagnosticListener) func() {
	emitter.mu.Lock()
	id := emitter.nextID
	emitter.nextID++
	emitter.listeners[id] = listener
	emitter.mu.Unlock()

	return func() {
		emitter.mu.Lock()
		delete(emitter.listeners, id)
		emitter.mu.Unlock()
	}
}

func emit(event DiagnosticEventPayload) {
	if !emitter.enabled.Load() {
		return
	}
	emitter.mu.RLock()
	listeners := make([]DiagnosticListener, 0, len(emitter.listeners))
	for _, l := range emitter.listeners {
		listeners = append(listeners, l)
	}
	emitter.mu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() { _ = recover() }()
			listener(event)
		}()
	}
}

func stamp(e *DiagnosticEvent, typ DiagnosticEventType) {
	e.Type = typ
	e.Seq = emitter.seq.Add(1)
	e.Ts = time.Now().UnixMilli()
}

// EmitBackendUsage emits a backend token usage event.
func EmitBackendUsage(e *BackendUsageEvent) {
	stamp(&e.DiagnosticEvent, EventTypeBackendUsage)
	emit(e)
}

// EmitAdmissionReceived emits an observer handshake arrival event.
func EmitAdmissionReceived(e *AdmissionReceivedEvent) {
	stamp(&e.DiagnosticEvent, EventTypeAdmissionReceived)
	emit(e)
}

// EmitAdmissionProcessed emits an observer admission outcome event.
func EmitAdmissionProcessed(e *AdmissionProcessedEvent) {
	stamp(&e.DiagnosticEvent, EventTypeAdmissionProcessed)
	emit(e)
}

// EmitAdmissionError emits an observer admission rejection event.
func EmitAdmissionError(e *AdmissionErrorEvent) {
	stamp(&e.DiagnosticEvent, EventTypeAdmissionError)
	emit(e)
}

// EmitHookQueued emits a hook-event-queued event.
func EmitHookQueued(e *HookQueuedEvent) {
	stamp(&e.DiagnosticEvent, EventTypeHookQueued)
	emit(e)
}

// EmitObserverQueueEnqueue emits an observer queue growth event.
func EmitObserverQueueEnqueue(e *ObserverQueueEnqueueEvent) {
	stamp(&e.DiagnosticEvent, EventTypeObserverQueueGrow)
	emit(e)
}

// EmitObserverQueueDequeue emits an observer queue drain event.
func EmitObserverQueueDequeue(e *ObserverQueueDequeueEvent) {
	stamp(&e.DiagnosticEvent, EventTypeObserverQueueDrain)
	emit(e)
}

// EmitIterationAttempt emits an iteration retry event.
func EmitIterationAttempt(e *IterationAttemptEvent) {
	stamp(&e.DiagnosticEvent, EventTypeIterationAttempt)
	emit(e)
}

// ResetDiagnosticsForTest clears listener and sequence state.
func ResetDiagnosticsForTest() {
	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	emitter.seq.Store(0)
	emitter.listeners = make(map[int]DiagnosticListener)
}
