// Package observerpool implements the observer session pool: a
// bounded pool of long-lived bidirectional observer channels that fan
// out HookEvents with backpressure, health tracking, and reconnection
// replay. Each admitted connection gets a bounded outbound queue; a
// connect handshake negotiates the protocol version, origin, and
// subscription filter before any state is allocated.
package observerpool

import (
	"time"

	"github.com/autocode/driver/internal/domain"
)

// ProtocolVersion is the observer wire protocol version this pool
// speaks.
const ProtocolVersion = 1

// AdmissionRequest is the client's connect handshake payload.
type AdmissionRequest struct {
	ProtocolVersion int
	Origin          string
	AuthToken       string
	Subscription    domain.SubscriptionFilter
	BackfillCount   int
}

// AdmissionResult is the server's reply to an AdmissionRequest.
type AdmissionResult struct {
	Accepted      bool
	ConnectionID  string
	ServerVersion int
	Reason        domain.RejectReason
}

// EventFrame is one wire-level event delivery.
type EventFrame struct {
	Seq        int64          `json:"seq"`
	Type       domain.EventType `json:"type"`
	SessionID  string         `json:"sessionId"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// PingFrame/PongFrame are the heartbeat frames.
type PingFrame struct {
	Nonce string `json:"nonce"`
}

type PongFrame struct {
	Nonce    string `json:"nonce"`
	ClientTs int64  `json:"clientTs"`
}

// ResyncFrame is a client request to replay from a prior sequence
// number.
type ResyncFrame struct {
	FromSeq int64 `json:"fromSeq"`
}

// CloseFrame is sent by either side to end the session cleanly.
type CloseFrame struct {
	Reason string `json:"reason"`
}

// AuthValidator checks an AdmissionRequest's auth token. A nil
// validator accepts every token (auth disabled).
type AuthValidator func(token string) bool
