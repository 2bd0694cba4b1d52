package domain

import "time"

// SessionStatus is the terminal-or-running state of one Session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "RUNNING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionFailed    SessionStatus = "FAILED"
	SessionAborted   SessionStatus = "ABORTED"
)

// Terminal reports whether status is a non-RUNNING, immutable state.
func (s SessionStatus) Terminal() bool {
	return s != SessionRunning
}

// Session is one execution of a Task.
type Session struct {
	ID               string        `json:"sessionId"`
	StartedAt        time.Time     `json:"startedAt"`
	EndedAt          *time.Time    `json:"endedAt,omitempty"`
	Status           SessionStatus `json:"status"`
	Mode             Mode          `json:"mode"`
	WorkingDirectory string        `json:"workingDirectory"`
	InitialPrompt    string        `json:"initialPrompt"`
	Iterations       []Iteration   `json:"iterations"`

	// ErrorKind/Message/RecoveryHints are populated only when Status is
	// FAILED or ABORTED with an attributable cause.
	ErrorKind      string   `json:"errorKind,omitempty"`
	ErrorMessage   string   `json:"errorMessage,omitempty"`
	RecoveryHints  []string `json:"recoveryHints,omitempty"`

	// HandoffCount is populated for DUAL-mode sessions; QualityScore
	// whenever the closing Result carries one, in either mode.
	HandoffCount int      `json:"handoffCount,omitempty"`
	QualityScore *float64 `json:"qualityScore,omitempty"`
}

// NextIterationNumber returns the iteration number the next Append
// call must use to preserve the 1..N no-gaps invariant.
func (s *Session) NextIterationNumber() int {
	return len(s.Iterations) + 1
}

// Result is the aggregate outcome returned by RunAutopilot.
type Result struct {
	Session       Session  `json:"session"`
	Success       bool     `json:"success"`
	Iterations    int      `json:"iterations"`
	DurationMs    int64    `json:"durationMs"`
	QualityScore  *float64 `json:"qualityScore,omitempty"`
	HandoffCount  *int     `json:"handoffCount,omitempty"`
	ErrorKind     string   `json:"errorKind,omitempty"`
	Message       string   `json:"message,omitempty"`
	RecoveryHints []string `json:"recoveryHints,omitempty"`
}
