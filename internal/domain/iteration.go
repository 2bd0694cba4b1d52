package domain

import "time"

// Iteration is one backend call within a Session.
type Iteration struct {
	N                  int       `json:"n"`
	Prompt             string    `json:"prompt"`
	Response           Response  `json:"response"`
	ExitStatus         int       `json:"exitStatus"`
	DurationMs         int64     `json:"durationMs"`
	StartedAt          time.Time `json:"startedAt"`
	Role               Role      `json:"role"`
	BackendSessionToken string   `json:"backendSessionToken,omitempty"`
}

// ParsedArtifacts is the best-effort extraction of what a backend
// response reports it did. Absence never fails the loop.
type ParsedArtifacts struct {
	FilesTouched  []string `json:"filesTouched,omitempty"`
	CommandsRun   []string `json:"commandsRun,omitempty"`
	ToolsInvoked  []string `json:"toolsInvoked,omitempty"`
	CostEstimate  *float64 `json:"costEstimate,omitempty"`
}

// Response is the backend's reply to one Execute call.
type Response struct {
	Text                string          `json:"text"`
	ExitStatus          int             `json:"exitStatus"`
	HasError            bool            `json:"hasError"`
	ParsedArtifacts     ParsedArtifacts `json:"parsedArtifacts"`
	BackendSessionToken string          `json:"backendSessionToken,omitempty"`
}

// CompletionVerdict is the CompletionAnalyzer's classification of one
// Response relative to a Task/Session context.
type CompletionVerdict struct {
	IsComplete         bool     `json:"isComplete"`
	Confidence         float64  `json:"confidence"`
	ContinuationNeeded bool     `json:"continuationNeeded"`
	QualityScore       float64  `json:"qualityScore"`
	DetectedPatterns   []string `json:"detectedPatterns"`
	Reason             string   `json:"reason,omitempty"`
	SuggestedNextAction string  `json:"suggestedNextAction,omitempty"`
}

// HandoffRecord captures one Planner<->Executor role transition in a
// DualAgentCoordinator cycle.
type HandoffRecord struct {
	From             Role    `json:"from"`
	To               Role    `json:"to"`
	Cycle            int     `json:"cycle"`
	Rationale        string  `json:"rationale"`
	QualityGatePassed bool   `json:"qualityGatePassed"`
	QualityScore     float64 `json:"qualityScore"`
}
