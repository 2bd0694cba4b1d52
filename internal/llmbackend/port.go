// Package llmbackend defines the LLMBackend port and its
// concrete implementations: a real Anthropic client, a real OpenAI
// client, a real Gemini client, and an in-memory fake used by tests and the readiness probe
// when no provider is configured.
package llmbackend

import (
	"context"
	"time"

	"github.com/autocode/driver/internal/domain"
)

// ExecuteOptions carries the per-call knobs.
type ExecuteOptions struct {
	Model             string
	WorkDir           string
	TimeoutMs         int
	AllowedToolset    []string
	ResumeSessionToken string
}

// Timeout returns the configured per-call timeout, defaulting to two
// minutes when unset.
func (o ExecuteOptions) Timeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// LLMBackend is the abstract one-shot code-generation backend the
// AutopilotLoop drives. Implementations must be safe to call
// concurrently from different Sessions; backend tokens isolate
// per-session continuity.
type LLMBackend interface {
	Execute(ctx context.Context, prompt string, opts ExecuteOptions) (domain.Response, error)
	ProbeReadiness(ctx context.Context) (domain.ReadinessStatus, error)
}
