package llmbackend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/errs"
)

// FakeResult is one scripted Execute outcome.
type FakeResult struct {
	Response domain.Response
	Err      error
	Delay    time.Duration
}

// FakeBackend is a scripted in-memory LLMBackend used by the core's
// unit tests and as the default provider when no real backend is
// configured.
type FakeBackend struct {
	mu          sync.Mutex
	scripted    map[string][]FakeResult // keyed by session token, "" = shared queue
	calls       []FakeCall
	readiness   domain.ReadinessStatus
	readinessFn func() (domain.ReadinessStatus, error)
}

// FakeCall records one Execute invocation for assertions.
type FakeCall struct {
	Prompt string
	Opts   ExecuteOptions
}

// NewFakeBackend returns a FakeBackend that reports healthy readiness
// and an empty script by default.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		scripted: make(map[string][]FakeResult),
		readiness: domain.ReadinessStatus{
			Level:      domain.ReadinessHealthy,
			Installed:  true,
			AuthReady:  true,
			CanProceed: true,
		},
	}
}

// Script appends result as the next scripted Execute outcome for the
// shared (session-token-less) queue, consumed in FIFO order.
func (f *FakeBackend) Script(result FakeResult) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted[""] = append(f.scripted[""], result)
	return f
}

// ScriptText is a convenience wrapper for Script that scripts a
// successful text-only Response.
func (f *FakeBackend) ScriptText(text string) *FakeBackend {
	return f.Script(FakeResult{Response: domain.Response{Text: text, ParsedArtifacts: ParseArtifacts(text)}})
}

// ScriptError scripts a failing Execute call that returns kind.
func (f *FakeBackend) ScriptError(kind errs.Kind) *FakeBackend {
	return f.Script(FakeResult{Err: &errs.DriverError{Kind: kind, Message: fmt.Sprintf("scripted %s", kind)}})
}

// SetReadiness overrides the readiness probe result.
func (f *FakeBackend) SetReadiness(status domain.ReadinessStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readiness = status
}

// Calls returns a copy of every Execute invocation recorded so far.
func (f *FakeBackend) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// Execute implements LLMBackend by popping the next scripted result.
// When the script is exhausted, it returns an empty successful
// Response so exhausted fakes never panic a loop under test.
func (f *FakeBackend) Execute(ctx context.Context, prompt string, opts ExecuteOptions) (domain.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{Prompt: prompt, Opts: opts})
	queue := f.scripted[""]
	var next FakeResult
	hasNext := len(queue) > 0
	if hasNext {
		next = queue[0]
		f.scripted[""] = queue[1:]
	}
	f.mu.Unlock()

	if !hasNext {
		return domain.Response{Text: "", ExitStatus: 0}, nil
	}

	if next.Delay > 0 {
		select {
		case <-time.After(next.Delay):
		case <-ctx.Done():
			return domain.Response{}, ctx.Err()
		}
	}

	return next.Response, next.Err
}

// ProbeReadiness implements LLMBackend.
func (f *FakeBackend) ProbeReadiness(ctx context.Context) (domain.ReadinessStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readinessFn != nil {
		return f.readinessFn()
	}
	status := f.readiness
	status.CheckedAt = time.Now()
	return status, nil
}

var _ LLMBackend = (*FakeBackend)(nil)
