package autopilot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autocode/driver/internal/analyzer"
	"github.com/autocode/driver/internal/config"
	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/errs"
	"github.com/autocode/driver/internal/hookbus"
	"github.com/autocode/driver/internal/journal"
	"github.com/autocode/driver/internal/llmbackend"
)

func newTestLoop(t *testing.T, backend llmbackend.LLMBackend) (*Loop, *hookbus.Bus) {
	t.Helper()
	bus := hookbus.New(nil, nil)
	j, err := journal.New(t.TempDir(), 20, bus, nil, nil)
	require.NoError(t, err)

	cfg := config.TaskConfig{
		PerCallTimeoutMs:     5000,
		OverallTimeoutMs:     60000,
		MaxConsecutiveErrors: 3,
		TailContextChars:     4000,
	}
	return New(backend, analyzer.New(analyzer.DefaultConfig()), j, bus, nil, nil, nil, cfg, 4), bus
}

func TestHappyPathSingleIteration(t *testing.T) {
	backend := llmbackend.NewFakeBackend().ScriptText("11. TASK COMPLETED")
	loop, bus := newTestLoop(t, backend)

	sub := bus.Subscribe(domain.SubscriptionFilter{})

	result, err := loop.Run(context.Background(), domain.Task{
		Prompt:        "print the fifth prime",
		MaxIterations: 3,
		Mode:          domain.ModeSingle,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, domain.SessionCompleted, result.Session.Status)
	require.Len(t, result.Session.Iterations, 1)
	require.NotNil(t, result.QualityScore)
	assert.GreaterOrEqual(t, *result.QualityScore, 0.8)

	var sawIterationStarted, sawIterationCompleted, sawSessionCompleted bool
drain:
	for {
		select {
		case ev := <-sub.Events:
			switch ev.Type {
			case domain.EventIterationStarted:
				sawIterationStarted = true
			case domain.EventIterationComplete:
				sawIterationCompleted = true
			case domain.EventSessionCompleted:
				sawSessionCompleted = true
			}
		default:
			break drain
		}
	}
	assert.True(t, sawIterationStarted)
	assert.True(t, sawIterationCompleted)
	assert.True(t, sawSessionCompleted)
}

func TestRetryThenSucceed(t *testing.T) {
	backend := llmbackend.NewFakeBackend().
		ScriptError(errs.Network).
		ScriptError(errs.Network).
		ScriptText("Done. TASK COMPLETED")
	loop, _ := newTestLoop(t, backend)

	result, err := loop.Run(context.Background(), domain.Task{
		Prompt:               "fix the flaky test",
		MaxIterations:        5,
		ContinueOnError:      true,
		Mode:                 domain.ModeSingle,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, domain.SessionCompleted, result.Session.Status)
	assert.Len(t, result.Session.Iterations, 3)
}

func TestConsecutiveErrorLimitFailsSession(t *testing.T) {
	backend := llmbackend.NewFakeBackend().
		ScriptError(errs.Network).
		ScriptError(errs.Network).
		ScriptError(errs.Network).
		ScriptError(errs.Network)
	loop, _ := newTestLoop(t, backend)

	result, err := loop.Run(context.Background(), domain.Task{
		Prompt:          "flaky deploy",
		MaxIterations:   5,
		ContinueOnError: true,
		Mode:            domain.ModeSingle,
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, domain.SessionFailed, result.Session.Status)
	assert.Equal(t, string(errs.Network), result.ErrorKind)
	assert.Len(t, result.Session.Iterations, 3)
}

func TestReadinessGateFailsSessionWithoutIterating(t *testing.T) {
	backend := llmbackend.NewFakeBackend()
	backend.SetReadiness(domain.ReadinessStatus{
		Level:      domain.ReadinessUnavailable,
		CanProceed: false,
		ErrorKind:  string(errs.AuthRequired),
		Issues:     []string{"no API key configured"},
	})
	loop, bus := newTestLoop(t, backend)
	sub := bus.Subscribe(domain.SubscriptionFilter{})

	result, err := loop.Run(context.Background(), domain.Task{
		Prompt:        "anything",
		MaxIterations: 3,
		Mode:          domain.ModeSingle,
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, domain.SessionFailed, result.Session.Status)
	assert.Equal(t, string(errs.AuthRequired), result.ErrorKind)
	assert.Empty(t, result.Session.Iterations)
	assert.Empty(t, backend.Calls())

	var types []domain.EventType
drain:
	for {
		select {
		case ev := <-sub.Events:
			types = append(types, ev.Type)
		default:
			break drain
		}
	}
	assert.Contains(t, types, domain.EventSessionCreated)
	assert.Contains(t, types, domain.EventSessionCompleted)
}

func TestErrorPatternedTextWithContinueOnErrorFalseFailsSession(t *testing.T) {
	// A successful backend call (HasError=false, exitStatus=0) whose
	// text matches the error_needs_fixing family must still fail the
	// session when ContinueOnError is false, even though the analyzer
	// reports ContinuationNeeded=false for it (it is not an explicit
	// completion either).
	backend := llmbackend.NewFakeBackend().ScriptText("Error: build failed due to a missing import")
	loop, _ := newTestLoop(t, backend)

	result, err := loop.Run(context.Background(), domain.Task{
		Prompt:        "fix the build",
		MaxIterations: 5,
		Mode:          domain.ModeSingle,
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, domain.SessionFailed, result.Session.Status)
	assert.Equal(t, string(errs.BackendInternal), result.ErrorKind)
	require.Len(t, result.Session.Iterations, 1)
}

func TestAmbiguousTieBreakStopsOneIterationEarly(t *testing.T) {
	ambiguous := "still need to do more work, next steps: finish it"
	backend := llmbackend.NewFakeBackend().
		ScriptText(ambiguous).
		ScriptText(ambiguous).
		ScriptText(ambiguous)
	loop, _ := newTestLoop(t, backend)

	result, err := loop.Run(context.Background(), domain.Task{
		Prompt:        "iterative task",
		MaxIterations: 3,
		Mode:          domain.ModeSingle,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, domain.SessionCompleted, result.Session.Status)
	// The second iteration lands on n = maxIterations-1, where the
	// analyzer's tie-break prefers stopping over spending the final
	// budgeted iteration on an ambiguous verdict.
	assert.Len(t, result.Session.Iterations, 2)
}
