package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autocode/driver/internal/analyzer"
	"github.com/autocode/driver/internal/autopilot"
	"github.com/autocode/driver/internal/config"
	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/errs"
	"github.com/autocode/driver/internal/hookbus"
	"github.com/autocode/driver/internal/journal"
	"github.com/autocode/driver/internal/llmbackend"
)

func newTestCoordinator(t *testing.T, backend llmbackend.LLMBackend, coordCfg config.CoordinatorConfig) (*Coordinator, *hookbus.Bus) {
	t.Helper()
	bus := hookbus.New(nil, nil)
	j, err := journal.New(t.TempDir(), 40, bus, nil, nil)
	require.NoError(t, err)

	taskCfg := config.TaskConfig{
		PerCallTimeoutMs: 5000,
		OverallTimeoutMs: 60000,
	}
	loop := autopilot.New(backend, analyzer.New(analyzer.DefaultConfig()), j, bus, nil, nil, nil, taskCfg, 4)
	return New(loop, coordCfg, taskCfg), bus
}

func TestDualCycleCompletesWithFourHandoffs(t *testing.T) {
	backend := llmbackend.NewFakeBackend().
		ScriptText("Step A: implement the CSV parser. Acceptance: parser handles quoted fields.").
		ScriptText("Implemented the parser for step A. Task completed.").
		ScriptText("Step A accepted, all tests passed. Next step: wire the parser into the ingest pipeline.").
		ScriptText("Step B: wire the parser into the ingest pipeline. Acceptance: ingest round-trips a sample file.").
		ScriptText("Wired the parser into ingest for step B. Task completed.").
		ScriptText("Reviewed step B output. All tests passed. Task completed.")

	coord, bus := newTestCoordinator(t, backend, config.CoordinatorConfig{
		QualityGateThreshold: 0.75,
		MaxCycles:            2,
		RetryPerStep:         2,
		ExecutorInnerMax:     3,
	})
	sub := bus.Subscribe(domain.SubscriptionFilter{EventTypes: []domain.EventType{domain.EventHandoff}})

	result, err := coord.Run(context.Background(), domain.Task{
		Prompt:        "build CSV ingest",
		MaxIterations: 10,
		Mode:          domain.ModeDual,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, domain.SessionCompleted, result.Session.Status)
	require.NotNil(t, result.HandoffCount)
	assert.Equal(t, 4, *result.HandoffCount)
	assert.Equal(t, 4, result.Session.HandoffCount)
	require.NotNil(t, result.QualityScore)
	assert.GreaterOrEqual(t, *result.QualityScore, 0.75)

	require.Len(t, result.Session.Iterations, 6)
	var plannerN, executorN int
	for _, it := range result.Session.Iterations {
		switch it.Role {
		case domain.RolePlanner:
			plannerN++
		case domain.RoleExecutor:
			executorN++
		}
	}
	assert.Equal(t, 4, plannerN)
	assert.Equal(t, 2, executorN)

	var handoffs int
	for i := 0; i < 5; i++ {
		select {
		case <-sub.Events:
			handoffs++
		default:
		}
	}
	assert.Equal(t, 4, handoffs)
}

func TestQualityGateFailureExhaustsRetriesAndFails(t *testing.T) {
	backend := llmbackend.NewFakeBackend().
		ScriptText("Step A: do the thing.").
		ScriptText("Attempt one, partial progress. Still need to do more. Task completed.").
		ScriptText("Review: this is not acceptable, error in approach.").
		ScriptText("Attempt two, still not right. Task completed.").
		ScriptText("Review: error persists, still not acceptable.").
		ScriptText("Attempt three. Task completed.").
		ScriptText("Review: error again, rejected.")

	coord, _ := newTestCoordinator(t, backend, config.CoordinatorConfig{
		QualityGateThreshold: 0.75,
		MaxCycles:            1,
		RetryPerStep:         2,
		ExecutorInnerMax:     1,
	})

	result, err := coord.Run(context.Background(), domain.Task{
		Prompt:        "a task that never satisfies review",
		MaxIterations: 10,
		Mode:          domain.ModeDual,
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, domain.SessionFailed, result.Session.Status)
	assert.Equal(t, string(errs.AnalyzerInternal), result.ErrorKind)
}

func TestMaxCyclesReachedCompletesWhenLastGatePassed(t *testing.T) {
	backend := llmbackend.NewFakeBackend().
		ScriptText("Step A: do the thing.").
		ScriptText("Done with step A. Task completed.").
		ScriptText("Review: step A accepted, all tests passed, further polish remains planned.")

	coord, _ := newTestCoordinator(t, backend, config.CoordinatorConfig{
		QualityGateThreshold: 0.75,
		MaxCycles:            1,
		RetryPerStep:         1,
		ExecutorInnerMax:     1,
	})

	result, err := coord.Run(context.Background(), domain.Task{
		Prompt:        "single cycle budget, planner never declares completion",
		MaxIterations: 10,
		Mode:          domain.ModeDual,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, domain.SessionCompleted, result.Session.Status)
	assert.Equal(t, "max cycles reached", result.Message)
}
