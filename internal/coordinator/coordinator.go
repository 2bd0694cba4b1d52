// Package coordinator implements the dual-agent coordinator: a
// two-role PLAN -> EXECUTE -> REVIEW cycle state machine in which a
// Planner role delegates concrete steps to an Executor role, then
// reviews the Executor's output against its own acceptance criteria,
// all driven through the shared autopilot Step primitive.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/autocode/driver/internal/analyzer"
	"github.com/autocode/driver/internal/autopilot"
	"github.com/autocode/driver/internal/config"
	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/errs"
	"github.com/autocode/driver/internal/llmbackend"
)

// Coordinator drives one DUAL-mode Session through repeated
// Planner/Executor cycles on top of a shared AutopilotLoop.
type Coordinator struct {
	Loop *autopilot.Loop

	cfg     config.CoordinatorConfig
	taskCfg config.TaskConfig
}

// New constructs a Coordinator. loop supplies the Backend, Analyzer,
// Journal and Bus every PLAN/EXECUTE/REVIEW step is run through.
func New(loop *autopilot.Loop, cfg config.CoordinatorConfig, taskCfg config.TaskConfig) *Coordinator {
	return &Coordinator{Loop: loop, cfg: cfg, taskCfg: taskCfg}
}

// cycleState is the bookkeeping threaded through one Run call.
type cycleState struct {
	n                int // shared iteration counter across both roles
	plannerIterations int
	executorIterations int
	handoffCount     int
	qualityScores    []float64
}

// Run drives task (Mode must be DUAL) through the coordination state
// machine to completion, failure, or abort.
func (c *Coordinator) Run(ctx context.Context, task domain.Task) (domain.Result, error) {
	start := time.Now()

	task.Mode = domain.ModeDual
	task = c.applyDefaults(task)
	if err := task.Validate(); err != nil {
		return domain.Result{Success: false, ErrorKind: string(errs.Validation), Message: err.Error()}, err
	}

	session, err := c.Loop.Journal.Create(ctx, task)
	if err != nil {
		return domain.Result{Success: false, Message: err.Error()}, err
	}
	if c.Loop.Metrics != nil {
		c.Loop.Metrics.SessionStarted(string(task.Mode))
	}

	readinessStatus, err := c.Loop.ProbeReadiness(ctx)
	if err != nil || !readinessStatus.CanProceed {
		kind := readinessStatus.ErrorKind
		if kind == "" {
			kind = string(errs.BackendNotInstalled)
		}
		msg := "backend is not ready"
		if len(readinessStatus.Issues) > 0 {
			msg = readinessStatus.Issues[0]
		}
		result := domain.Result{
			Session:       session,
			Success:       false,
			ErrorKind:     kind,
			Message:       msg,
			RecoveryHints: errs.RecoveryHints(errs.Kind(kind)),
			DurationMs:    time.Since(start).Milliseconds(),
		}
		if closeErr := c.Loop.Journal.Close(ctx, session.ID, domain.SessionFailed, result); closeErr != nil {
			return result, closeErr
		}
		if c.Loop.Metrics != nil {
			c.Loop.Metrics.SessionEnded(string(task.Mode), string(domain.SessionFailed), time.Since(start).Seconds())
		}
		if final, loadErr := c.Loop.Journal.Load(ctx, session.ID); loadErr == nil {
			result.Session = final
		}
		return result, nil
	}

	overallCtx := ctx
	if task.OverallTimeoutMs > 0 {
		var cancel context.CancelFunc
		overallCtx, cancel = context.WithTimeout(ctx, time.Duration(task.OverallTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result, status := c.run(overallCtx, task, session.ID)
	result.DurationMs = time.Since(start).Milliseconds()

	if err := c.Loop.Journal.Close(ctx, session.ID, status, result); err != nil {
		return result, err
	}
	if c.Loop.Metrics != nil {
		c.Loop.Metrics.SessionEnded(string(task.Mode), string(status), time.Since(start).Seconds())
	}
	if final, loadErr := c.Loop.Journal.Load(ctx, session.ID); loadErr == nil {
		result.Session = final
	} else {
		result.Session = session
	}
	return result, nil
}

func (c *Coordinator) applyDefaults(task domain.Task) domain.Task {
	if task.PerCallTimeoutMs <= 0 {
		task.PerCallTimeoutMs = c.taskCfg.PerCallTimeoutMs
	}
	if task.OverallTimeoutMs <= 0 {
		task.OverallTimeoutMs = c.taskCfg.OverallTimeoutMs
	}
	return task
}

// run executes the cycle state machine and returns the aggregate
// Result plus the terminal SessionStatus the caller should close with.
func (c *Coordinator) run(ctx context.Context, task domain.Task, sessionID string) (domain.Result, domain.SessionStatus) {
	st := &cycleState{}
	maxCycles := c.cfg.MaxCycles
	if maxCycles <= 0 {
		maxCycles = 5
	}

	var lastQualityPassed bool
	var lastQuality float64
	var planCritique string

	for cycle := 1; cycle <= maxCycles; cycle++ {
		select {
		case <-ctx.Done():
			return abortedResult(ctx.Err(), st), domain.SessionAborted
		default:
		}

		planText, err := c.plan(ctx, task, sessionID, st, cycle, planCritique)
		if err != nil {
			return surfacedFailure(errs.KindOf(err), err, st), domain.SessionFailed
		}
		c.handoff(sessionID, domain.RolePlanner, domain.RoleExecutor, cycle, "planner handed off next step to executor", false, 0)
		st.handoffCount++

		retryBudget := c.cfg.RetryPerStep
		if retryBudget < 0 {
			retryBudget = 0
		}

		var gatePassed bool
		var quality float64
		var reviewText string
		planCritique = ""

		for attempt := 0; attempt <= retryBudget; attempt++ {
			execText, err := c.execute(ctx, task, sessionID, st, planText, planCritique)
			if err != nil {
				return surfacedFailure(errs.KindOf(err), err, st), domain.SessionFailed
			}
			c.handoff(sessionID, domain.RoleExecutor, domain.RolePlanner, cycle, "executor returned output for review", false, 0)
			st.handoffCount++

			reviewText, quality, err = c.review(ctx, task, sessionID, st, cycle, planText, execText)
			if err != nil {
				return surfacedFailure(errs.KindOf(err), err, st), domain.SessionFailed
			}

			gatePassed = quality >= c.qualityGateThreshold()
			if gatePassed {
				break
			}
			planCritique = reviewText
		}

		st.qualityScores = append(st.qualityScores, quality)
		lastQuality = quality
		lastQualityPassed = gatePassed

		if !gatePassed {
			return surfacedFailure(errs.AnalyzerInternal, fmt.Errorf("quality gate failed after %d retries in cycle %d", retryBudget, cycle), st), domain.SessionFailed
		}

		if c.plannerDeclaresCompletion(reviewText) {
			return completedResult(lastQuality, st, "planner declared completion"), domain.SessionCompleted
		}
		// Quality gate passed but the planner defined further steps;
		// continue into the next cycle (CONTINUE_CYCLE).
	}

	if lastQualityPassed {
		return completedResult(lastQuality, st, "max cycles reached"), domain.SessionCompleted
	}
	return surfacedFailure(errs.AnalyzerInternal, fmt.Errorf("max cycles reached without a passing quality gate"), st), domain.SessionFailed
}

// plan runs a single-iteration Planner turn.
func (c *Coordinator) plan(ctx context.Context, task domain.Task, sessionID string, st *cycleState, cycle int, critique string) (string, error) {
	st.n++
	st.plannerIterations++

	prompt := fmt.Sprintf("Cycle %d planning.\nOverall task: %s\n", cycle, task.Prompt)
	if critique != "" {
		prompt += fmt.Sprintf("\nPrevious attempt's review critique:\n%s\n", critique)
	}
	prompt += "\nState the next actionable step and explicit acceptance criteria for the executor."

	resp, _, err := c.Loop.Step(ctx, autopilot.StepInput{
		SessionID:        sessionID,
		N:                st.n,
		Role:             domain.RolePlanner,
		Prompt:           prompt,
		PerCallTimeoutMs: task.PerCallTimeoutMs,
		Opts: llmbackend.ExecuteOptions{
			Model:          task.BackendModelHint,
			WorkDir:        task.WorkingDirectory,
			AllowedToolset: task.AllowedToolset,
		},
		MaxIterations:   task.MaxIterations,
		ContinueOnError: task.ContinueOnError,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// execute runs the Executor role for up to executorInnerMax inner
// iterations, stopping early on its own analyzer's completion signal.
func (c *Coordinator) execute(ctx context.Context, task domain.Task, sessionID string, st *cycleState, planText, critique string) (string, error) {
	innerMax := c.cfg.ExecutorInnerMax
	if innerMax <= 0 {
		innerMax = 3
	}

	basePrompt := fmt.Sprintf("Planner's step and acceptance criteria:\n%s\n", planText)
	if critique != "" {
		basePrompt += fmt.Sprintf("\nPlanner's critique of the prior attempt:\n%s\n", critique)
	}

	var lastText string
	for i := 0; i < innerMax; i++ {
		st.n++
		st.executorIterations++

		prompt := basePrompt
		if lastText != "" {
			prompt += fmt.Sprintf("\nYour previous output:\n%s\n\nContinue until the acceptance criteria are met.", lastText)
		}

		resp, verdict, err := c.Loop.Step(ctx, autopilot.StepInput{
			SessionID:        sessionID,
			N:                st.n,
			Role:             domain.RoleExecutor,
			Prompt:           prompt,
			PerCallTimeoutMs: task.PerCallTimeoutMs,
			Opts: llmbackend.ExecuteOptions{
				WorkDir:        task.WorkingDirectory,
				AllowedToolset: task.AllowedToolset,
			},
			MaxIterations:   innerMax,
			ContinueOnError: task.ContinueOnError,
		})
		if err != nil {
			return "", err
		}
		lastText = resp.Text
		if !verdict.ContinuationNeeded {
			break
		}
	}
	return lastText, nil
}

// review runs a Planner turn that grades the Executor's output
// against its own acceptance criteria. The
// CompletionAnalyzer's QualityScore over the review text stands in
// for the Planner's own quality classification; whether the review
// declares the task done is decided by plannerDeclaresCompletion.
func (c *Coordinator) review(ctx context.Context, task domain.Task, sessionID string, st *cycleState, cycle int, planText, execText string) (string, float64, error) {
	st.n++
	st.plannerIterations++

	prompt := fmt.Sprintf(
		"Cycle %d review.\nYour step and acceptance criteria:\n%s\n\nExecutor output:\n%s\n\nGrade this against your acceptance criteria and state whether the overall task is now complete.",
		cycle, planText, execText,
	)

	resp, verdict, err := c.Loop.Step(ctx, autopilot.StepInput{
		SessionID:        sessionID,
		N:                st.n,
		Role:             domain.RolePlanner,
		Prompt:           prompt,
		PerCallTimeoutMs: task.PerCallTimeoutMs,
		Opts: llmbackend.ExecuteOptions{
			Model:          task.BackendModelHint,
			WorkDir:        task.WorkingDirectory,
			AllowedToolset: task.AllowedToolset,
		},
		MaxIterations:   task.MaxIterations,
		ContinueOnError: task.ContinueOnError,
	})
	if err != nil {
		return "", 0, err
	}
	return resp.Text, verdict.QualityScore, nil
}

// plannerDeclaresCompletion re-analyzes the review text alone (no
// exit status or iteration context) and reports the verdict's
// IsComplete; a review the analyzer marks complete is the planner's
// declaration that the overall task is done.
func (c *Coordinator) plannerDeclaresCompletion(reviewText string) bool {
	return c.Loop.Analyzer.Analyze(analyzer.Input{Text: reviewText}).IsComplete
}

func (c *Coordinator) qualityGateThreshold() float64 {
	if c.cfg.QualityGateThreshold > 0 {
		return c.cfg.QualityGateThreshold
	}
	return 0.75
}

func (c *Coordinator) handoff(sessionID string, from, to domain.Role, cycle int, rationale string, gatePassed bool, quality float64) {
	if c.Loop.Metrics != nil {
		c.Loop.Metrics.RecordHandoff(string(from), string(to), gatePassed)
	}
	if c.Loop.Bus == nil {
		return
	}
	record := domain.HandoffRecord{
		From:              from,
		To:                to,
		Cycle:             cycle,
		Rationale:         rationale,
		QualityGatePassed: gatePassed,
		QualityScore:      quality,
	}
	c.Loop.Bus.Publish(domain.HookEvent{
		Type:       domain.EventHandoff,
		SessionID:  sessionID,
		OccurredAt: time.Now(),
	}.WithPayload("handoff", record))
}

func completedResult(quality float64, st *cycleState, reason string) domain.Result {
	q := quality
	hc := st.handoffCount
	return domain.Result{
		Success:      true,
		QualityScore: &q,
		HandoffCount: &hc,
		Message:      reason,
	}
}

func surfacedFailure(kind errs.Kind, err error, st *cycleState) domain.Result {
	hc := st.handoffCount
	return domain.Result{
		Success:       false,
		ErrorKind:     string(kind),
		Message:       err.Error(),
		RecoveryHints: errs.RecoveryHints(kind),
		HandoffCount:  &hc,
	}
}

func abortedResult(err error, st *cycleState) domain.Result {
	hc := st.handoffCount
	return domain.Result{Success: false, Message: "aborted: " + err.Error(), HandoffCount: &hc}
}
