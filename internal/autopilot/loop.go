// Package autopilot implements the autopilot loop: the per-Task
// iteration state machine driving the LLM backend, completion
// analyzer and session journal to completion. The machine runs
// INIT -> READY -> ITERATING and terminates in COMPLETED, FAILED, or
// ABORTED, all from a single Run call.
package autopilot

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/autocode/driver/internal/analyzer"
	"github.com/autocode/driver/internal/config"
	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/errs"
	"github.com/autocode/driver/internal/hookbus"
	"github.com/autocode/driver/internal/journal"
	"github.com/autocode/driver/internal/llmbackend"
	"github.com/autocode/driver/internal/observability"
	"github.com/autocode/driver/internal/readiness"
)

const completionCue = "\n\nIf the task is fully done, state \"TASK COMPLETED\" explicitly."

// Loop drives one Session at a time through AutopilotLoop's iteration
// procedure. A single Loop is shared across concurrently-running
// Sessions; backendGate bounds how many LLMBackend.Execute calls run
// concurrently across all of them.
type Loop struct {
	Backend  llmbackend.LLMBackend
	Analyzer *analyzer.Analyzer
	Journal  *journal.Journal
	Bus      *hookbus.Bus
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer

	// Readiness gates Session start through a cached ReadinessProbe
	// instead of calling Backend.ProbeReadiness directly on
	// every Task; nil falls back to the uncached backend call.
	Readiness *readiness.Probe

	cfg        config.TaskConfig
	backendGate *errgroup.Group
}

// New constructs a Loop. maxConcurrentBackendCalls bounds in-flight
// LLMBackend.Execute calls across every Session this Loop drives; 0
// means unbounded.
func New(backend llmbackend.LLMBackend, an *analyzer.Analyzer, j *journal.Journal, bus *hookbus.Bus, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer, cfg config.TaskConfig, maxConcurrentBackendCalls int) *Loop {
	gate := &errgroup.Group{}
	if maxConcurrentBackendCalls > 0 {
		gate.SetLimit(maxConcurrentBackendCalls)
	}
	return &Loop{
		Backend:    backend,
		Analyzer:   an,
		Journal:    j,
		Bus:        bus,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
		cfg:        cfg,
		backendGate: gate,
	}
}

// Run executes task to completion, failure, or abort, returning the
// aggregate Result.
func (l *Loop) Run(ctx context.Context, task domain.Task) (domain.Result, error) {
	start := time.Now()

	if err := task.Validate(); err != nil {
		return domain.Result{Success: false, ErrorKind: string(errs.Validation), Message: err.Error()}, err
	}

	task = applyTaskDefaults(task, l.cfg)

	session, err := l.Journal.Create(ctx, task)
	if err != nil {
		return domain.Result{Success: false, Message: err.Error()}, err
	}
	if l.Metrics != nil {
		l.Metrics.SessionStarted(string(task.Mode))
	}

	readinessStatus, err := l.probeReadiness(ctx)
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
		closeErr := l.Journal.Close(ctx, session.ID, domain.SessionFailed, result)
		if l.Metrics != nil {
			l.Metrics.SessionEnded(string(task.Mode), string(domain.SessionFailed), time.Since(start).Seconds())
		}
		if closeErr != nil {
			return result, closeErr
		}
		if final, loadErr := l.Journal.Load(ctx, session.ID); loadErr == nil {
			result.Session = final
		}
		return result, nil
	}

	overallCtx := ctx
	var cancel context.CancelFunc
	if task.OverallTimeoutMs > 0 {
		overallCtx, cancel = context.WithTimeout(ctx, time.Duration(task.OverallTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result, finalStatus := l.iterate(overallCtx, task, &session)
	result.DurationMs = time.Since(start).Milliseconds()

	if err := l.Journal.Close(ctx, session.ID, finalStatus, result); err != nil {
		return result, err
	}
	if l.Metrics != nil {
		l.Metrics.SessionEnded(string(task.Mode), string(finalStatus), time.Since(start).Seconds())
	}
	if final, loadErr := l.Journal.Load(ctx, session.ID); loadErr == nil {
		result.Session = final
	} else {
		result.Session = session
	}
	return result, nil
}

// ProbeReadiness consults the cached ReadinessProbe when one is
// configured so repeated Task starts don't each pay a live backend
// round-trip; otherwise it calls the backend directly.
// Exported so DualAgentCoordinator can gate its own Session start
// through the same cached probe this Loop uses.
func (l *Loop) ProbeReadiness(ctx context.Context) (domain.ReadinessStatus, error) {
	if l.Readiness != nil {
		return l.Readiness.Check(ctx)
	}
	return l.Backend.ProbeReadiness(ctx)
}

func (l *Loop) probeReadiness(ctx context.Context) (domain.ReadinessStatus, error) {
	return l.ProbeReadiness(ctx)
}

func applyTaskDefaults(task domain.Task, cfg config.TaskConfig) domain.Task {
	if task.PerCallTimeoutMs <= 0 {
		task.PerCallTimeoutMs = cfg.PerCallTimeoutMs
	}
	if task.OverallTimeoutMs <= 0 {
		task.OverallTimeoutMs = cfg.OverallTimeoutMs
	}
	return task
}

// iterate runs the ITERATING phase: build prompt, call the backend,
// record the outcome, analyze it, and decide the next state.
func (l *Loop) iterate(ctx context.Context, task domain.Task, session *domain.Session) (domain.Result, domain.SessionStatus) {
	var lastText string
	var consecutiveErrors int
	var lastVerdict domain.CompletionVerdict
	var lastQuality *float64

	for n := 1; n <= task.MaxIterations; n++ {
		select {
		case <-ctx.Done():
			return abortedResult(ctx.Err()), domain.SessionAborted
		default:
		}

		prompt := l.buildPrompt(task, n, lastText)
		l.publish(domain.HookEvent{Type: domain.EventIterationStarted, SessionID: session.ID, OccurredAt: time.Now()}.WithIteration(n).WithPayload("role", string(domain.RoleSingle)))

		// One span covers the backend call, journal append, and
		// analysis; the continue/stop decision is outside it.
		iterCtx := ctx
		var span trace.Span
		if l.Tracer != nil {
			iterCtx, span = l.Tracer.TraceIteration(ctx, session.ID, n, string(domain.RoleSingle))
		}
		endSpan := func(err error) {
			if span == nil {
				return
			}
			l.Tracer.RecordError(span, err)
			span.End()
			span = nil
		}
		callCtx, cancel := context.WithTimeout(iterCtx, time.Duration(task.PerCallTimeoutMs)*time.Millisecond)

		iterStart := time.Now()
		resp, execErr := l.executeBounded(callCtx, prompt, llmbackend.ExecuteOptions{
			Model:          task.BackendModelHint,
			WorkDir:        task.WorkingDirectory,
			TimeoutMs:      task.PerCallTimeoutMs,
			AllowedToolset: task.AllowedToolset,
		})
		cancel()
		duration := time.Since(iterStart)

		if execErr != nil {
			kind := errs.KindOf(execErr)
			failErr := l.appendFailure(ctx, session.ID, n, prompt, execErr, duration)
			endSpan(execErr)
			if failErr != nil {
				return journalIOResult(failErr), domain.SessionFailed
			}
			if l.Metrics != nil {
				l.Metrics.RecordBackendError("configured", string(kind))
			}
			if kind == errs.AuthRequired {
				l.publish(domain.HookEvent{Type: domain.EventBackendAuthNeeded, SessionID: session.ID, OccurredAt: time.Now()}.WithIteration(n))
			}
			l.publish(domain.HookEvent{Type: domain.EventBackendError, SessionID: session.ID, OccurredAt: time.Now()}.WithIteration(n).WithPayload("kind", string(kind)))

			if !task.ContinueOnError || !kind.IsRetryable() {
				return surfacedFailure(kind, execErr), domain.SessionFailed
			}

			consecutiveErrors++
			observability.EmitIterationAttempt(&observability.IterationAttemptEvent{SessionID: session.ID, Attempt: consecutiveErrors})
			if consecutiveErrors >= l.maxConsecutiveErrors(task) {
				return surfacedFailure(kind, fmt.Errorf("consecutive error limit exhausted: %w", execErr)), domain.SessionFailed
			}
			if sleepErr := l.backoffFor(ctx, kind, consecutiveErrors); sleepErr != nil {
				return abortedResult(sleepErr), domain.SessionAborted
			}
			continue
		}

		consecutiveErrors = 0
		lastText = resp.Text

		iteration := domain.Iteration{
			N:          n,
			Prompt:     prompt,
			Response:   resp,
			ExitStatus: resp.ExitStatus,
			DurationMs: duration.Milliseconds(),
			StartedAt:  iterStart,
			Role:       domain.RoleSingle,
		}
		if err := l.Journal.Append(ctx, session.ID, iteration); err != nil {
			endSpan(err)
			return journalIOResult(err), domain.SessionFailed
		}

		verdict := l.Analyzer.Analyze(analyzer.Input{
			Text:            resp.Text,
			ExitStatus:      resp.ExitStatus,
			DurationMs:      duration.Milliseconds(),
			IterationN:      n,
			MaxIterations:   task.MaxIterations,
			ContinueOnError: task.ContinueOnError,
		})
		lastVerdict = verdict
		q := verdict.QualityScore
		lastQuality = &q

		if l.Metrics != nil {
			l.Metrics.IterationCompleted(string(domain.RoleSingle), fmt.Sprintf("%d", resp.ExitStatus), duration.Seconds())
			l.Metrics.RecordVerdict(verdict.Confidence, verdict.QualityScore, verdict.IsComplete, verdict.DetectedPatterns)
		}
		l.publish(domain.HookEvent{
			Type:       domain.EventAnalyzerVerdict,
			SessionID:  session.ID,
			OccurredAt: time.Now(),
		}.WithIteration(n).WithPayload("isComplete", verdict.IsComplete).WithPayload("continuationNeeded", verdict.ContinuationNeeded))
		endSpan(nil)

		// A response flagged as erroring (either resp.HasError or the
		// analyzer's error_needs_fixing pattern) with !ContinueOnError is
		// always a FAILED session, even when the analyzer otherwise
		// reports ContinuationNeeded=false for that response. This must be checked before the
		// completion branches below, or such a response would be
		// reported as a successful completion.
		errorDetected := resp.HasError || containsPattern(verdict.DetectedPatterns, "error_needs_fixing")
		if errorDetected && !task.ContinueOnError {
			return surfacedFailure(errs.BackendInternal, fmt.Errorf("response reported an error")), domain.SessionFailed
		}

		// ITERATING -> COMPLETED happens on an explicit completion
		// (isComplete ∧ !continuationNeeded), on reaching maxIterations,
		// or on ContinuationNeeded=false without IsComplete (the
		// analyzer's ambiguous-tie-break path), which also completes the
		// session at this iteration.
		if verdict.IsComplete && !verdict.ContinuationNeeded {
			return successResult(lastQuality, verdict.Reason), domain.SessionCompleted
		}
		if n == task.MaxIterations {
			return successResult(lastQuality, "max iterations reached"), domain.SessionCompleted
		}
		if !verdict.ContinuationNeeded {
			return successResult(lastQuality, verdict.Reason), domain.SessionCompleted
		}
	}

	return successResult(lastQuality, lastVerdict.Reason), domain.SessionCompleted
}

// executeBounded funnels the actual backend call through backendGate
// so the total number of concurrent LLMBackend.Execute calls across
// every Session this Loop drives never exceeds the configured limit;
// errgroup.Group.Go blocks the caller once SetLimit's slots are full,
// which is exactly the semaphore behaviour this needs.
func (l *Loop) executeBounded(ctx context.Context, prompt string, opts llmbackend.ExecuteOptions) (domain.Response, error) {
	type outcome struct {
		resp domain.Response
		err  error
	}
	done := make(chan outcome, 1)
	l.backendGate.Go(func() error {
		resp, err := l.Backend.Execute(ctx, prompt, opts)
		done <- outcome{resp, err}
		return nil
	})

	select {
	case o := <-done:
		return o.resp, o.err
	case <-ctx.Done():
		return domain.Response{}, ctx.Err()
	}
}

func (l *Loop) appendFailure(ctx context.Context, sessionID string, n int, prompt string, execErr error, duration time.Duration) error {
	iteration := domain.Iteration{
		N:          n,
		Prompt:     prompt,
		Response:   domain.Response{Text: execErr.Error(), ExitStatus: 1, HasError: true},
		ExitStatus: 1,
		DurationMs: duration.Milliseconds(),
		StartedAt:  time.Now().Add(-duration),
		Role:       domain.RoleSingle,
	}
	return l.Journal.Append(ctx, sessionID, iteration)
}

func (l *Loop) publish(event domain.HookEvent) {
	if l.Bus != nil {
		l.Bus.Publish(event)
	}
}

func (l *Loop) maxConsecutiveErrors(task domain.Task) int {
	if l.cfg.MaxConsecutiveErrors > 0 {
		return l.cfg.MaxConsecutiveErrors
	}
	return 3
}

// backoffFor scales the sleep by error kind:
// network/timeout use a longer base than logic errors, quota errors
// use the longest.
func (l *Loop) backoffFor(ctx context.Context, kind errs.Kind, attempt int) error {
	policy := backoffPolicyFor(kind)
	return sleepWithBackoff(ctx, policy, attempt)
}

// buildPrompt restates the task plus a bounded tail of the previous
// iteration's output and the completion cue for every iteration past
// the first.
func (l *Loop) buildPrompt(task domain.Task, n int, lastOutput string) string {
	if n == 1 {
		return task.Prompt
	}
	k := l.cfg.TailContextChars
	if k <= 0 {
		k = 4000
	}
	return fmt.Sprintf("Task: %s\n\nPrevious output (tail):\n%s%s", task.Prompt, tailContext(lastOutput, k), completionCue)
}

func containsPattern(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
	}
	return false
}

func tailContext(s string, k int) string {
	r := []rune(s)
	if len(r) <= k {
		return s
	}
	return string(r[len(r)-k:])
}

func successResult(quality *float64, reason string) domain.Result {
	return domain.Result{Success: true, QualityScore: quality, Message: reason}
}

func surfacedFailure(kind errs.Kind, err error) domain.Result {
	return domain.Result{
		Success:       false,
		ErrorKind:     string(kind),
		Message:       err.Error(),
		RecoveryHints: errs.RecoveryHints(kind),
	}
}

func journalIOResult(err error) domain.Result {
	return domain.Result{
		Success:       false,
		ErrorKind:     string(errs.JournalIO),
		Message:       err.Error(),
		RecoveryHints: errs.RecoveryHints(errs.JournalIO),
	}
}

func abortedResult(err error) domain.Result {
	return domain.Result{Success: false, Message: "aborted: " + err.Error()}
}
