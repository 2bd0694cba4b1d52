package autopilot

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/autocode/driver/internal/analyzer"
	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/errs"
	"github.com/autocode/driver/internal/llmbackend"
)

// StepInput is one backend call to journal under sessionID, bundled
// with enough context for CompletionAnalyzer.
type StepInput struct {
	SessionID       string
	N               int
	Role            domain.Role
	Prompt          string
	PerCallTimeoutMs int
	Opts            llmbackend.ExecuteOptions
	MaxIterations   int
	ContinueOnError bool
}

// Step runs one backend call, journals it under the given role, and
// analyzes the result. It is the shared primitive behind both
// AutopilotLoop's own ITERATING phase and DualAgentCoordinator's
// PLAN/EXECUTE turns, which drive their own state machines on top of
// the same backend/journal/analyzer wiring.
func (l *Loop) Step(ctx context.Context, in StepInput) (domain.Response, domain.CompletionVerdict, error) {
	l.publish(domain.HookEvent{Type: domain.EventIterationStarted, SessionID: in.SessionID, OccurredAt: time.Now()}.WithIteration(in.N).WithPayload("role", string(in.Role)))

	var span trace.Span
	if l.Tracer != nil {
		ctx, span = l.Tracer.TraceIteration(ctx, in.SessionID, in.N, string(in.Role))
		defer span.End()
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(in.PerCallTimeoutMs)*time.Millisecond)
	defer cancel()

	start := time.Now()
	in.Opts.TimeoutMs = in.PerCallTimeoutMs
	resp, execErr := l.executeBounded(callCtx, in.Prompt, in.Opts)
	duration := time.Since(start)

	if execErr != nil {
		kind := errs.KindOf(execErr)
		if l.Tracer != nil {
			l.Tracer.RecordError(span, execErr)
		}
		if failErr := l.appendFailureWithRole(ctx, in.SessionID, in.N, in.Role, in.Prompt, execErr, duration); failErr != nil {
			return domain.Response{}, domain.CompletionVerdict{}, failErr
		}
		if l.Metrics != nil {
			l.Metrics.RecordBackendError("configured", string(kind))
		}
		if kind == errs.AuthRequired {
			l.publish(domain.HookEvent{Type: domain.EventBackendAuthNeeded, SessionID: in.SessionID, OccurredAt: time.Now()}.WithIteration(in.N))
		}
		l.publish(domain.HookEvent{Type: domain.EventBackendError, SessionID: in.SessionID, OccurredAt: time.Now()}.WithIteration(in.N).WithPayload("kind", string(kind)))
		return domain.Response{}, domain.CompletionVerdict{}, execErr
	}

	iteration := domain.Iteration{
		N:          in.N,
		Prompt:     in.Prompt,
		Response:   resp,
		ExitStatus: resp.ExitStatus,
		DurationMs: duration.Milliseconds(),
		StartedAt:  start,
		Role:       in.Role,
	}
	if err := l.Journal.Append(ctx, in.SessionID, iteration); err != nil {
		return domain.Response{}, domain.CompletionVerdict{}, err
	}

	verdict := l.Analyzer.Analyze(analyzer.Input{
		Text:            resp.Text,
		ExitStatus:      resp.ExitStatus,
		DurationMs:      duration.Milliseconds(),
		IterationN:      in.N,
		MaxIterations:   in.MaxIterations,
		ContinueOnError: in.ContinueOnError,
	})

	if l.Metrics != nil {
		l.Metrics.IterationCompleted(string(in.Role), durationStatus(resp.ExitStatus), duration.Seconds())
		l.Metrics.RecordVerdict(verdict.Confidence, verdict.QualityScore, verdict.IsComplete, verdict.DetectedPatterns)
	}
	l.publish(domain.HookEvent{
		Type:       domain.EventAnalyzerVerdict,
		SessionID:  in.SessionID,
		OccurredAt: time.Now(),
	}.WithIteration(in.N).WithPayload("role", string(in.Role)).WithPayload("isComplete", verdict.IsComplete).WithPayload("continuationNeeded", verdict.ContinuationNeeded))

	return resp, verdict, nil
}

func (l *Loop) appendFailureWithRole(ctx context.Context, sessionID string, n int, role domain.Role, prompt string, execErr error, duration time.Duration) error {
	iteration := domain.Iteration{
		N:          n,
		Prompt:     prompt,
		Response:   domain.Response{Text: execErr.Error(), ExitStatus: 1, HasError: true},
		ExitStatus: 1,
		DurationMs: duration.Milliseconds(),
		StartedAt:  time.Now().Add(-duration),
		Role:       role,
	}
	return l.Journal.Append(ctx, sessionID, iteration)
}

func durationStatus(exitStatus int) string {
	if exitStatus == 0 {
		return "0"
	}
	return "nonzero"
}
