package llmbackend

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/autocode/driver/internal/backoff"
	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/errs"
)

// GeminiConfig configures GeminiBackend.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
	RetryPolicy  backoff.BackoffPolicy
}

// GeminiBackend is a third concrete LLMBackend: a thin Google Gen AI
// SDK client wrapper with retry/backoff and error classification.
// The port is one-shot rather than a token stream, so each Execute is
// a single non-streaming GenerateContent call.
type GeminiBackend struct {
	client       *genai.Client
	defaultModel string
	maxRetries   int
	policy       backoff.BackoffPolicy
}

// NewGeminiBackend builds a GeminiBackend from cfg.
func NewGeminiBackend(cfg GeminiConfig) (*GeminiBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "gemini-2.0-flash"
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	policy := cfg.RetryPolicy
	if policy == (backoff.BackoffPolicy{}) {
		policy = backoff.DefaultPolicy()
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.New("gemini: failed to create client: " + err.Error())
	}

	return &GeminiBackend{
		client:       client,
		defaultModel: model,
		maxRetries:   maxRetries,
		policy:       policy,
	}, nil
}

// Execute implements LLMBackend.
func (b *GeminiBackend) Execute(ctx context.Context, prompt string, opts ExecuteOptions) (domain.Response, error) {
	model := opts.Model
	if model == "" {
		model = b.defaultModel
	}

	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout())
	defer cancel()

	contents := []*genai.Content{
		{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: prompt}},
		},
	}

	var resp *genai.GenerateContentResponse
	var lastErr error
	attempt := 0
	for attempt = 1; attempt <= b.maxRetries; attempt++ {
		resp, lastErr = b.client.Models.GenerateContent(callCtx, model, contents, nil)
		if lastErr == nil {
			break
		}
		kind := classifyGeminiError(lastErr)
		if !kind.IsRetryable() || attempt == b.maxRetries {
			break
		}
		if sleepErr := backoff.SleepWithBackoff(callCtx, b.policy, attempt); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}
	if lastErr != nil {
		kind := classifyGeminiError(lastErr)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			kind = errs.Timeout
		}
		return domain.Response{HasError: true, Text: lastErr.Error()}, (&errs.DriverError{
			Kind: kind, Cause: lastErr, Attempts: attempt,
		})
	}

	text := extractGeminiText(resp)
	return domain.Response{
		Text:            text,
		ExitStatus:      0,
		HasError:        false,
		ParsedArtifacts: ParseArtifacts(text),
	}, nil
}

// ProbeReadiness implements LLMBackend via a minimal, cheap generation
// call used purely to confirm the API key authenticates.
func (b *GeminiBackend) ProbeReadiness(ctx context.Context) (domain.ReadinessStatus, error) {
	status := domain.ReadinessStatus{CheckedAt: time.Now(), Installed: true}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := b.client.Models.GenerateContent(probeCtx, b.defaultModel, []*genai.Content{
		{Role: genai.RoleUser, Parts: []*genai.Part{{Text: "ping"}}},
	}, nil)
	if err == nil {
		status.Level = domain.ReadinessHealthy
		status.AuthReady = true
		status.CanProceed = true
		return status, nil
	}

	kind := classifyGeminiError(err)
	status.Issues = []string{err.Error()}
	status.ErrorKind = string(kind)
	switch kind {
	case errs.AuthRequired:
		status.Level = domain.ReadinessUnavailable
		status.CanProceed = false
	default:
		status.Level = domain.ReadinessPartial
		status.Degraded = true
		status.CanProceed = true
	}
	return status, nil
}

func extractGeminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" {
				sb.WriteString(part.Text)
			}
		}
	}
	return sb.String()
}

// classifyGeminiError classifies by substrings of the SDK's error
// text, since genai does not expose a typed status-code error for
// every failure path.
func classifyGeminiError(err error) errs.Kind {
	if err == nil {
		return errs.BackendInternal
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthenticated"), strings.Contains(msg, "api key"):
		return errs.AuthRequired
	case strings.Contains(msg, "403"), strings.Contains(msg, "permission denied"):
		return errs.AuthRequired
	case strings.Contains(msg, "429"), strings.Contains(msg, "resource exhausted"), strings.Contains(msg, "quota"), strings.Contains(msg, "rate limit"):
		return errs.QuotaExhausted
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return errs.Timeout
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "bad gateway"), strings.Contains(msg, "service unavailable"):
		return errs.Network
	case strings.Contains(msg, "500"), strings.Contains(msg, "internal"):
		return errs.BackendInternal
	default:
		return errs.Classify(err)
	}
}
