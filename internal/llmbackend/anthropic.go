package llmbackend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/autocode/driver/internal/backoff"
	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/errs"
	"github.com/autocode/driver/internal/observability"
)

// AnthropicConfig configures AnthropicBackend.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryPolicy  backoff.BackoffPolicy
}

// AnthropicBackend implements LLMBackend against the real Anthropic
// API: a thin client wrapper with retry/backoff and error
// classification. The port is one-shot rather than a token stream, so
// each Execute is a single non-streaming Messages.New call.
type AnthropicBackend struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	policy       backoff.BackoffPolicy
}

// NewAnthropicBackend builds an AnthropicBackend from cfg.
func NewAnthropicBackend(cfg AnthropicConfig) (*AnthropicBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	policy := cfg.RetryPolicy
	if policy == (backoff.BackoffPolicy{}) {
		policy = backoff.DefaultPolicy()
	}
	return &AnthropicBackend{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
		maxRetries:   maxRetries,
		policy:       policy,
	}, nil
}

// Execute implements LLMBackend.
func (b *AnthropicBackend) Execute(ctx context.Context, prompt string, opts ExecuteOptions) (domain.Response, error) {
	start := time.Now()
	model := opts.Model
	if model == "" {
		model = b.defaultModel
	}

	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout())
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var msg *anthropic.Message
	var lastErr error
	attempt := 0
	for attempt = 1; attempt <= b.maxRetries; attempt++ {
		msg, lastErr = b.client.Messages.New(callCtx, params)
		if lastErr == nil {
			break
		}
		kind := classifyAnthropicError(lastErr)
		if !kind.IsRetryable() || attempt == b.maxRetries {
			break
		}
		if sleepErr := backoff.SleepWithBackoff(callCtx, b.policy, attempt); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}
	if lastErr != nil {
		kind := classifyAnthropicError(lastErr)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			kind = errs.Timeout
		}
		return domain.Response{HasError: true, Text: errMessage(lastErr)}, (&errs.DriverError{
			Kind: kind, Cause: lastErr, Attempts: attempt,
		})
	}

	if observability.IsDiagnosticsEnabled() && msg != nil {
		observability.EmitBackendUsage(&observability.BackendUsageEvent{
			Provider: "anthropic",
			Model:    model,
			Usage: observability.UsageDetails{
				Input:  msg.Usage.InputTokens,
				Output: msg.Usage.OutputTokens,
				Total:  msg.Usage.InputTokens + msg.Usage.OutputTokens,
			},
			DurationMs: time.Since(start).Milliseconds(),
		})
	}

	text := extractAnthropicText(msg)
	return domain.Response{
		Text:            text,
		ExitStatus:      0,
		HasError:        false,
		ParsedArtifacts: ParseArtifacts(text),
	}, nil
}

// ProbeReadiness implements LLMBackend via a minimal one-token
// message call used purely to confirm the API key authenticates.
func (b *AnthropicBackend) ProbeReadiness(ctx context.Context) (domain.ReadinessStatus, error) {
	status := domain.ReadinessStatus{CheckedAt: time.Now(), Installed: true}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := b.client.Messages.New(probeCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.defaultModel),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err == nil {
		status.Level = domain.ReadinessHealthy
		status.AuthReady = true
		status.CanProceed = true
		return status, nil
	}

	kind := classifyAnthropicError(err)
	status.Issues = []string{err.Error()}
	status.ErrorKind = string(kind)
	switch kind {
	case errs.AuthRequired:
		status.Level = domain.ReadinessUnavailable
		status.CanProceed = false
	case errs.Network, errs.Timeout, errs.QuotaExhausted:
		status.Level = domain.ReadinessPartial
		status.Degraded = true
		status.CanProceed = true
	default:
		status.Level = domain.ReadinessPartial
		status.Degraded = true
		status.CanProceed = true
	}
	return status, nil
}

func extractAnthropicText(msg *anthropic.Message) string {
	if msg == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

func classifyAnthropicError(err error) errs.Kind {
	if err == nil {
		return errs.BackendInternal
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errs.AuthRequired
		case http.StatusTooManyRequests:
			return errs.QuotaExhausted
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return errs.Timeout
		case http.StatusBadGateway, http.StatusServiceUnavailable:
			return errs.Network
		}
		if apiErr.StatusCode >= 500 {
			return errs.BackendInternal
		}
	}
	return errs.Classify(err)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("anthropic backend error: %s", err.Error())
}
