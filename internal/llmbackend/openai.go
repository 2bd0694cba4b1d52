package llmbackend

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/autocode/driver/internal/backoff"
	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/errs"
)

// OpenAIConfig configures OpenAIBackend.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryPolicy  backoff.BackoffPolicy
}

// OpenAIBackend is a second concrete LLMBackend; the port is
// provider-agnostic, and each Execute is a single non-streaming
// CreateChatCompletion call.
type OpenAIBackend struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	policy       backoff.BackoffPolicy
}

// NewOpenAIBackend builds an OpenAIBackend from cfg.
func NewOpenAIBackend(cfg OpenAIConfig) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = openai.GPT4o
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	policy := cfg.RetryPolicy
	if policy == (backoff.BackoffPolicy{}) {
		policy = backoff.DefaultPolicy()
	}
	return &OpenAIBackend{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
		maxRetries:   maxRetries,
		policy:       policy,
	}, nil
}

// Execute implements LLMBackend.
func (b *OpenAIBackend) Execute(ctx context.Context, prompt string, opts ExecuteOptions) (domain.Response, error) {
	model := opts.Model
	if model == "" {
		model = b.defaultModel
	}

	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout())
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	var resp openai.ChatCompletionResponse
	var lastErr error
	attempt := 0
	for attempt = 1; attempt <= b.maxRetries; attempt++ {
		resp, lastErr = b.client.CreateChatCompletion(callCtx, req)
		if lastErr == nil {
			break
		}
		kind := classifyOpenAIError(lastErr)
		if !kind.IsRetryable() || attempt == b.maxRetries {
			break
		}
		if sleepErr := backoff.SleepWithBackoff(callCtx, b.policy, attempt); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}
	if lastErr != nil {
		kind := classifyOpenAIError(lastErr)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			kind = errs.Timeout
		}
		return domain.Response{HasError: true, Text: lastErr.Error()}, (&errs.DriverError{
			Kind: kind, Cause: lastErr, Attempts: attempt,
		})
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	return domain.Response{
		Text:            text,
		ExitStatus:      0,
		HasError:        false,
		ParsedArtifacts: ParseArtifacts(text),
	}, nil
}

// ProbeReadiness implements LLMBackend via a cheap model list call.
func (b *OpenAIBackend) ProbeReadiness(ctx context.Context) (domain.ReadinessStatus, error) {
	status := domain.ReadinessStatus{CheckedAt: time.Now(), Installed: true}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := b.client.ListModels(probeCtx)
	if err == nil {
		status.Level = domain.ReadinessHealthy
		status.AuthReady = true
		status.CanProceed = true
		return status, nil
	}

	kind := classifyOpenAIError(err)
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

func classifyOpenAIError(err error) errs.Kind {
	if err == nil {
		return errs.BackendInternal
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errs.AuthRequired
		case http.StatusTooManyRequests:
			return errs.QuotaExhausted
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return errs.Timeout
		case http.StatusBadGateway, http.StatusServiceUnavailable:
			return errs.Network
		}
		if apiErr.HTTPStatusCode >= 500 {
			return errs.BackendInternal
		}
	}
	return errs.Classify(err)
}
