// Package providers contains shared plumbing for LLM provider clients.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/weftworks/weft/core"
	"github.com/weftworks/weft/telemetry"
)

// BaseClient provides common functionality for all provider clients:
// a shared HTTP client, retry with exponential backoff, error mapping,
// and request/response logging.
type BaseClient struct {
	HTTPClient *http.Client

	Logger    core.Logger
	Telemetry core.Telemetry

	// Retry configuration
	MaxRetries int
	RetryDelay time.Duration

	// Defaults applied to requests that leave options unset
	DefaultModel        string
	DefaultTemperature  float32
	DefaultMaxTokens    int
	DefaultSystemPrompt string
}

// NewBaseClient creates a base client with sensible defaults.
func NewBaseClient(timeout time.Duration, logger core.Logger) *BaseClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	return &BaseClient{
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		Logger:             logger,
		MaxRetries:         3,
		RetryDelay:         time.Second,
		DefaultTemperature: 0.7,
		DefaultMaxTokens:   1000,
	}
}

// StartSpan opens a span on the configured telemetry provider. Falls back
// to a no-op span so provider code never has to nil-check.
func (b *BaseClient) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	if b.Telemetry != nil {
		return b.Telemetry.StartSpan(ctx, name)
	}
	return ctx, &core.NoOpSpan{}
}

// ExecuteWithRetry performs an HTTP request with exponential backoff.
// 4xx responses other than 429 are returned to the caller immediately;
// network errors, 5xx, and 429 are retried up to MaxRetries times.
func (b *BaseClient) ExecuteWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		reqClone := req.Clone(ctx)

		resp, err := b.HTTPClient.Do(reqClone)

		if err == nil && resp.StatusCode < 400 {
			if attempt > 0 {
				b.Logger.Info("LLM request succeeded after retry", map[string]interface{}{
					"operation":          "llm_request_recovery",
					"successful_attempt": attempt + 1,
				})
			}
			return resp, nil
		}

		// Non-retryable client errors go straight back to the caller.
		if err == nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			b.Logger.Error("LLM request failed with non-retryable error", map[string]interface{}{
				"operation":   "llm_request_error",
				"status_code": resp.StatusCode,
				"retryable":   false,
			})
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("server error: status %d", resp.StatusCode)
			_ = resp.Body.Close()
		}

		if attempt < b.MaxRetries {
			var shift uint
			if attempt >= 0 && attempt < 32 {
				shift = uint(attempt)
			} else {
				shift = 31
			}
			delay := b.RetryDelay * time.Duration(1<<shift)

			b.Logger.Warn("LLM request failed, retrying", map[string]interface{}{
				"operation":      "llm_request_retry",
				"attempt":        attempt + 1,
				"max_retries":    b.MaxRetries,
				"retry_delay_ms": delay.Milliseconds(),
				"error":          lastErr.Error(),
			})

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				b.Logger.Error("LLM request cancelled during retry", map[string]interface{}{
					"operation":     "llm_request_cancelled",
					"cancelled_at":  attempt + 1,
					"context_error": ctx.Err().Error(),
				})
				return nil, ctx.Err()
			}
		}
	}

	b.Logger.Error("LLM request failed after all retries", map[string]interface{}{
		"operation":      "llm_request_final_failure",
		"total_attempts": b.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})

	return nil, fmt.Errorf("request failed after %d retries: %w", b.MaxRetries, lastErr)
}

// ApplyDefaults fills unset option fields from the client defaults.
func (b *BaseClient) ApplyDefaults(options *core.AIOptions) *core.AIOptions {
	if options == nil {
		options = &core.AIOptions{}
	}

	if options.Model == "" && b.DefaultModel != "" {
		options.Model = b.DefaultModel
	}

	if options.Temperature == 0 {
		options.Temperature = b.DefaultTemperature
	}

	if options.MaxTokens == 0 {
		options.MaxTokens = b.DefaultMaxTokens
	}

	if options.SystemPrompt == "" && b.DefaultSystemPrompt != "" {
		options.SystemPrompt = b.DefaultSystemPrompt
	}

	return options
}

// HandleError maps API status codes onto consistent error messages.
func (b *BaseClient) HandleError(statusCode int, body []byte, provider string) error {
	switch statusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s API error: invalid or missing API key", provider)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s API error: rate limit exceeded", provider)
	case http.StatusBadRequest:
		return fmt.Errorf("%s API error: invalid request - %s", provider, string(body))
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return fmt.Errorf("%s API error: service temporarily unavailable (status %d)", provider, statusCode)
	default:
		return fmt.Errorf("%s API error (status %d): %s", provider, statusCode, string(body))
	}
}

// LogRequest logs an outgoing API request.
func (b *BaseClient) LogRequest(provider, model, prompt string) {
	b.Logger.Info("LLM request initiated", map[string]interface{}{
		"operation":     "llm_request",
		"provider":      provider,
		"model":         model,
		"prompt_length": len(prompt),
	})
}

// LogResponse logs a completed API response and records usage metrics.
func (b *BaseClient) LogResponse(provider, model string, tokens core.TokenUsage, duration time.Duration) {
	telemetry.RecordLLMRequest(provider, float64(duration.Milliseconds()), "success")
	telemetry.RecordLLMTokens(provider, int64(tokens.PromptTokens), int64(tokens.CompletionTokens))

	b.Logger.Info("LLM response received", map[string]interface{}{
		"operation":         "llm_response",
		"provider":          provider,
		"model":             model,
		"prompt_tokens":     tokens.PromptTokens,
		"completion_tokens": tokens.CompletionTokens,
		"total_tokens":      tokens.TotalTokens,
		"duration_ms":       duration.Milliseconds(),
		"status":            "success",
	})
}

// LogFailure records a failed request in metrics and the log stream.
func (b *BaseClient) LogFailure(provider string, duration time.Duration, err error) {
	telemetry.RecordLLMRequest(provider, float64(duration.Milliseconds()), "error")

	b.Logger.Error("LLM request failed", map[string]interface{}{
		"operation":   "llm_response",
		"provider":    provider,
		"duration_ms": duration.Milliseconds(),
		"error":       err.Error(),
		"status":      "error",
	})
}
