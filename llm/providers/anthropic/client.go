// Package anthropic implements core.AIClient against the native
// Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/weftworks/weft/core"
	"github.com/weftworks/weft/llm/providers"
)

const (
	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com/v1"
	// APIVersion is the required Anthropic API version header.
	APIVersion = "2023-06-01"
)

// Client implements core.AIClient for Anthropic.
type Client struct {
	*providers.BaseClient
	apiKey  string
	baseURL string
}

// NewClient creates a new Anthropic client.
func NewClient(apiKey, baseURL string, logger core.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	base := providers.NewBaseClient(120*time.Second, logger)
	// "default" keeps resolveModel in the request path so env overrides
	// always apply.
	base.DefaultModel = "default"

	return &Client{
		BaseClient: base,
		apiKey:     apiKey,
		baseURL:    baseURL,
	}
}

// GenerateResponse generates a completion using the Messages API.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	ctx, span := c.StartSpan(ctx, "llm.generate_response")
	defer span.End()

	span.SetAttribute("llm.provider", "anthropic")
	span.SetAttribute("llm.prompt_length", len(prompt))

	if c.apiKey == "" {
		c.Logger.ErrorWithContext(ctx, "Anthropic request failed - API key not configured", map[string]interface{}{
			"operation": "llm_request_error",
			"provider":  "anthropic",
			"error":     "api_key_missing",
		})
		err := fmt.Errorf("anthropic API key not configured")
		span.RecordError(err)
		return nil, err
	}

	options = c.ApplyDefaults(options)
	options.Model = resolveModel(options.Model)
	span.SetAttribute("llm.model", options.Model)

	c.LogRequest("anthropic", options.Model, prompt)
	startTime := time.Now()

	reqBody := MessagesRequest{
		Model: options.Model,
		Messages: []Message{
			{Role: "user", Content: prompt},
		},
		MaxTokens:   options.MaxTokens,
		Temperature: options.Temperature,
	}
	if options.SystemPrompt != "" {
		reqBody.System = options.SystemPrompt
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", APIVersion)

	resp, err := c.ExecuteWithRetry(ctx, req)
	if err != nil {
		c.LogFailure("anthropic", time.Since(startTime), err)
		span.RecordError(err)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := c.HandleError(resp.StatusCode, body, "Anthropic")
		c.LogFailure("anthropic", time.Since(startTime), apiErr)
		span.RecordError(apiErr)
		span.SetAttribute("http.status_code", resp.StatusCode)
		return nil, apiErr
	}

	var msgResp MessagesResponse
	if err := json.Unmarshal(body, &msgResp); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var content string
	for _, item := range msgResp.Content {
		if item.Type == "text" {
			content += item.Text
		}
	}

	if content == "" {
		emptyErr := fmt.Errorf("no text content in Anthropic response")
		span.RecordError(emptyErr)
		return nil, emptyErr
	}

	result := &core.AIResponse{
		Content: content,
		Model:   msgResp.Model,
		Usage: core.TokenUsage{
			PromptTokens:     msgResp.Usage.InputTokens,
			CompletionTokens: msgResp.Usage.OutputTokens,
			TotalTokens:      msgResp.Usage.InputTokens + msgResp.Usage.OutputTokens,
		},
	}

	span.SetAttribute("llm.prompt_tokens", result.Usage.PromptTokens)
	span.SetAttribute("llm.completion_tokens", result.Usage.CompletionTokens)
	span.SetAttribute("llm.response_length", len(result.Content))

	c.LogResponse("anthropic", result.Model, result.Usage, time.Since(startTime))

	return result, nil
}
