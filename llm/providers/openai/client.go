// Package openai implements core.AIClient against the OpenAI
// /chat/completions API. Works with any OpenAI-compatible endpoint via
// a custom base URL.
package openai

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

// DefaultBaseURL is the default OpenAI API endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

// Client implements core.AIClient for OpenAI.
type Client struct {
	*providers.BaseClient
	apiKey  string
	baseURL string
}

// NewClient creates a new OpenAI client.
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

// GenerateResponse generates a completion for the prompt.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	ctx, span := c.StartSpan(ctx, "llm.generate_response")
	defer span.End()

	span.SetAttribute("llm.provider", "openai")
	span.SetAttribute("llm.prompt_length", len(prompt))

	if c.apiKey == "" {
		c.Logger.ErrorWithContext(ctx, "OpenAI request failed - API key not configured", map[string]interface{}{
			"operation": "llm_request_error",
			"provider":  "openai",
			"error":     "api_key_missing",
		})
		err := fmt.Errorf("OpenAI API key not configured")
		span.RecordError(err)
		return nil, err
	}

	options = c.ApplyDefaults(options)
	options.Model = resolveModel(options.Model)
	span.SetAttribute("llm.model", options.Model)

	c.LogRequest("openai", options.Model, prompt)
	startTime := time.Now()

	messages := []Message{}
	if options.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: options.SystemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	reqBody := ChatRequest{
		Model:       options.Model,
		Messages:    messages,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.ExecuteWithRetry(ctx, req)
	if err != nil {
		c.LogFailure("openai", time.Since(startTime), err)
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
		apiErr := c.HandleError(resp.StatusCode, body, "OpenAI")
		c.LogFailure("openai", time.Since(startTime), apiErr)
		span.RecordError(apiErr)
		span.SetAttribute("http.status_code", resp.StatusCode)
		return nil, apiErr
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		emptyErr := fmt.Errorf("no choices in OpenAI response")
		span.RecordError(emptyErr)
		return nil, emptyErr
	}

	result := &core.AIResponse{
		Content: chatResp.Choices[0].Message.Content,
		Model:   chatResp.Model,
		Usage: core.TokenUsage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		},
	}

	span.SetAttribute("llm.prompt_tokens", result.Usage.PromptTokens)
	span.SetAttribute("llm.completion_tokens", result.Usage.CompletionTokens)
	span.SetAttribute("llm.response_length", len(result.Content))

	c.LogResponse("openai", result.Model, result.Usage, time.Since(startTime))

	return result, nil
}
