// Package mock provides a scripted LLM client for tests and offline runs.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/weftworks/weft/core"
	"github.com/weftworks/weft/llm"
)

func init() {
	if err := llm.Register(&Factory{}); err != nil {
		panic(fmt.Sprintf("failed to register mock LLM provider: %v", err))
	}
}

// Factory creates mock clients.
type Factory struct{}

// Name returns the provider name.
func (f *Factory) Name() string {
	return "mock"
}

// Description returns provider description.
func (f *Factory) Description() string {
	return "Scripted provider for tests and offline runs"
}

// Priority returns provider priority.
func (f *Factory) Priority() int {
	return 1
}

// Create creates a new mock client.
func (f *Factory) Create(config *llm.LLMConfig) core.AIClient {
	return NewClient(config)
}

// DetectEnvironment always reports unavailable so the mock is never
// auto-selected in production.
func (f *Factory) DetectEnvironment() (priority int, available bool) {
	return 0, false
}

// Client implements core.AIClient with scripted responses.
type Client struct {
	mu sync.Mutex

	Config        *llm.LLMConfig
	Responses     []string
	ResponseIndex int
	Error         error
	CallCount     int
	LastPrompt    string
	LastOptions   *core.AIOptions

	// ResponseFunc, when set, computes the response from the prompt and
	// takes precedence over the Responses list.
	ResponseFunc func(prompt string) (string, error)
}

// NewClient creates a new mock client.
func NewClient(config *llm.LLMConfig) *Client {
	return &Client{
		Config:    config,
		Responses: []string{"Mock response"},
	}
}

// GenerateResponse returns the next scripted response.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.CallCount++
	c.LastPrompt = prompt
	c.LastOptions = options

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if c.Error != nil {
		return nil, c.Error
	}

	var response string
	if c.ResponseFunc != nil {
		r, err := c.ResponseFunc(prompt)
		if err != nil {
			return nil, err
		}
		response = r
	} else {
		if c.ResponseIndex >= len(c.Responses) {
			return nil, errors.New("no more mock responses")
		}
		response = c.Responses[c.ResponseIndex]
		c.ResponseIndex++
	}

	model := "mock-model"
	if options != nil && options.Model != "" {
		model = options.Model
	} else if c.Config != nil && c.Config.Model != "" {
		model = c.Config.Model
	}

	return &core.AIResponse{
		Content: response,
		Model:   model,
		Usage: core.TokenUsage{
			PromptTokens:     len(prompt) / 4,
			CompletionTokens: len(response) / 4,
			TotalTokens:      (len(prompt) + len(response)) / 4,
		},
	}, nil
}

// SetResponses replaces the scripted response list.
func (c *Client) SetResponses(responses ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Responses = responses
	c.ResponseIndex = 0
}

// SetError makes every call fail with err until cleared.
func (c *Client) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Error = err
}

// Reset restores the client to its initial state.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ResponseIndex = 0
	c.CallCount = 0
	c.LastPrompt = ""
	c.LastOptions = nil
	c.Error = nil
	c.ResponseFunc = nil
}
