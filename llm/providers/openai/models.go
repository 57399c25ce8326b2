package openai

import (
	"os"
	"strings"
)

// ChatRequest is the /chat/completions request body.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the /chat/completions response body.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a response choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorResponse represents an error from the OpenAI API.
type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// modelAliases maps portable names to OpenAI model IDs so callers can
// say "fast" or "smart" without pinning a vendor model string.
var modelAliases = map[string]string{
	"default": "gpt-4o-mini",
	"fast":    "gpt-4o-mini",
	"smart":   "gpt-4o",
	"code":    "gpt-4o",
}

// resolveModel returns the actual model name for an alias.
// Priority: env var override, hardcoded alias, pass-through.
func resolveModel(model string) string {
	envKey := "WEFT_OPENAI_MODEL_" + strings.ToUpper(model)
	if override := os.Getenv(envKey); override != "" {
		return override
	}

	if actual, exists := modelAliases[model]; exists {
		return actual
	}

	return model
}
