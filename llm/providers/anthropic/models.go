package anthropic

import (
	"os"
	"strings"
)

// MessagesRequest is the native Anthropic Messages API request.
type MessagesRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Message represents a message in the conversation.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// MessagesResponse is the Messages API response.
type MessagesResponse struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Role         string        `json:"role"`
	Content      []ContentItem `json:"content"`
	Model        string        `json:"model"`
	StopReason   string        `json:"stop_reason"`
	StopSequence *string       `json:"stop_sequence"`
	Usage        Usage         `json:"usage"`
}

// ContentItem represents a content block in the response.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Usage represents token usage information.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ErrorResponse represents an error from the Anthropic API.
type ErrorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// modelAliases maps portable names to Anthropic model IDs.
var modelAliases = map[string]string{
	"default": "claude-sonnet-4-5-20250929",
	"fast":    "claude-haiku-4-5-20251001",
	"smart":   "claude-sonnet-4-5-20250929",
	"premium": "claude-opus-4-5-20251101",
	"code":    "claude-sonnet-4-5-20250929",
}

// resolveModel returns the actual model name for an alias.
// Priority: env var override, hardcoded alias, pass-through.
func resolveModel(model string) string {
	envKey := "WEFT_ANTHROPIC_MODEL_" + strings.ToUpper(model)
	if override := os.Getenv(envKey); override != "" {
		return override
	}

	if actual, exists := modelAliases[model]; exists {
		return actual
	}

	return model
}
