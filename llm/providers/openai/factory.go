package openai

import (
	"os"

	"github.com/weftworks/weft/core"
	"github.com/weftworks/weft/llm"
)

func init() {
	llm.MustRegister(&Factory{})
}

// Factory creates OpenAI clients.
type Factory struct{}

// Name returns the provider name.
func (f *Factory) Name() string {
	return "openai"
}

// Description returns provider description.
func (f *Factory) Description() string {
	return "OpenAI chat completions (and compatible endpoints via base URL)"
}

// Priority returns provider priority for auto-detection.
func (f *Factory) Priority() int {
	return 100
}

// Create creates a new OpenAI client from config.
func (f *Factory) Create(config *llm.LLMConfig) core.AIClient {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
		if baseURL == "" {
			baseURL = DefaultBaseURL
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	logger.Info("OpenAI provider initialized", map[string]interface{}{
		"operation":   "llm_provider_init",
		"provider":    "openai",
		"base_url":    baseURL,
		"has_api_key": apiKey != "",
		"model":       config.Model,
	})

	client := NewClient(apiKey, baseURL, logger)
	client.Telemetry = config.Telemetry

	if config.Timeout > 0 {
		client.HTTPClient.Timeout = config.Timeout
	}
	if config.MaxRetries > 0 {
		client.MaxRetries = config.MaxRetries
	}
	if config.Model != "" {
		client.DefaultModel = config.Model
	}
	if config.Temperature > 0 {
		client.DefaultTemperature = config.Temperature
	}
	if config.MaxTokens > 0 {
		client.DefaultMaxTokens = config.MaxTokens
	}

	return client
}

// DetectEnvironment checks if OpenAI is configured.
func (f *Factory) DetectEnvironment() (priority int, available bool) {
	if os.Getenv("OPENAI_API_KEY") != "" {
		return f.Priority(), true
	}
	return 0, false
}
