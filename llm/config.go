package llm

import (
	"time"

	"github.com/weftworks/weft/core"
)

// Provider identifies an LLM provider type.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderMock      Provider = "mock"
	ProviderAuto      Provider = "auto" // scan environment and pick
)

// LLMConfig holds configuration for client creation. Zero values mean
// "use the provider's default".
type LLMConfig struct {
	// Provider to use; ProviderAuto scans the environment.
	Provider string

	// API credentials
	APIKey  string
	BaseURL string

	// Connection settings
	Timeout    time.Duration
	MaxRetries int

	// Model configuration
	Model       string
	Temperature float32
	MaxTokens   int

	Logger    core.Logger
	Telemetry core.Telemetry

	// Advanced options
	Headers map[string]string
	Extra   map[string]interface{}
}

// LLMOption configures an LLM client.
type LLMOption func(*LLMConfig)

// WithProvider sets the provider explicitly, bypassing auto-detection.
func WithProvider(provider string) LLMOption {
	return func(c *LLMConfig) {
		c.Provider = provider
	}
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) LLMOption {
	return func(c *LLMConfig) {
		c.APIKey = key
	}
}

// WithBaseURL sets the base URL for the API.
func WithBaseURL(url string) LLMOption {
	return func(c *LLMConfig) {
		c.BaseURL = url
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(timeout time.Duration) LLMOption {
	return func(c *LLMConfig) {
		c.Timeout = timeout
	}
}

// WithMaxRetries sets the maximum number of retries.
func WithMaxRetries(retries int) LLMOption {
	return func(c *LLMConfig) {
		c.MaxRetries = retries
	}
}

// WithModel sets the model to use.
func WithModel(model string) LLMOption {
	return func(c *LLMConfig) {
		c.Model = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float32) LLMOption {
	return func(c *LLMConfig) {
		c.Temperature = temp
	}
}

// WithMaxTokens sets the maximum tokens for generation.
func WithMaxTokens(tokens int) LLMOption {
	return func(c *LLMConfig) {
		c.MaxTokens = tokens
	}
}

// WithHeaders sets custom headers sent with every request.
func WithHeaders(headers map[string]string) LLMOption {
	return func(c *LLMConfig) {
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		for k, v := range headers {
			c.Headers[k] = v
		}
	}
}

// WithExtra sets a provider-specific configuration value.
func WithExtra(key string, value interface{}) LLMOption {
	return func(c *LLMConfig) {
		if c.Extra == nil {
			c.Extra = make(map[string]interface{})
		}
		c.Extra[key] = value
	}
}

// WithLogger sets the logger for LLM operations. Typically wired by the
// runtime so provider calls share the service log stream.
func WithLogger(logger core.Logger) LLMOption {
	return func(c *LLMConfig) {
		c.Logger = logger
	}
}

// WithTelemetry sets the telemetry provider so each request produces a
// span in the active trace.
func WithTelemetry(telemetry core.Telemetry) LLMOption {
	return func(c *LLMConfig) {
		c.Telemetry = telemetry
	}
}

// firstNonEmpty returns the first non-empty string. Implements the
// config-over-environment-over-default precedence used by factories.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
