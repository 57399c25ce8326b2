// Package llm provides a pluggable LLM client layer with self-registering
// providers. Import the provider packages for the backends you want:
//
//	import (
//	    "github.com/weftworks/weft/llm"
//	    _ "github.com/weftworks/weft/llm/providers/openai"
//	    _ "github.com/weftworks/weft/llm/providers/anthropic"
//	)
//
//	client, err := llm.NewClient()  // auto-detects from environment
package llm

import (
	"fmt"
	"time"

	"github.com/weftworks/weft/core"
)

// NewClient creates an LLM client using registered providers.
func NewClient(opts ...LLMOption) (core.AIClient, error) {
	config := &LLMConfig{
		Provider:    string(ProviderAuto),
		MaxRetries:  3,
		Timeout:     30 * time.Second,
		Temperature: 0.7,
		MaxTokens:   1000,
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.Logger != nil {
		if cal, ok := config.Logger.(core.ComponentAwareLogger); ok {
			config.Logger = cal.WithComponent("weft/llm")
		}
		config.Logger.Info("Starting LLM client creation", map[string]interface{}{
			"operation":        "llm_client_creation",
			"provider_setting": config.Provider,
			"auto_detect":      config.Provider == string(ProviderAuto),
		})
	}

	if config.Provider == string(ProviderAuto) {
		provider, err := detectBestProvider(config.Logger)
		if err != nil {
			if config.Logger != nil {
				config.Logger.Error("LLM provider auto-detection failed", map[string]interface{}{
					"operation":           "llm_provider_detection",
					"error":               err.Error(),
					"available_providers": ListProviders(),
					"suggestion":          "Set explicit provider or configure API keys",
				})
			}
			return nil, fmt.Errorf("no LLM provider available: %w", err)
		}
		config.Provider = provider
	}

	factory, exists := GetProvider(config.Provider)
	if !exists {
		if config.Logger != nil {
			config.Logger.Error("LLM provider not registered", map[string]interface{}{
				"operation":           "llm_provider_lookup",
				"requested_provider":  config.Provider,
				"available_providers": ListProviders(),
				"import_hint":         fmt.Sprintf("Import _ \"github.com/weftworks/weft/llm/providers/%s\"", config.Provider),
			})
		}
		return nil, fmt.Errorf("provider '%s' not registered. Import _ \"github.com/weftworks/weft/llm/providers/%s\"",
			config.Provider, config.Provider)
	}

	client := factory.Create(config)
	if config.Logger != nil {
		config.Logger.Info("LLM client created", map[string]interface{}{
			"operation":   "llm_client_creation",
			"provider":    config.Provider,
			"client_type": fmt.Sprintf("%T", client),
			"status":      "success",
		})
	}

	return client, nil
}

// MustNewClient creates a new LLM client and panics on error.
func MustNewClient(opts ...LLMOption) core.AIClient {
	client, err := NewClient(opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to create LLM client: %v", err))
	}
	return client
}
