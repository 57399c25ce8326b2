package llm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/weftworks/weft/core"
	"github.com/weftworks/weft/telemetry"
)

// ProviderFactory is implemented by each provider package. Factories
// self-register from init(), so importing a provider package is all it
// takes to make it available.
type ProviderFactory interface {
	// Create builds a client from the resolved configuration.
	Create(config *LLMConfig) core.AIClient

	// DetectEnvironment reports whether this provider can run with the
	// current environment (API keys etc.) and its selection priority.
	DetectEnvironment() (priority int, available bool)

	// Name returns the provider's registry key.
	Name() string

	// Description returns a human-readable description.
	Description() string
}

// ProviderRegistry holds registered provider factories.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFactory
}

var registry = &ProviderRegistry{
	providers: make(map[string]ProviderFactory),
}

// Register adds a provider factory to the registry. Called from provider
// package init() functions.
func Register(factory ProviderFactory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	name := factory.Name()
	if name == "" {
		return fmt.Errorf("factory.Name() cannot be empty")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.providers[name]; exists {
		return fmt.Errorf("provider '%s' already registered", name)
	}

	registry.providers[name] = factory
	return nil
}

// MustRegister registers a provider and panics on error. For init() use
// where errors cannot be handled.
func MustRegister(factory ProviderFactory) {
	if err := Register(factory); err != nil {
		panic(fmt.Sprintf("failed to register provider: %v", err))
	}
}

// GetProvider retrieves a registered provider by name.
func GetProvider(name string) (ProviderFactory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	factory, exists := registry.providers[name]
	return factory, exists
}

// ListProviders returns all registered provider names, sorted.
func ListProviders() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.providers))
	for name := range registry.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderInfo describes a registered provider.
type ProviderInfo struct {
	Name        string
	Description string
	Available   bool
	Priority    int
}

// GetProviderInfo returns information about all registered providers,
// sorted by priority (highest first), then by name.
func GetProviderInfo() []ProviderInfo {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	info := make([]ProviderInfo, 0, len(registry.providers))
	for name, factory := range registry.providers {
		priority, available := factory.DetectEnvironment()
		info = append(info, ProviderInfo{
			Name:        name,
			Description: factory.Description(),
			Available:   available,
			Priority:    priority,
		})
	}

	sort.Slice(info, func(i, j int) bool {
		if info[i].Priority != info[j].Priority {
			return info[i].Priority > info[j].Priority
		}
		return info[i].Name < info[j].Name
	})

	return info
}

// candidate represents a provider candidate for selection.
type candidate struct {
	name     string
	priority int
}

// detectBestProvider scans all registered providers and picks the highest
// priority one whose environment checks out.
func detectBestProvider(logger core.Logger) (string, error) {
	startTime := time.Now()
	var candidates []candidate

	if logger != nil {
		logger.Info("Starting LLM provider environment detection", map[string]interface{}{
			"operation":            "llm_provider_detection",
			"registered_providers": len(registry.providers),
		})
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	for name, factory := range registry.providers {
		priority, available := factory.DetectEnvironment()

		if logger != nil {
			logger.Debug("Provider environment check", map[string]interface{}{
				"operation": "llm_provider_check",
				"provider":  name,
				"priority":  priority,
				"available": available,
			})
		}

		if available {
			candidates = append(candidates, candidate{
				name:     name,
				priority: priority,
			})
		}
	}

	if len(candidates) == 0 {
		telemetry.Counter("llm.provider.detection", "status", "no_providers")

		if logger != nil {
			logger.Error("No LLM providers detected in environment", map[string]interface{}{
				"operation":         "llm_provider_detection",
				"checked_providers": len(registry.providers),
				"suggestion":        "Set API keys (OPENAI_API_KEY, ANTHROPIC_API_KEY) or LLM_API_KEY with an explicit provider",
			})
		}
		return "", fmt.Errorf("no provider detected in environment")
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].priority > candidates[j].priority
	})

	selected := candidates[0].name

	telemetry.Histogram("llm.provider.detection.duration_ms",
		float64(time.Since(startTime).Milliseconds()),
		"status", "success")
	telemetry.Counter("llm.provider.selected", "provider", selected)

	if logger != nil {
		logger.Info("LLM provider selected", map[string]interface{}{
			"operation":          "llm_provider_selection",
			"selected_provider":  selected,
			"selection_priority": candidates[0].priority,
			"total_candidates":   len(candidates),
		})
	}

	return selected, nil
}
