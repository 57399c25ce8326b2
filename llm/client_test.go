package llm

import (
	"strings"
	"testing"
	"time"

	"github.com/weftworks/weft/core"
)

// captureFactory records the config it was handed.
type captureFactory struct {
	lastConfig *LLMConfig
}

func (f *captureFactory) Create(config *LLMConfig) core.AIClient {
	f.lastConfig = config
	return &stubClient{}
}

func (f *captureFactory) DetectEnvironment() (int, bool) { return 0, false }
func (f *captureFactory) Name() string                   { return "capture" }
func (f *captureFactory) Description() string            { return "captures config" }

func TestNewClientExplicitProvider(t *testing.T) {
	resetRegistry()
	registry.mu.Lock()
	registry.providers["scripted"] = &stubFactory{name: "scripted"}
	registry.mu.Unlock()

	client, err := NewClient(WithProvider("scripted"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if client == nil {
		t.Fatal("expected non-nil client")
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	resetRegistry()

	_, err := NewClient(WithProvider("nope"))
	if err == nil {
		t.Fatal("expected error for unregistered provider")
	}
	if !strings.Contains(err.Error(), "not registered") {
		t.Errorf("expected registration hint in error, got %v", err)
	}
}

func TestNewClientAutoDetectFailure(t *testing.T) {
	resetRegistry()

	_, err := NewClient()
	if err == nil {
		t.Fatal("expected error when auto-detection finds nothing")
	}
}

func TestClientOptionsApplied(t *testing.T) {
	resetRegistry()
	cf := &captureFactory{}
	registry.mu.Lock()
	registry.providers["capture"] = cf
	registry.mu.Unlock()

	_, err := NewClient(
		WithProvider("capture"),
		WithAPIKey("k"),
		WithBaseURL("http://example.test"),
		WithModel("m"),
		WithTemperature(0.2),
		WithMaxTokens(512),
		WithTimeout(10*time.Second),
		WithMaxRetries(5),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	got := cf.lastConfig
	if got == nil {
		t.Fatal("factory never received config")
	}
	if got.APIKey != "k" || got.BaseURL != "http://example.test" || got.Model != "m" {
		t.Errorf("credentials/model not applied: %+v", got)
	}
	if got.Temperature != 0.2 || got.MaxTokens != 512 {
		t.Errorf("generation options not applied: %+v", got)
	}
	if got.Timeout != 10*time.Second || got.MaxRetries != 5 {
		t.Errorf("connection options not applied: %+v", got)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "a", "b"); got != "a" {
		t.Errorf("firstNonEmpty() = %q, want %q", got, "a")
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("firstNonEmpty() = %q, want empty", got)
	}
}
