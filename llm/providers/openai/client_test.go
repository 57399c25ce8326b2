package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/weftworks/weft/core"
)

func TestGenerateResponse(t *testing.T) {
	var gotReq ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		resp := ChatResponse{
			Model: "gpt-4o-mini",
			Choices: []Choice{
				{Message: Message{Role: "assistant", Content: "hello there"}},
			},
			Usage: Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, nil)

	resp, err := client.GenerateResponse(context.Background(), "hi", &core.AIOptions{
		SystemPrompt: "be brief",
	})
	if err != nil {
		t.Fatalf("GenerateResponse() error = %v", err)
	}

	if resp.Content != "hello there" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected token usage %+v", resp.Usage)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("expected system+user messages, got %+v", gotReq.Messages)
	}
	if gotReq.Model != "gpt-4o-mini" {
		t.Errorf("expected default alias resolution, got model %q", gotReq.Model)
	}
}

func TestGenerateResponseMissingKey(t *testing.T) {
	client := NewClient("", "", nil)

	_, err := client.GenerateResponse(context.Background(), "hi", nil)
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
	if !strings.Contains(err.Error(), "API key") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestGenerateResponseAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient("bad-key", server.URL, nil)

	_, err := client.GenerateResponse(context.Background(), "hi", nil)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "invalid or missing API key") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestResolveModel(t *testing.T) {
	if got := resolveModel("fast"); got != "gpt-4o-mini" {
		t.Errorf("resolveModel(fast) = %q", got)
	}
	if got := resolveModel("gpt-4-turbo"); got != "gpt-4-turbo" {
		t.Errorf("expected pass-through, got %q", got)
	}

	t.Setenv("WEFT_OPENAI_MODEL_SMART", "custom-model")
	if got := resolveModel("smart"); got != "custom-model" {
		t.Errorf("expected env override, got %q", got)
	}
}

func TestFactoryDetectEnvironment(t *testing.T) {
	f := &Factory{}

	t.Setenv("OPENAI_API_KEY", "")
	if _, available := f.DetectEnvironment(); available {
		t.Error("expected unavailable without API key")
	}

	t.Setenv("OPENAI_API_KEY", "sk-test")
	priority, available := f.DetectEnvironment()
	if !available || priority != f.Priority() {
		t.Errorf("expected available at priority %d, got (%d, %v)", f.Priority(), priority, available)
	}
}
