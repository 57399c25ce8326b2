package anthropic

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
	var gotReq MessagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if key := r.Header.Get("x-api-key"); key != "test-key" {
			t.Errorf("unexpected api key header %q", key)
		}
		if v := r.Header.Get("anthropic-version"); v != APIVersion {
			t.Errorf("unexpected version header %q", v)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		resp := MessagesResponse{
			Model: "claude-sonnet-4-5-20250929",
			Content: []ContentItem{
				{Type: "text", Text: "hello "},
				{Type: "text", Text: "there"},
			},
			Usage: Usage{InputTokens: 12, OutputTokens: 4},
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
		t.Errorf("expected concatenated text blocks, got %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Errorf("expected total = input + output, got %+v", resp.Usage)
	}
	if gotReq.System != "be brief" {
		t.Errorf("expected system prompt in request, got %q", gotReq.System)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("unexpected messages %+v", gotReq.Messages)
	}
}

func TestGenerateResponseMissingKey(t *testing.T) {
	client := NewClient("", "", nil)

	_, err := client.GenerateResponse(context.Background(), "hi", nil)
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestGenerateResponseEmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(MessagesResponse{Model: "m"})
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, nil)

	_, err := client.GenerateResponse(context.Background(), "hi", nil)
	if err == nil || !strings.Contains(err.Error(), "no text content") {
		t.Errorf("expected empty-content error, got %v", err)
	}
}

func TestResolveModel(t *testing.T) {
	if got := resolveModel("premium"); got != "claude-opus-4-5-20251101" {
		t.Errorf("resolveModel(premium) = %q", got)
	}
	if got := resolveModel("claude-3-haiku"); got != "claude-3-haiku" {
		t.Errorf("expected pass-through, got %q", got)
	}

	t.Setenv("WEFT_ANTHROPIC_MODEL_DEFAULT", "override-model")
	if got := resolveModel("default"); got != "override-model" {
		t.Errorf("expected env override, got %q", got)
	}
}

func TestFactoryDetectEnvironment(t *testing.T) {
	f := &Factory{}

	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, available := f.DetectEnvironment(); available {
		t.Error("expected unavailable without API key")
	}

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	priority, available := f.DetectEnvironment()
	if !available || priority != 80 {
		t.Errorf("expected available at priority 80, got (%d, %v)", priority, available)
	}
}
