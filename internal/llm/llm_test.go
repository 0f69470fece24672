package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{429, KindRateLimited},
		{408, KindTimeout},
		{504, KindTimeout},
		{500, KindServiceUnavailable},
		{503, KindServiceUnavailable},
		{529, KindServiceUnavailable},
		{400, KindInvalidRequest},
		{401, KindInvalidRequest},
		{422, KindInvalidRequest},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestGenerationErrorRetryable(t *testing.T) {
	for _, kind := range []ErrorKind{KindRateLimited, KindTimeout, KindServiceUnavailable} {
		err := &GenerationError{Kind: kind, Provider: "test"}
		if !err.Retryable() {
			t.Errorf("kind %v should be retryable", kind)
		}
	}
	err := &GenerationError{Kind: KindInvalidRequest, Provider: "test"}
	if err.Retryable() {
		t.Error("invalid_request must not be retryable")
	}
}

func TestClassifyTransportDeadline(t *testing.T) {
	genErr := classifyTransport("test", context.DeadlineExceeded)
	if genErr.Kind != KindTimeout {
		t.Errorf("kind = %v, want timeout", genErr.Kind)
	}
}

func TestAnthropicGenerate(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-test" {
			t.Errorf("x-api-key = %q, want sk-test", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q, want %s", got, anthropicAPIVersion)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(anthropicResponse{
			Content:    []anthropicContent{{Type: "text", Text: "  Hello there!  "}},
			Model:      "claude-sonnet-4-20250514",
			StopReason: "end_turn",
		})
	}))
	defer srv.Close()

	c := NewAnthropicClient("sk-test", nil)
	c.baseURL = srv.URL

	text, err := c.Generate(context.Background(), "say hello", Params{
		Model:       "claude-sonnet-4-20250514",
		Temperature: 0.7,
		MaxTokens:   150,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "Hello there!" {
		t.Errorf("text = %q, want trimmed \"Hello there!\"", text)
	}

	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("messages = %+v, want single user message", gotReq.Messages)
	}
	if gotReq.MaxTokens != 150 {
		t.Errorf("max_tokens = %d, want 150", gotReq.MaxTokens)
	}
}

func TestAnthropicGenerateRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"type": "rate_limit_error"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewAnthropicClient("sk-test", nil)
	c.baseURL = srv.URL

	_, err := c.Generate(context.Background(), "hi", Params{Model: "m"})
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("error = %v, want *GenerationError", err)
	}
	if genErr.Kind != KindRateLimited {
		t.Errorf("kind = %v, want rate_limited", genErr.Kind)
	}
	if !genErr.Retryable() {
		t.Error("rate_limited should be retryable")
	}
}

func TestOllamaGenerate(t *testing.T) {
	var gotReq ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaResponse{
			Model:   gotReq.Model,
			Message: ollamaMessage{Role: "assistant", Content: "hi!"},
			Done:    true,
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	text, err := c.Generate(context.Background(), "say hi", Params{
		Model: "qwen3:4b", Temperature: 0.7, MaxTokens: 100,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "hi!" {
		t.Errorf("text = %q, want hi!", text)
	}
	if gotReq.Stream {
		t.Error("stream = true, want non-streaming request")
	}
	if gotReq.Options == nil || gotReq.Options.NumPredict != 100 {
		t.Errorf("options = %+v, want num_predict 100", gotReq.Options)
	}
}

func TestOllamaGenerateServiceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	_, err := c.Generate(context.Background(), "hi", Params{Model: "m"})
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("error = %v, want *GenerationError", err)
	}
	if genErr.Kind != KindServiceUnavailable {
		t.Errorf("kind = %v, want service_unavailable", genErr.Kind)
	}
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q, want /api/tags", r.URL.Path)
		}
		w.Write([]byte(`{"models": []}`))
	}))
	defer srv.Close()

	if err := NewOllamaClient(srv.URL).Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}
