package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/semantic-gateway/internal/conversation"
	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New("", WithBaseURL(srv.URL))
}

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:     "gpt-4.1-nano",
		Turns:     []conversation.Turn{{Role: conversation.RoleUser, Text: "Hello"}},
		APIKey:    "caller-key",
		RequestID: "req-mock-1",
	}
}

func sseHandler(t *testing.T, events []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			if ok {
				flusher.Flush()
			}
		}
	}
}

func drain(s providers.ChunkStream) []string {
	var out []string
	for s.Next() {
		out = append(out, s.Chunk())
	}
	return out
}

func TestProvider_Name(t *testing.T) {
	p := New("key")
	if p.Name() != "openai" {
		t.Fatalf("expected 'openai', got %q", p.Name())
	}
}

func TestProvider_StreamChat(t *testing.T) {
	events := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4.1-nano","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4.1-nano","choices":[{"index":0,"delta":{"content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4.1-nano","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4.1-nano","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	}

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer caller-key" {
			t.Errorf("expected the caller's key, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		sseHandler(t, events)(w, r)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	stream, err := p.StreamChat(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	got := drain(stream)
	if strings.Join(got, "|") != "Hello| world" {
		t.Errorf("expected [Hello, world], got %q", got)
	}
	if err := stream.Err(); err != nil {
		t.Errorf("unexpected stream error: %v", err)
	}

	if gotBody["stream"] != true {
		t.Errorf("expected stream=true upstream, got %v", gotBody["stream"])
	}
	if gotBody["model"] != "gpt-4.1-nano" {
		t.Errorf("expected model forwarded, got %v", gotBody["model"])
	}
}

func TestProvider_StreamChat_SkipsRefusal(t *testing.T) {
	events := []string{
		`{"id":"c","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{"refusal":"I can't help"},"finish_reason":null}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":null}]}`,
		`[DONE]`,
	}
	srv := httptest.NewServer(sseHandler(t, events))
	defer srv.Close()

	stream, err := newTestProvider(srv).StreamChat(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	if got := drain(stream); len(got) != 1 || got[0] != "ok" {
		t.Fatalf("expected only the text chunk, got %q", got)
	}
}

func TestProvider_StreamChat_MidStreamError(t *testing.T) {
	events := []string{
		`{"id":"c","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{"content":"par"},"finish_reason":null}]}`,
		`{"error":{"message":"overloaded","type":"server_error"}}`,
	}
	srv := httptest.NewServer(sseHandler(t, events))
	defer srv.Close()

	stream, err := newTestProvider(srv).StreamChat(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	if got := drain(stream); len(got) != 1 || got[0] != "par" {
		t.Fatalf("expected the partial chunk, got %q", got)
	}
	if stream.Err() == nil {
		t.Fatal("expected a stream error")
	}
}

func TestProvider_StreamChat_RateLimit(t *testing.T) {
	errBody := map[string]any{
		"error": map[string]any{
			"message": "Rate limit exceeded",
			"type":    "rate_limit_error",
			"code":    "rate_limit_exceeded",
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).StreamChat(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}

	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", provErr.StatusCode)
	}
	if provErr.Type != "openai_error" {
		t.Errorf("expected type 'openai_error', got %q", provErr.Type)
	}
	if !strings.Contains(strings.ToLower(provErr.Message), "rate limit") {
		t.Errorf("expected message to contain rate limit text, got %q", provErr.Message)
	}
}

func TestProvider_StreamChat_ServerErrorIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"Service unavailable","type":"server_error"}}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).StreamChat(context.Background(), baseRequest())
	var provErr *ProviderError
	if !errors.As(err, &provErr) || provErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 ProviderError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single upstream attempt, got %d", calls)
	}
}

func TestProvider_StreamChat_NoKey(t *testing.T) {
	req := baseRequest()
	req.APIKey = ""
	_, err := New("").StreamChat(context.Background(), req)
	if !errors.Is(err, providers.ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestProvider_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer embed-key" {
			t.Errorf("unexpected Authorization %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object":"list",
			"model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":0,"embedding":[0.25,-0.5,1]}],
			"usage":{"prompt_tokens":4,"total_tokens":4}
		}`))
	}))
	defer srv.Close()

	resp, err := newTestProvider(srv).Embed(context.Background(), &providers.EmbeddingRequest{
		Input:  []string{"user:hi"},
		Model:  "text-embedding-3-small",
		APIKey: "embed-key",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("expected one vector, got %d", len(resp.Data))
	}
	want := []float32{0.25, -0.5, 1}
	for i, v := range want {
		if resp.Data[0].Embedding[i] != v {
			t.Errorf("embedding[%d] = %v, want %v", i, resp.Data[0].Embedding[i], v)
		}
	}
	if resp.Usage.InputTokens != 4 {
		t.Errorf("expected 4 input tokens, got %d", resp.Usage.InputTokens)
	}
}

func TestProvider_HealthCheckWithoutKey(t *testing.T) {
	if err := New("").HealthCheck(context.Background()); !errors.Is(err, providers.ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}
