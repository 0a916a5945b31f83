package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func completionHandler(t *testing.T, content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected /chat/completions, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "gen-1",
			"model": "openai/gpt-3.5-turbo-0613",
			"choices": [{"message": {"role": "assistant", "content": `+jsonString(content)+`}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestClientChat(t *testing.T) {
	var got chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Expected Bearer test-key, got %s", auth)
		}
		if title := r.Header.Get("X-Title"); title != "RealTalk" {
			t.Errorf("Expected X-Title RealTalk, got %s", title)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		completionHandler(t, "Hi there.")(w, r)
	}))
	defer server.Close()

	client, err := NewClient(
		WithBaseURL(server.URL+"/"),
		WithAPIKey("test-key"),
		WithApp("", "RealTalk"),
	)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	resp, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			NewSystemMessage("be brief"),
			NewUserMessage("Hello"),
		},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if resp.Message.Content != "Hi there." {
		t.Errorf("Expected 'Hi there.', got %q", resp.Message.Content)
	}
	if resp.Message.Role != RoleAssistant {
		t.Errorf("Expected assistant role, got %s", resp.Message.Role)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("Expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}

	if got.Model != DefaultModel {
		t.Errorf("Expected default model %s, got %s", DefaultModel, got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "Hello" {
		t.Errorf("Unexpected messages: %+v", got.Messages)
	}
}

func TestClientChatServerError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error": {"message": "upstream exploded", "code": 500}}`)
	}))
	defer server.Close()

	client, _ := NewClient(
		WithBaseURL(server.URL),
		WithAPIKey("k"),
		WithRetry(2, time.Millisecond),
	)

	_, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
	if err == nil {
		t.Fatal("Expected error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != 500 || apiErr.Message != "upstream exploded" || apiErr.Code != "500" {
		t.Errorf("Unexpected API error: %+v", apiErr)
	}
	if !apiErr.IsRetryable() {
		t.Error("500 should be retryable")
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
}

func TestClientChatClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error": {"message": "bad key", "code": "invalid_api_key"}}`)
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL), WithRetry(3, time.Millisecond))

	_, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
	if StatusCode(err) != 401 {
		t.Fatalf("Expected 401, got %v", err)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("Expected 1 attempt, got %d", n)
	}
}

func TestClientChatNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id": "x", "choices": []}`)
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))

	_, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
	if !errors.Is(err, ErrNoChoices) {
		t.Errorf("Expected ErrNoChoices, got %v", err)
	}
}

func TestClientHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("Expected /models, got %s", r.URL.Path)
		}
		io.WriteString(w, `{"data": []}`)
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))
	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Health failed: %v", err)
	}
}

func TestNewClientRequiresModel(t *testing.T) {
	if _, err := NewClient(WithModel("")); !errors.Is(err, ErrNoModel) {
		t.Errorf("Expected ErrNoModel, got %v", err)
	}
}

func TestOpenAIChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer sdk-key" {
			t.Errorf("Expected Bearer sdk-key, got %s", auth)
		}
		completionHandler(t, "  Hi there.  ")(w, r)
	}))
	defer server.Close()

	p, err := NewOpenAI(WithBaseURL(server.URL), WithAPIKey("sdk-key"))
	if err != nil {
		t.Fatalf("NewOpenAI failed: %v", err)
	}

	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("Hello")}})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Message.Content != "  Hi there.  " {
		t.Errorf("Unexpected content %q", resp.Message.Content)
	}
}

func TestOpenAIChatError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": {"message": "bad request", "type": "invalid_request_error", "code": "bad"}}`)
	}))
	defer server.Close()

	p, _ := NewOpenAI(WithBaseURL(server.URL), WithAPIKey("k"), WithRetry(0, 0))

	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
	if StatusCode(err) != 400 {
		t.Errorf("Expected 400, got %v", err)
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAI(); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("Expected ErrNoAPIKey, got %v", err)
	}
}

func TestChainFallback(t *testing.T) {
	failing := WithError(&APIError{StatusCode: 503, Provider: "mock"})
	working := NewMock("from fallback")

	chain, err := NewChain(failing, working)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}

	resp, err := chain.Chat(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Message.Content != "from fallback" {
		t.Errorf("Unexpected content %q", resp.Message.Content)
	}
	if failing.CallCount("Chat") != 1 || working.CallCount("Chat") != 1 {
		t.Error("Expected each provider to be called once")
	}
}

func TestChainAllFail(t *testing.T) {
	chain, _ := NewChain(WithError(errors.New("a")), WithError(errors.New("b")))

	_, err := chain.Chat(context.Background(), &ChatRequest{})
	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("Expected *ChainError, got %v", err)
	}
	if len(chainErr.Errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(chainErr.Errors))
	}
}

func TestNewChainEmpty(t *testing.T) {
	if _, err := NewChain(); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("Expected ErrProviderUnavailable, got %v", err)
	}
}

func TestChainHealth(t *testing.T) {
	down := WithError(errors.New("connection refused"))
	up := NewMock("ok")

	chain, _ := NewChain(down, up)
	if err := chain.Health(context.Background()); err != nil {
		t.Errorf("Expected healthy chain, got %v", err)
	}

	chain, _ = NewChain(down, WithError(errors.New("401")))
	err := chain.Health(context.Background())
	var provErr *ProviderError
	if !errors.As(err, &provErr) || provErr.Provider != "chain" {
		t.Fatalf("Expected chain ProviderError, got %v", err)
	}
}

func TestChainStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &Mock{ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
		cancel()
		return nil, ctx.Err()
	}}
	second := NewMock("too late")

	chain, _ := NewChain(first, second)
	if _, err := chain.Chat(ctx, &ChatRequest{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if second.CallCount("Chat") != 0 {
		t.Error("Expected fallback not to be called after cancel")
	}
}

func TestMockRecordsRequests(t *testing.T) {
	m := NewMock("ok")
	req := &ChatRequest{Messages: []Message{NewUserMessage("x")}}
	m.Chat(context.Background(), req)

	if m.LastRequest() != req {
		t.Error("Expected last request to be recorded")
	}
	m.Reset()
	if m.LastRequest() != nil || len(m.Calls()) != 0 {
		t.Error("Expected reset to clear state")
	}
}
