package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := map[string]any{
		"id": "gen-1",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Errorf("encode reply: %v", err)
	}
}

func fastRetries() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func TestChatSendsMessagesAndAuth(t *testing.T) {
	var captured ChatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		chatReply(t, w, "```\nls\n```")
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithModel("test/model"))
	reply, err := c.Chat(context.Background(), "you are a terminal agent", []string{"USER: list files", "COMMAND: pwd"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if reply != "```\nls\n```" {
		t.Errorf("reply = %q", reply)
	}
	if auth != "Bearer test-key" {
		t.Errorf("auth header = %q", auth)
	}
	if captured.Model != "test/model" {
		t.Errorf("model = %q", captured.Model)
	}
	if len(captured.Messages) != 3 {
		t.Fatalf("messages = %d, want system + 2 user", len(captured.Messages))
	}
	if captured.Messages[0].Role != "system" || captured.Messages[0].Content != "you are a terminal agent" {
		t.Errorf("system message = %+v", captured.Messages[0])
	}
	if captured.Messages[1].Role != "user" || captured.Messages[2].Content != "COMMAND: pwd" {
		t.Errorf("context messages = %+v", captured.Messages[1:])
	}
}

func TestChatRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":{"code":502,"message":"bad gateway"}}`, http.StatusBadGateway)
			return
		}
		chatReply(t, w, "recovered")
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithRetryConfig(fastRetries()))
	reply, err := c.Chat(context.Background(), "", []string{"hi"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != "recovered" {
		t.Errorf("reply = %q", reply)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"code":400,"message":"bad request"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithRetryConfig(fastRetries()))
	if _, err := c.Chat(context.Background(), "", []string{"hi"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 400)", calls.Load())
	}
}

func TestChatGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithRetryConfig(fastRetries()))
	if _, err := c.Chat(context.Background(), "", []string{"hi"}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want initial + 2 retries", got)
	}
}

func TestChatEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"gen-2","choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithRetryConfig(RetryConfig{MaxRetries: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}))
	if _, err := c.Chat(context.Background(), "", []string{"hi"}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestChatOpenCircuitShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient("k",
		WithBaseURL(srv.URL),
		WithRetryConfig(fastRetries()),
		WithCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}),
	)

	if _, err := c.Chat(context.Background(), "", []string{"hi"}); err == nil {
		t.Fatal("expected error")
	}
	if c.CircuitBreakerState() != "open" {
		t.Fatalf("breaker = %s, want open", c.CircuitBreakerState())
	}

	before := calls.Load()
	if _, err := c.Chat(context.Background(), "", []string{"again"}); err == nil {
		t.Fatal("expected rejection from open breaker")
	}
	if calls.Load() != before {
		t.Error("open breaker must not let requests reach the provider")
	}
}

func TestAPIErrorRetryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		e := &APIError{StatusCode: tt.code}
		if got := e.Retryable(); got != tt.want {
			t.Errorf("Retryable(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
