// Package model talks to an OpenAI-compatible chat completion API
// (OpenRouter by default). The client wraps rate limiting, retries with
// exponential backoff, and a circuit breaker around the raw HTTP calls.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/skiffworks/skiff/pkg/logging"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultModel   = "anthropic/claude-sonnet-4"
	defaultTimeout = 2 * time.Minute

	// OpenRouter allows ~200 requests/minute for most tiers; 1/second with a
	// small burst stays well under that across concurrent sessions.
	defaultRateLimit = rate.Limit(1)
	defaultBurstSize = 10
)

// RetryConfig configures the retry mechanism for chat requests.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
	}
}

// ChatMessage is one turn in a completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the wire format for a completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// ChatResponse is the wire format for a completion response.
type ChatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *APIError `json:"error,omitempty"`
}

// APIError is an error response from the provider.
type APIError struct {
	StatusCode int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request that produced this error may be retried.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client is an OpenRouter-compatible chat client. It satisfies the
// autorun.ModelClient contract.
type Client struct {
	apiKey         string
	baseURL        string
	model          string
	httpClient     *http.Client
	rateLimiter    *rate.Limiter
	circuitBreaker *CircuitBreaker
	retryConfig    RetryConfig
	logger         *logging.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the provider base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

// WithModel selects the model identifier sent with each request.
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithRetryConfig overrides retry behavior.
func WithRetryConfig(config RetryConfig) ClientOption {
	return func(c *Client) { c.retryConfig = config }
}

// WithCircuitBreaker overrides circuit breaker behavior.
func WithCircuitBreaker(config CircuitBreakerConfig) ClientOption {
	return func(c *Client) { c.circuitBreaker = NewCircuitBreaker(config) }
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a chat client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:         apiKey,
		baseURL:        defaultBaseURL,
		model:          defaultModel,
		rateLimiter:    rate.NewLimiter(defaultRateLimit, defaultBurstSize),
		circuitBreaker: NewCircuitBreaker(DefaultCircuitBreakerConfig()),
		retryConfig:    DefaultRetryConfig(),
		httpClient:     &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.circuitBreaker.listener = c.circuitTransition
	return c
}

// circuitTransition logs breaker movements so provider outages show up in
// the session logs.
func (c *Client) circuitTransition(from, to CircuitState) {
	_ = c.logger.Warn(logging.CategoryModel, "circuit_transition", to.String(), map[string]any{
		"from": from.String(),
		"to":   to.String(),
	})
}

// Chat sends the system prompt and conversation context and returns the
// assistant's reply text.
func (c *Client) Chat(ctx context.Context, systemPrompt string, contextMessages []string) (string, error) {
	messages := make([]ChatMessage, 0, len(contextMessages)+1)
	if systemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: systemPrompt})
	}
	for _, msg := range contextMessages {
		messages = append(messages, ChatMessage{Role: "user", Content: msg})
	}

	req := ChatRequest{
		Model:    c.model,
		Messages: messages,
	}

	var reply string
	var lastErr error
	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}

		err := c.circuitBreaker.Call(func() error {
			resp, callErr := c.completion(ctx, req)
			if callErr != nil {
				return callErr
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("empty response from provider")
			}
			reply = resp.Choices[0].Message.Content
			c.logUsage(resp)
			return nil
		})
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (c *Client) completion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != nil {
			apiErr.Message = envelope.Error.Message
		}
		return nil, apiErr
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if chatResp.Error != nil {
		return nil, chatResp.Error
	}
	return &chatResp, nil
}

// backoff calculates the delay before the next retry using exponential
// backoff with jitter.
func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.retryConfig.InitialInterval)
	for i := 0; i < attempt; i++ {
		delay *= c.retryConfig.Multiplier
	}
	if delay > float64(c.retryConfig.MaxInterval) {
		delay = float64(c.retryConfig.MaxInterval)
	}
	jitter := rand.Float64() * delay * 0.5
	return time.Duration(delay*0.75 + jitter)
}

func retryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		// The breaker rejects calls until its reset timeout; retrying inside
		// the same Chat cannot succeed.
		return false
	}
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable()
	}
	// Network errors and similar transient failures are worth a retry.
	return err != nil
}

// CircuitBreakerState reports the breaker state for status endpoints.
func (c *Client) CircuitBreakerState() string {
	return c.circuitBreaker.State()
}

func (c *Client) logUsage(resp *ChatResponse) {
	_ = c.logger.Debug(logging.CategoryModel, "chat_completion", "", map[string]any{
		"model":             c.model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	})
}
