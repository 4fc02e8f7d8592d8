package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bperin/intrepreter-gateway/internal/config"
	"github.com/bperin/intrepreter-gateway/internal/observability"
	"github.com/bperin/intrepreter-gateway/internal/resilience"
)

const serviceName = "openai_chat"

// Message represents a single chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ChatRequest is the chat completions request body
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is the subset of the chat completions response that is read
type ChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// ChatClient calls an OpenAI-compatible chat completions endpoint
type ChatClient struct {
	baseURL        string
	apiKey         string
	model          string
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	logger         zerolog.Logger
}

// NewChatClient creates a chat client from configuration
func NewChatClient(cfg *config.Config, logger zerolog.Logger) *ChatClient {
	circuitBreaker := resilience.NewCircuitBreaker(
		serviceName,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	retryConfig := resilience.DefaultRetryConfig()
	retryConfig.MaxAttempts = cfg.RetryMaxAttempts
	retryConfig.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	return &ChatClient{
		baseURL:        strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		apiKey:         cfg.OpenAIAPIKey,
		model:          cfg.OpenAIChatModel,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		circuitBreaker: circuitBreaker,
		retryConfig:    retryConfig,
		logger:         logger.With().Str("component", "chat").Logger(),
	}
}

// Complete sends one system+user exchange and returns the trimmed reply
func (c *ChatClient) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	body, err := json.Marshal(ChatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var reply string
	err = c.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			out, err := c.post(ctx, body)
			if err != nil {
				return err
			}
			reply = out
			return nil
		}, c.retryConfig, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		observability.IncrementCircuitBreakerFailures(serviceName)
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

func (c *ChatClient) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", resilience.NewRetryableError(err)
		}
		return "", err
	}

	var parsed ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

// HealthCheck reports whether the client is configured and the breaker is not open
func (c *ChatClient) HealthCheck(context.Context) (bool, error) {
	if c.apiKey == "" {
		return false, fmt.Errorf("openai API key not configured")
	}
	if c.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
