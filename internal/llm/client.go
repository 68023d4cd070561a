package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/stockscope/stockscope/internal/config"
)

// ChatMessage is one turn in a chat-completions conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one completion call. Zero-value Model, Temperature
// and MaxTokens fall back to the client defaults.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
}

// Usage is the token accounting returned by the API.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the first-choice content of a completion plus usage.
type ChatResponse struct {
	ID      string
	Model   string
	Content string
	Usage   Usage
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Client calls an OpenAI-compatible chat-completions API. Calls are fed
// through a shared rate limiter and transient failures (429, 5xx, transport
// errors) are retried with exponential backoff.
type Client struct {
	baseURL       string
	apiKey        string
	model         string
	researchModel string
	temperature   float64
	maxTokens     int
	client        *http.Client
	limiter       *rate.Limiter
	maxAttempts   int
	retryBase     time.Duration
}

// New builds a client from config. The limiter spreads the configured
// per-minute budget across the window rather than allowing it all at once.
func New(cfg config.OpenAIConfig) *Client {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 5
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		model:         cfg.Model,
		researchModel: cfg.ResearchModel,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		client:        &http.Client{Timeout: 120 * time.Second},
		limiter:       rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm),
		maxAttempts:   6,
		retryBase:     time.Second,
	}
}

// Model returns the default analysis model.
func (c *Client) Model() string { return c.model }

// ResearchModel returns the cheaper model used for data-gathering calls.
// Falls back to the analysis model when unset.
func (c *Client) ResearchModel() string {
	if c.researchModel == "" {
		return c.model
	}
	return c.researchModel
}

// Complete performs one chat completion.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("openai: api key not configured")
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.retryBase * time.Duration(1<<(attempt-2))
			if j := int64(c.retryBase); j > 0 {
				delay += time.Duration(rand.Int63n(j))
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, retryable, err := c.do(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("model", model).
			Msg("Chat completion failed, retrying")
	}

	return nil, fmt.Errorf("openai: giving up after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) do(ctx context.Context, body []byte) (*ChatResponse, bool, error) {
	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("openai: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		retryable := httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("openai: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oaiResp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, false, fmt.Errorf("openai: decode response: %w", err)
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	return &ChatResponse{
		ID:      oaiResp.ID,
		Model:   oaiResp.Model,
		Content: content,
		Usage:   oaiResp.Usage,
	}, false, nil
}
