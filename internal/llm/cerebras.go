package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const cerebrasEndpoint = "https://api.cerebras.ai/v1/chat/completions"

var (
	ErrNoAPIKey     = errors.New("cerebras api key missing")
	ErrEmptyChoices = errors.New("cerebras: empty choices")
)

type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	Endpoint   string
}

// Message is one chat turn. Role is system, user or assistant.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Sampling tunes a single completion. Zero values are omitted.
type Sampling struct {
	Temperature float64
	MaxTokens   int
}

type chatCompletionsRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
	Message      Message `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func NewCerebrasClient(apiKey, model string) *CerebrasClient {
	return &CerebrasClient{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		Endpoint:   cerebrasEndpoint,
	}
}

// Chat runs one non-streaming completion and returns the trimmed reply.
func (c *CerebrasClient) Chat(ctx context.Context, messages []Message, s Sampling) (string, error) {
	if c.APIKey == "" {
		return "", ErrNoAPIKey
	}
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = cerebrasEndpoint
	}

	reqBody, err := json.Marshal(chatCompletionsRequest{
		Model:       c.Model,
		Messages:    messages,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("cerebras error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("cerebras: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", ErrEmptyChoices
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}
