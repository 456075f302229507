package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scrypster/castlist/internal/boundary"
)

// ChatCompletionConfig holds configuration for the OpenAI-compatible primary backend.
type ChatCompletionConfig struct {
	BaseURL       string        // e.g. http://127.0.0.1:5000 (text-generation-webui, koboldcpp, vLLM)
	APIKey        string        // optional bearer token
	Model         string        // optional; some servers ignore it
	ContextWindow int           // default: 8192
	Timeout       time.Duration // default: 120s
}

// ChatCompletionClient is a Provider for servers exposing /v1/chat/completions.
// It sends the extended sampler fields (top_k, min_p, repetition_penalty) that
// local inference servers accept alongside the OpenAI ones.
type ChatCompletionClient struct {
	cfg    ChatCompletionConfig
	client *http.Client
}

// NewChatCompletionClient creates the primary backend client.
func NewChatCompletionClient(cfg ChatCompletionConfig) (*ChatCompletionClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, &boundary.ConfigurationError{Setting: "primary url", Msg: "base URL is required"}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 8192
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &ChatCompletionClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// chatRequest is the request body for POST /v1/chat/completions.
type chatRequest struct {
	Model             string        `json:"model,omitempty"`
	Messages          []chatMessage `json:"messages"`
	Temperature       float64       `json:"temperature"`
	TopP              float64       `json:"top_p"`
	TopK              int           `json:"top_k"`
	MinP              float64       `json:"min_p"`
	RepetitionPenalty float64       `json:"repetition_penalty"`
	MaxTokens         int           `json:"max_tokens"`
	Stop              []string      `json:"stop,omitempty"`
	Stream            bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the response body from POST /v1/chat/completions.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
}

// Complete implements Provider.
func (c *ChatCompletionClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	body := chatRequest{
		Model:             c.cfg.Model,
		Messages:          []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature:       req.Sampling.Temperature,
		TopP:              req.Sampling.TopP,
		TopK:              req.Sampling.TopK,
		MinP:              req.Sampling.MinP,
		RepetitionPenalty: req.Sampling.RepetitionPenalty,
		MaxTokens:         req.MaxTokens,
		Stop:              req.Stop,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", &boundary.BackendError{Backend: "primary", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &boundary.BackendError{Backend: "primary", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var respData chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", &boundary.BackendError{Backend: "primary", Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if len(respData.Choices) == 0 {
		return "", &boundary.BackendError{Backend: "primary", Err: fmt.Errorf("response had no choices")}
	}

	choice := respData.Choices[0]
	if choice.Message.Content != "" {
		return choice.Message.Content, nil
	}
	return choice.Text, nil
}

// ContextWindow implements Provider with the configured size.
func (c *ChatCompletionClient) ContextWindow(ctx context.Context) (int, error) {
	return c.cfg.ContextWindow, nil
}

// Model returns the configured model name.
func (c *ChatCompletionClient) Model() string {
	return c.cfg.Model
}

var _ Provider = (*ChatCompletionClient)(nil)
