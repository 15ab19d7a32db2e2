package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cognitive-traces/internal/llm"

	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Client talks to the OpenAI chat completions API or any compatible server.
type Client struct {
	client  *goopenai.Client
	name    string
	baseURL string
	logger  *zap.Logger
}

// Config for OpenAI client
type Config struct {
	// Name identifies the backend in logs, e.g. "openai" or a custom endpoint name.
	Name    string
	APIKey  string
	BaseURL string // Default: https://api.openai.com/v1
	Timeout time.Duration
}

// NormalizeBaseURL trims trailing slashes and makes sure the URL ends in /v1,
// which OpenAI-compatible servers expect.
func NormalizeBaseURL(u string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	if !strings.HasSuffix(u, "/v1") {
		u += "/v1"
	}
	return u
}

// NewClient creates a new OpenAI client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = NormalizeBaseURL(cfg.BaseURL)
	} else if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	logger.Info("OpenAI client initialized",
		zap.String("name", cfg.Name),
		zap.String("base_url", clientCfg.BaseURL))

	return &Client{
		client:  goopenai.NewClientWithConfig(clientCfg),
		name:    cfg.Name,
		baseURL: clientCfg.BaseURL,
		logger:  logger,
	}, nil
}

// Generate sends prompt as a single user message.
func (c *Client) Generate(ctx context.Context, req llm.BackendRequest) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("%s API error: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from %s", c.name)
	}

	c.logger.Debug("Chat completion finished",
		zap.String("name", c.name),
		zap.String("model", req.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))

	return resp.Choices[0].Message.Content, nil
}

// Close is a no-op; the HTTP client has no resources to release.
func (c *Client) Close() error {
	return nil
}

// GetModelInfo returns backend information
func (c *Client) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{
		"provider": c.name,
		"base_url": c.baseURL,
	}
}
