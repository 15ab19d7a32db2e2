package service

import (
	"context"
	"fmt"
	"time"

	"cognitive-traces/internal/anthropic"
	"cognitive-traces/internal/gemini"
	"cognitive-traces/internal/llm"
	"cognitive-traces/internal/ollama"
	"cognitive-traces/internal/openai"

	"go.uber.org/zap"
)

// NewBackendFactory builds provider clients from the credentials in cfg.
func NewBackendFactory(ctx context.Context, cfg llm.Config, logger *zap.Logger) llm.BackendFactory {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	return func(provider llm.ProviderType, endpoint *llm.CustomEndpoint) (llm.Backend, error) {
		switch provider {
		case llm.ProviderAnthropic:
			return anthropic.NewClient(anthropic.Config{
				APIKey:  cfg.AnthropicAPIKey,
				BaseURL: cfg.AnthropicBaseURL,
				Timeout: timeout,
			}, logger)
		case llm.ProviderOpenAI:
			if cfg.OpenAIAPIKey == "" && cfg.OpenAIBaseURL == "" {
				return nil, fmt.Errorf("openai API key is required")
			}
			return openai.NewClient(openai.Config{
				Name:    "openai",
				APIKey:  cfg.OpenAIAPIKey,
				BaseURL: cfg.OpenAIBaseURL,
				Timeout: timeout,
			}, logger)
		case llm.ProviderGoogle:
			return gemini.NewClient(ctx, gemini.Config{APIKey: cfg.GoogleAPIKey}, logger)
		case llm.ProviderOllama:
			return ollama.NewClient(ollama.Config{
				BaseURL: cfg.OllamaBaseURL,
				Timeout: timeout,
			}, logger)
		case llm.ProviderCustom:
			if endpoint == nil {
				return nil, fmt.Errorf("custom provider requires an endpoint")
			}
			return openai.NewClient(openai.Config{
				Name:    endpoint.Name,
				APIKey:  endpoint.APIKey,
				BaseURL: endpoint.BaseURL,
				Timeout: timeout,
			}, logger)
		default:
			return nil, fmt.Errorf("unsupported provider: %s", provider)
		}
	}
}
