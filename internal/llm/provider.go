package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ProviderType represents the backend family serving a model
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderGoogle    ProviderType = "google"
	ProviderOllama    ProviderType = "ollama"
	// ProviderCustom is an OpenAI-compatible endpoint from the custom table.
	ProviderCustom ProviderType = "custom"
)

// BackendRequest is a single completion request as seen by a backend.
type BackendRequest struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Backend is implemented by every provider client.
type Backend interface {
	Generate(ctx context.Context, req BackendRequest) (string, error)
	Close() error
	GetModelInfo() map[string]interface{}
}

// BackendFactory builds the client for a provider. endpoint is non-nil only
// for ProviderCustom.
type BackendFactory func(provider ProviderType, endpoint *CustomEndpoint) (Backend, error)

// RateLimitedBackend wraps a backend with a token bucket limiter
type RateLimitedBackend struct {
	backend Backend
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRateLimitedBackend wraps backend so it issues at most requestsPerMinute
// calls per minute, with a burst of one.
func NewRateLimitedBackend(backend Backend, requestsPerMinute int, logger *zap.Logger) *RateLimitedBackend {
	return &RateLimitedBackend{
		backend: backend,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1),
		logger:  logger,
	}
}

func (b *RateLimitedBackend) Generate(ctx context.Context, req BackendRequest) (string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait cancelled: %w", err)
	}
	return b.backend.Generate(ctx, req)
}

func (b *RateLimitedBackend) Close() error {
	return b.backend.Close()
}

func (b *RateLimitedBackend) GetModelInfo() map[string]interface{} {
	info := b.backend.GetModelInfo()
	info["rate_limit_per_second"] = float64(b.limiter.Limit())
	return info
}
