package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cognitive-traces/internal/metrics"

	"go.uber.org/zap"
)

// Request is a routed generation request.
type Request struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
	Role        Role
}

// Response carries the generated text and routing details.
type Response struct {
	Text         string
	Elapsed      time.Duration
	Model        string
	Provider     ProviderType
	FallbackUsed bool
}

// Generator is what agent stages need from the router.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Spec(model string) ModelSpec
}

// Router maps model ids to backends and substitutes fallback models while a
// custom endpoint is failing. One router is created per job.
type Router struct {
	cfg     Config
	factory BackendFactory
	tracker *FailureTracker
	logger  *zap.Logger

	custom map[string]*CustomEndpoint
	models map[string]CustomModel

	mu       sync.Mutex
	backends map[string]Backend
}

// NewRouter creates a router for cfg. Backends are built lazily by factory.
func NewRouter(cfg Config, factory BackendFactory, logger *zap.Logger) *Router {
	r := &Router{
		cfg:      cfg,
		factory:  factory,
		tracker:  NewFailureTracker(time.Duration(cfg.Fallback.RetryAfterMinutes) * time.Minute),
		logger:   logger,
		custom:   make(map[string]*CustomEndpoint),
		models:   make(map[string]CustomModel),
		backends: make(map[string]Backend),
	}
	for i := range cfg.CustomEndpoints {
		ep := &cfg.CustomEndpoints[i]
		for _, m := range ep.Models {
			r.custom[m.ID] = ep
			r.models[m.ID] = m
		}
	}
	return r
}

// Tracker exposes the failure tracker, mainly for inspection.
func (r *Router) Tracker() *FailureTracker {
	return r.tracker
}

// ResolveProvider returns the provider serving model.
func (r *Router) ResolveProvider(model string) ProviderType {
	provider, _ := r.resolve(model)
	return provider
}

func (r *Router) resolve(model string) (ProviderType, string) {
	if _, ok := r.custom[model]; ok {
		return ProviderCustom, model
	}
	if ns, rest, ok := strings.Cut(model, "/"); ok {
		switch strings.ToLower(ns) {
		case "anthropic":
			return ProviderAnthropic, rest
		case "openai":
			return ProviderOpenAI, rest
		case "google", "gemini":
			return ProviderGoogle, rest
		case "ollama":
			return ProviderOllama, rest
		}
	}
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return ProviderAnthropic, model
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "chatgpt"),
		strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		return ProviderOpenAI, model
	case strings.HasPrefix(lower, "gemini"):
		return ProviderGoogle, model
	}
	return ProviderOllama, model
}

// Spec returns sizing for model. Custom endpoint models may override the
// catalog values.
func (r *Router) Spec(model string) ModelSpec {
	_, name := r.resolve(model)
	spec := LookupSpec(name)
	if m, ok := r.models[model]; ok {
		if m.ContextWindow > 0 {
			spec.ContextWindow = m.ContextWindow
		}
		if m.MaxOutput > 0 {
			spec.MaxOutput = m.MaxOutput
		}
	}
	return spec
}

// IsCustom reports whether model is served by a custom endpoint.
func (r *Router) IsCustom(model string) bool {
	_, ok := r.custom[model]
	return ok
}

// Generate routes req to its backend. While a custom endpoint model is
// inside its failure window the role's fallback model is used instead.
// Errors are always *GenerationError; nothing is retried here.
func (r *Router) Generate(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	fallbackUsed := false

	if r.cfg.Fallback.Enabled && r.IsCustom(model) && r.tracker.Active(model) {
		if fb := r.cfg.FallbackFor(req.Role); fb != "" && fb != model {
			r.logger.Warn("Custom endpoint in failure window, using fallback model",
				zap.String("model", model),
				zap.String("fallback_model", fb),
				zap.String("role", string(req.Role)))
			metrics.RecordFallbackSubstitution(string(req.Role))
			model = fb
			fallbackUsed = true
		}
	}

	provider, name := r.resolve(model)
	maxTokens := req.MaxTokens
	if fallbackUsed {
		if limit := r.Spec(model).MaxOutput; maxTokens > limit {
			maxTokens = limit
		}
	}

	backend, err := r.backend(provider, model)
	if err != nil {
		r.tracker.Record(req.Model)
		return nil, &GenerationError{Provider: provider, Model: model, Err: err}
	}

	start := time.Now()
	text, err := backend.Generate(ctx, BackendRequest{
		Model:       name,
		Prompt:      req.Prompt,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	elapsed := time.Since(start)

	if err != nil {
		metrics.RecordLLMRequest(string(provider), "error", elapsed)
		// A failing fallback extends the window of the model that was asked for.
		r.tracker.Record(req.Model)
		r.logger.Error("Model request failed",
			zap.String("provider", string(provider)),
			zap.String("model", model),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, &GenerationError{Provider: provider, Model: model, Err: err}
	}
	metrics.RecordLLMRequest(string(provider), "success", elapsed)

	return &Response{
		Text:         text,
		Elapsed:      elapsed,
		Model:        model,
		Provider:     provider,
		FallbackUsed: fallbackUsed,
	}, nil
}

// backend returns the cached client for provider, building it on first use.
// Each custom endpoint gets its own client.
func (r *Router) backend(provider ProviderType, model string) (Backend, error) {
	key := string(provider)
	var endpoint *CustomEndpoint
	if provider == ProviderCustom {
		endpoint = r.custom[model]
		key = "custom:" + endpoint.Name + "@" + endpoint.BaseURL
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.backends[key]; ok {
		return b, nil
	}
	if r.factory == nil {
		return nil, fmt.Errorf("no backend factory configured")
	}
	b, err := r.factory(provider, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", provider, err)
	}
	if rpm := r.cfg.RequestsPerMinute[string(provider)]; rpm > 0 {
		b = NewRateLimitedBackend(b, rpm, r.logger)
	}
	r.backends[key] = b

	r.logger.Info("Backend initialized",
		zap.String("provider", string(provider)),
		zap.String("key", key))
	return b, nil
}

// ModelInfo describes how model would be routed.
func (r *Router) ModelInfo(model string) map[string]interface{} {
	provider, name := r.resolve(model)
	spec := r.Spec(model)
	info := map[string]interface{}{
		"model":          model,
		"provider":       string(provider),
		"backend_model":  name,
		"context_window": spec.ContextWindow,
		"max_output":     spec.MaxOutput,
	}
	if ep, ok := r.custom[model]; ok {
		info["endpoint"] = ep.Name
		info["in_failure_window"] = r.tracker.Active(model)
	}
	return info
}

// Close closes every backend built so far.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for key, b := range r.backends {
		if err := b.Close(); err != nil {
			r.logger.Error("Failed to close backend",
				zap.String("key", key),
				zap.Error(err))
			lastErr = err
		}
	}
	r.backends = make(map[string]Backend)
	return lastErr
}
