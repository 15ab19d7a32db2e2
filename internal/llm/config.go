package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Role identifies the pipeline stage issuing a request.
type Role string

const (
	RoleAnalyst Role = "analyst"
	RoleCritic  Role = "critic"
	RoleJudge   Role = "judge"
)

// Strategy controls how long sessions are fitted into a prompt.
type Strategy string

const (
	StrategyTruncate      Strategy = "truncate"
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyFull          Strategy = "full"
)

// CustomModel is a model served by a custom endpoint. Zero sizes fall back
// to the catalog.
type CustomModel struct {
	ID            string `yaml:"id" json:"id"`
	ContextWindow int    `yaml:"context_window" json:"context_window,omitempty"`
	MaxOutput     int    `yaml:"max_output" json:"max_output,omitempty"`
}

// CustomEndpoint is an OpenAI-compatible server hosting one or more models.
type CustomEndpoint struct {
	Name    string        `yaml:"name" json:"name"`
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"api_key" json:"api_key,omitempty"`
	Models  []CustomModel `yaml:"models" json:"models"`
}

// FallbackConfig holds the per-role substitutes used while a custom endpoint
// is considered down.
type FallbackConfig struct {
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	AnalystModel      string `yaml:"analyst_model" json:"analyst_model"`
	CriticModel       string `yaml:"critic_model" json:"critic_model"`
	JudgeModel        string `yaml:"judge_model" json:"judge_model"`
	RetryAfterMinutes int    `yaml:"retry_after_minutes" json:"retry_after_minutes"`
}

// TruncationLimits are per-event character budgets by session size tier.
type TruncationLimits struct {
	ContentSmall    int `yaml:"content_small" json:"content_small"`
	ContentMedium   int `yaml:"content_medium" json:"content_medium"`
	ContentLarge    int `yaml:"content_large" json:"content_large"`
	ReasoningSmall  int `yaml:"reasoning_small" json:"reasoning_small"`
	ReasoningMedium int `yaml:"reasoning_medium" json:"reasoning_medium"`
	ReasoningLarge  int `yaml:"reasoning_large" json:"reasoning_large"`
}

// PromptOverrides replace the built-in templates when non-empty.
type PromptOverrides struct {
	Analyst string `yaml:"analyst" json:"analyst,omitempty"`
	Critic  string `yaml:"critic" json:"critic,omitempty"`
	Judge   string `yaml:"judge" json:"judge,omitempty"`
}

// Config is everything a job needs to talk to models.
type Config struct {
	AnalystModel string `yaml:"analyst_model" json:"analyst_model"`
	CriticModel  string `yaml:"critic_model" json:"critic_model"`
	JudgeModel   string `yaml:"judge_model" json:"judge_model"`

	AnthropicAPIKey  string `yaml:"anthropic_api_key" json:"anthropic_api_key,omitempty"`
	AnthropicBaseURL string `yaml:"anthropic_base_url" json:"anthropic_base_url,omitempty"`
	OpenAIAPIKey     string `yaml:"openai_api_key" json:"openai_api_key,omitempty"`
	OpenAIBaseURL    string `yaml:"openai_base_url" json:"openai_base_url,omitempty"`
	GoogleAPIKey     string `yaml:"google_api_key" json:"google_api_key,omitempty"`
	OllamaBaseURL    string `yaml:"ollama_base_url" json:"ollama_base_url"`

	CustomEndpoints []CustomEndpoint `yaml:"custom_endpoints" json:"custom_endpoints,omitempty"`
	Fallback        FallbackConfig   `yaml:"fallback" json:"fallback"`

	Strategy   Strategy `yaml:"strategy" json:"strategy"`
	WindowSize int      `yaml:"window_size" json:"window_size"`

	Temperature    float64 `yaml:"temperature" json:"temperature"`
	MaxTokensBase  int     `yaml:"max_tokens_base" json:"max_tokens_base"`
	MaxTokensCap   int     `yaml:"max_tokens_cap" json:"max_tokens_cap"`
	TokensPerEvent int     `yaml:"tokens_per_event" json:"tokens_per_event"`

	Truncation TruncationLimits `yaml:"truncation" json:"truncation"`
	Prompts    PromptOverrides  `yaml:"prompts" json:"prompts"`

	// RequestsPerMinute limits calls per provider name; 0 or missing means unlimited.
	RequestsPerMinute map[string]int `yaml:"requests_per_minute" json:"requests_per_minute,omitempty"`
	TimeoutSeconds    int            `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		AnalystModel:  "claude-3-5-sonnet-20241022",
		CriticModel:   "gpt-4o",
		JudgeModel:    "gpt-4o",
		OllamaBaseURL: "http://localhost:11434",
		Fallback: FallbackConfig{
			AnalystModel:      "gpt-4o-mini",
			CriticModel:       "gpt-4o-mini",
			JudgeModel:        "gpt-4o-mini",
			RetryAfterMinutes: 5,
		},
		Strategy:       StrategyTruncate,
		WindowSize:     30,
		Temperature:    0.7,
		MaxTokensBase:  4096,
		MaxTokensCap:   16000,
		TokensPerEvent: 100,
		Truncation: TruncationLimits{
			ContentSmall:    200,
			ContentMedium:   150,
			ContentLarge:    100,
			ReasoningSmall:  300,
			ReasoningMedium: 200,
			ReasoningLarge:  150,
		},
		TimeoutSeconds: 60,
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.AnalystModel == "" {
		c.AnalystModel = d.AnalystModel
	}
	if c.CriticModel == "" {
		c.CriticModel = d.CriticModel
	}
	if c.JudgeModel == "" {
		c.JudgeModel = d.JudgeModel
	}
	if c.OllamaBaseURL == "" {
		c.OllamaBaseURL = d.OllamaBaseURL
	}
	if c.Fallback.AnalystModel == "" {
		c.Fallback.AnalystModel = d.Fallback.AnalystModel
	}
	if c.Fallback.CriticModel == "" {
		c.Fallback.CriticModel = d.Fallback.CriticModel
	}
	if c.Fallback.JudgeModel == "" {
		c.Fallback.JudgeModel = d.Fallback.JudgeModel
	}
	if c.Fallback.RetryAfterMinutes == 0 {
		c.Fallback.RetryAfterMinutes = d.Fallback.RetryAfterMinutes
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.WindowSize == 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MaxTokensBase == 0 {
		c.MaxTokensBase = d.MaxTokensBase
	}
	if c.MaxTokensCap == 0 {
		c.MaxTokensCap = d.MaxTokensCap
	}
	if c.TokensPerEvent == 0 {
		c.TokensPerEvent = d.TokensPerEvent
	}
	if c.Truncation == (TruncationLimits{}) {
		c.Truncation = d.Truncation
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = d.TimeoutSeconds
	}
}

// Validate reports configuration errors that must stop a job before it starts.
func (c Config) Validate() error {
	var errs []error
	switch c.Strategy {
	case StrategyTruncate, StrategySlidingWindow, StrategyFull:
	default:
		errs = append(errs, fmt.Errorf("unknown session strategy %q", c.Strategy))
	}
	if c.AnalystModel == "" || c.CriticModel == "" || c.JudgeModel == "" {
		errs = append(errs, errors.New("analyst, critic and judge models are required"))
	}
	if c.Strategy == StrategySlidingWindow && c.WindowSize <= 0 {
		errs = append(errs, errors.New("window_size must be positive for sliding_window"))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature %.2f out of range [0, 2]", c.Temperature))
	}
	if c.MaxTokensBase <= 0 || c.MaxTokensCap <= 0 || c.TokensPerEvent < 0 {
		errs = append(errs, errors.New("token budget parameters must be positive"))
	}
	if c.Fallback.RetryAfterMinutes < 0 {
		errs = append(errs, errors.New("fallback retry_after_minutes must not be negative"))
	}
	seen := make(map[string]string)
	for _, ep := range c.CustomEndpoints {
		if strings.TrimSpace(ep.BaseURL) == "" {
			errs = append(errs, fmt.Errorf("custom endpoint %q has no base_url", ep.Name))
		}
		for _, m := range ep.Models {
			if m.ID == "" {
				errs = append(errs, fmt.Errorf("custom endpoint %q has a model without id", ep.Name))
				continue
			}
			if prev, dup := seen[m.ID]; dup {
				errs = append(errs, fmt.Errorf("model %q registered by endpoints %q and %q", m.ID, prev, ep.Name))
			}
			seen[m.ID] = ep.Name
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid llm config: %w", errors.Join(errs...))
	}
	return nil
}

// ModelFor returns the configured primary model of a role.
func (c Config) ModelFor(role Role) string {
	switch role {
	case RoleCritic:
		return c.CriticModel
	case RoleJudge:
		return c.JudgeModel
	default:
		return c.AnalystModel
	}
}

// FallbackFor returns the substitute model of a role.
func (c Config) FallbackFor(role Role) string {
	switch role {
	case RoleCritic:
		return c.Fallback.CriticModel
	case RoleJudge:
		return c.Fallback.JudgeModel
	default:
		return c.Fallback.AnalystModel
	}
}

// PromptOverride returns the override template of a role, if any.
func (c Config) PromptOverride(role Role) string {
	switch role {
	case RoleCritic:
		return c.Prompts.Critic
	case RoleJudge:
		return c.Prompts.Judge
	default:
		return c.Prompts.Analyst
	}
}

// Redacted returns a copy without credentials, suitable for checkpoints.
func (c Config) Redacted() Config {
	r := c
	r.AnthropicAPIKey = ""
	r.OpenAIAPIKey = ""
	r.GoogleAPIKey = ""
	r.CustomEndpoints = make([]CustomEndpoint, len(c.CustomEndpoints))
	for i, ep := range c.CustomEndpoints {
		ep.APIKey = ""
		ep.Models = append([]CustomModel(nil), ep.Models...)
		r.CustomEndpoints[i] = ep
	}
	return r
}

// WithCredentials copies credentials from src into a redacted config. Custom
// endpoint keys are matched by endpoint name.
func (c Config) WithCredentials(src Config) Config {
	r := c.Redacted()
	r.AnthropicAPIKey = src.AnthropicAPIKey
	r.OpenAIAPIKey = src.OpenAIAPIKey
	r.GoogleAPIKey = src.GoogleAPIKey
	keys := make(map[string]string, len(src.CustomEndpoints))
	for _, ep := range src.CustomEndpoints {
		keys[ep.Name] = ep.APIKey
	}
	for i := range r.CustomEndpoints {
		r.CustomEndpoints[i].APIKey = keys[r.CustomEndpoints[i].Name]
	}
	return r
}
