package config

import (
	"fmt"
	"os"
	"time"

	"cognitive-traces/internal/llm"

	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	StorageFile     = "file"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Embedding providers
const (
	EmbeddingHashing = "hashing"
	EmbeddingOpenAI  = "openai"
)

// Config holds application configuration
type Config struct {
	Server struct {
		Port        string `yaml:"port"`
		Development bool   `yaml:"development"`
	} `yaml:"server"`

	Storage struct {
		Type string `yaml:"type"` // "file", "sqlite", "postgres" or "redis"
		Path string `yaml:"path"` // output directory for "file"
		DSN  string `yaml:"dsn"`  // SQLite path or PostgreSQL URL

		Redis struct {
			Addr       string `yaml:"addr"`
			Password   string `yaml:"password"`
			DB         int    `yaml:"db"`
			Prefix     string `yaml:"prefix"`
			TTLMinutes int    `yaml:"ttl_minutes"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	LLM llm.Config `yaml:"llm"`

	Embedding struct {
		Provider string `yaml:"provider"` // "hashing" or "openai"
		Model    string `yaml:"model"`
		APIKey   string `yaml:"api_key"`
		BaseURL  string `yaml:"base_url"`
		Dims     int    `yaml:"dims"`
	} `yaml:"embedding"`

	Review struct {
		FlagThreshold float64 `yaml:"flag_threshold"`
	} `yaml:"review"`
}

// LoadConfig loads configuration from YAML file
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyDefaults()
	config.expandEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	config := &Config{}
	config.applyDefaults()
	config.expandEnv()
	return config
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8002"
	}

	if c.Storage.Type == "" {
		c.Storage.Type = StorageFile
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "./output"
	}

	if c.Storage.Type == StorageSQLite && c.Storage.DSN == "" {
		c.Storage.DSN = "./data/cognitive_traces.db"
	}

	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "localhost:6379"
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = EmbeddingHashing
	}

	c.LLM.ApplyDefaults()
}

// expandEnv resolves ${VAR} references in secrets and connection strings.
func (c *Config) expandEnv() {
	c.Storage.DSN = os.ExpandEnv(c.Storage.DSN)
	c.Storage.Redis.Password = os.ExpandEnv(c.Storage.Redis.Password)
	c.Embedding.APIKey = os.ExpandEnv(c.Embedding.APIKey)

	c.LLM.AnthropicAPIKey = os.ExpandEnv(c.LLM.AnthropicAPIKey)
	c.LLM.OpenAIAPIKey = os.ExpandEnv(c.LLM.OpenAIAPIKey)
	c.LLM.GoogleAPIKey = os.ExpandEnv(c.LLM.GoogleAPIKey)
	for i := range c.LLM.CustomEndpoints {
		c.LLM.CustomEndpoints[i].APIKey = os.ExpandEnv(c.LLM.CustomEndpoints[i].APIKey)
	}

	// Keys not set in the file come from the usual environment variables.
	if c.LLM.AnthropicAPIKey == "" {
		c.LLM.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.LLM.OpenAIAPIKey == "" {
		c.LLM.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.GoogleAPIKey == "" {
		c.LLM.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if c.Embedding.Provider == EmbeddingOpenAI && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = c.LLM.OpenAIAPIKey
	}
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageFile, StorageRedis:
	case StorageSQLite, StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for %s storage", c.Storage.Type)
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	switch c.Embedding.Provider {
	case EmbeddingHashing, EmbeddingOpenAI:
	default:
		return fmt.Errorf("unsupported embedding provider: %s", c.Embedding.Provider)
	}

	if c.Review.FlagThreshold < 0 || c.Review.FlagThreshold > 1 {
		return fmt.Errorf("review.flag_threshold must be within [0, 1], got %v", c.Review.FlagThreshold)
	}

	return c.LLM.Validate()
}

// RedisTTL returns the configured key expiry.
func (c *Config) RedisTTL() time.Duration {
	return time.Duration(c.Storage.Redis.TTLMinutes) * time.Minute
}
