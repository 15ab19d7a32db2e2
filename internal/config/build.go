package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cognitive-traces/internal/embedding"
	"cognitive-traces/internal/store"
	"cognitive-traces/internal/store/filestore"
	"cognitive-traces/internal/store/redisstore"
	"cognitive-traces/internal/store/sqlstore"

	"go.uber.org/zap"
)

// OpenStore opens the configured storage backend.
func (c *Config) OpenStore(logger *zap.Logger) (store.Store, error) {
	switch c.Storage.Type {
	case StorageFile:
		return filestore.New(c.Storage.Path, logger)
	case StorageSQLite:
		if dir := filepath.Dir(c.Storage.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return sqlstore.New(sqlstore.DriverSQLite, c.Storage.DSN, logger)
	case StoragePostgres:
		return sqlstore.New(sqlstore.DriverPostgres, c.Storage.DSN, logger)
	case StorageRedis:
		return redisstore.New(redisstore.Config{
			Addr:     c.Storage.Redis.Addr,
			Password: c.Storage.Redis.Password,
			DB:       c.Storage.Redis.DB,
			Prefix:   c.Storage.Redis.Prefix,
			TTL:      c.RedisTTL(),
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
}

// NewEmbedder builds the embedder used for disagreement scoring.
func (c *Config) NewEmbedder(logger *zap.Logger) (embedding.Embedder, error) {
	switch c.Embedding.Provider {
	case EmbeddingHashing:
		return embedding.NewHashingEmbedder(c.Embedding.Dims), nil
	case EmbeddingOpenAI:
		return embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:  c.Embedding.APIKey,
			BaseURL: c.Embedding.BaseURL,
			Model:   c.Embedding.Model,
			Timeout: time.Duration(c.LLM.TimeoutSeconds) * time.Second,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", c.Embedding.Provider)
	}
}
