// Package redisstore keeps job artifacts in Redis so several annotator
// instances can share checkpoints and output.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cognitive-traces/internal/models"
	"cognitive-traces/internal/store"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "cognitive-traces:"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("redis store closed")

// Config holds Redis connection settings.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key (default: "cognitive-traces:").
	Prefix string
	// TTL expires job keys after the last write (0 = never expire).
	TTL time.Duration
}

// RedisStore implements store.Store on Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	locks  store.KeyedMutex
	mu     sync.RWMutex
	closed bool
}

var _ store.Store = (*RedisStore)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) checkpointKey(jobID string) string {
	return s.prefix + "checkpoint:" + jobID
}

func (s *RedisStore) logKey(jobID, sessionID string) string {
	return s.prefix + "log:" + jobID + ":" + sessionID
}

func (s *RedisStore) summaryKey(jobID string) string {
	return s.prefix + "summary:" + jobID
}

// rowsKey is a hash of session id to the JSON rows of that session.
func (s *RedisStore) rowsKey(jobID, dataset string) string {
	return s.prefix + "rows:" + jobID + ":" + dataset
}

// orderKey lists session ids in append order.
func (s *RedisStore) orderKey(jobID, dataset string) string {
	return s.prefix + "order:" + jobID + ":" + dataset
}

// Locations returns the Redis keys of a job.
func (s *RedisStore) Locations(jobID, dataset string) store.Locations {
	return store.Locations{
		Checkpoint: "redis://" + s.checkpointKey(jobID),
		Output:     "redis://" + s.rowsKey(jobID, dataset),
	}
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// LoadCheckpoint returns nil, nil when the job has no checkpoint.
func (s *RedisStore) LoadCheckpoint(ctx context.Context, jobID string) (*models.Checkpoint, error) {
	if err := store.ValidateJobID(jobID); err != nil {
		return nil, err
	}
	var cp models.Checkpoint
	if err := s.getJSON(ctx, s.checkpointKey(jobID), &cp); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &cp, nil
}

// SaveCheckpoint replaces the job checkpoint.
func (s *RedisStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if err := store.ValidateJobID(cp.JobID); err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.checkpointKey(cp.JobID), cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// SaveSessionLog stores the log of one session.
func (s *RedisStore) SaveSessionLog(ctx context.Context, log *models.SessionLog) error {
	if err := store.ValidateJobID(log.JobID); err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.logKey(log.JobID, log.SessionID), log); err != nil {
		return fmt.Errorf("save session log: %w", err)
	}
	return nil
}

// LoadSessionLog returns store.ErrNotFound when the log does not exist.
func (s *RedisStore) LoadSessionLog(ctx context.Context, jobID, sessionID string) (*models.SessionLog, error) {
	var log models.SessionLog
	if err := s.getJSON(ctx, s.logKey(jobID, sessionID), &log); err != nil {
		return nil, err
	}
	return &log, nil
}

// SaveSummary stores the job summary.
func (s *RedisStore) SaveSummary(ctx context.Context, summary *models.JobSummary) error {
	if err := store.ValidateJobID(summary.JobID); err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.summaryKey(summary.JobID), summary); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// LoadSummary returns store.ErrNotFound when no summary exists.
func (s *RedisStore) LoadSummary(ctx context.Context, jobID string) (*models.JobSummary, error) {
	var summary models.JobSummary
	if err := s.getJSON(ctx, s.summaryKey(jobID), &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// AppendRows stores a session's rows after every existing session. Appending
// a session that already has rows replaces them in place.
func (s *RedisStore) AppendRows(ctx context.Context, jobID, dataset string, events []models.AnnotatedEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.ReplaceSessionRows(ctx, jobID, dataset, events[0].SessionID, events)
}

// ReplaceSessionRows writes a session's rows, keeping its position.
func (s *RedisStore) ReplaceSessionRows(ctx context.Context, jobID, dataset, sessionID string, events []models.AnnotatedEvent) error {
	if err := store.ValidateJobID(jobID); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	unlock := s.locks.Lock(jobID)
	defer unlock()

	rows := make([]models.AnnotatedEvent, len(events))
	for i, ev := range events {
		rows[i] = store.TruncateForOutput(ev)
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal rows: %w", err)
	}

	rowsKey, orderKey := s.rowsKey(jobID, dataset), s.orderKey(jobID, dataset)
	exists, err := s.client.HExists(ctx, rowsKey, sessionID).Result()
	if err != nil {
		return fmt.Errorf("check session rows: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rowsKey, sessionID, data)
		if !exists {
			pipe.RPush(ctx, orderKey, sessionID)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, rowsKey, s.ttl)
			pipe.Expire(ctx, orderKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write session rows: %w", err)
	}
	return nil
}

// PruneRows removes rows of sessions outside keep.
func (s *RedisStore) PruneRows(ctx context.Context, jobID, dataset string, keep map[string]struct{}) error {
	if err := store.ValidateJobID(jobID); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	unlock := s.locks.Lock(jobID)
	defer unlock()

	rowsKey, orderKey := s.rowsKey(jobID, dataset), s.orderKey(jobID, dataset)
	present, err := s.client.HKeys(ctx, rowsKey).Result()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	var drop []string
	for _, sid := range present {
		if _, ok := keep[sid]; !ok {
			drop = append(drop, sid)
		}
	}
	if len(drop) == 0 {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, rowsKey, drop...)
		for _, sid := range drop {
			pipe.LRem(ctx, orderKey, 0, sid)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("prune rows: %w", err)
	}
	return nil
}

// Rows returns a job's rows in append order.
func (s *RedisStore) Rows(ctx context.Context, jobID, dataset string) ([]models.AnnotatedEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(jobID)
	defer unlock()

	order, err := s.client.LRange(ctx, s.orderKey(jobID, dataset), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list session order: %w", err)
	}
	out := []models.AnnotatedEvent{}
	if len(order) == 0 {
		return out, nil
	}

	values, err := s.client.HMGet(ctx, s.rowsKey(jobID, dataset), order...).Result()
	if err != nil {
		return nil, fmt.Errorf("get session rows: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rows []models.AnnotatedEvent
		if err := json.Unmarshal([]byte(raw), &rows); err != nil {
			return nil, fmt.Errorf("unmarshal rows of session %s: %w", order[i], err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.client.Set(ctx, key, data, s.ttl).Err()
}
