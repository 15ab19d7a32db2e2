// Package store defines the persistence boundary of annotation jobs:
// checkpoints, per-session logs, tabular output rows and summaries.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"cognitive-traces/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidJobID is returned for job ids unsafe to use as keys.
	ErrInvalidJobID = errors.New("invalid job ID")
)

// CheckpointStore persists job checkpoints.
type CheckpointStore interface {
	// LoadCheckpoint returns nil, nil when the job has no checkpoint.
	LoadCheckpoint(ctx context.Context, jobID string) (*models.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
}

// LogStore persists per-session logs.
type LogStore interface {
	SaveSessionLog(ctx context.Context, log *models.SessionLog) error
	// LoadSessionLog returns ErrNotFound when the log does not exist.
	LoadSessionLog(ctx context.Context, jobID, sessionID string) (*models.SessionLog, error)
}

// SummaryStore persists terminal job summaries.
type SummaryStore interface {
	SaveSummary(ctx context.Context, summary *models.JobSummary) error
	LoadSummary(ctx context.Context, jobID string) (*models.JobSummary, error)
}

// OutputSink holds one row per annotated event. Rows of a session are
// always written together.
type OutputSink interface {
	AppendRows(ctx context.Context, jobID, dataset string, events []models.AnnotatedEvent) error
	// ReplaceSessionRows rewrites the rows of one session in place.
	ReplaceSessionRows(ctx context.Context, jobID, dataset, sessionID string, events []models.AnnotatedEvent) error
	// PruneRows drops rows whose session is not in keep.
	PruneRows(ctx context.Context, jobID, dataset string, keep map[string]struct{}) error
	Rows(ctx context.Context, jobID, dataset string) ([]models.AnnotatedEvent, error)
}

// Locations names where a job's artifacts live, for summaries.
type Locations struct {
	Checkpoint string
	Output     string
}

// Store is the full persistence surface used by jobs.
type Store interface {
	CheckpointStore
	LogStore
	SummaryStore
	OutputSink
	Locations(jobID, dataset string) Locations
	Close() error
}

var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateJobID checks that a job id is safe to use in keys and paths.
func ValidateJobID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidJobID)
	}
	if len(id) > 256 {
		return fmt.Errorf("%w: too long (max 256 characters)", ErrInvalidJobID)
	}
	if !safeIDPattern.MatchString(id) {
		return fmt.Errorf("%w: only alphanumeric, hyphens, and underscores allowed", ErrInvalidJobID)
	}
	return nil
}

// KeyedMutex serialises work per key, e.g. output writes of one job.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock locks key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
