// Package orchestrator drives the session pipeline over a job's sessions,
// checkpointing after every session so a stopped or crashed job resumes
// without repeating completed work.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cognitive-traces/internal/metrics"
	"cognitive-traces/internal/models"
	"cognitive-traces/internal/store"

	"go.uber.org/zap"
)

// SessionProcessor runs one session end to end. pipeline.Pipeline
// implements it.
type SessionProcessor interface {
	Process(ctx context.Context, jobID string, session *models.Session) (*models.SessionLog, error)
}

// Config identifies the job an orchestrator runs.
type Config struct {
	JobID       string
	DatasetName string
	// LLMConfig is stored in checkpoints so a resume can rebuild the same
	// routing. Credentials must already be redacted.
	LLMConfig json.RawMessage
}

// Orchestrator owns the progress record of one job.
type Orchestrator struct {
	cfg       Config
	processor SessionProcessor
	store     store.Store
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.RWMutex
	progress  *models.JobProgress
	completed map[string]struct{}
	order     []string
}

// New creates an orchestrator for one job.
func New(cfg Config, processor SessionProcessor, st store.Store, logger *zap.Logger) (*Orchestrator, error) {
	if err := store.ValidateJobID(cfg.JobID); err != nil {
		return nil, err
	}
	now := time.Now()
	return &Orchestrator{
		cfg:       cfg,
		processor: processor,
		store:     st,
		logger:    logger.With(zap.String("job_id", cfg.JobID)),
		now:       time.Now,
		progress: &models.JobProgress{
			JobID:       cfg.JobID,
			DatasetName: cfg.DatasetName,
			Status:      models.StatusIdle,
			Errors:      []string{},
			StartedAt:   now,
			UpdatedAt:   now,
		},
		completed: make(map[string]struct{}),
	}, nil
}

// JobID returns the id of the job.
func (o *Orchestrator) JobID() string {
	return o.cfg.JobID
}

// Status returns a snapshot of the job progress.
func (o *Orchestrator) Status() *models.JobProgress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.progress.Clone()
}

// RequestStop asks the job to halt before its next session. A session in
// flight always runs to completion.
func (o *Orchestrator) RequestStop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress.StopRequested = true
	o.progress.UpdatedAt = o.now()
	o.logger.Info("Stop requested")
}

func (o *Orchestrator) stopRequested() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.progress.StopRequested
}

// Run processes every session not yet completed for the job. Session
// failures are recorded and skipped; store failures abort the job.
func (o *Orchestrator) Run(ctx context.Context, sessions []*models.Session) (*models.JobSummary, error) {
	if err := models.ValidateSessions(sessions); err != nil {
		return nil, fmt.Errorf("invalid sessions: %w", err)
	}

	if err := o.restore(ctx, sessions); err != nil {
		return nil, err
	}

	metrics.JobStarted()
	defer metrics.JobFinished()

	o.logger.Info("Job started",
		zap.String("dataset", o.cfg.DatasetName),
		zap.Int("total_sessions", len(sessions)),
		zap.Int("already_completed", len(o.order)))

	stopped := false
	for _, session := range sessions {
		if _, done := o.completed[session.SessionID]; done {
			continue
		}
		if o.stopRequested() || ctx.Err() != nil {
			stopped = true
			break
		}

		if err := o.runSession(ctx, session); err != nil {
			return nil, o.abort(ctx, err)
		}
	}

	return o.finish(ctx, stopped)
}

// restore loads the checkpoint, if any, and drops output rows of sessions
// that never reached it.
func (o *Orchestrator) restore(ctx context.Context, sessions []*models.Session) error {
	cp, err := o.store.LoadCheckpoint(ctx, o.cfg.JobID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	known := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		known[s.SessionID] = struct{}{}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.progress.TotalSessions = len(sessions)
	o.progress.Status = models.StatusProcessing
	o.progress.CurrentSession = nil
	o.progress.SessionEventCounts = make(map[string]int)
	o.progress.StartedAt = o.now()
	o.progress.UpdatedAt = o.progress.StartedAt

	if cp == nil {
		// Rows written before the first checkpoint belong to no completed session.
		if err := o.store.PruneRows(ctx, o.cfg.JobID, o.cfg.DatasetName, o.completed); err != nil {
			return fmt.Errorf("failed to prune partial output: %w", err)
		}
		return nil
	}

	for _, id := range cp.CompletedSessionIDs {
		if _, ok := known[id]; !ok {
			o.logger.Warn("Dropping unknown session from checkpoint", zap.String("session_id", id))
			continue
		}
		if _, dup := o.completed[id]; dup {
			continue
		}
		o.completed[id] = struct{}{}
		o.order = append(o.order, id)
	}

	if prev := cp.Progress; prev != nil {
		o.progress.Errors = append([]string{}, prev.Errors...)
		for _, id := range prev.FlaggedSessions {
			if _, ok := o.completed[id]; ok {
				o.progress.FlaggedSessions = append(o.progress.FlaggedSessions, id)
			}
		}
		for id, n := range prev.SessionEventCounts {
			if _, ok := o.completed[id]; ok {
				o.progress.SessionEventCounts[id] = n
			}
		}
	}
	o.progress.CompletedSessions = len(o.order)

	if err := o.store.PruneRows(ctx, o.cfg.JobID, o.cfg.DatasetName, o.completed); err != nil {
		return fmt.Errorf("failed to prune partial output: %w", err)
	}

	o.logger.Info("Resuming from checkpoint",
		zap.Int("completed_sessions", len(o.order)),
		zap.Int("errors", len(o.progress.Errors)))
	return nil
}

// runSession processes one session. Only store errors are returned.
func (o *Orchestrator) runSession(ctx context.Context, session *models.Session) error {
	sid := session.SessionID

	o.mu.Lock()
	o.progress.CurrentSession = &sid
	o.progress.UpdatedAt = o.now()
	o.mu.Unlock()

	o.logger.Info("Processing session",
		zap.String("session_id", sid),
		zap.Int("events", len(session.Events)))

	log, err := o.processor.Process(ctx, o.cfg.JobID, session)
	if err != nil {
		o.logger.Error("Session failed", zap.String("session_id", sid), zap.Error(err))
		metrics.RecordSession("failed", false)

		o.mu.Lock()
		o.progress.Errors = append(o.progress.Errors, fmt.Sprintf("Error processing session %s: %v", sid, err))
		o.progress.UpdatedAt = o.now()
		o.mu.Unlock()

		return o.saveCheckpoint(ctx)
	}

	if err := o.store.SaveSessionLog(ctx, log); err != nil {
		return fmt.Errorf("failed to save log of session %s: %w", sid, err)
	}
	if err := o.store.AppendRows(ctx, o.cfg.JobID, o.cfg.DatasetName, log.Events); err != nil {
		return fmt.Errorf("failed to write output of session %s: %w", sid, err)
	}

	o.mu.Lock()
	o.completed[sid] = struct{}{}
	o.order = append(o.order, sid)
	o.progress.CompletedSessions = len(o.order)
	o.progress.SessionEventCounts[sid] = len(session.Events)
	if log.FlaggedForReview {
		o.progress.FlaggedSessions = append(o.progress.FlaggedSessions, sid)
	}
	o.progress.UpdatedAt = o.now()
	o.mu.Unlock()

	metrics.RecordSession("completed", log.FlaggedForReview)

	if err := o.saveCheckpoint(ctx); err != nil {
		return err
	}

	o.logger.Info("Session completed",
		zap.String("session_id", sid),
		zap.Bool("flagged", log.FlaggedForReview),
		zap.Float64("max_disagreement", log.MaxDisagreement))
	return nil
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context) error {
	o.mu.RLock()
	cp := &models.Checkpoint{
		JobID:               o.cfg.JobID,
		DatasetName:         o.cfg.DatasetName,
		CompletedSessionIDs: append([]string{}, o.order...),
		Progress:            o.progress.Clone(),
		LLMConfig:           o.cfg.LLMConfig,
		Timestamp:           o.now(),
	}
	o.mu.RUnlock()

	if err := o.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// abort stops the job after an infrastructure failure.
func (o *Orchestrator) abort(ctx context.Context, cause error) error {
	o.logger.Error("Job aborted", zap.Error(cause))

	o.mu.Lock()
	o.progress.Status = models.StatusStopped
	o.progress.CurrentSession = nil
	o.progress.Errors = append(o.progress.Errors, cause.Error())
	o.progress.UpdatedAt = o.now()
	o.mu.Unlock()

	if err := o.saveCheckpoint(ctx); err != nil {
		o.logger.Warn("Failed to checkpoint aborted job", zap.Error(err))
	}
	return cause
}

func (o *Orchestrator) finish(ctx context.Context, stopped bool) (*models.JobSummary, error) {
	o.mu.Lock()
	o.progress.CurrentSession = nil
	o.progress.Status = models.StatusCompleted
	if stopped {
		o.progress.Status = models.StatusStopped
	}
	o.progress.UpdatedAt = o.now()
	progress := o.progress.Clone()
	o.mu.Unlock()

	if err := o.saveCheckpoint(ctx); err != nil {
		return nil, o.abort(ctx, err)
	}

	loc := o.store.Locations(o.cfg.JobID, o.cfg.DatasetName)
	summary := &models.JobSummary{
		JobID:             o.cfg.JobID,
		DatasetName:       o.cfg.DatasetName,
		TotalSessions:     progress.TotalSessions,
		CompletedSessions: progress.CompletedSessions,
		RemainingSessions: progress.TotalSessions - progress.CompletedSessions,
		FlaggedSessions:   append([]string{}, progress.FlaggedSessions...),
		Errors:            append([]string{}, progress.Errors...),
		OutputFile:        loc.Output,
		CheckpointFile:    loc.Checkpoint,
		Status:            progress.Status,
		Stopped:           stopped,
		CompletedAt:       o.now(),
	}
	if err := o.store.SaveSummary(ctx, summary); err != nil {
		return nil, o.abort(ctx, fmt.Errorf("failed to save summary: %w", err))
	}

	o.logger.Info("Job finished",
		zap.String("status", string(summary.Status)),
		zap.Int("completed_sessions", summary.CompletedSessions),
		zap.Int("remaining_sessions", summary.RemainingSessions),
		zap.Int("flagged_sessions", len(summary.FlaggedSessions)),
		zap.Int("errors", len(summary.Errors)))

	return summary, nil
}
