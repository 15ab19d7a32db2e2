// Package review applies user corrections to flagged events.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cognitive-traces/internal/models"
	"cognitive-traces/internal/store"

	"go.uber.org/zap"
)

// ErrInvalidLabel is returned for labels outside the label schema.
var ErrInvalidLabel = errors.New("invalid cognitive label")

// Result describes one applied correction.
type Result struct {
	JobID           string                `json:"job_id"`
	SessionID       string                `json:"session_id"`
	Label           models.CognitiveLabel `json:"label"`
	UpdatedEvents   int                   `json:"updated_events"`
	FlaggedEvents   []string              `json:"flagged_events"`
	OverrideVersion int                   `json:"override_version"`
}

// Corrector rewrites the log and output rows of a session after review.
type Corrector struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewCorrector creates a corrector over st.
func NewCorrector(st store.Store, logger *zap.Logger) *Corrector {
	return &Corrector{store: st, logger: logger, now: time.Now}
}

// ApplyOverride sets label on every flagged event of a session. Each call
// bumps override_version of those events; output rows are replaced, never
// duplicated.
func (c *Corrector) ApplyOverride(ctx context.Context, jobID, sessionID, label string) (*Result, error) {
	parsed, ok := models.ParseLabel(label)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}

	cp, err := c.store.LoadCheckpoint(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}

	log, err := c.store.LoadSessionLog(ctx, jobID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session log: %w", err)
	}

	res := &Result{JobID: jobID, SessionID: sessionID, Label: parsed, FlaggedEvents: []string{}}
	now := c.now()
	for i := range log.Events {
		ev := &log.Events[i]
		if !ev.FlaggedForReview {
			continue
		}
		ev.CognitiveLabel = parsed
		ev.UserOverride = true
		ev.OverrideVersion++
		ev.OverrideTimestamp = now
		res.UpdatedEvents++
		res.FlaggedEvents = append(res.FlaggedEvents, ev.EventID)
		if ev.OverrideVersion > res.OverrideVersion {
			res.OverrideVersion = ev.OverrideVersion
		}
	}

	if res.UpdatedEvents == 0 {
		c.logger.Info("No flagged events to correct",
			zap.String("job_id", jobID),
			zap.String("session_id", sessionID))
		return res, nil
	}

	if err := c.store.SaveSessionLog(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to save session log: %w", err)
	}
	if err := c.store.ReplaceSessionRows(ctx, jobID, cp.DatasetName, sessionID, log.Events); err != nil {
		return nil, fmt.Errorf("failed to update output rows: %w", err)
	}

	c.logger.Info("Override applied",
		zap.String("job_id", jobID),
		zap.String("session_id", sessionID),
		zap.String("label", string(parsed)),
		zap.Int("updated_events", res.UpdatedEvents),
		zap.Int("override_version", res.OverrideVersion))

	return res, nil
}
