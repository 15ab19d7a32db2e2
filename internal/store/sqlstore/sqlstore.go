// Package sqlstore keeps job artifacts in SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cognitive-traces/internal/models"
	"cognitive-traces/internal/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore implements store.Store on a SQL database.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	locks  store.KeyedMutex
	logger *zap.Logger
}

var _ store.Store = (*SQLStore)(nil)

// eventRow is the annotated_events row of one event.
type eventRow struct {
	JobID                string  `db:"job_id"`
	DatasetName          string  `db:"dataset_name"`
	SessionSeq           int64   `db:"session_seq"`
	EventIndex           int     `db:"event_index"`
	SessionID            string  `db:"session_id"`
	EventID              string  `db:"event_id"`
	EventTimestamp       string  `db:"event_timestamp"`
	ActionType           string  `db:"action_type"`
	Content              string  `db:"content"`
	CognitiveLabel       string  `db:"cognitive_label"`
	AnalystLabel         string  `db:"analyst_label"`
	AnalystJustification string  `db:"analyst_justification"`
	CriticLabel          string  `db:"critic_label"`
	CriticAgreement      string  `db:"critic_agreement"`
	CriticJustification  string  `db:"critic_justification"`
	JudgeJustification   string  `db:"judge_justification"`
	ConfidenceScore      float64 `db:"confidence_score"`
	DisagreementScore    float64 `db:"disagreement_score"`
	FlaggedForReview     bool    `db:"flagged_for_review"`
	UserOverride         bool    `db:"user_override"`
	OverrideVersion      int     `db:"override_version"`
	OverrideTimestamp    string  `db:"override_timestamp"`
}

const insertEvent = `
	INSERT INTO annotated_events (
		job_id, dataset_name, session_seq, event_index, session_id, event_id,
		event_timestamp, action_type, content, cognitive_label, analyst_label,
		analyst_justification, critic_label, critic_agreement, critic_justification,
		judge_justification, confidence_score, disagreement_score, flagged_for_review,
		user_override, override_version, override_timestamp
	) VALUES (
		:job_id, :dataset_name, :session_seq, :event_index, :session_id, :event_id,
		:event_timestamp, :action_type, :content, :cognitive_label, :analyst_label,
		:analyst_justification, :critic_label, :critic_agreement, :critic_justification,
		:judge_justification, :confidence_score, :disagreement_score, :flagged_for_review,
		:user_override, :override_version, :override_timestamp
	)`

// New opens the database, runs migrations and returns the store.
func New(driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := migrateDB(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("SQL store initialized", zap.String("driver", driver))

	return &SQLStore{db: db, driver: driver, logger: logger}, nil
}

func migrateDB(db *sqlx.DB, driver string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	var instance database.Driver
	switch driver {
	case DriverPostgres:
		instance, err = postgres.WithInstance(db.DB, &postgres.Config{})
	default:
		instance, err = sqlite.WithInstance(db.DB, &sqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	// m is not closed: closing it would close db.
	m, err := migrate.NewWithInstance("iofs", src, driver, instance)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Locations describes where a job's artifacts live in the database.
func (s *SQLStore) Locations(jobID, dataset string) store.Locations {
	return store.Locations{
		Checkpoint: fmt.Sprintf("%s://checkpoints/%s", s.driver, jobID),
		Output:     fmt.Sprintf("%s://annotated_events/%s/%s", s.driver, jobID, dataset),
	}
}

// LoadCheckpoint returns nil, nil when the job has no checkpoint.
func (s *SQLStore) LoadCheckpoint(ctx context.Context, jobID string) (*models.Checkpoint, error) {
	if err := store.ValidateJobID(jobID); err != nil {
		return nil, err
	}

	var data string
	err := s.db.GetContext(ctx, &data, s.db.Rebind(`SELECT data FROM checkpoints WHERE job_id = ?`), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}

// SaveCheckpoint upserts the job checkpoint.
func (s *SQLStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if err := store.ValidateJobID(cp.JobID); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO checkpoints (job_id, dataset_name, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			dataset_name = excluded.dataset_name,
			data = excluded.data,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, cp.JobID, cp.DatasetName, string(data), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// SaveSessionLog upserts the log of one session.
func (s *SQLStore) SaveSessionLog(ctx context.Context, log *models.SessionLog) error {
	if err := store.ValidateJobID(log.JobID); err != nil {
		return err
	}
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to encode session log: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO session_logs (job_id, session_id, data)
		VALUES (?, ?, ?)
		ON CONFLICT (job_id, session_id) DO UPDATE SET data = excluded.data`)
	if _, err := s.db.ExecContext(ctx, query, log.JobID, log.SessionID, string(data)); err != nil {
		return fmt.Errorf("failed to save session log: %w", err)
	}
	return nil
}

// LoadSessionLog returns store.ErrNotFound when the log does not exist.
func (s *SQLStore) LoadSessionLog(ctx context.Context, jobID, sessionID string) (*models.SessionLog, error) {
	var data string
	err := s.db.GetContext(ctx, &data,
		s.db.Rebind(`SELECT data FROM session_logs WHERE job_id = ? AND session_id = ?`), jobID, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session log: %w", err)
	}

	var log models.SessionLog
	if err := json.Unmarshal([]byte(data), &log); err != nil {
		return nil, fmt.Errorf("failed to decode session log: %w", err)
	}
	return &log, nil
}

// SaveSummary upserts the job summary.
func (s *SQLStore) SaveSummary(ctx context.Context, summary *models.JobSummary) error {
	if err := store.ValidateJobID(summary.JobID); err != nil {
		return err
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO job_summaries (job_id, data) VALUES (?, ?)
		ON CONFLICT (job_id) DO UPDATE SET data = excluded.data`)
	if _, err := s.db.ExecContext(ctx, query, summary.JobID, string(data)); err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

// LoadSummary returns store.ErrNotFound when no summary exists.
func (s *SQLStore) LoadSummary(ctx context.Context, jobID string) (*models.JobSummary, error) {
	var data string
	err := s.db.GetContext(ctx, &data, s.db.Rebind(`SELECT data FROM job_summaries WHERE job_id = ?`), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load summary: %w", err)
	}

	var summary models.JobSummary
	if err := json.Unmarshal([]byte(data), &summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	return &summary, nil
}

// AppendRows inserts one session's rows after every existing session.
func (s *SQLStore) AppendRows(ctx context.Context, jobID, dataset string, events []models.AnnotatedEvent) error {
	if err := store.ValidateJobID(jobID); err != nil {
		return err
	}
	unlock := s.locks.Lock(jobID)
	defer unlock()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		seq, err := nextSeq(ctx, tx, jobID, dataset)
		if err != nil {
			return err
		}
		return insertRows(ctx, tx, jobID, dataset, seq, events)
	})
}

// ReplaceSessionRows rewrites one session's rows, keeping its position.
func (s *SQLStore) ReplaceSessionRows(ctx context.Context, jobID, dataset, sessionID string, events []models.AnnotatedEvent) error {
	if err := store.ValidateJobID(jobID); err != nil {
		return err
	}
	unlock := s.locks.Lock(jobID)
	defer unlock()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var seq int64
		err := tx.GetContext(ctx, &seq, tx.Rebind(`
			SELECT session_seq FROM annotated_events
			WHERE job_id = ? AND dataset_name = ? AND session_id = ?
			ORDER BY session_seq LIMIT 1`), jobID, dataset, sessionID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if seq, err = nextSeq(ctx, tx, jobID, dataset); err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("failed to find session rows: %w", err)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM annotated_events
			WHERE job_id = ? AND dataset_name = ? AND session_id = ?`), jobID, dataset, sessionID); err != nil {
			return fmt.Errorf("failed to delete session rows: %w", err)
		}
		return insertRows(ctx, tx, jobID, dataset, seq, events)
	})
}

// PruneRows deletes rows of sessions outside keep.
func (s *SQLStore) PruneRows(ctx context.Context, jobID, dataset string, keep map[string]struct{}) error {
	if err := store.ValidateJobID(jobID); err != nil {
		return err
	}
	unlock := s.locks.Lock(jobID)
	defer unlock()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var present []string
		if err := tx.SelectContext(ctx, &present, tx.Rebind(`
			SELECT DISTINCT session_id FROM annotated_events
			WHERE job_id = ? AND dataset_name = ?`), jobID, dataset); err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
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

		query, args, err := sqlx.In(`
			DELETE FROM annotated_events
			WHERE job_id = ? AND dataset_name = ? AND session_id IN (?)`, jobID, dataset, drop)
		if err != nil {
			return fmt.Errorf("failed to build prune query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to prune rows: %w", err)
		}

		s.logger.Info("Pruned partial output rows",
			zap.String("job_id", jobID),
			zap.Strings("sessions", drop))
		return nil
	})
}

// Rows returns a job's rows in append order.
func (s *SQLStore) Rows(ctx context.Context, jobID, dataset string) ([]models.AnnotatedEvent, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT * FROM annotated_events
		WHERE job_id = ? AND dataset_name = ?
		ORDER BY session_seq, event_index`), jobID, dataset)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}

	out := make([]models.AnnotatedEvent, 0, len(rows))
	for _, r := range rows {
		ev, err := r.event()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sqlx.Tx, jobID, dataset string) (int64, error) {
	var seq int64
	err := tx.GetContext(ctx, &seq, tx.Rebind(`
		SELECT COALESCE(MAX(session_seq), 0) FROM annotated_events
		WHERE job_id = ? AND dataset_name = ?`), jobID, dataset)
	if err != nil {
		return 0, fmt.Errorf("failed to read row sequence: %w", err)
	}
	return seq + 1, nil
}

func insertRows(ctx context.Context, tx *sqlx.Tx, jobID, dataset string, seq int64, events []models.AnnotatedEvent) error {
	for i, ev := range events {
		row := newEventRow(jobID, dataset, seq, i, ev)
		if _, err := tx.NamedExecContext(ctx, insertEvent, row); err != nil {
			return fmt.Errorf("failed to insert row: %w", err)
		}
	}
	return nil
}

func newEventRow(jobID, dataset string, seq int64, index int, ev models.AnnotatedEvent) eventRow {
	ev = store.TruncateForOutput(ev)
	ts := ""
	if !ev.OverrideTimestamp.IsZero() {
		ts = ev.OverrideTimestamp.UTC().Format(time.RFC3339Nano)
	}
	return eventRow{
		JobID:                jobID,
		DatasetName:          dataset,
		SessionSeq:           seq,
		EventIndex:           index,
		SessionID:            ev.SessionID,
		EventID:              ev.EventID,
		EventTimestamp:       ev.Timestamp,
		ActionType:           ev.ActionType,
		Content:              ev.Content,
		CognitiveLabel:       string(ev.CognitiveLabel),
		AnalystLabel:         string(ev.AnalystLabel),
		AnalystJustification: ev.AnalystJustification,
		CriticLabel:          string(ev.CriticLabel),
		CriticAgreement:      ev.CriticAgreement,
		CriticJustification:  ev.CriticJustification,
		JudgeJustification:   ev.JudgeJustification,
		ConfidenceScore:      ev.ConfidenceScore,
		DisagreementScore:    ev.DisagreementScore,
		FlaggedForReview:     ev.FlaggedForReview,
		UserOverride:         ev.UserOverride,
		OverrideVersion:      ev.OverrideVersion,
		OverrideTimestamp:    ts,
	}
}

func (r eventRow) event() (models.AnnotatedEvent, error) {
	ev := models.AnnotatedEvent{
		SessionID:            r.SessionID,
		EventID:              r.EventID,
		Timestamp:            r.EventTimestamp,
		ActionType:           r.ActionType,
		Content:              r.Content,
		CognitiveLabel:       models.CognitiveLabel(r.CognitiveLabel),
		AnalystLabel:         models.CognitiveLabel(r.AnalystLabel),
		AnalystJustification: r.AnalystJustification,
		CriticLabel:          models.CognitiveLabel(r.CriticLabel),
		CriticAgreement:      r.CriticAgreement,
		CriticJustification:  r.CriticJustification,
		JudgeJustification:   r.JudgeJustification,
		ConfidenceScore:      r.ConfidenceScore,
		DisagreementScore:    r.DisagreementScore,
		FlaggedForReview:     r.FlaggedForReview,
		UserOverride:         r.UserOverride,
		OverrideVersion:      r.OverrideVersion,
	}
	if r.OverrideTimestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, r.OverrideTimestamp)
		if err != nil {
			return ev, fmt.Errorf("invalid override_timestamp %q: %w", r.OverrideTimestamp, err)
		}
		ev.OverrideTimestamp = ts
	}
	return ev, nil
}
