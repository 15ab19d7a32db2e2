// Package filestore keeps job artifacts on the local filesystem: JSON
// checkpoints, per-session JSON logs, a CSV output file per job and a JSON
// summary.
package filestore

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"cognitive-traces/internal/models"
	"cognitive-traces/internal/store"

	"go.uber.org/zap"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// FileStore implements store.Store under a base directory:
//
//	checkpoints/{job}_checkpoint.json
//	{job}/{dataset}_cognitive_traces.csv
//	{job}/{dataset}_summary.json
//	{job}/logs/{session}_log.json
type FileStore struct {
	baseDir string
	locks   store.KeyedMutex
	mu      sync.RWMutex
	logger  *zap.Logger
}

var _ store.Store = (*FileStore)(nil)

// New creates a file store rooted at baseDir.
func New(baseDir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "checkpoints"), 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	logger.Info("File store initialized", zap.String("base_dir", baseDir))
	return &FileStore{baseDir: baseDir, logger: logger}, nil
}

func datasetFileName(dataset string) string {
	name := unsafeNameChars.ReplaceAllString(dataset, "_")
	if name == "" || name == "." || name == ".." {
		name = "dataset"
	}
	return name
}

func (s *FileStore) checkpointPath(jobID string) string {
	return filepath.Join(s.baseDir, "checkpoints", jobID+"_checkpoint.json")
}

func (s *FileStore) outputPath(jobID, dataset string) string {
	return filepath.Join(s.baseDir, jobID, datasetFileName(dataset)+"_cognitive_traces.csv")
}

func (s *FileStore) logPath(jobID, sessionID string) string {
	return filepath.Join(s.baseDir, jobID, "logs", url.PathEscape(sessionID)+"_log.json")
}

// Locations returns the checkpoint and output paths of a job.
func (s *FileStore) Locations(jobID, dataset string) store.Locations {
	return store.Locations{
		Checkpoint: s.checkpointPath(jobID),
		Output:     s.outputPath(jobID, dataset),
	}
}

// LoadCheckpoint reads a job checkpoint. A missing file is not an error.
func (s *FileStore) LoadCheckpoint(_ context.Context, jobID string) (*models.Checkpoint, error) {
	if err := store.ValidateJobID(jobID); err != nil {
		return nil, err
	}

	var cp models.Checkpoint
	if err := s.readJSON(s.checkpointPath(jobID), &cp); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &cp, nil
}

// SaveCheckpoint atomically replaces the job checkpoint.
func (s *FileStore) SaveCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	if err := store.ValidateJobID(cp.JobID); err != nil {
		return err
	}
	if err := s.writeJSON(s.checkpointPath(cp.JobID), cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// SaveSessionLog writes the log of one session.
func (s *FileStore) SaveSessionLog(_ context.Context, log *models.SessionLog) error {
	if err := store.ValidateJobID(log.JobID); err != nil {
		return err
	}
	if err := s.writeJSON(s.logPath(log.JobID, log.SessionID), log); err != nil {
		return fmt.Errorf("failed to save session log: %w", err)
	}
	return nil
}

// LoadSessionLog reads the log of one session.
func (s *FileStore) LoadSessionLog(_ context.Context, jobID, sessionID string) (*models.SessionLog, error) {
	if err := store.ValidateJobID(jobID); err != nil {
		return nil, err
	}
	var log models.SessionLog
	if err := s.readJSON(s.logPath(jobID, sessionID), &log); err != nil {
		return nil, err
	}
	return &log, nil
}

// SaveSummary writes the job summary next to its output file.
func (s *FileStore) SaveSummary(_ context.Context, summary *models.JobSummary) error {
	if err := store.ValidateJobID(summary.JobID); err != nil {
		return err
	}
	path := filepath.Join(s.baseDir, summary.JobID, datasetFileName(summary.DatasetName)+"_summary.json")
	if err := s.writeJSON(path, summary); err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

// LoadSummary finds the summary of a job.
func (s *FileStore) LoadSummary(_ context.Context, jobID string) (*models.JobSummary, error) {
	if err := store.ValidateJobID(jobID); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(s.baseDir, jobID, "*_summary.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	if len(matches) == 0 {
		return nil, store.ErrNotFound
	}
	var summary models.JobSummary
	if err := s.readJSON(matches[0], &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// AppendRows appends one session's rows, writing the header on first use.
func (s *FileStore) AppendRows(_ context.Context, jobID, dataset string, events []models.AnnotatedEvent) error {
	if err := store.ValidateJobID(jobID); err != nil {
		return err
	}
	unlock := s.locks.Lock(jobID)
	defer unlock()

	path := s.outputPath(jobID, dataset)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	_, statErr := os.Stat(path)
	writeHeader := errors.Is(statErr, fs.ErrNotExist)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if writeHeader {
		_ = w.Write(store.Header)
	}
	for _, ev := range events {
		_ = w.Write(store.EncodeRow(ev))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to encode rows: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat output file: %w", err)
	}

	// One write per session keeps a session's rows contiguous. A failed write
	// is rolled back so the file never ends in a partial record.
	if _, err := f.Write(buf.Bytes()); err != nil {
		if terr := f.Truncate(info.Size()); terr != nil {
			s.logger.Error("Failed to roll back partial append",
				zap.String("job_id", jobID),
				zap.Error(terr))
		}
		return fmt.Errorf("failed to append rows: %w", err)
	}
	return nil
}

// ReplaceSessionRows swaps a session's rows in place, or appends them when
// the session has no rows yet.
func (s *FileStore) ReplaceSessionRows(_ context.Context, jobID, dataset, sessionID string, events []models.AnnotatedEvent) error {
	if err := store.ValidateJobID(jobID); err != nil {
		return err
	}
	unlock := s.locks.Lock(jobID)
	defer unlock()

	path := s.outputPath(jobID, dataset)
	rows, err := readRows(path)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	out := make([]models.AnnotatedEvent, 0, len(rows)+len(events))
	inserted := false
	for _, row := range rows {
		if row.SessionID != sessionID {
			out = append(out, row)
			continue
		}
		if !inserted {
			out = append(out, events...)
			inserted = true
		}
	}
	if !inserted {
		out = append(out, events...)
	}
	return s.writeRows(path, out)
}

// PruneRows drops rows of sessions outside keep.
func (s *FileStore) PruneRows(_ context.Context, jobID, dataset string, keep map[string]struct{}) error {
	if err := store.ValidateJobID(jobID); err != nil {
		return err
	}
	unlock := s.locks.Lock(jobID)
	defer unlock()

	path := s.outputPath(jobID, dataset)
	rows, torn, err := readRowsTolerant(path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if torn {
		s.logger.Warn("Dropping torn record at the end of the output file",
			zap.String("job_id", jobID),
			zap.String("path", path))
	}

	kept := rows[:0]
	for _, row := range rows {
		if _, ok := keep[row.SessionID]; ok {
			kept = append(kept, row)
		}
	}
	dropped := len(rows) - len(kept)
	if dropped == 0 && !torn {
		return nil
	}
	s.logger.Info("Pruned partial output rows",
		zap.String("job_id", jobID),
		zap.Int("dropped_rows", dropped))
	return s.writeRows(path, kept)
}

// Rows returns every output row of a job in file order.
func (s *FileStore) Rows(_ context.Context, jobID, dataset string) ([]models.AnnotatedEvent, error) {
	if err := store.ValidateJobID(jobID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(jobID)
	defer unlock()

	rows, err := readRows(s.outputPath(jobID, dataset))
	if errors.Is(err, store.ErrNotFound) {
		return []models.AnnotatedEvent{}, nil
	}
	return rows, err
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

func readRows(path string) ([]models.AnnotatedEvent, error) {
	rows, _, err := readOutput(path, false)
	return rows, err
}

// readRowsTolerant reads like readRows but drops an unreadable final record,
// which is what an interrupted append leaves behind. An unreadable record
// followed by valid ones is still an error.
func readRowsTolerant(path string) ([]models.AnnotatedEvent, bool, error) {
	return readOutput(path, true)
}

func readOutput(path string, tolerateTail bool) ([]models.AnnotatedEvent, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, store.ErrNotFound
		}
		return nil, false, fmt.Errorf("failed to open output file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(store.Header)

	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return []models.AnnotatedEvent{}, false, nil
		}
		if tolerateTail && atEOF(r) {
			return []models.AnnotatedEvent{}, true, nil
		}
		return nil, false, fmt.Errorf("failed to read output header: %w", err)
	}

	var rows []models.AnnotatedEvent
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil {
			var ev models.AnnotatedEvent
			if ev, err = store.DecodeRow(rec); err == nil {
				rows = append(rows, ev)
				continue
			}
		}
		if tolerateTail && atEOF(r) {
			return rows, true, nil
		}
		return nil, false, fmt.Errorf("failed to read output row: %w", err)
	}
	return rows, false, nil
}

// atEOF reports whether r has no readable record left.
func atEOF(r *csv.Reader) bool {
	for {
		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			return true
		}
		if err == nil {
			return false
		}
		var perr *csv.ParseError
		if !errors.As(err, &perr) {
			return false
		}
	}
}

func (s *FileStore) writeRows(path string, rows []models.AnnotatedEvent) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(store.Header)
	for _, ev := range rows {
		_ = w.Write(store.EncodeRow(ev))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to encode rows: %w", err)
	}
	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to rewrite output file: %w", err)
	}
	return nil
}

func (s *FileStore) readJSON(path string, v any) error {
	s.mu.RLock()
	data, err := os.ReadFile(path)
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store.ErrNotFound
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(path, data)
}

// writeAtomic writes to a temp file in the target directory and renames it
// over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
