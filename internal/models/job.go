package models

import (
	"encoding/json"
	"sort"
	"time"
)

// JobStatus is the lifecycle state of an annotation job.
type JobStatus string

const (
	StatusIdle       JobStatus = "idle"
	StatusProcessing JobStatus = "processing"
	StatusStopped    JobStatus = "stopped"
	StatusCompleted  JobStatus = "completed"
)

// Terminal reports whether the job can no longer make progress on its own.
func (s JobStatus) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

// JobProgress is the mutable progress record of one job.
type JobProgress struct {
	JobID              string         `json:"job_id"`
	DatasetName        string         `json:"dataset_name"`
	TotalSessions      int            `json:"total_sessions"`
	CompletedSessions  int            `json:"completed_sessions"`
	CurrentSession     *string        `json:"current_session"`
	Status             JobStatus      `json:"status"`
	Errors             []string       `json:"errors"`
	StopRequested      bool           `json:"stop_requested"`
	FlaggedSessions    []string       `json:"flagged_sessions"`
	SessionEventCounts map[string]int `json:"session_event_counts,omitempty"`
	StartedAt          time.Time      `json:"started_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (p *JobProgress) Clone() *JobProgress {
	if p == nil {
		return nil
	}
	c := *p
	if p.CurrentSession != nil {
		cur := *p.CurrentSession
		c.CurrentSession = &cur
	}
	c.Errors = append([]string(nil), p.Errors...)
	c.FlaggedSessions = append([]string(nil), p.FlaggedSessions...)
	if p.SessionEventCounts != nil {
		c.SessionEventCounts = make(map[string]int, len(p.SessionEventCounts))
		for k, v := range p.SessionEventCounts {
			c.SessionEventCounts[k] = v
		}
	}
	return &c
}

// Checkpoint is the durable resume record of a job.
type Checkpoint struct {
	JobID               string          `json:"job_id"`
	DatasetName         string          `json:"dataset_name"`
	CompletedSessionIDs []string        `json:"completed_session_ids"`
	Progress            *JobProgress    `json:"progress"`
	LLMConfig           json.RawMessage `json:"llm_config,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
}

// CompletedSet returns the completed ids as a set.
func (c *Checkpoint) CompletedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.CompletedSessionIDs))
	for _, id := range c.CompletedSessionIDs {
		set[id] = struct{}{}
	}
	return set
}

// SortedIDs returns the keys of set in ascending order.
func SortedIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// JobSummary is written once a job reaches a terminal state.
type JobSummary struct {
	JobID             string    `json:"job_id"`
	DatasetName       string    `json:"dataset_name"`
	TotalSessions     int       `json:"total_sessions"`
	CompletedSessions int       `json:"completed_sessions"`
	RemainingSessions int       `json:"remaining_sessions"`
	FlaggedSessions   []string  `json:"flagged_sessions"`
	Errors            []string  `json:"errors"`
	OutputFile        string    `json:"output_file"`
	CheckpointFile    string    `json:"checkpoint_file"`
	Status            JobStatus `json:"status"`
	Stopped           bool      `json:"stopped"`
	CompletedAt       time.Time `json:"completed_at"`
}
