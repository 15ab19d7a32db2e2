package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoSessions       = errors.New("no sessions provided")
	ErrEmptySessionID   = errors.New("session id is required")
	ErrEmptyEventID     = errors.New("event id is required")
	ErrDuplicateSession = errors.New("duplicate session id")
	ErrDuplicateEvent   = errors.New("duplicate event id")
)

// Event is one recorded user action inside a session.
type Event struct {
	EventID    string                 `json:"event_id"`
	Timestamp  string                 `json:"timestamp"`
	ActionType string                 `json:"action_type"`
	Content    string                 `json:"content"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Session is an ordered, id-unique list of events. Sessions built through
// NewSession are sorted and must not be mutated afterwards.
type Session struct {
	SessionID string  `json:"session_id"`
	Events    []Event `json:"events"`
}

// NewSession validates event ids and orders events by ascending timestamp,
// keeping input order for equal timestamps.
func NewSession(id string, events []Event) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrEmptySessionID
	}

	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if strings.TrimSpace(ev.EventID) == "" {
			return nil, fmt.Errorf("session %s: %w", id, ErrEmptyEventID)
		}
		if _, dup := seen[ev.EventID]; dup {
			return nil, fmt.Errorf("session %s, event %s: %w", id, ev.EventID, ErrDuplicateEvent)
		}
		seen[ev.EventID] = struct{}{}
	}

	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return compareTimestamps(sorted[i].Timestamp, sorted[j].Timestamp) < 0
	})

	return &Session{SessionID: id, Events: sorted}, nil
}

// ValidateSessions checks that a dataset is non-empty and session ids are
// unique. It is run before a job starts.
func ValidateSessions(sessions []*Session) error {
	if len(sessions) == 0 {
		return ErrNoSessions
	}
	seen := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		if s == nil || strings.TrimSpace(s.SessionID) == "" {
			return ErrEmptySessionID
		}
		if _, dup := seen[s.SessionID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateSession, s.SessionID)
		}
		seen[s.SessionID] = struct{}{}
	}
	return nil
}

// SessionIDs returns the ids of sessions in order.
func SessionIDs(sessions []*Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.SessionID)
	}
	return ids
}

// DecodeSessions reads a dataset document. Both {"sessions": [...]} and a
// bare array are accepted. Every session goes through NewSession.
func DecodeSessions(data []byte) ([]*Session, error) {
	var raw []Session
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode sessions: %w", err)
		}
	} else {
		var doc struct {
			Sessions []Session `json:"sessions"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode sessions: %w", err)
		}
		raw = doc.Sessions
	}

	sessions := make([]*Session, 0, len(raw))
	for _, r := range raw {
		s, err := NewSession(r.SessionID, r.Events)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := ValidateSessions(sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// compareTimestamps orders two timestamps. RFC3339 instants are compared as
// times, numeric values as epochs, anything else lexicographically.
func compareTimestamps(a, b string) int {
	if ta, errA := time.Parse(time.RFC3339Nano, a); errA == nil {
		if tb, errB := time.Parse(time.RFC3339Nano, b); errB == nil {
			return ta.Compare(tb)
		}
	}
	if fa, errA := strconv.ParseFloat(a, 64); errA == nil {
		if fb, errB := strconv.ParseFloat(b, 64); errB == nil {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(a, b)
}
