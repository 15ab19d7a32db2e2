package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLabel(t *testing.T) {
	tests := []struct {
		in   string
		want CognitiveLabel
		ok   bool
	}{
		{"FollowingScent", FollowingScent, true},
		{"following scent", FollowingScent, true},
		{"  leaving_patch ", LeavingPatch, true},
		{"FORAGING-SUCCESS", ForagingSuccess, true},
		{"Unknown", Unknown, false},
		{"", Unknown, false},
		{"Browsing", Unknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLabel(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestNewSession_SortsStably(t *testing.T) {
	s, err := NewSession("s1", []Event{
		{EventID: "c", Timestamp: "2024-01-01T10:00:02Z"},
		{EventID: "a", Timestamp: "2024-01-01T10:00:00Z"},
		{EventID: "b1", Timestamp: "2024-01-01T10:00:01Z"},
		{EventID: "b2", Timestamp: "2024-01-01T10:00:01Z"},
	})
	require.NoError(t, err)

	var ids []string
	for _, ev := range s.Events {
		ids = append(ids, ev.EventID)
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, ids)
}

func TestNewSession_EpochTimestamps(t *testing.T) {
	s, err := NewSession("s1", []Event{
		{EventID: "late", Timestamp: "1000"},
		{EventID: "early", Timestamp: "999"},
	})
	require.NoError(t, err)
	assert.Equal(t, "early", s.Events[0].EventID)
}

func TestNewSession_Validation(t *testing.T) {
	_, err := NewSession("", nil)
	assert.ErrorIs(t, err, ErrEmptySessionID)

	_, err = NewSession("s1", []Event{{EventID: "e1"}, {EventID: "e1"}})
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	_, err = NewSession("s1", []Event{{EventID: " "}})
	assert.ErrorIs(t, err, ErrEmptyEventID)
}

func TestDecodeSessions(t *testing.T) {
	doc := `{"sessions":[{"session_id":"s1","events":[{"event_id":"e2","timestamp":"2"},{"event_id":"e1","timestamp":"1"}]}]}`
	sessions, err := DecodeSessions([]byte(doc))
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "e1", sessions[0].Events[0].EventID)

	sessions, err = DecodeSessions([]byte(`[{"session_id":"a","events":[]},{"session_id":"b","events":[]}]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, SessionIDs(sessions))

	_, err = DecodeSessions([]byte(`[]`))
	assert.ErrorIs(t, err, ErrNoSessions)

	_, err = DecodeSessions([]byte(`[{"session_id":"a"},{"session_id":"a"}]`))
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestJobProgressClone(t *testing.T) {
	cur := "s1"
	p := &JobProgress{
		CurrentSession:     &cur,
		Errors:             []string{"boom"},
		FlaggedSessions:    []string{"s0"},
		SessionEventCounts: map[string]int{"s0": 3},
	}
	c := p.Clone()

	*c.CurrentSession = "other"
	c.Errors[0] = "changed"
	c.FlaggedSessions = append(c.FlaggedSessions, "s9")
	c.SessionEventCounts["s0"] = 99

	assert.Equal(t, "s1", *p.CurrentSession)
	assert.Equal(t, []string{"boom"}, p.Errors)
	assert.Equal(t, []string{"s0"}, p.FlaggedSessions)
	assert.Equal(t, 3, p.SessionEventCounts["s0"])
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, ClampConfidence(-1))
	assert.Equal(t, 1.0, ClampConfidence(7))
	assert.Equal(t, 0.4, ClampConfidence(0.4))
}
