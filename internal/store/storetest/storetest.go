// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"strings"
	"testing"
	"time"

	"cognitive-traces/internal/models"
	"cognitive-traces/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Events builds n annotated events of one session.
func Events(sessionID string, n int) []models.AnnotatedEvent {
	out := make([]models.AnnotatedEvent, n)
	for i := range out {
		out[i] = models.AnnotatedEvent{
			SessionID:            sessionID,
			EventID:              sessionID + "-e" + string(rune('a'+i)),
			Timestamp:            "2024-01-01T00:00:00Z",
			ActionType:           "search",
			Content:              "query, with \"quotes\"",
			CognitiveLabel:       models.FollowingScent,
			AnalystLabel:         models.FollowingScent,
			AnalystJustification: "targeted",
			CriticLabel:          models.PoorScent,
			CriticAgreement:      models.Disagree,
			CriticJustification:  "vague",
			JudgeJustification:   "analyst is right",
			ConfidenceScore:      0.8,
			DisagreementScore:    0.61,
			FlaggedForReview:     false,
			OverrideVersion:      1,
			OverrideTimestamp:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		}
	}
	return out
}

// Run exercises s against the store.Store contract.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CheckpointRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		cp, err := s.LoadCheckpoint(ctx, "job-1")
		require.NoError(t, err)
		assert.Nil(t, cp, "missing checkpoint is not an error")

		in := &models.Checkpoint{
			JobID:               "job-1",
			DatasetName:         "web",
			CompletedSessionIDs: []string{"s1", "s2"},
			Progress:            &models.JobProgress{JobID: "job-1", TotalSessions: 5, CompletedSessions: 2, Status: models.StatusStopped},
			LLMConfig:           []byte(`{"analyst_model":"gpt-4o"}`),
			Timestamp:           time.Now().UTC(),
		}
		require.NoError(t, s.SaveCheckpoint(ctx, in))

		in.CompletedSessionIDs = append(in.CompletedSessionIDs, "s3")
		require.NoError(t, s.SaveCheckpoint(ctx, in))

		out, err := s.LoadCheckpoint(ctx, "job-1")
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, []string{"s1", "s2", "s3"}, out.CompletedSessionIDs)
		assert.Equal(t, 5, out.Progress.TotalSessions)
		assert.JSONEq(t, `{"analyst_model":"gpt-4o"}`, string(out.LLMConfig))
	})

	t.Run("InvalidJobID", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadCheckpoint(context.Background(), "../etc")
		assert.Error(t, err)
	})

	t.Run("SessionLogRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.LoadSessionLog(ctx, "job-1", "s/1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		log := &models.SessionLog{
			SessionID:        "s/1",
			JobID:            "job-1",
			Timestamp:        time.Now().UTC(),
			Events:           Events("s/1", 2),
			FlaggedForReview: true,
			MaxDisagreement:  0.9,
			Interactions: []models.InteractionRecord{
				{Step: 1, Agent: models.StepAnalyst, Status: "success", Model: "gpt-4o"},
			},
		}
		require.NoError(t, s.SaveSessionLog(ctx, log))

		got, err := s.LoadSessionLog(ctx, "job-1", "s/1")
		require.NoError(t, err)
		assert.Equal(t, "s/1", got.SessionID)
		assert.True(t, got.FlaggedForReview)
		assert.Len(t, got.Events, 2)
		assert.Len(t, got.Interactions, 1)
	})

	t.Run("SummaryRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.LoadSummary(ctx, "job-1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.SaveSummary(ctx, &models.JobSummary{
			JobID:             "job-1",
			DatasetName:       "web",
			TotalSessions:     3,
			CompletedSessions: 3,
			Status:            models.StatusCompleted,
		}))
		got, err := s.LoadSummary(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, 3, got.CompletedSessions)
		assert.Equal(t, models.StatusCompleted, got.Status)
	})

	t.Run("AppendAndReadRows", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rows, err := s.Rows(ctx, "job-1", "web")
		require.NoError(t, err)
		assert.Empty(t, rows)

		require.NoError(t, s.AppendRows(ctx, "job-1", "web", Events("s1", 2)))
		require.NoError(t, s.AppendRows(ctx, "job-1", "web", Events("s2", 3)))

		rows, err = s.Rows(ctx, "job-1", "web")
		require.NoError(t, err)
		require.Len(t, rows, 5)
		assert.Equal(t, "s1", rows[0].SessionID)
		assert.Equal(t, "s2", rows[4].SessionID)

		first := rows[0]
		assert.Equal(t, "query, with \"quotes\"", first.Content)
		assert.Equal(t, models.FollowingScent, first.CognitiveLabel)
		assert.Equal(t, models.PoorScent, first.CriticLabel)
		assert.Equal(t, models.Disagree, first.CriticAgreement)
		assert.InDelta(t, 0.61, first.DisagreementScore, 1e-9)
		assert.Equal(t, 1, first.OverrideVersion)
		assert.True(t, first.OverrideTimestamp.Equal(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)))
	})

	t.Run("LongFieldsTruncated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ev := Events("s1", 1)
		ev[0].Content = strings.Repeat("x", store.MaxFieldLength+50)
		require.NoError(t, s.AppendRows(ctx, "job-1", "web", ev))

		rows, err := s.Rows(ctx, "job-1", "web")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Len(t, rows[0].Content, store.MaxFieldLength)
	})

	t.Run("ReplaceSessionRowsInPlace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.AppendRows(ctx, "job-1", "web", Events("s1", 2)))
		require.NoError(t, s.AppendRows(ctx, "job-1", "web", Events("s2", 2)))

		updated := Events("s1", 2)
		updated[0].CognitiveLabel = models.LeavingPatch
		updated[0].UserOverride = true
		updated[0].OverrideVersion = 2
		require.NoError(t, s.ReplaceSessionRows(ctx, "job-1", "web", "s1", updated))
		require.NoError(t, s.ReplaceSessionRows(ctx, "job-1", "web", "s1", updated))

		rows, err := s.Rows(ctx, "job-1", "web")
		require.NoError(t, err)
		require.Len(t, rows, 4)
		assert.Equal(t, "s1", rows[0].SessionID)
		assert.Equal(t, models.LeavingPatch, rows[0].CognitiveLabel)
		assert.True(t, rows[0].UserOverride)
		assert.Equal(t, 2, rows[0].OverrideVersion)
		assert.Equal(t, "s2", rows[2].SessionID)
	})

	t.Run("PruneRows", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.PruneRows(ctx, "job-1", "web", map[string]struct{}{}), "nothing to prune")

		require.NoError(t, s.AppendRows(ctx, "job-1", "web", Events("s1", 2)))
		require.NoError(t, s.AppendRows(ctx, "job-1", "web", Events("s2", 1)))
		require.NoError(t, s.AppendRows(ctx, "job-1", "web", Events("s3", 2)))

		require.NoError(t, s.PruneRows(ctx, "job-1", "web", map[string]struct{}{"s1": {}, "s3": {}}))

		rows, err := s.Rows(ctx, "job-1", "web")
		require.NoError(t, err)
		require.Len(t, rows, 4)
		for _, r := range rows {
			assert.NotEqual(t, "s2", r.SessionID)
		}
	})

	t.Run("JobsAreIsolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.AppendRows(ctx, "job-1", "web", Events("s1", 2)))
		require.NoError(t, s.AppendRows(ctx, "job-2", "web", Events("s1", 1)))

		rows, err := s.Rows(ctx, "job-2", "web")
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})
}
