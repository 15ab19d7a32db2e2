package review

import (
	"context"
	"testing"
	"time"

	"cognitive-traces/internal/models"
	"cognitive-traces/internal/store"
	"cognitive-traces/internal/store/filestore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seed(t *testing.T) (store.Store, *Corrector) {
	t.Helper()
	st, err := filestore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	events := []models.AnnotatedEvent{
		{SessionID: "s1", EventID: "e1", CognitiveLabel: models.FollowingScent, OverrideVersion: 1},
		{SessionID: "s1", EventID: "e2", CognitiveLabel: models.PoorScent, FlaggedForReview: true, DisagreementScore: 0.9, OverrideVersion: 1},
	}
	require.NoError(t, st.SaveCheckpoint(ctx, &models.Checkpoint{JobID: "job-1", DatasetName: "web", CompletedSessionIDs: []string{"s1", "s2"}}))
	require.NoError(t, st.SaveSessionLog(ctx, &models.SessionLog{SessionID: "s1", JobID: "job-1", Events: events, FlaggedForReview: true}))
	require.NoError(t, st.AppendRows(ctx, "job-1", "web", events))
	require.NoError(t, st.AppendRows(ctx, "job-1", "web", []models.AnnotatedEvent{{SessionID: "s2", EventID: "e3", OverrideVersion: 1}}))

	c := NewCorrector(st, zap.NewNop())
	c.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }
	return st, c
}

func TestApplyOverride(t *testing.T) {
	st, c := seed(t)
	ctx := context.Background()

	res, err := c.ApplyOverride(ctx, "job-1", "s1", "leaving patch")
	require.NoError(t, err)
	assert.Equal(t, models.LeavingPatch, res.Label)
	assert.Equal(t, 1, res.UpdatedEvents)
	assert.Equal(t, []string{"e2"}, res.FlaggedEvents)
	assert.Equal(t, 2, res.OverrideVersion)

	log, err := st.LoadSessionLog(ctx, "job-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, models.FollowingScent, log.Events[0].CognitiveLabel, "unflagged events are untouched")
	assert.False(t, log.Events[0].UserOverride)
	assert.Equal(t, models.LeavingPatch, log.Events[1].CognitiveLabel)
	assert.True(t, log.Events[1].UserOverride)
	assert.True(t, log.Events[1].OverrideTimestamp.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))

	rows, err := st.Rows(ctx, "job-1", "web")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "e2", rows[1].EventID)
	assert.Equal(t, models.LeavingPatch, rows[1].CognitiveLabel)
	assert.Equal(t, "s2", rows[2].SessionID)
}

func TestApplyOverride_RepeatedOnlyBumpsVersion(t *testing.T) {
	st, c := seed(t)
	ctx := context.Background()

	for want := 2; want <= 4; want++ {
		res, err := c.ApplyOverride(ctx, "job-1", "s1", "LeavingPatch")
		require.NoError(t, err)
		assert.Equal(t, want, res.OverrideVersion)
	}

	rows, err := st.Rows(ctx, "job-1", "web")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, 4, rows[1].OverrideVersion)
	assert.Equal(t, 1, rows[0].OverrideVersion)
}

func TestApplyOverride_Errors(t *testing.T) {
	_, c := seed(t)
	ctx := context.Background()

	_, err := c.ApplyOverride(ctx, "job-1", "s1", "Confused")
	assert.ErrorIs(t, err, ErrInvalidLabel)

	_, err = c.ApplyOverride(ctx, "job-1", "missing", "PoorScent")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = c.ApplyOverride(ctx, "job-9", "s1", "PoorScent")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyOverride_NoFlaggedEvents(t *testing.T) {
	st, c := seed(t)
	ctx := context.Background()

	require.NoError(t, st.SaveSessionLog(ctx, &models.SessionLog{
		SessionID: "s2", JobID: "job-1",
		Events: []models.AnnotatedEvent{{SessionID: "s2", EventID: "e3", OverrideVersion: 1}},
	}))
	res, err := c.ApplyOverride(ctx, "job-1", "s2", "PoorScent")
	require.NoError(t, err)
	assert.Zero(t, res.UpdatedEvents)
}
