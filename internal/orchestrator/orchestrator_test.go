package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"cognitive-traces/internal/models"
	"cognitive-traces/internal/store"
	"cognitive-traces/internal/store/filestore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProcessor annotates every event as FollowingScent.
type fakeProcessor struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]error
	flagged map[string]bool
	onDone  func(sessionID string)
}

func (p *fakeProcessor) Process(_ context.Context, jobID string, session *models.Session) (*models.SessionLog, error) {
	p.mu.Lock()
	p.calls = append(p.calls, session.SessionID)
	p.mu.Unlock()

	if err := p.fail[session.SessionID]; err != nil {
		return nil, err
	}

	log := &models.SessionLog{SessionID: session.SessionID, JobID: jobID, FlaggedForReview: p.flagged[session.SessionID]}
	for _, ev := range session.Events {
		log.Events = append(log.Events, models.AnnotatedEvent{
			SessionID:       session.SessionID,
			EventID:         ev.EventID,
			CognitiveLabel:  models.FollowingScent,
			OverrideVersion: 1,
		})
	}
	if p.onDone != nil {
		p.onDone(session.SessionID)
	}
	return log, nil
}

func (p *fakeProcessor) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// failingStore fails AppendRows once armed.
type failingStore struct {
	store.Store
	failAppend bool
}

func (s *failingStore) AppendRows(ctx context.Context, jobID, dataset string, events []models.AnnotatedEvent) error {
	if s.failAppend {
		return errors.New("disk full")
	}
	return s.Store.AppendRows(ctx, jobID, dataset, events)
}

func testSessions(t *testing.T, n, eventsPer int) []*models.Session {
	t.Helper()
	out := make([]*models.Session, n)
	for i := range out {
		events := make([]models.Event, eventsPer)
		for j := range events {
			events[j] = models.Event{EventID: fmt.Sprintf("s%d-e%d", i+1, j+1), Timestamp: fmt.Sprintf("%d", j)}
		}
		s, err := models.NewSession(fmt.Sprintf("s%d", i+1), events)
		require.NoError(t, err)
		out[i] = s
	}
	return out
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := filestore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func newOrchestrator(t *testing.T, p SessionProcessor, st store.Store) *Orchestrator {
	t.Helper()
	o, err := New(Config{JobID: "job-1", DatasetName: "web"}, p, st, zap.NewNop())
	require.NoError(t, err)
	return o
}

func TestNew_InvalidJobID(t *testing.T) {
	_, err := New(Config{JobID: "bad id"}, &fakeProcessor{}, newStore(t), zap.NewNop())
	assert.Error(t, err)
}

func TestRun_CompletesAllSessions(t *testing.T) {
	st := newStore(t)
	p := &fakeProcessor{flagged: map[string]bool{"s2": true}}
	o := newOrchestrator(t, p, st)

	assert.Equal(t, models.StatusIdle, o.Status().Status)

	summary, err := o.Run(context.Background(), testSessions(t, 3, 2))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, summary.Status)
	assert.False(t, summary.Stopped)
	assert.Equal(t, 3, summary.CompletedSessions)
	assert.Equal(t, 0, summary.RemainingSessions)
	assert.Equal(t, []string{"s2"}, summary.FlaggedSessions)
	assert.Equal(t, st.Locations("job-1", "web").Output, summary.OutputFile)

	status := o.Status()
	assert.Nil(t, status.CurrentSession)
	assert.Equal(t, map[string]int{"s1": 2, "s2": 2, "s3": 2}, status.SessionEventCounts)

	rows, err := st.Rows(context.Background(), "job-1", "web")
	require.NoError(t, err)
	assert.Len(t, rows, 6)

	saved, err := st.LoadSummary(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, saved.CompletedSessions)

	log, err := st.LoadSessionLog(context.Background(), "job-1", "s2")
	require.NoError(t, err)
	assert.True(t, log.FlaggedForReview)
}

func TestRun_SessionFailureIsNotFatal(t *testing.T) {
	st := newStore(t)
	p := &fakeProcessor{fail: map[string]error{"s2": errors.New("judge stage failed: no critic decisions")}}
	o := newOrchestrator(t, p, st)

	summary, err := o.Run(context.Background(), testSessions(t, 3, 1))
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.CompletedSessions)
	assert.Equal(t, 1, summary.RemainingSessions)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "Error processing session s2: judge stage failed: no critic decisions", summary.Errors[0])

	cp, err := st.LoadCheckpoint(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s3"}, cp.CompletedSessionIDs)

	// The failed session is retried on resume and errors accumulate.
	p.fail = nil
	o = newOrchestrator(t, p, st)
	summary, err = o.Run(context.Background(), testSessions(t, 3, 1))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.CompletedSessions)
	assert.Len(t, summary.Errors, 1)
	assert.Equal(t, []string{"s1", "s2", "s3", "s2"}, p.Calls())
}

func TestRun_StopAndResume(t *testing.T) {
	st := newStore(t)
	sessions := testSessions(t, 5, 2)

	p := &fakeProcessor{}
	o := newOrchestrator(t, p, st)
	p.onDone = func(sid string) {
		if sid == "s2" {
			o.RequestStop()
		}
	}

	summary, err := o.Run(context.Background(), sessions)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, summary.Status)
	assert.True(t, summary.Stopped)
	assert.Equal(t, 2, summary.CompletedSessions)
	assert.Equal(t, 3, summary.RemainingSessions)
	assert.Equal(t, []string{"s1", "s2"}, p.Calls())

	cp, err := st.LoadCheckpoint(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, []string{"s1", "s2"}, cp.CompletedSessionIDs)
	assert.Equal(t, models.StatusStopped, cp.Progress.Status)

	resumed := &fakeProcessor{}
	o = newOrchestrator(t, resumed, st)
	summary, err = o.Run(context.Background(), sessions)
	require.NoError(t, err)

	assert.Equal(t, []string{"s3", "s4", "s5"}, resumed.Calls())
	assert.Equal(t, models.StatusCompleted, summary.Status)
	assert.Equal(t, 5, summary.CompletedSessions)

	rows, err := st.Rows(context.Background(), "job-1", "web")
	require.NoError(t, err)
	assert.Len(t, rows, 10)
}

func TestRun_StopBeforeRunKeepsRequest(t *testing.T) {
	st := newStore(t)
	p := &fakeProcessor{}
	o := newOrchestrator(t, p, st)

	o.RequestStop()
	summary, err := o.Run(context.Background(), testSessions(t, 3, 1))
	require.NoError(t, err)

	assert.Equal(t, models.StatusStopped, summary.Status)
	assert.True(t, summary.Stopped)
	assert.Zero(t, summary.CompletedSessions)
	assert.Equal(t, 3, summary.RemainingSessions)
	assert.Empty(t, p.Calls())
}

func TestRun_ResumeCompletedJobDoesNothing(t *testing.T) {
	st := newStore(t)
	sessions := testSessions(t, 2, 1)

	_, err := newOrchestrator(t, &fakeProcessor{}, st).Run(context.Background(), sessions)
	require.NoError(t, err)

	again := &fakeProcessor{}
	summary, err := newOrchestrator(t, again, st).Run(context.Background(), sessions)
	require.NoError(t, err)

	assert.Empty(t, again.Calls())
	assert.Equal(t, 2, summary.CompletedSessions)

	rows, err := st.Rows(context.Background(), "job-1", "web")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRun_ResumePrunesPartialRows(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	sessions := testSessions(t, 3, 2)

	require.NoError(t, st.SaveCheckpoint(ctx, &models.Checkpoint{
		JobID:               "job-1",
		DatasetName:         "web",
		CompletedSessionIDs: []string{"s1", "gone"},
		Progress:            &models.JobProgress{Errors: []string{"earlier failure"}, FlaggedSessions: []string{"s1", "gone"}},
	}))
	// s1 completed; s2 crashed after writing rows but before its checkpoint.
	require.NoError(t, st.AppendRows(ctx, "job-1", "web", []models.AnnotatedEvent{{SessionID: "s1", EventID: "s1-e1", OverrideVersion: 1}, {SessionID: "s1", EventID: "s1-e2", OverrideVersion: 1}}))
	require.NoError(t, st.AppendRows(ctx, "job-1", "web", []models.AnnotatedEvent{{SessionID: "s2", EventID: "s2-e1", OverrideVersion: 1}}))

	p := &fakeProcessor{}
	summary, err := newOrchestrator(t, p, st).Run(ctx, sessions)
	require.NoError(t, err)

	assert.Equal(t, []string{"s2", "s3"}, p.Calls())
	assert.Equal(t, []string{"s1"}, summary.FlaggedSessions)
	assert.Equal(t, []string{"earlier failure"}, summary.Errors)

	rows, err := st.Rows(ctx, "job-1", "web")
	require.NoError(t, err)
	counts := make(map[string]int)
	for _, r := range rows {
		counts[r.SessionID]++
	}
	assert.Equal(t, map[string]int{"s1": 2, "s2": 2, "s3": 2}, counts)

	cp, err := st.LoadCheckpoint(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, cp.CompletedSessionIDs)
}

func TestRun_PrunesRowsWrittenBeforeFirstCheckpoint(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	// s1 crashed after its rows were written but before any checkpoint existed.
	require.NoError(t, st.AppendRows(ctx, "job-1", "web", []models.AnnotatedEvent{{SessionID: "s1", EventID: "s1-e1", OverrideVersion: 1}}))

	_, err := newOrchestrator(t, &fakeProcessor{}, st).Run(ctx, testSessions(t, 2, 2))
	require.NoError(t, err)

	rows, err := st.Rows(ctx, "job-1", "web")
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestRun_StoreFailureAbortsJob(t *testing.T) {
	st := &failingStore{Store: newStore(t), failAppend: true}
	p := &fakeProcessor{}
	o := newOrchestrator(t, p, st)

	summary, err := o.Run(context.Background(), testSessions(t, 3, 1))
	require.Error(t, err)
	assert.Nil(t, summary)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []string{"s1"}, p.Calls())

	status := o.Status()
	assert.Equal(t, models.StatusStopped, status.Status)
	assert.Equal(t, 0, status.CompletedSessions)
	require.NotEmpty(t, status.Errors)
	assert.Contains(t, status.Errors[len(status.Errors)-1], "disk full")
}

func TestRun_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &fakeProcessor{}
	summary, err := newOrchestrator(t, p, newStore(t)).Run(ctx, testSessions(t, 2, 1))
	require.NoError(t, err)
	assert.Empty(t, p.Calls())
	assert.Equal(t, models.StatusStopped, summary.Status)
}

func TestRun_InvalidSessions(t *testing.T) {
	o := newOrchestrator(t, &fakeProcessor{}, newStore(t))
	_, err := o.Run(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrNoSessions)
}

func TestStatus_IsDeepCopy(t *testing.T) {
	o := newOrchestrator(t, &fakeProcessor{}, newStore(t))
	_, err := o.Run(context.Background(), testSessions(t, 1, 1))
	require.NoError(t, err)

	snap := o.Status()
	snap.SessionEventCounts["s1"] = 99
	snap.Errors = append(snap.Errors, "mutated")

	fresh := o.Status()
	assert.Equal(t, 1, fresh.SessionEventCounts["s1"])
	assert.Empty(t, fresh.Errors)
}
