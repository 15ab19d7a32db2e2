package filestore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cognitive-traces/internal/store"
	"cognitive-traces/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(t.TempDir(), zap.NewNop())
		require.NoError(t, err)
		return s
	})
}

func TestFileStore_Layout(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.AppendRows(ctx, "job-1", "web logs/v1", storetest.Events("s1", 1)))

	loc := s.Locations("job-1", "web logs/v1")
	assert.Equal(t, filepath.Join(dir, "checkpoints", "job-1_checkpoint.json"), loc.Checkpoint)
	assert.Equal(t, filepath.Join(dir, "job-1", "web_logs_v1_cognitive_traces.csv"), loc.Output)

	data, err := os.ReadFile(loc.Output)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(store.Header, ","), lines[0])
}

func TestFileStore_SessionLogNameEscaped(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)

	path := s.logPath("job-1", "../../escape")
	assert.Equal(t, filepath.Join(dir, "job-1", "logs"), filepath.Dir(path))
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.AppendRows(ctx, "job-1", "web", storetest.Events("s1", 2)))
	require.NoError(t, s.ReplaceSessionRows(ctx, "job-1", "web", "s1", storetest.Events("s1", 2)))

	entries, err := os.ReadDir(filepath.Join(dir, "job-1"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), e.Name())
	}
}

func appendRaw(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestFileStore_PruneRecoversTornTail(t *testing.T) {
	tails := map[string]string{
		"open quote":  `s2,s2-e1,"partial cont`,
		"short field": "s2,s2-e1,2024-01-01T00:00:00Z,sea",
	}
	for name, tail := range tails {
		t.Run(name, func(t *testing.T) {
			s, err := New(t.TempDir(), zap.NewNop())
			require.NoError(t, err)
			ctx := context.Background()

			require.NoError(t, s.AppendRows(ctx, "job-1", "web", storetest.Events("s1", 2)))
			path := s.Locations("job-1", "web").Output
			appendRaw(t, path, tail)

			_, err = s.Rows(ctx, "job-1", "web")
			require.Error(t, err, "export still rejects a torn file")

			keep := map[string]struct{}{"s1": {}}
			require.NoError(t, s.PruneRows(ctx, "job-1", "web", keep))

			rows, err := s.Rows(ctx, "job-1", "web")
			require.NoError(t, err)
			require.Len(t, rows, 2)
			for _, r := range rows {
				assert.Equal(t, "s1", r.SessionID)
			}

			// Appends after recovery start on a clean line.
			require.NoError(t, s.AppendRows(ctx, "job-1", "web", storetest.Events("s2", 1)))
			rows, err = s.Rows(ctx, "job-1", "web")
			require.NoError(t, err)
			assert.Len(t, rows, 3)
		})
	}
}

func TestFileStore_PruneRecoversTornHeader(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	path := s.Locations("job-1", "web").Output
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte("session_id,event_id,eve"), 0600))

	require.NoError(t, s.PruneRows(ctx, "job-1", "web", map[string]struct{}{}))

	require.NoError(t, s.AppendRows(ctx, "job-1", "web", storetest.Events("s1", 1)))
	rows, err := s.Rows(ctx, "job-1", "web")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestFileStore_PruneRejectsCorruptionBeforeValidRows(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.AppendRows(ctx, "job-1", "web", storetest.Events("s1", 1)))
	appendRaw(t, s.Locations("job-1", "web").Output, "garbage,row\n")
	require.NoError(t, s.AppendRows(ctx, "job-1", "web", storetest.Events("s2", 1)))

	err = s.PruneRows(ctx, "job-1", "web", map[string]struct{}{"s1": {}})
	assert.Error(t, err)
}
