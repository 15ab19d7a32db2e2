package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"cognitive-traces/internal/store"
	"cognitive-traces/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := New(DriverSQLite, filepath.Join(t.TempDir(), "traces.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestSQLStore_UnsupportedDriver(t *testing.T) {
	_, err := New("mysql", "dsn", zap.NewNop())
	assert.Error(t, err)
}

func TestSQLStore_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.db")

	s, err := New(DriverSQLite, path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.AppendRows(context.Background(), "job-1", "web", storetest.Events("s1", 2)))
	require.NoError(t, s.Close())

	s, err = New(DriverSQLite, path, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	rows, err := s.Rows(context.Background(), "job-1", "web")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSQLStore_ReplaceUnknownSessionAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendRows(ctx, "job-1", "web", storetest.Events("s1", 1)))
	require.NoError(t, s.ReplaceSessionRows(ctx, "job-1", "web", "s9", storetest.Events("s9", 2)))

	rows, err := s.Rows(ctx, "job-1", "web")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "s9", rows[2].SessionID)
}
