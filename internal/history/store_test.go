package history

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/farmhand/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, Entry{Argv: []string{"cc", "-c", "a.c"}, Route: RouteLocal, Duration: 1500 * time.Millisecond, CreatedAt: base}))
	require.NoError(t, s.Record(ctx, Entry{Argv: []string{`C:\vc\bin\cl.exe`, "/c", "b.cpp"}, Route: RouteRemote, ExitCode: 2, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.Record(ctx, Entry{Argv: []string{"missing"}, Route: RouteServer, ExitCode: -1, Error: "spawn failed", CreatedAt: base.Add(2 * time.Second)}))

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, []string{"missing"}, got[0].Argv)
	assert.Equal(t, "spawn failed", got[0].Error)
	assert.Equal(t, RouteRemote, got[1].Route)
	assert.Equal(t, 2, got[1].ExitCode)
	assert.Equal(t, "cl.exe", got[1].Tool())
	assert.Equal(t, 1500*time.Millisecond, got[2].Duration)
	assert.True(t, got[2].CreatedAt.Equal(base))
	assert.NotEmpty(t, got[2].ID)

	got, err = s.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRecordValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.Record(ctx, Entry{Route: RouteLocal}))
	assert.Error(t, s.Record(ctx, Entry{Argv: []string{"cc"}}))
}

func TestCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, r := range []Route{RouteLocal, RouteLocal, RouteRemote} {
		require.NoError(t, s.Record(ctx, Entry{Argv: []string{"cc"}, Route: r}))
	}

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Route]int{RouteLocal: 2, RouteRemote: 1}, counts)
}

func TestRecordConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Record(ctx, Entry{Argv: []string{"cc"}, Route: RouteLocal}))
		}()
	}
	wg.Wait()

	got, err := s.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, got, 16)
}
