package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vjranagit/modelvault/pkg/storage"
	"github.com/vjranagit/modelvault/pkg/types"
)

func openBackends(t *testing.T) map[string]func(dir string) (Ledger, error) {
	t.Helper()
	return map[string]func(dir string) (Ledger, error){
		BackendFile: func(dir string) (Ledger, error) {
			return Open(BackendFile, filepath.Join(dir, "last_metrics.json"))
		},
		BackendBadger: func(dir string) (Ledger, error) {
			return Open(BackendBadger, filepath.Join(dir, "ledger"))
		},
	}
}

func TestLedgerGetSet(t *testing.T) {
	for name, open := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l, err := open(t.TempDir())
			require.NoError(t, err)
			defer l.Close()

			_, found, err := l.Get(ctx, "irrigation")
			require.NoError(t, err)
			assert.False(t, found, "absence is not an error")

			now := time.Date(2025, 11, 30, 23, 59, 59, 0, time.UTC)
			rec := types.MetricsRecord{Score: 0.82, Version: "2025-11-30_23-59-59_acc_0.8200", UpdatedAt: now}
			require.NoError(t, l.Set(ctx, "irrigation", rec))

			got, found, err := l.Get(ctx, "irrigation")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, rec.Score, got.Score)
			assert.Equal(t, rec.Version, got.Version)
			assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt))

			require.NoError(t, l.Set(ctx, "plant_health", types.MetricsRecord{Score: 0.7, UpdatedAt: now}))
			require.NoError(t, l.Set(ctx, "irrigation", types.MetricsRecord{Score: 0.91, UpdatedAt: now}))

			all, err := l.All(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)
			assert.Equal(t, 0.91, all["irrigation"].Score)
			assert.Equal(t, 0.7, all["plant_health"].Score)
		})
	}
}

func TestLedgerSurvivesReopen(t *testing.T) {
	for name, open := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			l, err := open(dir)
			require.NoError(t, err)
			require.NoError(t, l.Set(ctx, "irrigation", types.MetricsRecord{Score: 0.88}))
			require.NoError(t, l.Close())

			reopened, err := open(dir)
			require.NoError(t, err)
			defer reopened.Close()

			got, found, err := reopened.Get(ctx, "irrigation")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, 0.88, got.Score)
		})
	}
}

func TestFileLedgerFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlops", "last_metrics.json")
	l, err := NewFileLedger(path)
	require.NoError(t, err)

	require.NoError(t, l.Set(context.Background(), "irrigation", types.MetricsRecord{Score: 0.5}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"irrigation"`)
	assert.Contains(t, string(data), `"last_updated"`)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "temp file %s left behind", e.Name())
	}
}

func TestFileLedgerConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_metrics.json")

	// Separate instances share nothing in memory, like two processes.
	writers := make([]*FileLedger, 2)
	for i := range writers {
		l, err := NewFileLedger(path)
		require.NoError(t, err)
		writers[i] = l
	}

	const perWriter = 20
	var wg sync.WaitGroup
	errs := make(chan error, len(writers)*perWriter)
	for i, l := range writers {
		wg.Add(1)
		go func(i int, l *FileLedger) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				family := fmt.Sprintf("family_%d_%d", i, j)
				errs <- l.Set(context.Background(), family, types.MetricsRecord{Score: float64(j) / 100})
			}
		}(i, l)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := writers[0].All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, len(writers)*perWriter, "no writer may drop another writer's records")
}

func TestFileLedgerSetWaitsForLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_metrics.json")
	l, err := NewFileLedger(path)
	require.NoError(t, err)

	held, err := storage.LockFile(context.Background(), path+".lock", 10*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err = l.Set(ctx, "irrigation", types.MetricsRecord{Score: 0.9})
	assert.ErrorIs(t, err, storage.ErrLocked)

	require.NoError(t, held.Unlock())
	require.NoError(t, l.Set(context.Background(), "irrigation", types.MetricsRecord{Score: 0.9}))
}

func TestFileLedgerRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_metrics.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileLedger(path)
	assert.Error(t, err)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("postgres", t.TempDir())
	assert.Error(t, err)
}

func TestBadgerLedgerSharedDirectory(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "ledger")

	// A server and a retrain run each hold their own ledger on one directory.
	server, err := NewBadgerLedger(dir)
	require.NoError(t, err)
	defer server.Close()
	run, err := NewBadgerLedger(dir)
	require.NoError(t, err, "a second instance must not be refused the directory")
	defer run.Close()

	require.NoError(t, run.Set(ctx, "irrigation", types.MetricsRecord{Score: 0.91}))
	got, found, err := server.Get(ctx, "irrigation")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0.91, got.Score)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i, l := range []*BadgerLedger{server, run} {
		wg.Add(1)
		go func(i int, l *BadgerLedger) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				errs <- l.Set(ctx, fmt.Sprintf("family_%d_%d", i, j), types.MetricsRecord{Score: 0.5})
			}
		}(i, l)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := server.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 21)
}
