package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vjranagit/modelvault/pkg/types"
)

// fixedClock returns a clock that advances by step on every call
func fixedClock(start time.Time, step time.Duration) func() time.Time {
	now := start
	return func() time.Time {
		t := now
		now = now.Add(step)
		return t
	}
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	cfg := &Config{
		Root:  t.TempDir(),
		Clock: fixedClock(time.Date(2025, 11, 30, 23, 59, 0, 0, time.UTC), time.Minute),
	}
	store, err := NewFileStore(cfg)
	require.NoError(t, err)
	return store
}

func artifactSet(t *testing.T, kv ...string) types.ArtifactSet {
	t.Helper()
	var files []types.Artifact
	for i := 0; i+1 < len(kv); i += 2 {
		files = append(files, types.Artifact{Name: kv[i], Data: []byte(kv[i+1])})
	}
	set, err := types.NewArtifactSet(files...)
	require.NoError(t, err)
	return set
}

func TestFileStoreSaveAndRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	set := artifactSet(t, "model.pkl", "weights", "scaler.pkl", "scaler")
	id, err := store.Save(ctx, "irrigation", set, 0.8213)
	require.NoError(t, err)
	assert.Equal(t, types.VersionID("2025-11-30_23-59-00_acc_0.8213"), id)

	got, err := store.Read(ctx, "irrigation", id)
	require.NoError(t, err)
	assert.Equal(t, []string{"model.pkl", "scaler.pkl"}, got.Names())

	data, ok := got.Get("model.pkl")
	require.True(t, ok)
	assert.Equal(t, "weights", string(data))
}

func TestFileStoreListIsAscending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	families := []string{"irrigation", "plant_health"}
	for i := 0; i < 6; i++ {
		_, err := store.Save(ctx, families[i%2], artifactSet(t, "m.pkl", "x"), float64(9-i)/10)
		require.NoError(t, err)
	}

	for _, family := range families {
		versions, err := store.List(ctx, family)
		require.NoError(t, err)
		require.Len(t, versions, 3)
		assert.True(t, sort.SliceIsSorted(versions, func(i, j int) bool { return versions[i] < versions[j] }))
	}
}

func TestFileStoreEmptyHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	versions, err := store.List(ctx, "irrigation")
	require.NoError(t, err)
	assert.Empty(t, versions)

	_, ok, err := store.Latest(ctx, "irrigation")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreKeysStrictlyIncreaseWithinOneSecond(t *testing.T) {
	cfg := &Config{
		Root:  t.TempDir(),
		Clock: func() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 500, time.UTC) },
	}
	store, err := NewFileStore(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	var ids []types.VersionID
	for i := 0; i < 3; i++ {
		id, err := store.Save(ctx, "irrigation", artifactSet(t, "m.pkl", "x"), 0.9)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assert.Equal(t, types.VersionID("2025-01-01_12-00-00_acc_0.9000"), ids[0])
	assert.Equal(t, types.VersionID("2025-01-01_12-00-01_acc_0.9000"), ids[1])
	assert.Equal(t, types.VersionID("2025-01-01_12-00-02_acc_0.9000"), ids[2])
}

func TestFileStoreFailedSaveLeavesNoVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	calls := 0
	store.cfg.WriteFile = func(name string, data []byte, perm os.FileMode) error {
		calls++
		if calls == 2 {
			return errors.New("disk full")
		}
		return writeFileSync(name, data, perm)
	}

	_, err := store.Save(ctx, "irrigation", artifactSet(t, "a.pkl", "a", "b.pkl", "b"), 0.5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageFailure)

	versions, err := store.List(ctx, "irrigation")
	require.NoError(t, err)
	assert.Empty(t, versions)

	entries, err := os.ReadDir(store.cfg.VersionsDir("irrigation"))
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory must be cleaned up")
}

func TestFileStoreReadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Read(context.Background(), "irrigation", "2025-01-01_00-00-00_acc_0.5000")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Read(context.Background(), "irrigation", "../../etc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Save(ctx, "irrigation", artifactSet(t, "m.pkl", "x"), 0.7)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "irrigation", id))
	require.NoError(t, store.Delete(ctx, "irrigation", id))

	versions, err := store.List(ctx, "irrigation")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestFileStoreListIgnoresForeignEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, "irrigation", artifactSet(t, "m.pkl", "x"), 0.7)
	require.NoError(t, err)

	dir := store.cfg.VersionsDir("irrigation")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".staging-leftover"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hi"), 0o644))

	versions, err := store.List(ctx, "irrigation")
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	require.NoError(t, store.Recover(ctx, "irrigation"))
	_, err = os.Stat(filepath.Join(dir, ".staging-leftover"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreRejectsBadInput(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, "../escape", artifactSet(t, "m.pkl", "x"), 0.5)
	assert.Error(t, err)

	_, err = store.Save(ctx, "irrigation", types.ArtifactSet{}, 0.5)
	assert.Error(t, err)
}
