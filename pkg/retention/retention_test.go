package retention

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vjranagit/modelvault/pkg/storage"
	"github.com/vjranagit/modelvault/pkg/types"
)

func newStore(t *testing.T) *storage.FileStore {
	t.Helper()
	now := time.Date(2025, 11, 28, 2, 0, 0, 0, time.UTC)
	store, err := storage.NewFileStore(&storage.Config{
		Root: t.TempDir(),
		Clock: func() time.Time {
			ts := now
			now = now.Add(24 * time.Hour)
			return ts
		},
	})
	require.NoError(t, err)
	return store
}

func saveN(t *testing.T, store storage.VersionStore, family string, scores ...float64) []types.VersionID {
	t.Helper()
	ids := make([]types.VersionID, 0, len(scores))
	for i, score := range scores {
		set, err := types.NewArtifactSet(types.Artifact{Name: "model.pkl", Data: []byte(fmt.Sprintf("m%d", i))})
		require.NoError(t, err)
		id, err := store.Save(context.Background(), family, set, score)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

// flakyStore fails to delete the listed versions
type flakyStore struct {
	storage.VersionStore
	fail map[types.VersionID]bool
}

func (s *flakyStore) Delete(ctx context.Context, family string, id types.VersionID) error {
	if s.fail[id] {
		return fmt.Errorf("%w: permission denied", storage.ErrStorageFailure)
	}
	return s.VersionStore.Delete(ctx, family, id)
}

func TestPruneKeepsNewest(t *testing.T) {
	ctx := context.Background()

	for keep := 0; keep <= 6; keep++ {
		t.Run(fmt.Sprintf("keep_%d", keep), func(t *testing.T) {
			store := newStore(t)
			ids := saveN(t, store, "irrigation", 0.5, 0.6, 0.7, 0.8, 0.9)

			deleted, err := NewPolicy(store).Prune(ctx, "irrigation", keep)
			require.NoError(t, err)

			remaining, err := store.List(ctx, "irrigation")
			require.NoError(t, err)

			kept := min(keep, len(ids))
			assert.Equal(t, ids[len(ids)-kept:], remaining)
			assert.Equal(t, ids[:len(ids)-kept], deleted, "deleted oldest first")
		})
	}
}

func TestPruneIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	saveN(t, store, "irrigation", 0.5, 0.6, 0.7, 0.8)
	policy := NewPolicy(store)

	first, err := policy.Prune(ctx, "irrigation", 2)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := policy.Prune(ctx, "irrigation", 2)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestPruneIgnoresPromotionStatus(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ids := saveN(t, store, "irrigation", 0.82, 0.79, 0.91)

	deleted, err := NewPolicy(store).Prune(ctx, "irrigation", 2)
	require.NoError(t, err)
	assert.Equal(t, []types.VersionID{ids[0]}, deleted)

	remaining, err := store.List(ctx, "irrigation")
	require.NoError(t, err)
	assert.Equal(t, ids[1:], remaining, "the never-promoted 0.79 version is kept")
}

func TestPruneContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	ids := saveN(t, base, "irrigation", 0.1, 0.2, 0.3, 0.4)
	store := &flakyStore{VersionStore: base, fail: map[types.VersionID]bool{ids[0]: true}}

	deleted, err := NewPolicy(store).Prune(ctx, "irrigation", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPruneFailure))
	assert.True(t, errors.Is(err, storage.ErrStorageFailure))
	assert.Equal(t, []types.VersionID{ids[1], ids[2]}, deleted)

	remaining, err := base.List(ctx, "irrigation")
	require.NoError(t, err)
	assert.Equal(t, []types.VersionID{ids[0], ids[3]}, remaining)
}

func TestPruneRejectsNegativeKeep(t *testing.T) {
	store := newStore(t)
	_, err := NewPolicy(store).Prune(context.Background(), "irrigation", -1)
	assert.Error(t, err)
}

func TestPruneEmptyFamily(t *testing.T) {
	deleted, err := NewPolicy(newStore(t)).Prune(context.Background(), "irrigation", 3)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}
