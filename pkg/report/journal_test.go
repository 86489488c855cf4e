package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vjranagit/modelvault/pkg/types"
)

func runReport(id string) *types.RunReport {
	start := time.Date(2025, 11, 30, 2, 0, 0, 0, time.UTC)
	return &types.RunReport{
		RunID:      id,
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		KeepLast:   5,
		Families: []types.FamilyReport{
			{Family: "irrigation", Status: types.StatusPromoted, Promoted: true},
		},
	}
}

func TestJournalAppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	j, err := OpenJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.Append(runReport("run-1")))
	require.NoError(t, j.Append(runReport("run-2")))
	require.NoError(t, j.Close())

	// Reopening appends rather than truncating.
	j, err = OpenJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.Append(runReport("run-3")))
	require.NoError(t, j.Close())

	var ids []string
	err = ReplayJournal(dir, func(r *types.RunReport) error {
		ids = append(ids, r.RunID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1", "run-2", "run-3"}, ids)
}

func TestReplayMissingJournal(t *testing.T) {
	called := false
	err := ReplayJournal(t.TempDir(), func(*types.RunReport) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestReplaySkipsTornTail(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.Append(runReport("run-1")))
	require.NoError(t, j.Close())

	f, err := os.OpenFile(filepath.Join(dir, JournalName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"run_id":"run-2","fam`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var ids []string
	require.NoError(t, ReplayJournal(dir, func(r *types.RunReport) error {
		ids = append(ids, r.RunID)
		return nil
	}))
	assert.Equal(t, []string{"run-1"}, ids)
}

func TestReplayRejectsCorruptMiddle(t *testing.T) {
	dir := t.TempDir()
	content := "{garbage\n" + `{"run_id":"run-2"}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, JournalName), []byte(content), 0o644))

	err := ReplayJournal(dir, func(*types.RunReport) error { return nil })
	assert.Error(t, err)
}

func TestRecentNewestFirst(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, j.Append(runReport(id)))
	}
	require.NoError(t, j.Close())

	runs, err := Recent(dir, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "d", runs[0].RunID)
	assert.Equal(t, "c", runs[1].RunID)

	all, err := Recent(dir, 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
