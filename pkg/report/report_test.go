package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vjranagit/modelvault/pkg/types"
)

func TestRenderMarkdown(t *testing.T) {
	score := 0.91
	r := runReport("run-42")
	r.KeepLast = 30
	r.Families = []types.FamilyReport{
		{
			Family:        "irrigation",
			Status:        types.StatusPromoted,
			PreviousScore: 0.82,
			NewScore:      &score,
			Version:       "2025-11-30_02-00-00_acc_0.9100",
			Promoted:      true,
			Pruned:        []types.VersionID{"2025-10-01_02-00-00_acc_0.7000"},
		},
		{
			Family:        "plant_health",
			Status:        types.StatusTrainingFailure,
			PreviousScore: 0.77,
			Error:         "training failure: exit status 1",
		},
	}

	var sb strings.Builder
	require.NoError(t, Render(&sb, r))
	out := sb.String()

	assert.Contains(t, out, "# Nightly Training Report - 2025-11-30 02:00:00 UTC")
	assert.Contains(t, out, "`run-42`")
	assert.Contains(t, out, "## irrigation\n- Status: promoted\n- Previous Score: 0.8200\n- New Score: 0.9100")
	assert.Contains(t, out, "- Saved Version: 2025-11-30_02-00-00_acc_0.9100")
	assert.Contains(t, out, "- Current Model Updated? Yes")
	assert.Contains(t, out, "- Pruned: 2025-10-01_02-00-00_acc_0.7000")
	assert.Contains(t, out, "## plant_health\n- Status: training_failure")
	assert.Contains(t, out, "- New Score: n/a\n- Saved Version: none\n- Current Model Updated? No\n- Error: training failure: exit status 1")
	assert.Contains(t, out, "Versions beyond the newest 30 were automatically deleted.")
}

func TestWriterReplacesSummaryAndAppendsJournal(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	paths, err := w.Write(runReport("first"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, MarkdownName), filepath.Join(dir, JournalName)}, paths)

	_, err = w.Write(runReport("second"))
	require.NoError(t, err)

	md, err := os.ReadFile(filepath.Join(dir, MarkdownName))
	require.NoError(t, err)
	assert.Contains(t, string(md), "`second`")
	assert.NotContains(t, string(md), "`first`", "summary is rewritten per run")

	runs, err := Recent(dir, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "second", runs[0].RunID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}
