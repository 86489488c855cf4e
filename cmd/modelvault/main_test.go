package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workspace struct {
	dir       string
	config    string
	scoreFile string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	w := &workspace{
		dir:       dir,
		config:    filepath.Join(dir, "modelvault.yaml"),
		scoreFile: filepath.Join(dir, "next_score"),
	}

	script := fmt.Sprintf(`printf 'weights' > "$MODELVAULT_OUTPUT_DIR/model.pkl" && cp %q "$MODELVAULT_OUTPUT_DIR/score"`, w.scoreFile)
	content := fmt.Sprintf(`
storage:
  root: %s
ledger:
  backend: file
  path: %s
report:
  dir: %s
families:
  - name: irrigation
    command: sh
    args: ["-c", %q]
logging:
  level: error
`, filepath.Join(dir, "models"), filepath.Join(dir, "mlops", "last_metrics.json"), filepath.Join(dir, "reports"), script)
	require.NoError(t, os.WriteFile(w.config, []byte(content), 0o644))
	return w
}

func (w *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--config", w.config))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (w *workspace) retrain(t *testing.T, score string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(w.scoreFile, []byte(score), 0o644))
	out, err := w.run(t, "retrain")
	require.NoError(t, err)
	return out
}

func (w *workspace) versions(t *testing.T) []versionRow {
	t.Helper()
	out, err := w.run(t, "versions", "irrigation", "--json")
	require.NoError(t, err)
	var rows []versionRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	return rows
}

func TestRetrainPromotesAndReports(t *testing.T) {
	w := newWorkspace(t)

	out := w.retrain(t, "0.82")
	assert.Contains(t, out, "promoted=true")
	out = w.retrain(t, "0.79")
	assert.Contains(t, out, "not_improved")

	rows := w.versions(t)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Current)
	assert.Equal(t, 0.82, rows[0].Score)
	assert.False(t, rows[1].Current)

	report, err := os.ReadFile(filepath.Join(w.dir, "reports", "nightly_report.md"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "irrigation")

	ledger, err := os.ReadFile(filepath.Join(w.dir, "mlops", "last_metrics.json"))
	require.NoError(t, err)
	assert.Contains(t, string(ledger), "0.82")
}

func TestRetrainTrainingFailureExitsZero(t *testing.T) {
	w := newWorkspace(t)
	out := w.retrain(t, "not-a-number")
	assert.Contains(t, out, "training_failure")
	assert.Empty(t, w.versions(t))
}

func TestRetrainUnknownFamily(t *testing.T) {
	w := newWorkspace(t)
	_, err := w.run(t, "retrain", "--family", "plant_health")
	assert.ErrorContains(t, err, "not configured")
	retrainFamilies = nil
}

func TestRollback(t *testing.T) {
	w := newWorkspace(t)
	w.retrain(t, "0.70")
	w.retrain(t, "0.90")

	rows := w.versions(t)
	require.Len(t, rows, 2)
	require.True(t, rows[1].Current)

	out, err := w.run(t, "rollback", "irrigation")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, string(rows[0].ID)), out)

	rows = w.versions(t)
	assert.True(t, rows[0].Current)
	assert.False(t, rows[1].Current)

	// The older version's score is the new baseline, so 0.80 promotes.
	out = w.retrain(t, "0.80")
	assert.Contains(t, out, "promoted=true")
}

func TestRollbackRejectsBadVersion(t *testing.T) {
	w := newWorkspace(t)
	_, err := w.run(t, "rollback", "irrigation", "yesterday")
	assert.Error(t, err)

	_, err = w.run(t, "rollback", "irrigation")
	assert.Error(t, err, "nothing to roll back to")
}

func TestInvalidConfigFails(t *testing.T) {
	w := newWorkspace(t)
	require.NoError(t, os.WriteFile(w.config, []byte("storage:\n  keep_last: -1\n"), 0o644))
	_, err := w.run(t, "versions", "irrigation")
	assert.Error(t, err)
}
