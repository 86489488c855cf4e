// Package report persists the outcome of every orchestrator run: a markdown
// summary rewritten per run and an append-only JSONL history.
package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/pkg/types"
)

// MarkdownName is the summary file inside the report directory
const MarkdownName = "nightly_report.md"

var markdown = template.Must(template.New("report").Funcs(template.FuncMap{
	"stamp": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05 MST") },
	"score": func(f float64) string { return fmt.Sprintf("%.4f", f) },
	"scorep": func(f *float64) string {
		if f == nil {
			return "n/a"
		}
		return fmt.Sprintf("%.4f", *f)
	},
	"yesno": func(b bool) string {
		if b {
			return "Yes"
		}
		return "No"
	},
	"orNone": func(s types.VersionID) string {
		if s == "" {
			return "none"
		}
		return string(s)
	},
	"join": func(ids []types.VersionID) string {
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = string(id)
		}
		return strings.Join(parts, ", ")
	},
}).Parse(`# Nightly Training Report - {{stamp .StartedAt}}

Run ` + "`{{.RunID}}`" + ` finished {{stamp .FinishedAt}}.
{{range .Families}}
## {{.Family}}
- Status: {{.Status}}
- Previous Score: {{score .PreviousScore}}
- New Score: {{scorep .NewScore}}
- Saved Version: {{orNone .Version}}
- Current Model Updated? {{yesno .Promoted}}
{{- if .Pruned}}
- Pruned: {{join .Pruned}}
{{- end}}
{{- if .Error}}
- Error: {{.Error}}
{{- end}}
{{- range .Notes}}
- Note: {{.}}
{{- end}}
{{end}}
---
Versions beyond the newest {{.KeepLast}} were automatically deleted.
`))

// Render writes the markdown summary of report to w
func Render(w io.Writer, report *types.RunReport) error {
	return markdown.Execute(w, report)
}

// Writer stores run reports under one directory
type Writer struct {
	dir     string
	journal *Journal
}

// NewWriter creates a writer for dir, opening its journal
func NewWriter(dir string) (*Writer, error) {
	journal, err := OpenJournal(dir)
	if err != nil {
		return nil, err
	}
	return &Writer{dir: dir, journal: journal}, nil
}

// Dir returns the report directory
func (w *Writer) Dir() string {
	return w.dir
}

// Write replaces the markdown summary and appends report to the journal.
// It returns the paths it wrote.
func (w *Writer) Write(report *types.RunReport) ([]string, error) {
	var buf bytes.Buffer
	if err := Render(&buf, report); err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}

	mdPath := filepath.Join(w.dir, MarkdownName)
	if err := writeAtomic(mdPath, buf.Bytes()); err != nil {
		return nil, err
	}
	if err := w.journal.Append(report); err != nil {
		return nil, err
	}

	logging.Info().
		Str("run_id", report.RunID).
		Str("path", mdPath).
		Int("families", len(report.Families)).
		Msg("Run report written")

	return []string{mdPath, w.journal.Path()}, nil
}

// Close closes the journal
func (w *Writer) Close() error {
	return w.journal.Close()
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create report temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close report: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace report: %w", err)
	}
	return nil
}
