package report

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/vjranagit/modelvault/pkg/types"
)

// JournalName is the append-only run history inside the report directory
const JournalName = "history.jsonl"

// maxJournalLine bounds a single encoded run report
const maxJournalLine = 4 << 20

// Journal appends one JSON line per run report. Each append is flushed and
// synced before it returns.
type Journal struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

// OpenJournal opens (or creates) the journal in dir
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}

	path := filepath.Join(dir, JournalName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Journal{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Path returns the journal file location
func (j *Journal) Path() string {
	return j.path
}

// Append writes report as one line
func (j *Journal) Append(report *types.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Close closes the journal
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// ReplayJournal calls handler for every run in dir's journal, oldest first.
// A missing journal replays nothing. A torn final line, left by a crash
// mid-append, is skipped.
func ReplayJournal(dir string, handler func(*types.RunReport) error) error {
	file, err := os.Open(filepath.Join(dir, JournalName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxJournalLine)

	var pending error
	for scanner.Scan() {
		if pending != nil {
			return pending
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var report types.RunReport
		if err := json.Unmarshal(line, &report); err != nil {
			// Only fatal if another line follows.
			pending = fmt.Errorf("failed to unmarshal journal entry: %w", err)
			continue
		}
		if err := handler(&report); err != nil {
			return fmt.Errorf("failed to replay entry: %w", err)
		}
	}
	return scanner.Err()
}

// Recent returns up to n of the newest runs, newest first
func Recent(dir string, n int) ([]types.RunReport, error) {
	if n <= 0 {
		return []types.RunReport{}, nil
	}

	ring := make([]types.RunReport, 0, n)
	err := ReplayJournal(dir, func(r *types.RunReport) error {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, *r)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.RunReport, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[i])
	}
	return out, nil
}
