package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/vjranagit/modelvault/pkg/storage"
	"github.com/vjranagit/modelvault/pkg/types"
)

const fileLedgerLockPoll = 20 * time.Millisecond

// FileLedger keeps all records in one JSON document,
// {"irrigation": {"score": 0.91, "version": "...", "last_updated": "..."}}.
// Writes go to a temp file that is synced and renamed over the original,
// under an exclusive lock on <path>.lock shared by every process.
type FileLedger struct {
	path string
	mu   sync.Mutex
}

// NewFileLedger creates a ledger backed by the JSON file at path
func NewFileLedger(path string) (*FileLedger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	l := &FileLedger{path: path}
	if _, err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the ledger file location
func (l *FileLedger) Path() string {
	return l.path
}

// Get implements Ledger.Get
func (l *FileLedger) Get(ctx context.Context, family string) (types.MetricsRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.MetricsRecord{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.load()
	if err != nil {
		return types.MetricsRecord{}, false, err
	}
	rec, ok := records[family]
	return rec, ok, nil
}

// Set implements Ledger.Set
func (l *FileLedger) Set(ctx context.Context, family string, rec types.MetricsRecord) error {
	if err := types.ValidateFamily(family); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := storage.LockFile(ctx, l.lockPath(), fileLedgerLockPoll)
	if err != nil {
		return fmt.Errorf("lock ledger %s: %w", l.path, err)
	}
	defer lock.Unlock()

	records, err := l.load()
	if err != nil {
		return err
	}
	records[family] = rec
	return l.store(records)
}

// All implements Ledger.All
func (l *FileLedger) All(ctx context.Context) (map[string]types.MetricsRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// Close implements Ledger.Close
func (l *FileLedger) Close() error {
	return nil
}

func (l *FileLedger) lockPath() string {
	return l.path + ".lock"
}

func (l *FileLedger) load() (map[string]types.MetricsRecord, error) {
	records := make(map[string]types.MetricsRecord)

	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return records, nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", l.path, err)
	}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", l.path, err)
	}
	return records, nil
}

func (l *FileLedger) store(records map[string]types.MetricsRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create ledger temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close ledger: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace ledger: %w", err)
	}

	dir, err := os.Open(filepath.Dir(l.path))
	if err != nil {
		return fmt.Errorf("open ledger directory: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync ledger directory: %w", err)
	}
	return nil
}
