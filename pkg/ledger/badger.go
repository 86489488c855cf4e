package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/vjranagit/modelvault/pkg/storage"
	"github.com/vjranagit/modelvault/pkg/types"
)

const (
	badgerKeyPrefix = "ledger/"
	badgerLockPoll  = 20 * time.Millisecond
)

// BadgerLedger stores one key per family in BadgerDB. Writes are synced so a
// promotion recorded here survives a crash.
//
// Badger holds an exclusive lock on its directory while open, so the
// database is opened for each operation only, under <dir>.lock. A long
// running server and a retrain run can then share one ledger.
type BadgerLedger struct {
	dir  string
	opts badger.Options
	mu   sync.Mutex
}

// NewBadgerLedger opens (or creates) a BadgerDB ledger in dir
func NewBadgerLedger(dir string) (*BadgerLedger, error) {
	if dir == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	l := &BadgerLedger{
		dir: dir,
		opts: badger.DefaultOptions(dir).
			WithSyncWrites(true).
			WithLogger(nil),
	}
	if err := l.withDB(context.Background(), func(*badger.DB) error { return nil }); err != nil {
		return nil, err
	}
	return l, nil
}

// withDB opens the database, runs fn and closes it again
func (l *BadgerLedger) withDB(ctx context.Context, fn func(db *badger.DB) error) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := storage.LockFile(ctx, l.dir+".lock", badgerLockPoll)
	if err != nil {
		return fmt.Errorf("lock ledger %s: %w", l.dir, err)
	}
	defer lock.Unlock()

	db, err := badger.Open(l.opts)
	if err != nil {
		return fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close BadgerDB: %w", cerr)
		}
	}()
	return fn(db)
}

func badgerKey(family string) []byte {
	return []byte(badgerKeyPrefix + family)
}

// Get implements Ledger.Get
func (l *BadgerLedger) Get(ctx context.Context, family string) (types.MetricsRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.MetricsRecord{}, false, err
	}

	var payload []byte
	err := l.withDB(ctx, func(db *badger.DB) error {
		return db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(badgerKey(family))
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				payload = append([]byte{}, val...)
				return nil
			})
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.MetricsRecord{}, false, nil
	}
	if err != nil {
		return types.MetricsRecord{}, false, fmt.Errorf("read ledger entry %s: %w", family, err)
	}

	var rec types.MetricsRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return types.MetricsRecord{}, false, fmt.Errorf("failed to unmarshal ledger entry %s: %w", family, err)
	}
	return rec, true, nil
}

// Set implements Ledger.Set
func (l *BadgerLedger) Set(ctx context.Context, family string, rec types.MetricsRecord) error {
	if err := types.ValidateFamily(family); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}
	return l.withDB(ctx, func(db *badger.DB) error {
		return db.Update(func(txn *badger.Txn) error {
			return txn.Set(badgerKey(family), payload)
		})
	})
}

// All implements Ledger.All
func (l *BadgerLedger) All(ctx context.Context) (map[string]types.MetricsRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := make(map[string]types.MetricsRecord)
	err := l.withDB(ctx, func(db *badger.DB) error {
		return db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(badgerKeyPrefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				family := string(item.Key()[len(badgerKeyPrefix):])
				err := item.Value(func(val []byte) error {
					var rec types.MetricsRecord
					if err := json.Unmarshal(val, &rec); err != nil {
						return fmt.Errorf("failed to unmarshal ledger entry %s: %w", family, err)
					}
					records[family] = rec
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close implements Ledger.Close. The database is never held open between
// operations, so there is nothing to release.
func (l *BadgerLedger) Close() error {
	return nil
}
