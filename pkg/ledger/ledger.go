// Package ledger records the best promoted score of every model family. It
// is the single source of truth consulted at the start of each retrain
// cycle, so every write is persisted before Set returns.
package ledger

import (
	"context"
	"fmt"

	"github.com/vjranagit/modelvault/pkg/types"
)

// Ledger is the metrics ledger contract
type Ledger interface {
	// Get returns the record of a family; found is false when the family
	// has never been promoted
	Get(ctx context.Context, family string) (rec types.MetricsRecord, found bool, err error)

	// Set overwrites the record of a family durably
	Set(ctx context.Context, family string, rec types.MetricsRecord) error

	// All returns every record keyed by family
	All(ctx context.Context) (map[string]types.MetricsRecord, error)

	Close() error
}

// Backend names accepted by Open
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Open creates a ledger for the named backend
func Open(backend, path string) (Ledger, error) {
	switch backend {
	case BackendFile, "":
		return NewFileLedger(path)
	case BackendBadger:
		return NewBadgerLedger(path)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}
