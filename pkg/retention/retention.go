// Package retention bounds the version history of each family.
package retention

import (
	"context"
	"errors"
	"fmt"

	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/internal/metrics"
	"github.com/vjranagit/modelvault/pkg/storage"
	"github.com/vjranagit/modelvault/pkg/types"
)

// ErrPruneFailure is returned when one or more versions could not be
// deleted. Versions that were deleted stay deleted.
var ErrPruneFailure = errors.New("prune failure")

// DefaultKeepLast is the number of versions kept when nothing is configured
const DefaultKeepLast = 30

// Policy keeps the newest versions of a family and deletes the rest
type Policy struct {
	store storage.VersionStore
}

// NewPolicy creates a retention policy over store
func NewPolicy(store storage.VersionStore) *Policy {
	return &Policy{store: store}
}

// Prune deletes all but the keepLast newest versions of family, oldest
// first, and returns the deleted keys. keepLast of 0 deletes the whole
// history. The current pointer is a copy and is never touched. Deletion
// continues past individual failures.
func (p *Policy) Prune(ctx context.Context, family string, keepLast int) ([]types.VersionID, error) {
	if keepLast < 0 {
		return nil, fmt.Errorf("keep_last must be >= 0, got %d", keepLast)
	}

	versions, err := p.store.List(ctx, family)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPruneFailure, err)
	}
	if len(versions) <= keepLast {
		return []types.VersionID{}, nil
	}

	excess := versions[:len(versions)-keepLast]
	deleted := make([]types.VersionID, 0, len(excess))
	var errs []error

	for _, id := range excess {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := p.store.Delete(ctx, family, id); err != nil {
			metrics.PruneFailures.WithLabelValues(family).Inc()
			logging.Warn().Err(err).Str("family", family).Str("version", string(id)).Msg("Failed to prune version")
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, id)
	}

	metrics.VersionsPruned.WithLabelValues(family).Add(float64(len(deleted)))
	if len(deleted) > 0 {
		logging.Info().
			Str("family", family).
			Int("deleted", len(deleted)).
			Int("keep_last", keepLast).
			Msg("Pruned version history")
	}

	if len(errs) > 0 {
		return deleted, fmt.Errorf("%w: %s: %w", ErrPruneFailure, family, errors.Join(errs...))
	}
	return deleted, nil
}
