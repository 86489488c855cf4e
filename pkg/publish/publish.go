// Package publish ships promoted artifacts out of the model root after a
// promotion. Publishing is best-effort: failures are reported as
// ErrPublishFailure and never undo a promotion.
package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/internal/metrics"
)

// ErrPublishFailure marks a failed, ignorable publish attempt
var ErrPublishFailure = errors.New("publish failure")

// Publisher pushes the given paths somewhere durable or shared
type Publisher interface {
	Publish(ctx context.Context, paths []string, message string) error
}

// Named pairs a publisher with the label used in logs and metrics
type Named struct {
	Name      string
	Publisher Publisher
}

// Multi runs every publisher in order. One failing publisher does not stop
// the others.
type Multi []Named

// Publish implements Publisher
func (m Multi) Publish(ctx context.Context, paths []string, message string) error {
	var errs []error
	for _, p := range m {
		if err := p.Publisher.Publish(ctx, paths, message); err != nil {
			metrics.PublishFailures.WithLabelValues(p.Name).Inc()
			logging.Warn().Err(err).Str("publisher", p.Name).Msg("Publish failed")
			if !errors.Is(err, ErrPublishFailure) {
				err = fmt.Errorf("%w: %s: %w", ErrPublishFailure, p.Name, err)
			}
			errs = append(errs, err)
			continue
		}
		logging.Debug().Str("publisher", p.Name).Int("paths", len(paths)).Msg("Published")
	}
	return errors.Join(errs...)
}

// Nop publishes nothing
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(context.Context, []string, string) error {
	return nil
}
