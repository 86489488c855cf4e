// Package trainer is the boundary to the external training step. The
// lifecycle manager never trains models itself; it asks a Trainer for an
// artifact set and the score it achieved.
package trainer

import (
	"context"
	"errors"

	"github.com/vjranagit/modelvault/pkg/types"
)

// ErrTrainingFailure marks any failure to produce a usable candidate
var ErrTrainingFailure = errors.New("training failure")

// Trainer produces one candidate for a family
type Trainer interface {
	Train(ctx context.Context) (types.ArtifactSet, float64, error)
}

// Func adapts a function to Trainer
type Func func(ctx context.Context) (types.ArtifactSet, float64, error)

// Train implements Trainer
func (f Func) Train(ctx context.Context) (types.ArtifactSet, float64, error) {
	return f(ctx)
}
