// Package vectorindex provides approximate-nearest-neighbor indexes over
// externally computed vectors. The index stores one point per exchange,
// keyed by exchange id, and knows nothing about owners or threads: callers
// over-fetch and filter against their own records.
package vectorindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/recallhq/recalld/internal/config"
	"github.com/recallhq/recalld/internal/logging"
)

var (
	// ErrInvalidConfig indicates invalid index configuration.
	ErrInvalidConfig = errors.New("invalid index configuration")

	// ErrConnectionFailed indicates the index backend is unreachable.
	ErrConnectionFailed = errors.New("index connection failed")
)

// Point is a vector keyed by exchange id.
type Point struct {
	ID     string
	Vector []float32
}

// Match is a scored nearest-neighbor result.
type Match struct {
	ID    string
	Score float32
}

// Index is a metadata-blind ANN index.
type Index interface {
	// Upsert inserts or replaces points by id.
	Upsert(ctx context.Context, points []Point) error

	// Nearest returns up to k matches for the query vector, best first.
	// An empty index yields empty results, not an error.
	Nearest(ctx context.Context, vector []float32, k int) ([]Match, error)

	// Delete removes points by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Close releases backend resources.
	Close() error
}

// New creates the configured index backend.
func New(cfg config.IndexConfig, dimensions int, logger *logging.Logger) (Index, error) {
	switch cfg.Provider {
	case "chromem":
		return NewChromemIndex(cfg.Chromem, dimensions, logger)
	case "qdrant":
		return NewQdrantIndex(cfg.Qdrant, dimensions, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
