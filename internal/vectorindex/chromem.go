package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"os"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/recallhq/recalld/internal/config"
	"github.com/recallhq/recalld/internal/logging"
)

var chromemTracer = otel.Tracer("github.com/recallhq/recalld/internal/vectorindex")

// ChromemIndex is an embedded, persistent index backed by chromem-go.
// Pure Go, no external service. The default backend.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *logging.Logger
}

// NewChromemIndex opens (or creates) a persistent chromem index.
func NewChromemIndex(cfg config.ChromemConfig, dimensions int, logger *logging.Logger) (*ChromemIndex, error) {
	if dimensions < 1 {
		return nil, fmt.Errorf("%w: dimensions must be positive", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	path, err := config.ExpandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("creating index directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("opening chromem DB: %w", err)
	}

	// Vectors are always supplied by the caller; the embedding func exists
	// only to satisfy the collection API and must never run.
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	logger.Info(context.Background(), "chromem index initialized",
		zap.String("path", path),
		zap.String("collection", cfg.Collection),
		zap.Bool("compress", cfg.Compress),
		zap.Int("dimensions", dimensions),
	)

	return &ChromemIndex{db: db, collection: collection, logger: logger}, nil
}

func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("index does not embed; vectors must be precomputed")
}

// Upsert inserts or replaces points by id.
func (i *ChromemIndex) Upsert(ctx context.Context, points []Point) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert",
		trace.WithAttributes(attribute.Int("point_count", len(points))))
	defer span.End()

	if len(points) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(points))
	for n, p := range points {
		if p.ID == "" {
			err := fmt.Errorf("point %d has empty id", n)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		docs[n] = chromem.Document{
			ID:        p.ID,
			Content:   p.ID,
			Embedding: p.Vector,
		}
	}

	// Concurrency 1: embeddings are precomputed, nothing to parallelize.
	if err := i.collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding points: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Nearest returns up to k matches for the query vector, best first.
func (i *ChromemIndex) Nearest(ctx context.Context, vector []float32, k int) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Nearest",
		trace.WithAttributes(attribute.Int("k", k)))
	defer span.End()

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	// chromem requires nResults <= document count, and the count can drop
	// between the clamp and the query when a thread deletion runs
	// concurrently. On that race, re-clamp and retry instead of failing
	// the turn.
	var results []chromem.Result
	for {
		count := i.collection.Count()
		if count == 0 {
			span.SetStatus(codes.Ok, "empty index")
			return []Match{}, nil
		}
		n := k
		if n > count {
			n = count
		}

		var err error
		results, err = i.collection.QueryEmbedding(ctx, vector, n, nil, nil)
		if err == nil {
			break
		}
		if i.collection.Count() < n {
			continue
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	matches := make([]Match, len(results))
	for n, r := range results {
		matches[n] = Match{ID: r.ID, Score: r.Similarity}
	}

	span.SetAttributes(attribute.Int("match_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// Delete removes points by id. Unknown ids are ignored.
func (i *ChromemIndex) Delete(ctx context.Context, ids []string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Delete",
		trace.WithAttributes(attribute.Int("id_count", len(ids))))
	defer span.End()

	if len(ids) == 0 {
		return nil
	}

	if err := i.collection.Delete(ctx, nil, nil, ids...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting points: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Close is a no-op: chromem persists synchronously.
func (i *ChromemIndex) Close() error {
	return nil
}
