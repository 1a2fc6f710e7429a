// Package backfill completes embeddings for exchanges persisted during an
// embedding-provider outage. It is safe to re-run at any time: finished
// rows no longer match, and failed rows are retried on the next run.
package backfill

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/recallhq/recalld/internal/logging"
	"github.com/recallhq/recalld/internal/memory"
)

var tracer = otel.Tracer("github.com/recallhq/recalld/internal/backfill")

const defaultBatchSize = 100

// Embedder vectorizes exchange text.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Result summarizes one backfill run.
type Result struct {
	Scanned int
	Updated int
	Failed  int
}

// Runner walks exchanges missing embeddings and completes them.
type Runner struct {
	store     *memory.Store
	embedder  Embedder
	batchSize int
	logger    *logging.Logger
}

// NewRunner builds a Runner. batchSize <= 0 selects the default.
func NewRunner(store *memory.Store, embedder Embedder, batchSize int, logger *logging.Logger) *Runner {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		store:     store,
		embedder:  embedder,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run backfills until no unprocessed exchange remains or the context is
// canceled. Individual failures are logged and skipped; they stay missing
// and are picked up by a later run.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	ctx, span := tracer.Start(ctx, "backfill.Run")
	defer span.End()

	result := &Result{}
	var cursor *memory.Exchange

	for {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "canceled")
			return result, err
		}

		batch, err := r.store.MissingEmbeddings(ctx, cursor, r.batchSize)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "listing missing embeddings failed")
			return result, fmt.Errorf("listing missing embeddings: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for i := range batch {
			ex := &batch[i]
			result.Scanned++

			if err := r.backfillOne(ctx, ex); err != nil {
				r.logger.Warn(ctx, "backfill skipped exchange",
					zap.String("exchange_id", ex.ID), zap.Error(err))
				result.Failed++
				continue
			}
			result.Updated++
		}

		// Advance past failed rows too: they stay missing at the head of
		// the table, and refetching them here would starve everything
		// behind them. The next run retries them from a fresh cursor.
		cursor = &batch[len(batch)-1]
	}

	span.SetAttributes(
		attribute.Int("backfill.scanned", result.Scanned),
		attribute.Int("backfill.updated", result.Updated),
		attribute.Int("backfill.failed", result.Failed),
	)
	span.SetStatus(codes.Ok, "")

	r.logger.Info(ctx, "backfill finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("updated", result.Updated),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (r *Runner) backfillOne(ctx context.Context, ex *memory.Exchange) error {
	vectors, err := r.embedder.EmbedDocuments(ctx, []string{ex.Prompt, ex.Reply})
	if err != nil {
		return fmt.Errorf("embedding exchange: %w", err)
	}
	if len(vectors) != 2 {
		return fmt.Errorf("embedding exchange: got %d vectors, want 2", len(vectors))
	}
	if err := r.store.SetEmbeddings(ctx, ex.ID, vectors[0], vectors[1]); err != nil {
		return fmt.Errorf("storing embeddings: %w", err)
	}
	return nil
}
