// Package memory is the user-scoped vector memory store. Exchanges are
// authoritative in SQLite; the ANN index holds one reply-embedding point
// per exchange and is metadata-blind. Retrieval over-fetches raw
// candidates from the index and filters them against SQLite by owner, so
// an index compromise or bug can never leak another owner's text.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/recallhq/recalld/internal/logging"
	"github.com/recallhq/recalld/internal/vectorindex"
)

var tracer = otel.Tracer("github.com/recallhq/recalld/internal/memory")

// ErrInvalidExchange indicates a Put with missing required fields.
var ErrInvalidExchange = errors.New("invalid exchange")

// Store persists exchanges and serves similarity retrieval.
type Store struct {
	db        *sql.DB
	index     vectorindex.Index
	overfetch int
	logger    *logging.Logger
}

// New creates a Store. overfetch is the candidate multiplier applied to k
// before owner filtering; values below 1 are raised to 1.
func New(db *sql.DB, index vectorindex.Index, overfetch int, logger *logging.Logger) *Store {
	if overfetch < 1 {
		overfetch = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{db: db, index: index, overfetch: overfetch, logger: logger}
}

// Put inserts an exchange. If the reply embedding is present the index
// point is upserted; otherwise the row waits for backfill. Duplicate
// prompt/reply content is allowed; ids must be unique.
func (s *Store) Put(ctx context.Context, ex *Exchange) error {
	ctx, span := tracer.Start(ctx, "memory.Put",
		trace.WithAttributes(
			attribute.String("exchange.id", ex.ID),
			attribute.Bool("embedded", ex.ReplyEmbedding != nil),
		))
	defer span.End()

	if ex.ID == "" || ex.Owner == "" || ex.Thread == "" {
		return fmt.Errorf("%w: id, owner and thread are required", ErrInvalidExchange)
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO exchanges(id, owner_id, thread_id, prompt, reply, prompt_embedding, reply_embedding, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, ex.ID, ex.Owner, ex.Thread, ex.Prompt, ex.Reply,
		encodeVector(ex.PromptEmbedding), encodeVector(ex.ReplyEmbedding),
		ex.CreatedAt.UnixMilli())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("inserting exchange: %w", err)
	}

	if ex.ReplyEmbedding != nil {
		if err := s.index.Upsert(ctx, []vectorindex.Point{{ID: ex.ID, Vector: ex.ReplyEmbedding}}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("indexing exchange: %w", err)
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Nearest returns up to k of the owner's exchanges most similar to the
// query vector, best first. thread narrows the search to one thread; empty
// means all of the owner's threads.
//
// The index returns top candidates with no notion of ownership, so this
// over-fetches k*overfetch points and keeps only ids that resolve to the
// owner's rows. An owner whose data is drowned out by k*overfetch closer
// strangers sees fewer (possibly zero) results; raise the multiplier to
// trade index read cost for recall.
func (s *Store) Nearest(ctx context.Context, owner string, vec []float32, k int, thread string) ([]ScoredExchange, error) {
	ctx, span := tracer.Start(ctx, "memory.Nearest",
		trace.WithAttributes(
			attribute.Int("k", k),
			attribute.Int("overfetch", s.overfetch),
			attribute.Bool("thread_scoped", thread != ""),
		))
	defer span.End()

	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	matches, err := s.index.Nearest(ctx, vec, k*s.overfetch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying index: %w", err)
	}
	if len(matches) == 0 {
		return []ScoredExchange{}, nil
	}

	ids := make([]string, len(matches))
	scores := make(map[string]float32, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
		scores[m.ID] = m.Score
	}

	owned, err := s.resolveOwned(ctx, owner, thread, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Preserve index order: matches are already best-first.
	results := make([]ScoredExchange, 0, k)
	for _, m := range matches {
		ex, ok := owned[m.ID]
		if !ok {
			continue
		}
		results = append(results, ScoredExchange{Exchange: ex, Score: scores[m.ID]})
		if len(results) == k {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("candidates", len(matches)),
		attribute.Int("results", len(results)),
	)
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// resolveOwned loads the subset of ids that belong to owner (and thread,
// if given), keyed by exchange id.
func (s *Store) resolveOwned(ctx context.Context, owner, thread string, ids []string) (map[string]Exchange, error) {
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+2)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, owner)

	query := fmt.Sprintf(`
SELECT id, owner_id, thread_id, prompt, reply, prompt_embedding, reply_embedding, created_at_unix_ms
FROM exchanges
WHERE id IN (%s) AND owner_id = ?`, placeholders)
	if thread != "" {
		query += " AND thread_id = ?"
		args = append(args, thread)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolving candidates: %w", err)
	}
	defer rows.Close()

	owned := make(map[string]Exchange)
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		owned[ex.ID] = ex
	}
	return owned, rows.Err()
}

// History returns the owner's last limit exchanges of a thread in
// chronological order.
func (s *Store) History(ctx context.Context, owner, thread string, limit int) ([]Exchange, error) {
	ctx, span := tracer.Start(ctx, "memory.History",
		trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, thread_id, prompt, reply, prompt_embedding, reply_embedding, created_at_unix_ms
FROM (
  SELECT * FROM exchanges
  WHERE owner_id = ? AND thread_id = ?
  ORDER BY created_at_unix_ms DESC, id DESC
  LIMIT ?
)
ORDER BY created_at_unix_ms ASC, id ASC
`, owner, thread, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	out := make([]Exchange, 0, limit)
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}

	span.SetStatus(codes.Ok, "success")
	return out, rows.Err()
}

// CountByThread returns how many exchanges a thread holds.
func (s *Store) CountByThread(ctx context.Context, owner, thread string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM exchanges WHERE owner_id = ? AND thread_id = ?`,
		owner, thread).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting exchanges: %w", err)
	}
	return n, nil
}

// DeleteByThread removes all of a thread's exchanges, rows and index
// points both, and returns the number of rows removed.
func (s *Store) DeleteByThread(ctx context.Context, owner, thread string) (int64, error) {
	ctx, span := tracer.Start(ctx, "memory.DeleteByThread")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM exchanges WHERE owner_id = ? AND thread_id = ?`, owner, thread)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("listing exchanges: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM exchanges WHERE owner_id = ? AND thread_id = ?`, owner, thread)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("deleting exchanges: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if err := s.index.Delete(ctx, ids); err != nil {
		// Rows are gone; orphaned points can never resolve to an owner,
		// so they are unreachable. Report the inconsistency anyway.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return deleted, fmt.Errorf("deleting index points: %w", err)
	}

	span.SetAttributes(attribute.Int64("deleted", deleted))
	span.SetStatus(codes.Ok, "success")

	s.logger.Info(ctx, "thread memory cleared",
		zap.String("thread", thread),
		zap.Int64("exchanges", deleted),
	)
	return deleted, nil
}

// MissingEmbeddings returns up to limit exchanges that still lack an
// embedding, oldest first, starting strictly after the cursor exchange.
// A nil cursor starts from the beginning. Backfill advances the cursor
// past rows that keep failing, so a poisoned prefix never starves the
// rows behind it.
func (s *Store) MissingEmbeddings(ctx context.Context, after *Exchange, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
SELECT id, owner_id, thread_id, prompt, reply, prompt_embedding, reply_embedding, created_at_unix_ms
FROM exchanges
WHERE (reply_embedding IS NULL OR prompt_embedding IS NULL)`
	args := make([]any, 0, 3)
	if after != nil {
		query += `
AND (created_at_unix_ms, id) > (?, ?)`
		args = append(args, after.CreatedAt.UnixMilli(), after.ID)
	}
	query += `
ORDER BY created_at_unix_ms ASC, id ASC
LIMIT ?
`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing unembedded exchanges: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// SetEmbeddings fills the vectors on an existing exchange and upserts its
// index point. It never creates a new exchange.
func (s *Store) SetEmbeddings(ctx context.Context, id string, promptVec, replyVec []float32) error {
	ctx, span := tracer.Start(ctx, "memory.SetEmbeddings",
		trace.WithAttributes(attribute.String("exchange.id", id)))
	defer span.End()

	res, err := s.db.ExecContext(ctx, `
UPDATE exchanges SET prompt_embedding = ?, reply_embedding = ? WHERE id = ?
`, encodeVector(promptVec), encodeVector(replyVec), id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("updating embeddings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("exchange %s not found", id)
	}

	if replyVec != nil {
		if err := s.index.Upsert(ctx, []vectorindex.Point{{ID: id, Vector: replyVec}}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("indexing exchange: %w", err)
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExchange(row rowScanner) (Exchange, error) {
	var ex Exchange
	var promptBlob, replyBlob []byte
	var createdMs int64
	if err := row.Scan(&ex.ID, &ex.Owner, &ex.Thread, &ex.Prompt, &ex.Reply,
		&promptBlob, &replyBlob, &createdMs); err != nil {
		return Exchange{}, fmt.Errorf("scanning exchange: %w", err)
	}

	var err error
	if ex.PromptEmbedding, err = decodeVector(promptBlob); err != nil {
		return Exchange{}, err
	}
	if ex.ReplyEmbedding, err = decodeVector(replyBlob); err != nil {
		return Exchange{}, err
	}
	ex.CreatedAt = time.UnixMilli(createdMs)
	return ex, nil
}
