// Package threads manages thread lifecycle: creation on first use,
// naming, summaries, and deletion with its memory cascade. A thread is
// Absent until its first turn, Active while it has a row, and Deleted
// (indistinguishable from Absent, id reusable) afterwards.
package threads

import (
	"context"
	"database/sql"
	"encoding/json"
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
	"github.com/recallhq/recalld/internal/memory"
)

var tracer = otel.Tracer("github.com/recallhq/recalld/internal/threads")

// ErrNotFound indicates the thread does not exist for this owner. Another
// owner's thread with the same id reports the same error; existence is
// never leaked across owners.
var ErrNotFound = errors.New("thread not found")

// Thread is one conversation owned by a single user.
type Thread struct {
	Owner     string
	ID        string
	Name      string
	Summary   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeleteResult reports what a thread deletion removed.
type DeleteResult struct {
	ThreadsDeleted  int64
	MessagesCleared int64
}

// Completer is the tool-free model call used for generated titles and
// summaries.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Manager owns the threads table and the deletion cascade.
type Manager struct {
	db        *sql.DB
	store     *memory.Store
	completer Completer
	logger    *logging.Logger

	// titleDone signals completion of the async title rewrite. Tests
	// block on it; production ignores it.
	titleDone chan struct{}
}

// NewManager creates a Manager. completer may be nil, which disables
// model-generated titles and summaries but keeps deterministic ones.
func NewManager(db *sql.DB, store *memory.Store, completer Completer, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		db:        db,
		store:     store,
		completer: completer,
		logger:    logger,
		titleDone: make(chan struct{}, 16),
	}
}

// Ensure creates the thread if absent. Idempotent: an existing thread is
// left untouched.
func (m *Manager) Ensure(ctx context.Context, owner, thread string) error {
	ctx, span := tracer.Start(ctx, "threads.Ensure")
	defer span.End()

	now := time.Now().UnixMilli()
	_, err := m.db.ExecContext(ctx, `
INSERT INTO threads(owner_id, thread_id, name, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(owner_id, thread_id) DO NOTHING
`, owner, thread, DefaultName, now, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("ensuring thread: %w", err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Get returns the owner's thread, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, owner, thread string) (*Thread, error) {
	var t Thread
	var createdMs, updatedMs int64
	err := m.db.QueryRowContext(ctx, `
SELECT owner_id, thread_id, name, summary, created_at_unix_ms, updated_at_unix_ms
FROM threads WHERE owner_id = ? AND thread_id = ?
`, owner, thread).Scan(&t.Owner, &t.ID, &t.Name, &t.Summary, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading thread: %w", err)
	}
	t.CreatedAt = time.UnixMilli(createdMs)
	t.UpdatedAt = time.UnixMilli(updatedMs)
	return &t, nil
}

// Exists reports whether the owner's thread is Active.
func (m *Manager) Exists(ctx context.Context, owner, thread string) (bool, error) {
	_, err := m.Get(ctx, owner, thread)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns the owner's threads, most recently active first.
func (m *Manager) List(ctx context.Context, owner string) ([]Thread, error) {
	ctx, span := tracer.Start(ctx, "threads.List")
	defer span.End()

	rows, err := m.db.QueryContext(ctx, `
SELECT owner_id, thread_id, name, summary, created_at_unix_ms, updated_at_unix_ms
FROM threads WHERE owner_id = ?
ORDER BY updated_at_unix_ms DESC, thread_id DESC
`, owner)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		var t Thread
		var createdMs, updatedMs int64
		if err := rows.Scan(&t.Owner, &t.ID, &t.Name, &t.Summary, &createdMs, &updatedMs); err != nil {
			return nil, err
		}
		t.CreatedAt = time.UnixMilli(createdMs)
		t.UpdatedAt = time.UnixMilli(updatedMs)
		out = append(out, t)
	}
	span.SetAttributes(attribute.Int("thread_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, rows.Err()
}

// Touch bumps the thread's last-activity timestamp.
func (m *Manager) Touch(ctx context.Context, owner, thread string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE threads SET updated_at_unix_ms = ? WHERE owner_id = ? AND thread_id = ?`,
		time.Now().UnixMilli(), owner, thread)
	if err != nil {
		return fmt.Errorf("touching thread: %w", err)
	}
	return nil
}

// Delete removes the owner's thread and all of its exchanges. The
// ownership check runs first: a thread owned by someone else (or not at
// all) returns ErrNotFound with nothing removed. This is the single
// deletion path for both the HTTP endpoint and the model's delete tool.
func (m *Manager) Delete(ctx context.Context, owner, thread string) (*DeleteResult, error) {
	ctx, span := tracer.Start(ctx, "threads.Delete",
		trace.WithAttributes(attribute.String("thread.id", thread)))
	defer span.End()

	if _, err := m.Get(ctx, owner, thread); err != nil {
		span.SetStatus(codes.Error, "not found")
		return nil, err
	}

	cleared, err := m.store.DeleteByThread(ctx, owner, thread)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("clearing thread memory: %w", err)
	}

	res, err := m.db.ExecContext(ctx,
		`DELETE FROM threads WHERE owner_id = ? AND thread_id = ?`, owner, thread)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("deleting thread: %w", err)
	}
	deleted, _ := res.RowsAffected()

	span.SetAttributes(attribute.Int64("messages_cleared", cleared))
	span.SetStatus(codes.Ok, "success")

	m.logger.Info(ctx, "thread deleted",
		zap.String("thread", thread),
		zap.Int64("messages_cleared", cleared),
	)

	return &DeleteResult{ThreadsDeleted: deleted, MessagesCleared: cleared}, nil
}

// TitleIfFirstTurn gives a thread its real name after its first exchange:
// a deterministic title immediately, then a best-effort model-generated
// one in the background. Later turns are no-ops. Two racing first turns
// may both rewrite the name; the loser's value is still a valid title.
func (m *Manager) TitleIfFirstTurn(ctx context.Context, owner, thread, prompt, reply string) error {
	ctx, span := tracer.Start(ctx, "threads.TitleIfFirstTurn")
	defer span.End()

	count, err := m.store.CountByThread(ctx, owner, thread)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if count != 1 {
		span.SetStatus(codes.Ok, "not first turn")
		return nil
	}

	if err := m.setName(ctx, owner, thread, DeriveTitle(prompt, reply)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if m.completer != nil {
		bg := context.WithoutCancel(ctx)
		go m.generateTitle(bg, owner, thread, prompt)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// generateTitle asks the model for a title and overwrites the
// deterministic one. Failures are logged and dropped.
func (m *Manager) generateTitle(ctx context.Context, owner, thread, message string) {
	defer func() {
		select {
		case m.titleDone <- struct{}{}:
		default:
		}
	}()

	prompt := fmt.Sprintf(`Generate a very short conversation title (3-6 words max) based on this message:
%q

Rules:
- No punctuation
- No quotes
- Must be concise and descriptive`, message)

	title, err := m.completer.Complete(ctx, prompt)
	if err != nil {
		m.logger.Warn(ctx, "title generation failed", zap.Error(err))
		return
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}
	if err := m.setName(ctx, owner, thread, title); err != nil {
		m.logger.Warn(ctx, "title update failed", zap.Error(err))
	}
}

func (m *Manager) setName(ctx context.Context, owner, thread, name string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE threads SET name = ? WHERE owner_id = ? AND thread_id = ?`,
		name, owner, thread)
	if err != nil {
		return fmt.Errorf("setting thread name: %w", err)
	}
	return nil
}

// threadDigest is the model's JSON answer for Summarize.
type threadDigest struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Summarize asks the model to condense the thread's first ten exchanges
// into a title and a 1-2 sentence summary, and stores both. Threads with
// fewer than three exchanges, and unparseable model output, yield nil
// without error.
func (m *Manager) Summarize(ctx context.Context, owner, thread string) (*Thread, error) {
	ctx, span := tracer.Start(ctx, "threads.Summarize")
	defer span.End()

	if m.completer == nil {
		return nil, nil
	}

	history, err := m.store.History(ctx, owner, thread, 10)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(history) < 3 {
		span.SetStatus(codes.Ok, "below threshold")
		return nil, nil
	}

	var conversation strings.Builder
	for i, ex := range history {
		if i > 0 {
			conversation.WriteString("\n\n")
		}
		fmt.Fprintf(&conversation, "User: %s\nAssistant: %s", ex.Prompt, ex.Reply)
	}

	prompt := fmt.Sprintf(`Summarize the following conversation in 1-2 concise sentences.
Also suggest a short title (max 6 words).

Conversation:
%s

Respond in this JSON format:
{
  "title": "...",
  "summary": "..."
}`, conversation.String())

	raw, err := m.completer.Complete(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("summarizing thread: %w", err)
	}

	// Models like to wrap JSON in markdown fences.
	raw = strings.ReplaceAll(raw, "```json", "")
	raw = strings.ReplaceAll(raw, "```", "")
	raw = strings.TrimSpace(raw)

	var digest threadDigest
	if err := json.Unmarshal([]byte(raw), &digest); err != nil {
		m.logger.Warn(ctx, "unparseable summary output", zap.Error(err))
		span.SetStatus(codes.Ok, "unparseable output")
		return nil, nil
	}

	_, err = m.db.ExecContext(ctx,
		`UPDATE threads SET name = ?, summary = ? WHERE owner_id = ? AND thread_id = ?`,
		digest.Title, digest.Summary, owner, thread)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("storing summary: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return m.Get(ctx, owner, thread)
}

// WaitForTitle blocks until a pending background title rewrite finishes.
// Test helper; do not use on the serving path.
func (m *Manager) WaitForTitle(ctx context.Context) error {
	select {
	case <-m.titleDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
