package threads

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallhq/recalld/internal/config"
	"github.com/recallhq/recalld/internal/memory"
	"github.com/recallhq/recalld/internal/storage"
	"github.com/recallhq/recalld/internal/vectorindex"
)

// fakeCompleter returns canned text and records prompts.
type fakeCompleter struct {
	reply   string
	err     error
	prompts []string
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func newTestManager(t *testing.T, completer Completer) (*Manager, *memory.Store, *sql.DB) {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "recalld.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx, err := vectorindex.NewChromemIndex(config.ChromemConfig{
		Path:       t.TempDir(),
		Collection: "test_exchanges",
	}, 3, nil)
	require.NoError(t, err)

	store := memory.New(db, idx, 20, nil)
	return NewManager(db, store, completer, nil), store, db
}

func putExchange(t *testing.T, store *memory.Store, owner, thread, prompt, reply string) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), &memory.Exchange{
		ID:     uuid.NewString(),
		Owner:  owner,
		Thread: thread,
		Prompt: prompt,
		Reply:  reply,
	}))
}

func TestEnsure_Idempotent(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, "alice", "t1"))
	th, err := m.Get(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, DefaultName, th.Name)

	// Second Ensure leaves the thread untouched.
	require.NoError(t, m.setName(ctx, "alice", "t1", "Custom"))
	require.NoError(t, m.Ensure(ctx, "alice", "t1"))
	th, err = m.Get(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, "Custom", th.Name)
}

func TestGet_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	_, err := m.Get(context.Background(), "alice", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := m.Exists(context.Background(), "alice", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestList_OrderedByActivity(t *testing.T) {
	m, _, db := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, "alice", "old"))
	require.NoError(t, m.Ensure(ctx, "alice", "new"))
	require.NoError(t, m.Ensure(ctx, "bob", "other"))

	// Force distinct timestamps, then bump "old" to most recent.
	_, err := db.Exec(`UPDATE threads SET updated_at_unix_ms = ? WHERE thread_id = 'new'`,
		time.Now().Add(-time.Hour).UnixMilli())
	require.NoError(t, err)
	require.NoError(t, m.Touch(ctx, "alice", "old"))

	list, err := m.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "old", list[0].ID)
	assert.Equal(t, "new", list[1].ID)
}

func TestDelete_Cascades(t *testing.T) {
	m, store, _ := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, "alice", "t1"))
	putExchange(t, store, "alice", "t1", "p1", "r1")
	putExchange(t, store, "alice", "t1", "p2", "r2")

	res, err := m.Delete(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ThreadsDeleted)
	assert.Equal(t, int64(2), res.MessagesCleared)

	_, err = m.Get(ctx, "alice", "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	history, err := store.History(ctx, "alice", "t1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	// The id is reusable after deletion.
	require.NoError(t, m.Ensure(ctx, "alice", "t1"))
	th, err := m.Get(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, DefaultName, th.Name)
}

func TestDelete_WrongOwner(t *testing.T) {
	m, store, _ := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, "bob", "t1"))
	putExchange(t, store, "bob", "t1", "p", "r")

	_, err := m.Delete(ctx, "alice", "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Bob's data is untouched.
	_, err = m.Get(ctx, "bob", "t1")
	require.NoError(t, err)
	history, err := store.History(ctx, "bob", "t1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		reply  string
		want   string
	}{
		{
			name:   "short prompt wins",
			prompt: "How do I cook rice?",
			reply:  "You rinse it first and then boil it.",
			want:   "How do I cook rice",
		},
		{
			name:   "long prompt falls back to reply",
			prompt: "This prompt is definitely longer than fifty characters in total length",
			reply:  "Rinse the rice before boiling.",
			want:   "Rinse the rice before boiling",
		},
		{
			name:   "punctuation stripped, five words kept",
			prompt: "What's the best way to learn Go, really?",
			reply:  "",
			want:   "Whats the best way to",
		},
		{
			name:   "empty input falls back",
			prompt: "",
			reply:  "",
			want:   DefaultName,
		},
		{
			name:   "symbols only falls back",
			prompt: "?!?!",
			reply:  "",
			want:   DefaultName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveTitle(tt.prompt, tt.reply))
		})
	}
}

func TestTitleIfFirstTurn(t *testing.T) {
	completer := &fakeCompleter{reply: "Cooking Rice Basics"}
	m, store, _ := newTestManager(t, completer)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, "alice", "t1"))
	putExchange(t, store, "alice", "t1", "How do I cook rice?", "Rinse then boil.")

	require.NoError(t, m.TitleIfFirstTurn(ctx, "alice", "t1", "How do I cook rice?", "Rinse then boil."))
	require.NoError(t, m.WaitForTitle(ctx))

	th, err := m.Get(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, "Cooking Rice Basics", th.Name)
}

func TestTitleIfFirstTurn_NotFirst(t *testing.T) {
	completer := &fakeCompleter{reply: "Should Not Run"}
	m, store, _ := newTestManager(t, completer)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, "alice", "t1"))
	putExchange(t, store, "alice", "t1", "p1", "r1")
	putExchange(t, store, "alice", "t1", "p2", "r2")

	require.NoError(t, m.TitleIfFirstTurn(ctx, "alice", "t1", "p2", "r2"))

	th, err := m.Get(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, DefaultName, th.Name)
	assert.Empty(t, completer.prompts)
}

func TestTitleIfFirstTurn_ModelFailureKeepsDeterministic(t *testing.T) {
	completer := &fakeCompleter{err: assert.AnError}
	m, store, _ := newTestManager(t, completer)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, "alice", "t1"))
	putExchange(t, store, "alice", "t1", "How do I cook rice?", "Rinse then boil.")

	require.NoError(t, m.TitleIfFirstTurn(ctx, "alice", "t1", "How do I cook rice?", "Rinse then boil."))
	require.NoError(t, m.WaitForTitle(ctx))

	th, err := m.Get(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, "How do I cook rice", th.Name)
}

func TestSummarize(t *testing.T) {
	completer := &fakeCompleter{reply: "```json\n{\"title\": \"Rice Cooking\", \"summary\": \"Alice learned to cook rice.\"}\n```"}
	m, store, _ := newTestManager(t, completer)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, "alice", "t1"))
	putExchange(t, store, "alice", "t1", "p1", "r1")
	putExchange(t, store, "alice", "t1", "p2", "r2")
	putExchange(t, store, "alice", "t1", "p3", "r3")

	th, err := m.Summarize(ctx, "alice", "t1")
	require.NoError(t, err)
	require.NotNil(t, th)
	assert.Equal(t, "Rice Cooking", th.Name)
	assert.Equal(t, "Alice learned to cook rice.", th.Summary)
}

func TestSummarize_BelowThreshold(t *testing.T) {
	completer := &fakeCompleter{reply: "{}"}
	m, store, _ := newTestManager(t, completer)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, "alice", "t1"))
	putExchange(t, store, "alice", "t1", "p1", "r1")

	th, err := m.Summarize(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Nil(t, th)
	assert.Empty(t, completer.prompts)
}

func TestSummarize_UnparseableOutput(t *testing.T) {
	completer := &fakeCompleter{reply: "sorry, no JSON today"}
	m, store, _ := newTestManager(t, completer)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx, "alice", "t1"))
	putExchange(t, store, "alice", "t1", "p1", "r1")
	putExchange(t, store, "alice", "t1", "p2", "r2")
	putExchange(t, store, "alice", "t1", "p3", "r3")

	th, err := m.Summarize(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Nil(t, th)
}
