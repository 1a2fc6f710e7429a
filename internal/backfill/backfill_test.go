package backfill

import (
	"context"
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

type fakeEmbedder struct {
	failPrompts map[string]bool
	calls       int
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.failPrompts[texts[0]] {
		return nil, assert.AnError
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0, 0}
	}
	return vectors, nil
}

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "recalld.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx, err := vectorindex.NewChromemIndex(config.ChromemConfig{
		Path:       t.TempDir(),
		Collection: "test_exchanges",
	}, 3, nil)
	require.NoError(t, err)

	return memory.New(db, idx, 20, nil)
}

// seedClock spaces seeded rows one second apart so their scan order is
// deterministic.
var seedClock int64

func seedUnembedded(t *testing.T, store *memory.Store, prompt string) {
	t.Helper()
	seedClock++
	require.NoError(t, store.Put(context.Background(), &memory.Exchange{
		ID:        uuid.NewString(),
		Owner:     "alice",
		Thread:    "t1",
		Prompt:    prompt,
		Reply:     "reply to " + prompt,
		CreatedAt: time.Now().Add(time.Duration(seedClock) * time.Second),
	}))
}

func TestRun_BackfillsAllMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedUnembedded(t, store, "p1")
	seedUnembedded(t, store, "p2")
	seedUnembedded(t, store, "p3")

	runner := NewRunner(store, &fakeEmbedder{}, 2, nil)
	result, err := runner.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Scanned)
	assert.Equal(t, 3, result.Updated)
	assert.Zero(t, result.Failed)

	missing, err := store.MissingEmbeddings(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	// Backfilled rows are retrievable afterwards.
	results, err := store.Nearest(ctx, "alice", []float32{1, 0, 0}, 10, "")
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestRun_NothingToDo(t *testing.T) {
	store := newTestStore(t)

	runner := NewRunner(store, &fakeEmbedder{}, 10, nil)
	result, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Scanned)
}

func TestRun_SkipsFailuresAndTerminates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedUnembedded(t, store, "good")
	seedUnembedded(t, store, "bad")

	runner := NewRunner(store, &fakeEmbedder{failPrompts: map[string]bool{"bad": true}}, 10, nil)
	result, err := runner.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 1, result.Failed)

	// The failed row is still missing, available for the next run.
	missing, err := store.MissingEmbeddings(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "bad", missing[0].Prompt)
}

func TestRun_FailingRowDoesNotStarveNewerRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// "bad" is older than "good" and fails on every attempt. With batch
	// size 1 every fetch would otherwise start (and end) at the bad row;
	// the cursor has to move past it so "good" is still reached.
	seedUnembedded(t, store, "bad")
	seedUnembedded(t, store, "good")

	runner := NewRunner(store, &fakeEmbedder{failPrompts: map[string]bool{"bad": true}}, 1, nil)
	result, err := runner.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 1, result.Failed)

	missing, err := store.MissingEmbeddings(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "bad", missing[0].Prompt)

	// The good row behind the failure is retrievable.
	results, err := store.Nearest(ctx, "alice", []float32{1, 0, 0}, 10, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "good", results[0].Prompt)
}

func TestRun_FailedRunIsResumable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedUnembedded(t, store, "flaky")

	embedder := &fakeEmbedder{failPrompts: map[string]bool{"flaky": true}}
	runner := NewRunner(store, embedder, 10, nil)

	result, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	// Provider recovered: a second run completes the row.
	embedder.failPrompts = nil
	result, err = runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	missing, err := store.MissingEmbeddings(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestRun_Canceled(t *testing.T) {
	store := newTestStore(t)
	seedUnembedded(t, store, "p1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(store, &fakeEmbedder{}, 10, nil)
	_, err := runner.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
