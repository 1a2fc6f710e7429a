package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallhq/recalld/internal/config"
	"github.com/recallhq/recalld/internal/storage"
	"github.com/recallhq/recalld/internal/vectorindex"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "recalld.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx, err := vectorindex.NewChromemIndex(config.ChromemConfig{
		Path:       t.TempDir(),
		Collection: "test_exchanges",
	}, 3, nil)
	require.NoError(t, err)

	return New(db, idx, 20, nil)
}

func putExchange(t *testing.T, s *Store, owner, thread string, vec []float32) *Exchange {
	t.Helper()
	ex := &Exchange{
		ID:     uuid.NewString(),
		Owner:  owner,
		Thread: thread,
		Prompt: "prompt for " + owner,
		Reply:  "reply for " + owner,
	}
	if vec != nil {
		ex.PromptEmbedding = vec
		ex.ReplyEmbedding = vec
	}
	require.NoError(t, s.Put(context.Background(), ex))
	return ex
}

func TestNearest_OwnerScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mine := putExchange(t, s, "alice", "t1", []float32{1, 0, 0})
	putExchange(t, s, "bob", "t1", []float32{1, 0, 0})
	putExchange(t, s, "bob", "t2", []float32{0.99, 0.01, 0})

	results, err := s.Nearest(ctx, "alice", []float32{1, 0, 0}, 5, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, mine.ID, results[0].ID)
	assert.Equal(t, "alice", results[0].Owner)
}

func TestNearest_ThreadScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inThread := putExchange(t, s, "alice", "t1", []float32{1, 0, 0})
	putExchange(t, s, "alice", "t2", []float32{1, 0, 0})

	results, err := s.Nearest(ctx, "alice", []float32{1, 0, 0}, 5, "t1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, inThread.ID, results[0].ID)
}

func TestNearest_EmptyIndex(t *testing.T) {
	s := newTestStore(t)

	results, err := s.Nearest(context.Background(), "alice", []float32{1, 0, 0}, 5, "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestNearest_TruncatesToK(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putExchange(t, s, "alice", "t1", []float32{1, 0, 0})
	putExchange(t, s, "alice", "t1", []float32{0.9, 0.1, 0})
	putExchange(t, s, "alice", "t1", []float32{0.8, 0.2, 0})

	results, err := s.Nearest(ctx, "alice", []float32{1, 0, 0}, 2, "")
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestHistory_ChronologicalWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		ex := &Exchange{
			ID:        uuid.NewString(),
			Owner:     "alice",
			Thread:    "t1",
			Prompt:    string(rune('a' + i)),
			Reply:     "r",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.Put(ctx, ex))
	}

	history, err := s.History(ctx, "alice", "t1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	// Last three, oldest first.
	assert.Equal(t, "c", history[0].Prompt)
	assert.Equal(t, "e", history[2].Prompt)
}

func TestDeleteByThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deleted1 := putExchange(t, s, "alice", "t1", []float32{1, 0, 0})
	deleted2 := putExchange(t, s, "alice", "t1", []float32{0, 1, 0})
	kept := putExchange(t, s, "alice", "t2", []float32{0, 0, 1})

	n, err := s.DeleteByThread(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	history, err := s.History(ctx, "alice", "t1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	// The deleted pair never resurfaces in retrieval.
	results, err := s.Nearest(ctx, "alice", []float32{1, 0, 0}, 10, "")
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, deleted1.ID, r.ID)
		assert.NotEqual(t, deleted2.ID, r.ID)
	}
	require.Len(t, results, 1)
	assert.Equal(t, kept.ID, results[0].ID)
}

func TestDeleteByThread_WrongOwnerUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bobs := putExchange(t, s, "bob", "t1", []float32{1, 0, 0})

	n, err := s.DeleteByThread(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Zero(t, n)

	results, err := s.Nearest(ctx, "bob", []float32{1, 0, 0}, 5, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, bobs.ID, results[0].ID)
}

func TestMissingEmbeddingsAndSetEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	unembedded := putExchange(t, s, "alice", "t1", nil)
	putExchange(t, s, "alice", "t1", []float32{0, 1, 0})

	missing, err := s.MissingEmbeddings(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, unembedded.ID, missing[0].ID)
	assert.Nil(t, missing[0].ReplyEmbedding)

	// Not retrievable until backfilled.
	results, err := s.Nearest(ctx, "alice", []float32{1, 0, 0}, 5, "")
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, unembedded.ID, r.ID)
	}

	require.NoError(t, s.SetEmbeddings(ctx, unembedded.ID, []float32{1, 0, 0}, []float32{1, 0, 0}))

	missing, err = s.MissingEmbeddings(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	results, err = s.Nearest(ctx, "alice", []float32{1, 0, 0}, 1, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, unembedded.ID, results[0].ID)
}

func TestMissingEmbeddings_CursorAndPartialRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	seed := func(n int, promptVec, replyVec []float32) *Exchange {
		ex := &Exchange{
			ID:              uuid.NewString(),
			Owner:           "alice",
			Thread:          "t1",
			Prompt:          "prompt",
			Reply:           "reply",
			PromptEmbedding: promptVec,
			ReplyEmbedding:  replyVec,
			CreatedAt:       base.Add(time.Duration(n) * time.Second),
		}
		require.NoError(t, s.Put(ctx, ex))
		return ex
	}

	oldest := seed(1, nil, nil)
	middle := seed(2, nil, nil)
	// A reply embedding alone is still incomplete.
	partial := seed(3, nil, []float32{0, 1, 0})
	seed(4, []float32{1, 0, 0}, []float32{1, 0, 0})

	missing, err := s.MissingEmbeddings(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, missing, 3)
	assert.Equal(t, oldest.ID, missing[0].ID)
	assert.Equal(t, middle.ID, missing[1].ID)
	assert.Equal(t, partial.ID, missing[2].ID)

	// The cursor resumes strictly after the given exchange.
	page, err := s.MissingEmbeddings(ctx, &missing[0], 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, middle.ID, page[0].ID)
	assert.Equal(t, partial.ID, page[1].ID)
}

func TestSetEmbeddings_UnknownID(t *testing.T) {
	s := newTestStore(t)
	err := s.SetEmbeddings(context.Background(), "nope", []float32{1, 0, 0}, []float32{1, 0, 0})
	assert.Error(t, err)
}

func TestPut_Validation(t *testing.T) {
	s := newTestStore(t)
	err := s.Put(context.Background(), &Exchange{ID: "x", Owner: "", Thread: "t"})
	assert.ErrorIs(t, err, ErrInvalidExchange)
}

func TestCountByThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putExchange(t, s, "alice", "t1", nil)
	putExchange(t, s, "alice", "t1", nil)
	putExchange(t, s, "alice", "t2", nil)

	n, err := s.CountByThread(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestVectorCodec(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.125}
	decoded, err := decodeVector(encodeVector(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, decoded)

	decoded, err = decodeVector(nil)
	require.NoError(t, err)
	assert.Nil(t, decoded)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
