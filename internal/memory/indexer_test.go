package memory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexerEmbedsPendingMessages(t *testing.T) {
	store := newTestStore(t)
	embedder := newFakeEmbedder()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		saveMessage(t, store, Message{ChannelID: "c1", AuthorID: "u1", Content: fmt.Sprintf("message number %d", i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	ix := NewIndexer(store, embedder, 3, time.Second, nil)
	report, err := ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, IndexReport{Fetched: 3, Embedded: 3}, report)

	report, err = ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Embedded)

	pending, err := store.FetchUnindexed(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	cands, err := store.VectorCandidates(context.Background(), SearchFilter{}, 10)
	require.NoError(t, err)
	assert.Len(t, cands, 5)
}

func TestIndexerFailureDoesNotAbortBatch(t *testing.T) {
	store := newTestStore(t)
	embedder := newFakeEmbedder()
	base := time.Now().Add(-time.Hour)
	saveMessage(t, store, Message{ChannelID: "c1", AuthorID: "u1", Content: "first ok", Timestamp: base})
	bad := saveMessage(t, store, Message{ChannelID: "c1", AuthorID: "u1", Content: "provider hates this", Timestamp: base.Add(time.Second)})
	saveMessage(t, store, Message{ChannelID: "c1", AuthorID: "u1", Content: "third ok", Timestamp: base.Add(2 * time.Second)})
	embedder.failOn("provider hates this", &ProviderError{Op: "embed", Err: errors.New("503")})

	ix := NewIndexer(store, embedder, 10, time.Second, nil)
	report, err := ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Embedded)
	assert.Equal(t, 1, report.Failed)

	// The failed message stays pending and is retried on the next pass.
	pending, err := store.FetchUnindexed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, bad.ID, pending[0].ID)

	embedder.failOn("provider hates this", nil)
	report, err = ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Embedded)
}

func TestIndexerPermanentFailuresDoNotBlockQueue(t *testing.T) {
	store := newTestStore(t)
	embedder := newFakeEmbedder()
	base := time.Now().Add(-time.Hour)
	const batch = 5
	for i := 0; i < batch; i++ {
		text := fmt.Sprintf("rejected message %d", i)
		saveMessage(t, store, Message{ChannelID: "c1", AuthorID: "u1", Content: text, Timestamp: base.Add(time.Duration(i) * time.Second)})
		embedder.failOn(text, &ProviderError{Op: "embed", Err: ErrInvalidEmbedding})
	}
	good := saveMessage(t, store, Message{ChannelID: "c1", AuthorID: "u1", Content: "embeddable message", Timestamp: base.Add(time.Minute)})

	ix := NewIndexer(store, embedder, batch, time.Second, nil)
	report, err := ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, IndexReport{Fetched: batch, Abandoned: batch}, report)

	report, err = ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, IndexReport{Fetched: 1, Embedded: 1}, report)
	assert.EqualValues(t, batch+1, embedder.calls.Load())

	pending, err := store.FetchUnindexed(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	cands, err := store.VectorCandidates(context.Background(), SearchFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, good.ID, cands[0].ID)
}

func TestIndexerRejectedRequestIsAbandoned(t *testing.T) {
	store := newTestStore(t)
	embedder := newFakeEmbedder()
	embedder.failAll(&ProviderError{Op: "embed", Err: &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "input too long"}})
	saveMessage(t, store, Message{ChannelID: "c1", AuthorID: "u1", Content: "far too long for the model", Timestamp: time.Now()})

	report, err := NewIndexer(store, embedder, 10, time.Second, nil).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)
	assert.Zero(t, report.Failed)
	assert.EqualValues(t, 1, embedder.calls.Load())
}

func TestIndexerInvalidVectorIsAbandoned(t *testing.T) {
	store := newTestStore(t)
	embedder := newFakeEmbedder()
	embedder.dim = 0
	saveMessage(t, store, Message{ChannelID: "c1", AuthorID: "u1", Content: "empty vector comes back", Timestamp: time.Now()})

	report, err := NewIndexer(store, embedder, 10, time.Second, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)

	pending, err := store.FetchUnindexed(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIndexerSkipsShortMessages(t *testing.T) {
	store := newTestStore(t)
	embedder := newFakeEmbedder()
	saveMessage(t, store, Message{ChannelID: "c1", AuthorID: "u1", Content: "ok", Timestamp: time.Now()})
	saveMessage(t, store, Message{ChannelID: "c1", AuthorID: "u1", Content: "  👍 ", Timestamp: time.Now()})

	ix := NewIndexer(store, embedder, 10, time.Second, nil)
	report, err := ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Zero(t, embedder.calls.Load())

	pending, err := store.FetchUnindexed(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// purgingStore deletes each message right before its embedding is attached.
type purgingStore struct {
	*Store
}

func (p purgingStore) AttachEmbedding(ctx context.Context, id int64, vector []float32) error {
	if _, err := p.Store.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return err
	}
	return p.Store.AttachEmbedding(ctx, id, vector)
}

func TestIndexerMessageDeletedMidBatch(t *testing.T) {
	store := newTestStore(t)
	saveMessage(t, store, Message{ChannelID: "c1", AuthorID: "u1", Content: "will vanish", Timestamp: time.Now()})

	ix := NewIndexer(purgingStore{store}, newFakeEmbedder(), 10, time.Second, nil)
	report, err := ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Embedded)
}

func TestIndexerCancelledContext(t *testing.T) {
	store := newTestStore(t)
	saveMessage(t, store, Message{ChannelID: "c1", AuthorID: "u1", Content: "pending message", Timestamp: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewIndexer(store, newFakeEmbedder(), 10, time.Second, nil).RunOnce(ctx)
	require.Error(t, err)
}

func TestIndexerDrain(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 7; i++ {
		saveMessage(t, store, Message{ChannelID: "c1", AuthorID: "u1", Content: fmt.Sprintf("drain message %d", i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	report, err := NewIndexer(store, newFakeEmbedder(), 3, time.Second, nil).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, report.Embedded)
}

func TestIndexerDrainStopsWhenNoProgress(t *testing.T) {
	store := newTestStore(t)
	embedder := newFakeEmbedder()
	embedder.failAll(&ProviderError{Op: "embed", Err: errors.New("down")})
	for i := 0; i < 3; i++ {
		saveMessage(t, store, Message{ChannelID: "c1", AuthorID: "u1", Content: fmt.Sprintf("stuck %d", i), Timestamp: time.Now()})
	}

	report, err := NewIndexer(store, embedder, 3, time.Second, nil).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Failed)
}
