package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowgraph/internal/storage"
)

// countingStore wraps a ChunkStore and counts write operations.
type countingStore struct {
	storage.ChunkStore
	mu     sync.Mutex
	writes int
}

func (c *countingStore) UpsertFile(ctx context.Context, f storage.File) error {
	c.bump()
	return c.ChunkStore.UpsertFile(ctx, f)
}

func (c *countingStore) UpsertChunk(ctx context.Context, ch storage.Chunk) error {
	c.bump()
	return c.ChunkStore.UpsertChunk(ctx, ch)
}

func (c *countingStore) ReplaceChunkTags(ctx context.Context, chunkID string, tags []string) error {
	c.bump()
	return c.ChunkStore.ReplaceChunkTags(ctx, chunkID, tags)
}

func (c *countingStore) bump() {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
}

func (c *countingStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return nil, errors.New("embedding backend down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type captureBus struct {
	mu     sync.Mutex
	topics []string
}

func (c *captureBus) Publish(ctx context.Context, topic string, payload map[string]any) error {
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	c.mu.Unlock()
	return nil
}

const sampleDoc = "---\ntitle: Sample\ntags: AI, ml\n---\n# Intro\nA test.\n\n## Deep\nMore text.\n"

func newPipeline() (*Pipeline, *countingStore, *storage.MemoryVectorIndex, *fakeEmbedder, *captureBus) {
	cs := &countingStore{ChunkStore: storage.NewMemoryChunkStore()}
	vec := storage.NewMemoryVectorIndex()
	emb := &fakeEmbedder{}
	b := &captureBus{}
	p := &Pipeline{
		Chunks:   cs,
		Vectors:  vec,
		Entities: MentionIndexer{Index: storage.NewMemoryEntityIndex()},
		Embedder: emb,
		Bus:      b,
	}
	return p, cs, vec, emb, b
}

func TestIngestDocument(t *testing.T) {
	ctx := context.Background()
	p, _, vec, _, b := newPipeline()

	res, err := p.Ingest(ctx, Request{
		Path: "a.md", RawBytes: []byte(sampleDoc), SourceModifiedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.ChunksCreated)
	assert.Equal(t, []string{"ai", "ml"}, res.TagsApplied)
	assert.Equal(t, 2, res.EmbeddingsWritten)

	ids, err := vec.AllIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{"ingestion.completed"}, b.topics)
}

// Ingesting identical bytes twice short-circuits the second call with zero
// store writes.
func TestIngestShortCircuitsUnchanged(t *testing.T) {
	ctx := context.Background()
	p, cs, _, emb, _ := newPipeline()

	req := Request{Path: "a.md", RawBytes: []byte(sampleDoc), SourceModifiedAt: time.Now().UTC()}
	_, err := p.Ingest(ctx, req)
	require.NoError(t, err)
	writesAfterFirst := cs.count()
	callsAfterFirst := emb.calls

	res, err := p.Ingest(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "unchanged", res.SkipReason)
	assert.Equal(t, writesAfterFirst, cs.count(), "second ingest must perform zero writes")
	assert.Equal(t, callsAfterFirst, emb.calls, "second ingest must not call the embedder")

	// force_update bypasses the short-circuit.
	req.ForceUpdate = true
	res, err = p.Ingest(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestIngestRewritesSameChunkIDs(t *testing.T) {
	ctx := context.Background()
	p, _, vec, _, _ := newPipeline()

	req := Request{Path: "a.md", RawBytes: []byte(sampleDoc), SourceModifiedAt: time.Now().UTC(), ForceUpdate: true}
	_, err := p.Ingest(ctx, req)
	require.NoError(t, err)
	first, _ := vec.AllIDs(ctx)

	_, err = p.Ingest(ctx, req)
	require.NoError(t, err)
	second, _ := vec.AllIDs(ctx)
	assert.ElementsMatch(t, first, second, "unchanged content rewrites the same rows")
}

func TestIngestDropsStaleChunks(t *testing.T) {
	ctx := context.Background()
	p, _, vec, _, _ := newPipeline()

	_, err := p.Ingest(ctx, Request{Path: "a.md", RawBytes: []byte(sampleDoc), SourceModifiedAt: time.Now().UTC()})
	require.NoError(t, err)

	shorter := "# Intro\nA test.\n"
	res, err := p.Ingest(ctx, Request{Path: "a.md", RawBytes: []byte(shorter), SourceModifiedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunksDeleted)

	ids, _ := vec.AllIDs(ctx)
	assert.Len(t, ids, 1, "embedding of the removed chunk is deleted")
}

func TestIngestEmbeddingFailureSkipsChunkOnly(t *testing.T) {
	ctx := context.Background()
	p, _, _, emb, _ := newPipeline()
	emb.fail = true

	res, err := p.Ingest(ctx, Request{Path: "a.md", RawBytes: []byte(sampleDoc), SourceModifiedAt: time.Now().UTC()})
	require.NoError(t, err, "embedding failures never fail the document")
	assert.Equal(t, 2, res.ChunksCreated)
	assert.Equal(t, 0, res.EmbeddingsWritten)
	assert.Equal(t, 2, res.EmbeddingErrors)
}

func TestIngestBatchAggregates(t *testing.T) {
	ctx := context.Background()
	p, _, _, _, _ := newPipeline()

	now := time.Now().UTC()
	reqs := []Request{
		{Path: "a.md", RawBytes: []byte(sampleDoc), SourceModifiedAt: now},
		{Path: "b.md", RawBytes: []byte("# B\nbody b\n"), SourceModifiedAt: now},
		{Path: "a.md", RawBytes: []byte(sampleDoc), SourceModifiedAt: now}, // duplicate: skipped
	}
	// Warm the store so the duplicate short-circuits deterministically.
	_, err := p.Ingest(ctx, reqs[0])
	require.NoError(t, err)

	res := p.IngestBatch(ctx, reqs[1:], 2)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Failed)
}

func TestReindexOrphans(t *testing.T) {
	ctx := context.Background()
	chunks := storage.NewMemoryChunkStore()
	vec := storage.NewMemoryVectorIndex()
	require.NoError(t, vec.Upsert(ctx, storage.Embedding{ChunkID: "gone", Vector: []float32{1}}))
	require.NoError(t, chunks.UpsertChunk(ctx, storage.Chunk{ID: "kept", Path: "k.md", Text: "x", ModifiedAt: time.Now()}))
	require.NoError(t, vec.Upsert(ctx, storage.Embedding{ChunkID: "kept", Vector: []float32{1}}))

	removed, err := ReindexOrphans(ctx, chunks, vec)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	ids, _ := vec.AllIDs(ctx)
	assert.Equal(t, []string{"kept"}, ids)
}
