package retrieve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowgraph/internal/ingest"
	"knowgraph/internal/storage"
)

type stores struct {
	chunks   *storage.MemoryChunkStore
	vectors  *storage.MemoryVectorIndex
	links    *storage.MemoryLinkStore
	entities *storage.MemoryEntityIndex
}

func newStores() stores {
	return stores{
		chunks:   storage.NewMemoryChunkStore(),
		vectors:  storage.NewMemoryVectorIndex(),
		links:    storage.NewMemoryLinkStore(),
		entities: storage.NewMemoryEntityIndex(),
	}
}

func (s stores) retriever(opts ...Option) *Retriever {
	return New(s.chunks, s.vectors, s.links, s.entities, nil, Config{}, opts...)
}

// Ingest -> search: the document yields a single hit for
// "test" with heading "Intro" at start line 2.
func TestIngestThenSearch(t *testing.T) {
	ctx := context.Background()
	s := newStores()

	pipe := &ingest.Pipeline{
		Chunks:   s.chunks,
		Vectors:  s.vectors,
		Entities: ingest.MentionIndexer{Index: s.entities},
	}
	body := "---\ntitle: Note\ntags: [\"AI\", \"ml\"]\n---\n# Intro\nA test.\n\n## Deep\nMore text.\n"
	res, err := pipe.Ingest(ctx, ingest.Request{
		Path:             "notes/note.md",
		RawBytes:         []byte(body),
		SourceModifiedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	assert.Equal(t, []string{"ai", "ml"}, res.TagsApplied)

	resp, err := s.retriever().Search(ctx, Query{Text: "test"})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	item := resp.Items[0]
	require.NotNil(t, item.Heading)
	assert.Equal(t, "Intro", *item.Heading)
	assert.Equal(t, 2, item.StartLine)
	assert.Equal(t, "notes/note.md", item.Path)
	assert.NotEmpty(t, item.Snippet)
}

func TestSearchTagFilterPostHoc(t *testing.T) {
	ctx := context.Background()
	s := newStores()
	now := time.Now().UTC()
	add := func(id, text string, tags []string) {
		require.NoError(t, s.chunks.UpsertChunk(ctx, storage.Chunk{ID: id, Path: id + ".md", Text: text, StartLine: 1, ModifiedAt: now}))
		require.NoError(t, s.chunks.ReplaceChunkTags(ctx, id, tags))
	}
	add("c1", "shared term", []string{"ai"})
	add("c2", "shared term", []string{"ai", "ml"})
	add("c3", "shared term", []string{"ml"})

	r := s.retriever()
	resp, err := r.Search(ctx, Query{Text: "shared", Filters: storage.FilterSpec{Tags: []string{"ai", "ml"}, RequireAll: true}})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "c2", resp.Items[0].ChunkID)

	resp, err = r.Search(ctx, Query{Text: "shared", Filters: storage.FilterSpec{Tags: []string{"ai", "ml"}}})
	require.NoError(t, err)
	assert.Len(t, resp.Items, 3)
}

func TestGraphStrategy(t *testing.T) {
	ctx := context.Background()
	s := newStores()
	now := time.Now().UTC()
	for _, id := range []string{"r1", "k1", "x1"} {
		require.NoError(t, s.chunks.UpsertChunk(ctx, storage.Chunk{ID: id, Path: id + ".md", Text: "body of " + id, StartLine: 1, ModifiedAt: now}))
	}
	require.NoError(t, s.entities.ReplaceMentions(ctx, "r1", []storage.Mention{{Text: "Redis", Label: "tech", Confidence: 0.8}}))
	require.NoError(t, s.entities.ReplaceMentions(ctx, "k1", []storage.Mention{{Text: "Kafka", Label: "tech", Confidence: 0.8}}))
	require.NoError(t, s.links.UpsertEdge(ctx, storage.Edge{
		SourceID: "r1", TargetID: "x1", Relationship: storage.RelationRelated,
		Strength: 0.9, Provenance: storage.ProvenanceAuto, CreatedAt: now, UpdatedAt: now,
	}))

	resp, err := s.retriever().Search(ctx, Query{Text: "compare Redis and Kafka"})
	require.NoError(t, err)
	assert.Equal(t, StrategyGraph, resp.Strategy)

	got := make(map[string]Item)
	for _, it := range resp.Items {
		got[it.ChunkID] = it
	}
	require.Contains(t, got, "r1")
	require.Contains(t, got, "k1")
	require.Contains(t, got, "x1", "one-hop neighbor reachable through the link graph")
	assert.Greater(t, got["r1"].Score, got["x1"].Score, "deeper nodes decay")
}

func TestTemporalStrategyOrdersAscending(t *testing.T) {
	ctx := context.Background()
	s := newStores()
	mk := func(id string, when time.Time) {
		require.NoError(t, s.chunks.UpsertChunk(ctx, storage.Chunk{ID: id, Path: id + ".md", Text: "entry " + id, StartLine: 1, ModifiedAt: when}))
	}
	mk("old", time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC))
	mk("mid", time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC))
	mk("new", time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC))
	mk("outside", time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC))

	resp, err := s.retriever().Search(ctx, Query{Text: "timeline of work in 2023"})
	require.NoError(t, err)
	assert.Equal(t, StrategyTemporal, resp.Strategy)
	require.Len(t, resp.Items, 3, "window inferred from the query excludes 2022")
	assert.Equal(t, "old", resp.Items[0].ChunkID)
	assert.Equal(t, "mid", resp.Items[1].ChunkID)
	assert.Equal(t, "new", resp.Items[2].ChunkID)
}

func TestHierarchicalStrategyPrefersHigherLevels(t *testing.T) {
	ctx := context.Background()
	s := newStores()
	now := time.Now().UTC()
	h1, h3 := "Setup Overview", "Edge Cases"
	require.NoError(t, s.chunks.UpsertChunk(ctx, storage.Chunk{
		ID: "top", Path: "a.md", Heading: &h1, HeadingLevel: 1, Text: "install and configure", StartLine: 2, ModifiedAt: now,
	}))
	require.NoError(t, s.chunks.UpsertChunk(ctx, storage.Chunk{
		ID: "deep", Path: "a.md", Heading: &h3, HeadingLevel: 3, Text: "install quirks", StartLine: 20, ModifiedAt: now,
	}))

	resp, err := s.retriever().Search(ctx, Query{Text: "how to install the agent"})
	require.NoError(t, err)
	assert.Equal(t, StrategyHierarchical, resp.Strategy)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "top", resp.Items[0].ChunkID, "smaller heading level ranks first")
}

func TestHybridMergesAndBoundsResults(t *testing.T) {
	ctx := context.Background()
	s := newStores()
	now := time.Now().UTC()
	for i := 0; i < 30; i++ {
		id := string(rune('a'+i%26)) + "-" + string(rune('0'+i/26))
		require.NoError(t, s.chunks.UpsertChunk(ctx, storage.Chunk{ID: id, Path: id + ".md", Text: "retry budget notes", StartLine: 1, ModifiedAt: now}))
	}
	resp, err := s.retriever().Search(ctx, Query{Text: "retry budget"})
	require.NoError(t, err)
	assert.Equal(t, StrategyHybrid, resp.Strategy)
	assert.LessOrEqual(t, len(resp.Items), 10, "never more than rerankTopK")
	for _, it := range resp.Items {
		assert.NotEmpty(t, it.Snippet)
	}
}

func TestRecencyScore(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.InDelta(t, 1.0, recency(now, now), 1e-9)
	assert.InDelta(t, 0.5, recency(now, now.Add(-365*12*time.Hour)), 1e-3)
	assert.Zero(t, recency(now, now.AddDate(-3, 0, 0)))
	assert.Zero(t, recency(now, time.Time{}))
}
