package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTagged(t *testing.T, s *MemoryChunkStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	rows := []struct {
		id   string
		tags []string
	}{
		{"c1", []string{"ai"}},
		{"c2", []string{"ai", "ml"}},
		{"c3", []string{"ml"}},
	}
	for _, r := range rows {
		require.NoError(t, s.UpsertChunk(ctx, Chunk{ID: r.id, Path: r.id + ".md", Text: "body", StartLine: 1, ModifiedAt: now}))
		require.NoError(t, s.ReplaceChunkTags(ctx, r.id, r.tags))
	}
}

// Tag AND vs OR: require_all returns only the chunk carrying every tag;
// otherwise any tag matches.
func TestFetchCandidatesTagSemantics(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryChunkStore()
	seedTagged(t, s)

	both, err := s.FetchCandidates(ctx, FilterSpec{Tags: []string{"ai", "ml"}, RequireAll: true}, DateFieldCoalesce, 0)
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, "c2", both[0].ID)

	any, err := s.FetchCandidates(ctx, FilterSpec{Tags: []string{"ai", "ml"}}, DateFieldCoalesce, 0)
	require.NoError(t, err)
	assert.Len(t, any, 3)
}

func TestFetchCandidatesWindowAndPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryChunkStore()
	mk := func(id, path string, mod time.Time) {
		require.NoError(t, s.UpsertChunk(ctx, Chunk{ID: id, Path: path, Text: "x", StartLine: 1, ModifiedAt: mod}))
	}
	jan := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	mk("a", "notes/a.md", jan)
	mk("b", "notes/b.md", jun)
	mk("c", "journal/c.md", jun)

	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := s.FetchCandidates(ctx, FilterSpec{Since: &since, PathPrefix: "notes/"}, DateFieldModified, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	// Until is exclusive: a chunk exactly at the bound is excluded.
	until := jun
	got, err = s.FetchCandidates(ctx, FilterSpec{Until: &until}, DateFieldModified, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestReplaceChunkTagsIsAtomicSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryChunkStore()
	seedTagged(t, s)

	require.NoError(t, s.ReplaceChunkTags(ctx, "c1", []string{"golang"}))
	byOld, _ := s.FetchCandidates(ctx, FilterSpec{Tags: []string{"ai"}}, DateFieldCoalesce, 0)
	for _, c := range byOld {
		assert.NotEqual(t, "c1", c.ID, "old tag association removed")
	}
	byNew, _ := s.FetchCandidates(ctx, FilterSpec{Tags: []string{"golang"}}, DateFieldCoalesce, 0)
	require.Len(t, byNew, 1)
	assert.Equal(t, []string{"golang"}, byNew[0].Tags)
}

func TestFetchFacets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryChunkStore()
	mk := func(id string, mod time.Time, tags ...string) {
		require.NoError(t, s.UpsertChunk(ctx, Chunk{ID: id, Path: id + ".md", Text: "x", StartLine: 1, ModifiedAt: mod}))
		require.NoError(t, s.ReplaceChunkTags(ctx, id, tags))
	}
	mk("a", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), "ai")
	mk("b", time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC), "ai", "ml")
	mk("c", time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), "ml")

	f, err := s.FetchFacets(ctx, nil, nil, "")
	require.NoError(t, err)
	require.NotEmpty(t, f.TopTags)
	assert.Equal(t, TagCount{Tag: "ai", Count: 2}, f.TopTags[0])

	require.Len(t, f.Histogram, 2)
	assert.Equal(t, MonthBucket{Bucket: "2024-03", Count: 1}, f.Histogram[0], "most recent month first")
	assert.Equal(t, MonthBucket{Bucket: "2024-01", Count: 2}, f.Histogram[1])
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity(nil, []float32{1}))
	assert.Zero(t, CosineSimilarity([]float32{1, 2}, []float32{1}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestVectorTopK(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVectorIndex()
	put := func(id string, vec []float32, path string, tags ...string) {
		require.NoError(t, v.Upsert(ctx, Embedding{ChunkID: id, Vector: vec, Meta: EmbeddingMeta{Path: path, Tags: tags}}))
	}
	put("close", []float32{1, 0.1}, "notes/a.md", "ai")
	put("far", []float32{0, 1}, "notes/b.md", "ml")
	put("self", []float32{1, 0}, "notes/c.md", "ai")

	got, err := v.TopK(ctx, []float32{1, 0}, 2, nil, "self")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "close", got[0].ChunkID)
	for _, sc := range got {
		assert.NotEqual(t, "self", sc.ChunkID, "query chunk excluded")
	}

	filtered, err := v.TopK(ctx, []float32{1, 0}, 10, &VectorFilter{Tags: []string{"ml"}}, "")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "far", filtered[0].ChunkID)

	byPath, err := v.TopK(ctx, []float32{1, 0}, 10, &VectorFilter{PathPrefix: "notes/c"}, "")
	require.NoError(t, err)
	require.Len(t, byPath, 1)
	assert.Equal(t, "self", byPath[0].ChunkID)
}

func TestSetDegrees(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryChunkStore()
	require.NoError(t, s.UpsertChunk(ctx, Chunk{ID: "c", Path: "c.md", Text: "x", StartLine: 1, ModifiedAt: time.Now()}))
	require.NoError(t, s.SetDegrees(ctx, "c", 3, 5))
	c, ok, _ := s.GetChunk(ctx, "c")
	require.True(t, ok)
	assert.Equal(t, 3, c.Hub)
	assert.Equal(t, 5, c.Authority)
}

func TestMemoryEntityIndex(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryEntityIndex()
	require.NoError(t, idx.ReplaceMentions(ctx, "c1", []Mention{
		{Text: "Redis", Label: "tech", StartPos: 0, EndPos: 5, Confidence: 0.8},
		{Text: "Alice Smith", Label: "person", StartPos: 10, EndPos: 21, Confidence: 0.8},
	}))
	require.NoError(t, idx.ReplaceMentions(ctx, "c2", []Mention{
		{Text: "redis", Label: "tech", StartPos: 3, EndPos: 8, Confidence: 0.8},
	}))

	// Lookup is case-insensitive across chunks.
	got, err := idx.ChunksMentioning(ctx, "REDIS")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ChunkID)
	assert.Equal(t, "c2", got[1].ChunkID)

	// Replacing drops stale mentions.
	require.NoError(t, idx.ReplaceMentions(ctx, "c1", []Mention{
		{Text: "Kafka", Label: "tech", StartPos: 0, EndPos: 5, Confidence: 0.8},
	}))
	got, err = idx.ChunksMentioning(ctx, "Redis")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c2", got[0].ChunkID)

	in, err := idx.MentionsIn(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "Kafka", in[0].Text)
}

func TestLinkStorePendingLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLinkStore()
	now := time.Now().UTC()
	require.NoError(t, s.CreatePendingLink(ctx, PendingLink{
		ID: "p1", SourceID: "a", TargetID: "b", Relationship: RelationRelated,
		Strength: 0.5, Rationale: "r", Status: PendingStatusPending, CreatedAt: now, UpdatedAt: now,
	}))

	pend, err := s.ListPendingLinks(ctx, PendingStatusPending)
	require.NoError(t, err)
	require.Len(t, pend, 1)

	require.NoError(t, s.UpdatePendingLinkStatus(ctx, "p1", PendingStatusRejected))
	pend, err = s.ListPendingLinks(ctx, PendingStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pend)

	p, ok, err := s.GetPendingLink(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PendingStatusRejected, p.Status)
}
