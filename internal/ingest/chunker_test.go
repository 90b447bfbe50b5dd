package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkBodyHeadingBoundaries(t *testing.T) {
	body := "# Intro\nA test.\n\n## Deep\nMore text.\n"
	chunks := chunkBody(body)
	require.Len(t, chunks, 2)

	require.NotNil(t, chunks[0].Heading)
	assert.Equal(t, "Intro", *chunks[0].Heading)
	assert.Equal(t, 1, chunks[0].HeadingLevel)
	assert.Equal(t, 2, chunks[0].StartLine)
	assert.Equal(t, "A test.", chunks[0].Text)

	require.NotNil(t, chunks[1].Heading)
	assert.Equal(t, "Deep", *chunks[1].Heading)
	assert.Equal(t, 2, chunks[1].HeadingLevel)
	assert.Equal(t, 5, chunks[1].StartLine)
	assert.Equal(t, "More text.", chunks[1].Text)
}

func TestChunkBodyPreHeadingSpanHasNilHeading(t *testing.T) {
	body := "Leading prose before any heading.\n\n# First\nSection body.\n"
	chunks := chunkBody(body)
	require.Len(t, chunks, 2)
	assert.Nil(t, chunks[0].Heading)
	assert.Equal(t, 1, chunks[0].StartLine)
	require.NotNil(t, chunks[1].Heading)
	assert.Equal(t, "First", *chunks[1].Heading)
}

func TestChunkBodyEmptySpansDropped(t *testing.T) {
	body := "# Empty\n\n\n# Full\ncontent\n"
	chunks := chunkBody(body)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Full", *chunks[0].Heading)
	for _, c := range chunks {
		assert.NotEmpty(t, strings.TrimSpace(c.Text), "chunk bodies are non-empty after trimming")
	}
}

// A section over 1200 characters splits into paragraphs, the middle
// paragraph keeping its line offset within the original span.
func TestChunkBodyOversizedSpanSplits(t *testing.T) {
	body := "# H\nP1\n\n" + strings.Repeat("x", 1300) + "\n\nP3\n"
	chunks := chunkBody(body)
	require.Len(t, chunks, 3)
	assert.Equal(t, "P1", chunks[0].Text)
	assert.Equal(t, 2, chunks[0].StartLine)
	assert.Equal(t, strings.Repeat("x", 1300), chunks[1].Text)
	assert.Equal(t, 4, chunks[1].StartLine)
	assert.Equal(t, "P3", chunks[2].Text)
	assert.Equal(t, 6, chunks[2].StartLine)
	for _, c := range chunks {
		require.NotNil(t, c.Heading)
		assert.Equal(t, "H", *c.Heading)
	}
}

func TestChunkBodyCoverageDisjoint(t *testing.T) {
	body := "intro\n\n# A\none\ntwo\n\n## B\nthree\n\n# C\nfour\n"
	chunks := chunkBody(body)
	for i := 1; i < len(chunks); i++ {
		assert.Greater(t, chunks[i].StartLine, chunks[i-1].StartLine, "chunks cover disjoint ascending regions")
	}
}

func TestChunkIDDeterministic(t *testing.T) {
	a := ChunkID("notes/a.md", 7, "some text")
	b := ChunkID("notes/a.md", 7, "some text")
	assert.Equal(t, a, b)
	assert.Len(t, a, 40)

	assert.NotEqual(t, a, ChunkID("notes/b.md", 7, "some text"))
	assert.NotEqual(t, a, ChunkID("notes/a.md", 8, "some text"))
	assert.NotEqual(t, a, ChunkID("notes/a.md", 7, "other text"))

	// Only the first 64 characters of text participate.
	long := strings.Repeat("y", 64)
	assert.Equal(t,
		ChunkID("p", 1, long+"tail-one"),
		ChunkID("p", 1, long+"tail-two"))
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" #AI , ml", "ML", "", "  "}, false)
	assert.Equal(t, []string{"ai", "ml"}, got)

	// Idempotent: normalizing the output changes nothing.
	assert.Equal(t, got, NormalizeTags(got, false))

	// Semicolon splitting only when enabled.
	assert.Equal(t, []string{"a;b"}, NormalizeTags([]string{"a;b"}, false))
	assert.Equal(t, []string{"a", "b"}, NormalizeTags([]string{"a;b"}, true))
}
