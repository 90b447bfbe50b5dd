package retrieve

import (
	"math"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var corpus = []string{
	"the quick brown fox jumps over the lazy dog",
	"a fox is a small omnivorous mammal",
	"dogs are loyal companions and working animals",
	"quantum computing uses qubits instead of bits",
}

func TestBM25FiniteNonNegative(t *testing.T) {
	bm := NewBM25Scorer(corpus)
	for _, q := range []string{"fox", "dog companions", "qubits", "missing term entirely", ""} {
		for i := range corpus {
			s := bm.Score(Tokenize(q), i)
			assert.False(t, math.IsNaN(s) || math.IsInf(s, 0), "score must be finite")
			assert.GreaterOrEqual(t, s, 0.0)
		}
	}
}

func TestBM25RanksMatchingDocsFirst(t *testing.T) {
	bm := NewBM25Scorer(corpus)
	scores := bm.ScoreAll("fox")
	assert.Greater(t, scores[0], 0.0)
	assert.Greater(t, scores[1], 0.0)
	assert.Zero(t, scores[2])
	assert.Zero(t, scores[3])
}

// Doubling every document's length (text repeated twice) scales tf and dl
// together relative to avgdl; the ranking order must not change.
func TestBM25DoubledLengthKeepsOrder(t *testing.T) {
	rank := func(texts []string, query string) []int {
		bm := NewBM25Scorer(texts)
		scores := bm.ScoreAll(query)
		idx := make([]int, len(texts))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
		return idx
	}

	doubled := make([]string, len(corpus))
	for i, d := range corpus {
		doubled[i] = d + " " + d
	}
	for _, q := range []string{"fox", "dog", "lazy dog fox"} {
		require.Equal(t, rank(corpus, q), rank(doubled, q), "query %q", q)
	}
}

func TestSnippet(t *testing.T) {
	short := "tiny"
	assert.Equal(t, short, Snippet(short))

	long := strings.Repeat("a", 300)
	got := Snippet(long)
	assert.Len(t, got, 263)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestParseTimeArg(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2024", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-03", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-03-09", time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)},
		{"7d", now.AddDate(0, 0, -7)},
		{"2m", now.AddDate(0, -2, 0)},
	}
	for _, c := range cases {
		got, err := ParseTimeArg(c.in, now)
		require.NoError(t, err, c.in)
		require.NotNil(t, got, c.in)
		assert.True(t, got.Equal(c.want), "%s: got %v want %v", c.in, got, c.want)
	}

	got, err := ParseTimeArg("", now)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = ParseTimeArg("yesterday", now)
	require.Error(t, err)
}

func TestInferRange(t *testing.T) {
	now := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

	since, until := inferRange("what happened in 2023", now)
	require.NotNil(t, since)
	require.NotNil(t, until)
	assert.Equal(t, 2023, since.Year())
	assert.Equal(t, 2024, until.Year())

	since, until = inferRange("deploys in the last 30 days", now)
	require.NotNil(t, since)
	assert.Nil(t, until)
	assert.True(t, since.Equal(now.AddDate(0, 0, -30)))

	since, until = inferRange("no dates here", now)
	assert.Nil(t, since)
	assert.Nil(t, until)
}
