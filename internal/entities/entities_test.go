package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_Email(t *testing.T) {
	out := Extract("Contact jane.doe@example.com for details.")
	require.NotEmpty(t, out.Entities)
	found := false
	for _, e := range out.Entities {
		if e.Label == LabelEmail {
			assert.Equal(t, "jane.doe@example.com", e.Text)
			assert.Equal(t, 0.8, e.Confidence)
			found = true
		}
	}
	assert.True(t, found, "expected an email entity")
}

func TestExtract_URL(t *testing.T) {
	out := Extract("See https://example.com/docs for more.")
	found := false
	for _, e := range out.Entities {
		if e.Label == LabelURL {
			found = true
		}
	}
	assert.True(t, found)
}

func TestExtract_Dedup(t *testing.T) {
	out := Extract("jane@example.com jane@example.com")
	count := 0
	for _, e := range out.Entities {
		if e.Text == "jane@example.com" {
			count++
		}
	}
	// two distinct offsets, not deduplicated across positions
	assert.Equal(t, 2, count)
}

func TestExtractWikilinks(t *testing.T) {
	out := Extract("See [[Target Page]] and [[Shown Text|Real Target]].")
	require.Len(t, out.Wikilinks, 2)
	assert.Equal(t, "Target Page", out.Wikilinks[0].Target)
	assert.Equal(t, "Shown Text", out.Wikilinks[1].Display)
	assert.Equal(t, "Real Target", out.Wikilinks[1].Target)
}

func TestExtractKeyphrases_FrequencyThreshold(t *testing.T) {
	text := "machine learning machine learning is fun. machine learning rocks."
	out := Extract(text)
	assert.Contains(t, out.Keyphrases, "machine learning")
}

func TestIsStopPhrase(t *testing.T) {
	assert.True(t, isStopPhrase([]string{"the", "of"}))
	assert.False(t, isStopPhrase([]string{"machine", "learning"}))
}
