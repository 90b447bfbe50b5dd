package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowgraph/internal/objectstore"
)

func TestLoadObjectStore(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	mod := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

	note := store.Put("vault/note.md", []byte("# Note\nbody\n"), mod)
	store.Put("vault/image.png", []byte{0x89, 0x50}, mod)
	store.Put("elsewhere/other.md", []byte("# Other\n"), mod)

	reqs, err := LoadObjectStore(ctx, store, "vault/")
	require.NoError(t, err)
	require.Len(t, reqs, 1, "non-markdown objects and foreign prefixes are skipped")

	req := reqs[0]
	assert.Equal(t, "vault/note.md", req.Path)
	assert.Equal(t, []byte("# Note\nbody\n"), req.RawBytes)
	assert.Equal(t, note.ETag, req.SourceETag)
	assert.True(t, req.SourceModifiedAt.Equal(mod))
}
