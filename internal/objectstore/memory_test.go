package objectstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutAndFetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	mod := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	content := []byte("---\ntitle: Note\n---\nbody\n")
	put := store.Put("vault/note.md", content, mod)
	assert.NotEmpty(t, put.ETag)
	assert.Equal(t, int64(len(content)), put.Size)

	data, attrs, err := store.Fetch(ctx, "vault/note.md")
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, "vault/note.md", attrs.Path)
	assert.Equal(t, put.ETag, attrs.ETag)
	assert.True(t, attrs.Modified.Equal(mod))
}

func TestMemoryStoreFetchNotFound(t *testing.T) {
	t.Parallel()
	_, _, err := NewMemoryStore().Fetch(context.Background(), "missing.md")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStoreListByPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	store.Put("vault/a.md", []byte("a"), now)
	store.Put("vault/b.md", []byte("b"), now)
	store.Put("other/c.md", []byte("c"), now)

	objs, err := store.List(ctx, "vault/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "vault/a.md", objs[0].Path)
	assert.Equal(t, "vault/b.md", objs[1].Path)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryStoreETagTracksContent(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	now := time.Now().UTC()

	first := store.Put("n.md", []byte("v1"), now)
	same := store.Put("n.md", []byte("v1"), now.Add(time.Hour))
	changed := store.Put("n.md", []byte("v2"), now.Add(2*time.Hour))

	assert.Equal(t, first.ETag, same.ETag, "identical bytes keep the same etag")
	assert.NotEqual(t, first.ETag, changed.ETag, "new content gets a new etag")
}

func TestMemoryStoreDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put("n.md", []byte("x"), time.Now())
	store.Delete("n.md")

	_, _, err := store.Fetch(ctx, "n.md")
	assert.True(t, errors.Is(err, ErrNotFound))
	objs, _ := store.List(ctx, "")
	assert.Empty(t, objs)
}
