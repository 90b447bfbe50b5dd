package storage

import (
	"context"
	"time"
)

// ChunkStore persists files, chunks, tags and serves filtered candidate
// fetches plus facet aggregation.
type ChunkStore interface {
	UpsertFile(ctx context.Context, f File) error
	GetFile(ctx context.Context, path string) (File, bool, error)

	// UpsertChunk inserts or replaces a chunk by its deterministic ID.
	UpsertChunk(ctx context.Context, c Chunk) error
	GetChunk(ctx context.Context, id string) (Chunk, bool, error)
	// DeleteChunksForFile removes every chunk owned by path not present in
	// keepIDs, used by re-ingestion to drop stale spans.
	DeleteChunksForFile(ctx context.Context, path string, keepIDs map[string]bool) ([]string, error)

	// ReplaceChunkTags atomically replaces the tag set of a chunk.
	ReplaceChunkTags(ctx context.Context, chunkID string, tags []string) error

	FetchCandidates(ctx context.Context, spec FilterSpec, field DateField, cap int) ([]Chunk, error)
	FetchFacets(ctx context.Context, since, until *time.Time, pathPrefix string) (Facets, error)

	// SetDegrees updates the cached hub/authority counters of a chunk.
	SetDegrees(ctx context.Context, chunkID string, hub, authority int) error
}

// LinkStore persists the semantic link graph: edges, pending proposals, and
// serves BFS traversal.
type LinkStore interface {
	UpsertEdge(ctx context.Context, e Edge) error
	GetEdge(ctx context.Context, sourceID, targetID string, rel RelationType) (Edge, bool, error)
	OutgoingEdges(ctx context.Context, chunkID string) ([]Edge, error)
	IncomingCount(ctx context.Context, chunkID string) (int, error)
	OutgoingCount(ctx context.Context, chunkID string) (int, error)

	CreatePendingLink(ctx context.Context, p PendingLink) error
	GetPendingLink(ctx context.Context, id string) (PendingLink, bool, error)
	ListPendingLinks(ctx context.Context, status PendingStatus) ([]PendingLink, error)
	UpdatePendingLinkStatus(ctx context.Context, id string, status PendingStatus) error
}

// VectorIndex maintains per-chunk embeddings and serves cosine top-K
// queries with optional metadata filters.
type VectorIndex interface {
	Upsert(ctx context.Context, e Embedding) error
	Delete(ctx context.Context, chunkID string) error
	Get(ctx context.Context, chunkID string) (Embedding, bool, error)
	TopK(ctx context.Context, query []float32, k int, filter *VectorFilter, exclude string) ([]ScoredChunk, error)
	// AllIDs returns every chunk ID with a stored embedding, used to clean
	// up embeddings for chunks no longer present in the Chunk Store.
	AllIDs(ctx context.Context) ([]string, error)
}
