// Package objectstore fetches raw markdown source documents from the
// configured bucket. It is the engine's outbound raw-bytes collaborator:
// the ingestion pipeline lists a prefix, fetches each document's bytes,
// and threads the returned etag and modified time into its incremental
// short-circuit.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested document does not exist.
var ErrNotFound = errors.New("object not found")

// SourceObject describes one stored source document.
type SourceObject struct {
	// Path is the document path relative to the store's configured prefix;
	// it becomes the ingested file's identity.
	Path string
	// ETag is the source entity tag, echoed into the file row.
	ETag string
	Size int64
	// Modified is the authoritative modified-at for ingestion.
	Modified time.Time
}

// Store lists and fetches source documents. Implementations must be safe
// for concurrent use; batch ingestion fetches documents in parallel. List
// exposes no paging: implementations follow truncated listings internally.
type Store interface {
	List(ctx context.Context, prefix string) ([]SourceObject, error)
	// Fetch returns a document's raw bytes and its current attributes.
	Fetch(ctx context.Context, path string) ([]byte, SourceObject, error)
}
