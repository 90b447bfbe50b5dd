// Package ingest implements the ingestion pipeline:
// front-matter parsing, heading-based chunking, tag normalization,
// fingerprinting, idempotent upsert, and embedding persistence.
package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"knowgraph/internal/entities"
	"knowgraph/internal/errs"
	"knowgraph/internal/logging"
	"knowgraph/internal/storage"
)

// EmbeddingProvider is the outbound embedding collaborator: embed(text) ->
// vector. The pipeline makes no assumption about the model behind it.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Publisher is the minimal surface the pipeline needs from the message bus
// to emit the `ingestion.completed` domain event.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any) error
}

// EntityIndexer records entity mentions discovered in a chunk so the
// Linking Engine's shared-entity query can find them later.
type EntityIndexer interface {
	IndexMentions(ctx context.Context, chunkID string, ext entities.Extraction) error
}

// Request is one document to ingest.
type Request struct {
	Path             string
	RawBytes         []byte
	SourceETag       string
	SourceModifiedAt time.Time
	ForceUpdate      bool
	IdempotencyKey   string // threaded through but not the short-circuit mechanism
	SplitTagOnSemi   bool
}

// Result summarizes one ingestion call.
type Result struct {
	Path             string
	Skipped          bool
	SkipReason       string
	ChunksCreated    int
	ChunksUpdated    int
	ChunksDeleted    int
	TagsApplied      []string
	EmbeddingsWritten int
	EmbeddingErrors  int
}

// Pipeline wires the Chunk Store, Vector Index, Entity Indexer, embedding
// provider, and bus publisher into the single-document ingestion algorithm
// of a document. Link discovery is invoked separately by the caller after
// a successful ingest.
type Pipeline struct {
	Chunks    storage.ChunkStore
	Vectors   storage.VectorIndex
	Entities  EntityIndexer
	Embedder  EmbeddingProvider
	Bus       Publisher
}

// Ingest runs the full pipeline for one document.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (Result, error) {
	res := Result{Path: req.Path}

	contentHash := sha1Hex(req.RawBytes)

	// Step 2: short-circuit on unchanged content.
	if !req.ForceUpdate {
		if existing, ok, err := p.Chunks.GetFile(ctx, req.Path); err == nil && ok && existing.ContentHash == contentHash {
			res.Skipped = true
			res.SkipReason = "unchanged"
			return res, nil
		}
	}

	// Step 1: parse front-matter, split body.
	doc := parseFrontmatter(string(req.RawBytes))
	title, _ := frontmatterString(doc.Frontmatter, "title")
	createdAt := frontmatterCreatedAt(doc.Frontmatter)

	f := storage.File{
		Path:        req.Path,
		Title:       title,
		Frontmatter: doc.Frontmatter,
		ContentHash: contentHash,
		SourceETag:  req.SourceETag,
		Size:        int64(len(req.RawBytes)),
		CreatedAt:   createdAt,
		ModifiedAt:  req.SourceModifiedAt,
	}
	if err := p.Chunks.UpsertFile(ctx, f); err != nil {
		return res, errs.Wrap(errs.KindDependency, "upsert file", err)
	}

	// Step 3: chunk the body.
	raws := chunkBody(doc.Body)

	// Step 4: tag normalization, shared by every chunk of this file.
	tags := NormalizeTags(frontmatterTags(doc.Frontmatter), req.SplitTagOnSemi)
	res.TagsApplied = tags

	keep := make(map[string]bool, len(raws))
	var chunkRecords []storage.Chunk
	for _, rc := range raws {
		id := ChunkID(req.Path, rc.StartLine, rc.Text)
		keep[id] = true
		c := storage.Chunk{
			ID:          id,
			Path:        req.Path,
			Heading:     rc.Heading,
			HeadingLevel: rc.HeadingLevel,
			StartLine:   rc.StartLine,
			Text:        rc.Text,
			ContentHash: contentHash,
			CreatedAt:   createdAt,
			ModifiedAt:  req.SourceModifiedAt,
		}
		chunkRecords = append(chunkRecords, c)
	}

	// Step 5: persist chunks and tags.
	for _, c := range chunkRecords {
		_, existed, _ := p.Chunks.GetChunk(ctx, c.ID)
		if err := p.Chunks.UpsertChunk(ctx, c); err != nil {
			return res, errs.Wrap(errs.KindDependency, "upsert chunk", err)
		}
		if err := p.Chunks.ReplaceChunkTags(ctx, c.ID, tags); err != nil {
			return res, errs.Wrap(errs.KindDependency, "replace chunk tags", err)
		}
		if existed {
			res.ChunksUpdated++
		} else {
			res.ChunksCreated++
		}
	}
	removed, err := p.Chunks.DeleteChunksForFile(ctx, req.Path, keep)
	if err != nil {
		return res, errs.Wrap(errs.KindDependency, "delete stale chunks", err)
	}
	res.ChunksDeleted = len(removed)
	for _, id := range removed {
		if p.Vectors != nil {
			_ = p.Vectors.Delete(ctx, id)
		}
	}

	// Step 6: embeddings (per-chunk failure is logged and skipped) and
	// entity extraction, which feeds the Linking Engine's shared-entity
	// query.
	for _, c := range chunkRecords {
		ext := entities.Extract(c.Text)
		if p.Entities != nil {
			if err := p.Entities.IndexMentions(ctx, c.ID, ext); err != nil {
				logging.Log.WithError(err).WithField("chunk", c.ID).Warn("entity indexing failed")
			}
		}
		if p.Embedder == nil {
			continue
		}
		vecs, err := p.Embedder.Embed(ctx, []string{c.Text})
		if err != nil || len(vecs) == 0 {
			res.EmbeddingErrors++
			logging.Log.WithError(err).WithField("chunk", c.ID).Warn("embedding request failed, skipping chunk")
			continue
		}
		emb := storage.Embedding{
			ChunkID: c.ID,
			Vector:  vecs[0],
			Meta: storage.EmbeddingMeta{
				Path: c.Path, Title: title, Heading: c.Heading, Level: c.HeadingLevel,
				Tags: tags, Frontmatter: doc.Frontmatter,
			},
		}
		if err := p.Vectors.Upsert(ctx, emb); err != nil {
			res.EmbeddingErrors++
			logging.Log.WithError(err).WithField("chunk", c.ID).Warn("embedding persist failed, skipping chunk")
			continue
		}
		res.EmbeddingsWritten++
	}

	// Step 7: emit the domain event.
	if p.Bus != nil {
		payload := map[string]any{
			"path": req.Path, "chunks_created": res.ChunksCreated, "chunks_updated": res.ChunksUpdated,
			"chunks_deleted": res.ChunksDeleted, "tags": tags, "embeddings_written": res.EmbeddingsWritten,
			"embedding_errors": res.EmbeddingErrors, "idempotency_key": req.IdempotencyKey,
		}
		if err := p.Bus.Publish(ctx, "ingestion.completed", payload); err != nil {
			logging.Log.WithError(err).Warn("failed to publish ingestion.completed")
		}
	}

	return res, nil
}

// ReindexOrphans cleans up embeddings whose chunk no longer exists in the
// Chunk Store.
func ReindexOrphans(ctx context.Context, chunks storage.ChunkStore, vectors storage.VectorIndex) (int, error) {
	ids, err := vectors.AllIDs(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if _, ok, err := chunks.GetChunk(ctx, id); err == nil && !ok {
			if err := vectors.Delete(ctx, id); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func sha1Hex(b []byte) string {
	h := sha1.Sum(b)
	return hex.EncodeToString(h[:])
}

// BatchResult aggregates per-document outcomes.
type BatchResult struct {
	Successful int
	Skipped    int
	Failed     int
	Errors     []string
}

// IngestBatch fans out over documents up to maxConcurrent using a counting
// semaphore, ingesting independent documents concurrently while each
// document's own steps remain strictly sequential.
func (p *Pipeline) IngestBatch(ctx context.Context, reqs []Request, maxConcurrent int) BatchResult {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))

	type outcome struct {
		res Result
		err error
	}
	outcomes := make([]outcome, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = outcome{err: errs.Wrap(errs.KindCancelled, "batch cancelled", err)}
			continue
		}
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			defer sem.Release(1)
			res, err := p.Ingest(ctx, req)
			outcomes[i] = outcome{res: res, err: err}
		}(i, req)
	}
	wg.Wait()

	var out BatchResult
	for i, o := range outcomes {
		switch {
		case o.err != nil:
			out.Failed++
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", reqs[i].Path, o.err))
		case o.res.Skipped:
			out.Skipped++
		default:
			out.Successful++
		}
	}
	return out
}
