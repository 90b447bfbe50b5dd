package ingest

import (
	"context"

	"knowgraph/internal/entities"
	"knowgraph/internal/storage"
)

// MentionIndexer adapts a storage.EntityIndex to the pipeline's
// EntityIndexer seam, flattening an extraction into mention rows. Wikilink
// targets are indexed alongside regex entities with full confidence, so a
// shared `[[target]]` reference counts as shared-entity evidence for the
// Linking Engine.
type MentionIndexer struct {
	Index storage.EntityIndex
}

func (m MentionIndexer) IndexMentions(ctx context.Context, chunkID string, ext entities.Extraction) error {
	var rows []storage.Mention
	for _, e := range ext.Entities {
		rows = append(rows, storage.Mention{
			ChunkID:    chunkID,
			Text:       e.Text,
			Label:      string(e.Label),
			StartPos:   e.StartPos,
			EndPos:     e.EndPos,
			Confidence: e.Confidence,
		})
	}
	for _, w := range ext.Wikilinks {
		rows = append(rows, storage.Mention{
			ChunkID:    chunkID,
			Text:       w.Target,
			Label:      "wikilink",
			Confidence: 1.0,
		})
	}
	return m.Index.ReplaceMentions(ctx, chunkID, rows)
}
