package storage

import (
	"context"
	"encoding/json"
	"fmt"

	qdrant "github.com/qdrant/go-client/qdrant"
)

// QdrantVectorIndex delegates top-K cosine search to a Qdrant collection,
// the production Vector Index backend for deployments that need ANN search
// at a scale the brute-force memory/postgres backends can't serve.
type QdrantVectorIndex struct {
	client     *qdrant.Client
	collection string
	dim        int
}

func NewQdrantVectorIndex(ctx context.Context, addr, collection string, dim int) (*QdrantVectorIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: addr})
	if err != nil {
		return nil, fmt.Errorf("qdrant client: %w", err)
	}
	exists, err := client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return nil, fmt.Errorf("create collection: %w", err)
		}
	}
	return &QdrantVectorIndex{client: client, collection: collection, dim: dim}, nil
}

func metaPayload(m EmbeddingMeta) map[string]any {
	fm, _ := json.Marshal(m.Frontmatter)
	heading := ""
	if m.Heading != nil {
		heading = *m.Heading
	}
	return map[string]any{
		"path": m.Path, "title": m.Title, "heading": heading,
		"level": m.Level, "tags": m.Tags, "frontmatter": string(fm),
	}
}

func (v *QdrantVectorIndex) Upsert(ctx context.Context, e Embedding) error {
	payload := qdrant.NewValueMap(metaPayload(e.Meta))
	_, err := v.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: v.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(e.ChunkID),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: payload,
		}},
	})
	return err
}

func (v *QdrantVectorIndex) Delete(ctx context.Context, chunkID string) error {
	_, err := v.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: v.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewID(chunkID)),
	})
	return err
}

func (v *QdrantVectorIndex) Get(ctx context.Context, chunkID string) (Embedding, bool, error) {
	points, err := v.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: v.collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(chunkID)},
		WithVectors:    qdrant.NewWithVectors(true),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil || len(points) == 0 {
		return Embedding{}, false, err
	}
	return pointToEmbedding(chunkID, points[0]), true, nil
}

func (v *QdrantVectorIndex) AllIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var offset *qdrant.PointId
	for {
		resp, err := v.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: v.collection,
			Offset:         offset,
			Limit:          qdrant.PtrOf(uint32(256)),
		})
		if err != nil {
			return nil, err
		}
		for _, p := range resp {
			ids = append(ids, p.Id.GetUuid())
		}
		if len(resp) < 256 {
			break
		}
		offset = resp[len(resp)-1].Id
	}
	return ids, nil
}

func (v *QdrantVectorIndex) TopK(ctx context.Context, query []float32, k int, filter *VectorFilter, exclude string) ([]ScoredChunk, error) {
	req := &qdrant.QueryPoints{
		CollectionName: v.collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(k)),
	}
	if filter != nil {
		var must []*qdrant.Condition
		if filter.PathPrefix != "" {
			must = append(must, qdrant.NewMatchText("path", filter.PathPrefix))
		}
		for _, t := range filter.Tags {
			must = append(must, qdrant.NewMatch("tags", t))
		}
		if len(must) > 0 {
			req.Filter = &qdrant.Filter{Must: must}
		}
	}
	resp, err := v.client.Query(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredChunk, 0, len(resp))
	for _, p := range resp {
		id := p.Id.GetUuid()
		if id == exclude {
			continue
		}
		out = append(out, ScoredChunk{ChunkID: id, Score: float64(p.Score)})
	}
	return out, nil
}

func pointToEmbedding(chunkID string, p *qdrant.RetrievedPoint) Embedding {
	vec := p.GetVectors().GetVector().GetData()
	return Embedding{ChunkID: chunkID, Vector: vec}
}
