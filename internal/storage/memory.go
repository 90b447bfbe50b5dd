package storage

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryChunkStore is an in-memory ChunkStore. It backs tests and the
// dependency-free deployment target.
type MemoryChunkStore struct {
	mu     sync.RWMutex
	files  map[string]File
	chunks map[string]Chunk
	// tagsOf[chunkID] -> set of tags; chunksOf[tag] -> set of chunk IDs
	tagsOf   map[string]map[string]bool
	chunksOf map[string]map[string]bool
}

func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{
		files:    make(map[string]File),
		chunks:   make(map[string]Chunk),
		tagsOf:   make(map[string]map[string]bool),
		chunksOf: make(map[string]map[string]bool),
	}
}

func (s *MemoryChunkStore) UpsertFile(ctx context.Context, f File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.Path] = f
	return nil
}

func (s *MemoryChunkStore) GetFile(ctx context.Context, path string) (File, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[path]
	return f, ok, nil
}

func (s *MemoryChunkStore) UpsertChunk(ctx context.Context, c Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[c.ID] = c
	return nil
}

func (s *MemoryChunkStore) GetChunk(ctx context.Context, id string) (Chunk, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[id]
	return c, ok, nil
}

func (s *MemoryChunkStore) DeleteChunksForFile(ctx context.Context, path string, keepIDs map[string]bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, c := range s.chunks {
		if c.Path != path || keepIDs[id] {
			continue
		}
		delete(s.chunks, id)
		for tag := range s.tagsOf[id] {
			delete(s.chunksOf[tag], id)
		}
		delete(s.tagsOf, id)
		removed = append(removed, id)
	}
	return removed, nil
}

func (s *MemoryChunkStore) ReplaceChunkTags(ctx context.Context, chunkID string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tag := range s.tagsOf[chunkID] {
		if set := s.chunksOf[tag]; set != nil {
			delete(set, chunkID)
		}
	}
	newSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		newSet[t] = true
		if s.chunksOf[t] == nil {
			s.chunksOf[t] = make(map[string]bool)
		}
		s.chunksOf[t][chunkID] = true
	}
	s.tagsOf[chunkID] = newSet
	if c, ok := s.chunks[chunkID]; ok {
		sorted := append([]string(nil), tags...)
		sort.Strings(sorted)
		c.Tags = sorted
		s.chunks[chunkID] = c
	}
	return nil
}

func (s *MemoryChunkStore) SetDegrees(ctx context.Context, chunkID string, hub, authority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chunks[chunkID]; ok {
		c.Hub = hub
		c.Authority = authority
		s.chunks[chunkID] = c
	}
	return nil
}

func effectiveDate(c Chunk, field DateField) time.Time {
	switch field {
	case DateFieldCreated:
		if c.CreatedAt != nil {
			return *c.CreatedAt
		}
		return time.Time{}
	case DateFieldModified:
		return c.ModifiedAt
	default: // coalesce
		if c.CreatedAt != nil {
			return *c.CreatedAt
		}
		return c.ModifiedAt
	}
}

func (s *MemoryChunkStore) FetchCandidates(ctx context.Context, spec FilterSpec, field DateField, cap int) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var idSet map[string]bool
	if len(spec.Tags) > 0 {
		if spec.RequireAll {
			for i, tag := range spec.Tags {
				set := s.chunksOf[tag]
				if i == 0 {
					idSet = make(map[string]bool, len(set))
					for id := range set {
						idSet[id] = true
					}
					continue
				}
				for id := range idSet {
					if !set[id] {
						delete(idSet, id)
					}
				}
			}
		} else {
			idSet = make(map[string]bool)
			for _, tag := range spec.Tags {
				for id := range s.chunksOf[tag] {
					idSet[id] = true
				}
			}
		}
		if idSet == nil {
			idSet = make(map[string]bool)
		}
	}

	var out []Chunk
	for id, c := range s.chunks {
		if idSet != nil && !idSet[id] {
			continue
		}
		if spec.PathPrefix != "" && !strings.HasPrefix(c.Path, spec.PathPrefix) {
			continue
		}
		d := effectiveDate(c, field)
		if spec.Since != nil && d.Before(*spec.Since) {
			continue
		}
		if spec.Until != nil && !d.Before(*spec.Until) {
			continue
		}
		out = append(out, c)
		if cap > 0 && len(out) >= cap {
			break
		}
	}
	return out, nil
}

func (s *MemoryChunkStore) FetchFacets(ctx context.Context, since, until *time.Time, pathPrefix string) (Facets, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tagCounts := make(map[string]int)
	monthCounts := make(map[string]int)
	for _, c := range s.chunks {
		if pathPrefix != "" && !strings.HasPrefix(c.Path, pathPrefix) {
			continue
		}
		d := effectiveDate(c, DateFieldCoalesce)
		if since != nil && d.Before(*since) {
			continue
		}
		if until != nil && !d.Before(*until) {
			continue
		}
		for tag := range s.tagsOf[c.ID] {
			tagCounts[tag]++
		}
		if !d.IsZero() {
			monthCounts[d.UTC().Format("2006-01")]++
		}
	}

	tags := make([]TagCount, 0, len(tagCounts))
	for t, n := range tagCounts {
		tags = append(tags, TagCount{Tag: t, Count: n})
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Count != tags[j].Count {
			return tags[i].Count > tags[j].Count
		}
		return tags[i].Tag < tags[j].Tag
	})
	if len(tags) > 50 {
		tags = tags[:50]
	}

	months := make([]string, 0, len(monthCounts))
	for m := range monthCounts {
		months = append(months, m)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(months)))
	if len(months) > 24 {
		months = months[:24]
	}
	hist := make([]MonthBucket, 0, len(months))
	for _, m := range months {
		hist = append(hist, MonthBucket{Bucket: m, Count: monthCounts[m]})
	}

	return Facets{TopTags: tags, Histogram: hist}, nil
}

// MemoryLinkStore is an in-memory LinkStore.
type MemoryLinkStore struct {
	mu      sync.RWMutex
	edges   map[string]Edge // key: source|target|relationship
	out     map[string]map[string]bool
	in      map[string]map[string]bool
	pending map[string]PendingLink
}

func NewMemoryLinkStore() *MemoryLinkStore {
	return &MemoryLinkStore{
		edges:   make(map[string]Edge),
		out:     make(map[string]map[string]bool),
		in:      make(map[string]map[string]bool),
		pending: make(map[string]PendingLink),
	}
}

func edgeKey(source, target string, rel RelationType) string {
	return source + "|" + target + "|" + string(rel)
}

func (s *MemoryLinkStore) UpsertEdge(ctx context.Context, e Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := edgeKey(e.SourceID, e.TargetID, e.Relationship)
	s.edges[key] = e
	if s.out[e.SourceID] == nil {
		s.out[e.SourceID] = make(map[string]bool)
	}
	s.out[e.SourceID][e.TargetID] = true
	if s.in[e.TargetID] == nil {
		s.in[e.TargetID] = make(map[string]bool)
	}
	s.in[e.TargetID][e.SourceID] = true
	return nil
}

func (s *MemoryLinkStore) GetEdge(ctx context.Context, sourceID, targetID string, rel RelationType) (Edge, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[edgeKey(sourceID, targetID, rel)]
	return e, ok, nil
}

func (s *MemoryLinkStore) OutgoingEdges(ctx context.Context, chunkID string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Edge
	for _, e := range s.edges {
		if e.SourceID == chunkID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryLinkStore) IncomingCount(ctx context.Context, chunkID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.in[chunkID]), nil
}

func (s *MemoryLinkStore) OutgoingCount(ctx context.Context, chunkID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.out[chunkID]), nil
}

func (s *MemoryLinkStore) CreatePendingLink(ctx context.Context, p PendingLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.ID] = p
	return nil
}

func (s *MemoryLinkStore) GetPendingLink(ctx context.Context, id string) (PendingLink, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[id]
	return p, ok, nil
}

func (s *MemoryLinkStore) ListPendingLinks(ctx context.Context, status PendingStatus) ([]PendingLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PendingLink
	for _, p := range s.pending {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryLinkStore) UpdatePendingLinkStatus(ctx context.Context, id string, status PendingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return nil
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	s.pending[id] = p
	return nil
}

// MemoryVectorIndex is an in-memory VectorIndex using brute-force cosine
// similarity, adequate for the candidate-set scale each component operates
// over.
type MemoryVectorIndex struct {
	mu         sync.RWMutex
	embeddings map[string]Embedding
}

func NewMemoryVectorIndex() *MemoryVectorIndex {
	return &MemoryVectorIndex{embeddings: make(map[string]Embedding)}
}

func (v *MemoryVectorIndex) Upsert(ctx context.Context, e Embedding) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.embeddings[e.ChunkID] = e
	return nil
}

func (v *MemoryVectorIndex) Delete(ctx context.Context, chunkID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.embeddings, chunkID)
	return nil
}

func (v *MemoryVectorIndex) Get(ctx context.Context, chunkID string) (Embedding, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.embeddings[chunkID]
	return e, ok, nil
}

func (v *MemoryVectorIndex) AllIDs(ctx context.Context) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.embeddings))
	for id := range v.embeddings {
		ids = append(ids, id)
	}
	return ids, nil
}

func matchesFilter(e Embedding, filter *VectorFilter) bool {
	if filter == nil {
		return true
	}
	if filter.PathPrefix != "" && !strings.HasPrefix(e.Meta.Path, filter.PathPrefix) {
		return false
	}
	if len(filter.Tags) > 0 {
		tagSet := make(map[string]bool, len(e.Meta.Tags))
		for _, t := range e.Meta.Tags {
			tagSet[t] = true
		}
		found := false
		for _, t := range filter.Tags {
			if tagSet[t] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (v *MemoryVectorIndex) TopK(ctx context.Context, query []float32, k int, filter *VectorFilter, exclude string) ([]ScoredChunk, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	scored := make([]ScoredChunk, 0, len(v.embeddings))
	for id, e := range v.embeddings {
		if id == exclude || !matchesFilter(e, filter) {
			continue
		}
		scored = append(scored, ScoredChunk{ChunkID: id, Score: CosineSimilarity(query, e.Vector)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors, returning 0 if either is empty or a dimension mismatch occurs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
