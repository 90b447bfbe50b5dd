package retrieve

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"knowgraph/internal/entities"
	"knowgraph/internal/errs"
	"knowgraph/internal/linking"
	"knowgraph/internal/logging"
	"knowgraph/internal/storage"
	"knowgraph/internal/telemetry"
)

// Embedder is the outbound embedding collaborator.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes the retriever. Zero values take the built-in defaults.
type Config struct {
	VectorK      int // cosine top-K fetched from the vector index
	RerankK      int // maximum items returned
	MaxHops      int // graph traversal depth bound
	MaxNodes     int // graph traversal size bound
	CandidateCap int // chunk-store candidate fetch cap
}

// graphDecay is the per-hop decay applied to the traversal confidence
// product when scoring visited chunks.
const graphDecay = 0.85

// Query is one retrieval request.
type Query struct {
	Text         string
	Filters      storage.FilterSpec
	DateField    storage.DateField
	PreferVector bool
	PreferGraph  bool
	RerankK      int // overrides Config.RerankK when > 0
}

// Signals is the tuple of sub-scores an item was ranked with.
type Signals struct {
	Vector           float64 `json:"vector,omitempty"`
	Graph            float64 `json:"graph,omitempty"`
	BM25             float64 `json:"bm25,omitempty"`
	Recency          float64 `json:"recency,omitempty"`
	Hub              float64 `json:"hub,omitempty"`
	HeadingRelevance float64 `json:"heading_relevance,omitempty"`
}

// Item is one ranked result.
type Item struct {
	ChunkID   string
	Path      string
	Heading   *string
	StartLine int
	Score     float64
	Signals   Signals
	Snippet   string
	Text      string
	Date      time.Time
}

// Diagnostics carries per-stage timings and counts for the response-level
// debug block.
type Diagnostics struct {
	VectorLatency   time.Duration
	GraphLatency    time.Duration
	VectorCount     int
	GraphCount      int
	CandidateCount  int
	Fallback        string
}

// Response is a retrieval result. The item list never exceeds the rerank
// top-K; every item carries its sub-score tuple and a snippet.
type Response struct {
	Query           string
	QueryType       QueryType
	Strategy        Strategy
	TotalCandidates int
	Items           []Item
	Diagnostics     Diagnostics
	GeneratedAt     time.Time
}

// Retriever fans a query out over the vector index, link graph and chunk
// store and reranks the merged candidates.
type Retriever struct {
	Chunks   storage.ChunkStore
	Vectors  storage.VectorIndex
	Links    storage.LinkStore
	Entities storage.EntityIndex
	Embedder Embedder

	cfg     Config
	metrics telemetry.Metrics
	now     func() time.Time
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithMetrics injects a metrics collector; the default is a no-op.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Retriever) { r.now = now }
}

func New(chunks storage.ChunkStore, vectors storage.VectorIndex, links storage.LinkStore, entityIdx storage.EntityIndex, emb Embedder, cfg Config, opts ...Option) *Retriever {
	if cfg.VectorK <= 0 {
		cfg.VectorK = 20
	}
	if cfg.RerankK <= 0 {
		cfg.RerankK = 10
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 3
	}
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = 50
	}
	if cfg.CandidateCap <= 0 {
		cfg.CandidateCap = 500
	}
	r := &Retriever{
		Chunks: chunks, Vectors: vectors, Links: links, Entities: entityIdx, Embedder: emb,
		cfg: cfg, metrics: telemetry.NoopMetrics{}, now: time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Search plans and executes one query. A retrieval failure yields an empty
// response with the error kind; hybrid falls back to vector-only when the
// graph walk fails.
func (r *Retriever) Search(ctx context.Context, q Query) (Response, error) {
	start := r.now()
	qt := Classify(q.Text)
	strat := ApplyPreferences(StrategyFor(qt), q.PreferVector, q.PreferGraph)

	resp := Response{Query: q.Text, QueryType: qt, Strategy: strat, GeneratedAt: start.UTC()}

	var err error
	switch strat {
	case StrategyVector:
		resp.Items, resp.Diagnostics, err = r.vectorOnly(ctx, q)
	case StrategyGraph:
		resp.Items, resp.Diagnostics, err = r.graphOnly(ctx, q)
	case StrategyTemporal:
		resp.Items, resp.Diagnostics, err = r.temporal(ctx, q)
	case StrategyHierarchical:
		resp.Items, resp.Diagnostics, err = r.hierarchical(ctx, q)
	default:
		resp.Items, resp.Diagnostics, err = r.hybrid(ctx, q)
	}

	r.metrics.IncCounter("retrieve_requests_total", map[string]string{"strategy": string(strat)})
	r.metrics.ObserveHistogram("retrieve_latency_seconds", r.now().Sub(start).Seconds(), map[string]string{"strategy": string(strat)})

	if err != nil {
		resp.Items = nil
		return resp, err
	}
	resp.TotalCandidates = len(resp.Items)
	resp.Items = r.truncate(resp.Items, q)
	return resp, nil
}

func (r *Retriever) truncate(items []Item, q Query) []Item {
	k := r.cfg.RerankK
	if q.RerankK > 0 {
		k = q.RerankK
	}
	if len(items) > k {
		return items[:k]
	}
	return items
}

// vectorOnly embeds the query and takes cosine top-K, applying user filters
// post-hoc via chunk metadata. Without an embedder it degrades to BM25 over
// the filtered candidate set.
func (r *Retriever) vectorOnly(ctx context.Context, q Query) ([]Item, Diagnostics, error) {
	var diag Diagnostics
	if r.Embedder == nil {
		items, err := r.bm25Candidates(ctx, q)
		diag.Fallback = "bm25"
		diag.CandidateCount = len(items)
		return items, diag, err
	}

	t0 := r.now()
	vecs, err := r.Embedder.Embed(ctx, []string{q.Text})
	if err != nil || len(vecs) == 0 {
		return nil, diag, errs.Wrap(errs.KindDependency, "embed query", err)
	}
	hits, err := r.Vectors.TopK(ctx, vecs[0], r.cfg.VectorK, nil, "")
	diag.VectorLatency = r.now().Sub(t0)
	if err != nil {
		return nil, diag, errs.Wrap(errs.KindDependency, "vector top-k", err)
	}
	diag.VectorCount = len(hits)

	var items []Item
	for _, h := range hits {
		c, ok, err := r.Chunks.GetChunk(ctx, h.ChunkID)
		if err != nil || !ok || !r.matches(c, q) {
			continue
		}
		items = append(items, r.item(c, h.Score, Signals{Vector: h.Score}, q.DateField))
	}
	sortByScore(items)
	return items, diag, nil
}

// graphOnly extracts entities from the query, resolves starting chunks via
// the entity index, and BFS-walks the link graph scoring each visited chunk
// by confidence product times per-hop decay.
func (r *Retriever) graphOnly(ctx context.Context, q Query) ([]Item, Diagnostics, error) {
	var diag Diagnostics
	t0 := r.now()

	startIDs := r.startChunks(ctx, q.Text)
	if len(startIDs) == 0 {
		diag.GraphLatency = r.now().Sub(t0)
		return nil, diag, nil
	}
	visits, err := linking.Traverse(ctx, r.Links, startIDs, r.cfg.MaxHops, r.cfg.MaxNodes)
	diag.GraphLatency = r.now().Sub(t0)
	if err != nil {
		return nil, diag, errs.Wrap(errs.KindDependency, "graph traversal", err)
	}
	diag.GraphCount = len(visits)

	best := make(map[string]float64, len(visits))
	for _, v := range visits {
		score := v.PathProduct * math.Pow(graphDecay, float64(v.Depth))
		if score > best[v.ID] {
			best[v.ID] = score
		}
	}

	var items []Item
	for id, score := range best {
		c, ok, err := r.Chunks.GetChunk(ctx, id)
		if err != nil || !ok || !r.matches(c, q) {
			continue
		}
		items = append(items, r.item(c, score, Signals{Graph: score}, q.DateField))
	}
	sortByScore(items)
	return items, diag, nil
}

// startChunks resolves query entities to chunk ids via the entity index.
func (r *Retriever) startChunks(ctx context.Context, query string) []string {
	ext := entities.Extract(query)
	seen := make(map[string]bool)
	var out []string
	texts := make([]string, 0, len(ext.Entities)+len(ext.Keyphrases))
	for _, e := range ext.Entities {
		texts = append(texts, e.Text)
	}
	texts = append(texts, ext.Keyphrases...)
	for _, t := range texts {
		mentions, err := r.Entities.ChunksMentioning(ctx, t)
		if err != nil {
			continue
		}
		for _, m := range mentions {
			if !seen[m.ChunkID] {
				seen[m.ChunkID] = true
				out = append(out, m.ChunkID)
			}
		}
	}
	sort.Strings(out)
	return out
}

// hybrid fans out vector and graph retrieval in parallel, merges by chunk
// id keeping the max per-source score, and reranks with fixed weights.
// A failed graph walk degrades to the vector results alone.
func (r *Retriever) hybrid(ctx context.Context, q Query) ([]Item, Diagnostics, error) {
	type out struct {
		items []Item
		diag  Diagnostics
		err   error
	}
	vecCh := make(chan out, 1)
	graphCh := make(chan out, 1)
	go func() {
		items, diag, err := r.vectorOnly(ctx, q)
		vecCh <- out{items, diag, err}
	}()
	go func() {
		items, diag, err := r.graphOnly(ctx, q)
		graphCh <- out{items, diag, err}
	}()
	vec := <-vecCh
	graph := <-graphCh

	diag := Diagnostics{
		VectorLatency: vec.diag.VectorLatency,
		GraphLatency:  graph.diag.GraphLatency,
		VectorCount:   len(vec.items),
		GraphCount:    len(graph.items),
		Fallback:      vec.diag.Fallback,
	}
	if vec.err != nil && graph.err != nil {
		return nil, diag, vec.err
	}
	if vec.err != nil {
		diag.Fallback = "graph-only"
		logging.Log.WithError(vec.err).Warn("hybrid vector arm failed, using graph results")
		vec.items = nil
	}
	if graph.err != nil {
		diag.Fallback = "vector-only"
		logging.Log.WithError(graph.err).Warn("hybrid graph arm failed, using vector results")
		graph.items = nil
	}

	merged := make(map[string]*Item)
	for _, it := range vec.items {
		cp := it
		merged[it.ChunkID] = &cp
	}
	for _, it := range graph.items {
		if ex, ok := merged[it.ChunkID]; ok {
			if it.Signals.Graph > ex.Signals.Graph {
				ex.Signals.Graph = it.Signals.Graph
			}
		} else {
			cp := it
			merged[it.ChunkID] = &cp
		}
	}

	items := make([]Item, 0, len(merged))
	var maxHub float64
	hubs := make(map[string]float64, len(merged))
	for id, it := range merged {
		c, ok, err := r.Chunks.GetChunk(ctx, id)
		if err != nil || !ok {
			continue
		}
		hubs[id] = float64(c.Hub)
		if float64(c.Hub) > maxHub {
			maxHub = float64(c.Hub)
		}
		items = append(items, *it)
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}
	bm := NewBM25Scorer(texts)
	bmScores := normalize(bm.ScoreAll(q.Text))

	now := r.now()
	for i := range items {
		it := &items[i]
		hub := 0.0
		if maxHub > 0 {
			hub = hubs[it.ChunkID] / maxHub
		}
		rec := recency(now, it.Date)
		it.Signals.Hub = hub
		it.Signals.Recency = rec
		it.Signals.BM25 = bmScores[i]
		it.Score = 0.4*it.Signals.Vector + 0.3*it.Signals.Graph + 0.2*rec + 0.1*hub
	}
	sortByScore(items)
	return items, diag, nil
}

// temporal restricts candidates to the query-inferred (or filter-supplied)
// window and orders ascending by the effective date; the score is strictly
// the recency signal.
func (r *Retriever) temporal(ctx context.Context, q Query) ([]Item, Diagnostics, error) {
	var diag Diagnostics
	spec := q.Filters
	if since, until := inferRange(q.Text, r.now()); since != nil || until != nil {
		spec.Since, spec.Until = since, until
	}
	chunks, err := r.Chunks.FetchCandidates(ctx, spec, storage.DateFieldCoalesce, r.cfg.CandidateCap)
	if err != nil {
		return nil, diag, errs.Wrap(errs.KindDependency, "candidate fetch", err)
	}
	diag.CandidateCount = len(chunks)

	now := r.now()
	items := make([]Item, 0, len(chunks))
	for _, c := range chunks {
		it := r.item(c, 0, Signals{}, storage.DateFieldCoalesce)
		it.Signals.Recency = recency(now, it.Date)
		it.Score = it.Signals.Recency
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Date.Before(items[j].Date) })
	return items, diag, nil
}

// hierarchical surfaces higher-level sections first: the heading level is a
// prior blended with the heading's BM25 relevance to the query.
func (r *Retriever) hierarchical(ctx context.Context, q Query) ([]Item, Diagnostics, error) {
	var diag Diagnostics
	chunks, err := r.Chunks.FetchCandidates(ctx, q.Filters, q.DateField, r.cfg.CandidateCap)
	if err != nil {
		return nil, diag, errs.Wrap(errs.KindDependency, "candidate fetch", err)
	}
	diag.CandidateCount = len(chunks)

	headings := make([]string, len(chunks))
	for i, c := range chunks {
		if c.Heading != nil {
			headings[i] = *c.Heading
		}
	}
	bm := NewBM25Scorer(headings)
	rel := normalize(bm.ScoreAll(q.Text))

	items := make([]Item, 0, len(chunks))
	for i, c := range chunks {
		level := c.HeadingLevel
		if level <= 0 || level > 5 {
			level = 5
		}
		sig := Signals{HeadingRelevance: rel[i]}
		score := 0.7*float64(5-level)/5 + 0.3*rel[i]
		items = append(items, r.item(c, score, sig, q.DateField))
	}
	sortByScore(items)
	return items, diag, nil
}

// bm25Candidates is the embedder-free path: BM25 over the filtered
// candidate set.
func (r *Retriever) bm25Candidates(ctx context.Context, q Query) ([]Item, error) {
	chunks, err := r.Chunks.FetchCandidates(ctx, q.Filters, q.DateField, r.cfg.CandidateCap)
	if err != nil {
		return nil, errs.Wrap(errs.KindDependency, "candidate fetch", err)
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	bm := NewBM25Scorer(texts)
	scores := bm.ScoreAll(q.Text)

	var items []Item
	for i, c := range chunks {
		if scores[i] <= 0 {
			continue
		}
		items = append(items, r.item(c, scores[i], Signals{BM25: scores[i]}, q.DateField))
	}
	sortByScore(items)
	return items, nil
}

// matches applies a FilterSpec to a chunk post-hoc, used by strategies that
// retrieve outside the chunk store.
func (r *Retriever) matches(c storage.Chunk, q Query) bool {
	f := q.Filters
	if f.PathPrefix != "" && !strings.HasPrefix(c.Path, f.PathPrefix) {
		return false
	}
	if len(f.Tags) > 0 {
		have := make(map[string]bool, len(c.Tags))
		for _, t := range c.Tags {
			have[t] = true
		}
		if f.RequireAll {
			for _, t := range f.Tags {
				if !have[t] {
					return false
				}
			}
		} else {
			any := false
			for _, t := range f.Tags {
				if have[t] {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		}
	}
	d := chunkDate(c, q.DateField)
	if f.Since != nil && d.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !d.Before(*f.Until) {
		return false
	}
	return true
}

func (r *Retriever) item(c storage.Chunk, score float64, sig Signals, field storage.DateField) Item {
	return Item{
		ChunkID:   c.ID,
		Path:      c.Path,
		Heading:   c.Heading,
		StartLine: c.StartLine,
		Score:     score,
		Signals:   sig,
		Snippet:   Snippet(c.Text),
		Text:      c.Text,
		Date:      chunkDate(c, field),
	}
}

func chunkDate(c storage.Chunk, field storage.DateField) time.Time {
	switch field {
	case storage.DateFieldCreated:
		if c.CreatedAt != nil {
			return *c.CreatedAt
		}
		return time.Time{}
	case storage.DateFieldModified:
		return c.ModifiedAt
	default:
		if c.CreatedAt != nil {
			return *c.CreatedAt
		}
		return c.ModifiedAt
	}
}

// recency is max(0, 1 - daysSince(updatedAt)/365).
func recency(now, updatedAt time.Time) float64 {
	if updatedAt.IsZero() {
		return 0
	}
	days := now.Sub(updatedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	v := 1 - days/365
	if v < 0 {
		return 0
	}
	return v
}

func sortByScore(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ChunkID < items[j].ChunkID
	})
}
