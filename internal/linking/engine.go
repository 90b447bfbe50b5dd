// Package linking discovers, scores and persists semantic relationships
// between chunks from vector similarity
// and shared-entity evidence, persists them as symmetric edge pairs, and
// runs the pending-approval workflow for low-confidence proposals.
package linking

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"knowgraph/internal/errs"
	"knowgraph/internal/logging"
	"knowgraph/internal/storage"
)

// Config tunes the engine. Zero values take the built-in defaults.
type Config struct {
	MaxLinks        int     // candidate cap; similar-chunk query asks for 2x this
	Threshold       float64 // minimum combined score for an auto edge
	SuggestionFloor float64 // combined scores in [floor, threshold) become pending links
}

// Engine wires the Vector Index, Entity Index, Link Store and Chunk Store
// into the link-discovery algorithm.
type Engine struct {
	Vectors  storage.VectorIndex
	Entities storage.EntityIndex
	Links    storage.LinkStore
	Chunks   storage.ChunkStore

	cfg Config
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(vectors storage.VectorIndex, entities storage.EntityIndex, links storage.LinkStore, chunks storage.ChunkStore, cfg Config, opts ...Option) *Engine {
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = 10
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.7
	}
	if cfg.SuggestionFloor <= 0 {
		cfg.SuggestionFloor = 0.4
	}
	e := &Engine{Vectors: vectors, Entities: entities, Links: links, Chunks: chunks, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Result aggregates one LinkChunk call. Single-link errors never abort the
// batch; they are counted and logged.
type Result struct {
	ChunkID   string
	Created   int
	Updated   int
	Suggested int
	Failed    int
}

// evidence accumulates per-target scores during combination.
type evidence struct {
	vectorScore   float64
	entityScores  []float64
	sharedEntities []string
}

// CombineScores blends the evidence: 0.6*vector + 0.4*entity.
func CombineScores(vectorScore, entityScore float64) float64 {
	return 0.6*vectorScore + 0.4*entityScore
}

// RelationFor derives the link type from combined strength.
func RelationFor(strength float64) storage.RelationType {
	switch {
	case strength >= 0.9:
		return storage.RelationSimilar
	case strength >= 0.8:
		return storage.RelationRelated
	case strength >= 0.6:
		return storage.RelationReferences
	default:
		return storage.RelationRelated
	}
}

// LinkChunk runs the full discovery algorithm for one newly ingested chunk.
func (e *Engine) LinkChunk(ctx context.Context, chunkID string) (Result, error) {
	res := Result{ChunkID: chunkID}

	byTarget := make(map[string]*evidence)
	get := func(id string) *evidence {
		ev := byTarget[id]
		if ev == nil {
			ev = &evidence{}
			byTarget[id] = ev
		}
		return ev
	}

	// Step 1: similar-chunk query, K = 2x maxLinks, excluding the chunk
	// itself, floored at the suggestion floor so near-misses can still
	// become pending links.
	emb, ok, err := e.Vectors.Get(ctx, chunkID)
	if err != nil {
		return res, errs.Wrap(errs.KindDependency, "load embedding", err)
	}
	if ok {
		hits, err := e.Vectors.TopK(ctx, emb.Vector, 2*e.cfg.MaxLinks, nil, chunkID)
		if err != nil {
			return res, errs.Wrap(errs.KindDependency, "similar-chunk query", err)
		}
		for _, h := range hits {
			if h.Score < e.cfg.SuggestionFloor {
				continue
			}
			ev := get(h.ChunkID)
			if h.Score > ev.vectorScore {
				ev.vectorScore = h.Score
			}
		}
	}

	// Step 2: shared-entity query, grouped by target.
	mentions, err := e.Entities.MentionsIn(ctx, chunkID)
	if err != nil {
		return res, errs.Wrap(errs.KindDependency, "load mentions", err)
	}
	for _, m := range mentions {
		others, err := e.Entities.ChunksMentioning(ctx, m.Text)
		if err != nil {
			res.Failed++
			continue
		}
		for _, o := range others {
			if o.ChunkID == chunkID {
				continue
			}
			ev := get(o.ChunkID)
			ev.entityScores = append(ev.entityScores, o.Confidence)
			ev.sharedEntities = append(ev.sharedEntities, m.Text)
		}
	}

	// Steps 3-6: combine, derive type, persist symmetric pairs, refresh
	// degree caches. Deterministic order keeps re-runs stable.
	targets := make([]string, 0, len(byTarget))
	for id := range byTarget {
		targets = append(targets, id)
	}
	sort.Strings(targets)

	linked := 0
	for _, target := range targets {
		if linked >= e.cfg.MaxLinks {
			break
		}
		ev := byTarget[target]
		entityScore := mean(ev.entityScores)
		combined := CombineScores(ev.vectorScore, entityScore)
		if combined < e.cfg.SuggestionFloor {
			continue
		}
		rationale := buildRationale(ev, entityScore)

		if combined < e.cfg.Threshold {
			if err := e.suggest(ctx, chunkID, target, combined, rationale); err != nil {
				res.Failed++
				logging.Log.WithError(err).WithField("target", target).Warn("pending link write failed")
				continue
			}
			res.Suggested++
			continue
		}

		created, updated, err := e.persistPair(ctx, chunkID, target, RelationFor(combined), combined, rationale)
		if err != nil {
			res.Failed++
			logging.Log.WithError(err).WithField("target", target).Warn("edge write failed")
			continue
		}
		if created {
			res.Created++
		}
		if updated {
			res.Updated++
		}
		linked++
	}

	return res, nil
}

// persistPair inserts or upgrades the directed edge and its symmetric twin,
// then refreshes the hub/authority caches of both endpoints. An existing
// edge with equal or higher strength is left alone.
func (e *Engine) persistPair(ctx context.Context, source, target string, rel storage.RelationType, strength float64, rationale string) (created, updated bool, err error) {
	now := e.now().UTC()

	existing, found, err := e.Links.GetEdge(ctx, source, target, rel)
	if err != nil {
		return false, false, err
	}
	if found && existing.Strength >= strength {
		return false, false, nil
	}

	forward := storage.Edge{
		SourceID: source, TargetID: target, Relationship: rel,
		Strength: strength, Rationale: rationale,
		Provenance: storage.ProvenanceAuto,
		CreatedAt:  now, UpdatedAt: now,
	}
	if found {
		forward.CreatedAt = existing.CreatedAt
	}
	if err := e.Links.UpsertEdge(ctx, forward); err != nil {
		return false, false, err
	}

	reverse := forward
	reverse.SourceID, reverse.TargetID = target, source
	reverse.Rationale = "Reciprocal of " + source + ": " + rationale
	if err := e.Links.UpsertEdge(ctx, reverse); err != nil {
		return false, false, err
	}

	if err := e.refreshDegrees(ctx, source, target); err != nil {
		return false, false, err
	}
	return !found, found, nil
}

// refreshDegrees recomputes the cached hub (outgoing) and authority
// (incoming) counts of both endpoints after an edge write.
func (e *Engine) refreshDegrees(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		hub, err := e.Links.OutgoingCount(ctx, id)
		if err != nil {
			return err
		}
		authority, err := e.Links.IncomingCount(ctx, id)
		if err != nil {
			return err
		}
		if err := e.Chunks.SetDegrees(ctx, id, hub, authority); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) suggest(ctx context.Context, source, target string, strength float64, rationale string) error {
	now := e.now().UTC()
	return e.Links.CreatePendingLink(ctx, storage.PendingLink{
		ID:           uuid.NewString(),
		SourceID:     source,
		TargetID:     target,
		Relationship: RelationFor(strength),
		Strength:     strength,
		Rationale:    rationale,
		Status:       storage.PendingStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// ApprovePendingLink materializes a pending proposal as a MANUAL edge pair
// carrying the stored rationale.
func (e *Engine) ApprovePendingLink(ctx context.Context, id string) error {
	p, ok, err := e.Links.GetPendingLink(ctx, id)
	if err != nil {
		return errs.Wrap(errs.KindDependency, "load pending link", err)
	}
	if !ok {
		return errs.Wrap(errs.KindNotFound, fmt.Sprintf("pending link %s", id), nil)
	}
	if p.Status != storage.PendingStatusPending {
		return errs.Wrap(errs.KindConflict, fmt.Sprintf("pending link %s is %s", id, p.Status), nil)
	}

	now := e.now().UTC()
	forward := storage.Edge{
		SourceID: p.SourceID, TargetID: p.TargetID, Relationship: p.Relationship,
		Strength: p.Strength, Rationale: p.Rationale,
		Provenance: storage.ProvenanceManual,
		CreatedAt:  now, UpdatedAt: now,
	}
	if err := e.Links.UpsertEdge(ctx, forward); err != nil {
		return errs.Wrap(errs.KindDependency, "persist approved edge", err)
	}
	reverse := forward
	reverse.SourceID, reverse.TargetID = p.TargetID, p.SourceID
	reverse.Rationale = "Reciprocal of " + p.SourceID + ": " + p.Rationale
	if err := e.Links.UpsertEdge(ctx, reverse); err != nil {
		return errs.Wrap(errs.KindDependency, "persist approved edge", err)
	}
	if err := e.refreshDegrees(ctx, p.SourceID, p.TargetID); err != nil {
		return errs.Wrap(errs.KindDependency, "refresh degrees", err)
	}
	return e.Links.UpdatePendingLinkStatus(ctx, id, storage.PendingStatusApproved)
}

// RejectPendingLink records the decision; the row is retained but leaves
// the runnable set.
func (e *Engine) RejectPendingLink(ctx context.Context, id string) error {
	p, ok, err := e.Links.GetPendingLink(ctx, id)
	if err != nil {
		return errs.Wrap(errs.KindDependency, "load pending link", err)
	}
	if !ok {
		return errs.Wrap(errs.KindNotFound, fmt.Sprintf("pending link %s", id), nil)
	}
	if p.Status != storage.PendingStatusPending {
		return errs.Wrap(errs.KindConflict, fmt.Sprintf("pending link %s is %s", id, p.Status), nil)
	}
	return e.Links.UpdatePendingLinkStatus(ctx, id, storage.PendingStatusRejected)
}

// buildRationale concatenates the scored reasons, e.g.
// "Vector similarity: 0.83; Shared entity 'X': 0.71".
func buildRationale(ev *evidence, entityScore float64) string {
	var parts []string
	if ev.vectorScore > 0 {
		parts = append(parts, fmt.Sprintf("Vector similarity: %.2f", ev.vectorScore))
	}
	if len(ev.sharedEntities) > 0 {
		seen := make(map[string]bool)
		for _, name := range ev.sharedEntities {
			if seen[name] {
				continue
			}
			seen[name] = true
		}
		names := make([]string, 0, len(seen))
		for name := range seen {
			names = append(names, name)
		}
		sort.Strings(names)
		parts = append(parts, fmt.Sprintf("Shared entity %s: %.2f", quoteAll(names), entityScore))
	}
	return strings.Join(parts, "; ")
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	return strings.Join(quoted, ", ")
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
