// Package storage implements the chunk store, link store, vector index
// and entity index of the knowledge engine: the only shared mutable
// resources in the system. Each is exposed as a narrow interface with a memory
// backend (used by tests and the zero-dependency deployment) plus real
// backends (postgres, qdrant) selected by config.DBConfig.Backend.
package storage

import "time"

// File is the identity-by-path record of a single ingested markdown document.
type File struct {
	Path         string
	Title        string
	Frontmatter  map[string]any
	ContentHash  string // SHA-1 of the raw document bytes
	SourceETag   string
	Size         int64
	CreatedAt    *time.Time // frontmatter-derived, may be absent
	ModifiedAt   time.Time  // authoritative from the source collaborator
}

// Chunk is a positionally-identified, non-empty span of a file's body.
type Chunk struct {
	ID          string // SHA-1(path:start_line:first_64_chars(text))
	Path        string
	Heading     *string
	HeadingLevel int // 1-6, 0 if Heading is nil
	StartLine   int // 1-based
	Text        string
	ContentHash string // inherited from the owning File
	CreatedAt   *time.Time
	ModifiedAt  time.Time
	Tags        []string // sorted, unique, normalized — denormalized for reads
	Hub         int      // cached outgoing edge count
	Authority   int      // cached incoming edge count
}

// DateField selects which timestamp a FilterSpec window applies to.
type DateField int

const (
	DateFieldCoalesce DateField = iota // coalesce(created_at, modified_at)
	DateFieldCreated
	DateFieldModified
)

// FilterSpec narrows a candidate fetch.
type FilterSpec struct {
	Tags        []string
	RequireAll  bool // AND semantics across Tags when true, OR when false
	Since       *time.Time
	Until       *time.Time
	PathPrefix  string
}

// TagCount is one row of a facet histogram.
type TagCount struct {
	Tag   string
	Count int
}

// MonthBucket is one row of the facet time histogram.
type MonthBucket struct {
	Bucket string // "YYYY-MM"
	Count  int
}

// Facets is the result of fetchFacets.
type Facets struct {
	TopTags   []TagCount
	Histogram []MonthBucket
}

// Provenance distinguishes system-derived edges from human-approved ones.
type Provenance string

const (
	ProvenanceAuto   Provenance = "AUTO"
	ProvenanceManual Provenance = "MANUAL"
)

// RelationType is the derived strength band of a semantic link.
type RelationType string

const (
	RelationSimilar    RelationType = "SIMILAR"
	RelationRelated    RelationType = "RELATED"
	RelationReferences RelationType = "REFERENCES"
)

// Edge is a directed, typed semantic link between two chunks. AUTO edges are
// always stored as a symmetric pair.
type Edge struct {
	SourceID     string
	TargetID     string
	Relationship RelationType
	Strength     float64
	Rationale    string
	Provenance   Provenance
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PendingStatus is the approval state of a PendingLink.
type PendingStatus string

const (
	PendingStatusPending  PendingStatus = "pending"
	PendingStatusApproved PendingStatus = "approved"
	PendingStatusRejected PendingStatus = "rejected"
)

// PendingLink is an edge-proposal awaiting human approval.
type PendingLink struct {
	ID           string
	SourceID     string
	TargetID     string
	Relationship RelationType
	Strength     float64
	Rationale    string
	Status       PendingStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EmbeddingMeta is the sidecar metadata row stored beside each embedding
//.
type EmbeddingMeta struct {
	Path        string
	Title       string
	Heading     *string
	Level       int
	Tags        []string
	Frontmatter map[string]any
}

// Embedding is a chunk's dense vector plus its metadata echo.
type Embedding struct {
	ChunkID string
	Vector  []float32
	Meta    EmbeddingMeta
}

// ScoredChunk pairs a vector-index hit with its similarity score.
type ScoredChunk struct {
	ChunkID string
	Score   float64
}

// VectorFilter restricts a similarity search to a subset of chunks by
// metadata, applied by the Vector Index itself (not post-hoc) when set.
type VectorFilter struct {
	PathPrefix string
	Tags       []string
}
