package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"knowgraph/internal/logging"
)

// PostgresChunkStore persists files and chunks in Postgres, the production
// backend selected by config.DBConfig{Backend: "postgres"}.
type PostgresChunkStore struct {
	pool *pgxpool.Pool
}

func NewPostgresChunkStore(ctx context.Context, dsn string) (*PostgresChunkStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresChunkStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresChunkStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS files (
	path TEXT PRIMARY KEY,
	title TEXT,
	frontmatter JSONB,
	content_hash TEXT NOT NULL,
	source_etag TEXT,
	size BIGINT,
	created_at TIMESTAMPTZ,
	modified_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL REFERENCES files(path) ON DELETE CASCADE,
	heading TEXT,
	heading_level INT,
	start_line INT NOT NULL,
	text TEXT NOT NULL,
	content_hash TEXT,
	created_at TIMESTAMPTZ,
	modified_at TIMESTAMPTZ NOT NULL,
	hub INT DEFAULT 0,
	authority INT DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path);
CREATE TABLE IF NOT EXISTS chunk_tags (
	chunk_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	PRIMARY KEY (chunk_id, tag)
);
CREATE INDEX IF NOT EXISTS idx_chunk_tags_tag ON chunk_tags(tag);
`)
	return err
}

func (s *PostgresChunkStore) UpsertFile(ctx context.Context, f File) error {
	fm, _ := json.Marshal(f.Frontmatter)
	_, err := s.pool.Exec(ctx, `
INSERT INTO files (path, title, frontmatter, content_hash, source_etag, size, created_at, modified_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (path) DO UPDATE SET
	title=EXCLUDED.title, frontmatter=EXCLUDED.frontmatter, content_hash=EXCLUDED.content_hash,
	source_etag=EXCLUDED.source_etag, size=EXCLUDED.size, created_at=EXCLUDED.created_at,
	modified_at=EXCLUDED.modified_at`,
		f.Path, f.Title, fm, f.ContentHash, f.SourceETag, f.Size, f.CreatedAt, f.ModifiedAt)
	return err
}

func (s *PostgresChunkStore) GetFile(ctx context.Context, path string) (File, bool, error) {
	var f File
	var fm []byte
	err := s.pool.QueryRow(ctx, `SELECT path,title,frontmatter,content_hash,source_etag,size,created_at,modified_at FROM files WHERE path=$1`, path).
		Scan(&f.Path, &f.Title, &fm, &f.ContentHash, &f.SourceETag, &f.Size, &f.CreatedAt, &f.ModifiedAt)
	if err != nil {
		return File{}, false, nil
	}
	_ = json.Unmarshal(fm, &f.Frontmatter)
	return f, true, nil
}

func (s *PostgresChunkStore) UpsertChunk(ctx context.Context, c Chunk) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO chunks (id, path, heading, heading_level, start_line, text, content_hash, created_at, modified_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
	heading=EXCLUDED.heading, heading_level=EXCLUDED.heading_level, start_line=EXCLUDED.start_line,
	text=EXCLUDED.text, content_hash=EXCLUDED.content_hash, created_at=EXCLUDED.created_at,
	modified_at=EXCLUDED.modified_at`,
		c.ID, c.Path, c.Heading, c.HeadingLevel, c.StartLine, c.Text, c.ContentHash, c.CreatedAt, c.ModifiedAt)
	return err
}

func (s *PostgresChunkStore) GetChunk(ctx context.Context, id string) (Chunk, bool, error) {
	var c Chunk
	err := s.pool.QueryRow(ctx, `SELECT id,path,heading,heading_level,start_line,text,content_hash,created_at,modified_at,hub,authority FROM chunks WHERE id=$1`, id).
		Scan(&c.ID, &c.Path, &c.Heading, &c.HeadingLevel, &c.StartLine, &c.Text, &c.ContentHash, &c.CreatedAt, &c.ModifiedAt, &c.Hub, &c.Authority)
	if err != nil {
		return Chunk{}, false, nil
	}
	return c, true, nil
}

func (s *PostgresChunkStore) DeleteChunksForFile(ctx context.Context, path string, keepIDs map[string]bool) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM chunks WHERE path=$1`, path)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil && !keepIDs[id] {
			ids = append(ids, id)
		}
	}
	rows.Close()
	if len(ids) > 0 {
		_, err = s.pool.Exec(ctx, `DELETE FROM chunks WHERE id = ANY($1)`, ids)
	}
	return ids, err
}

func (s *PostgresChunkStore) ReplaceChunkTags(ctx context.Context, chunkID string, tags []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM chunk_tags WHERE chunk_id=$1`, chunkID); err != nil {
		return err
	}
	for _, t := range tags {
		if _, err := tx.Exec(ctx, `INSERT INTO chunk_tags (chunk_id, tag) VALUES ($1,$2) ON CONFLICT DO NOTHING`, chunkID, t); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresChunkStore) SetDegrees(ctx context.Context, chunkID string, hub, authority int) error {
	_, err := s.pool.Exec(ctx, `UPDATE chunks SET hub=$2, authority=$3 WHERE id=$1`, chunkID, hub, authority)
	return err
}

func (s *PostgresChunkStore) dateColumn(field DateField) string {
	switch field {
	case DateFieldCreated:
		return "created_at"
	case DateFieldModified:
		return "modified_at"
	default:
		return "COALESCE(created_at, modified_at)"
	}
}

func (s *PostgresChunkStore) FetchCandidates(ctx context.Context, spec FilterSpec, field DateField, cap int) ([]Chunk, error) {
	dcol := s.dateColumn(field)
	var q string
	var args []any
	i := 1

	if len(spec.Tags) > 0 && spec.RequireAll {
		q = `SELECT c.id,c.path,c.heading,c.heading_level,c.start_line,c.text,c.content_hash,c.created_at,c.modified_at,c.hub,c.authority
FROM chunks c JOIN (
  SELECT chunk_id FROM chunk_tags WHERE tag = ANY($1) GROUP BY chunk_id HAVING COUNT(DISTINCT tag) = $2
) ok ON ok.chunk_id = c.id WHERE 1=1`
		args = append(args, spec.Tags, len(spec.Tags))
		i = 3
	} else if len(spec.Tags) > 0 {
		q = fmtArg(`SELECT c.id,c.path,c.heading,c.heading_level,c.start_line,c.text,c.content_hash,c.created_at,c.modified_at,c.hub,c.authority
FROM chunks c WHERE c.id IN (SELECT chunk_id FROM chunk_tags WHERE tag = ANY(`, &i)
		q += "))"
		args = append(args, spec.Tags)
	} else {
		q = `SELECT c.id,c.path,c.heading,c.heading_level,c.start_line,c.text,c.content_hash,c.created_at,c.modified_at,c.hub,c.authority
FROM chunks c WHERE 1=1`
	}

	if spec.PathPrefix != "" {
		q += fmtArg(" AND c.path LIKE ", &i)
		args = append(args, spec.PathPrefix+"%")
	}
	if spec.Since != nil {
		q += fmtArg(" AND "+dcol+" >= ", &i)
		args = append(args, *spec.Since)
	}
	if spec.Until != nil {
		q += fmtArg(" AND "+dcol+" < ", &i)
		args = append(args, *spec.Until)
	}
	if cap > 0 {
		q += fmtArg(" LIMIT ", &i)
		args = append(args, cap)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.Path, &c.Heading, &c.HeadingLevel, &c.StartLine, &c.Text, &c.ContentHash, &c.CreatedAt, &c.ModifiedAt, &c.Hub, &c.Authority); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func fmtArg(prefix string, i *int) string {
	s := prefix + "$" + itoa(*i)
	*i++
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	p := len(buf)
	for n > 0 {
		p--
		buf[p] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		p--
		buf[p] = '-'
	}
	return string(buf[p:])
}

func (s *PostgresChunkStore) FetchFacets(ctx context.Context, since, until *time.Time, pathPrefix string) (Facets, error) {
	tagRows, err := s.pool.Query(ctx, `
SELECT ct.tag, COUNT(*) c FROM chunk_tags ct
JOIN chunks c ON c.id = ct.chunk_id
WHERE ($1::text = '' OR c.path LIKE $1) AND ($2::timestamptz IS NULL OR COALESCE(c.created_at,c.modified_at) >= $2)
  AND ($3::timestamptz IS NULL OR COALESCE(c.created_at,c.modified_at) < $3)
GROUP BY ct.tag ORDER BY c DESC, ct.tag ASC LIMIT 50`,
		pathPrefix+"%", since, until)
	if err != nil {
		return Facets{}, err
	}
	var top []TagCount
	for tagRows.Next() {
		var tc TagCount
		if err := tagRows.Scan(&tc.Tag, &tc.Count); err == nil {
			top = append(top, tc)
		}
	}
	tagRows.Close()

	// Postgres month bucketing via date_trunc; SQLite variant uses strftime
	// in sqlite.go. Output normalizes to "YYYY-MM" regardless of dialect.
	monthRows, err := s.pool.Query(ctx, `
SELECT to_char(date_trunc('month', COALESCE(c.created_at, c.modified_at)), 'YYYY-MM') b, COUNT(*) c
FROM chunks c
WHERE ($1::text = '' OR c.path LIKE $1) AND ($2::timestamptz IS NULL OR COALESCE(c.created_at,c.modified_at) >= $2)
  AND ($3::timestamptz IS NULL OR COALESCE(c.created_at,c.modified_at) < $3)
GROUP BY b ORDER BY b DESC LIMIT 24`,
		pathPrefix+"%", since, until)
	if err != nil {
		return Facets{}, err
	}
	var hist []MonthBucket
	for monthRows.Next() {
		var mb MonthBucket
		if err := monthRows.Scan(&mb.Bucket, &mb.Count); err == nil {
			hist = append(hist, mb)
		}
	}
	monthRows.Close()

	return Facets{TopTags: top, Histogram: hist}, nil
}

// PostgresLinkStore persists the semantic link graph in Postgres.
type PostgresLinkStore struct {
	pool *pgxpool.Pool
}

func NewPostgresLinkStore(ctx context.Context, dsn string) (*PostgresLinkStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresLinkStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresLinkStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS semantic_links (
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	relationship TEXT NOT NULL,
	strength DOUBLE PRECISION NOT NULL,
	rationale TEXT NOT NULL,
	provenance TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_id, target_id, relationship)
);
CREATE INDEX IF NOT EXISTS idx_links_target ON semantic_links(target_id);
CREATE TABLE IF NOT EXISTS pending_links (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	relationship TEXT NOT NULL,
	strength DOUBLE PRECISION NOT NULL,
	rationale TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`)
	return err
}

func (s *PostgresLinkStore) UpsertEdge(ctx context.Context, e Edge) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO semantic_links (source_id, target_id, relationship, strength, rationale, provenance, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (source_id, target_id, relationship) DO UPDATE SET
	strength=EXCLUDED.strength, rationale=EXCLUDED.rationale, provenance=EXCLUDED.provenance, updated_at=EXCLUDED.updated_at`,
		e.SourceID, e.TargetID, e.Relationship, e.Strength, e.Rationale, e.Provenance, e.CreatedAt, e.UpdatedAt)
	return err
}

func (s *PostgresLinkStore) GetEdge(ctx context.Context, sourceID, targetID string, rel RelationType) (Edge, bool, error) {
	var e Edge
	err := s.pool.QueryRow(ctx, `SELECT source_id,target_id,relationship,strength,rationale,provenance,created_at,updated_at FROM semantic_links WHERE source_id=$1 AND target_id=$2 AND relationship=$3`,
		sourceID, targetID, rel).Scan(&e.SourceID, &e.TargetID, &e.Relationship, &e.Strength, &e.Rationale, &e.Provenance, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Edge{}, false, nil
	}
	return e, true, nil
}

func (s *PostgresLinkStore) OutgoingEdges(ctx context.Context, chunkID string) ([]Edge, error) {
	rows, err := s.pool.Query(ctx, `SELECT source_id,target_id,relationship,strength,rationale,provenance,created_at,updated_at FROM semantic_links WHERE source_id=$1`, chunkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.SourceID, &e.TargetID, &e.Relationship, &e.Strength, &e.Rationale, &e.Provenance, &e.CreatedAt, &e.UpdatedAt); err == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *PostgresLinkStore) IncomingCount(ctx context.Context, chunkID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM semantic_links WHERE target_id=$1`, chunkID).Scan(&n)
	return n, err
}

func (s *PostgresLinkStore) OutgoingCount(ctx context.Context, chunkID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM semantic_links WHERE source_id=$1`, chunkID).Scan(&n)
	return n, err
}

func (s *PostgresLinkStore) CreatePendingLink(ctx context.Context, p PendingLink) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO pending_links (id, source_id, target_id, relationship, strength, rationale, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.SourceID, p.TargetID, p.Relationship, p.Strength, p.Rationale, p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *PostgresLinkStore) GetPendingLink(ctx context.Context, id string) (PendingLink, bool, error) {
	var p PendingLink
	err := s.pool.QueryRow(ctx, `SELECT id,source_id,target_id,relationship,strength,rationale,status,created_at,updated_at FROM pending_links WHERE id=$1`, id).
		Scan(&p.ID, &p.SourceID, &p.TargetID, &p.Relationship, &p.Strength, &p.Rationale, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return PendingLink{}, false, nil
	}
	return p, true, nil
}

func (s *PostgresLinkStore) ListPendingLinks(ctx context.Context, status PendingStatus) ([]PendingLink, error) {
	q := `SELECT id,source_id,target_id,relationship,strength,rationale,status,created_at,updated_at FROM pending_links`
	var args []any
	if status != "" {
		q += ` WHERE status=$1`
		args = append(args, status)
	}
	q += ` ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingLink
	for rows.Next() {
		var p PendingLink
		if err := rows.Scan(&p.ID, &p.SourceID, &p.TargetID, &p.Relationship, &p.Strength, &p.Rationale, &p.Status, &p.CreatedAt, &p.UpdatedAt); err == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *PostgresLinkStore) UpdatePendingLinkStatus(ctx context.Context, id string, status PendingStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE pending_links SET status=$2, updated_at=$3 WHERE id=$1`, id, status, time.Now().UTC())
	return err
}

// PostgresVectorIndex stores embeddings as plain float8[] columns. A
// deployment wanting pgvector's native operators can swap the column type
// and ORDER BY clause without changing this type's exported surface.
type PostgresVectorIndex struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPostgresVectorIndex(ctx context.Context, dsn string, dim int) (*PostgresVectorIndex, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	v := &PostgresVectorIndex{pool: pool, dim: dim}
	_, err = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS embeddings (
	chunk_id TEXT PRIMARY KEY,
	vector DOUBLE PRECISION[] NOT NULL,
	path TEXT, title TEXT, heading TEXT, level INT, tags TEXT[], frontmatter JSONB
);`)
	if err != nil {
		return nil, err
	}
	logging.Log.WithField("dim", dim).Info("postgres vector index ready")
	return v, nil
}

func (v *PostgresVectorIndex) Upsert(ctx context.Context, e Embedding) error {
	fm, _ := json.Marshal(e.Meta.Frontmatter)
	vec := make([]float64, len(e.Vector))
	for i, f := range e.Vector {
		vec[i] = float64(f)
	}
	_, err := v.pool.Exec(ctx, `
INSERT INTO embeddings (chunk_id, vector, path, title, heading, level, tags, frontmatter)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (chunk_id) DO UPDATE SET vector=EXCLUDED.vector, path=EXCLUDED.path, title=EXCLUDED.title,
	heading=EXCLUDED.heading, level=EXCLUDED.level, tags=EXCLUDED.tags, frontmatter=EXCLUDED.frontmatter`,
		e.ChunkID, vec, e.Meta.Path, e.Meta.Title, e.Meta.Heading, e.Meta.Level, e.Meta.Tags, fm)
	return err
}

func (v *PostgresVectorIndex) Delete(ctx context.Context, chunkID string) error {
	_, err := v.pool.Exec(ctx, `DELETE FROM embeddings WHERE chunk_id=$1`, chunkID)
	return err
}

func (v *PostgresVectorIndex) Get(ctx context.Context, chunkID string) (Embedding, bool, error) {
	var e Embedding
	var vec []float64
	var fm []byte
	err := v.pool.QueryRow(ctx, `SELECT chunk_id,vector,path,title,heading,level,tags,frontmatter FROM embeddings WHERE chunk_id=$1`, chunkID).
		Scan(&e.ChunkID, &vec, &e.Meta.Path, &e.Meta.Title, &e.Meta.Heading, &e.Meta.Level, &e.Meta.Tags, &fm)
	if err != nil {
		return Embedding{}, false, nil
	}
	_ = json.Unmarshal(fm, &e.Meta.Frontmatter)
	e.Vector = make([]float32, len(vec))
	for i, f := range vec {
		e.Vector[i] = float32(f)
	}
	return e, true, nil
}

func (v *PostgresVectorIndex) AllIDs(ctx context.Context) ([]string, error) {
	rows, err := v.pool.Query(ctx, `SELECT chunk_id FROM embeddings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// TopK pulls every row and scores in process. Real deployments select
// pgvector (cosine distance operator) or the qdrant backend instead; this
// path exists for the plain-Postgres deployment target with no vector
// extension installed.
func (v *PostgresVectorIndex) TopK(ctx context.Context, query []float32, k int, filter *VectorFilter, exclude string) ([]ScoredChunk, error) {
	rows, err := v.pool.Query(ctx, `SELECT chunk_id,vector,path,tags FROM embeddings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scored []ScoredChunk
	for rows.Next() {
		var id string
		var vec []float64
		var path string
		var tags []string
		if err := rows.Scan(&id, &vec, &path, &tags); err != nil {
			continue
		}
		if id == exclude {
			continue
		}
		if filter != nil && !matchesFilter(Embedding{Meta: EmbeddingMeta{Path: path, Tags: tags}}, filter) {
			continue
		}
		f32 := make([]float32, len(vec))
		for i, f := range vec {
			f32[i] = float32(f)
		}
		scored = append(scored, ScoredChunk{ChunkID: id, Score: CosineSimilarity(query, f32)})
	}
	sortScoredDesc(scored)
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func sortScoredDesc(s []ScoredChunk) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Score > s[j-1].Score; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
