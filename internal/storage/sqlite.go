package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteChunkStore is the embedded, single-file ChunkStore backend — the
// zero-dependency deployment target alongside the memory backend.
type SQLiteChunkStore struct {
	db *sql.DB
}

func NewSQLiteChunkStore(path string) (*SQLiteChunkStore, error) {
	if path == "" {
		path = "knowledge.db"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteChunkStore{db: db}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS files (
	path TEXT PRIMARY KEY, title TEXT, frontmatter TEXT, content_hash TEXT,
	source_etag TEXT, size INTEGER, created_at TEXT, modified_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY, path TEXT NOT NULL, heading TEXT, heading_level INTEGER,
	start_line INTEGER NOT NULL, text TEXT NOT NULL, content_hash TEXT,
	created_at TEXT, modified_at TEXT NOT NULL, hub INTEGER DEFAULT 0, authority INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sqlite_chunks_path ON chunks(path);
CREATE TABLE IF NOT EXISTS chunk_tags (chunk_id TEXT NOT NULL, tag TEXT NOT NULL, PRIMARY KEY(chunk_id, tag));
CREATE INDEX IF NOT EXISTS idx_sqlite_chunk_tags_tag ON chunk_tags(tag);
`); err != nil {
		return nil, err
	}
	return s, nil
}

func fmtTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func (s *SQLiteChunkStore) UpsertFile(ctx context.Context, f File) error {
	fm, _ := json.Marshal(f.Frontmatter)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO files (path,title,frontmatter,content_hash,source_etag,size,created_at,modified_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(path) DO UPDATE SET title=excluded.title, frontmatter=excluded.frontmatter,
	content_hash=excluded.content_hash, source_etag=excluded.source_etag, size=excluded.size,
	created_at=excluded.created_at, modified_at=excluded.modified_at`,
		f.Path, f.Title, string(fm), f.ContentHash, f.SourceETag, f.Size, fmtTime(f.CreatedAt), fmtTime(&f.ModifiedAt))
	return err
}

func (s *SQLiteChunkStore) GetFile(ctx context.Context, path string) (File, bool, error) {
	var f File
	var fm string
	var created, modified sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT path,title,frontmatter,content_hash,source_etag,size,created_at,modified_at FROM files WHERE path=?`, path)
	if err := row.Scan(&f.Path, &f.Title, &fm, &f.ContentHash, &f.SourceETag, &f.Size, &created, &modified); err != nil {
		return File{}, false, nil
	}
	_ = json.Unmarshal([]byte(fm), &f.Frontmatter)
	f.CreatedAt = parseTimePtr(created)
	if m := parseTimePtr(modified); m != nil {
		f.ModifiedAt = *m
	}
	return f, true, nil
}

func (s *SQLiteChunkStore) UpsertChunk(ctx context.Context, c Chunk) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chunks (id,path,heading,heading_level,start_line,text,content_hash,created_at,modified_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET heading=excluded.heading, heading_level=excluded.heading_level,
	start_line=excluded.start_line, text=excluded.text, content_hash=excluded.content_hash,
	created_at=excluded.created_at, modified_at=excluded.modified_at`,
		c.ID, c.Path, c.Heading, c.HeadingLevel, c.StartLine, c.Text, c.ContentHash, fmtTime(c.CreatedAt), fmtTime(&c.ModifiedAt))
	return err
}

func (s *SQLiteChunkStore) GetChunk(ctx context.Context, id string) (Chunk, bool, error) {
	var c Chunk
	var created, modified sql.NullString
	var heading sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT id,path,heading,heading_level,start_line,text,content_hash,created_at,modified_at,hub,authority FROM chunks WHERE id=?`, id)
	if err := row.Scan(&c.ID, &c.Path, &heading, &c.HeadingLevel, &c.StartLine, &c.Text, &c.ContentHash, &created, &modified, &c.Hub, &c.Authority); err != nil {
		return Chunk{}, false, nil
	}
	if heading.Valid {
		h := heading.String
		c.Heading = &h
	}
	c.CreatedAt = parseTimePtr(created)
	if m := parseTimePtr(modified); m != nil {
		c.ModifiedAt = *m
	}
	return c, true, nil
}

func (s *SQLiteChunkStore) DeleteChunksForFile(ctx context.Context, path string, keepIDs map[string]bool) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks WHERE path=?`, path)
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
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE id=?`, id); err != nil {
			return nil, err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM chunk_tags WHERE chunk_id=?`, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *SQLiteChunkStore) ReplaceChunkTags(ctx context.Context, chunkID string, tags []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_tags WHERE chunk_id=?`, chunkID); err != nil {
		return err
	}
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO chunk_tags (chunk_id, tag) VALUES (?,?)`, chunkID, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteChunkStore) SetDegrees(ctx context.Context, chunkID string, hub, authority int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chunks SET hub=?, authority=? WHERE id=?`, hub, authority, chunkID)
	return err
}

func (s *SQLiteChunkStore) dateColumn(field DateField) string {
	switch field {
	case DateFieldCreated:
		return "created_at"
	case DateFieldModified:
		return "modified_at"
	default:
		return "COALESCE(created_at, modified_at)"
	}
}

func (s *SQLiteChunkStore) FetchCandidates(ctx context.Context, spec FilterSpec, field DateField, cap int) ([]Chunk, error) {
	dcol := s.dateColumn(field)
	var q strings.Builder
	var args []any

	if len(spec.Tags) > 0 && spec.RequireAll {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(spec.Tags)), ",")
		q.WriteString(`SELECT c.id,c.path,c.heading,c.heading_level,c.start_line,c.text,c.content_hash,c.created_at,c.modified_at,c.hub,c.authority
FROM chunks c JOIN (SELECT chunk_id FROM chunk_tags WHERE tag IN (` + placeholders + `) GROUP BY chunk_id HAVING COUNT(DISTINCT tag) = ?) ok ON ok.chunk_id = c.id WHERE 1=1`)
		for _, t := range spec.Tags {
			args = append(args, t)
		}
		args = append(args, len(spec.Tags))
	} else if len(spec.Tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(spec.Tags)), ",")
		q.WriteString(`SELECT c.id,c.path,c.heading,c.heading_level,c.start_line,c.text,c.content_hash,c.created_at,c.modified_at,c.hub,c.authority
FROM chunks c WHERE c.id IN (SELECT chunk_id FROM chunk_tags WHERE tag IN (` + placeholders + `))`)
		for _, t := range spec.Tags {
			args = append(args, t)
		}
	} else {
		q.WriteString(`SELECT c.id,c.path,c.heading,c.heading_level,c.start_line,c.text,c.content_hash,c.created_at,c.modified_at,c.hub,c.authority
FROM chunks c WHERE 1=1`)
	}

	if spec.PathPrefix != "" {
		q.WriteString(" AND c.path LIKE ?")
		args = append(args, spec.PathPrefix+"%")
	}
	if spec.Since != nil {
		q.WriteString(" AND " + dcol + " >= ?")
		args = append(args, fmtTime(spec.Since))
	}
	if spec.Until != nil {
		q.WriteString(" AND " + dcol + " < ?")
		args = append(args, fmtTime(spec.Until))
	}
	if cap > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, cap)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		var c Chunk
		var heading sql.NullString
		var created, modified sql.NullString
		if err := rows.Scan(&c.ID, &c.Path, &heading, &c.HeadingLevel, &c.StartLine, &c.Text, &c.ContentHash, &created, &modified, &c.Hub, &c.Authority); err != nil {
			return nil, err
		}
		if heading.Valid {
			h := heading.String
			c.Heading = &h
		}
		c.CreatedAt = parseTimePtr(created)
		if m := parseTimePtr(modified); m != nil {
			c.ModifiedAt = *m
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FetchFacets uses SQLite's strftime for month bucketing; the Postgres
// backend uses date_trunc, and both normalize to "YYYY-MM" buckets.
func (s *SQLiteChunkStore) FetchFacets(ctx context.Context, since, until *time.Time, pathPrefix string) (Facets, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT ct.tag, c.path, strftime('%Y-%m', COALESCE(c.created_at, c.modified_at)) mb
FROM chunk_tags ct JOIN chunks c ON c.id = ct.chunk_id`)
	if err != nil {
		return Facets{}, err
	}
	tagCounts := make(map[string]int)
	for rows.Next() {
		var tag, path, mb string
		if err := rows.Scan(&tag, &path, &mb); err != nil {
			continue
		}
		if pathPrefix != "" && !strings.HasPrefix(path, pathPrefix) {
			continue
		}
		tagCounts[tag]++
	}
	rows.Close()

	monthRows, err := s.db.QueryContext(ctx, `
SELECT strftime('%Y-%m', COALESCE(created_at, modified_at)) mb, path FROM chunks`)
	if err != nil {
		return Facets{}, err
	}
	monthCounts := make(map[string]int)
	for monthRows.Next() {
		var mb, path string
		if err := monthRows.Scan(&mb, &path); err != nil {
			continue
		}
		if pathPrefix != "" && !strings.HasPrefix(path, pathPrefix) {
			continue
		}
		if mb != "" {
			monthCounts[mb]++
		}
	}
	monthRows.Close()

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

// SQLiteLinkStore persists the semantic link graph in the same SQLite file.
type SQLiteLinkStore struct {
	db *sql.DB
}

func NewSQLiteLinkStore(path string) (*SQLiteLinkStore, error) {
	if path == "" {
		path = "knowledge.db"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS semantic_links (
	source_id TEXT, target_id TEXT, relationship TEXT, strength REAL, rationale TEXT,
	provenance TEXT, created_at TEXT, updated_at TEXT, PRIMARY KEY(source_id, target_id, relationship)
);
CREATE TABLE IF NOT EXISTS pending_links (
	id TEXT PRIMARY KEY, source_id TEXT, target_id TEXT, relationship TEXT, strength REAL,
	rationale TEXT, status TEXT, created_at TEXT, updated_at TEXT
);`); err != nil {
		return nil, err
	}
	return &SQLiteLinkStore{db: db}, nil
}

func (s *SQLiteLinkStore) UpsertEdge(ctx context.Context, e Edge) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO semantic_links (source_id,target_id,relationship,strength,rationale,provenance,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(source_id,target_id,relationship) DO UPDATE SET strength=excluded.strength,
	rationale=excluded.rationale, provenance=excluded.provenance, updated_at=excluded.updated_at`,
		e.SourceID, e.TargetID, e.Relationship, e.Strength, e.Rationale, e.Provenance, fmtTime(&e.CreatedAt), fmtTime(&e.UpdatedAt))
	return err
}

func (s *SQLiteLinkStore) GetEdge(ctx context.Context, sourceID, targetID string, rel RelationType) (Edge, bool, error) {
	var e Edge
	var created, updated string
	row := s.db.QueryRowContext(ctx, `SELECT source_id,target_id,relationship,strength,rationale,provenance,created_at,updated_at FROM semantic_links WHERE source_id=? AND target_id=? AND relationship=?`, sourceID, targetID, rel)
	if err := row.Scan(&e.SourceID, &e.TargetID, &e.Relationship, &e.Strength, &e.Rationale, &e.Provenance, &created, &updated); err != nil {
		return Edge{}, false, nil
	}
	if t := parseTimePtr(sql.NullString{String: created, Valid: true}); t != nil {
		e.CreatedAt = *t
	}
	if t := parseTimePtr(sql.NullString{String: updated, Valid: true}); t != nil {
		e.UpdatedAt = *t
	}
	return e, true, nil
}

func (s *SQLiteLinkStore) OutgoingEdges(ctx context.Context, chunkID string) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_id,target_id,relationship,strength,rationale,provenance,created_at,updated_at FROM semantic_links WHERE source_id=?`, chunkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Edge
	for rows.Next() {
		var e Edge
		var created, updated string
		if err := rows.Scan(&e.SourceID, &e.TargetID, &e.Relationship, &e.Strength, &e.Rationale, &e.Provenance, &created, &updated); err == nil {
			if t := parseTimePtr(sql.NullString{String: created, Valid: true}); t != nil {
				e.CreatedAt = *t
			}
			if t := parseTimePtr(sql.NullString{String: updated, Valid: true}); t != nil {
				e.UpdatedAt = *t
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *SQLiteLinkStore) IncomingCount(ctx context.Context, chunkID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM semantic_links WHERE target_id=?`, chunkID).Scan(&n)
	return n, err
}

func (s *SQLiteLinkStore) OutgoingCount(ctx context.Context, chunkID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM semantic_links WHERE source_id=?`, chunkID).Scan(&n)
	return n, err
}

func (s *SQLiteLinkStore) CreatePendingLink(ctx context.Context, p PendingLink) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pending_links (id,source_id,target_id,relationship,strength,rationale,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.SourceID, p.TargetID, p.Relationship, p.Strength, p.Rationale, p.Status, fmtTime(&p.CreatedAt), fmtTime(&p.UpdatedAt))
	return err
}

func (s *SQLiteLinkStore) GetPendingLink(ctx context.Context, id string) (PendingLink, bool, error) {
	var p PendingLink
	var created, updated string
	row := s.db.QueryRowContext(ctx, `SELECT id,source_id,target_id,relationship,strength,rationale,status,created_at,updated_at FROM pending_links WHERE id=?`, id)
	if err := row.Scan(&p.ID, &p.SourceID, &p.TargetID, &p.Relationship, &p.Strength, &p.Rationale, &p.Status, &created, &updated); err != nil {
		return PendingLink{}, false, nil
	}
	if t := parseTimePtr(sql.NullString{String: created, Valid: true}); t != nil {
		p.CreatedAt = *t
	}
	if t := parseTimePtr(sql.NullString{String: updated, Valid: true}); t != nil {
		p.UpdatedAt = *t
	}
	return p, true, nil
}

func (s *SQLiteLinkStore) ListPendingLinks(ctx context.Context, status PendingStatus) ([]PendingLink, error) {
	q := `SELECT id,source_id,target_id,relationship,strength,rationale,status,created_at,updated_at FROM pending_links`
	var args []any
	if status != "" {
		q += ` WHERE status=?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingLink
	for rows.Next() {
		var p PendingLink
		var created, updated string
		if err := rows.Scan(&p.ID, &p.SourceID, &p.TargetID, &p.Relationship, &p.Strength, &p.Rationale, &p.Status, &created, &updated); err == nil {
			if t := parseTimePtr(sql.NullString{String: created, Valid: true}); t != nil {
				p.CreatedAt = *t
			}
			if t := parseTimePtr(sql.NullString{String: updated, Valid: true}); t != nil {
				p.UpdatedAt = *t
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *SQLiteLinkStore) UpdatePendingLinkStatus(ctx context.Context, id string, status PendingStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pending_links SET status=?, updated_at=? WHERE id=?`, status, fmtTime(ptrNow()), id)
	return err
}

func ptrNow() *time.Time {
	t := time.Now().UTC()
	return &t
}
