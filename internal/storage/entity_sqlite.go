package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteEntityIndex persists entity mentions in the same SQLite file as the
// other primary-index tables.
type SQLiteEntityIndex struct {
	db *sql.DB
}

func NewSQLiteEntityIndex(path string) (*SQLiteEntityIndex, error) {
	if path == "" {
		path = "knowledge.db"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS entity_mentions (
	chunk_id TEXT NOT NULL, text TEXT NOT NULL, label TEXT NOT NULL,
	start_pos INTEGER NOT NULL, end_pos INTEGER NOT NULL, confidence REAL NOT NULL,
	PRIMARY KEY(chunk_id, text, start_pos, end_pos)
);
CREATE INDEX IF NOT EXISTS idx_sqlite_mentions_text ON entity_mentions(lower(text));
`); err != nil {
		return nil, err
	}
	return &SQLiteEntityIndex{db: db}, nil
}

func (s *SQLiteEntityIndex) ReplaceMentions(ctx context.Context, chunkID string, mentions []Mention) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_mentions WHERE chunk_id=?`, chunkID); err != nil {
		return err
	}
	for _, m := range mentions {
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO entity_mentions (chunk_id,text,label,start_pos,end_pos,confidence)
VALUES (?,?,?,?,?,?)`, chunkID, m.Text, m.Label, m.StartPos, m.EndPos, m.Confidence); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteEntityIndex) ChunksMentioning(ctx context.Context, entityText string) ([]Mention, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT chunk_id,text,label,start_pos,end_pos,confidence FROM entity_mentions
WHERE lower(text)=? ORDER BY chunk_id, start_pos`, strings.ToLower(entityText))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMentions(rows)
}

func (s *SQLiteEntityIndex) MentionsIn(ctx context.Context, chunkID string) ([]Mention, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT chunk_id,text,label,start_pos,end_pos,confidence FROM entity_mentions
WHERE chunk_id=? ORDER BY start_pos`, chunkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMentions(rows)
}

func scanMentions(rows *sql.Rows) ([]Mention, error) {
	var out []Mention
	for rows.Next() {
		var m Mention
		if err := rows.Scan(&m.ChunkID, &m.Text, &m.Label, &m.StartPos, &m.EndPos, &m.Confidence); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
