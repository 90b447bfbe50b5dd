package storage

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEntityIndex persists entity mentions in the primary Postgres index.
type PostgresEntityIndex struct {
	pool *pgxpool.Pool
}

func NewPostgresEntityIndex(ctx context.Context, dsn string) (*PostgresEntityIndex, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresEntityIndex{pool: pool}
	_, err = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entity_mentions (
	chunk_id TEXT NOT NULL, text TEXT NOT NULL, label TEXT NOT NULL,
	start_pos INTEGER NOT NULL, end_pos INTEGER NOT NULL, confidence DOUBLE PRECISION NOT NULL,
	PRIMARY KEY(chunk_id, text, start_pos, end_pos)
);
CREATE INDEX IF NOT EXISTS idx_pg_mentions_text ON entity_mentions(lower(text));
`)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresEntityIndex) ReplaceMentions(ctx context.Context, chunkID string, mentions []Mention) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM entity_mentions WHERE chunk_id=$1`, chunkID); err != nil {
		return err
	}
	for _, m := range mentions {
		if _, err := tx.Exec(ctx, `
INSERT INTO entity_mentions (chunk_id,text,label,start_pos,end_pos,confidence)
VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT DO NOTHING`,
			chunkID, m.Text, m.Label, m.StartPos, m.EndPos, m.Confidence); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresEntityIndex) ChunksMentioning(ctx context.Context, entityText string) ([]Mention, error) {
	rows, err := s.pool.Query(ctx, `
SELECT chunk_id,text,label,start_pos,end_pos,confidence FROM entity_mentions
WHERE lower(text)=$1 ORDER BY chunk_id, start_pos`, strings.ToLower(entityText))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (s *PostgresEntityIndex) MentionsIn(ctx context.Context, chunkID string) ([]Mention, error) {
	rows, err := s.pool.Query(ctx, `
SELECT chunk_id,text,label,start_pos,end_pos,confidence FROM entity_mentions
WHERE chunk_id=$1 ORDER BY start_pos`, chunkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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
