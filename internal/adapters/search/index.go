// Package search keeps the full-text search documents for cities and
// coworking spaces in PostgreSQL.
package search

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/adapters/postgres"
)

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS search_documents (
    doc_type TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    fields JSONB NOT NULL DEFAULT '{}'::jsonb,
    fingerprint TEXT NOT NULL,
    search_vector TSVECTOR NOT NULL,
    indexed_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (doc_type, doc_id)
);

CREATE INDEX IF NOT EXISTS idx_search_documents_vector ON search_documents USING GIN (search_vector);
CREATE INDEX IF NOT EXISTS idx_search_documents_title_trgm ON search_documents USING GIN (title gin_trgm_ops);
`

func Connect(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse search db url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 15 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect search db: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping search db: %w", err)
	}
	return pool, nil
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure search schema: %w", err)
	}
	return nil
}

// Document is one indexed record. Fields hold the tracked subset only.
type Document struct {
	Type        string
	ID          string
	Title       string
	SearchText  string
	Fields      map[string]string
	Fingerprint string
	IndexedAt   time.Time
}

type Hit struct {
	ID     string
	Title  string
	Fields map[string]string
	Rank   float32
}

// Index is the document store shared by every search representation.
type Index struct {
	pool *pgxpool.Pool
}

func NewIndex(pool *pgxpool.Pool) *Index {
	return &Index{pool: pool}
}

func (i *Index) UpsertDocument(ctx context.Context, doc Document) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
INSERT INTO search_documents (doc_type, doc_id, title, fields, fingerprint, search_vector, indexed_at)
VALUES ($1, $2, $3, $4, $5, to_tsvector('simple', $6), $7)
ON CONFLICT (doc_type, doc_id) DO UPDATE SET
    title = EXCLUDED.title,
    fields = EXCLUDED.fields,
    fingerprint = EXCLUDED.fingerprint,
    search_vector = EXCLUDED.search_vector,
    indexed_at = EXCLUDED.indexed_at`,
		doc.Type, doc.ID, doc.Title, doc.Fields, doc.Fingerprint, doc.SearchText, doc.IndexedAt)
	if err != nil {
		return 0, postgres.ClassifyError("upsert search document", err)
	}
	return tag.RowsAffected(), nil
}

func (i *Index) DeleteDocument(ctx context.Context, docType, id string) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM search_documents WHERE doc_type = $1 AND doc_id = $2`, docType, id)
	if err != nil {
		return 0, postgres.ClassifyError("delete search document", err)
	}
	return tag.RowsAffected(), nil
}

func (i *Index) CountDocuments(ctx context.Context, docType string) (int64, error) {
	var n int64
	if err := i.pool.QueryRow(ctx, `SELECT COUNT(*) FROM search_documents WHERE doc_type = $1`, docType).Scan(&n); err != nil {
		return 0, postgres.ClassifyError("count search documents", err)
	}
	return n, nil
}

func (i *Index) ListIDs(ctx context.Context, docType, afterID string, limit int) ([]string, error) {
	rows, err := i.pool.Query(ctx, `
SELECT doc_id FROM search_documents
WHERE doc_type = $1 AND doc_id COLLATE "C" > $2
ORDER BY doc_id COLLATE "C"
LIMIT $3`, docType, afterID, limit)
	if err != nil {
		return nil, postgres.ClassifyError("list search documents", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, postgres.ClassifyError("list search documents", err)
	}
	return ids, nil
}

func (i *Index) Fingerprints(ctx context.Context, docType string, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := i.pool.Query(ctx, `SELECT doc_id, fingerprint FROM search_documents WHERE doc_type = $1 AND doc_id = ANY($2)`, docType, ids)
	if err != nil {
		return nil, postgres.ClassifyError("fingerprint search documents", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, fp string
		if err := rows.Scan(&id, &fp); err != nil {
			return nil, postgres.ClassifyError("fingerprint search documents", err)
		}
		out[id] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.ClassifyError("fingerprint search documents", err)
	}
	return out, nil
}

// Search ranks documents of docType against a free-text query, falling back
// to trigram similarity on the title for partial words.
func (i *Index) Search(ctx context.Context, docType, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := i.pool.Query(ctx, `
SELECT doc_id, title, fields,
       GREATEST(ts_rank(search_vector, plainto_tsquery('simple', $2)), similarity(title, $2)) AS rank
FROM search_documents
WHERE doc_type = $1 AND (search_vector @@ plainto_tsquery('simple', $2) OR title % $2)
ORDER BY rank DESC, doc_id COLLATE "C"
LIMIT $3`, docType, query, limit)
	if err != nil {
		return nil, postgres.ClassifyError("search documents", err)
	}
	defer rows.Close()
	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Title, &h.Fields, &h.Rank); err != nil {
			return nil, postgres.ClassifyError("search documents", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (i *Index) Ping(ctx context.Context) error {
	return i.pool.Ping(ctx)
}

func (i *Index) Name() string { return "search-db" }
