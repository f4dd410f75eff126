package index

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/docuchat/docuchat/internal/log"
)

// Vector is the pgvector-backed semantic index adapter.
// Safe for concurrent use; reads never block on writes of other
// documents.
type Vector struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewVector creates a vector index adapter on the given pool.
func NewVector(pool *pgxpool.Pool, logger log.Logger) *Vector {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Vector{pool: pool, logger: logger}
}

// Upsert writes the entries in one transaction. Re-upserting the same
// chunk_id with the same payload is observably a no-op.
func (ix *Vector) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		vec := pgvector.NewVector(e.Embedding)
		batch.Queue(`
			INSERT INTO vector_entries (chunk_id, document_id, version, seq, span_start, span_end, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (chunk_id) DO UPDATE SET
				document_id = EXCLUDED.document_id,
				version     = EXCLUDED.version,
				seq         = EXCLUDED.seq,
				span_start  = EXCLUDED.span_start,
				span_end    = EXCLUDED.span_end,
				embedding   = EXCLUDED.embedding`,
			e.ChunkID, e.DocumentID, e.Version, e.Seq, e.SpanStart, e.SpanEnd, vec)
	}

	if err := ix.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: vector upsert of %d entries: %v", ErrWrite, len(entries), err)
	}

	ix.logger.Debug("vector entries upserted", "count", len(entries))
	return nil
}

// DeleteVersion removes all entries for one document version.
func (ix *Vector) DeleteVersion(ctx context.Context, documentID string, version int) error {
	_, err := ix.pool.Exec(ctx,
		`DELETE FROM vector_entries WHERE document_id = $1 AND version = $2`,
		documentID, version)
	if err != nil {
		return fmt.Errorf("%w: vector delete %s v%d: %v", ErrWrite, documentID, version, err)
	}
	return nil
}

// CountVersion returns the number of entries stored for one document
// version. The pipeline uses it to confirm the full chunk set is
// present before declaring the version indexed.
func (ix *Vector) CountVersion(ctx context.Context, documentID string, version int) (int, error) {
	var count int
	err := ix.pool.QueryRow(ctx,
		`SELECT count(*) FROM vector_entries WHERE document_id = $1 AND version = $2`,
		documentID, version).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("vector count %s v%d: %w", documentID, version, err)
	}
	return count, nil
}

// Query returns up to topK candidates ranked by cosine similarity
// (higher is more similar). Only chunks of visible document versions
// are considered.
func (ix *Vector) Query(ctx context.Context, embedding []float32, topK int) ([]Candidate, error) {
	vec := pgvector.NewVector(embedding)

	rows, err := ix.pool.Query(ctx, `
		SELECT v.chunk_id, v.document_id, v.version, v.seq, v.span_start, v.span_end,
		       1 - (v.embedding <=> $1) AS similarity
		FROM vector_entries v
		JOIN document_versions dv
		  ON dv.document_id = v.document_id AND dv.version = v.version
		WHERE dv.state IN ('indexed', 'superseded')
		ORDER BY v.embedding <=> $1, v.chunk_id
		LIMIT $2`,
		vec, topK)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows)
}

func scanCandidates(rows pgx.Rows) ([]Candidate, error) {
	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.Version, &c.Seq, &c.SpanStart, &c.SpanEnd, &c.Score); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading candidates: %w", err)
	}
	return out, nil
}
