package index

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docuchat/docuchat/internal/log"
)

// Lexical is the full-text index adapter. Keyword relevance uses
// ts_rank_cd over a generated tsvector column; the database maintains
// the tokenization.
type Lexical struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewLexical creates a lexical index adapter on the given pool.
func NewLexical(pool *pgxpool.Pool, logger log.Logger) *Lexical {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Lexical{pool: pool, logger: logger}
}

// Upsert writes the entries in one transaction, idempotently per
// chunk_id.
func (ix *Lexical) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO lexical_entries (chunk_id, document_id, version, seq, span_start, span_end, content)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (chunk_id) DO UPDATE SET
				document_id = EXCLUDED.document_id,
				version     = EXCLUDED.version,
				seq         = EXCLUDED.seq,
				span_start  = EXCLUDED.span_start,
				span_end    = EXCLUDED.span_end,
				content     = EXCLUDED.content`,
			e.ChunkID, e.DocumentID, e.Version, e.Seq, e.SpanStart, e.SpanEnd, e.Text)
	}

	if err := ix.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: lexical upsert of %d entries: %v", ErrWrite, len(entries), err)
	}

	ix.logger.Debug("lexical entries upserted", "count", len(entries))
	return nil
}

// DeleteVersion removes all entries for one document version.
func (ix *Lexical) DeleteVersion(ctx context.Context, documentID string, version int) error {
	_, err := ix.pool.Exec(ctx,
		`DELETE FROM lexical_entries WHERE document_id = $1 AND version = $2`,
		documentID, version)
	if err != nil {
		return fmt.Errorf("%w: lexical delete %s v%d: %v", ErrWrite, documentID, version, err)
	}
	return nil
}

// CountVersion returns the number of entries stored for one document
// version.
func (ix *Lexical) CountVersion(ctx context.Context, documentID string, version int) (int, error) {
	var count int
	err := ix.pool.QueryRow(ctx,
		`SELECT count(*) FROM lexical_entries WHERE document_id = $1 AND version = $2`,
		documentID, version).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("lexical count %s v%d: %w", documentID, version, err)
	}
	return count, nil
}

// Query returns up to topK candidates ranked by keyword relevance
// (higher is more relevant). Only chunks of visible document versions
// are considered.
func (ix *Lexical) Query(ctx context.Context, queryText string, topK int) ([]Candidate, error) {
	rows, err := ix.pool.Query(ctx, `
		SELECT l.chunk_id, l.document_id, l.version, l.seq, l.span_start, l.span_end,
		       ts_rank_cd(l.tsv, q)::float8 AS rank
		FROM lexical_entries l
		JOIN document_versions dv
		  ON dv.document_id = l.document_id AND dv.version = l.version,
		     websearch_to_tsquery('english', $1) q
		WHERE dv.state IN ('indexed', 'superseded')
		  AND l.tsv @@ q
		ORDER BY rank DESC, l.chunk_id
		LIMIT $2`,
		queryText, topK)
	if err != nil {
		return nil, fmt.Errorf("lexical query: %w", err)
	}
	defer rows.Close()

	return scanCandidates(rows)
}
