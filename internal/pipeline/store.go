package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docuchat/docuchat/internal/ingest"
	"github.com/docuchat/docuchat/internal/log"
)

// rowQuerier is the single-row query surface shared by pools and
// transactions.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// db is the subset of pgxpool.Pool the store uses.
type db interface {
	rowQuerier
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Document is the stable identity of an ingested document across
// versions.
type Document struct {
	ID            string
	ContentHash   string
	LatestVersion int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// VersionInfo describes one ingestion attempt of a document.
type VersionInfo struct {
	DocumentID    string
	Version       int
	State         State
	FailureReason string
	ChunkCount    int
	UpdatedAt     time.Time
}

// Store persists documents, versions and chunks in Postgres.
type Store struct {
	pool   db
	logger log.Logger
}

// NewStore creates a document store on the given pool.
func NewStore(pool *pgxpool.Pool, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// resolveVersion decides which version a submission of the given
// content targets. Identical content whose latest version is already
// indexed is unchanged. Identical content whose last attempt did not
// complete re-runs under the same version, so a repaired run produces
// the same chunk IDs. Changed content gets latest_version+1.
func resolveVersion(ctx context.Context, q rowQuerier, documentID, digest string, lock bool) (version int, unchanged bool, err error) {
	sel := `SELECT content_hash, latest_version FROM documents WHERE id = $1`
	if lock {
		sel += ` FOR UPDATE`
	}
	var prevHash string
	var latest int
	err = q.QueryRow(ctx, sel, documentID).Scan(&prevHash, &latest)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 1, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("reading document %s: %w", documentID, err)
	case prevHash == digest:
		var state State
		err = q.QueryRow(ctx,
			`SELECT state FROM document_versions WHERE document_id = $1 AND version = $2`,
			documentID, latest).Scan(&state)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return 0, false, fmt.Errorf("reading latest version of %s: %w", documentID, err)
		}
		if state == StateIndexed {
			return latest, true, nil
		}
		if latest == 0 {
			latest = 1
		}
		return latest, false, nil
	default:
		return latest + 1, false, nil
	}
}

// PlanVersion resolves, without writing anything, the version a
// submission of the given content would ingest under. The caller takes
// the ingestion lease on that version before committing the submission
// with BeginVersion, so a rejected duplicate never disturbs the run in
// flight.
func (s *Store) PlanVersion(ctx context.Context, documentID, digest string) (version int, unchanged bool, err error) {
	return resolveVersion(ctx, s.pool, documentID, digest, false)
}

// BeginVersion registers a submission and resets its version row to
// received. The caller must hold the ingestion lease on the planned
// version.
func (s *Store) BeginVersion(ctx context.Context, documentID, digest string) (version int, unchanged bool, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, false, fmt.Errorf("beginning version tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	version, unchanged, err = resolveVersion(ctx, tx, documentID, digest, true)
	if err != nil {
		return 0, false, err
	}
	if unchanged {
		return version, true, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, content_hash, latest_version, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			content_hash   = EXCLUDED.content_hash,
			latest_version = EXCLUDED.latest_version,
			updated_at     = now()`,
		documentID, digest, version)
	if err != nil {
		return 0, false, fmt.Errorf("upserting document %s: %w", documentID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO document_versions (document_id, version, state, failure_reason, chunk_count, created_at, updated_at)
		VALUES ($1, $2, $3, '', 0, now(), now())
		ON CONFLICT (document_id, version) DO UPDATE SET
			state          = $3,
			failure_reason = '',
			chunk_count    = 0,
			updated_at     = now()`,
		documentID, version, StateReceived)
	if err != nil {
		return 0, false, fmt.Errorf("creating version %s v%d: %w", documentID, version, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("committing version %s v%d: %w", documentID, version, err)
	}
	return version, false, nil
}

// SetState transitions a version, enforcing the state machine. The
// reason is recorded only for failed.
func (s *Store) SetState(ctx context.Context, documentID string, version int, to State, reason string) error {
	var from State
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM document_versions WHERE document_id = $1 AND version = $2`,
		documentID, version).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s v%d", ErrDocumentNotFound, documentID, version)
	}
	if err != nil {
		return fmt.Errorf("reading state of %s v%d: %w", documentID, version, err)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s v%d %s → %s", ErrIllegalTransition, documentID, version, from, to)
	}

	if to != StateFailed {
		reason = ""
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE document_versions
		SET state = $3, failure_reason = $4, updated_at = now()
		WHERE document_id = $1 AND version = $2 AND state = $5`,
		documentID, version, to, reason, from)
	if err != nil {
		return fmt.Errorf("transitioning %s v%d to %s: %w", documentID, version, to, err)
	}
	if tag.RowsAffected() == 0 {
		// The row moved between the read and the guarded update.
		return fmt.Errorf("%w: %s v%d left %s concurrently", ErrIllegalTransition, documentID, version, from)
	}

	s.logger.Info("document version transitioned",
		"document_id", documentID, "version", version, "from", from, "to", to)
	return nil
}

// GetDocument returns the document and its latest version record.
func (s *Store) GetDocument(ctx context.Context, documentID string) (*Document, *VersionInfo, error) {
	var doc Document
	err := s.pool.QueryRow(ctx,
		`SELECT id, content_hash, latest_version, created_at, updated_at FROM documents WHERE id = $1`,
		documentID).Scan(&doc.ID, &doc.ContentHash, &doc.LatestVersion, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading document %s: %w", documentID, err)
	}

	var vi VersionInfo
	err = s.pool.QueryRow(ctx, `
		SELECT document_id, version, state, failure_reason, chunk_count, updated_at
		FROM document_versions WHERE document_id = $1 AND version = $2`,
		documentID, doc.LatestVersion).
		Scan(&vi.DocumentID, &vi.Version, &vi.State, &vi.FailureReason, &vi.ChunkCount, &vi.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("reading version %s v%d: %w", documentID, doc.LatestVersion, err)
	}
	return &doc, &vi, nil
}

// InsertChunks stores the chunk set of a version and records its size.
// Chunk IDs are deterministic, so re-running a version overwrites the
// same rows.
func (s *Store) InsertChunks(ctx context.Context, documentID string, version int, chunks []ingest.Chunk) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning chunk tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, c := range chunks {
		_, err := tx.Exec(ctx, `
			INSERT INTO chunks (id, document_id, version, seq, content, span_start, span_end)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				content    = EXCLUDED.content,
				span_start = EXCLUDED.span_start,
				span_end   = EXCLUDED.span_end`,
			c.ID, c.DocumentID, c.Version, c.Seq, c.Text, c.SpanStart, c.SpanEnd)
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE document_versions SET chunk_count = $3, updated_at = now()
		WHERE document_id = $1 AND version = $2`,
		documentID, version, len(chunks))
	if err != nil {
		return fmt.Errorf("recording chunk count for %s v%d: %w", documentID, version, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing %d chunks for %s v%d: %w", len(chunks), documentID, version, err)
	}
	return nil
}

// ChunksByIDs loads chunks by ID, in the order requested. Missing IDs
// are skipped.
func (s *Store) ChunksByIDs(ctx context.Context, ids []string) ([]ingest.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, version, seq, content, span_start, span_end
		FROM chunks WHERE id = ANY($1)`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]ingest.Chunk, len(ids))
	for rows.Next() {
		var c ingest.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Version, &c.Seq, &c.Text, &c.SpanStart, &c.SpanEnd); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}

	out := make([]ingest.Chunk, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Supersede retires every indexed version of the document older than
// newVersion.
func (s *Store) Supersede(ctx context.Context, documentID string, newVersion int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE document_versions
		SET state = $3, updated_at = now()
		WHERE document_id = $1 AND version < $2 AND state = $4`,
		documentID, newVersion, StateSuperseded, StateIndexed)
	if err != nil {
		return fmt.Errorf("superseding prior versions of %s: %w", documentID, err)
	}
	return nil
}

// ListSuperseded returns versions that have been superseded for longer
// than age and are due for garbage collection.
func (s *Store) ListSuperseded(ctx context.Context, age time.Duration) ([]VersionInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, version, state, failure_reason, chunk_count, updated_at
		FROM document_versions
		WHERE state = $1 AND updated_at < now() - $2::interval`,
		StateSuperseded, fmt.Sprintf("%d milliseconds", age.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("listing superseded versions: %w", err)
	}
	defer rows.Close()

	var out []VersionInfo
	for rows.Next() {
		var vi VersionInfo
		if err := rows.Scan(&vi.DocumentID, &vi.Version, &vi.State, &vi.FailureReason, &vi.ChunkCount, &vi.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning superseded version: %w", err)
		}
		out = append(out, vi)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading superseded versions: %w", err)
	}
	return out, nil
}

// CorpusStats summarizes what the corpus currently holds.
type CorpusStats struct {
	Documents       int
	IndexedVersions int
	Chunks          int
	VectorEntries   int
	LexicalEntries  int
}

// Stats returns corpus-wide counts.
func (s *Store) Stats(ctx context.Context) (*CorpusStats, error) {
	var st CorpusStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM documents),
			(SELECT count(*) FROM document_versions WHERE state = 'indexed'),
			(SELECT count(*) FROM chunks),
			(SELECT count(*) FROM vector_entries),
			(SELECT count(*) FROM lexical_entries)`).
		Scan(&st.Documents, &st.IndexedVersions, &st.Chunks, &st.VectorEntries, &st.LexicalEntries)
	if err != nil {
		return nil, fmt.Errorf("reading corpus stats: %w", err)
	}
	return &st, nil
}

// DeleteVersionData removes the chunks and version record of a retired
// version. Index entries are deleted by the caller first.
func (s *Store) DeleteVersionData(ctx context.Context, documentID string, version int) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM chunks WHERE document_id = $1 AND version = $2`,
		documentID, version); err != nil {
		return fmt.Errorf("deleting chunks of %s v%d: %w", documentID, version, err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM document_versions WHERE document_id = $1 AND version = $2`,
		documentID, version); err != nil {
		return fmt.Errorf("deleting version %s v%d: %w", documentID, version, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing delete of %s v%d: %w", documentID, version, err)
	}
	return nil
}
