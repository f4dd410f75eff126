package index

import "errors"

// ErrWrite indicates an index write failed. Writes are transient by
// nature (timeouts, connection loss) and safe to retry: upserts are
// idempotent per chunk_id.
var ErrWrite = errors.New("index write failed")

// Entry is a chunk projected into an index. The vector adapter stores
// Embedding and ignores Text; the lexical adapter stores Text and
// ignores Embedding. Both keep the metadata needed to resolve a hit
// back to its source span.
type Entry struct {
	ChunkID    string
	DocumentID string
	Version    int
	Seq        int
	SpanStart  int
	SpanEnd    int
	Text       string
	Embedding  []float32
}

// Candidate is a scored query hit. Vector scores are cosine
// similarities, lexical scores are ts_rank_cd values; the hybrid
// retriever normalizes both before combining.
type Candidate struct {
	ChunkID    string
	DocumentID string
	Version    int
	Seq        int
	SpanStart  int
	SpanEnd    int
	Score      float64
}
