package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Chunk is a contiguous unit of normalized document text, the atomic
// retrievable object. Spans are rune-agnostic byte offsets into the
// normalized text.
type Chunk struct {
	ID         string
	DocumentID string
	Version    int
	Seq        int
	Text       string
	SpanStart  int
	SpanEnd    int
}

// ChunkID derives the deterministic chunk identifier for a
// (document, version, sequence) triple. Re-ingesting unchanged content
// under the same version therefore yields the same ID set.
func ChunkID(documentID string, version, seq int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", documentID, version, seq)))
	return "chunk_" + hex.EncodeToString(sum[:16])
}
