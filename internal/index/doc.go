// Package index provides the two retrieval index adapters: a vector
// index backed by PostgreSQL + pgvector and a lexical index backed by
// PostgreSQL full-text search.
//
// Both adapters are namespaced per (document_id, version): deleting a
// superseded version is a bounded operation, never a full-index scan.
// Upserts are idempotent (last write wins per chunk_id, no duplicate
// entries). Queries only surface chunks whose document version is
// currently visible (indexed or superseded), so a half-written chunk
// set is never retrievable.
package index
