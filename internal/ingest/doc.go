// Package ingest implements the document processor: it normalizes
// already-extracted document text and splits it into overlapping,
// retrievable chunks.
//
// Chunking is deterministic: identical input and configuration always
// produce identical chunk boundaries and identical chunk IDs. This is
// what makes re-ingestion of unchanged content a no-op downstream.
package ingest
