// Package retrieve answers queries with a hybrid of semantic and
// keyword search.
//
// A query is embedded once and fanned out to the vector and lexical
// indexes in parallel, each asked for an expanded candidate set. The
// two result lists are merged per chunk, scores are min-max normalized
// within each source, and a weighted sum ranks the merged set. Results
// are cached in Redis under a corpus fingerprint that ingestion bumps
// whenever the visible corpus changes, so a cache entry can never
// outlive the corpus it was computed from.
package retrieve
