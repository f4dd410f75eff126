// Package pipeline implements queue-driven document ingestion.
//
// Each submission becomes a job for one (document_id, version). Jobs
// travel through a Redis list; a per-version Redis lease guarantees
// at-most-one active pipeline run per version while different
// documents ingest concurrently. The worker drives the state machine
//
//	received → extracting → chunking → embedding → indexing → indexed
//
// with failed reachable from any non-terminal state and superseded
// reachable only from indexed. A version becomes visible to retrieval
// only once its full chunk set is confirmed present in both index
// adapters; a broken re-ingestion never touches the previously served
// version.
package pipeline
