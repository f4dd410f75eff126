package pipeline

import "errors"

var (
	// ErrLockContention indicates an ingestion job for the same
	// (document_id, version) is already running. The new submission is
	// rejected, not queued twice.
	ErrLockContention = errors.New("ingestion already in progress for this document version")

	// ErrDocumentNotFound indicates no document with the given ID has
	// been submitted.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrIllegalTransition indicates a state change that the machine
	// does not permit. This is a pipeline bug.
	ErrIllegalTransition = errors.New("illegal state transition")
)
