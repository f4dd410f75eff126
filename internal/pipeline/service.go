package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docuchat/docuchat/internal/log"
)

// DocumentStore is the persistence the submission side needs.
// PlanVersion is read-only; BeginVersion writes and must only run
// under the ingestion lease on the planned version.
type DocumentStore interface {
	PlanVersion(ctx context.Context, documentID, digest string) (version int, unchanged bool, err error)
	BeginVersion(ctx context.Context, documentID, digest string) (version int, unchanged bool, err error)
	GetDocument(ctx context.Context, documentID string) (*Document, *VersionInfo, error)
	Stats(ctx context.Context) (*CorpusStats, error)
}

// JobQueue hands jobs to the worker pool.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Leaser grants exclusive ingestion per document version.
type Leaser interface {
	Acquire(ctx context.Context, documentID string, version int, owner string) error
	Release(ctx context.Context, documentID string, version int, owner string) error
}

// Handle describes an accepted submission.
type Handle struct {
	JobID      string
	DocumentID string
	Version    int
	// Unchanged is set when the content was already indexed and no job
	// was queued.
	Unchanged bool
}

// Status is the externally visible ingestion status of a document.
type Status struct {
	DocumentID    string
	Version       int
	State         State
	FailureReason string
	ChunkCount    int
	UpdatedAt     time.Time
}

// Service accepts document submissions and answers status queries.
type Service struct {
	store  DocumentStore
	queue  JobQueue
	lease  Leaser
	logger log.Logger
}

// NewService creates a submission service.
func NewService(store DocumentStore, queue JobQueue, lease Leaser, logger log.Logger) *Service {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Service{store: store, queue: queue, lease: lease, logger: logger}
}

// SubmitIngestion registers the document text for ingestion and
// queues a job. Resubmitting unchanged content that is already indexed
// returns immediately with Unchanged set. A concurrent submission of
// the same version fails with ErrLockContention.
func (s *Service) SubmitIngestion(ctx context.Context, documentID, text string) (*Handle, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("document %s has no extractable text", documentID)
	}

	digest := Digest(text)
	version, unchanged, err := s.store.PlanVersion(ctx, documentID, digest)
	if err != nil {
		return nil, err
	}
	if unchanged {
		s.logger.Info("submission is a no-op, content already indexed",
			"document_id", documentID, "version", version)
		return &Handle{DocumentID: documentID, Version: version, Unchanged: true}, nil
	}

	job := Job{
		ID:          uuid.NewString(),
		DocumentID:  documentID,
		Version:     version,
		Text:        text,
		SubmittedAt: time.Now().UTC(),
	}

	// The lease is taken before anything is written, under the job's
	// ID, and released by the worker when the run ends. A duplicate
	// submission racing on the same version bounces off it here without
	// having touched the in-flight run's state row.
	if err := s.lease.Acquire(ctx, documentID, version, job.ID); err != nil {
		return nil, err
	}

	committed, unchanged, err := s.store.BeginVersion(ctx, documentID, digest)
	if err != nil || unchanged || committed != version {
		if relErr := s.lease.Release(ctx, documentID, version, job.ID); relErr != nil {
			s.logger.Warn("releasing lease after aborted submission",
				"document_id", documentID, "version", version, "error", relErr)
		}
		switch {
		case err != nil:
			return nil, err
		case unchanged:
			// Identical content got indexed between the plan and the
			// lease, so there is nothing left to do.
			return &Handle{DocumentID: documentID, Version: committed, Unchanged: true}, nil
		default:
			return nil, fmt.Errorf("%w: %s v%d resolved to v%d concurrently",
				ErrLockContention, documentID, version, committed)
		}
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		if relErr := s.lease.Release(ctx, documentID, version, job.ID); relErr != nil {
			s.logger.Warn("releasing lease after enqueue failure",
				"document_id", documentID, "version", version, "error", relErr)
		}
		return nil, err
	}

	s.logger.Info("ingestion queued",
		"document_id", documentID, "version", version, "job_id", job.ID)
	return &Handle{JobID: job.ID, DocumentID: documentID, Version: version}, nil
}

// GetDocumentState returns the status of the latest version of a
// document, or ErrDocumentNotFound.
func (s *Service) GetDocumentState(ctx context.Context, documentID string) (*Status, error) {
	_, vi, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return &Status{
		DocumentID:    vi.DocumentID,
		Version:       vi.Version,
		State:         vi.State,
		FailureReason: vi.FailureReason,
		ChunkCount:    vi.ChunkCount,
		UpdatedAt:     vi.UpdatedAt,
	}, nil
}

// CorpusStats returns corpus-wide counts.
func (s *Service) CorpusStats(ctx context.Context) (*CorpusStats, error) {
	return s.store.Stats(ctx)
}
