package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docuchat/docuchat/internal/index"
	"github.com/docuchat/docuchat/internal/ingest"
	"github.com/docuchat/docuchat/internal/log"
)

// WorkerStore is the persistence the worker side needs.
type WorkerStore interface {
	SetState(ctx context.Context, documentID string, version int, to State, reason string) error
	InsertChunks(ctx context.Context, documentID string, version int, chunks []ingest.Chunk) error
	Supersede(ctx context.Context, documentID string, newVersion int) error
	ListSuperseded(ctx context.Context, age time.Duration) ([]VersionInfo, error)
	DeleteVersionData(ctx context.Context, documentID string, version int) error
}

// Embedder turns chunk texts into vectors.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// IndexAdapter is the write side of one index.
type IndexAdapter interface {
	Upsert(ctx context.Context, entries []index.Entry) error
	DeleteVersion(ctx context.Context, documentID string, version int) error
	CountVersion(ctx context.Context, documentID string, version int) (int, error)
}

// JobSource supplies jobs to the worker pool.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
}

// LeaseKeeper renews and releases the per-version lease the submitter
// acquired, and re-acquires it when it expired while the job sat in
// the queue.
type LeaseKeeper interface {
	TTL() time.Duration
	Acquire(ctx context.Context, documentID string, version int, owner string) error
	Renew(ctx context.Context, documentID string, version int, owner string) error
	Release(ctx context.Context, documentID string, version int, owner string) error
}

// Fingerprinter invalidates retrieval caches when the visible corpus
// changes.
type Fingerprinter interface {
	Bump(ctx context.Context) error
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	Workers          int
	StageMaxAttempts int
	RetryBaseDelay   time.Duration
	SupersededTTL    time.Duration
}

// Worker runs ingestion jobs from the queue through the state machine.
type Worker struct {
	cfg       WorkerConfig
	store     WorkerStore
	processor *ingest.Processor
	embedder  Embedder
	vector    IndexAdapter
	lexical   IndexAdapter
	jobs      JobSource
	lease     LeaseKeeper
	fp        Fingerprinter
	logger    log.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker creates a worker pool over the given collaborators.
func NewWorker(
	cfg WorkerConfig,
	store WorkerStore,
	processor *ingest.Processor,
	embedder Embedder,
	vector, lexical IndexAdapter,
	jobs JobSource,
	lease LeaseKeeper,
	fp Fingerprinter,
	logger log.Logger,
) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.StageMaxAttempts <= 0 {
		cfg.StageMaxAttempts = 1
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Worker{
		cfg:       cfg,
		store:     store,
		processor: processor,
		embedder:  embedder,
		vector:    vector,
		lexical:   lexical,
		jobs:      jobs,
		lease:     lease,
		fp:        fp,
		logger:    logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Run consumes jobs until the context is cancelled. It returns nil on
// clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.collectGarbage(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				job, err := w.jobs.Dequeue(ctx, 2*time.Second)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					w.logger.Error("dequeuing job", "error", err)
					if serr := w.sleep(ctx, time.Second); serr != nil {
						return nil
					}
					continue
				}
				if job == nil {
					if ctx.Err() != nil {
						return nil
					}
					continue
				}
				w.runJob(ctx, job)
			}
		})
	}
	return g.Wait()
}

// runJob drives one job through the pipeline, keeping the lease alive
// for its duration and always releasing it at the end.
func (w *Worker) runJob(ctx context.Context, job *Job) {
	logger := w.logger.With("document_id", job.DocumentID, "version", job.Version, "job_id", job.ID)

	// The submitter's lease may have expired while the job waited in
	// the queue. Confirm ownership before touching any state; if the
	// lease is free again, take it back, and if someone else holds it
	// the version already has an active run and this job is stale.
	if err := w.lease.Renew(ctx, job.DocumentID, job.Version, job.ID); err != nil {
		if !errors.Is(err, ErrLeaseLost) {
			logger.Error("validating lease, dropping job", "error", err)
			return
		}
		if err := w.lease.Acquire(ctx, job.DocumentID, job.Version, job.ID); err != nil {
			logger.Warn("lease held elsewhere, dropping job", "error", err)
			return
		}
	}

	logger.Info("ingestion started")

	jobCtx, cancelJob := context.WithCancelCause(ctx)
	defer cancelJob(nil)
	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		w.keepLease(renewCtx, job, cancelJob)
	}()
	defer func() {
		stopRenew()
		<-renewDone
		// Release must succeed even when ctx is already cancelled.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := w.lease.Release(relCtx, job.DocumentID, job.Version, job.ID); err != nil {
			logger.Warn("releasing lease", "error", err)
		}
	}()

	if err := w.process(jobCtx, job); err != nil {
		if errors.Is(context.Cause(jobCtx), ErrLeaseLost) {
			// Exclusivity is gone and another run may own the version
			// row now; abandon without writing any state.
			logger.Error("ingestion abandoned, lease lost")
			return
		}
		reason := err.Error()
		if ctx.Err() != nil {
			reason = "cancelled"
		}
		logger.Error("ingestion failed", "reason", reason)
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if serr := w.store.SetState(failCtx, job.DocumentID, job.Version, StateFailed, reason); serr != nil {
			logger.Error("recording failure", "error", serr)
		}
		return
	}

	logger.Info("ingestion completed")
}

// keepLease renews the job's lease until stopped. Losing the lease
// cancels the job, because exclusive ownership of the version is the
// precondition for every write the job makes.
func (w *Worker) keepLease(ctx context.Context, job *Job, lost context.CancelCauseFunc) {
	interval := w.lease.TTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := w.lease.Renew(ctx, job.DocumentID, job.Version, job.ID)
			switch {
			case err == nil:
			case errors.Is(err, ErrLeaseLost):
				w.logger.Error("ingestion lease lost mid-run",
					"document_id", job.DocumentID, "version", job.Version)
				lost(ErrLeaseLost)
				return
			case ctx.Err() == nil:
				w.logger.Warn("renewing lease",
					"document_id", job.DocumentID, "version", job.Version, "error", err)
			}
		}
	}
}

// process runs the stages. Any returned error marks the version
// failed; the previously indexed version is never touched on failure.
func (w *Worker) process(ctx context.Context, job *Job) error {
	doc, ver := job.DocumentID, job.Version

	// Text arrives already extracted; the stage records that the job
	// was picked up.
	if err := w.store.SetState(ctx, doc, ver, StateExtracting, ""); err != nil {
		return err
	}

	if err := w.store.SetState(ctx, doc, ver, StateChunking, ""); err != nil {
		return err
	}
	chunks, err := w.processor.Process(doc, ver, job.Text)
	if err != nil {
		return fmt.Errorf("chunking: %w", err)
	}
	if err := w.retryStage(ctx, "store chunks", func() error {
		return w.store.InsertChunks(ctx, doc, ver, chunks)
	}); err != nil {
		return err
	}

	if err := w.store.SetState(ctx, doc, ver, StateEmbedding, ""); err != nil {
		return err
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	// The gateway retries transient provider failures itself; an error
	// here is final for the job.
	vectors, err := w.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}

	if err := w.store.SetState(ctx, doc, ver, StateIndexing, ""); err != nil {
		return err
	}
	entries := make([]index.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = index.Entry{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Version:    c.Version,
			Seq:        c.Seq,
			SpanStart:  c.SpanStart,
			SpanEnd:    c.SpanEnd,
			Text:       c.Text,
			Embedding:  vectors[i],
		}
	}
	if err := w.retryStage(ctx, "vector index", func() error {
		return w.vector.Upsert(ctx, entries)
	}); err != nil {
		return err
	}
	if err := w.retryStage(ctx, "lexical index", func() error {
		return w.lexical.Upsert(ctx, entries)
	}); err != nil {
		return err
	}

	// The version goes live only after both indexes confirm the full
	// chunk set.
	if err := w.confirmCounts(ctx, doc, ver, len(chunks)); err != nil {
		return err
	}
	if err := w.store.SetState(ctx, doc, ver, StateIndexed, ""); err != nil {
		return err
	}
	if err := w.store.Supersede(ctx, doc, ver); err != nil {
		return err
	}
	if err := w.fp.Bump(ctx); err != nil {
		w.logger.Warn("bumping corpus fingerprint", "error", err)
	}

	w.collectGarbage(ctx)
	return nil
}

func (w *Worker) confirmCounts(ctx context.Context, doc string, ver, want int) error {
	vc, err := w.vector.CountVersion(ctx, doc, ver)
	if err != nil {
		return fmt.Errorf("confirming vector index: %w", err)
	}
	lc, err := w.lexical.CountVersion(ctx, doc, ver)
	if err != nil {
		return fmt.Errorf("confirming lexical index: %w", err)
	}
	if vc != want || lc != want {
		return fmt.Errorf("index incomplete: want %d chunks, vector has %d, lexical has %d", want, vc, lc)
	}
	return nil
}

// retryStage retries transient index and store write failures with
// doubling backoff. Non-transient errors fail immediately.
func (w *Worker) retryStage(ctx context.Context, name string, fn func() error) error {
	delay := w.cfg.RetryBaseDelay
	var err error
	for attempt := 1; attempt <= w.cfg.StageMaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, index.ErrWrite) || ctx.Err() != nil {
			break
		}
		if attempt == w.cfg.StageMaxAttempts {
			break
		}
		w.logger.Warn("stage failed, retrying",
			"stage", name, "attempt", attempt, "error", err)
		if serr := w.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%s: %w", name, serr)
		}
		delay *= 2
	}
	return fmt.Errorf("%s: %w", name, err)
}

// collectGarbage removes versions whose superseded grace period has
// expired, index entries first so a failure leaves them invisible but
// reclaimable.
func (w *Worker) collectGarbage(ctx context.Context) {
	stale, err := w.store.ListSuperseded(ctx, w.cfg.SupersededTTL)
	if err != nil {
		w.logger.Warn("listing superseded versions", "error", err)
		return
	}
	for _, vi := range stale {
		if err := w.vector.DeleteVersion(ctx, vi.DocumentID, vi.Version); err != nil {
			w.logger.Warn("deleting vector entries", "document_id", vi.DocumentID, "version", vi.Version, "error", err)
			continue
		}
		if err := w.lexical.DeleteVersion(ctx, vi.DocumentID, vi.Version); err != nil {
			w.logger.Warn("deleting lexical entries", "document_id", vi.DocumentID, "version", vi.Version, "error", err)
			continue
		}
		if err := w.store.DeleteVersionData(ctx, vi.DocumentID, vi.Version); err != nil {
			w.logger.Warn("deleting version data", "document_id", vi.DocumentID, "version", vi.Version, "error", err)
			continue
		}
		w.logger.Info("superseded version collected", "document_id", vi.DocumentID, "version", vi.Version)
	}
}
