package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/docuchat/docuchat/internal/index"
	"github.com/docuchat/docuchat/internal/ingest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeWorkerStore struct {
	mu         sync.Mutex
	states     []State
	failReason string
	chunks     []ingest.Chunk
	superseded []int
	stale      []VersionInfo
	deleted    []string
}

func (f *fakeWorkerStore) SetState(_ context.Context, _ string, _ int, to State, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, to)
	if to == StateFailed {
		f.failReason = reason
	}
	return nil
}

func (f *fakeWorkerStore) InsertChunks(_ context.Context, _ string, _ int, chunks []ingest.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = chunks
	return nil
}

func (f *fakeWorkerStore) Supersede(_ context.Context, _ string, newVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.superseded = append(f.superseded, newVersion)
	return nil
}

func (f *fakeWorkerStore) ListSuperseded(context.Context, time.Duration) ([]VersionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.stale
	f.stale = nil
	return out, nil
}

func (f *fakeWorkerStore) DeleteVersionData(_ context.Context, documentID string, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, fmt.Sprintf("%s:%d", documentID, version))
	return nil
}

type fakeEmbedder struct {
	fn func(ctx context.Context, texts []string) ([][]float32, error)
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fn != nil {
		return f.fn(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

type fakeIndex struct {
	mu         sync.Mutex
	entries    map[string]index.Entry
	upsertErrs []error
	countValue *int
	deleted    []string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: make(map[string]index.Entry)}
}

func (f *fakeIndex) Upsert(_ context.Context, entries []index.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.upsertErrs) > 0 {
		err := f.upsertErrs[0]
		f.upsertErrs = f.upsertErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, e := range entries {
		f.entries[e.ChunkID] = e
	}
	return nil
}

func (f *fakeIndex) DeleteVersion(_ context.Context, documentID string, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, fmt.Sprintf("%s:%d", documentID, version))
	for id, e := range f.entries {
		if e.DocumentID == documentID && e.Version == version {
			delete(f.entries, id)
		}
	}
	return nil
}

func (f *fakeIndex) CountVersion(_ context.Context, documentID string, version int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countValue != nil {
		return *f.countValue, nil
	}
	count := 0
	for _, e := range f.entries {
		if e.DocumentID == documentID && e.Version == version {
			count++
		}
	}
	return count, nil
}

type fakeLeaseKeeper struct {
	mu         sync.Mutex
	ttl        time.Duration
	renewErrs  []error
	acquireErr error
	acquired   []string
	renewed    int
	released   []string
}

func (f *fakeLeaseKeeper) TTL() time.Duration {
	if f.ttl > 0 {
		return f.ttl
	}
	return time.Minute
}

func (f *fakeLeaseKeeper) Acquire(_ context.Context, _ string, _ int, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquired = append(f.acquired, owner)
	return nil
}

func (f *fakeLeaseKeeper) Renew(context.Context, string, int, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewed++
	if len(f.renewErrs) > 0 {
		err := f.renewErrs[0]
		f.renewErrs = f.renewErrs[1:]
		return err
	}
	return nil
}

func (f *fakeLeaseKeeper) Release(_ context.Context, _ string, _ int, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, owner)
	return nil
}

type fakeFingerprint struct {
	mu    sync.Mutex
	bumps int
}

func (f *fakeFingerprint) Bump(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bumps++
	return nil
}

type workerFixture struct {
	worker  *Worker
	store   *fakeWorkerStore
	vector  *fakeIndex
	lexical *fakeIndex
	lease   *fakeLeaseKeeper
	fp      *fakeFingerprint
}

func newWorkerFixture(t *testing.T, embedder Embedder) *workerFixture {
	t.Helper()
	processor, err := ingest.NewProcessor(ingest.Config{MaxSize: 80, Overlap: 16}, nil)
	require.NoError(t, err)

	f := &workerFixture{
		store:   &fakeWorkerStore{},
		vector:  newFakeIndex(),
		lexical: newFakeIndex(),
		lease:   &fakeLeaseKeeper{},
		fp:      &fakeFingerprint{},
	}
	if embedder == nil {
		embedder = &fakeEmbedder{}
	}
	f.worker = NewWorker(
		WorkerConfig{Workers: 1, StageMaxAttempts: 3, RetryBaseDelay: time.Millisecond, SupersededTTL: time.Minute},
		f.store, processor, embedder, f.vector, f.lexical, nil, f.lease, f.fp, nil,
	)
	f.worker.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func TestRunJobSuccess(t *testing.T) {
	f := newWorkerFixture(t, nil)
	job := &Job{ID: "job-1", DocumentID: "doc-a", Version: 2, Text: "Go is expressive.\n\nGo compiles quickly to machine code."}

	f.worker.runJob(context.Background(), job)

	assert.Equal(t,
		[]State{StateExtracting, StateChunking, StateEmbedding, StateIndexing, StateIndexed},
		f.store.states)
	assert.NotEmpty(t, f.store.chunks)

	// Every chunk landed in both indexes with its vector.
	assert.Len(t, f.vector.entries, len(f.store.chunks))
	assert.Len(t, f.lexical.entries, len(f.store.chunks))
	for _, c := range f.store.chunks {
		ve, ok := f.vector.entries[c.ID]
		require.True(t, ok)
		assert.Equal(t, c.Text, ve.Text)
		assert.NotEmpty(t, ve.Embedding)
	}

	assert.Equal(t, []int{2}, f.store.superseded)
	assert.Equal(t, 1, f.fp.bumps)
	assert.Equal(t, []string{"job-1"}, f.lease.released)
}

func TestRunJobEmptyTextFails(t *testing.T) {
	f := newWorkerFixture(t, nil)
	job := &Job{ID: "job-1", DocumentID: "doc-a", Version: 1, Text: "   \n\n  "}

	f.worker.runJob(context.Background(), job)

	require.NotEmpty(t, f.store.states)
	assert.Equal(t, StateFailed, f.store.states[len(f.store.states)-1])
	assert.Contains(t, f.store.failReason, "chunking")
	assert.Empty(t, f.vector.entries)
	assert.Empty(t, f.store.superseded)
	assert.Equal(t, []string{"job-1"}, f.lease.released)
}

func TestRunJobEmbeddingFailureFails(t *testing.T) {
	embedder := &fakeEmbedder{fn: func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("provider unavailable")
	}}
	f := newWorkerFixture(t, embedder)
	job := &Job{ID: "job-1", DocumentID: "doc-a", Version: 1, Text: "Some document text."}

	f.worker.runJob(context.Background(), job)

	assert.Equal(t, StateFailed, f.store.states[len(f.store.states)-1])
	assert.Contains(t, f.store.failReason, "embedding")
	assert.Empty(t, f.vector.entries)
	assert.Empty(t, f.lexical.entries)
	assert.Zero(t, f.fp.bumps)
}

func TestRunJobRetriesTransientIndexWrite(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.vector.upsertErrs = []error{fmt.Errorf("%w: connection reset", index.ErrWrite)}
	job := &Job{ID: "job-1", DocumentID: "doc-a", Version: 1, Text: "Some document text."}

	f.worker.runJob(context.Background(), job)

	assert.Equal(t, StateIndexed, f.store.states[len(f.store.states)-1])
	assert.NotEmpty(t, f.vector.entries)
}

func TestRunJobExhaustedIndexRetriesFails(t *testing.T) {
	f := newWorkerFixture(t, nil)
	werr := fmt.Errorf("%w: connection reset", index.ErrWrite)
	f.vector.upsertErrs = []error{werr, werr, werr}
	job := &Job{ID: "job-1", DocumentID: "doc-a", Version: 1, Text: "Some document text."}

	f.worker.runJob(context.Background(), job)

	assert.Equal(t, StateFailed, f.store.states[len(f.store.states)-1])
	assert.Empty(t, f.vector.entries)
	// The lexical index is never written once the vector stage fails.
	assert.Empty(t, f.lexical.entries)
}

func TestRunJobIncompleteIndexFails(t *testing.T) {
	f := newWorkerFixture(t, nil)
	zero := 0
	f.lexical.countValue = &zero
	job := &Job{ID: "job-1", DocumentID: "doc-a", Version: 1, Text: "Some document text."}

	f.worker.runJob(context.Background(), job)

	assert.Equal(t, StateFailed, f.store.states[len(f.store.states)-1])
	assert.Contains(t, f.store.failReason, "index incomplete")
	assert.Empty(t, f.store.superseded)
	assert.Zero(t, f.fp.bumps)
}

func TestRunJobCancelledMarksCancelled(t *testing.T) {
	embedder := &fakeEmbedder{fn: func(ctx context.Context, _ []string) ([][]float32, error) {
		return nil, ctx.Err()
	}}
	f := newWorkerFixture(t, embedder)
	job := &Job{ID: "job-1", DocumentID: "doc-a", Version: 1, Text: "Some document text."}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.worker.runJob(ctx, job)

	assert.Equal(t, StateFailed, f.store.states[len(f.store.states)-1])
	assert.Equal(t, "cancelled", f.store.failReason)
	assert.Equal(t, []string{"job-1"}, f.lease.released)
}

func TestRunJobReacquiresLeaseExpiredInQueue(t *testing.T) {
	f := newWorkerFixture(t, nil)
	// The submitter's lease timed out while the job sat in the queue,
	// but nobody else took it.
	f.lease.renewErrs = []error{ErrLeaseLost}
	job := &Job{ID: "job-1", DocumentID: "doc-a", Version: 1, Text: "Some document text."}

	f.worker.runJob(context.Background(), job)

	assert.Equal(t, []string{"job-1"}, f.lease.acquired)
	assert.Equal(t, StateIndexed, f.store.states[len(f.store.states)-1])
	assert.Equal(t, []string{"job-1"}, f.lease.released)
}

func TestRunJobDropsStaleJobWhenLeaseHeldElsewhere(t *testing.T) {
	f := newWorkerFixture(t, nil)
	// A later submission of the same version owns the lease now, so
	// this job must not touch any state.
	f.lease.renewErrs = []error{ErrLeaseLost}
	f.lease.acquireErr = ErrLockContention
	job := &Job{ID: "job-1", DocumentID: "doc-a", Version: 1, Text: "Some document text."}

	f.worker.runJob(context.Background(), job)

	assert.Empty(t, f.store.states)
	assert.Empty(t, f.vector.entries)
	assert.Empty(t, f.lexical.entries)
	assert.Empty(t, f.lease.released)
}

func TestRunJobAbandonsRunWhenLeaseLostMidRun(t *testing.T) {
	embedder := &fakeEmbedder{fn: func(ctx context.Context, _ []string) ([][]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newWorkerFixture(t, embedder)
	f.lease.ttl = 3 * time.Millisecond
	// Ownership validates at pickup, then the next renew reports the
	// lease gone.
	f.lease.renewErrs = []error{nil, ErrLeaseLost}
	job := &Job{ID: "job-1", DocumentID: "doc-a", Version: 1, Text: "Some document text."}

	f.worker.runJob(context.Background(), job)

	// Exclusivity was gone, so the run stops without recording failed:
	// the version row may belong to a successor by now.
	assert.NotContains(t, f.store.states, StateFailed)
	assert.Empty(t, f.store.failReason)
	assert.Empty(t, f.store.superseded)
	assert.Zero(t, f.fp.bumps)
}

func TestCollectGarbage(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.store.stale = []VersionInfo{
		{DocumentID: "doc-a", Version: 1, State: StateSuperseded},
		{DocumentID: "doc-b", Version: 4, State: StateSuperseded},
	}
	f.vector.entries["c1"] = index.Entry{ChunkID: "c1", DocumentID: "doc-a", Version: 1}
	f.lexical.entries["c1"] = index.Entry{ChunkID: "c1", DocumentID: "doc-a", Version: 1}

	f.worker.collectGarbage(context.Background())

	assert.Equal(t, []string{"doc-a:1", "doc-b:4"}, f.vector.deleted)
	assert.Equal(t, []string{"doc-a:1", "doc-b:4"}, f.lexical.deleted)
	assert.Equal(t, []string{"doc-a:1", "doc-b:4"}, f.store.deleted)
	assert.Empty(t, f.vector.entries)
	assert.Empty(t, f.lexical.entries)
}

func TestRunProcessesQueuedJobs(t *testing.T) {
	f := newWorkerFixture(t, nil)
	jobs := make(chan *Job, 1)
	jobs <- &Job{ID: "job-1", DocumentID: "doc-a", Version: 1, Text: "Some document text."}
	f.worker.jobs = &chanJobs{ch: jobs}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return len(f.store.states) > 0 && f.store.states[len(f.store.states)-1] == StateIndexed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

type chanJobs struct{ ch chan *Job }

func (c *chanJobs) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case j := <-c.ch:
		return j, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	}
}
