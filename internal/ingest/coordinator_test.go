package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragpipe/internal/chunker"
	"ragpipe/internal/domain"
	jsmemory "ragpipe/internal/jobstore/memory"
)

type fakeSource struct {
	docs []domain.Document
	err  error
}

func (f *fakeSource) List(context.Context) ([]domain.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

// fakeEmbedder keys failure injection and concurrency tracking by the
// first text of each batch, which equals the document content as long
// as tests keep documents inside a single chunk.
type fakeEmbedder struct {
	mu         sync.Mutex
	dim        int
	delay      time.Duration
	batchCalls int
	active     map[string]int
	maxActive  map[string]int
	failures   map[string]int
	failAlways map[string]bool
}

func newFakeEmbedder(dim int) *fakeEmbedder {
	return &fakeEmbedder{
		dim:        dim,
		active:     make(map[string]int),
		maxActive:  make(map[string]int),
		failures:   make(map[string]int),
		failAlways: make(map[string]bool),
	}
}

func (f *fakeEmbedder) Name() string   { return "fake" }
func (f *fakeEmbedder) Dimension() int { return f.dim }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	key := texts[0]
	f.mu.Lock()
	f.batchCalls++
	f.active[key]++
	if f.active[key] > f.maxActive[key] {
		f.maxActive[key] = f.active[key]
	}
	fail := f.failAlways[key]
	if n := f.failures[key]; n > 0 {
		f.failures[key] = n - 1
		fail = true
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.active[key]--
	f.mu.Unlock()

	if fail {
		return nil, &domain.EmbeddingError{Err: errors.New("injected embed failure")}
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		v := make([]float64, f.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

type fakeStore struct {
	mu      sync.Mutex
	initErr error
	chunks  map[string][]domain.Chunk // document ID -> chunks
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{chunks: make(map[string][]domain.Chunk)}
}

func (f *fakeStore) Init(context.Context, int) error { return f.initErr }

func (f *fakeStore) Upsert(_ context.Context, chunks []domain.Chunk, vectors [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range chunks {
		f.chunks[ch.DocumentID] = append(f.chunks[ch.DocumentID], ch)
	}
	return nil
}

func (f *fakeStore) Query(context.Context, []float64, int) ([]domain.RetrievalResult, error) {
	return nil, nil
}

func (f *fakeStore) DeleteByDocument(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, documentID)
	delete(f.chunks, documentID)
	return nil
}

func doc(id, path, text string) domain.Document {
	return domain.Document{ID: id, SourcePath: path, RawText: text, ContentHash: id}
}

func newTestCoordinator(t *testing.T, src *fakeSource, emb *fakeEmbedder, store *fakeStore, jobs domain.JobStore, cfg Config) *Coordinator {
	t.Helper()
	ch, err := chunker.NewWindowChunker(500, 100)
	require.NoError(t, err)
	return NewCoordinator(Deps{
		Source:   src,
		Chunker:  ch,
		Embedder: emb,
		Store:    store,
		Jobs:     jobs,
	}, cfg)
}

func TestIngest_ProcessesAllDocuments(t *testing.T) {
	src := &fakeSource{docs: []domain.Document{
		doc("d1", "a.txt", "alpha document body"),
		doc("d2", "b.txt", "bravo document body"),
		doc("d3", "c.txt", "charlie document body"),
	}}
	emb := newFakeEmbedder(4)
	store := newFakeStore()
	jobs := jsmemory.NewStore()

	c := newTestCoordinator(t, src, emb, store, jobs, Config{Concurrency: 2, RetryLimit: 3})
	report, err := c.Ingest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Discovered)
	assert.Equal(t, 3, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Len(t, store.chunks, 3)

	for _, id := range []string{"d1", "d2", "d3"} {
		job, err := jobs.Get(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, domain.JobSucceeded, job.State)
		assert.Equal(t, 1, job.Attempts)
	}
}

func TestIngest_SecondRunIsIdempotent(t *testing.T) {
	src := &fakeSource{docs: []domain.Document{
		doc("d1", "a.txt", "alpha document body"),
		doc("d2", "b.txt", "bravo document body"),
	}}
	emb := newFakeEmbedder(4)
	store := newFakeStore()
	jobs := jsmemory.NewStore()
	c := newTestCoordinator(t, src, emb, store, jobs, Config{Concurrency: 2, RetryLimit: 3})

	_, err := c.Ingest(context.Background())
	require.NoError(t, err)
	callsAfterFirst := emb.batchCalls

	report, err := c.Ingest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Skipped)
	assert.Zero(t, report.Succeeded)
	assert.Equal(t, callsAfterFirst, emb.batchCalls, "second run must not embed anything")
}

func TestIngest_PerDocumentFailureDoesNotAbortRun(t *testing.T) {
	src := &fakeSource{docs: []domain.Document{
		doc("d1", "a.txt", "alpha document body"),
		doc("d2", "b.txt", "bravo document body"),
	}}
	emb := newFakeEmbedder(4)
	emb.failAlways["bravo document body"] = true
	store := newFakeStore()
	jobs := jsmemory.NewStore()
	c := newTestCoordinator(t, src, emb, store, jobs, Config{Concurrency: 2, RetryLimit: 3})

	report, err := c.Ingest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "d2", report.Failures[0].DocumentID)

	job, err := jobs.Get(context.Background(), "d2")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.State)
	assert.Contains(t, job.LastError, "injected embed failure")
	assert.Equal(t, 1, job.Attempts)
}

func TestIngest_FailedJobsAwaitRetryAndAreNotCountedAsSkipped(t *testing.T) {
	body := "always failing document"
	src := &fakeSource{docs: []domain.Document{doc("d1", "a.txt", body)}}
	emb := newFakeEmbedder(4)
	emb.failAlways[body] = true
	jobs := jsmemory.NewStore()
	c := newTestCoordinator(t, src, emb, newFakeStore(), jobs, Config{Concurrency: 2, RetryLimit: 3})

	_, err := c.Ingest(context.Background())
	require.NoError(t, err)
	callsAfterFirst := emb.batchCalls

	report, err := c.Ingest(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Skipped, "a failed document is not a skip")
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "d1", report.Failures[0].DocumentID)
	assert.Contains(t, report.Failures[0].Error, "injected embed failure")

	assert.Equal(t, callsAfterFirst, emb.batchCalls, "only the retry pass re-runs failed documents")
	job, err := jobs.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.State)
	assert.Equal(t, 1, job.Attempts)
}

func TestIngest_SourceFailureAbortsRun(t *testing.T) {
	src := &fakeSource{err: errors.New("no such directory")}
	c := newTestCoordinator(t, src, newFakeEmbedder(4), newFakeStore(), jsmemory.NewStore(), Config{Concurrency: 2, RetryLimit: 3})

	_, err := c.Ingest(context.Background())
	require.Error(t, err)
}

func TestIngest_IndexInitFailureAbortsRun(t *testing.T) {
	src := &fakeSource{docs: []domain.Document{doc("d1", "a.txt", "alpha")}}
	store := newFakeStore()
	store.initErr = &domain.IndexError{Op: "init", Err: errors.New("unreachable")}
	c := newTestCoordinator(t, src, newFakeEmbedder(4), store, jsmemory.NewStore(), Config{Concurrency: 2, RetryLimit: 3})

	_, err := c.Ingest(context.Background())
	require.Error(t, err)
}

func TestRetry_DeadLettersAfterExactlyRetryLimitAttempts(t *testing.T) {
	const retryLimit = 3
	body := "always failing document"
	src := &fakeSource{docs: []domain.Document{doc("d1", "a.txt", body)}}
	emb := newFakeEmbedder(4)
	emb.failAlways[body] = true
	jobs := jsmemory.NewStore()
	c := newTestCoordinator(t, src, emb, newFakeStore(), jobs, Config{Concurrency: 2, RetryLimit: retryLimit})

	_, err := c.Ingest(context.Background())
	require.NoError(t, err)

	report, err := c.Retry(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.DeadLetter)
	job, err := jobs.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobDeadLetter, job.State)
	assert.Equal(t, retryLimit, job.Attempts, "attempts must stop exactly at the retry limit")
	assert.Equal(t, retryLimit, emb.batchCalls, "one embed call per processing attempt, never more")
}

func TestRetry_RecoversFlakyDocument(t *testing.T) {
	body := "flaky document body"
	src := &fakeSource{docs: []domain.Document{doc("d1", "a.txt", body)}}
	emb := newFakeEmbedder(4)
	emb.failures[body] = 2 // fails the first two attempts, then succeeds
	jobs := jsmemory.NewStore()
	c := newTestCoordinator(t, src, emb, newFakeStore(), jobs, Config{Concurrency: 1, RetryLimit: 5})

	_, err := c.Ingest(context.Background())
	require.NoError(t, err)

	report, err := c.Retry(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, report.DeadLetter)
	job, err := jobs.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, job.State)
	assert.Equal(t, 3, job.Attempts)
}

func TestRetry_DeadLettersJobWhoseSourceVanished(t *testing.T) {
	jobs := jsmemory.NewStore()
	ctx := context.Background()
	require.NoError(t, jobs.Create(ctx, &domain.IngestionJob{DocumentID: "gone", SourcePath: "gone.txt"}))
	_, err := jobs.Transition(ctx, "gone", domain.JobPending, domain.JobProcessing, "")
	require.NoError(t, err)
	_, err = jobs.Transition(ctx, "gone", domain.JobProcessing, domain.JobFailed, "embed timeout")
	require.NoError(t, err)

	src := &fakeSource{} // empty directory now
	c := newTestCoordinator(t, src, newFakeEmbedder(4), newFakeStore(), jobs, Config{Concurrency: 2, RetryLimit: 5})

	report, err := c.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLetter)

	job, err := jobs.Get(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, domain.JobDeadLetter, job.State)
}

func TestIngest_MutualExclusionAcrossConcurrentRuns(t *testing.T) {
	docs := []domain.Document{
		doc("d1", "a.txt", "first shared document"),
		doc("d2", "b.txt", "second shared document"),
		doc("d3", "c.txt", "third shared document"),
	}
	src := &fakeSource{docs: docs}
	emb := newFakeEmbedder(4)
	emb.delay = 30 * time.Millisecond
	store := newFakeStore()
	jobs := jsmemory.NewStore()

	c1 := newTestCoordinator(t, src, emb, store, jobs, Config{Concurrency: 3, RetryLimit: 3})
	c2 := newTestCoordinator(t, src, emb, store, jobs, Config{Concurrency: 3, RetryLimit: 3})

	var wg sync.WaitGroup
	for _, c := range []*Coordinator{c1, c2} {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			_, err := c.Ingest(context.Background())
			assert.NoError(t, err)
		}(c)
	}
	wg.Wait()

	for _, d := range docs {
		assert.LessOrEqual(t, emb.maxActive[d.RawText], 1,
			"document %s was processed by two workers simultaneously", d.ID)
	}
	assert.Equal(t, len(docs), emb.batchCalls, "each document embeds exactly once")
}

func TestIngest_ChangedContentEvictsStaleVectors(t *testing.T) {
	ctx := context.Background()
	jobs := jsmemory.NewStore()
	store := newFakeStore()
	store.chunks["old-id"] = []domain.Chunk{{ID: "c-old", DocumentID: "old-id"}}
	require.NoError(t, jobs.Create(ctx, &domain.IngestionJob{DocumentID: "old-id", SourcePath: "a.txt"}))
	_, err := jobs.Transition(ctx, "old-id", domain.JobPending, domain.JobProcessing, "")
	require.NoError(t, err)
	_, err = jobs.Transition(ctx, "old-id", domain.JobProcessing, domain.JobSucceeded, "")
	require.NoError(t, err)

	src := &fakeSource{docs: []domain.Document{doc("new-id", "a.txt", "updated body")}}
	c := newTestCoordinator(t, src, newFakeEmbedder(4), store, jobs, Config{Concurrency: 1, RetryLimit: 3})

	report, err := c.Ingest(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Succeeded)
	assert.Contains(t, store.deleted, "old-id")
	assert.NotContains(t, store.chunks, "old-id")
	assert.Contains(t, store.chunks, "new-id")

	old, err := jobs.Get(ctx, "old-id")
	require.NoError(t, err)
	assert.Nil(t, old, "stale job record must be removed")
}

func TestIngest_DuplicateContentIngestsOnce(t *testing.T) {
	// Same bytes under two paths: one document identity, one job.
	src := &fakeSource{docs: []domain.Document{
		doc("same", "a.txt", "identical body"),
		doc("same", "b.txt", "identical body"),
	}}
	emb := newFakeEmbedder(4)
	jobs := jsmemory.NewStore()
	c := newTestCoordinator(t, src, emb, newFakeStore(), jobs, Config{Concurrency: 2, RetryLimit: 3})

	report, err := c.Ingest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Discovered)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, emb.batchCalls)
}
