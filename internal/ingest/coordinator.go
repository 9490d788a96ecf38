package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ragpipe/internal/domain"
)

// Coordinator drives bulk ingestion: it discovers source documents,
// pushes them through chunk -> embed -> upsert under a bounded worker
// pool, and tracks every document's job state in the shared job store.
// Per-document failures land in the report; only coordinator-level
// faults (source dir missing, index unreachable) abort a run.
type Coordinator struct {
	source      domain.DocumentSource
	chunker     domain.Chunker
	embedder    domain.Embedder
	store       domain.VectorStore
	jobs        domain.JobStore
	sink        domain.TelemetrySink
	logger      *logrus.Logger
	concurrency int
	retryLimit  int
}

type Config struct {
	Concurrency int
	RetryLimit  int
}

type Deps struct {
	Source   domain.DocumentSource
	Chunker  domain.Chunker
	Embedder domain.Embedder
	Store    domain.VectorStore
	Jobs     domain.JobStore
	Sink     domain.TelemetrySink
	Logger   *logrus.Logger
}

func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RetryLimit < 1 {
		cfg.RetryLimit = 1
	}
	return &Coordinator{
		source:      deps.Source,
		chunker:     deps.Chunker,
		embedder:    deps.Embedder,
		store:       deps.Store,
		jobs:        deps.Jobs,
		sink:        deps.Sink,
		logger:      logger,
		concurrency: cfg.Concurrency,
		retryLimit:  cfg.RetryLimit,
	}
}

// Ingest processes every newly discovered document. Documents whose
// content hash already has a succeeded job are skipped without any
// embedding or index traffic, which makes re-runs over an unchanged
// source directory idempotent. Documents with a failed or dead-lettered
// job are reported under those counts; only Retry re-runs them.
func (c *Coordinator) Ingest(ctx context.Context) (*domain.IngestionReport, error) {
	started := time.Now()
	docs, err := c.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate source: %w", err)
	}
	if err := c.store.Init(ctx, c.embedder.Dimension()); err != nil {
		return nil, fmt.Errorf("init vector index: %w", err)
	}

	docs = dedupeByID(docs)
	report := &domain.IngestionReport{Discovered: len(docs)}

	if err := c.evictChangedDocuments(ctx, docs); err != nil {
		c.logger.WithError(err).Warn("Stale document eviction incomplete")
	}

	var pending []domain.Document
	for _, doc := range docs {
		existing, err := c.jobs.Get(ctx, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("job store: %w", err)
		}
		if existing != nil {
			switch existing.State {
			case domain.JobSucceeded:
				report.Skipped++
				continue
			case domain.JobFailed:
				// Awaiting an explicit retry pass; reported as failed,
				// never silently re-run or counted as skipped.
				report.Failed++
				report.Failures = append(report.Failures, domain.JobFailure{
					DocumentID: existing.DocumentID,
					SourcePath: existing.SourcePath,
					Attempts:   existing.Attempts,
					Error:      existing.LastError,
				})
				continue
			case domain.JobDeadLetter:
				report.DeadLetter++
				continue
			}
		}
		if err := c.jobs.Create(ctx, &domain.IngestionJob{
			DocumentID: doc.ID,
			SourcePath: doc.SourcePath,
			State:      domain.JobPending,
		}); err != nil {
			return nil, fmt.Errorf("job store: %w", err)
		}
		pending = append(pending, doc)
	}

	res := c.runPool(ctx, pending, domain.JobPending)
	report.Succeeded = res.succeeded
	report.Failed = res.failed
	report.Skipped += res.skipped
	report.Failures = res.failures
	report.Duration = time.Since(started)

	if c.sink != nil {
		c.sink.ReportIngestion(report)
	}
	return report, nil
}

// Retry re-dispatches failed jobs in sequential rounds under the same
// concurrency policy until every job is succeeded or dead_letter. A job
// whose attempts already reached the retry limit is dead-lettered
// without another model call.
func (c *Coordinator) Retry(ctx context.Context) (*domain.IngestionReport, error) {
	started := time.Now()
	docs, err := c.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate source: %w", err)
	}
	if err := c.store.Init(ctx, c.embedder.Dimension()); err != nil {
		return nil, fmt.Errorf("init vector index: %w", err)
	}
	byID := make(map[string]domain.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	report := &domain.IngestionReport{}
	first := true
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		failed, err := c.jobs.ListByState(ctx, domain.JobFailed)
		if err != nil {
			return nil, fmt.Errorf("job store: %w", err)
		}
		if first {
			report.Discovered = len(failed)
			first = false
		}
		if len(failed) == 0 {
			break
		}

		var retryable []domain.Document
		for _, job := range failed {
			if job.Attempts >= c.retryLimit {
				c.deadLetter(ctx, job, job.LastError)
				report.DeadLetter++
				report.Failures = append(report.Failures, domain.JobFailure{
					DocumentID: job.DocumentID,
					SourcePath: job.SourcePath,
					Attempts:   job.Attempts,
					Error:      job.LastError,
				})
				continue
			}
			doc, ok := byID[job.DocumentID]
			if !ok {
				c.deadLetter(ctx, job, "source document no longer present")
				report.DeadLetter++
				report.Failures = append(report.Failures, domain.JobFailure{
					DocumentID: job.DocumentID,
					SourcePath: job.SourcePath,
					Attempts:   job.Attempts,
					Error:      "source document no longer present",
				})
				continue
			}
			retryable = append(retryable, doc)
		}

		res := c.runPool(ctx, retryable, domain.JobFailed)
		report.Succeeded += res.succeeded
	}
	report.Duration = time.Since(started)

	if c.sink != nil {
		c.sink.ReportIngestion(report)
	}
	return report, nil
}

type poolResult struct {
	succeeded int
	failed    int
	skipped   int
	failures  []domain.JobFailure
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
)

// runPool fans documents out to exactly c.concurrency workers. The pool
// size is a hard cap on simultaneous embedding and index calls.
func (c *Coordinator) runPool(ctx context.Context, docs []domain.Document, from domain.JobState) poolResult {
	if len(docs) == 0 {
		return poolResult{}
	}
	work := make(chan domain.Document)
	var wg sync.WaitGroup
	var mu sync.Mutex
	res := poolResult{}

	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for doc := range work {
				out, failure := c.processDocument(ctx, doc, from)
				mu.Lock()
				switch out {
				case outcomeSucceeded:
					res.succeeded++
				case outcomeFailed:
					res.failed++
					if failure != nil {
						res.failures = append(res.failures, *failure)
					}
				case outcomeSkipped:
					res.skipped++
				}
				mu.Unlock()
			}
		}()
	}

	for _, doc := range docs {
		select {
		case work <- doc:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()
	return res
}

// processDocument runs one document through the write path. Steps are
// strictly sequential within a document: chunk, embed, upsert, then the
// succeeded transition — so a document's vectors are fully written
// before its job ever reads as succeeded.
func (c *Coordinator) processDocument(ctx context.Context, doc domain.Document, from domain.JobState) (outcome, *domain.JobFailure) {
	ok, err := c.jobs.Transition(ctx, doc.ID, from, domain.JobProcessing, "")
	if err != nil {
		c.logger.WithError(err).WithField("document_id", doc.ID).Error("Job store transition failed")
		return outcomeSkipped, nil
	}
	if !ok {
		// Another worker holds this document.
		return outcomeSkipped, nil
	}

	if err := c.writeDocument(ctx, doc); err != nil {
		return outcomeFailed, c.failJob(ctx, doc, err)
	}

	if _, err := c.jobs.Transition(ctx, doc.ID, domain.JobProcessing, domain.JobSucceeded, ""); err != nil {
		c.logger.WithError(err).WithField("document_id", doc.ID).Error("Failed to mark job succeeded")
		return outcomeFailed, c.failJob(ctx, doc, err)
	}
	c.logger.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"source_path": doc.SourcePath,
	}).Debug("Document ingested")
	return outcomeSucceeded, nil
}

func (c *Coordinator) writeDocument(ctx context.Context, doc domain.Document) error {
	chunks, err := c.chunker.Chunk(doc)
	if err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if err := c.store.Upsert(ctx, chunks, vectors); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) failJob(ctx context.Context, doc domain.Document, cause error) *domain.JobFailure {
	if _, err := c.jobs.Transition(ctx, doc.ID, domain.JobProcessing, domain.JobFailed, cause.Error()); err != nil {
		c.logger.WithError(err).WithField("document_id", doc.ID).Error("Failed to mark job failed")
	}
	failure := &domain.JobFailure{
		DocumentID: doc.ID,
		SourcePath: doc.SourcePath,
		Error:      cause.Error(),
	}
	if job, err := c.jobs.Get(ctx, doc.ID); err == nil && job != nil {
		failure.Attempts = job.Attempts
		if c.sink != nil {
			c.sink.ReportJobFailure(job)
		}
	}
	return failure
}

func (c *Coordinator) deadLetter(ctx context.Context, job *domain.IngestionJob, reason string) {
	if _, err := c.jobs.Transition(ctx, job.DocumentID, domain.JobFailed, domain.JobDeadLetter, reason); err != nil {
		c.logger.WithError(err).WithField("document_id", job.DocumentID).Error("Failed to dead-letter job")
		return
	}
	if c.sink != nil {
		dead := *job
		dead.State = domain.JobDeadLetter
		dead.LastError = reason
		c.sink.ReportJobFailure(&dead)
	}
}

// evictChangedDocuments drops index points and job records for source
// paths whose content hash changed since a previous successful run, so
// stale vectors never answer queries for updated files.
func (c *Coordinator) evictChangedDocuments(ctx context.Context, docs []domain.Document) error {
	succeeded, err := c.jobs.ListByState(ctx, domain.JobSucceeded)
	if err != nil {
		return err
	}
	if len(succeeded) == 0 {
		return nil
	}
	byPath := make(map[string]*domain.IngestionJob, len(succeeded))
	for _, job := range succeeded {
		byPath[job.SourcePath] = job
	}
	for _, doc := range docs {
		old, ok := byPath[doc.SourcePath]
		if !ok || old.DocumentID == doc.ID {
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"source_path":     doc.SourcePath,
			"old_document_id": old.DocumentID,
			"new_document_id": doc.ID,
		}).Info("Source content changed, evicting stale vectors")
		if err := c.store.DeleteByDocument(ctx, old.DocumentID); err != nil {
			return err
		}
		if err := c.jobs.Delete(ctx, old.DocumentID); err != nil {
			return err
		}
	}
	return nil
}

// dedupeByID copies into a fresh slice: the input belongs to the
// document source and may be shared with concurrent runs, so it is
// never written through.
func dedupeByID(docs []domain.Document) []domain.Document {
	seen := make(map[string]struct{}, len(docs))
	out := make([]domain.Document, 0, len(docs))
	for _, d := range docs {
		if _, ok := seen[d.ID]; ok {
			continue
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}
	return out
}
