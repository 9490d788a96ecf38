package domain

import "context"

// DocumentSource enumerates ingestable documents. Implementations own
// text extraction and content hashing.
type DocumentSource interface {
	List(ctx context.Context) ([]Document, error)
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Chunk(document Document) ([]Chunk, error)
}

// Embedder converts free text into fixed-dimensionality vectors.
// EmbedBatch preserves input order and never drops an item: every input
// index maps to exactly one output vector or the whole call fails.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// VectorStore persists chunk vectors and supports similarity search.
// Query returns results ordered by descending similarity; an empty
// index yields an empty slice, never an error.
type VectorStore interface {
	Init(ctx context.Context, dimension int) error
	Upsert(ctx context.Context, chunks []Chunk, vectors [][]float64) error
	Query(ctx context.Context, vector []float64, topK int) ([]RetrievalResult, error)
	DeleteByDocument(ctx context.Context, documentID string) error
}

// JobStore is the shared ingestion job state store. Transition is an
// atomic compare-and-set: it applies only when the job is currently in
// the from state and reports false otherwise, which is what prevents
// two workers from processing the same document concurrently.
type JobStore interface {
	Get(ctx context.Context, documentID string) (*IngestionJob, error)
	Create(ctx context.Context, job *IngestionJob) error
	Transition(ctx context.Context, documentID string, from, to JobState, lastError string) (bool, error)
	ListByState(ctx context.Context, state JobState) ([]*IngestionJob, error)
	Delete(ctx context.Context, documentID string) error
	Close() error
}

// Reranker scores (query, text) pairs with a cross-encoder. Scores are
// returned in input order.
type Reranker interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Generator invokes the generation model and returns its raw decoded
// response for answer extraction.
type Generator interface {
	Generate(ctx context.Context, prompt string) (map[string]any, error)
}

// TelemetrySink receives ingestion reports and per-job failures.
// Delivery is fire-and-forget: implementations must never surface an
// error into the pipeline.
type TelemetrySink interface {
	ReportIngestion(report *IngestionReport)
	ReportJobFailure(job *IngestionJob)
}
