package domain

import "time"

// Document is a single source file loaded into the system.
// Identity is the content hash: two files with identical bytes are the
// same document regardless of path, which is what makes re-ingestion
// idempotent.
type Document struct {
	ID           string
	SourcePath   string
	RawText      string
	ContentHash  string
	DiscoveredAt time.Time
}

// Chunk is a bounded contiguous slice of a document's text, the unit of
// embedding and indexing. Chunks are generated deterministically: the
// same document and chunker config always yield the same sequence.
type Chunk struct {
	ID         string
	DocumentID string
	Sequence   int
	Text       string
	TokenCount int
}

// JobState is the lifecycle state of an ingestion job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobSucceeded  JobState = "succeeded"
	JobFailed     JobState = "failed"
	JobDeadLetter JobState = "dead_letter"
)

// IngestionJob tracks one document through the ingestion state machine:
// pending -> processing -> {succeeded | failed}; failed -> processing
// while Attempts < retry limit; failed -> dead_letter once exhausted.
// Attempts increments only when the job enters processing.
type IngestionJob struct {
	DocumentID string    `json:"document_id"`
	SourcePath string    `json:"source_path"`
	State      JobState  `json:"state"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RetrievalResult is a matching chunk with its similarity score.
// Produced per query, never persisted.
type RetrievalResult struct {
	ChunkID    string
	DocumentID string
	Sequence   int
	Text       string
	Score      float64
}

// QueryRequest correlates one inbound question with its response.
type QueryRequest struct {
	Query string `json:"query"`
}

// QueryResponse is the final answer for a query. Grounded is false when
// retrieval produced no usable context; in that case Answer carries a
// stock no-answer message and Sources is empty.
type QueryResponse struct {
	Query    string            `json:"query"`
	Answer   string            `json:"answer"`
	Grounded bool              `json:"grounded"`
	Sources  []RetrievalResult `json:"-"`
}

// JobFailure is a per-document failure recorded in an ingestion report.
type JobFailure struct {
	DocumentID string `json:"document_id"`
	SourcePath string `json:"source_path"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error"`
}

// IngestionReport aggregates the outcome of one ingestion or retry run.
// It is the run's sole return value: individual document failures live
// here, they never abort the run.
type IngestionReport struct {
	Discovered int           `json:"discovered"`
	Skipped    int           `json:"skipped"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	DeadLetter int           `json:"dead_letter"`
	Failures   []JobFailure  `json:"failures,omitempty"`
	Duration   time.Duration `json:"duration"`
}
