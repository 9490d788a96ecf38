package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"ragpipe/internal/domain"
)

type entry struct {
	chunk  domain.Chunk
	vector []float64
}

// Store is an in-memory vector store using brute-force cosine
// similarity. Vectors are assumed L2-normalized so the dot product is
// the similarity. Safe for concurrent readers and writers.
type Store struct {
	mu        sync.RWMutex
	dimension int
	entries   map[string]entry // keyed by chunk ID; upsert replaces
}

func NewStore() *Store {
	return &Store{entries: make(map[string]entry)}
}

func (s *Store) Init(_ context.Context, dimension int) error {
	if dimension <= 0 {
		return &domain.IndexError{Op: "init", Err: errors.New("invalid dimension")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dimension = dimension
	return nil
}

func (s *Store) Upsert(_ context.Context, chunks []domain.Chunk, vectors [][]float64) error {
	if len(chunks) != len(vectors) {
		return &domain.IndexError{Op: "upsert", Err: errors.New("chunks and vectors length mismatch")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range vectors {
		if len(v) != s.dimension {
			return &domain.IndexError{Op: "upsert", Err: errors.New("vector dimension mismatch")}
		}
	}
	for i := range chunks {
		s.entries[chunks[i].ID] = entry{chunk: chunks[i], vector: vectors[i]}
	}
	return nil
}

func (s *Store) Query(_ context.Context, vector []float64, topK int) ([]domain.RetrievalResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if topK <= 0 {
		topK = 5
	}
	results := make([]domain.RetrievalResult, 0, len(s.entries))
	for _, e := range s.entries {
		results = append(results, domain.RetrievalResult{
			ChunkID:    e.chunk.ID,
			DocumentID: e.chunk.DocumentID,
			Sequence:   e.chunk.Sequence,
			Text:       e.chunk.Text,
			Score:      dot(e.vector, vector),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

func (s *Store) DeleteByDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.chunk.DocumentID == documentID {
			delete(s.entries, id)
		}
	}
	return nil
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
