package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ragpipe/internal/domain"
)

// Store is an in-process job store. It provides the same atomic
// compare-and-set transition semantics as the persistent backends and
// is the default for single-run usage and tests.
type Store struct {
	mu   sync.Mutex
	jobs map[string]domain.IngestionJob
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]domain.IngestionJob)}
}

func (s *Store) Get(_ context.Context, documentID string) (*domain.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[documentID]
	if !ok {
		return nil, nil
	}
	out := job
	return &out, nil
}

func (s *Store) Create(_ context.Context, job *domain.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.DocumentID]; ok {
		return nil
	}
	stored := *job
	if stored.State == "" {
		stored.State = domain.JobPending
	}
	stored.UpdatedAt = time.Now().UTC()
	s.jobs[job.DocumentID] = stored
	return nil
}

func (s *Store) Transition(_ context.Context, documentID string, from, to domain.JobState, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[documentID]
	if !ok {
		return false, fmt.Errorf("job %s not found", documentID)
	}
	if job.State != from {
		return false, nil
	}
	job.State = to
	if to == domain.JobProcessing {
		job.Attempts++
	}
	job.LastError = lastError
	job.UpdatedAt = time.Now().UTC()
	s.jobs[documentID] = job
	return true, nil
}

func (s *Store) ListByState(_ context.Context, state domain.JobState) ([]*domain.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.IngestionJob
	for _, job := range s.jobs {
		if job.State == state {
			j := job
			out = append(out, &j)
		}
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, documentID)
	return nil
}

func (s *Store) Close() error { return nil }
