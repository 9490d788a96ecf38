package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ragpipe/internal/domain"
)

const keyPrefix = "ragpipe:job:"

// Store keeps ingestion jobs in Redis so job state survives process
// restarts and is shared across workers on different hosts. Transitions
// run inside a WATCH/MULTI optimistic transaction: a concurrent write
// between read and commit aborts the CAS and reports false.
type Store struct {
	client *redis.Client
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

func NewStore(cfg Config) *Store {
	return &Store{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// NewStoreWithClient wires an existing client; used by tests.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, documentID string) (*domain.IngestionJob, error) {
	data, err := s.client.Get(ctx, keyPrefix+documentID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job domain.IngestionJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) Create(ctx context.Context, job *domain.IngestionJob) error {
	stored := *job
	if stored.State == "" {
		stored.State = domain.JobPending
	}
	stored.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	// SETNX keeps an existing job intact on repeated discovery.
	return s.client.SetNX(ctx, keyPrefix+job.DocumentID, data, 0).Err()
}

func (s *Store) Transition(ctx context.Context, documentID string, from, to domain.JobState, lastError string) (bool, error) {
	key := keyPrefix + documentID
	applied := false
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("job %s not found", documentID)
		}
		if err != nil {
			return err
		}
		var job domain.IngestionJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return err
		}
		if job.State != from {
			return nil
		}
		job.State = to
		if to == domain.JobProcessing {
			job.Attempts++
		}
		job.LastError = lastError
		job.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}
	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Lost the race to another worker.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *Store) ListByState(ctx context.Context, state domain.JobState) ([]*domain.IngestionJob, error) {
	var out []*domain.IngestionJob
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var job domain.IngestionJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, err
		}
		if job.State == state {
			j := job
			out = append(out, &j)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, documentID string) error {
	return s.client.Del(ctx, keyPrefix+documentID).Err()
}

func (s *Store) Close() error { return s.client.Close() }
