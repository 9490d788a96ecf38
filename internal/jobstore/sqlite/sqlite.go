package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ragpipe/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingestion_jobs (
	document_id TEXT PRIMARY KEY,
	source_path TEXT NOT NULL,
	state       TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_state ON ingestion_jobs(state);
`

// Store keeps ingestion jobs in an embedded SQLite database. The CAS
// transition is a single UPDATE guarded by the expected state, so the
// row's current state acts as an optimistic lock.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under the ingestion pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, documentID string) (*domain.IngestionJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document_id, source_path, state, attempts, last_error, updated_at
		 FROM ingestion_jobs WHERE document_id = ?`, documentID)
	var job domain.IngestionJob
	var state string
	err := row.Scan(&job.DocumentID, &job.SourcePath, &state, &job.Attempts, &job.LastError, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.State = domain.JobState(state)
	return &job, nil
}

func (s *Store) Create(ctx context.Context, job *domain.IngestionJob) error {
	state := job.State
	if state == "" {
		state = domain.JobPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_jobs (document_id, source_path, state, attempts, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(document_id) DO NOTHING`,
		job.DocumentID, job.SourcePath, string(state), job.Attempts, job.LastError, time.Now().UTC())
	return err
}

func (s *Store) Transition(ctx context.Context, documentID string, from, to domain.JobState, lastError string) (bool, error) {
	attemptBump := 0
	if to == domain.JobProcessing {
		attemptBump = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs
		 SET state = ?, attempts = attempts + ?, last_error = ?, updated_at = ?
		 WHERE document_id = ? AND state = ?`,
		string(to), attemptBump, lastError, time.Now().UTC(), documentID, string(from))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		// Distinguish a lost CAS from a missing job.
		job, err := s.Get(ctx, documentID)
		if err != nil {
			return false, err
		}
		if job == nil {
			return false, fmt.Errorf("job %s not found", documentID)
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) ListByState(ctx context.Context, state domain.JobState) ([]*domain.IngestionJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, source_path, state, attempts, last_error, updated_at
		 FROM ingestion_jobs WHERE state = ? ORDER BY document_id`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.IngestionJob
	for rows.Next() {
		var job domain.IngestionJob
		var st string
		if err := rows.Scan(&job.DocumentID, &job.SourcePath, &st, &job.Attempts, &job.LastError, &job.UpdatedAt); err != nil {
			return nil, err
		}
		job.State = domain.JobState(st)
		out = append(out, &job)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ingestion_jobs WHERE document_id = ?`, documentID)
	return err
}

func (s *Store) Close() error { return s.db.Close() }
