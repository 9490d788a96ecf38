package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragpipe/internal/domain"
)

func TestTransition_AppliesOnlyFromExpectedState(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Create(ctx, &domain.IngestionJob{DocumentID: "d1", SourcePath: "a.txt"}))

	ok, err := s.Transition(ctx, "d1", domain.JobPending, domain.JobProcessing, "")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second CAS from pending must lose: the job is already processing.
	ok, err = s.Transition(ctx, "d1", domain.JobPending, domain.JobProcessing, "")
	require.NoError(t, err)
	assert.False(t, ok)

	job, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, job.State)
	assert.Equal(t, 1, job.Attempts)
}

func TestTransition_AttemptsIncrementOnlyOnProcessing(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Create(ctx, &domain.IngestionJob{DocumentID: "d1"}))

	_, err := s.Transition(ctx, "d1", domain.JobPending, domain.JobProcessing, "")
	require.NoError(t, err)
	_, err = s.Transition(ctx, "d1", domain.JobProcessing, domain.JobFailed, "boom")
	require.NoError(t, err)
	_, err = s.Transition(ctx, "d1", domain.JobFailed, domain.JobProcessing, "")
	require.NoError(t, err)
	_, err = s.Transition(ctx, "d1", domain.JobProcessing, domain.JobSucceeded, "")
	require.NoError(t, err)

	job, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, job.State)
	assert.Equal(t, 2, job.Attempts)
	assert.Empty(t, job.LastError)
}

func TestTransition_ExactlyOneWinnerUnderContention(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Create(ctx, &domain.IngestionJob{DocumentID: "d1"}))

	const workers = 8
	wins := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Transition(ctx, "d1", domain.JobPending, domain.JobProcessing, "")
			assert.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestTransition_MissingJobIsError(t *testing.T) {
	s := NewStore()
	_, err := s.Transition(context.Background(), "nope", domain.JobPending, domain.JobProcessing, "")
	require.Error(t, err)
}

func TestCreate_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Create(ctx, &domain.IngestionJob{DocumentID: "d1"}))
	_, err := s.Transition(ctx, "d1", domain.JobPending, domain.JobSucceeded, "")
	require.NoError(t, err)

	// Re-discovery must not reset a finished job.
	require.NoError(t, s.Create(ctx, &domain.IngestionJob{DocumentID: "d1"}))
	job, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, job.State)
}

func TestListByState_And_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Create(ctx, &domain.IngestionJob{DocumentID: "d1"}))
	require.NoError(t, s.Create(ctx, &domain.IngestionJob{DocumentID: "d2"}))
	_, err := s.Transition(ctx, "d2", domain.JobPending, domain.JobProcessing, "")
	require.NoError(t, err)
	_, err = s.Transition(ctx, "d2", domain.JobProcessing, domain.JobFailed, "x")
	require.NoError(t, err)

	failed, err := s.ListByState(ctx, domain.JobFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "d2", failed[0].DocumentID)

	require.NoError(t, s.Delete(ctx, "d2"))
	job, err := s.Get(ctx, "d2")
	require.NoError(t, err)
	assert.Nil(t, job)
}
