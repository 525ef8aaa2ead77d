package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/foliosai/folios/internal/domain"
)

func openTestStore(t *testing.T) *SQL {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRequestAndTask(t *testing.T) (*domain.Request, *domain.ExecutionTask) {
	t.Helper()
	now := time.Now().UTC()
	req := &domain.Request{
		ID:          uuid.New(),
		StrategyID:  uuid.New(),
		ProviderID:  domain.ProviderOpenAI,
		Mode:        domain.ModeBatch,
		RequestType: domain.RequestResearch,
		Priority:    domain.PriorityNormal,
		State:       domain.StatePending,
		Metadata:    map[string]string{"strategy_prompt": "find value stocks"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	task := &domain.ExecutionTask{
		ID:          uuid.New(),
		RequestID:   req.ID,
		Sequence:    1,
		Mode:        req.Mode,
		State:       domain.StatePending,
		ArtifactDir: t.TempDir(),
		Metadata:    map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return req, task
}

func TestCreateAndGetRequest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	req, task := newRequestAndTask(t)
	require.NoError(t, s.CreateRequest(ctx, req, task))

	got, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, req.ID, got.ID)
	require.Equal(t, domain.StatePending, got.State)
	require.Equal(t, "find value stocks", got.Metadata["strategy_prompt"])

	active, err := s.ActiveTask(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, task.ID, active.ID)
	require.Equal(t, 1, active.Sequence)
}

func TestGetRequestNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRequest(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionTaskGuardedByState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	req, task := newRequestAndTask(t)
	require.NoError(t, s.CreateRequest(ctx, req, task))

	require.NoError(t, s.TransitionTask(ctx, task.ID, domain.StatePending, domain.StateRunning))

	// Second application of the same transition loses the guard.
	err := s.TransitionTask(ctx, task.ID, domain.StatePending, domain.StateRunning)
	require.ErrorIs(t, err, ErrStaleState)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateRunning, got.State)
	require.NotNil(t, got.StartedAt)
}

func TestTerminalTransitionSetsCompletedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	req, task := newRequestAndTask(t)
	require.NoError(t, s.CreateRequest(ctx, req, task))

	require.NoError(t, s.TransitionTask(ctx, task.ID, domain.StatePending, domain.StateFailed))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)

	require.NoError(t, s.TransitionRequest(ctx, req.ID, domain.StatePending, domain.StateFailed))
	gotReq, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, gotReq.CompletedAt)
}

func TestProviderJobIDIsWriteOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	req, task := newRequestAndTask(t)
	require.NoError(t, s.CreateRequest(ctx, req, task))

	require.NoError(t, s.SetProviderJobID(ctx, task.ID, "batch_abc123"))
	err := s.SetProviderJobID(ctx, task.ID, "batch_other")
	require.ErrorIs(t, err, ErrWriteOnce)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "batch_abc123", got.ProviderJobID)
}

func TestIncrementRetries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	req, task := newRequestAndTask(t)
	require.NoError(t, s.CreateRequest(ctx, req, task))

	n, err := s.IncrementRetries(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = s.IncrementRetries(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestMergeTaskMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	req, task := newRequestAndTask(t)
	task.Metadata = map[string]string{"a": "1"}
	require.NoError(t, s.CreateRequest(ctx, req, task))

	require.NoError(t, s.MergeTaskMetadata(ctx, task.ID, map[string]string{"b": "2", "a": "3"}))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "3", got.Metadata["a"])
	require.Equal(t, "2", got.Metadata["b"])
}

func TestListTasksByState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req1, task1 := newRequestAndTask(t)
	require.NoError(t, s.CreateRequest(ctx, req1, task1))
	req2, task2 := newRequestAndTask(t)
	require.NoError(t, s.CreateRequest(ctx, req2, task2))
	require.NoError(t, s.TransitionTask(ctx, task2.ID, domain.StatePending, domain.StateRunning))

	running, err := s.ListTasksByState(ctx, domain.StateRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, task2.ID, running[0].ID)

	both, err := s.ListTasksByState(ctx, domain.StatePending, domain.StateRunning)
	require.NoError(t, err)
	require.Len(t, both, 2)
}

func TestAppendOnlyTaskHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	req, task := newRequestAndTask(t)
	require.NoError(t, s.CreateRequest(ctx, req, task))
	require.NoError(t, s.TransitionTask(ctx, task.ID, domain.StatePending, domain.StateFailed))

	retry := &domain.ExecutionTask{
		ID:          uuid.New(),
		RequestID:   req.ID,
		Sequence:    2,
		Mode:        req.Mode,
		State:       domain.StatePending,
		ArtifactDir: t.TempDir(),
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.CreateTask(ctx, retry))

	all, err := s.ListTasksForRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, all, 2, "retry adds a task, never mutates the old one")
	require.Equal(t, domain.StateFailed, all[0].State)
	require.Equal(t, domain.StatePending, all[1].State)

	active, err := s.ActiveTask(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, retry.ID, active.ID)
}

func TestArtifactDirUniqueAcrossTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	req, task := newRequestAndTask(t)
	require.NoError(t, s.CreateRequest(ctx, req, task))

	dup := &domain.ExecutionTask{
		ID:          uuid.New(),
		RequestID:   req.ID,
		Sequence:    2,
		Mode:        req.Mode,
		State:       domain.StatePending,
		ArtifactDir: task.ArtifactDir,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.Error(t, s.CreateTask(ctx, dup), "artifact_dir must never be reused across tasks")
}

func TestTransitionLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	req, task := newRequestAndTask(t)
	require.NoError(t, s.CreateRequest(ctx, req, task))

	taskID := task.ID
	entries := []domain.TransitionLogEntry{
		{RequestID: req.ID, TaskID: &taskID, PreviousState: domain.StatePending, NextState: domain.StateRunning, CreatedAt: time.Now().UTC()},
		{RequestID: req.ID, TaskID: &taskID, PreviousState: domain.StateRunning, NextState: domain.StateSucceeded, Message: "harvested", CreatedAt: time.Now().UTC()},
	}
	for i := range entries {
		require.NoError(t, s.AppendTransition(ctx, &entries[i]))
	}

	got, err := s.TransitionsSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, domain.StateRunning, got[0].NextState)
	require.Equal(t, "harvested", got[1].Message)
	require.Greater(t, got[1].ID, got[0].ID)

	tail, err := s.TransitionsSince(ctx, got[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)

	byReq, err := s.TransitionsForRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, byReq, 2)
}

func TestLastSucceededAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	req, task := newRequestAndTask(t)
	require.NoError(t, s.CreateRequest(ctx, req, task))

	_, ok, err := s.LastSucceededAt(ctx, req.StrategyID, req.ProviderID)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.TransitionRequest(ctx, req.ID, domain.StatePending, domain.StateSucceeded))
	at, ok, err := s.LastSucceededAt(ctx, req.StrategyID, req.ProviderID)
	require.NoError(t, err)
	require.True(t, ok)
	require.WithinDuration(t, time.Now().UTC(), at, 5*time.Second)
}

func TestResultCache(t *testing.T) {
	s := openTestStore(t)
	res := domain.CanonicalResult{Source: "structured_file", Recommendations: []domain.Recommendation{{Ticker: "MSFT", Action: domain.ActionBuy}}}
	s.CacheResult("task-1", res)
	got, ok := s.CachedResult("task-1")
	require.True(t, ok)
	require.Equal(t, res, got)
	_, ok = s.CachedResult("task-2")
	require.False(t, ok)
}

func TestErrorsAreDistinguishable(t *testing.T) {
	require.False(t, errors.Is(ErrNotFound, ErrStaleState))
	require.False(t, errors.Is(ErrWriteOnce, ErrNotFound))
}
