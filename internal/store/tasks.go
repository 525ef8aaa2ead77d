package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foliosai/folios/internal/domain"
)

const taskColumns = `id, request_id, sequence, mode, lifecycle_state, provider_job_id,
	exit_code, retries, artifact_dir, metadata, started_at, completed_at, created_at, updated_at`

// CreateTask inserts a follow-up execution task (retry attempts). The
// first task of a request is inserted by CreateRequest.
func (s *SQL) CreateTask(ctx context.Context, task *domain.ExecutionTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.insertTask(ctx, tx, task); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *SQL) insertTask(ctx context.Context, tx *sql.Tx, task *domain.ExecutionTask) error {
	meta, err := marshalMeta(task.Metadata)
	if err != nil {
		return err
	}
	var jobID sql.NullString
	if task.ProviderJobID != "" {
		jobID = sql.NullString{String: task.ProviderJobID, Valid: true}
	}
	var exitCode sql.NullInt64
	if task.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*task.ExitCode), Valid: true}
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO execution_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID.String(), task.RequestID.String(), task.Sequence, string(task.Mode),
		string(task.State), jobID, exitCode, task.Retries, task.ArtifactDir, meta,
		encodeTimePtr(task.StartedAt), encodeTimePtr(task.CompletedAt),
		encodeTime(task.CreatedAt), encodeTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQL) GetTask(ctx context.Context, id uuid.UUID) (domain.ExecutionTask, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+taskColumns+` FROM execution_tasks WHERE id = ?`), id.String())
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ExecutionTask{}, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return task, err
}

// ActiveTask returns the newest (highest-sequence) task of a request.
// The data model guarantees at most one non-terminal task per request;
// the newest task is the active one.
func (s *SQL) ActiveTask(ctx context.Context, requestID uuid.UUID) (domain.ExecutionTask, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+taskColumns+` FROM execution_tasks
		WHERE request_id = ? ORDER BY sequence DESC LIMIT 1`), requestID.String())
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ExecutionTask{}, fmt.Errorf("%w: no tasks for request %s", ErrNotFound, requestID)
	}
	return task, err
}

// ListTasksByState returns tasks in any of the given states, oldest first.
func (s *SQL) ListTasksByState(ctx context.Context, states ...domain.LifecycleState) ([]domain.ExecutionTask, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+taskColumns+` FROM execution_tasks
		WHERE lifecycle_state IN (`+placeholders+`) ORDER BY created_at ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// ListTasksForRequest returns all attempts of a request in sequence order.
func (s *SQL) ListTasksForRequest(ctx context.Context, requestID uuid.UUID) ([]domain.ExecutionTask, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+taskColumns+` FROM execution_tasks
		WHERE request_id = ? ORDER BY sequence ASC`), requestID.String())
	if err != nil {
		return nil, fmt.Errorf("store: list request tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// CountInFlightTasks returns how many of a provider's tasks currently
// occupy provider capacity: RUNNING (submitted or executing) and
// AWAITING_RESULTS (completed at the provider, results not yet
// harvested). Admission control compares this against the provider's
// concurrency bound, so the count survives restarts.
func (s *SQL) CountInFlightTasks(ctx context.Context, providerID domain.ProviderID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM execution_tasks t
		JOIN requests r ON r.id = t.request_id
		WHERE r.provider_id = ? AND t.lifecycle_state IN (?, ?)`),
		string(providerID), string(domain.StateRunning), string(domain.StateAwaitingResults),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count in-flight tasks: %w", err)
	}
	return n, nil
}

// TransitionTask advances a task's lifecycle state, guarded by the
// expected previous state.
func (s *SQL) TransitionTask(ctx context.Context, id uuid.UUID, prev, next domain.LifecycleState) error {
	now := time.Now().UTC()
	var completed, started sql.NullString
	if next.IsTerminal() {
		completed = sql.NullString{String: encodeTime(now), Valid: true}
	}
	if next == domain.StateRunning {
		started = sql.NullString{String: encodeTime(now), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE execution_tasks
		SET lifecycle_state = ?,
		    started_at = COALESCE(started_at, ?),
		    completed_at = COALESCE(?, completed_at),
		    updated_at = ?
		WHERE id = ? AND lifecycle_state = ?`),
		string(next), started, completed, encodeTime(now), id.String(), string(prev),
	)
	if err != nil {
		return fmt.Errorf("store: transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: task %s not in %s", ErrStaleState, id, prev)
	}
	return nil
}

// SetProviderJobID records the accepted batch job ID. The field is
// write-once: a second write is rejected so a resumed process can never
// re-submit over an accepted job.
func (s *SQL) SetProviderJobID(ctx context.Context, id uuid.UUID, jobID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE execution_tasks SET provider_job_id = ?, updated_at = ?
		WHERE id = ? AND (provider_job_id IS NULL OR provider_job_id = '')`),
		jobID, encodeTime(time.Now().UTC()), id.String(),
	)
	if err != nil {
		return fmt.Errorf("store: set provider job id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: provider_job_id for task %s", ErrWriteOnce, id)
	}
	return nil
}

// SetExitCode records the exit code of a synchronous execution.
func (s *SQL) SetExitCode(ctx context.Context, id uuid.UUID, exitCode int) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE execution_tasks SET exit_code = ?, updated_at = ? WHERE id = ?`),
		exitCode, encodeTime(time.Now().UTC()), id.String(),
	)
	if err != nil {
		return fmt.Errorf("store: set exit code: %w", err)
	}
	return nil
}

// IncrementRetries bumps the retry counter and returns the new value.
func (s *SQL) IncrementRetries(ctx context.Context, id uuid.UUID) (int, error) {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE execution_tasks SET retries = retries + 1, updated_at = ? WHERE id = ?`),
		encodeTime(time.Now().UTC()), id.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: increment retries: %w", err)
	}
	var retries int
	err = s.db.QueryRowContext(ctx, s.rebind(
		`SELECT retries FROM execution_tasks WHERE id = ?`), id.String()).Scan(&retries)
	if err != nil {
		return 0, fmt.Errorf("store: read retries: %w", err)
	}
	return retries, nil
}

// MergeTaskMetadata overlays keys onto the task's metadata bag.
func (s *SQL) MergeTaskMetadata(ctx context.Context, id uuid.UUID, extra map[string]string) error {
	if len(extra) == 0 {
		return nil
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Metadata == nil {
		task.Metadata = map[string]string{}
	}
	for k, v := range extra {
		task.Metadata[k] = v
	}
	meta, err := marshalMeta(task.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE execution_tasks SET metadata = ?, updated_at = ? WHERE id = ?`),
		meta, encodeTime(time.Now().UTC()), id.String(),
	)
	if err != nil {
		return fmt.Errorf("store: merge task metadata: %w", err)
	}
	return nil
}

func scanTask(row rowScanner) (domain.ExecutionTask, error) {
	var (
		task                 domain.ExecutionTask
		id, requestID        string
		mode, state, meta    string
		jobID                sql.NullString
		exitCode             sql.NullInt64
		startedAt, completed sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&id, &requestID, &task.Sequence, &mode, &state, &jobID,
		&exitCode, &task.Retries, &task.ArtifactDir, &meta,
		&startedAt, &completed, &createdAt, &updatedAt)
	if err != nil {
		return domain.ExecutionTask{}, err
	}
	if task.ID, err = uuid.Parse(id); err != nil {
		return domain.ExecutionTask{}, fmt.Errorf("store: bad task id: %w", err)
	}
	if task.RequestID, err = uuid.Parse(requestID); err != nil {
		return domain.ExecutionTask{}, fmt.Errorf("store: bad task request id: %w", err)
	}
	task.Mode = domain.ExecutionMode(mode)
	task.State = domain.LifecycleState(state)
	if jobID.Valid {
		task.ProviderJobID = jobID.String
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}
	if task.Metadata, err = unmarshalMeta(meta); err != nil {
		return domain.ExecutionTask{}, err
	}
	if task.StartedAt, err = decodeTimePtr(startedAt); err != nil {
		return domain.ExecutionTask{}, err
	}
	if task.CompletedAt, err = decodeTimePtr(completed); err != nil {
		return domain.ExecutionTask{}, err
	}
	if task.CreatedAt, err = decodeTime(createdAt); err != nil {
		return domain.ExecutionTask{}, err
	}
	if task.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return domain.ExecutionTask{}, err
	}
	return task, nil
}
