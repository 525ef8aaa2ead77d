package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foliosai/folios/internal/domain"
)

const requestColumns = `id, strategy_id, provider_id, mode, request_type, priority,
	lifecycle_state, metadata, scheduled_for, created_at, completed_at, updated_at`

// CreateRequest inserts a request together with its first execution
// task in one transaction, both in state PENDING.
func (s *SQL) CreateRequest(ctx context.Context, req *domain.Request, task *domain.ExecutionTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertRequest(ctx, tx, req); err != nil {
		return err
	}
	if err := s.insertTask(ctx, tx, task); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *SQL) insertRequest(ctx context.Context, tx *sql.Tx, req *domain.Request) error {
	meta, err := marshalMeta(req.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		req.ID.String(), req.StrategyID.String(), string(req.ProviderID), string(req.Mode),
		string(req.RequestType), string(req.Priority), string(req.State), meta,
		encodeTimePtr(req.ScheduledFor), encodeTime(req.CreatedAt),
		encodeTimePtr(req.CompletedAt), encodeTime(req.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert request: %w", err)
	}
	return nil
}

// GetRequest retrieves a request by ID.
func (s *SQL) GetRequest(ctx context.Context, id uuid.UUID) (domain.Request, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`), id.String())
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Request{}, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	return req, err
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	State    domain.LifecycleState
	Provider domain.ProviderID
	Limit    int
}

// ListRequests returns requests matching the filter, newest first.
func (s *SQL) ListRequests(ctx context.Context, f RequestFilter) ([]domain.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE 1=1`
	var args []any
	if f.State != "" {
		query += ` AND lifecycle_state = ?`
		args = append(args, string(f.State))
	}
	if f.Provider != "" {
		query += ` AND provider_id = ?`
		args = append(args, string(f.Provider))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	defer rows.Close()

	var out []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// TransitionRequest advances a request's lifecycle state, guarded by
// the expected previous state so concurrent sweeps cannot double-apply
// a transition. completedAt is set when next is terminal.
func (s *SQL) TransitionRequest(ctx context.Context, id uuid.UUID, prev, next domain.LifecycleState) error {
	now := time.Now().UTC()
	var completed sql.NullString
	if next.IsTerminal() {
		completed = sql.NullString{String: encodeTime(now), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE requests SET lifecycle_state = ?, completed_at = COALESCE(?, completed_at), updated_at = ?
		WHERE id = ? AND lifecycle_state = ?`),
		string(next), completed, encodeTime(now), id.String(), string(prev),
	)
	if err != nil {
		return fmt.Errorf("store: transition request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: request %s not in %s", ErrStaleState, id, prev)
	}
	return nil
}

// LastSucceededAt returns the completion time of the most recent
// SUCCEEDED request for a (strategy, provider) pair.
func (s *SQL) LastSucceededAt(ctx context.Context, strategyID uuid.UUID, providerID domain.ProviderID) (time.Time, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT MAX(completed_at) FROM requests
		WHERE strategy_id = ? AND provider_id = ? AND lifecycle_state = ?`),
		strategyID.String(), string(providerID), string(domain.StateSucceeded),
	).Scan(&raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: last succeeded: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false, nil
	}
	t, err := decodeTime(raw.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// HasLiveRequest reports whether a non-terminal request already exists
// for a (strategy, provider) pair. Dispatch uses it to avoid creating
// duplicate in-flight work.
func (s *SQL) HasLiveRequest(ctx context.Context, strategyID uuid.UUID, providerID domain.ProviderID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(1) FROM requests
		WHERE strategy_id = ? AND provider_id = ? AND lifecycle_state IN (?, ?, ?, ?)`),
		strategyID.String(), string(providerID),
		string(domain.StatePending), string(domain.StateScheduled),
		string(domain.StateRunning), string(domain.StateAwaitingResults),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: has live request: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.Request, error) {
	var (
		req                       domain.Request
		id, strategyID            string
		providerID, mode          string
		requestType, priority     string
		state, meta               string
		scheduledFor, completedAt sql.NullString
		createdAt, updatedAt      string
	)
	err := row.Scan(&id, &strategyID, &providerID, &mode, &requestType, &priority,
		&state, &meta, &scheduledFor, &createdAt, &completedAt, &updatedAt)
	if err != nil {
		return domain.Request{}, err
	}
	if req.ID, err = uuid.Parse(id); err != nil {
		return domain.Request{}, fmt.Errorf("store: bad request id: %w", err)
	}
	if req.StrategyID, err = uuid.Parse(strategyID); err != nil {
		return domain.Request{}, fmt.Errorf("store: bad strategy id: %w", err)
	}
	req.ProviderID = domain.ProviderID(providerID)
	req.Mode = domain.ExecutionMode(mode)
	req.RequestType = domain.RequestType(requestType)
	req.Priority = domain.RequestPriority(priority)
	req.State = domain.LifecycleState(state)
	if req.Metadata, err = unmarshalMeta(meta); err != nil {
		return domain.Request{}, err
	}
	if req.ScheduledFor, err = decodeTimePtr(scheduledFor); err != nil {
		return domain.Request{}, err
	}
	if req.CreatedAt, err = decodeTime(createdAt); err != nil {
		return domain.Request{}, err
	}
	if req.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return domain.Request{}, err
	}
	if req.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}
