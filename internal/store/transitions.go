package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/foliosai/folios/internal/domain"
)

// AppendTransition records one audit entry. The log is append-only.
func (s *SQL) AppendTransition(ctx context.Context, e *domain.TransitionLogEntry) error {
	attrs := map[string]string{}
	if e.Attributes != nil {
		attrs = e.Attributes
	}
	raw, err := marshalMeta(attrs)
	if err != nil {
		return err
	}
	var taskID sql.NullString
	if e.TaskID != nil {
		taskID = sql.NullString{String: e.TaskID.String(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO transition_log (request_id, task_id, previous_state, next_state, message, attributes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.RequestID.String(), taskID, string(e.PreviousState), string(e.NextState),
		e.Message, raw, encodeTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: append transition: %w", err)
	}
	return nil
}

// TransitionsSince returns audit entries with ID greater than afterID,
// oldest first. The watch stream tails the log with this.
func (s *SQL) TransitionsSince(ctx context.Context, afterID int64, limit int) ([]domain.TransitionLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, request_id, task_id, previous_state, next_state, message, attributes, created_at
		FROM transition_log WHERE id > ? ORDER BY id ASC LIMIT ?`), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: transitions since: %w", err)
	}
	defer rows.Close()

	var out []domain.TransitionLogEntry
	for rows.Next() {
		var (
			e          domain.TransitionLogEntry
			requestID  string
			taskID     sql.NullString
			prev, next string
			message    sql.NullString
			attrs      string
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &requestID, &taskID, &prev, &next, &message, &attrs, &createdAt); err != nil {
			return nil, err
		}
		if e.RequestID, err = uuid.Parse(requestID); err != nil {
			return nil, fmt.Errorf("store: bad transition request id: %w", err)
		}
		if taskID.Valid {
			parsed, err := uuid.Parse(taskID.String)
			if err != nil {
				return nil, fmt.Errorf("store: bad transition task id: %w", err)
			}
			e.TaskID = &parsed
		}
		e.PreviousState = domain.LifecycleState(prev)
		e.NextState = domain.LifecycleState(next)
		if message.Valid {
			e.Message = message.String
		}
		if e.Attributes, err = unmarshalMeta(attrs); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TransitionsForRequest returns the audit trail of one request.
func (s *SQL) TransitionsForRequest(ctx context.Context, requestID uuid.UUID) ([]domain.TransitionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, request_id, task_id, previous_state, next_state, message, attributes, created_at
		FROM transition_log WHERE request_id = ? ORDER BY id ASC`), requestID.String())
	if err != nil {
		return nil, fmt.Errorf("store: transitions for request: %w", err)
	}
	defer rows.Close()

	var out []domain.TransitionLogEntry
	for rows.Next() {
		var (
			e          domain.TransitionLogEntry
			reqID      string
			taskID     sql.NullString
			prev, next string
			message    sql.NullString
			attrs      string
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &reqID, &taskID, &prev, &next, &message, &attrs, &createdAt); err != nil {
			return nil, err
		}
		if e.RequestID, err = uuid.Parse(reqID); err != nil {
			return nil, fmt.Errorf("store: bad transition request id: %w", err)
		}
		if taskID.Valid {
			parsed, err := uuid.Parse(taskID.String)
			if err != nil {
				return nil, fmt.Errorf("store: bad transition task id: %w", err)
			}
			e.TaskID = &parsed
		}
		e.PreviousState = domain.LifecycleState(prev)
		e.NextState = domain.LifecycleState(next)
		if message.Valid {
			e.Message = message.String
		}
		if e.Attributes, err = unmarshalMeta(attrs); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
