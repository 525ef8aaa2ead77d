// Package lifecycle enforces the request/task state machine on top of
// the store: transitions are validated against the monotonic graph,
// applied with optimistic state guards, and every accepted transition
// leaves an audit row.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foliosai/folios/internal/artifact"
	"github.com/foliosai/folios/internal/domain"
	"github.com/foliosai/folios/internal/store"
)

// ErrInvalidTransition is returned when a caller asks for a transition
// the state machine forbids. Terminal states never transition out.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

// Engine applies lifecycle transitions. It is the only component that
// writes lifecycle_state; runtimes and the orchestrator go through it.
// maxAttempts bounds execution tasks per request: a task failure only
// finalizes its request once no attempts remain.
type Engine struct {
	store       *store.SQL
	maxAttempts int
	log         *zap.Logger
}

func New(s *store.SQL, maxAttempts int, log *zap.Logger) *Engine {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: s, maxAttempts: maxAttempts, log: log}
}

// MaxAttempts returns the per-request execution task bound.
func (e *Engine) MaxAttempts() int { return e.maxAttempts }

// Advance moves a task and its parent request to next in lockstep and
// records one audit entry. Re-applying a terminal transition that
// already happened is a no-op, so harvest and poll sweeps stay
// idempotent across restarts. A FAILED or TIMED_OUT task leaves the
// request live while attempts remain, so the retry sweep can append
// the next execution task.
func (e *Engine) Advance(ctx context.Context, req *domain.Request, task *domain.ExecutionTask, next domain.LifecycleState, message string, attrs map[string]string) error {
	if task.State == next {
		return nil
	}
	if !task.State.CanTransition(next) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, task.ID, task.State, next)
	}

	prevTask := task.State
	if err := e.store.TransitionTask(ctx, task.ID, prevTask, next); err != nil {
		return e.reconcileStale(ctx, err, task, next)
	}
	task.State = next

	retryable := (next == domain.StateFailed || next == domain.StateTimedOut) && task.Sequence < e.maxAttempts
	if !retryable && req.State != next && req.State.CanTransition(next) {
		if err := e.store.TransitionRequest(ctx, req.ID, req.State, next); err != nil {
			if !errors.Is(err, store.ErrStaleState) {
				return err
			}
			// Another sweep moved the request; ours still advanced the task.
		} else {
			req.State = next
		}
	}

	taskID := task.ID
	entry := &domain.TransitionLogEntry{
		RequestID:     req.ID,
		TaskID:        &taskID,
		PreviousState: prevTask,
		NextState:     next,
		Message:       message,
		Attributes:    attrs,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.store.AppendTransition(ctx, entry); err != nil {
		return err
	}
	e.log.Info("lifecycle transition",
		zap.String("request_id", req.ID.String()),
		zap.String("task_id", task.ID.String()),
		zap.String("from", string(prevTask)),
		zap.String("to", string(next)),
		zap.String("message", message),
	)
	return nil
}

// reconcileStale resolves a lost guard race. If the task already sits
// in the requested state the transition is treated as applied.
func (e *Engine) reconcileStale(ctx context.Context, cause error, task *domain.ExecutionTask, next domain.LifecycleState) error {
	if !errors.Is(cause, store.ErrStaleState) {
		return cause
	}
	current, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		return cause
	}
	if current.State == next {
		task.State = next
		return nil
	}
	return cause
}

// FinalizeRequest moves only the request to a terminal state, with an
// audit entry carrying no task. Used when the last attempt has already
// ended and no retries remain.
func (e *Engine) FinalizeRequest(ctx context.Context, req *domain.Request, next domain.LifecycleState, message string) error {
	if req.State == next {
		return nil
	}
	if !req.State.CanTransition(next) {
		return fmt.Errorf("%w: request %s %s -> %s", ErrInvalidTransition, req.ID, req.State, next)
	}
	prev := req.State
	if err := e.store.TransitionRequest(ctx, req.ID, prev, next); err != nil {
		if !errors.Is(err, store.ErrStaleState) {
			return err
		}
		current, gerr := e.store.GetRequest(ctx, req.ID)
		if gerr != nil || current.State != next {
			return err
		}
		req.State = next
		return nil
	}
	req.State = next

	entry := &domain.TransitionLogEntry{
		RequestID:     req.ID,
		PreviousState: prev,
		NextState:     next,
		Message:       message,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.store.AppendTransition(ctx, entry); err != nil {
		return err
	}
	e.log.Info("request finalized",
		zap.String("request_id", req.ID.String()),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("message", message),
	)
	return nil
}

// CancelRequest marks a request cancelled along with its active task.
// Cancelling a terminal request is a no-op.
func (e *Engine) CancelRequest(ctx context.Context, requestID uuid.UUID, reason string) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.State.IsTerminal() {
		return nil
	}
	task, err := e.store.ActiveTask(ctx, requestID)
	if err != nil {
		return err
	}
	return e.Advance(ctx, &req, &task, domain.StateCancelled, reason, nil)
}

// NewAttempt appends the next execution task for a request whose prior
// attempt ended in a failure state. The request must still be live;
// terminal requests are immutable and need a fresh request instead.
func (e *Engine) NewAttempt(ctx context.Context, req *domain.Request, artifactRoot string) (domain.ExecutionTask, error) {
	if req.State.IsTerminal() {
		return domain.ExecutionTask{}, fmt.Errorf("%w: request %s is %s", ErrInvalidTransition, req.ID, req.State)
	}
	prior, err := e.store.ActiveTask(ctx, req.ID)
	if err != nil {
		return domain.ExecutionTask{}, err
	}
	if !prior.State.IsTerminal() {
		return domain.ExecutionTask{}, fmt.Errorf("%w: attempt %d of request %s still %s", ErrInvalidTransition, prior.Sequence, req.ID, prior.State)
	}

	now := time.Now().UTC()
	id := uuid.New()
	task := domain.ExecutionTask{
		ID:          id,
		RequestID:   req.ID,
		Sequence:    prior.Sequence + 1,
		Mode:        req.Mode,
		State:       domain.StatePending,
		ArtifactDir: artifact.DirFor(artifactRoot, req.ID, id).String(),
		Metadata:    map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateTask(ctx, &task); err != nil {
		return domain.ExecutionTask{}, err
	}

	taskID := task.ID
	entry := &domain.TransitionLogEntry{
		RequestID:     req.ID,
		TaskID:        &taskID,
		PreviousState: prior.State,
		NextState:     domain.StatePending,
		Message:       fmt.Sprintf("retry attempt %d", task.Sequence),
		Attributes:    map[string]string{"prior_task_id": prior.ID.String()},
		CreatedAt:     now,
	}
	if err := e.store.AppendTransition(ctx, entry); err != nil {
		return domain.ExecutionTask{}, err
	}
	e.log.Info("new execution attempt",
		zap.String("request_id", req.ID.String()),
		zap.String("task_id", task.ID.String()),
		zap.Int("sequence", task.Sequence),
	)
	return task, nil
}
