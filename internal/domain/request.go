// Package domain defines the core types shared across the research
// request lifecycle: requests, execution tasks, and the canonical
// recommendation schema all providers normalize into.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Request is one research attempt for a (strategy, provider) pair,
// tracked through the lifecycle state machine. The orchestrator owns
// request creation; runtimes only advance its state.
type Request struct {
	ID           uuid.UUID         `json:"id"`
	StrategyID   uuid.UUID         `json:"strategy_id"`
	ProviderID   ProviderID        `json:"provider_id"`
	Mode         ExecutionMode     `json:"mode"`
	RequestType  RequestType       `json:"request_type"`
	Priority     RequestPriority   `json:"priority"`
	State        LifecycleState    `json:"lifecycle_state"`
	Metadata     map[string]string `json:"metadata"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Prompt returns the research prompt carried in request metadata.
func (r *Request) Prompt() string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata["strategy_prompt"]
}

// ExecutionTask is one concrete execution attempt belonging to a Request.
// Tasks are append-only: a retry creates a new task with the next
// sequence number, never mutates a prior attempt back to life.
type ExecutionTask struct {
	ID            uuid.UUID         `json:"id"`
	RequestID     uuid.UUID         `json:"request_id"`
	Sequence      int               `json:"sequence"`
	Mode          ExecutionMode     `json:"mode"`
	State         LifecycleState    `json:"lifecycle_state"`
	ProviderJobID string            `json:"provider_job_id,omitempty"` // write-once
	ExitCode      *int              `json:"exit_code,omitempty"`
	Retries       int               `json:"retries"`
	ArtifactDir   string            `json:"artifact_dir"` // write-once
	Metadata      map[string]string `json:"metadata"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// TransitionLogEntry is an append-only audit record of a lifecycle
// transition on a request or one of its tasks.
type TransitionLogEntry struct {
	ID            int64             `json:"id"`
	RequestID     uuid.UUID         `json:"request_id"`
	TaskID        *uuid.UUID        `json:"task_id,omitempty"`
	PreviousState LifecycleState    `json:"previous_state"`
	NextState     LifecycleState    `json:"next_state"`
	Message       string            `json:"message,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
