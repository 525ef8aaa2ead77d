package domain

// ProviderID identifies an AI research provider.
type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
	ProviderGemini    ProviderID = "gemini"
	ProviderCustom    ProviderID = "custom"
)

// ExecutionMode is the channel a request is executed through.
type ExecutionMode string

const (
	// ModeBatch submits work to a provider batch API and polls for completion.
	ModeBatch ExecutionMode = "batch"
	// ModeCLI executes synchronously: a local subprocess or a direct SDK call.
	ModeCLI ExecutionMode = "cli"
)

// RequestType is the high-level intent of a request.
type RequestType string

const (
	RequestResearch  RequestType = "research"
	RequestExecution RequestType = "execution"
)

// RequestPriority orders dispatch when more work is pending than throttles allow.
type RequestPriority string

const (
	PriorityLow      RequestPriority = "low"
	PriorityNormal   RequestPriority = "normal"
	PriorityHigh     RequestPriority = "high"
	PriorityCritical RequestPriority = "critical"
)

// LifecycleState is the state machine shared by requests and execution tasks.
type LifecycleState string

const (
	StatePending         LifecycleState = "pending"
	StateScheduled       LifecycleState = "scheduled"
	StateRunning         LifecycleState = "running"
	StateAwaitingResults LifecycleState = "awaiting_results"
	StateSucceeded       LifecycleState = "succeeded"
	StateFailed          LifecycleState = "failed"
	StateCancelled       LifecycleState = "cancelled"
	StateTimedOut        LifecycleState = "timed_out"
)

// IsTerminal reports whether no further transitions are permitted.
func (s LifecycleState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// rank orders the forward progression of non-terminal states.
var stateRank = map[LifecycleState]int{
	StatePending:         0,
	StateScheduled:       1,
	StateRunning:         2,
	StateAwaitingResults: 3,
}

// CanTransition reports whether moving from s to next honors the
// monotonic transition graph: forward-only among non-terminal states,
// failure states reachable from any non-terminal state, and no exits
// from a terminal state.
func (s LifecycleState) CanTransition(next LifecycleState) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	return to > from
}
