// Package provider defines the plugin contract every AI research
// provider implements, the registry that resolves plugins at dispatch
// time, and the error taxonomy runtimes use to route failures.
package provider

import (
	"context"

	"github.com/foliosai/folios/internal/domain"
)

// Throttle is the per-provider dispatch policy.
type Throttle struct {
	// MaxConcurrent bounds in-flight (non-terminal) tasks for the provider.
	MaxConcurrent int
	// RequestsPerMinute caps submissions across both modes. Zero disables it.
	RequestsPerMinute int
}

// TaskContext is handed to serializers, executors, and parsers. It is
// the only view they get of the data model; they never touch the store.
type TaskContext struct {
	Request     *domain.Request
	Task        *domain.ExecutionTask
	ArtifactDir string
}

// SerializeResult describes a payload prepared for submission.
type SerializeResult struct {
	PayloadPath string
	ContentType string
	Records     int
}

// SubmitResult is the provider's acceptance of a batch job.
type SubmitResult struct {
	ProviderJobID string
	Metadata      map[string]string
}

// PollStatus is the normalized polling outcome.
type PollStatus string

const (
	PollRunning   PollStatus = "running"
	PollCompleted PollStatus = "completed"
	PollFailed    PollStatus = "failed"
)

// PollResult is one polling observation of a batch job.
type PollResult struct {
	Status   PollStatus
	Detail   string
	Metadata map[string]string
}

// DownloadResult points at the artifact written by a batch download.
type DownloadResult struct {
	ArtifactPath string
	ContentType  string
}

// CliResult is the outcome of one synchronous execution. Subprocess and
// direct SDK calls are modeled identically: both complete within the call.
type CliResult struct {
	ExitCode       int
	ResponsePath   string
	StructuredPath string // empty when no structured output was extracted
	Metadata       map[string]string
}

// Serializer builds the provider-specific request payload
// deterministically from request metadata.
type Serializer interface {
	Serialize(ctx context.Context, tc TaskContext) (SerializeResult, error)
}

// BatchExecutor drives the asynchronous submit/poll/download protocol.
type BatchExecutor interface {
	Submit(ctx context.Context, tc TaskContext, payload SerializeResult) (SubmitResult, error)
	Poll(ctx context.Context, tc TaskContext, providerJobID string) (PollResult, error)
	Download(ctx context.Context, tc TaskContext, providerJobID string) (DownloadResult, error)
}

// CliExecutor runs one synchronous provider invocation.
type CliExecutor interface {
	Run(ctx context.Context, tc TaskContext) (CliResult, error)
}

// Parser converts an artifact directory into the canonical schema.
// Plugins may carry a provider-specific parser as a fallback; the
// unified parser supersedes it at harvest time when it finds output.
type Parser interface {
	Parse(ctx context.Context, tc TaskContext) (domain.CanonicalResult, error)
}

// Plugin is the static descriptor of one provider integration.
type Plugin struct {
	ID          domain.ProviderID
	DisplayName string
	DefaultMode domain.ExecutionMode
	Throttle    Throttle

	Serializer Serializer    // required for batch mode
	Batch      BatchExecutor // nil when batch unsupported
	CLI        CliExecutor   // nil when cli unsupported
	Parser     Parser        // provider-specific fallback, optional
}

// SupportsBatch reports whether the plugin can run in batch mode.
func (p *Plugin) SupportsBatch() bool { return p.Batch != nil }

// SupportsCLI reports whether the plugin can run in cli/direct mode.
func (p *Plugin) SupportsCLI() bool { return p.CLI != nil }

// EnsureMode validates that the plugin supports the requested execution
// mode. A violation is a configuration error, not a task failure.
func (p *Plugin) EnsureMode(mode domain.ExecutionMode) error {
	switch mode {
	case domain.ModeBatch:
		if !p.SupportsBatch() {
			return NewConfigError("provider %s does not support batch mode", p.ID)
		}
		if p.Serializer == nil {
			return NewConfigError("provider %s lacks a serializer for batch mode", p.ID)
		}
	case domain.ModeCLI:
		if !p.SupportsCLI() {
			return NewConfigError("provider %s does not support cli mode", p.ID)
		}
	default:
		return NewConfigError("unknown execution mode %q", mode)
	}
	return nil
}
