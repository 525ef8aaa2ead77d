// Package artifact fixes the on-disk layout of per-task artifact
// directories and provides local and S3-backed access to them.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/foliosai/folios/internal/domain"
)

// Well-known artifact file names. Runtimes and the unified parser agree
// on these; provider-specific payload/result files are derived from the
// provider ID.
const (
	PromptFile     = "prompt.txt"
	ResponseFile   = "response.json"
	StructuredFile = "structured.json"
	ParsedFile     = "parsed.json"
	StderrFile     = "stderr.txt"
)

// Dir is one task's artifact directory. The path is deterministic,
// derived from request and task IDs, and never reused across tasks.
type Dir string

// DirFor derives the artifact directory for a task under root.
func DirFor(root string, requestID, taskID fmt.Stringer) Dir {
	return Dir(filepath.Join(root, requestID.String(), taskID.String()))
}

func (d Dir) String() string { return string(d) }

// Ensure creates the directory if needed.
func (d Dir) Ensure() error {
	return os.MkdirAll(string(d), 0o755)
}

// Path resolves a file name inside the directory.
func (d Dir) Path(name string) string {
	return filepath.Join(string(d), name)
}

// PromptPath is the input sent to the provider.
func (d Dir) PromptPath() string { return d.Path(PromptFile) }

// ResponsePath is the raw provider response plus call metadata.
func (d Dir) ResponsePath() string { return d.Path(ResponseFile) }

// StructuredPath is canonical-shaped output when directly extractable.
func (d Dir) StructuredPath() string { return d.Path(StructuredFile) }

// ParsedPath is the unified parser output, always written at harvest.
func (d Dir) ParsedPath() string { return d.Path(ParsedFile) }

// PayloadPath is the batch-mode submission payload for a provider.
func (d Dir) PayloadPath(id domain.ProviderID) string {
	return d.Path(fmt.Sprintf("%s_payload.jsonl", id))
}

// BatchResultsPath is the downloaded batch result stream for a provider.
func (d Dir) BatchResultsPath(id domain.ProviderID) string {
	return d.Path(fmt.Sprintf("%s_batch_results.jsonl", id))
}
