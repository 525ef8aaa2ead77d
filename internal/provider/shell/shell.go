// Package shell runs provider CLI binaries and captures their output
// into the task's artifact directory.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/foliosai/folios/internal/artifact"
	"github.com/foliosai/folios/internal/provider"
)

// Invocation describes one CLI call.
type Invocation struct {
	Binary string
	Args   []string
	Env    []string // appended to the inherited environment
	Stdin  string
}

// authMarkers are substrings of stderr that indicate a credential
// problem rather than a provider failure.
var authMarkers = []string{
	"api key",
	"api_key",
	"unauthorized",
	"authentication",
	"not logged in",
	"401",
}

// Run executes the invocation, writes response.json (the raw stdout
// wrapped in a document the unified parser understands) and stderr.txt,
// and returns the exit code. A missing binary is a configuration
// problem; a non-zero exit is reported through the result, not as an
// error, so the runtime decides what it means.
func Run(ctx context.Context, tc provider.TaskContext, inv Invocation) (provider.CliResult, error) {
	dir := artifact.Dir(tc.ArtifactDir)

	cmd := exec.CommandContext(ctx, inv.Binary, inv.Args...)
	cmd.Env = append(os.Environ(), inv.Env...)
	if inv.Stdin != "" {
		cmd.Stdin = strings.NewReader(inv.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if stderr.Len() > 0 {
		if err := os.WriteFile(dir.Path(artifact.StderrFile), stderr.Bytes(), 0o644); err != nil {
			return provider.CliResult{}, err
		}
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(runErr, exec.ErrNotFound):
			return provider.CliResult{ExitCode: -1},
				provider.NewConfigError("%s binary not found on PATH", inv.Binary)
		default:
			return provider.CliResult{ExitCode: -1}, provider.NewTransient(runErr)
		}
	}

	doc := map[string]any{
		"command":    inv.Binary,
		"args":       inv.Args,
		"exit_code":  exitCode,
		"raw_stdout": stdout.String(),
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return provider.CliResult{}, err
	}
	if err := os.WriteFile(dir.ResponsePath(), raw, 0o644); err != nil {
		return provider.CliResult{}, err
	}

	res := provider.CliResult{
		ExitCode:     exitCode,
		ResponsePath: dir.ResponsePath(),
		Metadata:     map[string]string{"command": inv.Binary},
	}
	if exitCode != 0 {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		cause := fmt.Errorf("%s exited %d: %s", inv.Binary, exitCode, detail)
		if isAuthFailure(detail) {
			return res, provider.NewAuthError(inv.Binary, cause)
		}
		return res, provider.NewPermanent(cause)
	}
	return res, nil
}

func isAuthFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range authMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
