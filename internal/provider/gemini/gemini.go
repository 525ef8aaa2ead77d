// Package gemini integrates Google Gemini three ways: the batch API
// for asynchronous research, a direct GenerateContent call for the
// synchronous path, and optionally the gemini CLI binary.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/foliosai/folios/internal/artifact"
	"github.com/foliosai/folios/internal/domain"
	"github.com/foliosai/folios/internal/provider"
	"github.com/foliosai/folios/internal/provider/shell"
)

const defaultModel = "gemini-2.5-flash"

// Config wires the plugin.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string // test override for the batch REST surface
	HTTPClient *http.Client
	// UseCLIBinary routes cli-mode execution through the gemini binary
	// instead of a direct SDK call.
	UseCLIBinary bool
	GeminiBinary string
	Throttle     provider.Throttle
}

// New builds the Gemini plugin.
func New(cfg Config) *provider.Plugin {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.GeminiBinary == "" {
		cfg.GeminiBinary = "gemini"
	}
	if cfg.Throttle.MaxConcurrent == 0 {
		cfg.Throttle = provider.Throttle{MaxConcurrent: 4, RequestsPerMinute: 15}
	}

	var cli provider.CliExecutor
	if cfg.UseCLIBinary {
		cli = &cliExecutor{binary: cfg.GeminiBinary}
	} else {
		cli = newDirectExecutor(cfg.APIKey, cfg.Model)
	}

	return &provider.Plugin{
		ID:          domain.ProviderGemini,
		DisplayName: "Google Gemini",
		DefaultMode: domain.ModeBatch,
		Throttle:    cfg.Throttle,
		Serializer:  &serializer{model: cfg.Model},
		Batch:       newBatchExecutor(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.HTTPClient),
		CLI:         cli,
	}
}

// serializer writes one batch request line per task: contents plus a
// generation config pinning application/json output.
type serializer struct {
	model string
}

type payloadLine struct {
	Request  map[string]any    `json:"request"`
	Metadata map[string]string `json:"metadata"`
}

func (s *serializer) Serialize(_ context.Context, tc provider.TaskContext) (provider.SerializeResult, error) {
	prompt := tc.Request.Prompt()
	if prompt == "" {
		return provider.SerializeResult{}, provider.NewPermanent(fmt.Errorf("gemini: request %s has no prompt", tc.Request.ID))
	}

	line := payloadLine{
		Request: map[string]any{
			"contents": []map[string]any{{
				"role":  "user",
				"parts": []map[string]string{{"text": prompt}},
			}},
			"generationConfig": map[string]any{
				"responseMimeType": "application/json",
			},
		},
		Metadata: map[string]string{"key": tc.Task.ID.String()},
	}
	raw, err := json.Marshal(line)
	if err != nil {
		return provider.SerializeResult{}, err
	}

	dir := artifact.Dir(tc.ArtifactDir)
	path := dir.PayloadPath(domain.ProviderGemini)
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return provider.SerializeResult{}, err
	}
	return provider.SerializeResult{PayloadPath: path, ContentType: "application/jsonl", Records: 1}, nil
}

// cliExecutor shells out to the gemini binary.
type cliExecutor struct {
	binary string
}

func (c *cliExecutor) Run(ctx context.Context, tc provider.TaskContext) (provider.CliResult, error) {
	prompt := tc.Request.Prompt()
	if prompt == "" {
		return provider.CliResult{}, provider.NewPermanent(fmt.Errorf("gemini: request %s has no prompt", tc.Request.ID))
	}
	return shell.Run(ctx, tc, shell.Invocation{
		Binary: c.binary,
		Args:   []string{"--output-format", "json", "-y", "-p", prompt},
	})
}
