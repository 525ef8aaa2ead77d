// Package anthropic integrates Claude through a direct messages call or
// the claude CLI. Anthropic work runs synchronously; there is no batch
// path here.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/foliosai/folios/internal/artifact"
	"github.com/foliosai/folios/internal/domain"
	"github.com/foliosai/folios/internal/provider"
	"github.com/foliosai/folios/internal/provider/shell"
)

const (
	defaultModel   = "claude-sonnet-4-5"
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
	maxTokens      = 8192
)

// Config wires the plugin.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string // test override
	HTTPClient *http.Client
	// UseCLIBinary routes execution through the claude binary instead
	// of the messages API.
	UseCLIBinary bool
	ClaudeBinary string
	Throttle     provider.Throttle
}

// New builds the Anthropic plugin.
func New(cfg Config) *provider.Plugin {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.ClaudeBinary == "" {
		cfg.ClaudeBinary = "claude"
	}
	if cfg.Throttle.MaxConcurrent == 0 {
		cfg.Throttle = provider.Throttle{MaxConcurrent: 2, RequestsPerMinute: 20}
	}

	var cli provider.CliExecutor
	if cfg.UseCLIBinary {
		cli = &cliExecutor{binary: cfg.ClaudeBinary}
	} else {
		cli = newDirectExecutor(cfg)
	}
	return &provider.Plugin{
		ID:          domain.ProviderAnthropic,
		DisplayName: "Anthropic Claude",
		DefaultMode: domain.ModeCLI,
		Throttle:    cfg.Throttle,
		CLI:         cli,
	}
}

// directExecutor calls POST /v1/messages once per task.
type directExecutor struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

func newDirectExecutor(cfg Config) *directExecutor {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &directExecutor{apiKey: cfg.APIKey, model: cfg.Model, baseURL: baseURL, http: httpClient}
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (d *directExecutor) Run(ctx context.Context, tc provider.TaskContext) (provider.CliResult, error) {
	if d.apiKey == "" {
		return provider.CliResult{ExitCode: 1},
			provider.NewAuthError("anthropic", fmt.Errorf("ANTHROPIC_API_KEY is not set"))
	}
	prompt := tc.Request.Prompt()
	if prompt == "" {
		return provider.CliResult{}, provider.NewPermanent(fmt.Errorf("anthropic: request %s has no prompt", tc.Request.ID))
	}

	reqBody, err := json.Marshal(map[string]any{
		"model":      d.model,
		"max_tokens": maxTokens,
		"system":     "You are an equity research analyst. Respond only with a JSON object containing an analysis_summary and a recommendations array.",
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	})
	if err != nil {
		return provider.CliResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return provider.CliResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", d.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := d.http.Do(req)
	if err != nil {
		return provider.CliResult{ExitCode: 1}, provider.NewTransient(fmt.Errorf("anthropic: messages call: %w", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.CliResult{ExitCode: 1}, provider.NewTransient(fmt.Errorf("anthropic: read response: %w", err))
	}

	var decoded messagesResponse
	decodeErr := json.Unmarshal(raw, &decoded)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := string(raw)
		if decodeErr == nil && decoded.Error != nil {
			detail = decoded.Error.Message
		}
		return provider.CliResult{ExitCode: 1}, classifyStatus(resp.StatusCode, detail)
	}
	if decodeErr != nil {
		return provider.CliResult{ExitCode: 1}, provider.NewPermanent(fmt.Errorf("anthropic: decode response: %w", decodeErr))
	}

	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	dir := artifact.Dir(tc.ArtifactDir)
	doc := map[string]any{
		"model":       d.model,
		"text":        text.String(),
		"stop_reason": decoded.StopReason,
	}
	rawDoc, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return provider.CliResult{}, err
	}
	if err := os.WriteFile(dir.ResponsePath(), rawDoc, 0o644); err != nil {
		return provider.CliResult{}, err
	}

	result := provider.CliResult{
		ExitCode:     0,
		ResponsePath: dir.ResponsePath(),
		Metadata: map[string]string{
			"model":         d.model,
			"output_tokens": fmt.Sprintf("%d", decoded.Usage.OutputTokens),
		},
	}
	trimmed := strings.TrimSpace(text.String())
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		if err := os.WriteFile(dir.StructuredPath(), []byte(trimmed), 0o644); err != nil {
			return provider.CliResult{}, err
		}
		result.StructuredPath = dir.StructuredPath()
	}
	return result, nil
}

func classifyStatus(status int, detail string) error {
	err := fmt.Errorf("anthropic: status %d: %s", status, detail)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provider.NewAuthError("anthropic", err)
	case status == http.StatusTooManyRequests || status == 529 || status >= 500:
		return provider.NewTransient(err)
	default:
		return provider.NewPermanent(err)
	}
}

// cliExecutor shells out to the claude binary.
type cliExecutor struct {
	binary string
}

func (c *cliExecutor) Run(ctx context.Context, tc provider.TaskContext) (provider.CliResult, error) {
	prompt := tc.Request.Prompt()
	if prompt == "" {
		return provider.CliResult{}, provider.NewPermanent(fmt.Errorf("anthropic: request %s has no prompt", tc.Request.ID))
	}
	return shell.Run(ctx, tc, shell.Invocation{
		Binary: c.binary,
		Args:   []string{"-p", prompt, "--output-format", "json"},
	})
}
