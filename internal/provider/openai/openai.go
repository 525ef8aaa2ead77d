// Package openai integrates the OpenAI batch API and the codex CLI.
// Batch submissions go through the file-upload/batch-create REST flow;
// results come back as a chat-completions JSONL stream the unified
// parser understands.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/foliosai/folios/internal/artifact"
	"github.com/foliosai/folios/internal/domain"
	"github.com/foliosai/folios/internal/provider"
	"github.com/foliosai/folios/internal/provider/shell"
)

const defaultModel = "gpt-4o"

// Config wires the plugin.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string // test override
	HTTPClient  *http.Client
	CodexBinary string
	Throttle    provider.Throttle
}

// New builds the OpenAI plugin: batch by default, codex CLI as the
// synchronous path.
func New(cfg Config) *provider.Plugin {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.CodexBinary == "" {
		cfg.CodexBinary = "codex"
	}
	if cfg.Throttle.MaxConcurrent == 0 {
		cfg.Throttle = provider.Throttle{MaxConcurrent: 4, RequestsPerMinute: 30}
	}
	client := NewClient(cfg.APIKey, cfg.BaseURL, cfg.HTTPClient)
	return &provider.Plugin{
		ID:          domain.ProviderOpenAI,
		DisplayName: "OpenAI",
		DefaultMode: domain.ModeBatch,
		Throttle:    cfg.Throttle,
		Serializer:  &serializer{model: cfg.Model},
		Batch:       &batchExecutor{client: client},
		CLI:         &codexExecutor{binary: cfg.CodexBinary},
	}
}

// serializer writes one chat-completions batch record per task. The
// response format pins the canonical recommendation schema so the model
// answers in a shape the parser takes on the fast path.
type serializer struct {
	model string
}

type batchRecord struct {
	CustomID string         `json:"custom_id"`
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Body     map[string]any `json:"body"`
}

func (s *serializer) Serialize(_ context.Context, tc provider.TaskContext) (provider.SerializeResult, error) {
	prompt := tc.Request.Prompt()
	if prompt == "" {
		return provider.SerializeResult{}, provider.NewPermanent(fmt.Errorf("openai: request %s has no prompt", tc.Request.ID))
	}

	record := batchRecord{
		CustomID: tc.Task.ID.String(),
		Method:   http.MethodPost,
		URL:      "/v1/chat/completions",
		Body: map[string]any{
			"model": s.model,
			"messages": []map[string]string{
				{"role": "system", "content": "You are an equity research analyst. Respond only with JSON matching the given schema."},
				{"role": "user", "content": prompt},
			},
			"response_format": map[string]any{
				"type": "json_schema",
				"json_schema": map[string]any{
					"name":   "research_recommendations",
					"schema": recommendationSchema(),
				},
			},
		},
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return provider.SerializeResult{}, err
	}

	dir := artifact.Dir(tc.ArtifactDir)
	path := dir.PayloadPath(domain.ProviderOpenAI)
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return provider.SerializeResult{}, err
	}
	return provider.SerializeResult{PayloadPath: path, ContentType: "application/jsonl", Records: 1}, nil
}

func recommendationSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"analysis_summary": map[string]any{"type": "string"},
			"recommendations": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"ticker":             map[string]any{"type": "string"},
						"action":             map[string]any{"type": "string", "enum": []string{"BUY", "SELL", "HOLD", "SELL_SHORT"}},
						"allocation_percent": map[string]any{"type": "number"},
						"confidence":         map[string]any{"type": "number"},
						"rationale":          map[string]any{"type": "string"},
					},
					"required": []string{"ticker", "action"},
				},
			},
		},
		"required": []string{"recommendations"},
	}
}

// batchExecutor drives the OpenAI batch REST protocol.
type batchExecutor struct {
	client *Client
}

func (b *batchExecutor) Submit(ctx context.Context, tc provider.TaskContext, payload provider.SerializeResult) (provider.SubmitResult, error) {
	fileID, err := b.client.UploadBatchFile(ctx, payload.PayloadPath)
	if err != nil {
		return provider.SubmitResult{}, err
	}
	batch, err := b.client.CreateBatch(ctx, fileID)
	if err != nil {
		return provider.SubmitResult{}, err
	}
	if !strings.HasPrefix(batch.ID, "batch_") {
		return provider.SubmitResult{}, provider.NewPermanent(fmt.Errorf("openai: unexpected batch id %q", batch.ID))
	}
	return provider.SubmitResult{
		ProviderJobID: batch.ID,
		Metadata: map[string]string{
			"input_file_id": fileID,
			"batch_status":  batch.Status,
		},
	}, nil
}

func (b *batchExecutor) Poll(ctx context.Context, _ provider.TaskContext, jobID string) (provider.PollResult, error) {
	batch, err := b.client.GetBatch(ctx, jobID)
	if err != nil {
		return provider.PollResult{}, err
	}

	meta := map[string]string{"batch_status": batch.Status}
	switch batch.Status {
	case "validating", "in_progress", "finalizing", "cancelling":
		return provider.PollResult{Status: provider.PollRunning, Metadata: meta}, nil
	case "completed":
		return provider.PollResult{Status: provider.PollCompleted, Metadata: meta}, nil
	case "failed", "expired", "cancelled":
		detail := batch.Status
		if batch.Errors != nil && len(batch.Errors.Data) > 0 {
			detail = fmt.Sprintf("%s: %s", batch.Status, batch.Errors.Data[0].Message)
		}
		return provider.PollResult{Status: provider.PollFailed, Detail: detail, Metadata: meta}, nil
	default:
		return provider.PollResult{}, provider.NewTransient(fmt.Errorf("openai: unknown batch status %q", batch.Status))
	}
}

func (b *batchExecutor) Download(ctx context.Context, tc provider.TaskContext, jobID string) (provider.DownloadResult, error) {
	batch, err := b.client.GetBatch(ctx, jobID)
	if err != nil {
		return provider.DownloadResult{}, err
	}
	fileID := batch.OutputFileID
	if fileID == "" {
		fileID = batch.ErrorFileID
	}
	if fileID == "" {
		return provider.DownloadResult{}, provider.NewPermanent(fmt.Errorf("openai: batch %s has no output file", jobID))
	}

	dir := artifact.Dir(tc.ArtifactDir)
	path := dir.BatchResultsPath(domain.ProviderOpenAI)
	if err := b.client.DownloadFile(ctx, fileID, path); err != nil {
		return provider.DownloadResult{}, err
	}
	return provider.DownloadResult{ArtifactPath: path, ContentType: "application/jsonl"}, nil
}

// codexExecutor runs the codex CLI for the synchronous path.
type codexExecutor struct {
	binary string
}

func (c *codexExecutor) Run(ctx context.Context, tc provider.TaskContext) (provider.CliResult, error) {
	prompt := tc.Request.Prompt()
	if prompt == "" {
		return provider.CliResult{}, provider.NewPermanent(fmt.Errorf("openai: request %s has no prompt", tc.Request.ID))
	}
	return shell.Run(ctx, tc, shell.Invocation{
		Binary: c.binary,
		Args:   []string{"exec", "--json", prompt},
	})
}
