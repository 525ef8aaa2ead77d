package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	genai "google.golang.org/genai"

	"github.com/foliosai/folios/internal/artifact"
	"github.com/foliosai/folios/internal/provider"
)

// directExecutor performs one synchronous GenerateContent call through
// the official SDK. The client is created lazily on first use; the SDK
// reads GEMINI_API_KEY from the environment.
type directExecutor struct {
	apiKey string
	model  string

	once      sync.Once
	client    *genai.Client
	clientErr error
}

func newDirectExecutor(apiKey, model string) *directExecutor {
	return &directExecutor{apiKey: apiKey, model: model}
}

func (d *directExecutor) init(ctx context.Context) (*genai.Client, error) {
	d.once.Do(func() {
		d.client, d.clientErr = genai.NewClient(ctx, &genai.ClientConfig{Backend: genai.BackendGeminiAPI})
	})
	return d.client, d.clientErr
}

func (d *directExecutor) Run(ctx context.Context, tc provider.TaskContext) (provider.CliResult, error) {
	if d.apiKey == "" && os.Getenv("GEMINI_API_KEY") == "" {
		return provider.CliResult{ExitCode: 1},
			provider.NewAuthError("gemini", fmt.Errorf("GEMINI_API_KEY is not set"))
	}
	prompt := tc.Request.Prompt()
	if prompt == "" {
		return provider.CliResult{}, provider.NewPermanent(fmt.Errorf("gemini: request %s has no prompt", tc.Request.ID))
	}

	client, err := d.init(ctx)
	if err != nil {
		return provider.CliResult{ExitCode: 1}, provider.NewTransient(err)
	}

	resp, err := client.Models.GenerateContent(ctx, d.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return provider.CliResult{ExitCode: 1}, classifySDKError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return provider.CliResult{ExitCode: 1},
			provider.NewPermanent(fmt.Errorf("gemini: empty response for request %s", tc.Request.ID))
	}
	text := resp.Candidates[0].Content.Parts[0].Text

	dir := artifact.Dir(tc.ArtifactDir)
	doc := map[string]any{"model": d.model, "text": text}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return provider.CliResult{}, err
	}
	if err := os.WriteFile(dir.ResponsePath(), raw, 0o644); err != nil {
		return provider.CliResult{}, err
	}

	result := provider.CliResult{
		ExitCode:     0,
		ResponsePath: dir.ResponsePath(),
		Metadata:     map[string]string{"model": d.model},
	}
	// application/json responses usually arrive as a bare JSON object.
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		if err := os.WriteFile(dir.StructuredPath(), []byte(trimmed), 0o644); err != nil {
			return provider.CliResult{}, err
		}
		result.StructuredPath = dir.StructuredPath()
	}
	return result, nil
}

func classifySDKError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "api key") || strings.Contains(msg, "unauthenticated") || strings.Contains(msg, "permission") {
		return provider.NewAuthError("gemini", err)
	}
	if strings.Contains(msg, "invalid") || strings.Contains(msg, "not found") {
		return provider.NewPermanent(err)
	}
	return provider.NewTransient(err)
}
