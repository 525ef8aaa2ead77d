package gemini

import (
	"bufio"
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
)

const defaultBatchBaseURL = "https://generativelanguage.googleapis.com"

// batchExecutor drives the generative language batch API over REST with
// inlined requests: submit returns a long-running batch name, poll maps
// its state, download rewrites the inlined responses into a JSONL
// stream in the candidates/parts shape.
type batchExecutor struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

func newBatchExecutor(apiKey, model, baseURL string, httpClient *http.Client) *batchExecutor {
	if baseURL == "" {
		baseURL = defaultBatchBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &batchExecutor{apiKey: apiKey, model: model, baseURL: baseURL, http: httpClient}
}

type batchOperation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Metadata struct {
		State string `json:"state"`
	} `json:"metadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response struct {
		InlinedResponses struct {
			InlinedResponses []struct {
				Response json.RawMessage `json:"response"`
				Error    *struct {
					Message string `json:"message"`
				} `json:"error"`
			} `json:"inlinedResponses"`
		} `json:"inlinedResponses"`
	} `json:"response"`
}

func (b *batchExecutor) Submit(ctx context.Context, tc provider.TaskContext, payload provider.SerializeResult) (provider.SubmitResult, error) {
	if b.apiKey == "" {
		return provider.SubmitResult{}, provider.NewAuthError("gemini", fmt.Errorf("GEMINI_API_KEY is not set"))
	}
	requests, err := readPayloadLines(payload.PayloadPath)
	if err != nil {
		return provider.SubmitResult{}, err
	}

	body := map[string]any{
		"batch": map[string]any{
			"displayName": "folios-" + tc.Task.ID.String(),
			"inputConfig": map[string]any{
				"requests": map[string]any{"requests": requests},
			},
		},
	}
	var op batchOperation
	path := fmt.Sprintf("/v1beta/models/%s:batchGenerateContent", b.model)
	if err := b.do(ctx, http.MethodPost, path, body, &op); err != nil {
		return provider.SubmitResult{}, err
	}
	if op.Name == "" {
		return provider.SubmitResult{}, provider.NewPermanent(fmt.Errorf("gemini: batch create returned no operation name"))
	}
	return provider.SubmitResult{
		ProviderJobID: op.Name,
		Metadata:      map[string]string{"batch_state": op.Metadata.State},
	}, nil
}

func (b *batchExecutor) Poll(ctx context.Context, _ provider.TaskContext, jobID string) (provider.PollResult, error) {
	op, err := b.getOperation(ctx, jobID)
	if err != nil {
		return provider.PollResult{}, err
	}

	meta := map[string]string{"batch_state": op.Metadata.State}
	switch stateSuffix(op.Metadata.State) {
	case "PENDING", "RUNNING":
		return provider.PollResult{Status: provider.PollRunning, Metadata: meta}, nil
	case "SUCCEEDED":
		return provider.PollResult{Status: provider.PollCompleted, Metadata: meta}, nil
	case "FAILED", "CANCELLED", "EXPIRED":
		detail := op.Metadata.State
		if op.Error != nil {
			detail = op.Error.Message
		}
		return provider.PollResult{Status: provider.PollFailed, Detail: detail, Metadata: meta}, nil
	}
	// Some responses omit the state and only flip done.
	if op.Done {
		if op.Error != nil {
			return provider.PollResult{Status: provider.PollFailed, Detail: op.Error.Message, Metadata: meta}, nil
		}
		return provider.PollResult{Status: provider.PollCompleted, Metadata: meta}, nil
	}
	return provider.PollResult{Status: provider.PollRunning, Metadata: meta}, nil
}

func (b *batchExecutor) Download(ctx context.Context, tc provider.TaskContext, jobID string) (provider.DownloadResult, error) {
	op, err := b.getOperation(ctx, jobID)
	if err != nil {
		return provider.DownloadResult{}, err
	}
	if !op.Done {
		return provider.DownloadResult{}, provider.NewTransient(fmt.Errorf("gemini: batch %s not done yet", jobID))
	}

	var buf bytes.Buffer
	for _, inlined := range op.Response.InlinedResponses.InlinedResponses {
		if inlined.Error != nil {
			line, _ := json.Marshal(map[string]string{"error": inlined.Error.Message})
			buf.Write(line)
			buf.WriteByte('\n')
			continue
		}
		buf.Write(inlined.Response)
		buf.WriteByte('\n')
	}

	dir := artifact.Dir(tc.ArtifactDir)
	path := dir.BatchResultsPath(domain.ProviderGemini)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return provider.DownloadResult{}, err
	}
	return provider.DownloadResult{ArtifactPath: path, ContentType: "application/jsonl"}, nil
}

func (b *batchExecutor) getOperation(ctx context.Context, name string) (batchOperation, error) {
	if b.apiKey == "" {
		return batchOperation{}, provider.NewAuthError("gemini", fmt.Errorf("GEMINI_API_KEY is not set"))
	}
	var op batchOperation
	if err := b.do(ctx, http.MethodGet, "/v1beta/"+name, nil, &op); err != nil {
		return batchOperation{}, err
	}
	return op, nil
}

func (b *batchExecutor) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("x-goog-api-key", b.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return provider.NewTransient(fmt.Errorf("gemini: %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.NewTransient(fmt.Errorf("gemini: read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return provider.NewPermanent(fmt.Errorf("gemini: decode response: %w", err))
		}
	}
	return nil
}

func classifyStatus(status int, detail string) error {
	err := fmt.Errorf("gemini: status %d: %s", status, detail)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provider.NewAuthError("gemini", err)
	case status == http.StatusTooManyRequests || status >= 500:
		return provider.NewTransient(err)
	default:
		return provider.NewPermanent(err)
	}
}

// stateSuffix normalizes BATCH_STATE_* and JOB_STATE_* to the bare verb.
func stateSuffix(state string) string {
	if i := strings.LastIndex(state, "_"); i >= 0 {
		return state[i+1:]
	}
	return state
}

func readPayloadLines(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, provider.NewPermanent(fmt.Errorf("gemini: read payload: %w", err))
	}
	defer f.Close()

	var out []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out = append(out, json.RawMessage(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, provider.NewPermanent(fmt.Errorf("gemini: empty payload %s", path))
	}
	return out, nil
}
