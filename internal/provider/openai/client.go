package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/foliosai/folios/internal/provider"
)

const defaultBaseURL = "https://api.openai.com"

// Client is a minimal REST client for the OpenAI file and batch APIs.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewClient(apiKey, baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{apiKey: apiKey, baseURL: baseURL, http: httpClient}
}

type fileObject struct {
	ID      string `json:"id"`
	Purpose string `json:"purpose"`
}

type batchObject struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	InputFileID   string `json:"input_file_id"`
	OutputFileID  string `json:"output_file_id"`
	ErrorFileID   string `json:"error_file_id"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
	Errors *struct {
		Data []struct {
			Message string `json:"message"`
		} `json:"data"`
	} `json:"errors"`
}

type apiError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// UploadBatchFile uploads a JSONL payload with purpose=batch and
// returns the file ID.
func (c *Client) UploadBatchFile(ctx context.Context, path string) (string, error) {
	if err := c.requireKey(); err != nil {
		return "", err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return "", provider.NewPermanent(fmt.Errorf("openai: read payload: %w", err))
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(payload); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out fileObject
	if err := c.do(ctx, http.MethodPost, "/v1/files", mw.FormDataContentType(), &body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// CreateBatch submits an uploaded file to the batch endpoint.
func (c *Client) CreateBatch(ctx context.Context, inputFileID string) (batchObject, error) {
	if err := c.requireKey(); err != nil {
		return batchObject{}, err
	}
	reqBody, err := json.Marshal(map[string]string{
		"input_file_id":     inputFileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	})
	if err != nil {
		return batchObject{}, err
	}
	var out batchObject
	if err := c.do(ctx, http.MethodPost, "/v1/batches", "application/json", bytes.NewReader(reqBody), &out); err != nil {
		return batchObject{}, err
	}
	return out, nil
}

// GetBatch fetches the current state of a batch job.
func (c *Client) GetBatch(ctx context.Context, batchID string) (batchObject, error) {
	if err := c.requireKey(); err != nil {
		return batchObject{}, err
	}
	var out batchObject
	if err := c.do(ctx, http.MethodGet, "/v1/batches/"+batchID, "", nil, &out); err != nil {
		return batchObject{}, err
	}
	return out, nil
}

// DownloadFile streams a file's content to localPath.
func (c *Client) DownloadFile(ctx context.Context, fileID, localPath string) error {
	if err := c.requireKey(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/files/"+fileID+"/content", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.NewTransient(fmt.Errorf("openai: download: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, string(body))
	}

	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return provider.NewTransient(fmt.Errorf("openai: stream file: %w", err))
	}
	return nil
}

func (c *Client) requireKey() error {
	if c.apiKey == "" {
		return provider.NewAuthError("openai", fmt.Errorf("OPENAI_API_KEY is not set"))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.NewTransient(fmt.Errorf("openai: %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.NewTransient(fmt.Errorf("openai: read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		detail := string(raw)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != nil {
			detail = apiErr.Error.Message
		}
		return classifyStatus(resp.StatusCode, detail)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return provider.NewPermanent(fmt.Errorf("openai: decode response: %w", err))
		}
	}
	return nil
}

// classifyStatus maps an HTTP status onto the error taxonomy.
func classifyStatus(status int, detail string) error {
	err := fmt.Errorf("openai: status %d: %s", status, detail)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provider.NewAuthError("openai", err)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return provider.NewTransient(err)
	default:
		return provider.NewPermanent(err)
	}
}
