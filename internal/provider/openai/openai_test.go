package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/foliosai/folios/internal/domain"
	"github.com/foliosai/folios/internal/provider"
)

func testTaskContext(t *testing.T) provider.TaskContext {
	t.Helper()
	now := time.Now().UTC()
	req := &domain.Request{
		ID:         uuid.New(),
		StrategyID: uuid.New(),
		ProviderID: domain.ProviderOpenAI,
		Mode:       domain.ModeBatch,
		State:      domain.StatePending,
		Metadata:   map[string]string{"strategy_prompt": "find three dividend aristocrats"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	task := &domain.ExecutionTask{
		ID:          uuid.New(),
		RequestID:   req.ID,
		Sequence:    1,
		Mode:        domain.ModeBatch,
		State:       domain.StatePending,
		ArtifactDir: t.TempDir(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return provider.TaskContext{Request: req, Task: task, ArtifactDir: task.ArtifactDir}
}

func TestSerializerWritesBatchRecord(t *testing.T) {
	tc := testTaskContext(t)
	s := &serializer{model: "gpt-4o"}

	res, err := s.Serialize(context.Background(), tc)
	require.NoError(t, err)
	require.Equal(t, 1, res.Records)
	require.True(t, strings.HasSuffix(res.PayloadPath, "openai_payload.jsonl"))

	f, err := os.Open(res.PayloadPath)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var record batchRecord
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
	require.Equal(t, tc.Task.ID.String(), record.CustomID)
	require.Equal(t, "/v1/chat/completions", record.URL)
	require.Equal(t, "gpt-4o", record.Body["model"])
	rf, ok := record.Body["response_format"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "json_schema", rf["type"])
}

func TestSerializerRejectsEmptyPrompt(t *testing.T) {
	tc := testTaskContext(t)
	tc.Request.Metadata = nil
	s := &serializer{model: "gpt-4o"}
	_, err := s.Serialize(context.Background(), tc)
	require.Equal(t, provider.KindPermanent, provider.Classify(err))
}

func TestBatchSubmitPollDownload(t *testing.T) {
	status := "in_progress"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/files":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			require.Equal(t, "batch", r.FormValue("purpose"))
			fmt.Fprint(w, `{"id":"file-input1","purpose":"batch"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/batches":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "file-input1", body["input_file_id"])
			require.Equal(t, "/v1/chat/completions", body["endpoint"])
			fmt.Fprint(w, `{"id":"batch_xyz","status":"validating"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/batches/batch_xyz":
			fmt.Fprintf(w, `{"id":"batch_xyz","status":%q,"output_file_id":"file-out1"}`, status)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/files/file-out1/content":
			fmt.Fprintln(w, `{"custom_id":"t1","response":{"body":{"choices":[{"message":{"content":"{\"recommendations\":[{\"ticker\":\"KO\",\"action\":\"BUY\"}]}"}}]}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tc := testTaskContext(t)
	exec := &batchExecutor{client: NewClient("sk-test", srv.URL, srv.Client())}
	ser := &serializer{model: "gpt-4o"}
	payload, err := ser.Serialize(context.Background(), tc)
	require.NoError(t, err)

	accepted, err := exec.Submit(context.Background(), tc, payload)
	require.NoError(t, err)
	require.Equal(t, "batch_xyz", accepted.ProviderJobID)
	require.Equal(t, "file-input1", accepted.Metadata["input_file_id"])

	poll, err := exec.Poll(context.Background(), tc, "batch_xyz")
	require.NoError(t, err)
	require.Equal(t, provider.PollRunning, poll.Status)

	status = "completed"
	poll, err = exec.Poll(context.Background(), tc, "batch_xyz")
	require.NoError(t, err)
	require.Equal(t, provider.PollCompleted, poll.Status)

	dl, err := exec.Download(context.Background(), tc, "batch_xyz")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(dl.ArtifactPath, "openai_batch_results.jsonl"))
	raw, err := os.ReadFile(dl.ArtifactPath)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"custom_id":"t1"`)
}

func TestPollMapsFailureStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"batch_bad","status":"expired","errors":{"data":[{"message":"window elapsed"}]}}`)
	}))
	defer srv.Close()

	exec := &batchExecutor{client: NewClient("sk-test", srv.URL, srv.Client())}
	poll, err := exec.Poll(context.Background(), testTaskContext(t), "batch_bad")
	require.NoError(t, err)
	require.Equal(t, provider.PollFailed, poll.Status)
	require.Contains(t, poll.Detail, "window elapsed")
}

func TestSubmitRejectsUnexpectedBatchID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/files":
			fmt.Fprint(w, `{"id":"file-1"}`)
		case "/v1/batches":
			fmt.Fprint(w, `{"id":"job-123","status":"validating"}`)
		}
	}))
	defer srv.Close()

	tc := testTaskContext(t)
	exec := &batchExecutor{client: NewClient("sk-test", srv.URL, srv.Client())}
	ser := &serializer{model: "gpt-4o"}
	payload, err := ser.Serialize(context.Background(), tc)
	require.NoError(t, err)

	_, err = exec.Submit(context.Background(), tc, payload)
	require.Equal(t, provider.KindPermanent, provider.Classify(err))
	require.Contains(t, err.Error(), "job-123")
}

func TestMissingAPIKeyIsAuthError(t *testing.T) {
	tc := testTaskContext(t)
	exec := &batchExecutor{client: NewClient("", "http://unused.invalid", nil)}
	ser := &serializer{model: "gpt-4o"}
	payload, err := ser.Serialize(context.Background(), tc)
	require.NoError(t, err)

	_, err = exec.Submit(context.Background(), tc, payload)
	require.Equal(t, provider.KindAuth, provider.Classify(err))
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   provider.Kind
	}{
		{http.StatusUnauthorized, provider.KindAuth},
		{http.StatusForbidden, provider.KindAuth},
		{http.StatusTooManyRequests, provider.KindTransient},
		{http.StatusBadGateway, provider.KindTransient},
		{http.StatusBadRequest, provider.KindPermanent},
	}
	for _, c := range cases {
		require.Equal(t, c.kind, provider.Classify(classifyStatus(c.status, "x")), "status %d", c.status)
	}
}
