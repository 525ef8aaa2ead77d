package gemini

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
		ProviderID: domain.ProviderGemini,
		Mode:       domain.ModeBatch,
		State:      domain.StatePending,
		Metadata:   map[string]string{"strategy_prompt": "rank semiconductor names"},
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

func TestSerializerWritesRequestLine(t *testing.T) {
	tc := testTaskContext(t)
	s := &serializer{model: "gemini-2.5-flash"}

	res, err := s.Serialize(context.Background(), tc)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(res.PayloadPath, "gemini_payload.jsonl"))

	f, err := os.Open(res.PayloadPath)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var line payloadLine
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
	require.Equal(t, tc.Task.ID.String(), line.Metadata["key"])
	gc, ok := line.Request["generationConfig"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "application/json", gc["responseMimeType"])
}

func TestBatchLifecycle(t *testing.T) {
	state := "BATCH_STATE_RUNNING"
	done := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "key-test", r.Header.Get("x-goog-api-key"))
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":batchGenerateContent"):
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Contains(t, body, "batch")
			fmt.Fprint(w, `{"name":"batches/op123","metadata":{"state":"BATCH_STATE_PENDING"}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/v1beta/batches/op123":
			resp := map[string]any{
				"name":     "batches/op123",
				"done":     done,
				"metadata": map[string]string{"state": state},
			}
			if done {
				resp["response"] = map[string]any{
					"inlinedResponses": map[string]any{
						"inlinedResponses": []map[string]any{{
							"response": map[string]any{
								"candidates": []map[string]any{{
									"content": map[string]any{
										"parts": []map[string]string{{
											"text": `{"recommendations":[{"ticker":"TSM","action":"BUY","confidence":0.7}]}`,
										}},
									},
								}},
							},
						}},
					},
				}
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tc := testTaskContext(t)
	exec := newBatchExecutor("key-test", "gemini-2.5-flash", srv.URL, srv.Client())
	ser := &serializer{model: "gemini-2.5-flash"}
	payload, err := ser.Serialize(context.Background(), tc)
	require.NoError(t, err)

	accepted, err := exec.Submit(context.Background(), tc, payload)
	require.NoError(t, err)
	require.Equal(t, "batches/op123", accepted.ProviderJobID)

	poll, err := exec.Poll(context.Background(), tc, "batches/op123")
	require.NoError(t, err)
	require.Equal(t, provider.PollRunning, poll.Status)

	state = "BATCH_STATE_SUCCEEDED"
	done = true
	poll, err = exec.Poll(context.Background(), tc, "batches/op123")
	require.NoError(t, err)
	require.Equal(t, provider.PollCompleted, poll.Status)

	dl, err := exec.Download(context.Background(), tc, "batches/op123")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(dl.ArtifactPath, "gemini_batch_results.jsonl"))

	raw, err := os.ReadFile(dl.ArtifactPath)
	require.NoError(t, err)
	require.Contains(t, string(raw), "candidates")
	require.Contains(t, string(raw), "TSM")
}

func TestPollMapsJobStates(t *testing.T) {
	cases := []struct {
		state string
		want  provider.PollStatus
	}{
		{"BATCH_STATE_PENDING", provider.PollRunning},
		{"JOB_STATE_RUNNING", provider.PollRunning},
		{"JOB_STATE_SUCCEEDED", provider.PollCompleted},
		{"BATCH_STATE_FAILED", provider.PollFailed},
		{"JOB_STATE_EXPIRED", provider.PollFailed},
	}
	for _, c := range cases {
		state := c.state
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"name":"batches/x","metadata":{"state":%q}}`, state)
		}))
		exec := newBatchExecutor("key-test", "gemini-2.5-flash", srv.URL, srv.Client())
		poll, err := exec.Poll(context.Background(), testTaskContext(t), "batches/x")
		require.NoError(t, err)
		require.Equal(t, c.want, poll.Status, "state %s", c.state)
		srv.Close()
	}
}

func TestMissingKeyIsAuthError(t *testing.T) {
	tc := testTaskContext(t)
	exec := newBatchExecutor("", "gemini-2.5-flash", "http://unused.invalid", nil)
	ser := &serializer{model: "gemini-2.5-flash"}
	payload, err := ser.Serialize(context.Background(), tc)
	require.NoError(t, err)

	_, err = exec.Submit(context.Background(), tc, payload)
	require.Equal(t, provider.KindAuth, provider.Classify(err))
}

func TestRateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	exec := newBatchExecutor("key-test", "gemini-2.5-flash", srv.URL, srv.Client())
	_, err := exec.Poll(context.Background(), testTaskContext(t), "batches/x")
	require.Equal(t, provider.KindTransient, provider.Classify(err))
}
