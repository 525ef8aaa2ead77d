package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/foliosai/folios/internal/artifact"
	"github.com/foliosai/folios/internal/domain"
	"github.com/foliosai/folios/internal/lifecycle"
	"github.com/foliosai/folios/internal/parser"
	"github.com/foliosai/folios/internal/provider"
	"github.com/foliosai/folios/internal/store"
	"github.com/foliosai/folios/internal/throttle"
)

type fakeSerializer struct {
	err   error
	calls int
}

func (f *fakeSerializer) Serialize(_ context.Context, tc provider.TaskContext) (provider.SerializeResult, error) {
	f.calls++
	if f.err != nil {
		return provider.SerializeResult{}, f.err
	}
	dir := artifact.Dir(tc.ArtifactDir)
	path := dir.PayloadPath(tc.Request.ProviderID)
	if err := os.WriteFile(path, []byte(`{"prompt":"x"}`+"\n"), 0o644); err != nil {
		return provider.SerializeResult{}, err
	}
	return provider.SerializeResult{PayloadPath: path, ContentType: "application/jsonl", Records: 1}, nil
}

type fakeBatch struct {
	jobID     string
	submitErr error

	pollQueue []pollStep
	pollCalls int

	downloadErr   error
	downloadCalls int
	resultLines   []string
}

type pollStep struct {
	res provider.PollResult
	err error
}

func (f *fakeBatch) Submit(_ context.Context, _ provider.TaskContext, _ provider.SerializeResult) (provider.SubmitResult, error) {
	if f.submitErr != nil {
		return provider.SubmitResult{}, f.submitErr
	}
	return provider.SubmitResult{ProviderJobID: f.jobID, Metadata: map[string]string{"submitted": "yes"}}, nil
}

func (f *fakeBatch) Poll(_ context.Context, _ provider.TaskContext, _ string) (provider.PollResult, error) {
	step := f.pollQueue[len(f.pollQueue)-1]
	if f.pollCalls < len(f.pollQueue) {
		step = f.pollQueue[f.pollCalls]
	}
	f.pollCalls++
	return step.res, step.err
}

func (f *fakeBatch) Download(_ context.Context, tc provider.TaskContext, _ string) (provider.DownloadResult, error) {
	f.downloadCalls++
	if f.downloadErr != nil {
		return provider.DownloadResult{}, f.downloadErr
	}
	dir := artifact.Dir(tc.ArtifactDir)
	path := dir.BatchResultsPath(tc.Request.ProviderID)
	if err := os.WriteFile(path, []byte(strings.Join(f.resultLines, "\n")+"\n"), 0o644); err != nil {
		return provider.DownloadResult{}, err
	}
	return provider.DownloadResult{ArtifactPath: path, ContentType: "application/jsonl"}, nil
}

type fakeCli struct {
	run   func(tc provider.TaskContext) (provider.CliResult, error)
	calls int
}

func (f *fakeCli) Run(_ context.Context, tc provider.TaskContext) (provider.CliResult, error) {
	f.calls++
	return f.run(tc)
}

type harness struct {
	store  *store.SQL
	engine *lifecycle.Engine
	batch  *Batch
	cli    *Cli
	req    *domain.Request
	task   *domain.ExecutionTask
}

func newHarness(t *testing.T, mode domain.ExecutionMode) *harness {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	eng := lifecycle.New(s, 1, nil)
	gates := throttle.NewSet()
	opts := Options{MaxRetries: 3, BackoffBase: time.Millisecond}

	now := time.Now().UTC()
	req := &domain.Request{
		ID:          uuid.New(),
		StrategyID:  uuid.New(),
		ProviderID:  domain.ProviderOpenAI,
		Mode:        mode,
		RequestType: domain.RequestResearch,
		Priority:    domain.PriorityNormal,
		State:       domain.StatePending,
		Metadata:    map[string]string{"strategy_prompt": "screen for dividend growers"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	task := &domain.ExecutionTask{
		ID:          uuid.New(),
		RequestID:   req.ID,
		Sequence:    1,
		Mode:        mode,
		State:       domain.StatePending,
		ArtifactDir: t.TempDir(),
		Metadata:    map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.CreateRequest(context.Background(), req, task))

	return &harness{
		store:  s,
		engine: eng,
		batch:  NewBatch(s, eng, gates, nil, nil, opts),
		cli:    NewCli(s, eng, gates, nil, nil, opts),
		req:    req,
		task:   task,
	}
}

func batchPlugin(ser *fakeSerializer, batch *fakeBatch) *provider.Plugin {
	return &provider.Plugin{
		ID:          domain.ProviderOpenAI,
		DisplayName: "OpenAI",
		DefaultMode: domain.ModeBatch,
		Throttle:    provider.Throttle{MaxConcurrent: 2},
		Serializer:  ser,
		Batch:       batch,
	}
}

func cliPlugin(cli *fakeCli) *provider.Plugin {
	return &provider.Plugin{
		ID:          domain.ProviderOpenAI,
		DisplayName: "OpenAI",
		DefaultMode: domain.ModeCLI,
		Throttle:    provider.Throttle{MaxConcurrent: 2},
		CLI:         cli,
	}
}

const recLine1 = `{"response":{"body":{"recommendations":[{"ticker":"aapl","action":"BUY","allocation_percent":12,"confidence":0.8}]}}}`
const recLine2 = `{"response":{"body":{"recommendations":[{"ticker":"msft","action":"hold","confidence":70}]}}}`

func TestBatchHappyPath(t *testing.T) {
	h := newHarness(t, domain.ModeBatch)
	ctx := context.Background()
	fb := &fakeBatch{
		jobID: "batch_abc",
		pollQueue: []pollStep{
			{res: provider.PollResult{Status: provider.PollRunning}},
			{res: provider.PollResult{Status: provider.PollCompleted}},
		},
		resultLines: []string{recLine1, recLine2},
	}
	plugin := batchPlugin(&fakeSerializer{}, fb)

	require.NoError(t, h.batch.Submit(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateRunning, h.task.State)
	stored, err := h.store.GetTask(ctx, h.task.ID)
	require.NoError(t, err)
	require.Equal(t, "batch_abc", stored.ProviderJobID)
	require.Equal(t, "yes", stored.Metadata["submitted"])

	require.NoError(t, h.batch.PollOnce(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateRunning, h.task.State, "still running after first poll")
	require.NoError(t, h.batch.PollOnce(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateAwaitingResults, h.task.State)

	require.NoError(t, h.batch.Harvest(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateSucceeded, h.task.State)

	res, ok := h.store.CachedResult(h.task.ID.String())
	require.True(t, ok)
	require.Len(t, res.Recommendations, 2)
	require.Equal(t, "AAPL", res.Recommendations[0].Ticker)
	require.Equal(t, domain.ActionBuy, res.Recommendations[0].Action)
	require.Equal(t, "MSFT", res.Recommendations[1].Ticker)
	require.Equal(t, domain.ActionHold, res.Recommendations[1].Action)

	_, err = os.Stat(filepath.Join(h.task.ArtifactDir, artifact.ParsedFile))
	require.NoError(t, err, "harvest writes parsed.json")
}

func TestSubmitRejectionIsTerminal(t *testing.T) {
	h := newHarness(t, domain.ModeBatch)
	ctx := context.Background()
	fb := &fakeBatch{submitErr: provider.NewPermanent(errors.New("payload too large"))}
	plugin := batchPlugin(&fakeSerializer{}, fb)

	require.NoError(t, h.batch.Submit(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateFailed, h.task.State)

	stored, err := h.store.GetTask(ctx, h.task.ID)
	require.NoError(t, err)
	require.Empty(t, stored.ProviderJobID)
	require.Equal(t, "payload too large", stored.Metadata[MetaError])
	require.Equal(t, string(provider.KindPermanent), stored.Metadata[MetaErrorKind])
}

func TestSubmitSkipsAfterAcceptance(t *testing.T) {
	h := newHarness(t, domain.ModeBatch)
	ctx := context.Background()
	fb := &fakeBatch{jobID: "batch_dup"}
	plugin := batchPlugin(&fakeSerializer{}, fb)

	// A previous run persisted the job ID but crashed before the
	// transition. Submit must not resubmit.
	require.NoError(t, h.store.SetProviderJobID(ctx, h.task.ID, "batch_prior"))
	h.task.ProviderJobID = "batch_prior"

	require.NoError(t, h.batch.Submit(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateRunning, h.task.State)

	stored, err := h.store.GetTask(ctx, h.task.ID)
	require.NoError(t, err)
	require.Equal(t, "batch_prior", stored.ProviderJobID)
}

func TestPollTransientCeilingTimesOut(t *testing.T) {
	h := newHarness(t, domain.ModeBatch)
	ctx := context.Background()
	fb := &fakeBatch{
		jobID:     "batch_flaky",
		pollQueue: []pollStep{{err: provider.NewTransient(errors.New("gateway timeout"))}},
	}
	plugin := batchPlugin(&fakeSerializer{}, fb)
	require.NoError(t, h.batch.Submit(ctx, plugin, h.req, h.task))

	require.NoError(t, h.batch.PollOnce(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateRunning, h.task.State)
	require.NoError(t, h.batch.PollOnce(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateRunning, h.task.State)
	require.NoError(t, h.batch.PollOnce(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateTimedOut, h.task.State)

	stored, err := h.store.GetTask(ctx, h.task.ID)
	require.NoError(t, err)
	require.Equal(t, 3, stored.Retries)
	require.Equal(t, string(provider.KindTransient), stored.Metadata[MetaErrorKind])
}

func TestPollProviderFailure(t *testing.T) {
	h := newHarness(t, domain.ModeBatch)
	ctx := context.Background()
	fb := &fakeBatch{
		jobID:     "batch_bad",
		pollQueue: []pollStep{{res: provider.PollResult{Status: provider.PollFailed, Detail: "expired"}}},
	}
	plugin := batchPlugin(&fakeSerializer{}, fb)
	require.NoError(t, h.batch.Submit(ctx, plugin, h.req, h.task))

	require.NoError(t, h.batch.PollOnce(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateFailed, h.task.State)

	stored, err := h.store.GetTask(ctx, h.task.ID)
	require.NoError(t, err)
	require.Contains(t, stored.Metadata[MetaError], "expired")
}

func TestPollIsNoOpOutsideRunning(t *testing.T) {
	h := newHarness(t, domain.ModeBatch)
	ctx := context.Background()
	fb := &fakeBatch{jobID: "batch_x", pollQueue: []pollStep{{res: provider.PollResult{Status: provider.PollCompleted}}}}
	plugin := batchPlugin(&fakeSerializer{}, fb)

	require.NoError(t, h.batch.PollOnce(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StatePending, h.task.State)
	require.Zero(t, fb.pollCalls)
}

func TestHarvestIsIdempotent(t *testing.T) {
	h := newHarness(t, domain.ModeBatch)
	ctx := context.Background()
	fb := &fakeBatch{
		jobID:       "batch_once",
		pollQueue:   []pollStep{{res: provider.PollResult{Status: provider.PollCompleted}}},
		resultLines: []string{recLine1},
	}
	plugin := batchPlugin(&fakeSerializer{}, fb)
	require.NoError(t, h.batch.Submit(ctx, plugin, h.req, h.task))
	require.NoError(t, h.batch.PollOnce(ctx, plugin, h.req, h.task))
	require.NoError(t, h.batch.Harvest(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateSucceeded, h.task.State)
	require.Equal(t, 1, fb.downloadCalls)

	// A second sweep sees a terminal task and does nothing.
	require.NoError(t, h.batch.Harvest(ctx, plugin, h.req, h.task))
	require.Equal(t, 1, fb.downloadCalls)

	log, err := h.store.TransitionsForRequest(ctx, h.req.ID)
	require.NoError(t, err)
	for _, e := range log {
		if e.NextState == domain.StateSucceeded {
			require.Equal(t, domain.StateAwaitingResults, e.PreviousState)
		}
	}
}

func TestHarvestParseFailureFails(t *testing.T) {
	h := newHarness(t, domain.ModeBatch)
	ctx := context.Background()
	fb := &fakeBatch{
		jobID:       "batch_garbled",
		pollQueue:   []pollStep{{res: provider.PollResult{Status: provider.PollCompleted}}},
		resultLines: []string{`{not json`},
	}
	plugin := batchPlugin(&fakeSerializer{}, fb)
	require.NoError(t, h.batch.Submit(ctx, plugin, h.req, h.task))
	require.NoError(t, h.batch.PollOnce(ctx, plugin, h.req, h.task))
	require.NoError(t, h.batch.Harvest(ctx, plugin, h.req, h.task))

	require.Equal(t, domain.StateFailed, h.task.State)
	stored, err := h.store.GetTask(ctx, h.task.ID)
	require.NoError(t, err)
	require.Equal(t, string(provider.KindParse), stored.Metadata[MetaErrorKind])
}

func TestCliStructuredSuccess(t *testing.T) {
	h := newHarness(t, domain.ModeCLI)
	ctx := context.Background()
	fc := &fakeCli{run: func(tc provider.TaskContext) (provider.CliResult, error) {
		dir := artifact.Dir(tc.ArtifactDir)
		body := `{"recommendations":[{"ticker":"NVDA","action":"BUY","allocation_percent":8,"confidence":0.9}]}`
		if err := os.WriteFile(dir.StructuredPath(), []byte(body), 0o644); err != nil {
			return provider.CliResult{}, err
		}
		return provider.CliResult{ExitCode: 0, StructuredPath: dir.StructuredPath()}, nil
	}}
	plugin := cliPlugin(fc)

	require.NoError(t, h.cli.Run(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateSucceeded, h.task.State)

	res, ok := h.store.CachedResult(h.task.ID.String())
	require.True(t, ok)
	require.Equal(t, parser.SourceStructured, res.Source)
	require.Len(t, res.Recommendations, 1)
	require.Equal(t, "NVDA", res.Recommendations[0].Ticker)

	stored, err := h.store.GetTask(ctx, h.task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExitCode)
	require.Equal(t, 0, *stored.ExitCode)

	_, err = os.Stat(filepath.Join(h.task.ArtifactDir, artifact.PromptFile))
	require.NoError(t, err, "prompt is preserved as an artifact")
}

func TestCliFencedJSONFallback(t *testing.T) {
	h := newHarness(t, domain.ModeCLI)
	ctx := context.Background()
	fc := &fakeCli{run: func(tc provider.TaskContext) (provider.CliResult, error) {
		dir := artifact.Dir(tc.ArtifactDir)
		text := "Here is my analysis.\n```json\n{\"recommendations\":[{\"ticker\":\"msft\",\"action\":\"BUY\",\"allocation_percent\":15}]}\n```\n"
		raw := `{"result":` + mustJSON(text) + `}`
		if err := os.WriteFile(dir.ResponsePath(), []byte(raw), 0o644); err != nil {
			return provider.CliResult{}, err
		}
		return provider.CliResult{ExitCode: 0, ResponsePath: dir.ResponsePath()}, nil
	}}
	plugin := cliPlugin(fc)

	require.NoError(t, h.cli.Run(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateSucceeded, h.task.State)

	res, ok := h.store.CachedResult(h.task.ID.String())
	require.True(t, ok)
	require.Equal(t, parser.SourceFenced, res.Source)
	require.Len(t, res.Recommendations, 1)
	require.Equal(t, "MSFT", res.Recommendations[0].Ticker)
	require.InDelta(t, 15.0, res.Recommendations[0].AllocationPercent, 0.001)
}

func TestCliUnparsedLeftForHarvest(t *testing.T) {
	h := newHarness(t, domain.ModeCLI)
	ctx := context.Background()
	fc := &fakeCli{run: func(tc provider.TaskContext) (provider.CliResult, error) {
		return provider.CliResult{ExitCode: 0}, nil
	}}
	plugin := cliPlugin(fc)

	require.NoError(t, h.cli.Run(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateAwaitingResults, h.task.State)
}

func TestCliAuthFailureFailsFast(t *testing.T) {
	h := newHarness(t, domain.ModeCLI)
	ctx := context.Background()
	fc := &fakeCli{run: func(tc provider.TaskContext) (provider.CliResult, error) {
		return provider.CliResult{ExitCode: 1}, provider.NewAuthError("openai", errors.New("OPENAI_API_KEY is not set"))
	}}
	plugin := cliPlugin(fc)

	require.NoError(t, h.cli.Run(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateFailed, h.task.State)
	require.Equal(t, 1, fc.calls, "auth failures are not retried")

	stored, err := h.store.GetTask(ctx, h.task.ID)
	require.NoError(t, err)
	require.Equal(t, string(provider.KindAuth), stored.Metadata[MetaErrorKind])
	require.Contains(t, stored.Metadata[MetaError], "OPENAI_API_KEY is not set")
	require.NotNil(t, stored.ExitCode)
	require.Equal(t, 1, *stored.ExitCode)
	require.Equal(t, 0, stored.Retries)
}

func TestCliNonZeroExitFails(t *testing.T) {
	h := newHarness(t, domain.ModeCLI)
	ctx := context.Background()
	fc := &fakeCli{run: func(tc provider.TaskContext) (provider.CliResult, error) {
		return provider.CliResult{ExitCode: 2}, nil
	}}
	plugin := cliPlugin(fc)

	require.NoError(t, h.cli.Run(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateFailed, h.task.State)

	stored, err := h.store.GetTask(ctx, h.task.ID)
	require.NoError(t, err)
	require.Contains(t, stored.Metadata[MetaError], "exit code 2")
}

func TestCliTransientCeilingTimesOut(t *testing.T) {
	h := newHarness(t, domain.ModeCLI)
	ctx := context.Background()
	fc := &fakeCli{run: func(tc provider.TaskContext) (provider.CliResult, error) {
		return provider.CliResult{}, provider.NewTransient(errors.New("connection reset"))
	}}
	plugin := cliPlugin(fc)

	require.NoError(t, h.cli.Run(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateTimedOut, h.task.State, "exhausted transient retries time out, they do not fail")
	require.Equal(t, 3, fc.calls)

	stored, err := h.store.GetTask(ctx, h.task.ID)
	require.NoError(t, err)
	require.Equal(t, 3, stored.Retries)
	require.Equal(t, string(provider.KindTransient), stored.Metadata[MetaErrorKind])
	require.Contains(t, stored.Metadata[MetaError], "connection reset")
}

func TestCliTransientRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, domain.ModeCLI)
	ctx := context.Background()
	attempts := 0
	fc := &fakeCli{run: func(tc provider.TaskContext) (provider.CliResult, error) {
		attempts++
		if attempts < 3 {
			return provider.CliResult{}, provider.NewTransient(errors.New("connection reset"))
		}
		dir := artifact.Dir(tc.ArtifactDir)
		body := `{"recommendations":[{"ticker":"AMD","action":"BUY"}]}`
		if err := os.WriteFile(dir.StructuredPath(), []byte(body), 0o644); err != nil {
			return provider.CliResult{}, err
		}
		return provider.CliResult{ExitCode: 0, StructuredPath: dir.StructuredPath()}, nil
	}}
	plugin := cliPlugin(fc)

	require.NoError(t, h.cli.Run(ctx, plugin, h.req, h.task))
	require.Equal(t, domain.StateSucceeded, h.task.State)

	stored, err := h.store.GetTask(ctx, h.task.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.Retries)
}

func mustJSON(s string) string {
	raw, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return string(raw)
}
