// Package localsim is a deterministic in-process batch provider. It
// backs the "custom" provider ID and doubles as a test stand-in for the
// real batch APIs: submissions complete instantly and downloads write a
// canned result derived from the request.
package localsim

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/foliosai/folios/internal/artifact"
	"github.com/foliosai/folios/internal/domain"
	"github.com/foliosai/folios/internal/provider"
)

// Metadata keys the simulator reads off the request.
const (
	// MetaTicker overrides the ticker of the canned recommendation.
	MetaTicker = "sim_ticker"
	// MetaAction overrides the action of the canned recommendation.
	MetaAction = "sim_action"
	// MetaFail makes the simulated job report a provider-side failure.
	MetaFail = "sim_fail"
)

// New builds the plugin for the local simulator.
func New() *provider.Plugin {
	sim := &simulator{jobs: map[string]jobState{}}
	return &provider.Plugin{
		ID:          domain.ProviderCustom,
		DisplayName: "Local Simulator",
		DefaultMode: domain.ModeBatch,
		Throttle:    provider.Throttle{MaxConcurrent: 8},
		Serializer:  sim,
		Batch:       sim,
	}
}

type jobState struct {
	fail   bool
	prompt string
}

type simulator struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]jobState
}

type payloadRecord struct {
	RequestID string `json:"request_id"`
	Prompt    string `json:"prompt"`
}

func (s *simulator) Serialize(_ context.Context, tc provider.TaskContext) (provider.SerializeResult, error) {
	dir := artifact.Dir(tc.ArtifactDir)
	record := payloadRecord{RequestID: tc.Request.ID.String(), Prompt: tc.Request.Prompt()}
	raw, err := json.Marshal(record)
	if err != nil {
		return provider.SerializeResult{}, err
	}
	path := dir.PayloadPath(tc.Request.ProviderID)
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return provider.SerializeResult{}, err
	}
	return provider.SerializeResult{PayloadPath: path, ContentType: "application/jsonl", Records: 1}, nil
}

func (s *simulator) Submit(_ context.Context, tc provider.TaskContext, payload provider.SerializeResult) (provider.SubmitResult, error) {
	if _, err := os.Stat(payload.PayloadPath); err != nil {
		return provider.SubmitResult{}, provider.NewPermanent(fmt.Errorf("missing payload: %w", err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	jobID := fmt.Sprintf("local_%06d", s.seq)
	s.jobs[jobID] = jobState{
		fail:   tc.Request.Metadata[MetaFail] == "true",
		prompt: tc.Request.Prompt(),
	}
	return provider.SubmitResult{ProviderJobID: jobID, Metadata: map[string]string{"simulated": "true"}}, nil
}

func (s *simulator) Poll(_ context.Context, _ provider.TaskContext, jobID string) (provider.PollResult, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return provider.PollResult{}, provider.NewPermanent(fmt.Errorf("unknown simulated job %q", jobID))
	}
	if job.fail {
		return provider.PollResult{Status: provider.PollFailed, Detail: "simulated failure"}, nil
	}
	return provider.PollResult{Status: provider.PollCompleted}, nil
}

func (s *simulator) Download(_ context.Context, tc provider.TaskContext, jobID string) (provider.DownloadResult, error) {
	s.mu.Lock()
	_, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return provider.DownloadResult{}, provider.NewPermanent(fmt.Errorf("unknown simulated job %q", jobID))
	}

	ticker := tc.Request.Metadata[MetaTicker]
	if ticker == "" {
		ticker = "SIM"
	}
	action := tc.Request.Metadata[MetaAction]
	if action == "" {
		action = "BUY"
	}
	line := map[string]any{
		"custom_id": tc.Task.ID.String(),
		"response": map[string]any{
			"body": map[string]any{
				"analysis_summary": "simulated analysis",
				"recommendations": []map[string]any{{
					"ticker":             strings.ToUpper(ticker),
					"action":             action,
					"allocation_percent": 10,
					"confidence":         0.5,
					"rationale":          "deterministic simulator output",
				}},
			},
		},
	}
	raw, err := json.Marshal(line)
	if err != nil {
		return provider.DownloadResult{}, err
	}
	dir := artifact.Dir(tc.ArtifactDir)
	path := dir.BatchResultsPath(tc.Request.ProviderID)
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return provider.DownloadResult{}, err
	}
	return provider.DownloadResult{ArtifactPath: path, ContentType: "application/jsonl"}, nil
}
