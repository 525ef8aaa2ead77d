// Package orchestrator owns request creation and the recurring sweeps
// that move batch work forward. It is the only component that creates
// requests; runtimes only advance them.
package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foliosai/folios/internal/artifact"
	"github.com/foliosai/folios/internal/domain"
	"github.com/foliosai/folios/internal/lifecycle"
	"github.com/foliosai/folios/internal/provider"
	"github.com/foliosai/folios/internal/runtime"
	"github.com/foliosai/folios/internal/store"
	"github.com/foliosai/folios/internal/throttle"
)

// StrategyRef is one dispatchable unit of research: a strategy paired
// with the provider that should research it. Strategy storage itself
// lives outside this system; callers hand in refs.
type StrategyRef struct {
	StrategyID   uuid.UUID              `json:"strategy_id"`
	Prompt       string                 `json:"prompt"`
	Provider     domain.ProviderID      `json:"provider"`
	Mode         domain.ExecutionMode   `json:"mode,omitempty"` // zero value: plugin default
	RequestType  domain.RequestType     `json:"request_type,omitempty"`
	Priority     domain.RequestPriority `json:"priority,omitempty"`
	ScheduledFor *time.Time             `json:"scheduled_for,omitempty"`
	Metadata     map[string]string      `json:"metadata,omitempty"`
}

// Orchestrator wires the store, registry, throttles, and runtimes into
// the dispatch/poll/harvest cycle.
type Orchestrator struct {
	store        *store.SQL
	registry     *provider.Registry
	gates        *throttle.Set
	batch        *runtime.Batch
	cli          *runtime.Cli
	engine       *lifecycle.Engine
	artifactRoot string
	staleness    time.Duration
	log          *zap.Logger
}

func New(s *store.SQL, reg *provider.Registry, gates *throttle.Set, batch *runtime.Batch, cli *runtime.Cli, eng *lifecycle.Engine, artifactRoot string, staleness time.Duration, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if staleness <= 0 {
		staleness = 24 * time.Hour
	}
	return &Orchestrator{
		store:        s,
		registry:     reg,
		gates:        gates,
		batch:        batch,
		cli:          cli,
		engine:       eng,
		artifactRoot: artifactRoot,
		staleness:    staleness,
		log:          log,
	}
}

// Dispatch creates requests for every ref that needs fresh research and
// routes them to their runtime. Refs with a recent SUCCEEDED request or
// an in-flight one are skipped. Provider wiring is validated before any
// request row is written, so a misconfigured ref never leaves a
// half-created request behind. Returns the IDs of created requests.
func (o *Orchestrator) Dispatch(ctx context.Context, refs []StrategyRef) ([]uuid.UUID, error) {
	var created []uuid.UUID
	for _, ref := range refs {
		id, err := o.dispatchOne(ctx, ref)
		if err != nil {
			o.log.Error("dispatch failed",
				zap.String("strategy_id", ref.StrategyID.String()),
				zap.String("provider", string(ref.Provider)),
				zap.Error(err),
			)
			continue
		}
		if id != uuid.Nil {
			created = append(created, id)
		}
	}
	return created, nil
}

func (o *Orchestrator) dispatchOne(ctx context.Context, ref StrategyRef) (uuid.UUID, error) {
	plugin, err := o.registry.Get(ref.Provider)
	if err != nil {
		return uuid.Nil, err
	}
	mode := ref.Mode
	if mode == "" {
		mode = plugin.DefaultMode
	}
	if _, err := o.registry.Require(ref.Provider, mode); err != nil {
		return uuid.Nil, err
	}

	if last, ok, err := o.store.LastSucceededAt(ctx, ref.StrategyID, ref.Provider); err != nil {
		return uuid.Nil, err
	} else if ok && time.Since(last) < o.staleness {
		return uuid.Nil, nil
	}
	if live, err := o.store.HasLiveRequest(ctx, ref.StrategyID, ref.Provider); err != nil {
		return uuid.Nil, err
	} else if live {
		return uuid.Nil, nil
	}

	now := time.Now().UTC()
	reqType := ref.RequestType
	if reqType == "" {
		reqType = domain.RequestResearch
	}
	priority := ref.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	meta := map[string]string{}
	for k, v := range ref.Metadata {
		meta[k] = v
	}
	if ref.Prompt != "" {
		meta["strategy_prompt"] = ref.Prompt
	}

	req := &domain.Request{
		ID:           uuid.New(),
		StrategyID:   ref.StrategyID,
		ProviderID:   ref.Provider,
		Mode:         mode,
		RequestType:  reqType,
		Priority:     priority,
		State:        domain.StatePending,
		Metadata:     meta,
		ScheduledFor: ref.ScheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	taskID := uuid.New()
	task := &domain.ExecutionTask{
		ID:          taskID,
		RequestID:   req.ID,
		Sequence:    1,
		Mode:        mode,
		State:       domain.StatePending,
		ArtifactDir: artifact.DirFor(o.artifactRoot, req.ID, taskID).String(),
		Metadata:    map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.CreateRequest(ctx, req, task); err != nil {
		return uuid.Nil, err
	}
	o.log.Info("request created",
		zap.String("request_id", req.ID.String()),
		zap.String("strategy_id", ref.StrategyID.String()),
		zap.String("provider", string(ref.Provider)),
		zap.String("mode", string(mode)),
	)

	o.route(ctx, plugin, req, task)
	return req.ID, nil
}

// route sends a pending task into its runtime if its schedule is due
// and the provider has concurrency headroom. Admission counts the
// provider's non-terminal submitted tasks in the store, RUNNING plus
// AWAITING_RESULTS, so work that outlives the submitting call (batch
// jobs, unharvested results) keeps occupying capacity. A provider at
// its bound defers the task: it stays PENDING and the next sweep picks
// it up again.
func (o *Orchestrator) route(ctx context.Context, plugin *provider.Plugin, req *domain.Request, task *domain.ExecutionTask) {
	if req.ScheduledFor != nil && req.ScheduledFor.After(time.Now().UTC()) {
		return
	}
	inFlight, err := o.store.CountInFlightTasks(ctx, plugin.ID)
	if err != nil {
		o.log.Error("in-flight count failed",
			zap.String("provider", string(plugin.ID)),
			zap.Error(err),
		)
		return
	}
	if inFlight >= o.gates.For(plugin.ID, plugin.Throttle).Capacity() {
		o.log.Debug("provider at concurrency bound, task deferred",
			zap.String("task_id", task.ID.String()),
			zap.String("provider", string(plugin.ID)),
			zap.Int("in_flight", inFlight),
		)
		return
	}
	switch task.Mode {
	case domain.ModeBatch:
		err = o.batch.Submit(ctx, plugin, req, task)
	case domain.ModeCLI:
		err = o.cli.Run(ctx, plugin, req, task)
	}
	if err != nil {
		o.log.Error("task routing failed",
			zap.String("task_id", task.ID.String()),
			zap.Error(err),
		)
	}
}

// RunPending sweeps tasks stuck in PENDING or SCHEDULED (deferred by a
// saturated provider, held by scheduled_for, or orphaned by a restart)
// and routes them again.
func (o *Orchestrator) RunPending(ctx context.Context) error {
	tasks, err := o.store.ListTasksByState(ctx, domain.StatePending, domain.StateScheduled)
	if err != nil {
		return err
	}
	pairs, err := o.loadPairs(ctx, tasks)
	if err != nil {
		return err
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return priorityRank(pairs[i].req.Priority) > priorityRank(pairs[j].req.Priority)
	})
	for _, p := range pairs {
		plugin, err := o.registry.Get(p.req.ProviderID)
		if err != nil {
			o.log.Error("unknown provider on stored task",
				zap.String("task_id", p.task.ID.String()),
				zap.Error(err),
			)
			continue
		}
		o.route(ctx, plugin, p.req, p.task)
	}
	return nil
}

// PollPending polls every RUNNING batch task once. One task's failure
// never aborts the sweep.
func (o *Orchestrator) PollPending(ctx context.Context) error {
	tasks, err := o.store.ListTasksByState(ctx, domain.StateRunning)
	if err != nil {
		return err
	}
	pairs, err := o.loadPairs(ctx, tasks)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if p.task.Mode != domain.ModeBatch {
			continue
		}
		plugin, err := o.registry.Get(p.req.ProviderID)
		if err != nil {
			continue
		}
		if err := o.batch.PollOnce(ctx, plugin, p.req, p.task); err != nil {
			o.log.Error("poll failed",
				zap.String("task_id", p.task.ID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// HarvestAwaiting harvests every AWAITING_RESULTS task once.
func (o *Orchestrator) HarvestAwaiting(ctx context.Context) error {
	tasks, err := o.store.ListTasksByState(ctx, domain.StateAwaitingResults)
	if err != nil {
		return err
	}
	pairs, err := o.loadPairs(ctx, tasks)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		plugin, err := o.registry.Get(p.req.ProviderID)
		if err != nil {
			continue
		}
		if err := o.batch.Harvest(ctx, plugin, p.req, p.task); err != nil {
			o.log.Error("harvest failed",
				zap.String("task_id", p.task.ID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// RetryFailed sweeps FAILED and TIMED_OUT tasks whose request is still
// live. While the request has attempts left, a fresh task is appended
// and routed; once attempts are exhausted the request is finalized to
// the last task's state. The sweep also repairs a crash between a
// task's terminal transition and the request's.
func (o *Orchestrator) RetryFailed(ctx context.Context) error {
	tasks, err := o.store.ListTasksByState(ctx, domain.StateFailed, domain.StateTimedOut)
	if err != nil {
		return err
	}
	pairs, err := o.loadPairs(ctx, tasks)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if p.req.State.IsTerminal() {
			continue
		}
		active, err := o.store.ActiveTask(ctx, p.req.ID)
		if err != nil || active.ID != p.task.ID {
			// A newer attempt already supersedes this one.
			continue
		}
		if p.task.Sequence >= o.engine.MaxAttempts() {
			if err := o.engine.FinalizeRequest(ctx, p.req, p.task.State, "attempts exhausted"); err != nil {
				o.log.Error("request finalization failed",
					zap.String("request_id", p.req.ID.String()),
					zap.Error(err),
				)
			}
			continue
		}
		retry, err := o.engine.NewAttempt(ctx, p.req, o.artifactRoot)
		if err != nil {
			o.log.Error("retry attempt failed",
				zap.String("request_id", p.req.ID.String()),
				zap.Error(err),
			)
			continue
		}
		plugin, err := o.registry.Get(p.req.ProviderID)
		if err != nil {
			continue
		}
		o.route(ctx, plugin, p.req, &retry)
	}
	return nil
}

type pair struct {
	req  *domain.Request
	task *domain.ExecutionTask
}

func (o *Orchestrator) loadPairs(ctx context.Context, tasks []domain.ExecutionTask) ([]pair, error) {
	out := make([]pair, 0, len(tasks))
	for i := range tasks {
		task := tasks[i]
		req, err := o.store.GetRequest(ctx, task.RequestID)
		if err != nil {
			o.log.Error("orphaned task",
				zap.String("task_id", task.ID.String()),
				zap.Error(err),
			)
			continue
		}
		out = append(out, pair{req: &req, task: &task})
	}
	return out, nil
}

func priorityRank(p domain.RequestPriority) int {
	switch p {
	case domain.PriorityCritical:
		return 3
	case domain.PriorityHigh:
		return 2
	case domain.PriorityNormal:
		return 1
	default:
		return 0
	}
}
