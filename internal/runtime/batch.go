package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/foliosai/folios/internal/artifact"
	"github.com/foliosai/folios/internal/domain"
	"github.com/foliosai/folios/internal/lifecycle"
	"github.com/foliosai/folios/internal/provider"
	"github.com/foliosai/folios/internal/store"
	"github.com/foliosai/folios/internal/throttle"
)

// Batch drives tasks through the asynchronous provider protocol:
// serialize and submit once, observe via idempotent polls, harvest
// results exactly once.
type Batch struct {
	deps
}

func NewBatch(s *store.SQL, eng *lifecycle.Engine, gates *throttle.Set, mirror *artifact.S3Mirror, log *zap.Logger, opts Options) *Batch {
	return &Batch{deps: newDeps(s, eng, gates, mirror, log, opts)}
}

// Submit serializes the payload and hands it to the provider. The
// accepted job ID is persisted write-once before the task is marked
// RUNNING, so a crash between acceptance and transition can never lead
// to a second submission. A submit rejection is terminal: the attempt
// failed, a retry is a new task.
func (b *Batch) Submit(ctx context.Context, plugin *provider.Plugin, req *domain.Request, task *domain.ExecutionTask) error {
	if task.State.IsTerminal() {
		return nil
	}
	if task.ProviderJobID != "" {
		// Accepted in a previous run; only the transition is missing.
		return b.engine.Advance(ctx, req, task, domain.StateRunning, "batch job accepted",
			map[string]string{"provider_job_id": task.ProviderJobID})
	}

	gate := b.gates.For(plugin.ID, plugin.Throttle)
	if err := gate.Acquire(ctx); err != nil {
		return err
	}
	defer gate.Release()

	dir := artifact.Dir(task.ArtifactDir)
	if err := dir.Ensure(); err != nil {
		return err
	}
	tc := taskContext(req, task)

	payload, err := plugin.Serializer.Serialize(ctx, tc)
	if err != nil {
		return b.fail(ctx, req, task, err, "payload serialization failed")
	}
	if task.State == domain.StatePending {
		if err := b.engine.Advance(ctx, req, task, domain.StateScheduled, "payload serialized",
			map[string]string{"records": strconv.Itoa(payload.Records)}); err != nil {
			return err
		}
	}

	accepted, err := plugin.Batch.Submit(ctx, tc, payload)
	if err != nil {
		return b.fail(ctx, req, task, err, "batch submission rejected")
	}

	if err := b.store.SetProviderJobID(ctx, task.ID, accepted.ProviderJobID); err != nil {
		if errors.Is(err, store.ErrWriteOnce) {
			b.log.Warn("provider job id already recorded",
				zap.String("task_id", task.ID.String()),
				zap.String("provider_job_id", accepted.ProviderJobID),
			)
		} else {
			return err
		}
	} else {
		task.ProviderJobID = accepted.ProviderJobID
	}
	if err := b.store.MergeTaskMetadata(ctx, task.ID, accepted.Metadata); err != nil {
		return err
	}

	return b.engine.Advance(ctx, req, task, domain.StateRunning, "batch job accepted",
		map[string]string{"provider_job_id": task.ProviderJobID})
}

// PollOnce observes a running batch job. Polling is idempotent and
// never submits work: a terminal or not-yet-running task is a no-op.
// Transient poll failures bump the retry counter up to the ceiling,
// after which the task times out.
func (b *Batch) PollOnce(ctx context.Context, plugin *provider.Plugin, req *domain.Request, task *domain.ExecutionTask) error {
	if task.State.IsTerminal() || task.State != domain.StateRunning {
		return nil
	}
	if task.ProviderJobID == "" {
		return fmt.Errorf("poll: task %s is running without a provider job id", task.ID)
	}

	tc := taskContext(req, task)
	res, err := plugin.Batch.Poll(ctx, tc, task.ProviderJobID)
	if err != nil {
		if !provider.Retryable(err) {
			return b.fail(ctx, req, task, err, "batch poll failed")
		}
		retries, rerr := b.store.IncrementRetries(ctx, task.ID)
		if rerr != nil {
			return rerr
		}
		task.Retries = retries
		if retries >= b.opts.MaxRetries {
			attrs := map[string]string{
				MetaError:     err.Error(),
				MetaErrorKind: string(provider.KindTransient),
				"retries":     strconv.Itoa(retries),
			}
			if merr := b.store.MergeTaskMetadata(ctx, task.ID, attrs); merr != nil {
				return merr
			}
			return b.engine.Advance(ctx, req, task, domain.StateTimedOut, "poll retry ceiling reached", attrs)
		}
		b.log.Warn("transient poll failure",
			zap.String("task_id", task.ID.String()),
			zap.Int("retries", retries),
			zap.Error(err),
		)
		return nil
	}

	if err := b.store.MergeTaskMetadata(ctx, task.ID, res.Metadata); err != nil {
		return err
	}
	switch res.Status {
	case provider.PollRunning:
		return nil
	case provider.PollCompleted:
		return b.engine.Advance(ctx, req, task, domain.StateAwaitingResults, "batch job completed", nil)
	case provider.PollFailed:
		return b.fail(ctx, req, task, provider.NewPermanent(fmt.Errorf("provider reported failure: %s", res.Detail)), "batch job failed")
	default:
		return fmt.Errorf("poll: unknown status %q for task %s", res.Status, task.ID)
	}
}

// Harvest downloads and parses the results of a completed batch job.
// Only AWAITING_RESULTS tasks are harvested; a terminal task is a
// no-op, so repeated sweeps over the same task are safe.
func (b *Batch) Harvest(ctx context.Context, plugin *provider.Plugin, req *domain.Request, task *domain.ExecutionTask) error {
	if task.State != domain.StateAwaitingResults {
		return nil
	}

	tc := taskContext(req, task)
	if plugin.SupportsBatch() && task.ProviderJobID != "" {
		if _, err := plugin.Batch.Download(ctx, tc, task.ProviderJobID); err != nil {
			if provider.Retryable(err) {
				b.log.Warn("transient download failure",
					zap.String("task_id", task.ID.String()),
					zap.Error(err),
				)
				return nil
			}
			return b.fail(ctx, req, task, err, "result download failed")
		}
	}

	res, err := b.parse(ctx, plugin, tc)
	if err != nil {
		return b.fail(ctx, req, task, err, "result parsing failed")
	}
	return b.finishParsed(ctx, req, task, res)
}
