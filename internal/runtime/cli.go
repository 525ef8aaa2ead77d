package runtime

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/foliosai/folios/internal/artifact"
	"github.com/foliosai/folios/internal/domain"
	"github.com/foliosai/folios/internal/lifecycle"
	"github.com/foliosai/folios/internal/parser"
	"github.com/foliosai/folios/internal/provider"
	"github.com/foliosai/folios/internal/store"
	"github.com/foliosai/folios/internal/throttle"
)

// Cli runs tasks synchronously: one provider invocation, subprocess or
// direct SDK call, completing within the call.
type Cli struct {
	deps
}

func NewCli(s *store.SQL, eng *lifecycle.Engine, gates *throttle.Set, mirror *artifact.S3Mirror, log *zap.Logger, opts Options) *Cli {
	return &Cli{deps: newDeps(s, eng, gates, mirror, log, opts)}
}

// Run executes the task. Outcomes:
//   - exit 0 with structured output: parsed and SUCCEEDED immediately
//   - exit 0 without structured output: AWAITING_RESULTS, left for a
//     later harvest pass to extract
//   - auth failure or non-zero exit: FAILED with the verbatim error and
//     exit code recorded on the task
//   - transient failures past the retry ceiling: TIMED_OUT
func (c *Cli) Run(ctx context.Context, plugin *provider.Plugin, req *domain.Request, task *domain.ExecutionTask) error {
	if task.State.IsTerminal() {
		return nil
	}

	gate := c.gates.For(plugin.ID, plugin.Throttle)
	if err := gate.Acquire(ctx); err != nil {
		return err
	}
	defer gate.Release()

	dir := artifact.Dir(task.ArtifactDir)
	if err := dir.Ensure(); err != nil {
		return err
	}
	if prompt := req.Prompt(); prompt != "" {
		if err := os.WriteFile(dir.PromptPath(), []byte(prompt), 0o644); err != nil {
			return err
		}
	}
	tc := taskContext(req, task)

	if plugin.Serializer != nil {
		if _, err := plugin.Serializer.Serialize(ctx, tc); err != nil {
			return c.fail(ctx, req, task, err, "payload serialization failed")
		}
	}
	if err := c.engine.Advance(ctx, req, task, domain.StateRunning, "execution started", nil); err != nil {
		return err
	}

	res, err := c.runWithRetry(ctx, plugin, tc)
	if res.ExitCode != 0 || err == nil {
		if serr := c.store.SetExitCode(ctx, task.ID, res.ExitCode); serr != nil {
			return serr
		}
		code := res.ExitCode
		task.ExitCode = &code
	}
	if merr := c.store.MergeTaskMetadata(ctx, task.ID, res.Metadata); merr != nil {
		return merr
	}
	if err != nil {
		if provider.Retryable(err) && task.Retries >= c.opts.MaxRetries {
			attrs := map[string]string{
				MetaError:     err.Error(),
				MetaErrorKind: string(provider.KindTransient),
				"retries":     strconv.Itoa(task.Retries),
			}
			if merr := c.store.MergeTaskMetadata(ctx, task.ID, attrs); merr != nil {
				return merr
			}
			return c.engine.Advance(ctx, req, task, domain.StateTimedOut, "execution retry ceiling reached", attrs)
		}
		return c.fail(ctx, req, task, err, "execution failed")
	}
	if res.ExitCode != 0 {
		cause := provider.NewPermanent(fmt.Errorf("exit code %d", res.ExitCode))
		return c.fail(ctx, req, task, cause, "execution exited non-zero")
	}

	parsed, err := c.parse(ctx, plugin, tc)
	if err != nil {
		return c.fail(ctx, req, task, err, "result parsing failed")
	}
	if parsed.Source == parser.SourceEmpty && res.StructuredPath == "" {
		// The call succeeded but nothing structured was extracted.
		// Harvest gets a later shot at the raw response.
		return c.engine.Advance(ctx, req, task, domain.StateAwaitingResults,
			"no structured output extracted", nil)
	}
	return c.finishParsed(ctx, req, task, parsed)
}

// runWithRetry retries transient failures with exponential backoff up
// to the retry ceiling, persisting the counter on the task. Auth and
// permanent failures return immediately.
func (c *Cli) runWithRetry(ctx context.Context, plugin *provider.Plugin, tc provider.TaskContext) (provider.CliResult, error) {
	var last error
	for attempt := 0; ; attempt++ {
		res, err := plugin.CLI.Run(ctx, tc)
		if err == nil {
			return res, nil
		}
		if !provider.Retryable(err) {
			return res, err
		}
		last = err

		retries, rerr := c.store.IncrementRetries(ctx, tc.Task.ID)
		if rerr != nil {
			return res, rerr
		}
		tc.Task.Retries = retries
		if retries >= c.opts.MaxRetries {
			return res, last
		}
		c.log.Warn("transient execution failure",
			zap.String("task_id", tc.Task.ID.String()),
			zap.Int("retries", retries),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(c.opts.BackoffBase * time.Duration(1<<attempt)):
		}
	}
}

// ExitCodeLabel formats an exit code for status reporting.
func ExitCodeLabel(code *int) string {
	if code == nil {
		return ""
	}
	return strconv.Itoa(*code)
}
