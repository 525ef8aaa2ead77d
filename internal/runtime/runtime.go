// Package runtime drives execution tasks through the provider
// protocols: the asynchronous batch submit/poll/download cycle and the
// synchronous cli/direct call. Runtimes never mutate lifecycle state
// directly; every transition goes through the lifecycle engine.
package runtime

import (
	"context"
	"encoding/json"
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

// Metadata keys written onto tasks by the runtimes.
const (
	MetaError     = "error"
	MetaErrorKind = "error_kind"
	MetaSource    = "source"
)

// Options tunes retry behavior shared by both runtimes.
type Options struct {
	// MaxRetries bounds transient failures per task before it times out.
	MaxRetries int
	// BackoffBase is the first delay of the exponential backoff used for
	// inline retries of synchronous calls.
	BackoffBase time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	return o
}

// deps is the wiring both runtimes share.
type deps struct {
	store  *store.SQL
	engine *lifecycle.Engine
	gates  *throttle.Set
	parser *parser.Unified
	mirror *artifact.S3Mirror // nil when mirroring is off
	log    *zap.Logger
	opts   Options
}

func newDeps(s *store.SQL, eng *lifecycle.Engine, gates *throttle.Set, mirror *artifact.S3Mirror, log *zap.Logger, opts Options) deps {
	if log == nil {
		log = zap.NewNop()
	}
	return deps{
		store:  s,
		engine: eng,
		gates:  gates,
		parser: parser.New(),
		mirror: mirror,
		log:    log,
		opts:   opts.withDefaults(),
	}
}

func taskContext(req *domain.Request, task *domain.ExecutionTask) provider.TaskContext {
	return provider.TaskContext{Request: req, Task: task, ArtifactDir: task.ArtifactDir}
}

// fail moves the task to FAILED carrying the verbatim error and its
// classified kind in task metadata so the status API can report it.
func (d deps) fail(ctx context.Context, req *domain.Request, task *domain.ExecutionTask, cause error, message string) error {
	attrs := map[string]string{
		MetaError:     cause.Error(),
		MetaErrorKind: string(provider.Classify(cause)),
	}
	if err := d.store.MergeTaskMetadata(ctx, task.ID, attrs); err != nil {
		return err
	}
	return d.engine.Advance(ctx, req, task, domain.StateFailed, message, attrs)
}

// parse runs the unified parser and falls back to the plugin's own
// parser when the unified chain reports a parse failure.
func (d deps) parse(ctx context.Context, plugin *provider.Plugin, tc provider.TaskContext) (domain.CanonicalResult, error) {
	res, err := d.parser.Parse(ctx, tc)
	if err == nil {
		return res, nil
	}
	if plugin.Parser == nil || provider.Classify(err) != provider.KindParse {
		return domain.CanonicalResult{}, err
	}
	return plugin.Parser.Parse(ctx, tc)
}

// finishParsed persists parsed.json, warms the result cache, mirrors
// artifacts when configured, and marks the task SUCCEEDED.
func (d deps) finishParsed(ctx context.Context, req *domain.Request, task *domain.ExecutionTask, res domain.CanonicalResult) error {
	dir := artifact.Dir(task.ArtifactDir)
	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(dir.ParsedPath(), raw, 0o644); err != nil {
		return err
	}
	d.store.CacheResult(task.ID.String(), res)

	if d.mirror != nil {
		for _, name := range []string{artifact.ParsedFile, artifact.ResponseFile} {
			path := dir.Path(name)
			if _, statErr := os.Stat(path); statErr != nil {
				continue
			}
			if err := d.mirror.MirrorFile(ctx, req.ID.String(), task.ID.String(), path); err != nil {
				d.log.Warn("artifact mirror failed",
					zap.String("task_id", task.ID.String()),
					zap.String("file", name),
					zap.Error(err),
				)
			}
		}
	}

	attrs := map[string]string{
		MetaSource:        res.Source,
		"recommendations": strconv.Itoa(len(res.Recommendations)),
	}
	if err := d.store.MergeTaskMetadata(ctx, task.ID, attrs); err != nil {
		return err
	}
	return d.engine.Advance(ctx, req, task, domain.StateSucceeded, "results harvested", attrs)
}
