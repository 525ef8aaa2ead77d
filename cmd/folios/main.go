// Command folios runs the research request orchestrator.
//
// Subcommands:
//
//	serve              run the dispatch/poll/harvest loops and the status API
//	dispatch -refs F   create requests from a JSON file of strategy refs
//	status             print current requests and their lifecycle states
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foliosai/folios/internal/artifact"
	"github.com/foliosai/folios/internal/config"
	"github.com/foliosai/folios/internal/domain"
	"github.com/foliosai/folios/internal/lifecycle"
	"github.com/foliosai/folios/internal/orchestrator"
	"github.com/foliosai/folios/internal/provider"
	"github.com/foliosai/folios/internal/provider/anthropic"
	"github.com/foliosai/folios/internal/provider/gemini"
	"github.com/foliosai/folios/internal/provider/localsim"
	"github.com/foliosai/folios/internal/provider/openai"
	"github.com/foliosai/folios/internal/runtime"
	"github.com/foliosai/folios/internal/server"
	"github.com/foliosai/folios/internal/store"
	"github.com/foliosai/folios/internal/throttle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := buildLogger(cfg.Env)
	defer log.Sync()

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	app, err := buildApp(cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer app.store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = app.serve(ctx, cfg)
	case "dispatch":
		err = app.dispatch(ctx, args)
	case "status":
		err = app.status(ctx)
	default:
		err = fmt.Errorf("unknown command %q (want serve, dispatch, or status)", cmd)
	}
	if err != nil {
		log.Fatal("command failed", zap.String("command", cmd), zap.Error(err))
	}
}

func buildLogger(env string) *zap.Logger {
	if env == "local" {
		log, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return log
}

type app struct {
	store *store.SQL
	orch  *orchestrator.Orchestrator
	srv   *server.Server
	log   *zap.Logger
}

func buildApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	var st *store.SQL
	var err error
	if cfg.Store.PostgresDSN != "" {
		st, err = store.OpenPostgres(cfg.Store.PostgresDSN)
	} else {
		st, err = store.OpenSQLite(cfg.Store.SQLitePath)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var mirror *artifact.S3Mirror
	if cfg.MirrorOn {
		mirror, err = artifact.NewS3Mirror(cfg.Mirror)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("artifact mirror: %w", err)
		}
		log.Info("artifact mirroring enabled", zap.String("bucket", cfg.Mirror.Bucket))
	}

	registry := provider.NewRegistry()
	plugins := []*provider.Plugin{
		openai.New(openai.Config{
			APIKey:   cfg.Providers.OpenAI.APIKey,
			Model:    cfg.Providers.OpenAI.Model,
			Throttle: providerThrottle(cfg.Providers.OpenAI),
		}),
		anthropic.New(anthropic.Config{
			APIKey:       cfg.Providers.Anthropic.APIKey,
			Model:        cfg.Providers.Anthropic.Model,
			UseCLIBinary: cfg.Providers.UseCLIBinaries,
			Throttle:     providerThrottle(cfg.Providers.Anthropic),
		}),
		gemini.New(gemini.Config{
			APIKey:       cfg.Providers.Gemini.APIKey,
			Model:        cfg.Providers.Gemini.Model,
			UseCLIBinary: cfg.Providers.UseCLIBinaries,
			Throttle:     providerThrottle(cfg.Providers.Gemini),
		}),
		localsim.New(),
	}
	for _, p := range plugins {
		if err := registry.Register(p); err != nil {
			st.Close()
			return nil, err
		}
	}

	engine := lifecycle.New(st, cfg.Runtime.MaxAttempts, log)
	gates := throttle.NewSet()
	opts := runtime.Options{
		MaxRetries:  cfg.Runtime.MaxRetries,
		BackoffBase: cfg.Runtime.BackoffBase,
	}
	batch := runtime.NewBatch(st, engine, gates, mirror, log, opts)
	cli := runtime.NewCli(st, engine, gates, mirror, log, opts)
	orch := orchestrator.New(st, registry, gates, batch, cli, engine, cfg.ArtifactRoot, cfg.Runtime.Staleness, log)

	return &app{
		store: st,
		orch:  orch,
		srv:   server.New(st, cfg.ArtifactRoot, log),
		log:   log,
	}, nil
}

func providerThrottle(pc config.ProviderConfig) provider.Throttle {
	return provider.Throttle{
		MaxConcurrent:     pc.MaxConcurrent,
		RequestsPerMinute: pc.RequestsPerMinute,
	}
}

// serve runs the status API and the recurring sweeps until the
// context is cancelled.
func (a *app) serve(ctx context.Context, cfg *config.Config) error {
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("status api listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	a.sweep(ctx, g, "run_pending", cfg.Runtime.DispatchInterval, a.orch.RunPending)
	a.sweep(ctx, g, "poll", cfg.Runtime.PollInterval, a.orch.PollPending)
	a.sweep(ctx, g, "harvest", cfg.Runtime.HarvestInterval, a.orch.HarvestAwaiting)
	a.sweep(ctx, g, "retry_failed", cfg.Runtime.DispatchInterval, a.orch.RetryFailed)

	return g.Wait()
}

func (a *app) sweep(ctx context.Context, g *errgroup.Group, name string, interval time.Duration, fn func(context.Context) error) {
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			if err := fn(ctx); err != nil {
				a.log.Error("sweep failed", zap.String("sweep", name), zap.Error(err))
			}
		}
	})
}

// dispatch reads strategy refs from a JSON file and creates requests
// for them. The serve loops pick up anything the throttle defers.
func (a *app) dispatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	refsPath := fs.String("refs", "", "path to a JSON array of strategy refs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *refsPath == "" {
		return fmt.Errorf("dispatch: -refs is required")
	}

	raw, err := os.ReadFile(*refsPath)
	if err != nil {
		return err
	}
	var refs []orchestrator.StrategyRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return fmt.Errorf("dispatch: parse %s: %w", *refsPath, err)
	}

	created, err := a.orch.Dispatch(ctx, refs)
	if err != nil {
		return err
	}
	a.log.Info("dispatch complete",
		zap.Int("refs", len(refs)),
		zap.Int("created", len(created)),
	)
	for _, id := range created {
		fmt.Println(id)
	}
	return nil
}

func (a *app) status(ctx context.Context) error {
	reqs, err := a.store.ListRequests(ctx, store.RequestFilter{Limit: 50})
	if err != nil {
		return err
	}
	for _, req := range reqs {
		line := fmt.Sprintf("%s  %-10s %-6s %-16s %s",
			req.ID, req.ProviderID, req.Mode, req.State, req.CreatedAt.Format(time.RFC3339))
		if req.State == domain.StateFailed {
			if task, err := a.store.ActiveTask(ctx, req.ID); err == nil {
				if code := runtime.ExitCodeLabel(task.ExitCode); code != "" {
					line += "  exit=" + code
				}
				line += "  " + task.Metadata[runtime.MetaError]
			}
		}
		fmt.Println(line)
	}
	return nil
}
