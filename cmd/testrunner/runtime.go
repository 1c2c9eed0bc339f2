package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/testrunner/artifact"
	"github.com/GoCodeAlone/testrunner/config"
	"github.com/GoCodeAlone/testrunner/executor"
	"github.com/GoCodeAlone/testrunner/lock"
	"github.com/GoCodeAlone/testrunner/metrics"
	"github.com/GoCodeAlone/testrunner/notify"
	"github.com/GoCodeAlone/testrunner/observability/tracing"
	"github.com/GoCodeAlone/testrunner/orchestrator"
	"github.com/GoCodeAlone/testrunner/queue"
	"github.com/GoCodeAlone/testrunner/report"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/GoCodeAlone/testrunner/workspace"
)

// runtime is the wired component graph for one process.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	pg        *store.PGStore
	repo      store.Repository
	locker    lock.Locker
	inspector lock.Inspector
	broker    queue.Broker

	metrics *metrics.Collector
	tracing *tracing.Provider
	tracer  *tracing.RunTracer

	workspace  *workspace.Manager
	executors  executor.Registry
	mftf       *executor.MFTFExecutor
	collector  *artifact.Collector
	archive    artifact.Archive
	reports    *report.Generator
	dispatcher *notify.Dispatcher
	orch       *orchestrator.Orchestrator

	closers []func()
}

func newRuntime(c *cli) *runtime {
	return &runtime{cfg: c.cfg, logger: c.logger}
}

// openStore connects to PostgreSQL.
func openStore(ctx context.Context, c *cli) (*runtime, error) {
	if c.cfg.Database.URL == "" {
		return nil, errors.New("database.url (or TESTRUNNER_DATABASE_URL) is required")
	}
	pg, err := store.NewPGStore(ctx, c.cfg.Database)
	if err != nil {
		return nil, err
	}
	rt := newRuntime(c)
	rt.pg, rt.repo = pg, pg
	rt.closers = append(rt.closers, pg.Close)
	return rt, nil
}

// openLocker selects Redis when an address is configured and falls back to
// the in-process locker otherwise.
func (rt *runtime) openLocker(ctx context.Context) error {
	if rt.cfg.Lock.Redis.Address == "" {
		rt.logger.Warn("No Redis address configured, locks are local to this process")
		ml := lock.NewMemoryLocker()
		rt.locker, rt.inspector = ml, ml
		return nil
	}
	rl, err := lock.NewRedisLocker(ctx, rt.cfg.Lock.Redis, rt.logger)
	if err != nil {
		return err
	}
	rt.locker, rt.inspector = rl, rl
	rt.closers = append(rt.closers, func() { _ = rl.Close() })
	return nil
}

// openBroker connects the configured message broker.
func (rt *runtime) openBroker(ctx context.Context) error {
	switch rt.cfg.Queue.Backend {
	case "jetstream":
		b, err := queue.NewJetStreamBroker(ctx, rt.cfg.Queue.JetStream, rt.logger)
		if err != nil {
			return err
		}
		rt.broker = b
	default:
		rt.logger.Warn("Using the in-process queue, messages are lost on exit")
		rt.broker = queue.NewMemoryBroker(queue.WithConcurrency(rt.cfg.Queue.JetStream.Concurrency), queue.WithLogger(rt.logger))
	}
	b := rt.broker
	rt.closers = append(rt.closers, func() { _ = b.Close() })
	return nil
}

// openTelemetry builds the metrics collector and the tracer provider.
func (rt *runtime) openTelemetry(ctx context.Context) error {
	rt.metrics = metrics.New(rt.cfg.Metrics)
	tp, err := tracing.NewProvider(ctx, rt.cfg.Tracing)
	if err != nil {
		return err
	}
	rt.tracing = tp
	rt.tracer = tracing.NewRunTracer(tp.Tracer())
	rt.closers = append(rt.closers, func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			rt.logger.Warn("Tracer shutdown failed", "error", err)
		}
	})
	return nil
}

// openPipeline wires the orchestrator and its collaborators. The locker
// must be open; the broker is optional.
func (rt *runtime) openPipeline(ctx context.Context) error {
	cfg := rt.cfg
	rt.workspace = workspace.NewManager(cfg.Workspace, rt.locker, rt.logger)

	rt.mftf = executor.NewMFTFExecutor(cfg.Executors.MFTF, rt.logger)
	playwright := executor.NewPlaywrightExecutor(cfg.Executors.Playwright, rt.logger)
	rt.executors = executor.NewRegistry(rt.mftf, playwright)

	shared := rt.mftf.SharedResultsPath(rt.workspace.ModulePath())
	artCfg := cfg.Artifacts.Config
	if artCfg.SharedRoot == "" {
		artCfg.SharedRoot = shared
	}
	rt.collector = artifact.NewCollector(artCfg, rt.logger)

	if cfg.Artifacts.S3.Bucket != "" {
		a, err := artifact.NewS3Archive(ctx, cfg.Artifacts.S3)
		if err != nil {
			return err
		}
		rt.archive = a
	}

	var builder report.Builder
	switch cfg.Report.Builder {
	case "http":
		builder = report.NewHTTPBuilder(cfg.Report.ServiceURL, cfg.Report.Timeout)
	default:
		builder = report.NewCLIBuilder(cfg.Report.Binary, cfg.Report.Timeout)
	}
	repCfg := cfg.Report.Config
	if repCfg.SharedResultsRoot == "" {
		repCfg.SharedResultsRoot = shared
	}
	rt.reports = report.NewGenerator(repCfg, builder, rt.locker, rt.repo.Reports(), rt.logger)
	rt.closers = append(rt.closers, rt.reports.Close)

	var slack *notify.Slack
	if cfg.Notify.Slack.WebhookURL != "" {
		slack = notify.NewSlack(cfg.Notify.Slack, rt.logger)
	}
	var mailer notify.Mailer
	if cfg.Notify.SMTP.Host != "" {
		mailer = notify.NewSMTPMailer(cfg.Notify.SMTP)
	}
	rt.dispatcher = notify.NewDispatcher(slack, mailer, rt.repo.Recipients(), rt.logger)
	rt.dispatcher.SetObserver(rt.metrics.RecordNotification)

	deps := orchestrator.Dependencies{
		Repository: rt.repo,
		Executors:  rt.executors,
		Workspace:  rt.workspace,
		Artifacts:  rt.collector,
		Reports:    rt.reports,
		Notifier:   rt.dispatcher,
		Locker:     rt.locker,
		Archive:    rt.archive,
		Metrics:    rt.metrics,
		Tracer:     rt.tracer,
	}
	if rt.broker != nil {
		deps.Publisher = rt.broker
	}
	orch, err := orchestrator.New(cfg.Orchestrator(), deps, rt.logger)
	if err != nil {
		return err
	}
	rt.orch = orch
	return nil
}

// openAll wires every component a worker or run command needs.
func openAll(ctx context.Context, c *cli, withBroker bool) (*runtime, error) {
	rt, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	steps := []func(context.Context) error{rt.openTelemetry, rt.openLocker}
	if withBroker {
		steps = append(steps, rt.openBroker)
	}
	steps = append(steps, rt.openPipeline)
	for _, step := range steps {
		if err := step(ctx); err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// findEnvironment resolves an environment by id, code or name.
func (rt *runtime) findEnvironment(ctx context.Context, ref string) (*store.TestEnvironment, error) {
	if id, err := parseID(ref); err == nil {
		return rt.repo.Environments().GetEnvironment(ctx, id)
	}
	envs, err := rt.repo.Environments().ListEnvironments(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, e := range envs {
		if e.Code == ref || e.Name == ref || e.Slug() == ref {
			return e, nil
		}
	}
	return nil, fmt.Errorf("environment %q: %w", ref, store.ErrNotFound)
}
