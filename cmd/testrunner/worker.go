package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/GoCodeAlone/testrunner/config"
	"github.com/GoCodeAlone/testrunner/cronjob"
	"github.com/GoCodeAlone/testrunner/queue"
	"github.com/GoCodeAlone/testrunner/scheduler"
	"github.com/GoCodeAlone/testrunner/watchdog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func newWorkerCommand(c *cli) *cobra.Command {
	var withScheduler, withWatchdog, watchConfig bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume phase, cron job and scheduled run messages",
		Long: `Run a queue worker. Phase messages are gated per environment so at most one
run's phase is in flight against an environment at a time.

Examples:
  testrunner worker
  testrunner worker --with-scheduler --with-watchdog`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), c, withScheduler, withWatchdog, watchConfig)
		},
	}
	cmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "Also run the cron scheduler in this process")
	cmd.Flags().BoolVar(&withWatchdog, "with-watchdog", false, "Also run the stall watchdog in this process")
	cmd.Flags().BoolVar(&watchConfig, "watch-config", true, "Reload the log level when the config file changes")
	return cmd
}

func runWorker(ctx context.Context, c *cli, withScheduler, withWatchdog, watchConfig bool) error {
	rt, err := openAll(ctx, c, true)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	gate := queue.NewEnvironmentGate(rt.locker, rt.cfg.Lock.EnvironmentTTL, rt.cfg.Lock.RequeueDelay, logger)
	gate.OnContention = func(string) { rt.metrics.RecordLockContention("environment") }

	jobs, err := cronjob.New(rt.cfg.CronJobs, cronjob.Dependencies{
		Jobs:    rt.repo.CronJobs(),
		Locker:  rt.locker,
		Metrics: rt.metrics,
		Tracer:  rt.tracer,
	}, logger)
	if err != nil {
		return err
	}

	subs := map[string]queue.Handler{
		queue.SubjectPhase:        gate.Wrap(queue.PhaseKey, rt.orch.HandlePhase),
		queue.SubjectCronJob:      jobs.Handle,
		queue.SubjectScheduledRun: rt.orch.HandleScheduledRun,
	}
	for subject, h := range subs {
		if err := rt.broker.Subscribe(ctx, subject, h); err != nil {
			return err
		}
		logger.Info("Subscribed", "subject", subject)
	}

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{Addr: rt.cfg.Metrics.Address, Handler: otelhttp.NewHandler(metricsMux(rt), "testrunner-worker"), ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		logger.Info("Serving metrics", "addr", srv.Addr, "path", rt.metrics.Path())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if withScheduler {
		s, err := newScheduler(rt)
		if err != nil {
			return err
		}
		g.Go(func() error { return s.Start(gctx) })
	}
	if withWatchdog {
		w, err := newWatchdog(rt, rt.cfg.Watchdog)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}
	if watchConfig && c.configPath != "" {
		w := config.NewWatcher(c.configPath, rt.cfg, func(r config.Reload) {
			if err := setLevel(c.level, r.Config.Log.Level); err != nil {
				logger.Warn("Ignoring invalid log level", "error", err)
			}
			if !config.OnlyReloadable(r.Changed) {
				logger.Warn("Configuration changed, restart to apply", "sections", r.Changed)
			}
		}, config.WithLogger(logger))
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				logger.Warn("Config watcher disabled", "error", err)
			}
			return nil
		})
	}

	logger.Info("Worker started", "queue", rt.cfg.Queue.Backend, "scheduler", withScheduler, "watchdog", withWatchdog)
	err = g.Wait()
	logger.Info("Worker stopping")
	return err
}

func metricsMux(rt *runtime) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(rt.metrics.Path(), rt.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func newScheduler(rt *runtime) (*scheduler.Scheduler, error) {
	var pub queue.Publisher
	if rt.broker != nil {
		pub = rt.broker
	}
	return scheduler.New(rt.cfg.Scheduler, pub, rt.locker, rt.logger,
		scheduler.NewCronJobSchedule(rt.repo.CronJobs()),
		scheduler.NewSuiteSchedule(rt.repo.Suites()),
	)
}

func newWatchdog(rt *runtime, cfg watchdog.Config) (*watchdog.Watchdog, error) {
	return watchdog.New(cfg, watchdog.Dependencies{
		Runs:    rt.repo.Runs(),
		Locker:  rt.locker,
		Metrics: rt.metrics,
		Tracer:  rt.tracer,
	}, rt.logger)
}
