// Package watchdog force-fails runs that stopped making progress, for
// example because the worker executing them crashed.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/lock"
	"github.com/GoCodeAlone/testrunner/logging"
	"github.com/GoCodeAlone/testrunner/metrics"
	"github.com/GoCodeAlone/testrunner/observability/tracing"
	"github.com/GoCodeAlone/testrunner/store"
)

// Config configures the Watchdog.
type Config struct {
	// Interval between sweeps when running as a loop.
	Interval time.Duration `yaml:"interval" json:"interval"`
	// StaleMinutes is how long a run may go without an update before it is
	// considered stuck.
	StaleMinutes int `yaml:"stale_minutes" json:"stale_minutes"`
	// Statuses limits the sweep. Empty means every non-terminal status.
	Statuses []store.RunStatus `yaml:"statuses" json:"statuses"`
}

// DefaultConfig returns the watchdog defaults.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, StaleMinutes: 30}
}

// Dependencies are the Watchdog's collaborators. Locker, Metrics and
// Tracer are optional.
type Dependencies struct {
	Runs    store.RunStore
	Locker  lock.Locker
	Metrics *metrics.Collector
	Tracer  *tracing.RunTracer
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Stuck     []*store.TestRun `json:"stuck"`
	Recovered int              `json:"recovered"`
	Failed    int              `json:"failed"`
	DryRun    bool             `json:"dry_run"`
}

// Watchdog detects and recovers stalled runs.
type Watchdog struct {
	cfg     Config
	runs    store.RunStore
	locker  lock.Locker
	metrics *metrics.Collector
	tracer  *tracing.RunTracer
	logger  modular.Logger
	now     func() time.Time
}

// New creates a Watchdog.
func New(cfg Config, deps Dependencies, logger modular.Logger) (*Watchdog, error) {
	if deps.Runs == nil {
		return nil, errors.New("watchdog: run store is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StaleMinutes <= 0 {
		cfg.StaleMinutes = 30
	}
	if len(cfg.Statuses) == 0 {
		cfg.Statuses = store.ActiveRunStatuses()
	}
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	return &Watchdog{
		cfg:     cfg,
		runs:    deps.Runs,
		locker:  deps.Locker,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// SetClock overrides the time source.
func (w *Watchdog) SetClock(now func() time.Time) { w.now = now }

// FindStuckRuns returns runs in one of statuses whose last update is more
// than staleMinutes old.
func (w *Watchdog) FindStuckRuns(ctx context.Context, statuses []store.RunStatus, staleMinutes int) ([]*store.TestRun, error) {
	cutoff := w.now().Add(-time.Duration(staleMinutes) * time.Minute)
	runs, err := w.runs.ListRuns(ctx, store.RunFilter{Statuses: statuses, UpdatedBefore: &cutoff})
	if err != nil {
		return nil, fmt.Errorf("watchdog: list runs: %w", err)
	}
	return runs, nil
}

// Sweep force-fails every stuck run. A failure on one run is logged and
// the sweep moves on. With dryRun set runs are only reported.
func (w *Watchdog) Sweep(ctx context.Context, dryRun bool) (*SweepResult, error) {
	ctx, span := w.tracer.StartSweep(ctx, "watchdog")
	res, err := w.sweep(ctx, dryRun)
	tracing.End(span, err)
	return res, err
}

func (w *Watchdog) sweep(ctx context.Context, dryRun bool) (*SweepResult, error) {
	stuck, err := w.FindStuckRuns(ctx, w.cfg.Statuses, w.cfg.StaleMinutes)
	if err != nil {
		return nil, err
	}
	res := &SweepResult{Stuck: stuck, DryRun: dryRun}
	if len(stuck) == 0 {
		w.logger.Debug("No stuck runs found", "stale_minutes", w.cfg.StaleMinutes)
		return res, nil
	}
	for _, run := range stuck {
		if dryRun {
			w.logger.Info("Stuck run (dry run)", "run", run.ID, "status", run.Status, "updated_at", run.UpdatedAt)
			continue
		}
		if err := w.recover(ctx, run); err != nil {
			res.Failed++
			w.logger.Error("Failed to recover stuck run", "run", run.ID, "error", err)
			continue
		}
		res.Recovered++
	}
	if !dryRun {
		w.logger.Info("Watchdog sweep finished", "stuck", len(stuck), "recovered", res.Recovered, "failed", res.Failed)
	}
	return res, nil
}

func (w *Watchdog) recover(ctx context.Context, run *store.TestRun) error {
	now := w.now().UTC()
	previous, lastUpdate := run.Status, run.UpdatedAt
	msg := fmt.Sprintf("%s: no progress for %d minutes while %s (last update %s)",
		store.StallMessagePrefix, int(now.Sub(lastUpdate).Minutes()), previous, lastUpdate.UTC().Format(time.RFC3339))
	if err := run.Fail(msg, now); err != nil {
		return err
	}
	if err := w.runs.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	w.metrics.RecordWatchdogRecovery()
	w.metrics.RecordRunFinished(string(run.TestType), string(run.Status), string(run.Trigger))
	w.logger.Warn("Recovered stuck run", "run", run.ID, "previous_status", previous, "last_update", lastUpdate)

	// A run stuck while running may still have a live suite process on a
	// worker that lost its store connection. Its lock is left to expire
	// once that worker stops extending it.
	if w.locker != nil && previous != store.RunStatusRunning {
		key := lock.EnvKey(run.EnvironmentID.String())
		err := w.locker.Release(ctx, key, run.ID.String())
		switch {
		case errors.Is(err, lock.ErrNotOwner):
		case err != nil:
			w.logger.Warn("Environment lock release failed", "run", run.ID, "key", key, "error", err)
		}
	}
	return nil
}

// Run sweeps every Interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.logger.Info("Watchdog started", "interval", w.cfg.Interval, "stale_minutes", w.cfg.StaleMinutes)
	for {
		if _, err := w.Sweep(ctx, false); err != nil {
			w.logger.Error("Watchdog sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
