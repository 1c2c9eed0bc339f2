// Package orchestrator drives test runs through their lifecycle: creation,
// the prepare/execute/report/notify/cleanup pipeline, cancellation and
// retries. Phases run either as queue messages handled by workers or inline
// for synchronous runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/artifact"
	"github.com/GoCodeAlone/testrunner/executor"
	"github.com/GoCodeAlone/testrunner/lock"
	"github.com/GoCodeAlone/testrunner/logging"
	"github.com/GoCodeAlone/testrunner/metrics"
	"github.com/GoCodeAlone/testrunner/notify"
	"github.com/GoCodeAlone/testrunner/observability/tracing"
	"github.com/GoCodeAlone/testrunner/queue"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
)

// ErrCancelled is returned by phases that find their run cancelled.
var ErrCancelled = errors.New("run cancelled")

// Workspace prepares the shared test module and per-run scratch space.
type Workspace interface {
	PrepareModule(ctx context.Context) (string, error)
	ModulePath() string
	RunDir(runID string) string
	GetCommitHash(ctx context.Context, path string) string
	Cleanup(path string) error
}

// Artifacts collects screenshots and HTML evidence for runs.
type Artifacts interface {
	RunDir(runID uuid.UUID) string
	CollectArtifacts(run *store.TestRun) (*artifact.Collection, error)
	AssociateScreenshotsWithResults(results []*store.TestResult, screenshots []string) []*store.TestResult
	CollectTestScreenshot(run *store.TestRun, result *store.TestResult) (string, error)
}

// Reports builds Allure reports.
type Reports interface {
	GenerateReport(ctx context.Context, run *store.TestRun, env *store.TestEnvironment, resultDirs []string) (*store.TestReport, error)
	GenerateIncrementalReport(run *store.TestRun, env *store.TestEnvironment, resultDirs []string)
	CopyTestAllureResults(runID uuid.UUID, testID string) (int, error)
	RunResultsDir(runID uuid.UUID) string
}

// Notifier delivers run summaries.
type Notifier interface {
	NotifyRun(ctx context.Context, n *notify.Notification)
}

// Config tunes the orchestrator.
type Config struct {
	// LockTTL bounds how long an environment lock survives a dead worker.
	LockTTL time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
	// LockPollInterval is how often synchronous runs retry a held lock.
	LockPollInterval time.Duration `yaml:"lock_poll_interval" json:"lock_poll_interval"`
	// GateSyncRuns makes synchronous runs wait for the environment lock.
	GateSyncRuns bool `yaml:"gate_sync_runs" json:"gate_sync_runs"`
	// HeartbeatInterval is how often an executing run refreshes its
	// environment lock and last-update time so the watchdog leaves it alone.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	// WatchResults enables incremental evidence collection while suites run.
	WatchResults  bool          `yaml:"watch_results" json:"watch_results"`
	WatchDebounce time.Duration `yaml:"watch_debounce" json:"watch_debounce"`
	// NotifyScheduledRuns sends notifications for runs the scheduler starts.
	NotifyScheduledRuns bool `yaml:"notify_scheduled_runs" json:"notify_scheduled_runs"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		LockTTL:           4*time.Hour + 30*time.Minute,
		LockPollInterval:  5 * time.Second,
		GateSyncRuns:      true,
		HeartbeatInterval: time.Minute,
		WatchResults:      true,
		WatchDebounce:     500 * time.Millisecond,
	}
}

// Dependencies are the collaborators the orchestrator drives. Publisher,
// Locker, Archive, Metrics and Tracer may be nil.
type Dependencies struct {
	Repository store.Repository
	Executors  executor.Registry
	Workspace  Workspace
	Artifacts  Artifacts
	Reports    Reports
	Notifier   Notifier
	Publisher  queue.Publisher
	Locker     lock.Locker
	Archive    artifact.Archive
	Metrics    *metrics.Collector
	Tracer     *tracing.RunTracer
}

// Orchestrator owns the run state machine.
type Orchestrator struct {
	cfg  Config
	deps Dependencies
	repo store.Repository

	logger modular.Logger
	now    func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config, deps Dependencies, logger modular.Logger) (*Orchestrator, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("orchestrator: repository is required")
	}
	if deps.Workspace == nil || deps.Artifacts == nil || deps.Reports == nil {
		return nil, fmt.Errorf("orchestrator: workspace, artifacts and reports are required")
	}
	def := DefaultConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.LockPollInterval <= 0 {
		cfg.LockPollInterval = def.LockPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.WatchDebounce <= 0 {
		cfg.WatchDebounce = def.WatchDebounce
	}
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		repo:   deps.Repository,
		logger: logger,
		now:    time.Now,
	}, nil
}

// RunRequest describes a run to create.
type RunRequest struct {
	Environment *store.TestEnvironment
	TestType    store.TestType
	Filter      string
	Suite       *store.TestSuite
	Trigger     store.TriggerSource
	// SuppressNotifications skips the notify phase's deliveries.
	SuppressNotifications bool
}

// CreateRun persists a new pending run.
func (o *Orchestrator) CreateRun(ctx context.Context, req RunRequest) (*store.TestRun, error) {
	if req.Environment == nil {
		return nil, fmt.Errorf("orchestrator: environment is required")
	}
	if !req.TestType.Valid() {
		return nil, fmt.Errorf("orchestrator: unknown test type %q", req.TestType)
	}
	if req.Trigger == "" {
		req.Trigger = store.TriggerManual
	}
	now := o.now()
	run := &store.TestRun{
		ID:                    uuid.New(),
		EnvironmentID:         req.Environment.ID,
		TestType:              req.TestType,
		Filter:                req.Filter,
		Status:                store.RunStatusPending,
		Trigger:               req.Trigger,
		SuppressNotifications: req.SuppressNotifications,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if req.Suite != nil {
		id := req.Suite.ID
		run.SuiteID = &id
	}
	if err := o.repo.Runs().CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("orchestrator: create run: %w", err)
	}
	o.logger.Info("Run created", "run", run.ID, "environment", req.Environment.Name, "type", run.TestType, "trigger", run.Trigger)
	return run, nil
}

// RetryRun creates a new pending run repeating original. The original is
// left untouched.
func (o *Orchestrator) RetryRun(ctx context.Context, original *store.TestRun) (*store.TestRun, error) {
	now := o.now()
	origID := original.ID
	run := &store.TestRun{
		ID:                    uuid.New(),
		EnvironmentID:         original.EnvironmentID,
		TestType:              original.TestType,
		Filter:                original.Filter,
		Status:                store.RunStatusPending,
		Trigger:               store.TriggerRetry,
		SuppressNotifications: original.SuppressNotifications,
		RetryOf:               &origID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if original.SuiteID != nil {
		id := *original.SuiteID
		run.SuiteID = &id
	}
	if err := o.repo.Runs().CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("orchestrator: create retry run: %w", err)
	}
	o.logger.Info("Retry run created", "run", run.ID, "retry_of", origID)
	return run, nil
}

// CancelRun stops the run's suite process and marks it cancelled.
func (o *Orchestrator) CancelRun(ctx context.Context, run *store.TestRun) error {
	if !run.CanBeCancelled() {
		return fmt.Errorf("orchestrator: cancel run %s: %w: run is %s", run.ID, store.ErrInvalidTransition, run.Status)
	}
	if execs, err := o.deps.Executors.For(run.TestType); err == nil {
		for _, e := range execs {
			if err := e.StopRun(run); err != nil {
				o.logger.Warn("Stopping suite process failed", "run", run.ID, "executor", e.Type(), "error", err)
			}
		}
	}
	if err := o.transition(ctx, run, store.RunStatusCancelled); err != nil {
		return err
	}
	o.logger.Info("Run cancelled", "run", run.ID)
	return nil
}

// Dispatch creates a run and enqueues its prepare phase.
func (o *Orchestrator) Dispatch(ctx context.Context, req RunRequest) (uuid.UUID, error) {
	run, err := o.CreateRun(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}
	if err := o.Enqueue(ctx, run, queue.PhasePrepare); err != nil {
		return run.ID, err
	}
	return run.ID, nil
}

// Enqueue publishes a phase message for run.
func (o *Orchestrator) Enqueue(ctx context.Context, run *store.TestRun, phase queue.Phase) error {
	if o.deps.Publisher == nil {
		return fmt.Errorf("orchestrator: no queue publisher configured")
	}
	msg := queue.PhaseMessage{RunID: run.ID, EnvironmentID: run.EnvironmentID, Phase: phase}
	if err := queue.PublishJSON(ctx, o.deps.Publisher, queue.SubjectPhase, msg); err != nil {
		return fmt.Errorf("orchestrator: enqueue %s for run %s: %w", phase, run.ID, err)
	}
	return nil
}

// GetRun loads a run by id.
func (o *Orchestrator) GetRun(ctx context.Context, id uuid.UUID) (*store.TestRun, error) {
	return o.repo.Runs().GetRun(ctx, id)
}

// transition moves run to status and persists it.
func (o *Orchestrator) transition(ctx context.Context, run *store.TestRun, to store.RunStatus) error {
	if err := run.Transition(to, o.now()); err != nil {
		return fmt.Errorf("orchestrator: run %s: %w", run.ID, err)
	}
	if err := o.save(ctx, run); err != nil {
		return err
	}
	if to.IsTerminal() {
		o.deps.Metrics.RecordRunFinished(string(run.TestType), string(run.Status), string(run.Trigger))
	}
	return nil
}

// fail marks run failed with msg and persists it.
func (o *Orchestrator) fail(ctx context.Context, run *store.TestRun, msg string) error {
	if err := run.Fail(msg, o.now()); err != nil {
		return fmt.Errorf("orchestrator: run %s: %w", run.ID, err)
	}
	if err := o.save(ctx, run); err != nil {
		return err
	}
	o.deps.Metrics.RecordRunFinished(string(run.TestType), string(run.Status), string(run.Trigger))
	return nil
}

func (o *Orchestrator) save(ctx context.Context, run *store.TestRun) error {
	run.UpdatedAt = o.now()
	if err := o.repo.Runs().UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("orchestrator: save run %s: %w", run.ID, err)
	}
	return nil
}

// reload refreshes run from the store, keeping the in-memory copy when the
// store cannot be read.
func (o *Orchestrator) reload(ctx context.Context, run *store.TestRun) {
	fresh, err := o.repo.Runs().GetRun(ctx, run.ID)
	if err != nil {
		o.logger.Warn("Reloading run failed", "run", run.ID, "error", err)
		return
	}
	*run = *fresh
}

func (o *Orchestrator) environment(ctx context.Context, run *store.TestRun) (*store.TestEnvironment, error) {
	env, err := o.repo.Environments().GetEnvironment(ctx, run.EnvironmentID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load environment %s: %w", run.EnvironmentID, err)
	}
	return env, nil
}
