package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/GoCodeAlone/testrunner/lock"
	"github.com/GoCodeAlone/testrunner/observability/tracing"
	"github.com/GoCodeAlone/testrunner/queue"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
)

// storeRetryDelay is the redelivery delay when the run store is unreachable.
const storeRetryDelay = 30 * time.Second

// HandlePhase is the queue handler for phase messages. On success it
// enqueues the next phase; on failure it marks the run failed and enqueues
// cleanup. A cancelled run skips straight to cleanup.
func (o *Orchestrator) HandlePhase(ctx context.Context, data []byte) error {
	msg, err := queue.DecodePhaseMessage(data)
	if err != nil {
		return err
	}
	run, err := o.repo.Runs().GetRun(ctx, msg.RunID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("Dropping phase for unknown run", "run", msg.RunID, "phase", msg.Phase)
		return nil
	}
	if err != nil {
		return queue.Requeue(storeRetryDelay, err.Error())
	}

	err = o.runPhase(ctx, run, msg.Phase, nil)
	if msg.Phase == queue.PhaseCleanup {
		return nil
	}
	if err != nil {
		o.recordPhaseFailure(ctx, run, msg.Phase, err)
		return o.Enqueue(ctx, run, queue.PhaseCleanup)
	}
	next, _ := msg.Phase.Next()
	return o.Enqueue(ctx, run, next)
}

// RunSync creates a run and executes every phase inline. When sync runs are
// gated it first waits for the environment lock. The returned error is the
// phase failure that ended the run early, if any; tests that ran and failed
// are reported through the run's status.
func (o *Orchestrator) RunSync(ctx context.Context, req RunRequest, sink io.Writer) (*store.TestRun, error) {
	run, err := o.CreateRun(ctx, req)
	if err != nil {
		return nil, err
	}

	gated := o.cfg.GateSyncRuns && o.deps.Locker != nil
	key, owner := lock.EnvKey(run.EnvironmentID.String()), run.ID.String()
	if gated {
		if err := o.waitForEnvironment(ctx, run, key, owner); err != nil {
			if ferr := o.fail(context.WithoutCancel(ctx), run, err.Error()); ferr != nil {
				o.logger.Error("Recording lock failure failed", "run", run.ID, "error", ferr)
			}
			return run, err
		}
		defer func() {
			if err := o.deps.Locker.Release(context.WithoutCancel(ctx), key, owner); err != nil {
				o.logger.Warn("Releasing environment lock failed", "run", run.ID, "error", err)
			}
		}()
	}

	var runErr error
	phase := queue.PhasePrepare
	for {
		o.reload(ctx, run)
		if gated {
			if _, err := o.deps.Locker.Acquire(ctx, key, owner, o.cfg.LockTTL); err != nil {
				o.logger.Warn("Refreshing environment lock failed", "run", run.ID, "error", err)
			}
		}
		err := o.runPhase(ctx, run, phase, sink)
		if phase == queue.PhaseCleanup {
			break
		}
		if err != nil {
			o.recordPhaseFailure(ctx, run, phase, err)
			if !errors.Is(err, ErrCancelled) {
				runErr = err
			}
			phase = queue.PhaseCleanup
			continue
		}
		phase, _ = phase.Next()
	}
	o.reload(ctx, run)
	return run, runErr
}

func (o *Orchestrator) waitForEnvironment(ctx context.Context, run *store.TestRun, key, owner string) error {
	ok, err := o.deps.Locker.Acquire(ctx, key, owner, o.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("orchestrator: acquire %s: %w", key, err)
	}
	if ok {
		return nil
	}
	o.deps.Metrics.RecordLockContention("env")
	o.logger.Info("Environment busy, waiting for lock", "run", run.ID, "key", key)
	if err := lock.WaitAcquire(ctx, o.deps.Locker, key, owner, o.cfg.LockTTL, o.cfg.LockPollInterval); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return nil
}

// runPhase executes one phase with metrics and a span around it.
func (o *Orchestrator) runPhase(ctx context.Context, run *store.TestRun, phase queue.Phase, sink io.Writer) (err error) {
	start := o.now()
	o.deps.Metrics.PhaseStarted(string(phase))
	ctx, span := o.deps.Tracer.StartPhase(ctx, run, string(phase))
	defer func() {
		o.deps.Metrics.PhaseDone(string(phase))
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		o.deps.Metrics.ObservePhase(string(phase), outcome, o.now().Sub(start))
		tracing.End(span, err)
	}()

	if phase != queue.PhaseCleanup && run.Status == store.RunStatusCancelled {
		o.logger.Info("Run cancelled, skipping to cleanup", "run", run.ID, "phase", phase)
		return ErrCancelled
	}
	o.logger.Debug("Running phase", "run", run.ID, "phase", phase)

	switch phase {
	case queue.PhasePrepare:
		return o.PrepareRun(ctx, run)
	case queue.PhaseExecute:
		w, closeLog := o.openOutputLog(run, sink)
		defer closeLog()
		return o.ExecuteRun(ctx, run, w)
	case queue.PhaseReport:
		if _, err := o.GenerateReports(ctx, run); err != nil {
			o.logger.Warn("Continuing without report", "run", run.ID, "error", err)
		}
		return nil
	case queue.PhaseNotify:
		if err := o.NotifyRun(ctx, run); err != nil {
			o.logger.Warn("Notification skipped", "run", run.ID, "error", err)
		}
		return nil
	case queue.PhaseCleanup:
		o.CleanupRun(ctx, run)
		return nil
	}
	return fmt.Errorf("orchestrator: unknown phase %q", phase)
}

// recordPhaseFailure marks a non-terminal run failed after a phase error.
func (o *Orchestrator) recordPhaseFailure(ctx context.Context, run *store.TestRun, phase queue.Phase, err error) {
	if errors.Is(err, ErrCancelled) {
		return
	}
	o.logger.Error("Phase failed", "run", run.ID, "phase", phase, "error", err)
	if run.IsFinished() {
		return
	}
	if ferr := o.fail(context.WithoutCancel(ctx), run, fmt.Sprintf("%s failed: %v", phase, err)); ferr != nil {
		o.logger.Error("Recording phase failure failed", "run", run.ID, "error", ferr)
	}
}

// HandleScheduledRun is the queue handler for scheduled-run messages. It
// dispatches one run per active environment of the suite. Environments that
// fail with a retryable error are republished as a narrowed message so the
// ones already dispatched do not run twice; when none could be dispatched the
// message itself is requeued.
func (o *Orchestrator) HandleScheduledRun(ctx context.Context, data []byte) error {
	var msg queue.ScheduledRunMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode scheduled run message: %w", err)
	}
	suite, err := o.repo.Suites().GetSuite(ctx, msg.SuiteID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("Dropping scheduled run for unknown suite", "suite", msg.SuiteID)
		return nil
	}
	if err != nil {
		return queue.Requeue(storeRetryDelay, err.Error())
	}
	if !suite.Active {
		o.logger.Info("Suite inactive, skipping scheduled run", "suite", suite.Name)
		return nil
	}

	var (
		retry      []uuid.UUID
		errs       []error
		dispatched int
	)
	for _, envID := range scheduledEnvironments(suite, msg.EnvironmentIDs) {
		env, err := o.repo.Environments().GetEnvironment(ctx, envID)
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("Skipping unknown environment", "suite", suite.Name, "environment", envID)
			continue
		}
		if err != nil {
			retry, errs = append(retry, envID), append(errs, fmt.Errorf("environment %s: %w", envID, err))
			continue
		}
		if !env.Active {
			o.logger.Debug("Skipping inactive environment", "suite", suite.Name, "environment", env.Name)
			continue
		}
		id, err := o.Dispatch(ctx, RunRequest{
			Environment:           env,
			TestType:              suite.TestType,
			Suite:                 suite,
			Trigger:               store.TriggerScheduler,
			SuppressNotifications: !o.cfg.NotifyScheduledRuns,
		})
		if err != nil {
			retry, errs = append(retry, envID), append(errs, fmt.Errorf("environment %s: %w", env.Name, err))
			continue
		}
		dispatched++
		o.logger.Info("Scheduled run dispatched", "suite", suite.Name, "environment", env.Name, "run", id)
	}
	if len(retry) == 0 {
		return nil
	}

	cause := errors.Join(errs...)
	if dispatched == 0 {
		return queue.Requeue(storeRetryDelay, cause.Error())
	}
	o.logger.Warn("Retrying scheduled run for failed environments", "suite", suite.Name, "environments", len(retry), "error", cause)
	if o.deps.Publisher == nil {
		return fmt.Errorf("orchestrator: scheduled run %s: %w", suite.Name, cause)
	}
	if err := queue.PublishJSON(ctx, o.deps.Publisher, queue.SubjectScheduledRun,
		queue.ScheduledRunMessage{SuiteID: suite.ID, EnvironmentIDs: retry}); err != nil {
		return fmt.Errorf("orchestrator: scheduled run %s: %w", suite.Name, errors.Join(cause, err))
	}
	return nil
}

// scheduledEnvironments returns the suite's environments, limited to only
// when it is non-empty.
func scheduledEnvironments(suite *store.TestSuite, only []uuid.UUID) []uuid.UUID {
	if len(only) == 0 {
		return suite.EnvironmentIDs
	}
	want := make(map[uuid.UUID]bool, len(only))
	for _, id := range only {
		want[id] = true
	}
	var out []uuid.UUID
	for _, id := range suite.EnvironmentIDs {
		if want[id] {
			out = append(out, id)
		}
	}
	return out
}
