package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/GoCodeAlone/testrunner/artifact"
	"github.com/GoCodeAlone/testrunner/executor"
	"github.com/GoCodeAlone/testrunner/lock"
	"github.com/GoCodeAlone/testrunner/notify"
	"github.com/GoCodeAlone/testrunner/observability/tracing"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
)

// NoResultsMessage is the failure message of a run whose suites produced no
// parseable results.
const NoResultsMessage = "no test results parsed"

// outputLogName is the file in the run's scratch directory receiving the
// streamed suite output.
const outputLogName = "output.log"

// PrepareRun moves a pending run to cloning and makes the test module
// available. On failure the run is marked failed with the underlying message.
func (o *Orchestrator) PrepareRun(ctx context.Context, run *store.TestRun) error {
	if run.Status == store.RunStatusPending {
		if err := o.transition(ctx, run, store.RunStatusPreparing); err != nil {
			return err
		}
	}
	if run.Status == store.RunStatusPreparing {
		if err := o.transition(ctx, run, store.RunStatusCloning); err != nil {
			return err
		}
	}
	if run.Status != store.RunStatusCloning {
		return fmt.Errorf("orchestrator: prepare run %s: %w: run is %s", run.ID, store.ErrInvalidTransition, run.Status)
	}

	path, err := o.deps.Workspace.PrepareModule(ctx)
	if err == nil {
		err = os.MkdirAll(o.deps.Workspace.RunDir(run.ID.String()), 0o755)
	}
	if err != nil {
		if ferr := o.fail(ctx, run, err.Error()); ferr != nil {
			o.logger.Error("Recording preparation failure failed", "run", run.ID, "error", ferr)
		}
		return fmt.Errorf("orchestrator: prepare run %s: %w", run.ID, err)
	}

	commit := o.deps.Workspace.GetCommitHash(ctx, path)
	if commit == "" {
		commit = "unknown"
	}
	run.AppendOutput(fmt.Sprintf("Module prepared at %s (commit %s)\n", path, commit))
	o.logger.Info("Run prepared", "run", run.ID, "module", path, "commit", commit)
	return o.save(ctx, run)
}

// ExecuteRun runs the run's suites, stores their results, collects evidence
// and classifies the run. Tests that ran and failed leave the run failed
// without returning an error; an error is returned only when nothing could
// be parsed because a suite could not run.
func (o *Orchestrator) ExecuteRun(ctx context.Context, run *store.TestRun, sink io.Writer) error {
	env, err := o.environment(ctx, run)
	if err != nil {
		return err
	}
	var suite *store.TestSuite
	if run.SuiteID != nil {
		suite, err = o.repo.Suites().GetSuite(ctx, *run.SuiteID)
		if err != nil {
			o.logger.Warn("Loading suite failed, running without it", "run", run.ID, "suite", *run.SuiteID, "error", err)
			suite = nil
		}
	}
	execs, err := o.deps.Executors.For(run.TestType)
	if err != nil {
		if ferr := o.fail(ctx, run, err.Error()); ferr != nil {
			o.logger.Error("Recording execution failure failed", "run", run.ID, "error", ferr)
		}
		return fmt.Errorf("%w: %v", executor.ErrExecution, err)
	}

	for _, st := range []store.RunStatus{store.RunStatusWaiting, store.RunStatusRunning} {
		if store.CanTransition(run.Status, st) {
			if err := o.transition(ctx, run, st); err != nil {
				return err
			}
		}
	}
	if run.Status != store.RunStatusRunning {
		return fmt.Errorf("orchestrator: execute run %s: %w: run is %s", run.ID, store.ErrInvalidTransition, run.Status)
	}

	modulePath := o.deps.Workspace.ModulePath()
	var (
		all     []*store.TestResult
		execErr error
	)
	for _, e := range execs {
		results, err := o.executeSuite(ctx, run, env, suite, e, modulePath, sink)
		all = append(all, results...)
		if err != nil && execErr == nil {
			execErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}

	o.collectEvidence(ctx, run, all)
	sum := store.Summarize(all)
	o.deps.Metrics.RecordTestResults(string(run.TestType), sum.Passed, sum.Failed, sum.Skipped, sum.Broken)

	if ctx.Err() != nil {
		return fmt.Errorf("orchestrator: execute run %s: %w", run.ID, ctx.Err())
	}
	if cancelled := o.adoptExternalStatus(ctx, run); cancelled {
		return ErrCancelled
	}

	switch {
	case sum.Total == 0:
		msg := NoResultsMessage
		if execErr != nil {
			msg += ": " + execErr.Error()
		}
		if err := o.fail(ctx, run, msg); err != nil {
			return err
		}
		return execErr
	case sum.Failed+sum.Broken > 0:
		return o.fail(ctx, run, fmt.Sprintf("%d of %d tests failed (%d failed, %d broken)",
			sum.Failed+sum.Broken, sum.Total, sum.Failed, sum.Broken))
	case execErr != nil:
		return o.fail(ctx, run, execErr.Error())
	}

	stalled := run.IsStalled()
	if err := run.Transition(store.RunStatusCompleted, o.now()); err != nil {
		return fmt.Errorf("orchestrator: run %s: %w", run.ID, err)
	}
	if stalled {
		run.ErrorMessage = ""
		o.logger.Info("Stalled run recovered by successful execution", "run", run.ID)
	}
	if err := o.save(ctx, run); err != nil {
		return err
	}
	o.deps.Metrics.RecordRunFinished(string(run.TestType), string(run.Status), string(run.Trigger))
	o.logger.Info("Run completed", "run", run.ID, "passed", sum.Passed, "skipped", sum.Skipped)
	return nil
}

func (o *Orchestrator) executeSuite(ctx context.Context, run *store.TestRun, env *store.TestEnvironment, suite *store.TestSuite, e executor.Executor, modulePath string, sink io.Writer) (results []*store.TestResult, err error) {
	ctx, span := o.deps.Tracer.StartExecution(ctx, run, string(e.Type()))
	defer func() { tracing.End(span, err) }()

	stopWatch := o.watch(run, env, e, modulePath)
	stopBeat := o.heartbeat(ctx, run.ID, run.EnvironmentID)
	res, err := e.Execute(ctx, executor.Request{
		Run:         run,
		Environment: env,
		Suite:       suite,
		ModulePath:  modulePath,
		Sink:        sink,
		OnStart: func(pid int) {
			run.ProcessID = &pid
			if serr := o.save(ctx, run); serr != nil {
				o.logger.Warn("Recording process id failed", "run", run.ID, "pid", pid, "error", serr)
			}
		},
	})
	stopBeat()
	stopWatch()

	if res != nil {
		run.AppendOutput(res.Output)
		if res.ExitCode != 0 {
			o.logger.Info("Suite exited non-zero", "run", run.ID, "executor", e.Type(), "exit_code", res.ExitCode)
		}
	}
	if err != nil {
		run.AppendOutput(fmt.Sprintf("\n%s: %v\n", e.Type(), err))
		o.logger.Error("Suite execution failed", "run", run.ID, "executor", e.Type(), "error", err)
	}

	parsed, perr := e.ParseResults(run.ID)
	if perr != nil {
		o.logger.Warn("Parsing results failed", "run", run.ID, "executor", e.Type(), "error", perr)
	}
	for _, r := range parsed {
		r.RunID = run.ID
		if cerr := o.repo.Results().CreateResult(ctx, r); cerr != nil {
			o.logger.Error("Storing result failed", "run", run.ID, "test", r.TestName, "error", cerr)
			continue
		}
		results = append(results, r)
	}
	return results, err
}

// heartbeat marks the run alive every HeartbeatInterval while its suite
// executes: it bumps the run's updated_at so the watchdog does not take it
// for stuck, and extends the environment lock the run holds. The returned
// func stops it.
func (o *Orchestrator) heartbeat(ctx context.Context, runID, envID uuid.UUID) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	key, owner := lock.EnvKey(envID.String()), runID.String()
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := o.repo.Runs().TouchRun(ctx, runID, o.now()); err != nil {
				o.logger.Warn("Run heartbeat failed", "run", runID, "error", err)
			}
			if o.deps.Locker == nil {
				continue
			}
			ok, err := o.deps.Locker.Extend(ctx, key, owner, o.cfg.LockTTL)
			switch {
			case err != nil:
				o.logger.Warn("Extending environment lock failed", "run", runID, "key", key, "error", err)
			case !ok:
				o.logger.Debug("Run does not hold its environment lock", "run", runID, "key", key)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// watch starts incremental evidence collection for one suite. The returned
// func stops it.
func (o *Orchestrator) watch(run *store.TestRun, env *store.TestEnvironment, e executor.Executor, modulePath string) func() {
	if !o.cfg.WatchResults {
		return func() {}
	}
	dir := e.SharedResultsPath(modulePath)
	shared := dir != ""
	if !shared {
		dir = e.AllureResultsPath(run.ID)
	}
	snapshot := *run
	w, err := executor.WatchResults(dir, o.cfg.WatchDebounce, o.logger, func(path string) {
		o.onResultFragment(&snapshot, env, path, shared)
	})
	if err != nil {
		o.logger.Warn("Incremental result watching disabled", "run", run.ID, "dir", dir, "error", err)
		return func() {}
	}
	return func() {
		if err := w.Stop(); err != nil {
			o.logger.Debug("Stopping result watcher failed", "run", run.ID, "error", err)
		}
	}
}

func (o *Orchestrator) onResultFragment(run *store.TestRun, env *store.TestEnvironment, path string, shared bool) {
	ar, err := executor.ReadAllureResult(path)
	if err != nil {
		o.logger.Debug("Skipping unreadable result fragment", "run", run.ID, "file", path, "error", err)
		return
	}
	testID := ar.TestID()
	if shared && testID != "" {
		if _, err := o.deps.Reports.CopyTestAllureResults(run.ID, testID); err != nil {
			o.logger.Warn("Copying test results failed", "run", run.ID, "test", testID, "error", err)
		}
	}
	partial := &store.TestResult{RunID: run.ID, TestName: ar.Name, TestID: testID}
	if name, err := o.deps.Artifacts.CollectTestScreenshot(run, partial); err != nil {
		o.logger.Warn("Collecting test screenshot failed", "run", run.ID, "test", ar.Name, "error", err)
	} else if name != "" {
		o.logger.Debug("Collected test screenshot", "run", run.ID, "test", ar.Name, "file", name)
	}
	o.deps.Reports.GenerateIncrementalReport(run, env, o.resultDirs(run))
}

// collectEvidence copies the run's screenshots and HTML and links
// screenshots to results. Failures are logged only.
func (o *Orchestrator) collectEvidence(ctx context.Context, run *store.TestRun, results []*store.TestResult) {
	col, err := o.deps.Artifacts.CollectArtifacts(run)
	if err != nil {
		o.logger.Warn("Collecting artifacts failed", "run", run.ID, "error", err)
	}
	if col == nil {
		col = &artifact.Collection{}
	}
	o.logger.Debug("Collected artifacts", "run", run.ID, "screenshots", len(col.Screenshots), "html", len(col.HTML))
	for _, r := range o.deps.Artifacts.AssociateScreenshotsWithResults(results, col.Screenshots) {
		if err := o.repo.Results().UpdateResult(ctx, r); err != nil {
			o.logger.Warn("Linking screenshot failed", "run", run.ID, "test", r.TestName, "error", err)
		}
	}
}

// adoptExternalStatus picks up a cancellation or watchdog failure written
// by another process while the suite ran. It reports whether the run was
// cancelled.
func (o *Orchestrator) adoptExternalStatus(ctx context.Context, run *store.TestRun) bool {
	fresh, err := o.repo.Runs().GetRun(ctx, run.ID)
	if err != nil {
		o.logger.Warn("Reloading run status failed", "run", run.ID, "error", err)
		return false
	}
	switch {
	case fresh.Status == store.RunStatusCancelled:
		run.Status = fresh.Status
		run.CompletedAt = fresh.CompletedAt
		if err := o.save(ctx, run); err != nil {
			o.logger.Warn("Saving cancelled run failed", "run", run.ID, "error", err)
		}
		o.logger.Info("Run was cancelled during execution", "run", run.ID)
		return true
	case fresh.IsStalled():
		run.Status = fresh.Status
		run.ErrorMessage = fresh.ErrorMessage
		run.CompletedAt = fresh.CompletedAt
	}
	return false
}

// resultDirs lists the per-run Allure directories of the run's suites.
func (o *Orchestrator) resultDirs(run *store.TestRun) []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(d string) {
		if d != "" && !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	if execs, err := o.deps.Executors.For(run.TestType); err == nil {
		for _, e := range execs {
			add(e.AllureResultsPath(run.ID))
		}
	}
	add(o.deps.Reports.RunResultsDir(run.ID))
	return dirs
}

// GenerateReports builds the run's Allure report. A finished run that
// already has a report gets it back unchanged; use RegenerateReports to
// rebuild.
func (o *Orchestrator) GenerateReports(ctx context.Context, run *store.TestRun) (*store.TestReport, error) {
	if run.IsFinished() {
		existing, err := o.repo.Reports().GetReport(ctx, run.ID, store.ReportTypeAllure)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("orchestrator: load report for run %s: %w", run.ID, err)
		}
	}
	return o.RegenerateReports(ctx, run)
}

// RegenerateReports always rebuilds and replaces the run's report. A
// non-terminal run passes through reporting to completed; a failed run
// stays failed. Report errors do not change the run's status.
func (o *Orchestrator) RegenerateReports(ctx context.Context, run *store.TestRun) (*store.TestReport, error) {
	env, err := o.environment(ctx, run)
	if err != nil {
		return nil, err
	}
	if !run.IsFinished() {
		if err := o.transition(ctx, run, store.RunStatusReporting); err != nil {
			return nil, err
		}
	}

	rep, genErr := o.deps.Reports.GenerateReport(ctx, run, env, o.resultDirs(run))
	if genErr == nil {
		if err := o.repo.Reports().SaveReport(ctx, rep); err != nil {
			genErr = fmt.Errorf("orchestrator: save report for run %s: %w", run.ID, err)
		}
	}
	if genErr != nil {
		o.logger.Error("Report generation failed", "run", run.ID, "error", genErr)
		rep = nil
	} else {
		o.logger.Info("Report generated", "run", run.ID, "url", rep.URL)
	}

	if !run.IsFinished() {
		if err := o.transition(ctx, run, store.RunStatusCompleted); err != nil {
			return rep, err
		}
	}
	o.archive(ctx, run, rep)
	return rep, genErr
}

// archive mirrors the run's artifacts and report to the object store.
func (o *Orchestrator) archive(ctx context.Context, run *store.TestRun, rep *store.TestReport) {
	if o.deps.Archive == nil {
		return
	}
	n, err := artifact.ArchiveDir(ctx, o.deps.Archive, run.ID, o.deps.Artifacts.RunDir(run.ID), "artifacts")
	if err != nil {
		o.logger.Warn("Archiving artifacts failed", "run", run.ID, "error", err)
	}
	if rep != nil && rep.FilePath != "" {
		m, err := artifact.ArchiveDir(ctx, o.deps.Archive, run.ID, filepath.Dir(rep.FilePath), "report")
		if err != nil {
			o.logger.Warn("Archiving report failed", "run", run.ID, "error", err)
		}
		n += m
	}
	o.logger.Debug("Archived run files", "run", run.ID, "objects", n)
}

// NotifyRun sends the run summary unless notifications are suppressed.
// Delivery failures are handled by the notifier and never returned.
func (o *Orchestrator) NotifyRun(ctx context.Context, run *store.TestRun) error {
	if run.SuppressNotifications {
		o.logger.Debug("Notifications suppressed", "run", run.ID)
		return nil
	}
	if o.deps.Notifier == nil {
		return nil
	}
	env, err := o.environment(ctx, run)
	if err != nil {
		return err
	}
	results, err := o.repo.Results().ListResults(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("orchestrator: load results for run %s: %w", run.ID, err)
	}
	var failures []*store.TestResult
	for _, r := range results {
		if r.Status == store.ResultFailed || r.Status == store.ResultBroken {
			failures = append(failures, r)
		}
	}
	n := &notify.Notification{
		Run:         run,
		Environment: env,
		Summary:     store.Summarize(results),
		Failures:    failures,
	}
	if rep, err := o.repo.Reports().GetReport(ctx, run.ID, store.ReportTypeAllure); err == nil {
		n.ReportURL = rep.URL
	}
	o.deps.Notifier.NotifyRun(ctx, n)
	return nil
}

// CleanupRun archives the run's output log and removes its scratch
// directory. It never fails the run.
func (o *Orchestrator) CleanupRun(ctx context.Context, run *store.TestRun) {
	dir := o.deps.Workspace.RunDir(run.ID.String())
	if o.deps.Archive != nil {
		if _, err := artifact.ArchiveDir(ctx, o.deps.Archive, run.ID, dir, "logs"); err != nil {
			o.logger.Warn("Archiving run logs failed", "run", run.ID, "error", err)
		}
	}
	if err := o.deps.Workspace.Cleanup(dir); err != nil {
		o.logger.Warn("Removing run scratch directory failed", "run", run.ID, "dir", dir, "error", err)
		return
	}
	o.logger.Debug("Run cleaned up", "run", run.ID)
}

// openOutputLog opens the run's output log for appending, combined with
// sink when given.
func (o *Orchestrator) openOutputLog(run *store.TestRun, sink io.Writer) (io.Writer, func()) {
	dir := o.deps.Workspace.RunDir(run.ID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.logger.Debug("Output log unavailable", "run", run.ID, "error", err)
		return sink, func() {}
	}
	f, err := os.OpenFile(filepath.Join(dir, outputLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // G304: path built from run id
	if err != nil {
		o.logger.Debug("Output log unavailable", "run", run.ID, "error", err)
		return sink, func() {}
	}
	closer := func() { _ = f.Close() }
	if sink == nil {
		return f, closer
	}
	return io.MultiWriter(sink, f), closer
}
