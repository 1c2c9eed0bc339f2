// Package report merges Allure result fragments into per-environment
// cumulative result directories and builds the published report.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/executor"
	"github.com/GoCodeAlone/testrunner/lock"
	"github.com/GoCodeAlone/testrunner/logging"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
)

// Config configures the Generator.
type Config struct {
	// Root holds {slug}/results and {slug}/reports/latest per environment.
	Root string `yaml:"root" json:"root"`
	// BaseURL is the public base the Root directory is served under.
	BaseURL string `yaml:"base_url" json:"base_url"`
	// RunResultsRoot holds per-run result directories.
	RunResultsRoot string `yaml:"run_results_root" json:"run_results_root"`
	// SharedResultsRoot is where suites write fragments they cannot route
	// per run.
	SharedResultsRoot string        `yaml:"shared_results_root" json:"shared_results_root"`
	Debounce          time.Duration `yaml:"debounce" json:"debounce"`
	Retention         time.Duration `yaml:"retention" json:"retention"`
	LockTTL           time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

// Generator builds Allure reports. Builds for one run are serialised by the
// report:<runId> lock.
type Generator struct {
	cfg     Config
	builder Builder
	locker  lock.Locker
	reports store.ReportStore
	logger  modular.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[uuid.UUID]*time.Timer
	wg      sync.WaitGroup
	closed  bool
}

// NewGenerator creates a Generator. reports may be nil when expired report
// rows are cleaned up elsewhere.
func NewGenerator(cfg Config, builder Builder, locker lock.Locker, reports store.ReportStore, logger modular.Logger) *Generator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 3 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	return &Generator{
		cfg:     cfg,
		builder: builder,
		locker:  locker,
		reports: reports,
		logger:  logger,
		now:     time.Now,
		pending: make(map[uuid.UUID]*time.Timer),
	}
}

// ResultsDir is the environment's cumulative results directory.
func (g *Generator) ResultsDir(env *store.TestEnvironment) string {
	return filepath.Join(g.cfg.Root, env.Slug(), "results")
}

// ReportDir is the environment's latest rendered report.
func (g *Generator) ReportDir(env *store.TestEnvironment) string {
	return filepath.Join(g.cfg.Root, env.Slug(), "reports", "latest")
}

// ReportURL is the public URL of the environment's latest report.
func (g *Generator) ReportURL(env *store.TestEnvironment) string {
	return strings.TrimRight(g.cfg.BaseURL, "/") + "/" + env.Slug() + "/reports/latest/index.html"
}

// RunResultsDir is the per-run results directory.
func (g *Generator) RunResultsDir(runID uuid.UUID) string {
	return filepath.Join(g.cfg.RunResultsRoot, runID.String())
}

// GenerateReport merges resultDirs into the environment's cumulative results,
// builds the report under the run's report lock, and returns the report row
// to persist.
func (g *Generator) GenerateReport(ctx context.Context, run *store.TestRun, env *store.TestEnvironment, resultDirs []string) (*store.TestReport, error) {
	owner := "report-" + uuid.NewString()
	key := lock.ReportKey(run.ID.String())
	if err := lock.WaitAcquire(ctx, g.locker, key, owner, g.cfg.LockTTL, 500*time.Millisecond); err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	defer g.release(key, owner)

	if err := g.build(ctx, env, resultDirs); err != nil {
		return nil, err
	}
	now := g.now()
	expires := now.Add(g.cfg.Retention)
	return &store.TestReport{
		RunID:       run.ID,
		Type:        store.ReportTypeAllure,
		FilePath:    filepath.Join(g.ReportDir(env), "index.html"),
		URL:         g.ReportURL(env),
		GeneratedAt: now,
		ExpiresAt:   &expires,
	}, nil
}

func (g *Generator) build(ctx context.Context, env *store.TestEnvironment, resultDirs []string) error {
	dst := g.ResultsDir(env)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("report: create %s: %w", dst, err)
	}
	total := 0
	for _, src := range resultDirs {
		n, err := MergeResults(src, dst)
		if err != nil {
			return err
		}
		total += n
	}
	g.logger.Debug("Merged result files", "environment", env.Slug(), "files", total)
	if err := g.builder.Build(ctx, env.Slug(), dst, g.ReportDir(env)); err != nil {
		return fmt.Errorf("report: build %s: %w", env.Slug(), err)
	}
	return nil
}

func (g *Generator) release(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.locker.Release(ctx, key, owner); err != nil {
		g.logger.Warn("Releasing report lock failed", "key", key, "error", err)
	}
}

// GenerateIncrementalReport schedules a rebuild of the environment's report
// once no further request for the run arrives within the debounce window.
// Builds that find the run's report lock held are skipped.
func (g *Generator) GenerateIncrementalReport(run *store.TestRun, env *store.TestEnvironment, resultDirs []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if t, ok := g.pending[run.ID]; ok && t.Stop() {
		t.Reset(g.cfg.Debounce)
		return
	}
	runID := run.ID
	envCopy := *env
	dirs := append([]string(nil), resultDirs...)
	g.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(g.cfg.Debounce, func() {
		defer g.wg.Done()
		g.mu.Lock()
		if g.pending[runID] == t {
			delete(g.pending, runID)
		}
		g.mu.Unlock()
		g.incremental(runID, &envCopy, dirs)
	})
	g.pending[runID] = t
}

func (g *Generator) incremental(runID uuid.UUID, env *store.TestEnvironment, dirs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.LockTTL)
	defer cancel()
	owner := "report-" + uuid.NewString()
	key := lock.ReportKey(runID.String())
	ok, err := g.locker.Acquire(ctx, key, owner, g.cfg.LockTTL)
	if err != nil {
		g.logger.Warn("Incremental report lock failed", "run", runID, "error", err)
		return
	}
	if !ok {
		g.logger.Debug("Incremental report skipped, build in progress", "run", runID)
		return
	}
	defer g.release(key, owner)
	if err := g.build(ctx, env, dirs); err != nil {
		g.logger.Warn("Incremental report failed", "run", runID, "error", err)
		return
	}
	g.logger.Debug("Incremental report built", "run", runID, "environment", env.Slug())
}

// Close cancels pending incremental builds and waits for running ones.
func (g *Generator) Close() {
	g.mu.Lock()
	g.closed = true
	for id, t := range g.pending {
		if t.Stop() {
			g.wg.Done()
		}
		delete(g.pending, id)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// MergeResults copies every regular file in src into dst. A missing src, or
// src equal to dst, copies nothing.
func MergeResults(src, dst string) (int, error) {
	as, err := filepath.Abs(src)
	if err != nil {
		return 0, err
	}
	ad, err := filepath.Abs(dst)
	if err != nil {
		return 0, err
	}
	if as == ad {
		return 0, nil
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("report: read %s: %w", src, err)
	}
	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := executor.CopyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return n, fmt.Errorf("report: merge %s: %w", e.Name(), err)
		}
		n++
	}
	return n, nil
}

// CopyTestAllureResults copies result fragments for testID from the shared
// results root into the run's results directory, along with the attachments
// they reference. It returns the number of files copied.
func (g *Generator) CopyTestAllureResults(runID uuid.UUID, testID string) (int, error) {
	if testID == "" || g.cfg.SharedResultsRoot == "" {
		return 0, nil
	}
	matches, err := filepath.Glob(filepath.Join(g.cfg.SharedResultsRoot, "*"+executor.AllureResultSuffix))
	if err != nil {
		return 0, err
	}
	dst := g.RunResultsDir(runID)
	n := 0
	for _, path := range matches {
		ar, err := executor.ReadAllureResult(path)
		if err != nil || ar.TestID() != testID {
			continue
		}
		if err := executor.CopyFile(path, filepath.Join(dst, filepath.Base(path))); err != nil {
			return n, fmt.Errorf("report: copy %s: %w", filepath.Base(path), err)
		}
		n++
		for _, a := range ar.AllAttachments() {
			if a.Source == "" || strings.ContainsAny(a.Source, `/\`) {
				continue
			}
			src := filepath.Join(g.cfg.SharedResultsRoot, a.Source)
			if _, err := os.Stat(src); err != nil {
				continue
			}
			if err := executor.CopyFile(src, filepath.Join(dst, a.Source)); err != nil {
				return n, fmt.Errorf("report: copy %s: %w", a.Source, err)
			}
			n++
		}
	}
	return n, nil
}

// CleanupExpired removes per-run result directories older than the retention
// period and deletes expired report rows. It returns the number of
// directories and rows removed.
func (g *Generator) CleanupExpired(ctx context.Context) (dirs, rows int, err error) {
	cutoff := g.now().Add(-g.cfg.Retention)
	if g.cfg.RunResultsRoot != "" {
		entries, rerr := os.ReadDir(g.cfg.RunResultsRoot)
		if rerr != nil && !os.IsNotExist(rerr) {
			return 0, 0, fmt.Errorf("report: read %s: %w", g.cfg.RunResultsRoot, rerr)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if _, perr := uuid.Parse(e.Name()); perr != nil {
				continue
			}
			info, ierr := e.Info()
			if ierr != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if rmErr := os.RemoveAll(filepath.Join(g.cfg.RunResultsRoot, e.Name())); rmErr != nil {
				g.logger.Warn("Removing run results failed", "run", e.Name(), "error", rmErr)
				continue
			}
			dirs++
		}
	}
	if g.reports != nil {
		rows, err = g.reports.DeleteExpiredReports(ctx, g.now())
		if err != nil {
			return dirs, rows, fmt.Errorf("report: delete expired reports: %w", err)
		}
	}
	if dirs+rows > 0 {
		g.logger.Info("Cleaned up expired reports", "result_dirs", dirs, "report_rows", rows)
	}
	return dirs, rows, nil
}
