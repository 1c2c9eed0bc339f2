// Package cronjob executes stored shell commands in response to job
// messages fired by the scheduler.
package cronjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/lock"
	"github.com/GoCodeAlone/testrunner/logging"
	"github.com/GoCodeAlone/testrunner/metrics"
	"github.com/GoCodeAlone/testrunner/observability/tracing"
	"github.com/GoCodeAlone/testrunner/queue"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
)

// Config configures the Runner.
type Config struct {
	// Shell interprets the stored command line. Defaults to "sh".
	Shell string `yaml:"shell" json:"shell"`
	// WorkDir is the directory commands run in. Empty means the worker's.
	WorkDir string `yaml:"work_dir" json:"work_dir"`
	// Timeout bounds one invocation.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// Env is appended to the worker's environment.
	Env []string `yaml:"env" json:"env"`
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{Shell: "sh", Timeout: time.Hour}
}

// Dependencies are the Runner's collaborators. Locker, Metrics and Tracer
// are optional.
type Dependencies struct {
	Jobs    store.CronJobStore
	Locker  lock.Locker
	Metrics *metrics.Collector
	Tracer  *tracing.RunTracer
}

// Runner executes cron jobs. Overlapping invocations of the same job are
// prevented with a cronjob:<id> lock; a skipped invocation records the
// locked status.
type Runner struct {
	cfg     Config
	jobs    store.CronJobStore
	locker  lock.Locker
	metrics *metrics.Collector
	tracer  *tracing.RunTracer
	logger  modular.Logger

	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
	now         func() time.Time
}

// New creates a Runner.
func New(cfg Config, deps Dependencies, logger modular.Logger) (*Runner, error) {
	if deps.Jobs == nil {
		return nil, errors.New("cronjob: job store is required")
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	return &Runner{
		cfg:         cfg,
		jobs:        deps.Jobs,
		locker:      deps.Locker,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		logger:      logger,
		execCommand: exec.CommandContext,
		now:         time.Now,
	}, nil
}

// Handle is the queue handler for job messages. Malformed messages and
// jobs that no longer exist are dropped.
func (r *Runner) Handle(ctx context.Context, data []byte) error {
	var msg queue.JobMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.CronJobID == uuid.Nil {
		r.logger.Warn("Dropping malformed job message", "data", string(data))
		return nil
	}
	_, err := r.Run(ctx, msg.CronJobID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("Cron job no longer exists", "cron_job", msg.CronJobID)
		return nil
	}
	return err
}

// Run executes the job's command and records its outcome. A failing
// command is not an error: it is recorded as the failed status. Errors are
// returned only for store failures.
func (r *Runner) Run(ctx context.Context, id uuid.UUID) (*store.CronJob, error) {
	job, err := r.jobs.GetCronJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cronjob: load %s: %w", id, err)
	}
	ctx, span := r.tracer.StartCronJob(ctx, id.String(), job.Name)
	err = r.run(ctx, job)
	tracing.End(span, err)
	return job, err
}

func (r *Runner) run(ctx context.Context, job *store.CronJob) error {
	if r.locker != nil {
		key := lock.CronJobKey(job.ID.String())
		owner := "cronjob-" + uuid.NewString()
		ok, err := r.locker.Acquire(ctx, key, owner, r.cfg.Timeout+time.Minute)
		if err != nil {
			return fmt.Errorf("cronjob: lock %s: %w", job.Name, err)
		}
		if !ok {
			r.logger.Info("Cron job already running, skipping", "cron_job", job.Name)
			return r.finish(ctx, job, store.CronJobStatusLocked, "Skipped: previous invocation still running")
		}
		defer func() {
			if err := r.locker.Release(context.WithoutCancel(ctx), key, owner); err != nil {
				r.logger.Warn("Cron job lock release failed", "cron_job", job.Name, "error", err)
			}
		}()
	}

	job.LastStatus = store.CronJobStatusRunning
	if err := r.jobs.UpdateCronJob(ctx, job); err != nil {
		return fmt.Errorf("cronjob: mark %s running: %w", job.Name, err)
	}
	r.logger.Info("Running cron job", "cron_job", job.Name, "command", job.Command)

	status, output := r.execute(ctx, job)
	r.logger.Info("Cron job finished", "cron_job", job.Name, "status", status)
	return r.finish(ctx, job, status, output)
}

func (r *Runner) execute(ctx context.Context, job *store.CronJob) (store.CronJobStatus, string) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	out := store.NewTailBuffer(store.MaxCronOutputBytes)
	args := []string{r.cfg.Shell, "-c", job.Command}
	_, _ = fmt.Fprintf(out, "$ %s\n", shellescape.QuoteCommand(args))

	cmd := r.execCommand(ctx, args[0], args[1:]...)
	cmd.Dir = r.cfg.WorkDir
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.cfg.Env...)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 10 * time.Second

	err := cmd.Run()
	switch {
	case ctx.Err() != nil:
		_, _ = fmt.Fprintf(out, "\nAborted: %v\n", ctx.Err())
		return store.CronJobStatusFailed, out.String()
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			_, _ = fmt.Fprintf(out, "\nExit code %d\n", exitErr.ExitCode())
		} else {
			_, _ = fmt.Fprintf(out, "\n%v\n", err)
		}
		return store.CronJobStatusFailed, out.String()
	}
	return store.CronJobStatusSuccess, out.String()
}

func (r *Runner) finish(ctx context.Context, job *store.CronJob, status store.CronJobStatus, output string) error {
	now := r.now().UTC()
	job.LastRunAt = &now
	job.LastStatus = status
	job.LastOutput = store.TruncateOutput(strings.TrimRight(output, "\n"), store.MaxCronOutputBytes)
	r.metrics.RecordCronJob(string(status))
	if err := r.jobs.UpdateCronJob(context.WithoutCancel(ctx), job); err != nil {
		return fmt.Errorf("cronjob: record %s result: %w", job.Name, err)
	}
	return nil
}
