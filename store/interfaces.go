package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// --- Test runs ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	EnvironmentID *uuid.UUID
	Statuses      []RunStatus
	UpdatedBefore *time.Time
	Limit         int
}

// RunStore defines persistence operations for test runs.
type RunStore interface {
	CreateRun(ctx context.Context, r *TestRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*TestRun, error)
	UpdateRun(ctx context.Context, r *TestRun) error
	ListRuns(ctx context.Context, f RunFilter) ([]*TestRun, error)
	// TouchRun sets updated_at on an active run without rewriting the rest
	// of the row. Finished and unknown runs are left alone.
	TouchRun(ctx context.Context, id uuid.UUID, at time.Time) error
}

// --- Results ---

// ResultStore defines persistence operations for per-test results.
type ResultStore interface {
	CreateResult(ctx context.Context, r *TestResult) error
	UpdateResult(ctx context.Context, r *TestResult) error
	ListResults(ctx context.Context, runID uuid.UUID) ([]*TestResult, error)
}

// --- Reports ---

// ReportStore defines persistence operations for generated reports. Saving a
// report for a (run, type) pair that already has one replaces it.
type ReportStore interface {
	SaveReport(ctx context.Context, r *TestReport) error
	GetReport(ctx context.Context, runID uuid.UUID, t ReportType) (*TestReport, error)
	ListReports(ctx context.Context, runID uuid.UUID) ([]*TestReport, error)
	DeleteExpiredReports(ctx context.Context, before time.Time) (int, error)
}

// --- Cron jobs ---

// CronJobFilter specifies criteria for listing cron jobs.
type CronJobFilter struct {
	ActiveOnly bool
}

// CronJobStore defines persistence operations for cron jobs.
type CronJobStore interface {
	CreateCronJob(ctx context.Context, j *CronJob) error
	GetCronJob(ctx context.Context, id uuid.UUID) (*CronJob, error)
	UpdateCronJob(ctx context.Context, j *CronJob) error
	ListCronJobs(ctx context.Context, f CronJobFilter) ([]*CronJob, error)
}

// --- Suites ---

// SuiteFilter specifies criteria for listing suites.
type SuiteFilter struct {
	ActiveOnly    bool
	ScheduledOnly bool
}

// SuiteStore defines persistence operations for test suites.
type SuiteStore interface {
	CreateSuite(ctx context.Context, s *TestSuite) error
	GetSuite(ctx context.Context, id uuid.UUID) (*TestSuite, error)
	UpdateSuite(ctx context.Context, s *TestSuite) error
	ListSuites(ctx context.Context, f SuiteFilter) ([]*TestSuite, error)
}

// --- Read-only collaborators ---

// EnvironmentStore reads target environments.
type EnvironmentStore interface {
	GetEnvironment(ctx context.Context, id uuid.UUID) (*TestEnvironment, error)
	ListEnvironments(ctx context.Context, activeOnly bool) ([]*TestEnvironment, error)
}

// RecipientStore reads notification preferences scoped to an environment.
type RecipientStore interface {
	ListRecipients(ctx context.Context, environmentID uuid.UUID) ([]*NotificationRecipient, error)
}

// Repository groups every store the engine uses.
type Repository interface {
	Runs() RunStore
	Results() ResultStore
	Reports() ReportStore
	CronJobs() CronJobStore
	Suites() SuiteStore
	Environments() EnvironmentStore
	Recipients() RecipientStore
}
