package store

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle status of a test run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusPreparing RunStatus = "preparing"
	RunStatusCloning   RunStatus = "cloning"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusRunning   RunStatus = "running"
	RunStatusReporting RunStatus = "reporting"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// runStatusOrder ranks the non-terminal statuses; a run only moves forward.
var runStatusOrder = map[RunStatus]int{
	RunStatusPending:   0,
	RunStatusPreparing: 1,
	RunStatusCloning:   2,
	RunStatusWaiting:   3,
	RunStatusRunning:   4,
	RunStatusReporting: 5,
}

// ValidRunStatuses is the set of valid run status values.
var ValidRunStatuses = map[RunStatus]bool{
	RunStatusPending:   true,
	RunStatusPreparing: true,
	RunStatusCloning:   true,
	RunStatusWaiting:   true,
	RunStatusRunning:   true,
	RunStatusReporting: true,
	RunStatusCompleted: true,
	RunStatusFailed:    true,
	RunStatusCancelled: true,
}

// IsTerminal reports whether no further transitions are possible from s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// ActiveRunStatuses returns the non-terminal statuses in pipeline order.
func ActiveRunStatuses() []RunStatus {
	return []RunStatus{
		RunStatusPending, RunStatusPreparing, RunStatusCloning,
		RunStatusWaiting, RunStatusRunning, RunStatusReporting,
	}
}

// CanTransition reports whether a run may move from one status to another.
// Non-terminal statuses advance forward only and may jump to any terminal
// status; terminal statuses are final.
func CanTransition(from, to RunStatus) bool {
	if from.IsTerminal() || !ValidRunStatuses[to] {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	fi, ok := runStatusOrder[from]
	if !ok {
		return false
	}
	return runStatusOrder[to] > fi
}

// TestType selects which suite executor(s) a run uses.
type TestType string

const (
	TestTypeMFTF       TestType = "mftf"
	TestTypePlaywright TestType = "playwright"
	TestTypeBoth       TestType = "both"
)

// Valid reports whether t is a known test type.
func (t TestType) Valid() bool {
	return t == TestTypeMFTF || t == TestTypePlaywright || t == TestTypeBoth
}

// TriggerSource records what created a run.
type TriggerSource string

const (
	TriggerManual    TriggerSource = "manual"
	TriggerScheduler TriggerSource = "scheduler"
	TriggerAPI       TriggerSource = "api"
	TriggerRetry     TriggerSource = "retry"
)

// ResultStatus is the canonical outcome of a single test.
type ResultStatus string

const (
	ResultPassed  ResultStatus = "passed"
	ResultFailed  ResultStatus = "failed"
	ResultSkipped ResultStatus = "skipped"
	ResultBroken  ResultStatus = "broken"
)

// ReportType identifies a generated report format.
type ReportType string

const (
	ReportTypeAllure ReportType = "allure"
	ReportTypeHTML   ReportType = "html"
	ReportTypeJSON   ReportType = "json"
)

// CronJobStatus is the outcome of the last cron job invocation.
type CronJobStatus string

const (
	CronJobStatusNone    CronJobStatus = ""
	CronJobStatusSuccess CronJobStatus = "success"
	CronJobStatusFailed  CronJobStatus = "failed"
	CronJobStatusRunning CronJobStatus = "running"
	CronJobStatusLocked  CronJobStatus = "locked"
)

const (
	// MaxRunOutputBytes caps the captured output stored on a run.
	MaxRunOutputBytes = 1 << 20
	// MaxCronOutputBytes caps the last output stored on a cron job.
	MaxCronOutputBytes = 64 << 10
	// TruncationMarker prefixes output whose oldest bytes were dropped.
	TruncationMarker = "[truncated]\n"
	// StallMessagePrefix starts the error message the watchdog writes.
	StallMessagePrefix = "Run stalled"
)

// TruncateOutput keeps the newest bytes of s so that the result, including
// the truncation marker, fits in limit bytes.
func TruncateOutput(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	keep := limit - len(TruncationMarker)
	if keep <= 0 {
		return TruncationMarker[:limit]
	}
	tail := s[len(s)-keep:]
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}
	return TruncationMarker + tail
}

// TestRun is one execution of a suite (or ad-hoc filter) against an environment.
type TestRun struct {
	ID                    uuid.UUID     `json:"id"`
	EnvironmentID         uuid.UUID     `json:"environment_id"`
	SuiteID               *uuid.UUID    `json:"suite_id,omitempty"`
	TestType              TestType      `json:"test_type"`
	Filter                string        `json:"filter,omitempty"`
	Status                RunStatus     `json:"status"`
	Trigger               TriggerSource `json:"trigger"`
	Output                string        `json:"output,omitempty"`
	ProcessID             *int          `json:"process_id,omitempty"`
	ErrorMessage          string        `json:"error_message,omitempty"`
	SuppressNotifications bool          `json:"suppress_notifications"`
	RetryOf               *uuid.UUID    `json:"retry_of,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
	StartedAt             *time.Time    `json:"started_at,omitempty"`
	CompletedAt           *time.Time    `json:"completed_at,omitempty"`
}

// CanBeCancelled reports whether the run is still in a non-terminal status.
func (r *TestRun) CanBeCancelled() bool { return !r.Status.IsTerminal() }

// IsFinished reports whether the run reached a terminal status.
func (r *TestRun) IsFinished() bool { return r.Status.IsTerminal() }

// IsStalled reports whether the run was force-failed by the watchdog.
func (r *TestRun) IsStalled() bool {
	return r.Status == RunStatusFailed && strings.HasPrefix(r.ErrorMessage, StallMessagePrefix)
}

// Transition moves the run to a new status, maintaining the started/completed
// timestamps. A stalled run may still be promoted to completed when its
// execution finishes successfully.
func (r *TestRun) Transition(to RunStatus, now time.Time) error {
	if r.Status == to {
		return nil
	}
	if !CanTransition(r.Status, to) && !(r.IsStalled() && to == RunStatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	if r.StartedAt == nil {
		t := now
		r.StartedAt = &t
	}
	if to.IsTerminal() {
		t := now
		r.CompletedAt = &t
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}

// Fail moves the run to failed with the given message.
func (r *TestRun) Fail(msg string, now time.Time) error {
	if err := r.Transition(RunStatusFailed, now); err != nil {
		return err
	}
	r.ErrorMessage = msg
	return nil
}

// AppendOutput appends chunk to the captured output, dropping the oldest
// bytes once MaxRunOutputBytes is exceeded.
func (r *TestRun) AppendOutput(chunk string) {
	r.Output = TruncateOutput(r.Output+chunk, MaxRunOutputBytes)
}

// TestResult is the outcome of one test within a run.
type TestResult struct {
	ID           uuid.UUID     `json:"id"`
	RunID        uuid.UUID     `json:"run_id"`
	TestName     string        `json:"test_name"`
	TestID       string        `json:"test_id,omitempty"`
	Status       ResultStatus  `json:"status"`
	Duration     time.Duration `json:"duration"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Screenshot   string        `json:"screenshot,omitempty"`
	AllureResult string        `json:"allure_result,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ResultSummary counts results by status.
type ResultSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Broken  int `json:"broken"`
}

// Summarize counts results by status.
func Summarize(results []*TestResult) ResultSummary {
	var s ResultSummary
	for _, r := range results {
		s.Total++
		switch r.Status {
		case ResultPassed:
			s.Passed++
		case ResultFailed:
			s.Failed++
		case ResultSkipped:
			s.Skipped++
		case ResultBroken:
			s.Broken++
		}
	}
	return s
}

// TestReport is a generated report for a run.
type TestReport struct {
	ID          uuid.UUID  `json:"id"`
	RunID       uuid.UUID  `json:"run_id"`
	Type        ReportType `json:"type"`
	FilePath    string     `json:"file_path"`
	URL         string     `json:"url"`
	GeneratedAt time.Time  `json:"generated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// CronJob is a shell command run on a cron schedule.
type CronJob struct {
	ID             uuid.UUID     `json:"id"`
	Name           string        `json:"name"`
	Command        string        `json:"command"`
	CronExpression string        `json:"cron_expression"`
	Active         bool          `json:"active"`
	LastRunAt      *time.Time    `json:"last_run_at,omitempty"`
	LastStatus     CronJobStatus `json:"last_status,omitempty"`
	LastOutput     string        `json:"last_output,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// TestSuite is a named, optionally scheduled, set of tests.
type TestSuite struct {
	ID             uuid.UUID   `json:"id"`
	Name           string      `json:"name"`
	TestType       TestType    `json:"test_type"`
	TestPattern    string      `json:"test_pattern"`
	ExcludedTests  []string    `json:"excluded_tests,omitempty"`
	CronExpression *string     `json:"cron_expression,omitempty"`
	Active         bool        `json:"active"`
	EnvironmentIDs []uuid.UUID `json:"environment_ids,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// IsScheduled reports whether the suite should be fired by the scheduler.
func (s *TestSuite) IsScheduled() bool {
	return s.Active && s.CronExpression != nil && strings.TrimSpace(*s.CronExpression) != ""
}

// TestEnvironment is a target installation tests run against.
type TestEnvironment struct {
	ID            uuid.UUID         `json:"id"`
	Name          string            `json:"name"`
	Code          string            `json:"code"`
	Region        string            `json:"region,omitempty"`
	BaseURL       string            `json:"base_url"`
	AdminUsername string            `json:"admin_username,omitempty"`
	AdminPassword string            `json:"-"`
	Active        bool              `json:"active"`
	Variables     map[string]string `json:"variables,omitempty"`
}

// Slug returns the path-safe name used for the environment's report tree.
func (e *TestEnvironment) Slug() string {
	src := e.Code
	if src == "" {
		src = e.Name
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(src) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// NotificationRecipient is a user's notification preference as seen by the
// dispatcher. An empty EnvironmentIDs list means every environment.
type NotificationRecipient struct {
	Email          string      `json:"email"`
	EmailEnabled   bool        `json:"email_enabled"`
	SlackEnabled   bool        `json:"slack_enabled"`
	EnvironmentIDs []uuid.UUID `json:"environment_ids,omitempty"`
}

// AppliesTo reports whether the preference covers the environment.
func (n *NotificationRecipient) AppliesTo(envID uuid.UUID) bool {
	if len(n.EnvironmentIDs) == 0 {
		return true
	}
	for _, id := range n.EnvironmentIDs {
		if id == envID {
			return true
		}
	}
	return false
}
