package store

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunStatusPending, RunStatusPreparing, true},
		{RunStatusPreparing, RunStatusCloning, true},
		{RunStatusCloning, RunStatusWaiting, true},
		{RunStatusWaiting, RunStatusRunning, true},
		{RunStatusRunning, RunStatusReporting, true},
		{RunStatusPending, RunStatusCancelled, true},
		{RunStatusRunning, RunStatusFailed, true},
		{RunStatusReporting, RunStatusCompleted, true},
		{RunStatusRunning, RunStatusPreparing, false},
		{RunStatusCompleted, RunStatusFailed, false},
		{RunStatusCancelled, RunStatusPending, false},
		{RunStatusFailed, RunStatusRunning, false},
		{RunStatusPending, RunStatus("bogus"), false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTestRunTransitionTimestamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &TestRun{ID: uuid.New(), Status: RunStatusPending}

	if r.StartedAt != nil || r.CompletedAt != nil {
		t.Fatal("new run should have no timestamps")
	}
	if err := r.Transition(RunStatusPreparing, now); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if r.StartedAt == nil || !r.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", r.StartedAt, now)
	}
	if r.CompletedAt != nil {
		t.Error("CompletedAt should stay unset while non-terminal")
	}
	if !r.CanBeCancelled() || r.IsFinished() {
		t.Error("preparing run should be cancellable and unfinished")
	}

	later := now.Add(time.Minute)
	if err := r.Transition(RunStatusCompleted, later); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if r.CompletedAt == nil || !r.CompletedAt.Equal(later) {
		t.Errorf("CompletedAt = %v, want %v", r.CompletedAt, later)
	}
	if r.CanBeCancelled() || !r.IsFinished() {
		t.Error("completed run should be finished and not cancellable")
	}

	err := r.Transition(RunStatusRunning, later)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTestRunStalledCanComplete(t *testing.T) {
	now := time.Now()
	r := &TestRun{Status: RunStatusRunning}
	if err := r.Fail(StallMessagePrefix+": no progress for 30 minutes", now); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !r.IsStalled() {
		t.Fatal("expected run to be stalled")
	}
	if err := r.Transition(RunStatusCompleted, now); err != nil {
		t.Fatalf("stalled run should complete: %v", err)
	}

	other := &TestRun{Status: RunStatusFailed, ErrorMessage: "2 tests failed"}
	if err := other.Transition(RunStatusCompleted, now); err == nil {
		t.Error("ordinary failed run must not be promoted")
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := TruncateOutput("short", 100); got != "short" {
		t.Errorf("got %q", got)
	}

	long := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	got := TruncateOutput(long, 40)
	if len(got) > 40 {
		t.Errorf("len = %d, want <= 40", len(got))
	}
	if !strings.HasPrefix(got, TruncationMarker) {
		t.Errorf("missing marker: %q", got)
	}
	if !strings.HasSuffix(got, "bbbb") {
		t.Errorf("newest bytes should be kept: %q", got)
	}

	multi := strings.Repeat("é", 40)
	got = TruncateOutput(multi, 31)
	if !utf8.ValidString(got) {
		t.Errorf("truncation split a rune: %q", got)
	}
}

func TestTestRunAppendOutputCap(t *testing.T) {
	r := &TestRun{}
	chunk := strings.Repeat("x", 512*1024)
	r.AppendOutput(chunk)
	r.AppendOutput(chunk)
	r.AppendOutput("tail")
	if len(r.Output) > MaxRunOutputBytes {
		t.Fatalf("output len %d exceeds cap", len(r.Output))
	}
	if !strings.HasPrefix(r.Output, TruncationMarker) || !strings.HasSuffix(r.Output, "tail") {
		t.Error("expected marker at start and newest output at end")
	}
}

func TestEnvironmentSlug(t *testing.T) {
	tests := []struct {
		env  TestEnvironment
		want string
	}{
		{TestEnvironment{Code: "US-Staging"}, "us-staging"},
		{TestEnvironment{Name: "EU Prod (main)"}, "eu-prod-main"},
		{TestEnvironment{Code: "  qa__01 "}, "qa-01"},
	}
	for _, tt := range tests {
		if got := tt.env.Slug(); got != tt.want {
			t.Errorf("Slug(%+v) = %q, want %q", tt.env, got, tt.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	results := []*TestResult{
		{Status: ResultPassed}, {Status: ResultPassed}, {Status: ResultFailed},
		{Status: ResultSkipped}, {Status: ResultBroken},
	}
	s := Summarize(results)
	if s.Total != 5 || s.Passed != 2 || s.Failed != 1 || s.Skipped != 1 || s.Broken != 1 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestSuiteIsScheduled(t *testing.T) {
	expr := "0 2 * * *"
	blank := "  "
	tests := []struct {
		name  string
		suite TestSuite
		want  bool
	}{
		{"active with cron", TestSuite{Active: true, CronExpression: &expr}, true},
		{"inactive", TestSuite{Active: false, CronExpression: &expr}, false},
		{"null cron", TestSuite{Active: true}, false},
		{"blank cron", TestSuite{Active: true, CronExpression: &blank}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.suite.IsScheduled(); got != tt.want {
				t.Errorf("IsScheduled = %v, want %v", got, tt.want)
			}
		})
	}
}
