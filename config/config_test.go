package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
workspace:
  repository: https://example.com/acme/tests.git
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Queue.Backend != "memory" {
		t.Errorf("queue.backend = %q", cfg.Queue.Backend)
	}
	if !cfg.Lock.GateSyncRuns {
		t.Error("gate_sync_runs should default to true")
	}
	if cfg.Watchdog.StaleMinutes != 30 {
		t.Errorf("watchdog.stale_minutes = %d", cfg.Watchdog.StaleMinutes)
	}
	if cfg.Report.Debounce != 3*time.Second {
		t.Errorf("report.debounce = %v", cfg.Report.Debounce)
	}
	if cfg.Workspace.Repository != "https://example.com/acme/tests.git" {
		t.Errorf("workspace.repository = %q", cfg.Workspace.Repository)
	}
}

func TestParseOverridesAndDurations(t *testing.T) {
	cfg, err := Parse([]byte(`
workspace:
  repository: git@example.com:acme/tests.git
  branch: release
lock:
  gate_sync_runs: false
  environment_ttl: 2h
report:
  root: /srv/allure
  builder: http
  service_url: http://allure:5050
  debounce: 750ms
runs:
  notify_scheduled_runs: true
artifacts:
  root: /srv/artifacts
  s3:
    bucket: evidence
scheduler:
  timezone: Europe/Amsterdam
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Lock.GateSyncRuns {
		t.Error("gate_sync_runs override ignored")
	}
	if cfg.Lock.EnvironmentTTL != 2*time.Hour {
		t.Errorf("environment_ttl = %v", cfg.Lock.EnvironmentTTL)
	}
	if cfg.Report.Root != "/srv/allure" || cfg.Report.Debounce != 750*time.Millisecond {
		t.Errorf("report = %+v", cfg.Report)
	}
	if cfg.Artifacts.Root != "/srv/artifacts" || cfg.Artifacts.S3.Bucket != "evidence" {
		t.Errorf("artifacts = %+v", cfg.Artifacts)
	}
	if cfg.Artifacts.MaxFileSize == 0 {
		t.Error("unset inline field lost its default")
	}

	orch := cfg.Orchestrator()
	if orch.GateSyncRuns || !orch.NotifyScheduledRuns || orch.LockTTL != 2*time.Hour {
		t.Errorf("orchestrator config = %+v", orch)
	}
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("ACME_REPO", "https://example.com/acme/expanded.git")
	cfg, err := Parse([]byte(`
workspace:
  repository: ${ACME_REPO}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Workspace.Repository != "https://example.com/acme/expanded.git" {
		t.Errorf("repository = %q", cfg.Workspace.Repository)
	}
}

func TestPrefixedEnvironmentOverrides(t *testing.T) {
	t.Setenv("TESTRUNNER_DATABASE_URL", "postgres://runner@db/testrunner")
	t.Setenv("TESTRUNNER_SLACK_WEBHOOK_URL", "https://hooks.example.com/T000")
	t.Setenv("TESTRUNNER_GATE_SYNC_RUNS", "false")
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Database.URL != "postgres://runner@db/testrunner" {
		t.Errorf("database.url = %q", cfg.Database.URL)
	}
	if cfg.Notify.Slack.WebhookURL != "https://hooks.example.com/T000" {
		t.Errorf("slack webhook = %q", cfg.Notify.Slack.WebhookURL)
	}
	if cfg.Lock.GateSyncRuns {
		t.Error("TESTRUNNER_GATE_SYNC_RUNS ignored")
	}

	t.Setenv("TESTRUNNER_DEV_MODE", "maybe")
	if _, err := Parse([]byte(minimalYAML)); err == nil {
		t.Error("expected error for unparsable boolean override")
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	_, err := Parse([]byte(`
log:
  level: chatty
queue:
  backend: jetstream
report:
  builder: http
watchdog:
  stale_minutes: -1
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log.level", "queue.jetstream.url", "report.service_url", "workspace.repository", "watchdog.stale_minutes"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestHeartbeatMustBeatTheWatchdog(t *testing.T) {
	_, err := Parse([]byte(`
workspace:
  repository: https://example.com/acme/tests.git
lock:
  heartbeat_interval: 45m
watchdog:
  stale_minutes: 30
`))
	if err == nil || !strings.Contains(err.Error(), "lock.heartbeat_interval") {
		t.Fatalf("err = %v, want lock.heartbeat_interval error", err)
	}
}

func TestDevModeNeedsPathNotRepository(t *testing.T) {
	if _, err := Parse([]byte("workspace:\n  dev_mode: true\n")); err == nil {
		t.Error("dev mode without dev_path should fail")
	}
	if _, err := Parse([]byte("workspace:\n  dev_mode: true\n  dev_path: /src/tests\n")); err != nil {
		t.Errorf("dev mode with dev_path: %v", err)
	}
}

func TestLoadReadsDotEnvNextToFile(t *testing.T) {
	dir := t.TempDir()
	const key = "TESTRUNNER_CONFIG_TEST_REPO"
	t.Cleanup(func() { _ = os.Unsetenv(key) })
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=https://example.com/from-dotenv.git\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	fp := filepath.Join(dir, "testrunner.yaml")
	if err := os.WriteFile(fp, []byte("workspace:\n  repository: ${"+key+"}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace.Repository != "https://example.com/from-dotenv.git" {
		t.Errorf("repository = %q", cfg.Workspace.Repository)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestChangedSections(t *testing.T) {
	old := Default()
	updated := Default()
	updated.Log.Level = "debug"
	got := ChangedSections(old, updated)
	if len(got) != 1 || got[0] != "log" || !OnlyReloadable(got) {
		t.Fatalf("changed = %v", got)
	}

	updated.Scheduler.RefreshInterval = time.Hour
	got = ChangedSections(old, updated)
	if len(got) != 2 || got[1] != "scheduler" || OnlyReloadable(got) {
		t.Fatalf("changed = %v", got)
	}
}
