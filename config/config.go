// Package config loads the testrunner configuration from YAML with
// environment variable expansion and TESTRUNNER_* overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/testrunner/artifact"
	"github.com/GoCodeAlone/testrunner/cronjob"
	"github.com/GoCodeAlone/testrunner/executor"
	"github.com/GoCodeAlone/testrunner/lock"
	"github.com/GoCodeAlone/testrunner/metrics"
	"github.com/GoCodeAlone/testrunner/notify"
	"github.com/GoCodeAlone/testrunner/observability/tracing"
	"github.com/GoCodeAlone/testrunner/orchestrator"
	"github.com/GoCodeAlone/testrunner/queue"
	"github.com/GoCodeAlone/testrunner/report"
	"github.com/GoCodeAlone/testrunner/scheduler"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/GoCodeAlone/testrunner/watchdog"
	"github.com/GoCodeAlone/testrunner/workspace"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TESTRUNNER_"

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// LockConfig configures the lock backend and environment gating. An empty
// Redis address selects the in-process locker.
type LockConfig struct {
	Redis          lock.RedisConfig `yaml:"redis" json:"redis"`
	EnvironmentTTL time.Duration    `yaml:"environment_ttl" json:"environment_ttl"`
	PollInterval   time.Duration    `yaml:"poll_interval" json:"poll_interval"`
	RequeueDelay   time.Duration    `yaml:"requeue_delay" json:"requeue_delay"`
	GateSyncRuns   bool             `yaml:"gate_sync_runs" json:"gate_sync_runs"`
	// HeartbeatInterval is how often an executing run refreshes its
	// environment lock and last-update time.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
}

// QueueConfig selects the message broker.
type QueueConfig struct {
	Backend   string                `yaml:"backend" json:"backend"`
	JetStream queue.JetStreamConfig `yaml:"jetstream" json:"jetstream"`
}

// ExecutorsConfig configures both suite executors.
type ExecutorsConfig struct {
	MFTF       executor.MFTFConfig       `yaml:"mftf" json:"mftf"`
	Playwright executor.PlaywrightConfig `yaml:"playwright" json:"playwright"`
}

// ArtifactsConfig configures evidence collection and the optional object
// store archive, enabled when S3.Bucket is set.
type ArtifactsConfig struct {
	artifact.Config `yaml:",inline"`
	S3              artifact.S3Config `yaml:"s3" json:"s3"`
	RetentionDays   int               `yaml:"retention_days" json:"retention_days"`
}

// ReportConfig configures report generation. Builder is "cli" to run the
// Allure command line or "http" to use an Allure report service.
type ReportConfig struct {
	report.Config `yaml:",inline"`
	Builder       string        `yaml:"builder" json:"builder"`
	Binary        string        `yaml:"binary" json:"binary"`
	ServiceURL    string        `yaml:"service_url" json:"service_url"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
}

// NotifyConfig configures notification channels. An empty webhook or SMTP
// host disables the channel.
type NotifyConfig struct {
	Slack notify.SlackConfig `yaml:"slack" json:"slack"`
	SMTP  notify.SMTPConfig  `yaml:"smtp" json:"smtp"`
}

// RunsConfig tunes run execution.
type RunsConfig struct {
	WatchResults        bool          `yaml:"watch_results" json:"watch_results"`
	WatchDebounce       time.Duration `yaml:"watch_debounce" json:"watch_debounce"`
	NotifyScheduledRuns bool          `yaml:"notify_scheduled_runs" json:"notify_scheduled_runs"`
}

// Config is the complete process configuration.
type Config struct {
	Log       LogConfig        `yaml:"log" json:"log"`
	Database  store.PGConfig   `yaml:"database" json:"database"`
	Lock      LockConfig       `yaml:"lock" json:"lock"`
	Queue     QueueConfig      `yaml:"queue" json:"queue"`
	Workspace workspace.Config `yaml:"workspace" json:"workspace"`
	Executors ExecutorsConfig  `yaml:"executors" json:"executors"`
	Artifacts ArtifactsConfig  `yaml:"artifacts" json:"artifacts"`
	Report    ReportConfig     `yaml:"report" json:"report"`
	Notify    NotifyConfig     `yaml:"notify" json:"notify"`
	Runs      RunsConfig       `yaml:"runs" json:"runs"`
	Scheduler scheduler.Config `yaml:"scheduler" json:"scheduler"`
	CronJobs  cronjob.Config   `yaml:"cron_jobs" json:"cron_jobs"`
	Watchdog  watchdog.Config  `yaml:"watchdog" json:"watchdog"`
	Metrics   metrics.Config   `yaml:"metrics" json:"metrics"`
	Tracing   tracing.Config   `yaml:"tracing" json:"tracing"`
}

// Default returns a configuration that runs everything in-process with
// local directories under ./var.
func Default() *Config {
	orch := orchestrator.DefaultConfig()
	return &Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		Database: store.PGConfig{MaxConns: 10},
		Lock: LockConfig{
			Redis:          lock.RedisConfig{Prefix: "testrunner:lock:"},
			EnvironmentTTL: orch.LockTTL,
			PollInterval:   orch.LockPollInterval,
			RequeueDelay:   15 * time.Second,
			GateSyncRuns:   orch.GateSyncRuns,

			HeartbeatInterval: orch.HeartbeatInterval,
		},
		Queue: QueueConfig{
			Backend:   "memory",
			JetStream: queue.JetStreamConfig{Stream: "TESTRUNNER", AckWait: 5 * time.Hour, Concurrency: 4},
		},
		Workspace: workspace.Config{
			Root:     "var/workspace",
			Name:     "tests",
			Branch:   "main",
			Depth:    1,
			LockTTL:  10 * time.Minute,
			LockWait: 5 * time.Minute,
		},
		Executors: ExecutorsConfig{
			MFTF:       executor.MFTFConfig{Binary: "vendor/bin/mftf", ResultsRoot: "var/results", Timeout: 4 * time.Hour},
			Playwright: executor.PlaywrightConfig{Binary: "npx", Args: []string{"playwright", "test"}, ResultsRoot: "var/results", Timeout: 4 * time.Hour},
		},
		Artifacts: ArtifactsConfig{
			Config: artifact.Config{
				Root:        "var/artifacts",
				ResultsRoot: "var/results",
				MaxFileSize: 50 << 20,
				URLTemplate: artifact.DefaultURLTemplate,
			},
			RetentionDays: 30,
		},
		Report: ReportConfig{
			Config: report.Config{
				Root:           "var/allure",
				BaseURL:        "http://localhost:8080/allure",
				RunResultsRoot: "var/results",
				Debounce:       3 * time.Second,
				Retention:      30 * 24 * time.Hour,
				LockTTL:        10 * time.Minute,
			},
			Builder: "cli",
			Binary:  "allure",
			Timeout: 10 * time.Minute,
		},
		Notify: NotifyConfig{
			Slack: notify.SlackConfig{Username: "Test Runner", MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Timeout: 10 * time.Second, RatePerSecond: 1},
			SMTP:  notify.SMTPConfig{Port: 587},
		},
		Runs: RunsConfig{
			WatchResults:  orch.WatchResults,
			WatchDebounce: orch.WatchDebounce,
		},
		Scheduler: scheduler.Config{RefreshInterval: time.Minute, FireLockTTL: 50 * time.Second},
		CronJobs:  cronjob.DefaultConfig(),
		Watchdog:  watchdog.DefaultConfig(),
		Metrics:   metrics.DefaultConfig(),
		Tracing:   tracing.DefaultConfig(),
	}
}

// Load reads path (if non-empty), expands ${VAR} references, applies
// TESTRUNNER_* overrides and validates the result. A .env file in the
// working directory or next to path is loaded first; variables already set
// in the environment win.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(path); err != nil {
		return nil, err
	}
	if path == "" {
		cfg := Default()
		if err := cfg.applyEnv(); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default, expanding environment references.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	candidates := []string{".env"}
	if path != "" {
		if dir := filepath.Dir(path); dir != "." {
			candidates = append(candidates, filepath.Join(dir, ".env"))
		}
	}
	for _, f := range candidates {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// applyEnv applies TESTRUNNER_* overrides, mostly secrets that should not
// live in the YAML file.
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"LOG_LEVEL":            &c.Log.Level,
		"LOG_FORMAT":           &c.Log.Format,
		"DATABASE_URL":         &c.Database.URL,
		"REDIS_ADDRESS":        &c.Lock.Redis.Address,
		"REDIS_PASSWORD":       &c.Lock.Redis.Password,
		"QUEUE_BACKEND":        &c.Queue.Backend,
		"NATS_URL":             &c.Queue.JetStream.URL,
		"WORKSPACE_ROOT":       &c.Workspace.Root,
		"REPOSITORY":           &c.Workspace.Repository,
		"REPOSITORY_TOKEN":     &c.Workspace.Token,
		"DEV_PATH":             &c.Workspace.DevPath,
		"SLACK_WEBHOOK_URL":    &c.Notify.Slack.WebhookURL,
		"SMTP_HOST":            &c.Notify.SMTP.Host,
		"SMTP_USERNAME":        &c.Notify.SMTP.Username,
		"SMTP_PASSWORD":        &c.Notify.SMTP.Password,
		"SMTP_FROM":            &c.Notify.SMTP.From,
		"S3_BUCKET":            &c.Artifacts.S3.Bucket,
		"S3_ENDPOINT":          &c.Artifacts.S3.Endpoint,
		"S3_ACCESS_KEY_ID":     &c.Artifacts.S3.AccessKeyID,
		"S3_SECRET_ACCESS_KEY": &c.Artifacts.S3.SecretAccessKey,
		"REPORT_BASE_URL":      &c.Report.BaseURL,
		"OTLP_ENDPOINT":        &c.Tracing.Endpoint,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	bools := map[string]*bool{
		"DEV_MODE":        &c.Workspace.DevMode,
		"GATE_SYNC_RUNS":  &c.Lock.GateSyncRuns,
		"TRACING_ENABLED": &c.Tracing.Enabled,
	}
	for name, dst := range bools {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
	}
	return nil
}

// Validate checks the configuration for values the process cannot start
// with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	switch c.Queue.Backend {
	case "memory":
	case "jetstream":
		if c.Queue.JetStream.URL == "" {
			errs = append(errs, errors.New("queue.jetstream.url is required for the jetstream backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q must be memory or jetstream", c.Queue.Backend))
	}
	switch c.Report.Builder {
	case "cli":
	case "http":
		if c.Report.ServiceURL == "" {
			errs = append(errs, errors.New("report.service_url is required for the http builder"))
		}
	default:
		errs = append(errs, fmt.Errorf("report.builder %q must be cli or http", c.Report.Builder))
	}
	if c.Workspace.Root == "" {
		errs = append(errs, errors.New("workspace.root is required"))
	}
	if c.Workspace.DevMode && c.Workspace.DevPath == "" {
		errs = append(errs, errors.New("workspace.dev_path is required in dev mode"))
	}
	if !c.Workspace.DevMode && c.Workspace.Repository == "" {
		errs = append(errs, errors.New("workspace.repository is required unless dev_mode is set"))
	}
	if c.Artifacts.Root == "" || c.Report.Root == "" {
		errs = append(errs, errors.New("artifacts.root and report.root are required"))
	}
	if c.Lock.EnvironmentTTL <= 0 {
		errs = append(errs, errors.New("lock.environment_ttl must be positive"))
	}
	if c.Watchdog.StaleMinutes <= 0 {
		errs = append(errs, errors.New("watchdog.stale_minutes must be positive"))
	}
	if hb := c.Lock.HeartbeatInterval; hb <= 0 {
		errs = append(errs, errors.New("lock.heartbeat_interval must be positive"))
	} else if hb >= c.Lock.EnvironmentTTL || hb >= time.Duration(c.Watchdog.StaleMinutes)*time.Minute {
		errs = append(errs, errors.New("lock.heartbeat_interval must be shorter than lock.environment_ttl and watchdog.stale_minutes"))
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("tracing.sample_rate must be between 0 and 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Orchestrator returns the orchestrator settings spread across the lock
// and runs sections.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		LockTTL:             c.Lock.EnvironmentTTL,
		LockPollInterval:    c.Lock.PollInterval,
		GateSyncRuns:        c.Lock.GateSyncRuns,
		HeartbeatInterval:   c.Lock.HeartbeatInterval,
		WatchResults:        c.Runs.WatchResults,
		WatchDebounce:       c.Runs.WatchDebounce,
		NotifyScheduledRuns: c.Runs.NotifyScheduledRuns,
	}
}
