// Package metrics exposes Prometheus metrics for runs, phases, locks,
// notifications, cron jobs and the watchdog.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the Collector.
type Config struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Path      string `yaml:"path" json:"path"`
	Address   string `yaml:"address" json:"address"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "testrunner",
		Path:      "/metrics",
		Address:   ":9090",
	}
}

// Collector holds the metric vectors on its own registry. A nil *Collector
// is valid and records nothing.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	RunsFinished       *prometheus.CounterVec
	PhaseDuration      *prometheus.HistogramVec
	TestResults        *prometheus.CounterVec
	LockContention     *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
	CronJobRuns        *prometheus.CounterVec
	WatchdogRecoveries prometheus.Counter
	ActivePhases       *prometheus.GaugeVec
}

// New creates a Collector and registers its metrics.
func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	ns := cfg.Namespace
	reg := prometheus.NewRegistry()

	c := &Collector{
		config:   cfg,
		registry: reg,
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_finished_total",
			Help:      "Test runs that reached a terminal status",
		}, []string{"test_type", "status", "trigger"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "phase_duration_seconds",
			Help:      "Duration of run pipeline phases in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"phase", "outcome"}),
		TestResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "test_results_total",
			Help:      "Parsed test results by status",
		}, []string{"test_type", "status"}),
		LockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "lock_contention_total",
			Help:      "Lock acquisitions that found the key held by another owner",
		}, []string{"kind"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and outcome",
		}, []string{"channel", "outcome"}),
		CronJobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cron_job_runs_total",
			Help:      "Cron job invocations by final status",
		}, []string{"status"}),
		WatchdogRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "watchdog_recoveries_total",
			Help:      "Stalled runs force-failed by the watchdog",
		}),
		ActivePhases: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_phases",
			Help:      "Phases currently being handled",
		}, []string{"phase"}),
	}
	reg.MustRegister(
		c.RunsFinished,
		c.PhaseDuration,
		c.TestResults,
		c.LockContention,
		c.Notifications,
		c.CronJobRuns,
		c.WatchdogRecoveries,
		c.ActivePhases,
	)
	return c
}

// Path returns the configured metrics endpoint path.
func (c *Collector) Path() string { return c.config.Path }

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves the metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRunFinished counts a run reaching a terminal status.
func (c *Collector) RecordRunFinished(testType, status, trigger string) {
	if c == nil {
		return
	}
	c.RunsFinished.WithLabelValues(testType, status, trigger).Inc()
}

// ObservePhase records a phase duration. outcome is "ok", "error" or
// "requeued".
func (c *Collector) ObservePhase(phase, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.PhaseDuration.WithLabelValues(phase, outcome).Observe(d.Seconds())
}

// PhaseStarted and PhaseDone track phases in flight.
func (c *Collector) PhaseStarted(phase string) {
	if c == nil {
		return
	}
	c.ActivePhases.WithLabelValues(phase).Inc()
}

func (c *Collector) PhaseDone(phase string) {
	if c == nil {
		return
	}
	c.ActivePhases.WithLabelValues(phase).Dec()
}

// RecordTestResults adds parsed result counts.
func (c *Collector) RecordTestResults(testType string, passed, failed, skipped, broken int) {
	if c == nil {
		return
	}
	c.TestResults.WithLabelValues(testType, "passed").Add(float64(passed))
	c.TestResults.WithLabelValues(testType, "failed").Add(float64(failed))
	c.TestResults.WithLabelValues(testType, "skipped").Add(float64(skipped))
	c.TestResults.WithLabelValues(testType, "broken").Add(float64(broken))
}

// RecordLockContention counts a contended acquisition. kind is the key
// prefix, e.g. "env".
func (c *Collector) RecordLockContention(kind string) {
	if c == nil {
		return
	}
	c.LockContention.WithLabelValues(kind).Inc()
}

// RecordNotification counts a delivery attempt.
func (c *Collector) RecordNotification(channel string, err error) {
	if c == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	c.Notifications.WithLabelValues(channel, outcome).Inc()
}

// RecordCronJob counts a cron job invocation.
func (c *Collector) RecordCronJob(status string) {
	if c == nil {
		return
	}
	c.CronJobRuns.WithLabelValues(status).Inc()
}

// RecordWatchdogRecovery counts a stalled run force-failed.
func (c *Collector) RecordWatchdogRecovery() {
	if c == nil {
		return
	}
	c.WatchdogRecoveries.Inc()
}
