package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecords(t *testing.T) {
	c := New(Config{})

	c.RecordRunFinished("mftf", "completed", "manual")
	c.RecordRunFinished("mftf", "completed", "manual")
	c.RecordNotification("slack", nil)
	c.RecordNotification("slack", errors.New("down"))
	c.RecordLockContention("env")
	c.RecordWatchdogRecovery()
	c.RecordCronJob("locked")
	c.RecordTestResults("playwright", 3, 1, 0, 2)
	c.ObservePhase("execute", "ok", 2*time.Second)
	c.PhaseStarted("execute")

	if got := testutil.ToFloat64(c.RunsFinished.WithLabelValues("mftf", "completed", "manual")); got != 2 {
		t.Errorf("runs finished = %v", got)
	}
	if got := testutil.ToFloat64(c.Notifications.WithLabelValues("slack", "failed")); got != 1 {
		t.Errorf("failed notifications = %v", got)
	}
	if got := testutil.ToFloat64(c.WatchdogRecoveries); got != 1 {
		t.Errorf("watchdog recoveries = %v", got)
	}
	if got := testutil.ToFloat64(c.TestResults.WithLabelValues("playwright", "broken")); got != 2 {
		t.Errorf("broken results = %v", got)
	}
	if got := testutil.ToFloat64(c.ActivePhases.WithLabelValues("execute")); got != 1 {
		t.Errorf("active phases = %v", got)
	}
	c.PhaseDone("execute")
	if got := testutil.ToFloat64(c.ActivePhases.WithLabelValues("execute")); got != 0 {
		t.Errorf("active phases after done = %v", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordRunFinished("mftf", "failed", "api")
	c.ObservePhase("prepare", "error", time.Second)
	c.PhaseStarted("prepare")
	c.PhaseDone("prepare")
	c.RecordTestResults("mftf", 1, 1, 1, 1)
	c.RecordLockContention("env")
	c.RecordNotification("email", nil)
	c.RecordCronJob("success")
	c.RecordWatchdogRecovery()
}

func TestHandlerServesMetrics(t *testing.T) {
	c := New(DefaultConfig())
	c.RecordCronJob("success")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", c.Path(), nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `testrunner_cron_job_runs_total{status="success"} 1`) {
		t.Errorf("metrics output missing cron job counter:\n%s", body)
	}
}
