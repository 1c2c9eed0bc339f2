package executor

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
)

const allureFixture = `{
  "uuid": "a1",
  "name": "Guest checkout",
  "fullName": "Magento.Checkout.GuestCheckoutTest",
  "status": "failed",
  "statusDetails": {"message": "Element not found"},
  "start": 1000,
  "stop": 3500,
  "labels": [{"name": "testCaseId", "value": "MC12345"}],
  "steps": [
    {"name": "open", "status": "passed", "steps": [
      {"name": "fail", "status": "failed", "attachments": [
        {"name": "screenshot", "source": "shot-attachment.png", "type": "image/png"}
      ]}
    ]}
  ]
}`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseAllureDir(t *testing.T) {
	dir := t.TempDir()
	runID := uuid.New()
	writeFile(t, filepath.Join(dir, "a1-result.json"), allureFixture)
	writeFile(t, filepath.Join(dir, "b2-result.json"), `{"name":"ACQE77 unknown","status":"weird"}`)
	writeFile(t, filepath.Join(dir, "c3-result.json"), `not json`)
	writeFile(t, filepath.Join(dir, "d4-container.json"), `{}`)

	results, err := ParseAllureDir(dir, runID)
	if err != nil {
		t.Fatalf("ParseAllureDir: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	r := results[0]
	if r.RunID != runID || r.TestName != "Guest checkout" || r.TestID != "MC12345" {
		t.Errorf("unexpected identity: %+v", r)
	}
	if r.Status != store.ResultFailed || r.ErrorMessage != "Element not found" {
		t.Errorf("unexpected status: %s %q", r.Status, r.ErrorMessage)
	}
	if r.Duration != 2500*time.Millisecond {
		t.Errorf("Duration = %v", r.Duration)
	}
	if r.Screenshot != "shot-attachment.png" {
		t.Errorf("Screenshot = %q", r.Screenshot)
	}
	if r.AllureResult != "a1-result.json" {
		t.Errorf("AllureResult = %q", r.AllureResult)
	}

	if results[1].Status != store.ResultBroken || results[1].TestID != "ACQE77" {
		t.Errorf("unexpected second result: %+v", results[1])
	}
}

func TestParseAllureDirMissing(t *testing.T) {
	results, err := ParseAllureDir(filepath.Join(t.TempDir(), "nope"), uuid.New())
	if err != nil || len(results) != 0 {
		t.Errorf("expected no results and no error, got %v %v", results, err)
	}
}

func TestMapAllureStatus(t *testing.T) {
	for in, want := range map[string]store.ResultStatus{
		"passed":  store.ResultPassed,
		"FAILED":  store.ResultFailed,
		"skipped": store.ResultSkipped,
		"broken":  store.ResultBroken,
		"unknown": store.ResultBroken,
	} {
		if got := MapAllureStatus(in); got != want {
			t.Errorf("MapAllureStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

const playwrightFixture = `{
  "suites": [{
    "title": "checkout.spec.ts",
    "file": "checkout.spec.ts",
    "specs": [{
      "title": "MOEC2609 guest can pay",
      "tests": [{
        "projectName": "chromium",
        "status": "expected",
        "results": [
          {"status": "failed", "duration": 100, "error": {"message": "first try"}},
          {"status": "passed", "duration": 1500, "attachments": [
            {"name": "screenshot", "contentType": "image/png", "path": "/tmp/out/shot-1.png"}
          ]}
        ]
      }]
    }],
    "suites": [{
      "title": "coupons",
      "file": "checkout.spec.ts",
      "specs": [
        {"title": "applies discount", "tests": [{"projectName": "", "results": [{"status": "timedOut", "duration": 30000, "errors": [{"message": "Timeout"}]}]}]},
        {"title": "skipped one", "tests": [{"status": "skipped", "results": []}]},
        {"title": "interrupted one", "tests": [{"results": [{"status": "interrupted"}]}]}
      ]
    }]
  }]
}`

func TestParsePlaywrightReport(t *testing.T) {
	runID := uuid.New()
	results, err := ParsePlaywrightReport([]byte(playwrightFixture), runID, "/tmp/out")
	if err != nil {
		t.Fatalf("ParsePlaywrightReport: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}

	first := results[0]
	if first.TestName != "MOEC2609 guest can pay [chromium]" {
		t.Errorf("TestName = %q", first.TestName)
	}
	if first.TestID != "MOEC2609" || first.Status != store.ResultPassed {
		t.Errorf("unexpected first result: %+v", first)
	}
	if first.Duration != 1500*time.Millisecond || first.Screenshot != "shot-1.png" {
		t.Errorf("unexpected first result details: %+v", first)
	}

	if results[1].TestName != "coupons › applies discount" {
		t.Errorf("nested TestName = %q", results[1].TestName)
	}
	if results[1].Status != store.ResultFailed || results[1].ErrorMessage != "Timeout" {
		t.Errorf("timedOut should map to failed: %+v", results[1])
	}
	if results[2].Status != store.ResultSkipped {
		t.Errorf("skipped = %s", results[2].Status)
	}
	if results[3].Status != store.ResultBroken {
		t.Errorf("interrupted = %s", results[3].Status)
	}
}

func TestPlaywrightParseResultsFallsBackToAllure(t *testing.T) {
	root := t.TempDir()
	p := NewPlaywrightExecutor(PlaywrightConfig{ResultsRoot: root}, nil)
	runID := uuid.New()
	writeFile(t, filepath.Join(p.AllureResultsPath(runID), "a1-result.json"), allureFixture)

	results, err := p.ParseResults(runID)
	if err != nil {
		t.Fatalf("ParseResults: %v", err)
	}
	if len(results) != 1 || results[0].TestID != "MC12345" {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestPlaywrightArgs(t *testing.T) {
	p := NewPlaywrightExecutor(PlaywrightConfig{Project: "chromium", Workers: 2}, nil)
	args := p.args(Request{
		Run:   &store.TestRun{},
		Suite: &store.TestSuite{TestPattern: "@smoke", ExcludedTests: []string{"a.b", "MOEC1"}},
	}, "/r/1")

	want := []string{
		"playwright", "test",
		"--grep", "@smoke",
		"--grep-invert", `a\.b|MOEC1`,
		"--reporter=json,allure-playwright", "--output", "/r/1/test-results",
		"--project", "chromium",
		"--workers", "2",
	}
	if len(args) != len(want) {
		t.Fatalf("args = %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestResultWatcherReportsEachFragmentOnce(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	seen := map[string]int{}
	w, err := WatchResults(dir, 50*time.Millisecond, nil, func(path string) {
		mu.Lock()
		seen[filepath.Base(path)]++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("WatchResults: %v", err)
	}

	writeFile(t, filepath.Join(dir, "x-result.json"), `{}`)
	writeFile(t, filepath.Join(dir, "x-container.json"), `{}`)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := seen["x-result.json"]
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	// A rewrite after reporting is ignored.
	writeFile(t, filepath.Join(dir, "x-result.json"), `{"a":1}`)
	writeFile(t, filepath.Join(dir, "y-result.json"), `{}`)

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen["x-result.json"] != 1 {
		t.Errorf("x-result.json reported %d times", seen["x-result.json"])
	}
	if seen["x-container.json"] != 0 {
		t.Error("container files should be ignored")
	}
}

func TestHarvestMissingSource(t *testing.T) {
	n, err := harvest(filepath.Join(t.TempDir(), "missing"), t.TempDir(), time.Now())
	if err != nil || n != 0 {
		t.Errorf("harvest = %d, %v", n, err)
	}
}
