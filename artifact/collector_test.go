package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/testrunner/executor"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestCollector(t *testing.T) (*Collector, Config) {
	t.Helper()
	base := t.TempDir()
	cfg := Config{
		Root:        filepath.Join(base, "artifacts"),
		ResultsRoot: filepath.Join(base, "results"),
		SharedRoot:  filepath.Join(base, "shared"),
		MaxFileSize: 100,
	}
	return NewCollector(cfg, nil), cfg
}

func TestCollectArtifactsFromRunDir(t *testing.T) {
	c, cfg := newTestCollector(t)
	run := &store.TestRun{ID: uuid.New()}
	runDir := filepath.Join(cfg.ResultsRoot, run.ID.String())
	writeFile(t, filepath.Join(runDir, "MOEC1-fail.png"), 10)
	writeFile(t, filepath.Join(runDir, "nested", "page.html"), 10)
	writeFile(t, filepath.Join(runDir, "big.png"), 500)
	writeFile(t, filepath.Join(runDir, "a-result.json"), 10)
	writeFile(t, filepath.Join(cfg.SharedRoot, "shared.png"), 10)

	col, err := c.CollectArtifacts(run)
	if err != nil {
		t.Fatalf("CollectArtifacts: %v", err)
	}
	if len(col.Screenshots) != 1 || col.Screenshots[0] != "MOEC1-fail.png" {
		t.Errorf("Screenshots = %v", col.Screenshots)
	}
	if len(col.HTML) != 1 || col.HTML[0] != "nested__page.html" {
		t.Errorf("HTML = %v", col.HTML)
	}
	if !c.ArtifactExists(run.ID, "MOEC1-fail.png") {
		t.Error("screenshot not copied into artifact dir")
	}
	if c.ArtifactExists(run.ID, "big.png") {
		t.Error("oversized file should be skipped")
	}
}

func TestCollectArtifactsFallsBackToSharedRoot(t *testing.T) {
	c, cfg := newTestCollector(t)
	started := time.Now()
	run := &store.TestRun{ID: uuid.New(), StartedAt: &started}

	writeFile(t, filepath.Join(cfg.SharedRoot, "fresh.png"), 10)
	stale := filepath.Join(cfg.SharedRoot, "stale.png")
	writeFile(t, stale, 10)
	past := started.Add(-time.Hour)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatal(err)
	}

	col, err := c.CollectArtifacts(run)
	if err != nil {
		t.Fatalf("CollectArtifacts: %v", err)
	}
	if len(col.Screenshots) != 1 || col.Screenshots[0] != "fresh.png" {
		t.Errorf("Screenshots = %v", col.Screenshots)
	}
}

func TestAssociateScreenshotsWholeToken(t *testing.T) {
	c, _ := newTestCollector(t)
	results := []*store.TestResult{
		{TestName: "MOEC2609 checkout", TestID: "MOEC2609"},
		{TestName: "MOEC2609ES checkout", TestID: "MOEC2609ES"},
		{TestName: "AdminLoginTest"},
		{TestName: "no match", TestID: "ZZ999"},
	}
	shots := []string{"MOEC2609ES-fail.png", "MOEC2609-fail.png", "AdminLoginTest.png"}

	changed := c.AssociateScreenshotsWithResults(results, shots)
	if len(changed) != 3 {
		t.Errorf("expected 3 changed results, got %d", len(changed))
	}
	if results[0].Screenshot != "MOEC2609-fail.png" {
		t.Errorf("MOEC2609 matched %q", results[0].Screenshot)
	}
	if results[1].Screenshot != "MOEC2609ES-fail.png" {
		t.Errorf("MOEC2609ES matched %q", results[1].Screenshot)
	}
	if results[2].Screenshot != "AdminLoginTest.png" {
		t.Errorf("name match = %q", results[2].Screenshot)
	}
	if results[3].Screenshot != "" {
		t.Errorf("unexpected match %q", results[3].Screenshot)
	}
}

func TestCollectArtifactsKeepsSameNamedScreenshots(t *testing.T) {
	c, cfg := newTestCollector(t)
	run := &store.TestRun{ID: uuid.New()}
	runDir := filepath.Join(cfg.ResultsRoot, run.ID.String())
	checkout := filepath.Join(runDir, "test-results", "checkout-MOEC1-chromium", "test-failed-1.png")
	login := filepath.Join(runDir, "test-results", "login-MOEC2-chromium", "test-failed-1.png")
	writeFile(t, checkout, 10)
	writeFile(t, login, 20)

	report := `{"suites": [{"title": "shop.spec.ts", "file": "shop.spec.ts", "specs": [
	  {"title": "MOEC1 checkout", "tests": [{"results": [{"status": "failed", "attachments": [
	    {"name": "screenshot", "contentType": "image/png", "path": "` + filepath.ToSlash(checkout) + `"}]}]}]},
	  {"title": "MOEC2 login", "tests": [{"results": [{"status": "failed", "attachments": [
	    {"name": "screenshot", "contentType": "image/png", "path": "` + filepath.ToSlash(login) + `"}]}]}]}
	]}]}`
	results, err := executor.ParsePlaywrightReport([]byte(report), run.ID, runDir)
	if err != nil {
		t.Fatalf("ParsePlaywrightReport: %v", err)
	}

	col, err := c.CollectArtifacts(run)
	if err != nil {
		t.Fatalf("CollectArtifacts: %v", err)
	}
	if len(col.Screenshots) != 2 {
		t.Fatalf("Screenshots = %v, want both failures", col.Screenshots)
	}
	if changed := c.AssociateScreenshotsWithResults(results, col.Screenshots); len(changed) != 0 {
		t.Errorf("collected screenshots should already match, changed %d", len(changed))
	}
	if results[0].Screenshot == results[1].Screenshot {
		t.Fatalf("both results point at %q", results[0].Screenshot)
	}
	for i, want := range []int64{10, 20} {
		p, err := c.ArtifactFilePath(run.ID, results[i].Screenshot)
		if err != nil {
			t.Fatalf("result %d screenshot %q: %v", i, results[i].Screenshot, err)
		}
		info, err := os.Stat(p)
		if err != nil || info.Size() != want {
			t.Errorf("result %d screenshot %q: size %v (%v), want %d", i, results[i].Screenshot, info, err, want)
		}
	}
}

func TestAssociateScreenshotsClearsUncollected(t *testing.T) {
	c, _ := newTestCollector(t)
	results := []*store.TestResult{
		{TestName: "checkout", TestID: "MOEC3", Screenshot: "0b1c-attachment.png"},
		{TestName: "login", TestID: "MOEC4", Screenshot: "too-big-attachment.png"},
	}
	changed := c.AssociateScreenshotsWithResults(results, []string{"MOEC4-fail.png"})
	if len(changed) != 2 {
		t.Errorf("expected 2 changed results, got %d", len(changed))
	}
	if results[0].Screenshot != "" {
		t.Errorf("uncollected screenshot kept: %q", results[0].Screenshot)
	}
	if results[1].Screenshot != "MOEC4-fail.png" {
		t.Errorf("MOEC4 screenshot = %q", results[1].Screenshot)
	}
}

func TestContainsToken(t *testing.T) {
	tests := []struct {
		s, tok string
		want   bool
	}{
		{"MOEC2609-fail.png", "MOEC2609", true},
		{"MOEC2609ES-fail.png", "MOEC2609", false},
		{"xMOEC2609-fail.png", "MOEC2609", false},
		{"MOEC2609ES_MOEC2609.png", "MOEC2609", true},
		{"MOEC2609", "MOEC2609", true},
		{"anything", "", false},
	}
	for _, tt := range tests {
		if got := containsToken(tt.s, tt.tok); got != tt.want {
			t.Errorf("containsToken(%q, %q) = %v", tt.s, tt.tok, got)
		}
	}
}

func TestCollectTestScreenshot(t *testing.T) {
	c, cfg := newTestCollector(t)
	run := &store.TestRun{ID: uuid.New()}
	writeFile(t, filepath.Join(cfg.SharedRoot, "MOEC7-failure.png"), 10)

	res := &store.TestResult{TestName: "MOEC7 login", TestID: "MOEC7"}
	name, err := c.CollectTestScreenshot(run, res)
	if err != nil {
		t.Fatalf("CollectTestScreenshot: %v", err)
	}
	if name != "MOEC7-failure.png" || res.Screenshot != name {
		t.Errorf("collected %q, result has %q", name, res.Screenshot)
	}
	if !c.ArtifactExists(run.ID, name) {
		t.Error("screenshot not copied")
	}

	none, err := c.CollectTestScreenshot(run, &store.TestResult{TestID: "NOPE1"})
	if err != nil || none != "" {
		t.Errorf("expected no screenshot, got %q %v", none, err)
	}
}

func TestArtifactFilePathRejectsTraversal(t *testing.T) {
	c, _ := newTestCollector(t)
	runID := uuid.New()
	for _, name := range []string{"", ".", "..", "../secret", "a/b.png", `a\b.png`, "/etc/passwd", "x..png"} {
		if _, err := c.ArtifactFilePath(runID, name); !errors.Is(err, ErrPathTraversal) {
			t.Errorf("ArtifactFilePath(%q) error = %v", name, err)
		}
		if c.ArtifactExists(runID, name) {
			t.Errorf("ArtifactExists(%q) = true", name)
		}
	}
	p, err := c.ArtifactFilePath(runID, "shot.png")
	if err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
	if p != filepath.Join(c.RunDir(runID), "shot.png") {
		t.Errorf("path = %q", p)
	}
}

func TestListArtifactsAndURL(t *testing.T) {
	c, cfg := newTestCollector(t)
	runID := uuid.New()
	dir := filepath.Join(cfg.Root, runID.String())
	writeFile(t, filepath.Join(dir, "a.png"), 1)
	writeFile(t, filepath.Join(dir, "b.html"), 1)
	writeFile(t, filepath.Join(dir, "c.txt"), 1)

	l, err := c.ListArtifacts(runID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(l.Screenshots) != 1 || len(l.HTML) != 1 || len(l.Other) != 1 {
		t.Fatalf("unexpected listing: %+v", l)
	}
	want := "/test-runs/" + runID.String() + "/artifacts/a.png"
	if l.Screenshots[0].URL != want {
		t.Errorf("URL = %q, want %q", l.Screenshots[0].URL, want)
	}

	empty, err := c.ListArtifacts(uuid.New())
	if err != nil || len(empty.Screenshots)+len(empty.HTML)+len(empty.Other) != 0 {
		t.Errorf("expected empty listing, got %+v %v", empty, err)
	}
}

func TestCleanupOldArtifacts(t *testing.T) {
	c, cfg := newTestCollector(t)
	oldRun, newRun := uuid.New(), uuid.New()
	writeFile(t, filepath.Join(cfg.Root, oldRun.String(), "a.png"), 1)
	writeFile(t, filepath.Join(cfg.Root, newRun.String(), "a.png"), 1)
	writeFile(t, filepath.Join(cfg.Root, "not-a-run", "a.png"), 1)

	past := time.Now().Add(-10 * 24 * time.Hour)
	for _, d := range []string{oldRun.String(), "not-a-run"} {
		if err := os.Chtimes(filepath.Join(cfg.Root, d), past, past); err != nil {
			t.Fatal(err)
		}
	}

	n, err := c.CleanupOldArtifacts(7)
	if err != nil {
		t.Fatalf("CleanupOldArtifacts: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(cfg.Root, oldRun.String())); !os.IsNotExist(err) {
		t.Error("old run dir should be removed")
	}
	if _, err := os.Stat(filepath.Join(cfg.Root, newRun.String())); err != nil {
		t.Error("recent run dir should remain")
	}
	if _, err := c.CleanupOldArtifacts(0); err == nil {
		t.Error("expected error for non-positive age")
	}
}
