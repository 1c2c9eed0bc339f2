package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/testrunner/lock"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuilder struct {
	mu     sync.Mutex
	calls  []string
	err    error
	inputs [][]string
}

func (f *fakeBuilder) Build(_ context.Context, project, resultsDir, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, project)
	entries, _ := os.ReadDir(resultsDir)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	f.inputs = append(f.inputs, names)
	return f.err
}

func (f *fakeBuilder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func testEnv() *store.TestEnvironment {
	return &store.TestEnvironment{ID: uuid.New(), Name: "Staging", Code: "STG-1"}
}

func newTestGenerator(t *testing.T, b Builder, reports store.ReportStore) (*Generator, Config, *lock.MemoryLocker) {
	t.Helper()
	base := t.TempDir()
	cfg := Config{
		Root:              filepath.Join(base, "reports"),
		BaseURL:           "https://reports.example.com/",
		RunResultsRoot:    filepath.Join(base, "runs"),
		SharedResultsRoot: filepath.Join(base, "shared"),
		Debounce:          50 * time.Millisecond,
		LockTTL:           time.Minute,
	}
	locker := lock.NewMemoryLocker()
	g := NewGenerator(cfg, b, locker, reports, nil)
	t.Cleanup(g.Close)
	return g, cfg, locker
}

func TestGenerateReport(t *testing.T) {
	b := &fakeBuilder{}
	g, cfg, locker := newTestGenerator(t, b, nil)
	env := testEnv()
	run := &store.TestRun{ID: uuid.New(), EnvironmentID: env.ID}

	runDir := filepath.Join(cfg.RunResultsRoot, run.ID.String())
	writeFile(t, filepath.Join(runDir, "a-result.json"), `{}`)
	writeFile(t, filepath.Join(runDir, "a-attachment.png"), `png`)

	rep, err := g.GenerateReport(context.Background(), run, env, []string{
		runDir,
		filepath.Join(cfg.RunResultsRoot, "missing"),
		g.ResultsDir(env),
	})
	require.NoError(t, err)

	assert.Equal(t, run.ID, rep.RunID)
	assert.Equal(t, store.ReportTypeAllure, rep.Type)
	assert.Equal(t, "https://reports.example.com/stg-1/reports/latest/index.html", rep.URL)
	assert.Equal(t, filepath.Join(cfg.Root, "stg-1", "reports", "latest", "index.html"), rep.FilePath)
	require.NotNil(t, rep.ExpiresAt)
	assert.True(t, rep.ExpiresAt.After(rep.GeneratedAt))

	require.Equal(t, 1, b.count())
	assert.Equal(t, "stg-1", b.calls[0])
	assert.ElementsMatch(t, []string{"a-result.json", "a-attachment.png"}, b.inputs[0])

	ok, err := locker.Acquire(context.Background(), lock.ReportKey(run.ID.String()), "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "report lock should be released after the build")
}

func TestGenerateReportWaitsForLock(t *testing.T) {
	g, _, locker := newTestGenerator(t, &fakeBuilder{}, nil)
	run := &store.TestRun{ID: uuid.New()}
	_, err := locker.Acquire(context.Background(), lock.ReportKey(run.ID.String()), "someone", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = g.GenerateReport(ctx, run, testEnv(), nil)
	assert.Error(t, err)
}

func TestGenerateReportBuilderError(t *testing.T) {
	g, _, _ := newTestGenerator(t, &fakeBuilder{err: assert.AnError}, nil)
	_, err := g.GenerateReport(context.Background(), &store.TestRun{ID: uuid.New()}, testEnv(), nil)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestIncrementalReportDebounces(t *testing.T) {
	b := &fakeBuilder{}
	g, _, _ := newTestGenerator(t, b, nil)
	run := &store.TestRun{ID: uuid.New()}
	env := testEnv()

	for i := 0; i < 5; i++ {
		g.GenerateIncrementalReport(run, env, nil)
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return b.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, b.count())
}

func TestIncrementalReportSkipsWhenLocked(t *testing.T) {
	b := &fakeBuilder{}
	g, _, locker := newTestGenerator(t, b, nil)
	run := &store.TestRun{ID: uuid.New()}
	_, err := locker.Acquire(context.Background(), lock.ReportKey(run.ID.String()), "final-build", time.Minute)
	require.NoError(t, err)

	g.GenerateIncrementalReport(run, testEnv(), nil)
	time.Sleep(200 * time.Millisecond)
	g.Close()
	assert.Equal(t, 0, b.count())
}

func TestCloseCancelsPendingIncrementalReports(t *testing.T) {
	b := &fakeBuilder{}
	g, _, _ := newTestGenerator(t, b, nil)
	g.cfg.Debounce = time.Hour
	g.GenerateIncrementalReport(&store.TestRun{ID: uuid.New()}, testEnv(), nil)
	g.Close()
	g.GenerateIncrementalReport(&store.TestRun{ID: uuid.New()}, testEnv(), nil)
	assert.Equal(t, 0, b.count())
}

func TestMergeResults(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(src, "x-result.json"), `{}`)
	require.NoError(t, os.Mkdir(filepath.Join(src, "sub"), 0o755))

	n, err := MergeResults(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, filepath.Join(dst, "x-result.json"))

	n, err = MergeResults(dst, dst)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = MergeResults(filepath.Join(src, "nope"), dst)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCopyTestAllureResults(t *testing.T) {
	g, cfg, _ := newTestGenerator(t, &fakeBuilder{}, nil)
	runID := uuid.New()
	writeFile(t, filepath.Join(cfg.SharedResultsRoot, "1-result.json"),
		`{"name":"MOEC1 login","status":"failed","attachments":[{"source":"1-attachment.png","type":"image/png"}]}`)
	writeFile(t, filepath.Join(cfg.SharedResultsRoot, "1-attachment.png"), `png`)
	writeFile(t, filepath.Join(cfg.SharedResultsRoot, "2-result.json"), `{"name":"MOEC2 other","status":"passed"}`)

	n, err := g.CopyTestAllureResults(runID, "MOEC1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	dir := g.RunResultsDir(runID)
	assert.FileExists(t, filepath.Join(dir, "1-result.json"))
	assert.FileExists(t, filepath.Join(dir, "1-attachment.png"))
	assert.NoFileExists(t, filepath.Join(dir, "2-result.json"))

	n, err = g.CopyTestAllureResults(runID, "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCleanupExpired(t *testing.T) {
	mem := store.NewMemoryStore()
	g, cfg, _ := newTestGenerator(t, &fakeBuilder{}, mem.Reports())
	g.cfg.Retention = 24 * time.Hour

	oldRun, newRun := uuid.New(), uuid.New()
	writeFile(t, filepath.Join(cfg.RunResultsRoot, oldRun.String(), "a-result.json"), `{}`)
	writeFile(t, filepath.Join(cfg.RunResultsRoot, newRun.String(), "a-result.json"), `{}`)
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(cfg.RunResultsRoot, oldRun.String()), past, past))

	expired := time.Now().Add(-time.Hour)
	require.NoError(t, mem.Reports().SaveReport(context.Background(), &store.TestReport{
		RunID: oldRun, Type: store.ReportTypeAllure, ExpiresAt: &expired,
	}))

	dirs, rows, err := g.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dirs)
	assert.Equal(t, 1, rows)
	assert.NoDirExists(t, filepath.Join(cfg.RunResultsRoot, oldRun.String()))
	assert.DirExists(t, filepath.Join(cfg.RunResultsRoot, newRun.String()))
}

func TestCLIBuilder(t *testing.T) {
	var got []string
	b := NewCLIBuilder("", time.Minute)
	b.execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		got = append([]string{name}, args...)
		return exec.CommandContext(ctx, "true")
	}
	out := filepath.Join(t.TempDir(), "reports", "latest")
	require.NoError(t, b.Build(context.Background(), "stg", "/results", out))
	assert.Equal(t, []string{"allure", "generate", "/results", "-o", out, "--clean"}, got)

	b.execCommand = func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo boom >&2; exit 1")
	}
	err := b.Build(context.Background(), "stg", "/results", out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestHTTPBuilder(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var uploaded []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		if strings.HasSuffix(r.URL.Path, "/send-results") {
			var req sendResultsRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			for _, f := range req.Results {
				uploaded = append(uploaded, f.FileName)
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a-result.json"), `{}`)

	b := NewHTTPBuilder(srv.URL+"/", time.Second)
	require.NoError(t, b.Build(context.Background(), "stg-1", dir, ""))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"/allure-docker-service/send-results?project_id=stg-1",
		"/allure-docker-service/generate-report?project_id=stg-1",
	}, paths)
	assert.Equal(t, []string{"a-result.json"}, uploaded)
}

func TestHTTPBuilderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewHTTPBuilder(srv.URL, time.Second)
	err := b.Build(context.Background(), "p", t.TempDir(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
