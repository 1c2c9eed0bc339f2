package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const watchedYAML = `
log:
  level: info
workspace:
  repository: https://example.com/acme/tests.git
`

func writeWatched(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// watch starts a Watcher on a fresh file and returns the file path and a
// channel of reloads. The watcher stops when the test ends.
func watch(t *testing.T) (string, <-chan Reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testrunner.yaml")
	writeWatched(t, path, watchedYAML)

	reloads := make(chan Reload, 4)
	w := NewWatcher(path, nil, func(r Reload) { reloads <- r }, WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	// Give fsnotify time to register the directory.
	time.Sleep(100 * time.Millisecond)
	return path, reloads
}

func TestWatcherReportsChangedSections(t *testing.T) {
	path, reloads := watch(t)
	writeWatched(t, path, `
log:
  level: debug
workspace:
  repository: https://example.com/acme/tests.git
`)

	select {
	case r := <-reloads:
		if r.Config.Log.Level != "debug" {
			t.Errorf("log level = %q, want debug", r.Config.Log.Level)
		}
		if len(r.Changed) != 1 || r.Changed[0] != "log" {
			t.Errorf("changed = %v, want [log]", r.Changed)
		}
		if !OnlyReloadable(r.Changed) {
			t.Error("a log-only change should be reloadable")
		}
		if len(r.Hash) != 64 {
			t.Errorf("hash = %q", r.Hash)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after the file changed")
	}
}

func TestWatcherFlagsRestartSections(t *testing.T) {
	path, reloads := watch(t)
	writeWatched(t, path, watchedYAML+"queue:\n  backend: jetstream\n  jetstream:\n    url: nats://localhost:4222\n")

	select {
	case r := <-reloads:
		if OnlyReloadable(r.Changed) {
			t.Errorf("changed = %v should need a restart", r.Changed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after the file changed")
	}
}

func TestWatcherSkipsUnchangedContent(t *testing.T) {
	path, reloads := watch(t)
	writeWatched(t, path, watchedYAML)

	select {
	case r := <-reloads:
		t.Fatalf("unexpected reload %+v", r)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherIgnoresInvalidConfig(t *testing.T) {
	path, reloads := watch(t)
	writeWatched(t, path, "log:\n  level: loud\n")

	select {
	case r := <-reloads:
		t.Fatalf("invalid config reloaded: %+v", r)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	path, reloads := watch(t)
	writeWatched(t, filepath.Join(filepath.Dir(path), "notes.txt"), "hello")

	select {
	case r := <-reloads:
		t.Fatalf("reload for an unrelated file: %+v", r)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherMissingFile(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil, func(Reload) {})
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error for a missing file")
	}
}
