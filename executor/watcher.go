package executor

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/logging"
	"github.com/fsnotify/fsnotify"
)

// ResultWatcher reports Allure result fragments as a running suite writes
// them, so per-test evidence can be collected before the run finishes. Each
// fragment is reported once, after it has been quiet for the debounce period.
type ResultWatcher struct {
	dir      string
	debounce time.Duration
	logger   modular.Logger
	onResult func(path string)

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending map[string]time.Time
	seen    map[string]bool
}

// WatchResults starts watching dir, creating it if needed.
func WatchResults(dir string, debounce time.Duration, logger modular.Logger, onResult func(path string)) (*ResultWatcher, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("result watcher: create %s: %w", dir, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("result watcher: create fsnotify: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("result watcher: watch %s: %w", dir, err)
	}

	w := &ResultWatcher{
		dir:       dir,
		debounce:  debounce,
		logger:    logger,
		onResult:  onResult,
		fsWatcher: fsw,
		done:      make(chan struct{}),
		pending:   make(map[string]time.Time),
		seen:      make(map[string]bool),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Stop flushes fragments still pending and stops watching. It is safe to
// call Stop multiple times.
func (w *ResultWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		w.flush(true)
		err = w.fsWatcher.Close()
	})
	return err
}

func (w *ResultWatcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, AllureResultSuffix) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.mu.Lock()
				if !w.seen[event.Name] {
					w.pending[event.Name] = time.Now()
				}
				w.mu.Unlock()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Result watcher error", "dir", w.dir, "error", err)

		case <-ticker.C:
			w.flush(false)
		}
	}
}

func (w *ResultWatcher) flush(all bool) {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for path, t := range w.pending {
		if all || now.Sub(t) >= w.debounce {
			ready = append(ready, path)
		}
	}
	for _, path := range ready {
		delete(w.pending, path)
		w.seen[path] = true
	}
	w.mu.Unlock()

	for _, path := range ready {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		w.onResult(path)
	}
}
