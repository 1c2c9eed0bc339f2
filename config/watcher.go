package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/logging"
	"github.com/fsnotify/fsnotify"
)

// Reload describes a config file edit that parsed and validated.
type Reload struct {
	Path    string
	Hash    string
	Config  *Config
	Changed []string // top-level sections that differ from the previous config
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must be quiet before it is re-read.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the watcher's logger.
func WithLogger(l modular.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// Watcher re-reads a config file after it changes on disk and reports the
// new configuration. Invalid edits are logged and skipped; the previous
// configuration stays current.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   modular.Logger
	onReload func(Reload)

	current *Config
	hash    string
}

// NewWatcher creates a Watcher for path. current is the configuration the
// process is running with; when nil the file's content at Run is used.
func NewWatcher(path string, current *Config, onReload func(Reload), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: 500 * time.Millisecond,
		logger:   logging.NoopLogger{},
		onReload: onReload,
		current:  current,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled. The parent directory is watched so
// editors that save by renaming over the file are seen.
func (w *Watcher) Run(ctx context.Context) error {
	cfg, hash, err := readFile(w.path)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	w.hash = hash
	if w.current == nil {
		w.current = cfg
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", filepath.Dir(w.path), err)
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", "path", w.path, "error", err)
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, hash, err := readFile(w.path)
	if err != nil {
		w.logger.Warn("Ignoring config change", "path", w.path, "error", err)
		return
	}
	if hash == w.hash {
		w.logger.Debug("Config content unchanged", "path", w.path)
		return
	}
	changed := ChangedSections(w.current, cfg)
	w.current, w.hash = cfg, hash
	w.logger.Info("Config reloaded", "path", w.path, "hash", hash[:12], "sections", changed)
	w.onReload(Reload{Path: w.path, Hash: hash, Config: cfg, Changed: changed})
}

// readFile parses path and returns the config with the sha256 of the raw
// bytes.
func readFile(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(data)
	cfg, err := Parse(data)
	if err != nil {
		return nil, "", err
	}
	return cfg, hex.EncodeToString(sum[:]), nil
}
