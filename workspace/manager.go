// Package workspace prepares the external test module the suite executors
// run from: a symlink to a local checkout in development mode, or a shared
// git clone kept up to date under a lock.
package workspace

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/lock"
	"github.com/GoCodeAlone/testrunner/logging"
)

// ErrDevPathMissing is returned when development mode points at a path that
// does not exist.
var ErrDevPathMissing = errors.New("development module path does not exist")

// Config configures the workspace manager.
type Config struct {
	Root       string        `yaml:"root" json:"root"`
	Name       string        `yaml:"name" json:"name"`
	DevMode    bool          `yaml:"dev_mode" json:"dev_mode"`
	DevPath    string        `yaml:"dev_path" json:"dev_path"`
	Repository string        `yaml:"repository" json:"repository"`
	Branch     string        `yaml:"branch" json:"branch"`
	Token      string        `yaml:"token" json:"-"`
	Depth      int           `yaml:"depth" json:"depth"`
	LockTTL    time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
	LockWait   time.Duration `yaml:"lock_wait" json:"lock_wait"`
}

// Manager owns the shared module checkout and per-run scratch directories.
type Manager struct {
	cfg         Config
	locker      lock.Locker
	logger      modular.Logger
	owner       string
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewManager creates a Manager. locker guards the shared clone.
func NewManager(cfg Config, locker lock.Locker, logger modular.Logger) *Manager {
	if cfg.Name == "" {
		cfg.Name = "test-module"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 15 * time.Minute
	}
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	host, _ := os.Hostname()
	return &Manager{
		cfg:         cfg,
		locker:      locker,
		logger:      logger,
		owner:       fmt.Sprintf("%s-%d", host, os.Getpid()),
		execCommand: exec.CommandContext,
	}
}

// ModulePath is where the test module is made available.
func (m *Manager) ModulePath() string {
	return filepath.Join(m.cfg.Root, m.cfg.Name)
}

// RunDir is the scratch directory for one run.
func (m *Manager) RunDir(runID string) string {
	return filepath.Join(m.cfg.Root, "runs", runID)
}

// PrepareModule makes the test module available at ModulePath and returns
// that path.
func (m *Manager) PrepareModule(ctx context.Context) (string, error) {
	if err := os.MkdirAll(m.cfg.Root, 0o755); err != nil {
		return "", fmt.Errorf("workspace: create root: %w", err)
	}
	if m.cfg.DevMode {
		return m.linkDevModule()
	}
	return m.syncClone(ctx)
}

func (m *Manager) linkDevModule() (string, error) {
	if m.cfg.DevPath == "" {
		return "", fmt.Errorf("workspace: %w: dev_path is not set", ErrDevPathMissing)
	}
	src, err := filepath.Abs(m.cfg.DevPath)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve dev path: %w", err)
	}
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("workspace: %w: %s", ErrDevPathMissing, src)
	}

	target := m.ModulePath()
	tmp := target + ".link-" + randomSuffix()
	if err := os.Symlink(src, tmp); err != nil {
		return "", fmt.Errorf("workspace: create symlink: %w", err)
	}

	// A real directory cannot be renamed over; remove it first. Existing
	// symlinks are replaced atomically by the rename.
	if fi, err := os.Lstat(target); err == nil && fi.Mode()&os.ModeSymlink == 0 {
		if err := os.RemoveAll(target); err != nil {
			_ = os.Remove(tmp)
			return "", fmt.Errorf("workspace: remove existing module dir: %w", err)
		}
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("workspace: replace module link: %w", err)
	}
	m.logger.Info("Linked development module", "source", src, "target", target)
	return target, nil
}

func (m *Manager) syncClone(ctx context.Context) (string, error) {
	if m.cfg.Repository == "" {
		return "", errors.New("workspace: repository is not configured")
	}
	key := lock.WorkspaceKey(m.cfg.Name)
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.LockWait)
	defer cancel()
	if err := lock.WaitAcquire(waitCtx, m.locker, key, m.owner, m.cfg.LockTTL, 2*time.Second); err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}
	defer func() {
		if err := m.locker.Release(context.WithoutCancel(ctx), key, m.owner); err != nil {
			m.logger.Warn("Workspace lock release failed", "key", key, "error", err)
		}
	}()

	target := m.ModulePath()
	if _, err := os.Stat(filepath.Join(target, ".git")); err == nil {
		if err := m.pull(ctx, target); err != nil {
			return "", err
		}
		m.logger.Info("Updated test module", "path", target, "branch", m.cfg.Branch)
		return target, nil
	}

	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("workspace: clear stale module dir: %w", err)
	}
	args := []string{"clone"}
	if m.cfg.Branch != "" {
		args = append(args, "--branch", m.cfg.Branch)
	}
	if m.cfg.Depth > 0 {
		args = append(args, "--depth", fmt.Sprintf("%d", m.cfg.Depth))
	}
	args = append(args, m.cloneURL(), target)
	if err := m.git(ctx, args...); err != nil {
		return "", fmt.Errorf("workspace: git clone failed: %w", err)
	}
	m.logger.Info("Cloned test module", "repository", m.cfg.Repository, "path", target)
	return target, nil
}

func (m *Manager) pull(ctx context.Context, dir string) error {
	branch := m.cfg.Branch
	if branch == "" {
		branch = "HEAD"
	}
	fetch := []string{"-C", dir, "fetch", "origin", branch}
	if m.cfg.Depth > 0 {
		fetch = append(fetch, "--depth", fmt.Sprintf("%d", m.cfg.Depth))
	}
	if err := m.git(ctx, fetch...); err != nil {
		return fmt.Errorf("workspace: git fetch failed: %w", err)
	}
	if err := m.git(ctx, "-C", dir, "reset", "--hard", "FETCH_HEAD"); err != nil {
		return fmt.Errorf("workspace: git reset failed: %w", err)
	}
	return nil
}

func (m *Manager) cloneURL() string {
	if m.cfg.Token != "" && strings.HasPrefix(m.cfg.Repository, "https://") {
		return strings.Replace(m.cfg.Repository, "https://", "https://"+m.cfg.Token+"@", 1)
	}
	return m.cfg.Repository
}

func (m *Manager) git(ctx context.Context, args ...string) error {
	var stdout, stderr bytes.Buffer
	cmd := m.execCommand(ctx, "git", args...) //nolint:gosec // G204: args from trusted workspace config
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w\nstdout: %s\nstderr: %s", err, stdout.String(), m.redact(stderr.String()))
	}
	return nil
}

func (m *Manager) redact(s string) string {
	if m.cfg.Token == "" {
		return s
	}
	return strings.ReplaceAll(s, m.cfg.Token, "****")
}

// GetCommitHash returns the HEAD commit of the repository at path, or "" if
// path is not a git repository.
func (m *Manager) GetCommitHash(ctx context.Context, path string) string {
	var stdout bytes.Buffer
	cmd := m.execCommand(ctx, "git", "-C", path, "rev-parse", "HEAD")
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return ""
	}
	return strings.TrimSpace(stdout.String())
}

// Cleanup removes path. A missing path is not an error.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("workspace: cleanup %s: %w", path, err)
	}
	return nil
}

func randomSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
