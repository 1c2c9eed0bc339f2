// Package artifact collects screenshots and HTML evidence produced by suite
// runs, serves them by name without escaping the run's directory, and
// optionally mirrors them to object storage.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/executor"
	"github.com/GoCodeAlone/testrunner/logging"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
)

// ErrPathTraversal is returned for artifact names that could resolve outside
// the run's artifact directory.
var ErrPathTraversal = errors.New("artifact: invalid artifact name")

const (
	// DefaultMaxFileSize is the largest file collected.
	DefaultMaxFileSize = 10 << 20
	// DefaultURLTemplate formats run ID and file name into a web path.
	DefaultURLTemplate = "/test-runs/%s/artifacts/%s"
)

var (
	imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true}
	htmlExts  = map[string]bool{".html": true, ".htm": true}
)

// Config configures the Collector.
type Config struct {
	// Root holds one directory of collected artifacts per run.
	Root string `yaml:"root" json:"root"`
	// ResultsRoot holds the per-run result directories written by executors.
	ResultsRoot string `yaml:"results_root" json:"results_root"`
	// SharedRoot is searched when a run's results directory has no artifacts.
	SharedRoot  string `yaml:"shared_root" json:"shared_root"`
	MaxFileSize int64  `yaml:"max_file_size" json:"max_file_size"`
	URLTemplate string `yaml:"url_template" json:"url_template"`
}

// Collection lists the file names collected for a run.
type Collection struct {
	Screenshots []string `json:"screenshots"`
	HTML        []string `json:"html"`
}

// File describes a collected artifact.
type File struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	URL     string    `json:"url"`
}

// Listing groups a run's artifacts by kind.
type Listing struct {
	Screenshots []File `json:"screenshots"`
	HTML        []File `json:"html"`
	Other       []File `json:"other"`
}

// Collector copies evidence from result directories into
// {Root}/{runID}/{name}.
type Collector struct {
	cfg    Config
	logger modular.Logger
	now    func() time.Time
}

// NewCollector creates a Collector with defaults applied.
func NewCollector(cfg Config, logger modular.Logger) *Collector {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	return &Collector{cfg: cfg, logger: logger, now: time.Now}
}

// RunDir is the directory holding a run's collected artifacts.
func (c *Collector) RunDir(runID uuid.UUID) string {
	return filepath.Join(c.cfg.Root, runID.String())
}

// CollectArtifacts copies images and HTML files from the run's results
// directory, or from the shared root when that yields nothing, into the
// run's artifact directory. Files over the size ceiling are skipped.
func (c *Collector) CollectArtifacts(run *store.TestRun) (*Collection, error) {
	dst := c.RunDir(run.ID)
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return nil, fmt.Errorf("artifact: create %s: %w", dst, err)
	}

	col := &Collection{}
	if c.cfg.ResultsRoot != "" {
		if err := c.collectFrom(filepath.Join(c.cfg.ResultsRoot, run.ID.String()), dst, time.Time{}, col); err != nil {
			return col, err
		}
	}
	if len(col.Screenshots)+len(col.HTML) == 0 && c.cfg.SharedRoot != "" {
		since := time.Time{}
		if run.StartedAt != nil {
			since = run.StartedAt.Add(-time.Second)
		}
		if err := c.collectFrom(c.cfg.SharedRoot, dst, since, col); err != nil {
			return col, err
		}
	}
	sort.Strings(col.Screenshots)
	sort.Strings(col.HTML)
	c.logger.Debug("Collected artifacts", "run", run.ID, "screenshots", len(col.Screenshots), "html", len(col.HTML))
	return col, nil
}

func (c *Collector) collectFrom(src, dst string, since time.Time, col *Collection) error {
	seen := make(map[string]bool, len(col.Screenshots)+len(col.HTML))
	for _, n := range col.Screenshots {
		seen[n] = true
	}
	for _, n := range col.HTML {
		seen[n] = true
	}
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == src && os.IsNotExist(err) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if !imageExts[ext] && !htmlExts[ext] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().Before(since) {
			return nil
		}
		if info.Size() > c.cfg.MaxFileSize {
			c.logger.Warn("Skipping oversized artifact", "file", p, "size", info.Size())
			return nil
		}
		name := executor.ArtifactName(src, p)
		if seen[name] {
			return nil
		}
		if err := executor.CopyFile(p, filepath.Join(dst, name)); err != nil {
			c.logger.Warn("Copying artifact failed", "file", p, "error", err)
			return nil
		}
		seen[name] = true
		if imageExts[ext] {
			col.Screenshots = append(col.Screenshots, name)
		} else {
			col.HTML = append(col.HTML, name)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("artifact: walk %s: %w", src, err)
	}
	return nil
}

// AssociateScreenshotsWithResults makes every result's Screenshot name a
// collected file. A result keeps a screenshot that was collected; otherwise
// it gets the first collected file whose name contains the result's test ID
// (or name) as a whole token, or no screenshot when none does. It returns
// the results that changed.
func (c *Collector) AssociateScreenshotsWithResults(results []*store.TestResult, screenshots []string) []*store.TestResult {
	have := make(map[string]bool, len(screenshots))
	for _, s := range screenshots {
		have[s] = true
	}
	var changed []*store.TestResult
	for _, r := range results {
		if r.Screenshot != "" && have[r.Screenshot] {
			continue
		}
		if name := matchScreenshot(r, screenshots); name != r.Screenshot {
			r.Screenshot = name
			changed = append(changed, r)
		}
	}
	return changed
}

func matchScreenshot(r *store.TestResult, screenshots []string) string {
	for _, key := range resultKeys(r) {
		for _, s := range screenshots {
			if containsToken(s, key) {
				return s
			}
		}
	}
	return ""
}

func resultKeys(r *store.TestResult) []string {
	var keys []string
	id := r.TestID
	if id == "" {
		id = executor.ExtractTestID(r.TestName)
	}
	if id != "" {
		keys = append(keys, id)
	}
	if r.TestName != "" && !strings.ContainsAny(r.TestName, " \t/\\") && r.TestName != id {
		keys = append(keys, r.TestName)
	}
	return keys
}

// containsToken reports whether tok occurs in s bounded by non-alphanumerics
// or the ends of s.
func containsToken(s, tok string) bool {
	if tok == "" {
		return false
	}
	for i := 0; ; {
		j := strings.Index(s[i:], tok)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(tok)
		if (start == 0 || !isAlnum(s[start-1])) && (end == len(s) || !isAlnum(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// CollectTestScreenshot copies a single result's screenshot into the run's
// artifact directory while the run is still executing. It prefers the file
// named by the result's own attachment, then a whole-token match in the run's
// results directory or the shared root. It returns the collected name, or ""
// when none was found.
func (c *Collector) CollectTestScreenshot(run *store.TestRun, result *store.TestResult) (string, error) {
	var dirs []string
	if c.cfg.ResultsRoot != "" {
		dirs = append(dirs, filepath.Join(c.cfg.ResultsRoot, run.ID.String()))
	}
	if c.cfg.SharedRoot != "" {
		dirs = append(dirs, c.cfg.SharedRoot)
	}

	for _, dir := range dirs {
		src := ""
		if result.Screenshot != "" && validName(result.Screenshot) == nil {
			if c.collectable(filepath.Join(dir, result.Screenshot)) {
				src = filepath.Join(dir, result.Screenshot)
			}
		}
		if src == "" {
			names, err := imageNames(dir)
			if err != nil {
				return "", err
			}
			if name := matchScreenshot(result, names); name != "" && c.collectable(filepath.Join(dir, name)) {
				src = filepath.Join(dir, name)
			}
		}
		if src == "" {
			continue
		}
		name := filepath.Base(src)
		if err := executor.CopyFile(src, filepath.Join(c.RunDir(run.ID), name)); err != nil {
			return "", fmt.Errorf("artifact: copy %s: %w", name, err)
		}
		result.Screenshot = name
		return name, nil
	}
	return "", nil
}

func (c *Collector) collectable(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular() && info.Size() <= c.cfg.MaxFileSize
}

func imageNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact: read %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." ||
		filepath.IsAbs(name) || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") ||
		strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	return nil
}

// ArtifactFilePath resolves name inside the run's artifact directory.
// Names containing separators, ".." or absolute paths are rejected with
// ErrPathTraversal.
func (c *Collector) ArtifactFilePath(runID uuid.UUID, name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	dir := c.RunDir(runID)
	p := filepath.Join(dir, name)
	if filepath.Dir(p) != filepath.Clean(dir) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	return p, nil
}

// ArtifactExists reports whether name is a regular file in the run's
// artifact directory. Invalid names do not exist.
func (c *Collector) ArtifactExists(runID uuid.UUID, name string) bool {
	p, err := c.ArtifactFilePath(runID, name)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// ArtifactURL returns the web path for an artifact.
func (c *Collector) ArtifactURL(runID uuid.UUID, name string) string {
	return fmt.Sprintf(c.cfg.URLTemplate, runID, name)
}

// ListArtifacts returns the run's collected files grouped by kind and sorted
// by name. A run with no artifact directory has an empty listing.
func (c *Collector) ListArtifacts(runID uuid.UUID) (*Listing, error) {
	out := &Listing{}
	entries, err := os.ReadDir(c.RunDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("artifact: list %s: %w", runID, err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		f := File{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime(), URL: c.ArtifactURL(runID, e.Name())}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		switch {
		case imageExts[ext]:
			out.Screenshots = append(out.Screenshots, f)
		case htmlExts[ext]:
			out.HTML = append(out.HTML, f)
		default:
			out.Other = append(out.Other, f)
		}
	}
	return out, nil
}

// CleanupOldArtifacts removes run artifact directories last modified more
// than maxAgeDays ago and returns how many were removed.
func (c *Collector) CleanupOldArtifacts(maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, fmt.Errorf("artifact: max age must be positive, got %d", maxAgeDays)
	}
	entries, err := os.ReadDir(c.cfg.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("artifact: read %s: %w", c.cfg.Root, err)
	}
	cutoff := c.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.cfg.Root, e.Name())); err != nil {
			c.logger.Warn("Removing artifact directory failed", "run", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		c.logger.Info("Removed old artifacts", "runs", removed, "max_age_days", maxAgeDays)
	}
	return removed, nil
}
