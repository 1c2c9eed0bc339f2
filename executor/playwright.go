package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/logging"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
)

// PlaywrightReportFile is the JSON reporter output inside the per-run dir.
const PlaywrightReportFile = "playwright-report.json"

// PlaywrightConfig configures the Playwright executor.
type PlaywrightConfig struct {
	Binary      string            `yaml:"binary" json:"binary"`
	Args        []string          `yaml:"args" json:"args"`
	ResultsRoot string            `yaml:"results_root" json:"results_root"`
	Project     string            `yaml:"project" json:"project"`
	Workers     int               `yaml:"workers" json:"workers"`
	Timeout     time.Duration     `yaml:"timeout" json:"timeout"`
	ExtraArgs   []string          `yaml:"extra_args" json:"extra_args"`
	GlobalEnv   map[string]string `yaml:"global_env" json:"global_env"`
}

// PlaywrightExecutor runs Playwright Test suites with the JSON and Allure
// reporters pointed at the per-run directory.
type PlaywrightExecutor struct {
	cfg         PlaywrightConfig
	procs       *processTable
	logger      modular.Logger
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewPlaywrightExecutor creates a PlaywrightExecutor with defaults applied.
func NewPlaywrightExecutor(cfg PlaywrightConfig, logger modular.Logger) *PlaywrightExecutor {
	if cfg.Binary == "" {
		cfg.Binary = "npx"
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"playwright", "test"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Hour
	}
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	return &PlaywrightExecutor{
		cfg:         cfg,
		procs:       newProcessTable(),
		logger:      logger,
		execCommand: exec.CommandContext,
	}
}

func (p *PlaywrightExecutor) Type() store.TestType { return store.TestTypePlaywright }

func (p *PlaywrightExecutor) AllureResultsPath(runID uuid.UUID) string {
	return filepath.Join(p.cfg.ResultsRoot, runID.String())
}

func (p *PlaywrightExecutor) SharedResultsPath(string) string { return "" }

func (p *PlaywrightExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Environment == nil {
		return nil, fmt.Errorf("%w: playwright: environment is required", ErrExecution)
	}
	perRun := p.AllureResultsPath(req.Run.ID)
	if err := os.MkdirAll(perRun, 0o755); err != nil {
		return nil, fmt.Errorf("%w: playwright: create results dir: %v", ErrExecution, err)
	}

	vars := BuildEnv(req.Environment, p.cfg.GlobalEnv)
	vars["PLAYWRIGHT_BASE_URL"] = req.Environment.BaseURL
	vars["PLAYWRIGHT_JSON_OUTPUT_NAME"] = filepath.Join(perRun, PlaywrightReportFile)
	vars["ALLURE_RESULTS_DIR"] = perRun

	args := p.args(req, perRun)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cmd := p.execCommand(ctx, p.cfg.Binary, args...) //nolint:gosec // G204: args from trusted run config
	cmd.Dir = req.ModulePath
	cmd.Env = append(os.Environ(), envList(vars)...)

	p.logger.Info("Starting Playwright", "run", req.Run.ID, "args", strings.Join(args, " "))
	return p.procs.run(ctx, req.Run.ID, cmd, req.Sink, req.OnStart)
}

func (p *PlaywrightExecutor) args(req Request, perRun string) []string {
	args := append([]string(nil), p.cfg.Args...)
	if tokens := filterTokens(req.Run.Filter); len(tokens) > 0 {
		args = append(args, tokens...)
	} else if req.Suite != nil && strings.TrimSpace(req.Suite.TestPattern) != "" {
		args = append(args, "--grep", req.Suite.TestPattern)
	}
	if req.Suite != nil && len(req.Suite.ExcludedTests) > 0 {
		quoted := make([]string, len(req.Suite.ExcludedTests))
		for i, t := range req.Suite.ExcludedTests {
			quoted[i] = regexp.QuoteMeta(t)
		}
		args = append(args, "--grep-invert", strings.Join(quoted, "|"))
	}
	args = append(args, "--reporter=json,allure-playwright", "--output", filepath.Join(perRun, "test-results"))
	if p.cfg.Project != "" {
		args = append(args, "--project", p.cfg.Project)
	}
	if p.cfg.Workers > 0 {
		args = append(args, "--workers", strconv.Itoa(p.cfg.Workers))
	}
	return append(args, p.cfg.ExtraArgs...)
}

// ParseResults reads the JSON reporter output, falling back to Allure
// fragments when the JSON report is missing.
func (p *PlaywrightExecutor) ParseResults(runID uuid.UUID) ([]*store.TestResult, error) {
	dir := p.AllureResultsPath(runID)
	data, err := os.ReadFile(filepath.Join(dir, PlaywrightReportFile))
	if err != nil {
		if os.IsNotExist(err) {
			return ParseAllureDir(dir, runID)
		}
		return nil, fmt.Errorf("read playwright report: %w", err)
	}
	return ParsePlaywrightReport(data, runID, dir)
}

func (p *PlaywrightExecutor) StopRun(run *store.TestRun) error {
	return p.procs.stop(run)
}

type pwReport struct {
	Suites []pwSuite `json:"suites"`
}

type pwSuite struct {
	Title  string    `json:"title"`
	File   string    `json:"file"`
	Specs  []pwSpec  `json:"specs"`
	Suites []pwSuite `json:"suites"`
}

type pwSpec struct {
	Title string   `json:"title"`
	Tests []pwTest `json:"tests"`
}

type pwTest struct {
	ProjectName string     `json:"projectName"`
	Status      string     `json:"status"`
	Results     []pwResult `json:"results"`
}

type pwResult struct {
	Status      string         `json:"status"`
	Duration    float64        `json:"duration"`
	Error       *pwError       `json:"error"`
	Errors      []pwError      `json:"errors"`
	Attachments []pwAttachment `json:"attachments"`
}

type pwError struct {
	Message string `json:"message"`
}

type pwAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Path        string `json:"path"`
}

// MapPlaywrightStatus converts a Playwright result status to a canonical one.
func MapPlaywrightStatus(s string) store.ResultStatus {
	switch s {
	case "passed":
		return store.ResultPassed
	case "failed", "timedOut":
		return store.ResultFailed
	case "skipped":
		return store.ResultSkipped
	default:
		return store.ResultBroken
	}
}

// ParsePlaywrightReport converts a JSON reporter document into results. The
// last attempt of each test decides its status. Screenshot attachments are
// named the way the artifact collector names them when it walks resultsDir.
func ParsePlaywrightReport(data []byte, runID uuid.UUID, resultsDir string) ([]*store.TestResult, error) {
	var rep pwReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("decode playwright report: %w", err)
	}
	var out []*store.TestResult
	var walk func(s pwSuite, path []string)
	walk = func(s pwSuite, path []string) {
		// The top-level suite is the spec file; its title is the file name.
		if s.File == "" || s.Title != s.File {
			path = append(path, s.Title)
		}
		for _, spec := range s.Specs {
			for _, t := range spec.Tests {
				out = append(out, playwrightResult(runID, resultsDir, path, spec, t))
			}
		}
		for _, child := range s.Suites {
			walk(child, append([]string(nil), path...))
		}
	}
	for _, s := range rep.Suites {
		walk(s, nil)
	}
	return out, nil
}

func playwrightResult(runID uuid.UUID, resultsDir string, path []string, spec pwSpec, t pwTest) *store.TestResult {
	name := strings.Join(append(append([]string(nil), path...), spec.Title), " › ")
	if t.ProjectName != "" {
		name += " [" + t.ProjectName + "]"
	}
	res := &store.TestResult{
		RunID:    runID,
		TestName: name,
		TestID:   ExtractTestID(spec.Title),
		Status:   store.ResultSkipped,
	}
	if res.TestID == "" {
		res.TestID = ExtractTestID(strings.Join(path, " "))
	}
	if len(t.Results) == 0 {
		if t.Status != "skipped" {
			res.Status = store.ResultBroken
		}
		return res
	}
	last := t.Results[len(t.Results)-1]
	res.Status = MapPlaywrightStatus(last.Status)
	res.Duration = time.Duration(last.Duration) * time.Millisecond
	if last.Error != nil {
		res.ErrorMessage = last.Error.Message
	} else if len(last.Errors) > 0 {
		res.ErrorMessage = last.Errors[0].Message
	}
	for _, a := range last.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") && a.Path != "" {
			res.Screenshot = ArtifactName(resultsDir, a.Path)
			break
		}
	}
	return res
}
