package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/logging"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
)

// MFTFConfig configures the MFTF executor. Relative paths are resolved
// against the module path.
type MFTFConfig struct {
	Binary          string            `yaml:"binary" json:"binary"`
	ResultsRoot     string            `yaml:"results_root" json:"results_root"`
	AllureOutputDir string            `yaml:"allure_output_dir" json:"allure_output_dir"`
	EnvFile         string            `yaml:"env_file" json:"env_file"`
	BackendName     string            `yaml:"backend_name" json:"backend_name"`
	Timeout         time.Duration     `yaml:"timeout" json:"timeout"`
	ExtraArgs       []string          `yaml:"extra_args" json:"extra_args"`
	GlobalEnv       map[string]string `yaml:"global_env" json:"global_env"`
}

// MFTFExecutor runs Magento Functional Testing Framework suites.
type MFTFExecutor struct {
	cfg         MFTFConfig
	procs       *processTable
	logger      modular.Logger
	now         func() time.Time
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewMFTFExecutor creates an MFTFExecutor with defaults applied.
func NewMFTFExecutor(cfg MFTFConfig, logger modular.Logger) *MFTFExecutor {
	if cfg.Binary == "" {
		cfg.Binary = "vendor/bin/mftf"
	}
	if cfg.AllureOutputDir == "" {
		cfg.AllureOutputDir = "dev/tests/acceptance/tests/_output/allure-results"
	}
	if cfg.EnvFile == "" {
		cfg.EnvFile = "dev/tests/acceptance/.env"
	}
	if cfg.BackendName == "" {
		cfg.BackendName = "admin"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Hour
	}
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	return &MFTFExecutor{
		cfg:         cfg,
		procs:       newProcessTable(),
		logger:      logger,
		now:         time.Now,
		execCommand: exec.CommandContext,
	}
}

func (m *MFTFExecutor) Type() store.TestType { return store.TestTypeMFTF }

func (m *MFTFExecutor) AllureResultsPath(runID uuid.UUID) string {
	return filepath.Join(m.cfg.ResultsRoot, runID.String())
}

func (m *MFTFExecutor) SharedResultsPath(modulePath string) string {
	return resolve(modulePath, m.cfg.AllureOutputDir)
}

// Execute writes the acceptance .env for the target environment, runs the
// selected tests, and copies the fragments MFTF wrote into the shared output
// directory during the run into the per-run directory.
func (m *MFTFExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Environment == nil {
		return nil, fmt.Errorf("%w: mftf: environment is required", ErrExecution)
	}
	args, err := m.args(req)
	if err != nil {
		return nil, err
	}

	vars := BuildEnv(req.Environment, m.cfg.GlobalEnv)
	vars["MAGENTO_BASE_URL"] = ensureTrailingSlash(req.Environment.BaseURL)
	if _, ok := vars["MAGENTO_BACKEND_NAME"]; !ok {
		vars["MAGENTO_BACKEND_NAME"] = m.cfg.BackendName
	}
	vars["MAGENTO_ADMIN_USERNAME"] = req.Environment.AdminUsername
	vars["MAGENTO_ADMIN_PASSWORD"] = req.Environment.AdminPassword
	if req.Suite != nil && len(req.Suite.ExcludedTests) > 0 {
		vars["MFTF_EXCLUDED_TESTS"] = strings.Join(req.Suite.ExcludedTests, ",")
	}
	if err := m.writeEnvFile(req.ModulePath, vars); err != nil {
		return nil, fmt.Errorf("%w: mftf: %v", ErrExecution, err)
	}

	perRun := m.AllureResultsPath(req.Run.ID)
	if err := os.MkdirAll(perRun, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mftf: create results dir: %v", ErrExecution, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	cmd := m.execCommand(ctx, resolve(req.ModulePath, m.cfg.Binary), args...) //nolint:gosec // G204: args from trusted run config
	cmd.Dir = req.ModulePath
	cmd.Env = append(os.Environ(), envList(vars)...)

	started := m.now().Add(-time.Second)
	m.logger.Info("Starting MFTF", "run", req.Run.ID, "args", strings.Join(args, " "))
	res, runErr := m.procs.run(ctx, req.Run.ID, cmd, req.Sink, req.OnStart)

	n, err := harvest(m.SharedResultsPath(req.ModulePath), perRun, started)
	if err != nil {
		m.logger.Warn("Collecting MFTF results failed", "run", req.Run.ID, "error", err)
	}
	m.logger.Debug("Collected MFTF result files", "run", req.Run.ID, "files", n)
	return res, runErr
}

func (m *MFTFExecutor) args(req Request) ([]string, error) {
	var args []string
	if tokens := filterTokens(req.Run.Filter); len(tokens) > 0 {
		args = append([]string{"run:test"}, tokens...)
	} else if req.Suite != nil && strings.TrimSpace(req.Suite.TestPattern) != "" {
		args = append([]string{"run:group"}, filterTokens(req.Suite.TestPattern)...)
	} else {
		return nil, fmt.Errorf("%w: mftf: run has neither a filter nor a suite pattern", ErrExecution)
	}
	return append(args, m.cfg.ExtraArgs...), nil
}

func (m *MFTFExecutor) writeEnvFile(modulePath string, vars map[string]string) error {
	path := resolve(modulePath, m.cfg.EnvFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create env dir: %w", err)
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, vars[k])
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (m *MFTFExecutor) ParseResults(runID uuid.UUID) ([]*store.TestResult, error) {
	return ParseAllureDir(m.AllureResultsPath(runID), runID)
}

func (m *MFTFExecutor) StopRun(run *store.TestRun) error {
	return m.procs.stop(run)
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func ensureTrailingSlash(u string) string {
	if u == "" || strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
