// Package executor runs MFTF and Playwright suites as child processes and
// parses their result files into canonical test results.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
)

// ErrExecution marks failures to run the suite at all, as opposed to tests
// that ran and failed.
var ErrExecution = errors.New("suite execution failed")

// Request describes one suite execution.
type Request struct {
	Run         *store.TestRun
	Environment *store.TestEnvironment
	Suite       *store.TestSuite
	ModulePath  string
	// Sink receives output as it is produced. May be nil.
	Sink io.Writer
	// OnStart is called with the child PID once the process has started.
	OnStart func(pid int)
}

// Result is the outcome of running a suite process.
type Result struct {
	Output   string
	ExitCode int
	PID      int
}

// Executor runs one kind of suite.
type Executor interface {
	Type() store.TestType
	Execute(ctx context.Context, req Request) (*Result, error)
	ParseResults(runID uuid.UUID) ([]*store.TestResult, error)
	StopRun(run *store.TestRun) error
	// AllureResultsPath is the per-run directory holding Allure fragments.
	AllureResultsPath(runID uuid.UUID) string
	// SharedResultsPath is where the suite writes results when it cannot be
	// pointed at the per-run directory. Empty if unused.
	SharedResultsPath(modulePath string) string
}

// Registry selects executors by test type.
type Registry map[store.TestType]Executor

// NewRegistry indexes executors by their Type.
func NewRegistry(execs ...Executor) Registry {
	r := make(Registry, len(execs))
	for _, e := range execs {
		r[e.Type()] = e
	}
	return r
}

// For returns the executors a run of type t uses, in execution order.
func (r Registry) For(t store.TestType) ([]Executor, error) {
	var types []store.TestType
	switch t {
	case store.TestTypeMFTF, store.TestTypePlaywright:
		types = []store.TestType{t}
	case store.TestTypeBoth:
		types = []store.TestType{store.TestTypeMFTF, store.TestTypePlaywright}
	default:
		return nil, fmt.Errorf("unknown test type %q", t)
	}
	out := make([]Executor, 0, len(types))
	for _, tt := range types {
		e, ok := r[tt]
		if !ok {
			return nil, fmt.Errorf("no executor configured for %s", tt)
		}
		out = append(out, e)
	}
	return out, nil
}

// BuildEnv merges variables for a suite process. Global variables are
// overridden by the environment's custom variables, which are overridden by
// the environment's base URL and admin credentials.
func BuildEnv(env *store.TestEnvironment, global map[string]string) map[string]string {
	out := make(map[string]string, len(global)+len(env.Variables)+4)
	for k, v := range global {
		out[k] = v
	}
	for k, v := range env.Variables {
		out[k] = v
	}
	out["BASE_URL"] = env.BaseURL
	out["ADMIN_USERNAME"] = env.AdminUsername
	out["ADMIN_PASSWORD"] = env.AdminPassword
	out["TEST_ENVIRONMENT"] = env.Slug()
	return out
}

// envList renders a variable map as sorted KEY=value pairs.
func envList(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

var testIDPattern = regexp.MustCompile(`\b[A-Z]{2,}[0-9]+[A-Z0-9]*\b`)

// ExtractTestID returns the first test-case identifier (e.g. "MOEC2609") in s.
func ExtractTestID(s string) string {
	return testIDPattern.FindString(s)
}

// filterTokens splits a comma or whitespace separated filter.
func filterTokens(filter string) []string {
	return strings.FieldsFunc(filter, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}
