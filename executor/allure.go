package executor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
)

// AllureResultSuffix names Allure result fragments.
const AllureResultSuffix = "-result.json"

// AllureResult is one Allure result fragment.
type AllureResult struct {
	UUID          string             `json:"uuid"`
	TestCaseID    string             `json:"testCaseId"`
	HistoryID     string             `json:"historyId"`
	Name          string             `json:"name"`
	FullName      string             `json:"fullName"`
	Status        string             `json:"status"`
	StatusDetails AllureStatusDetail `json:"statusDetails"`
	Stage         string             `json:"stage"`
	Start         int64              `json:"start"`
	Stop          int64              `json:"stop"`
	Labels        []AllureLabel      `json:"labels"`
	Attachments   []AllureAttachment `json:"attachments"`
	Steps         []AllureStep       `json:"steps"`
}

// AllureStatusDetail carries the failure message and trace.
type AllureStatusDetail struct {
	Message string `json:"message"`
	Trace   string `json:"trace"`
}

// AllureLabel is a name/value label on a result.
type AllureLabel struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AllureAttachment references a file stored next to the fragment.
type AllureAttachment struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Type   string `json:"type"`
}

// AllureStep is a (possibly nested) step with its own attachments.
type AllureStep struct {
	Name        string             `json:"name"`
	Status      string             `json:"status"`
	Steps       []AllureStep       `json:"steps"`
	Attachments []AllureAttachment `json:"attachments"`
}

// Label returns the value of the first label called name.
func (r *AllureResult) Label(name string) string {
	for _, l := range r.Labels {
		if l.Name == name {
			return l.Value
		}
	}
	return ""
}

// TestID returns the stable test identifier: the testCaseId label if
// present, else an identifier embedded in the test name.
func (r *AllureResult) TestID() string {
	if id := r.Label("testCaseId"); id != "" {
		return id
	}
	if id := ExtractTestID(r.Name); id != "" {
		return id
	}
	return ExtractTestID(r.FullName)
}

// AllAttachments returns the result's attachments followed by every step's.
func (r *AllureResult) AllAttachments() []AllureAttachment {
	out := append([]AllureAttachment(nil), r.Attachments...)
	var walk func([]AllureStep)
	walk = func(steps []AllureStep) {
		for _, s := range steps {
			out = append(out, s.Attachments...)
			walk(s.Steps)
		}
	}
	walk(r.Steps)
	return out
}

// MapAllureStatus converts an Allure status to a canonical one. Unknown
// statuses count as broken.
func MapAllureStatus(s string) store.ResultStatus {
	switch strings.ToLower(s) {
	case "passed":
		return store.ResultPassed
	case "failed":
		return store.ResultFailed
	case "skipped":
		return store.ResultSkipped
	default:
		return store.ResultBroken
	}
}

// ReadAllureResult parses one fragment.
func ReadAllureResult(path string) (*AllureResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r AllureResult
	if err := json.NewDecoder(io.LimitReader(f, 32<<20)).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &r, nil
}

// ParseAllureDir converts every fragment in dir into a TestResult for runID.
// Unreadable fragments are skipped. A missing dir yields no results.
func ParseAllureDir(dir string, runID uuid.UUID) ([]*store.TestResult, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+AllureResultSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var out []*store.TestResult
	for _, path := range matches {
		ar, err := ReadAllureResult(path)
		if err != nil {
			continue
		}
		out = append(out, allureToResult(ar, runID, filepath.Base(path)))
	}
	return out, nil
}

func allureToResult(ar *AllureResult, runID uuid.UUID, file string) *store.TestResult {
	name := ar.Name
	if name == "" {
		name = ar.FullName
	}
	res := &store.TestResult{
		RunID:        runID,
		TestName:     name,
		TestID:       ar.TestID(),
		Status:       MapAllureStatus(ar.Status),
		ErrorMessage: ar.StatusDetails.Message,
		AllureResult: file,
	}
	if ar.Stop > ar.Start && ar.Start > 0 {
		res.Duration = time.Duration(ar.Stop-ar.Start) * time.Millisecond
	}
	for _, a := range ar.AllAttachments() {
		if strings.HasPrefix(a.Type, "image/") {
			res.Screenshot = a.Source
			break
		}
	}
	return res
}
