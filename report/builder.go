package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Builder renders an Allure report for one environment from its cumulative
// results directory.
type Builder interface {
	Build(ctx context.Context, project, resultsDir, outputDir string) error
}

// CLIBuilder runs the Allure command line: allure generate <src> -o <out> --clean.
type CLIBuilder struct {
	Binary      string
	Timeout     time.Duration
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewCLIBuilder creates a CLIBuilder. An empty binary means "allure" on PATH.
func NewCLIBuilder(binary string, timeout time.Duration) *CLIBuilder {
	if binary == "" {
		binary = "allure"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &CLIBuilder{Binary: binary, Timeout: timeout, execCommand: exec.CommandContext}
}

func (b *CLIBuilder) Build(ctx context.Context, _ string, resultsDir, outputDir string) error {
	if err := os.MkdirAll(filepath.Dir(outputDir), 0o755); err != nil {
		return fmt.Errorf("report.cli: create %s: %w", filepath.Dir(outputDir), err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()
	cmd := b.execCommand(ctx, b.Binary, "generate", resultsDir, "-o", outputDir, "--clean") //nolint:gosec // G204: configured binary
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("report.cli: allure generate: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// HTTPBuilder delegates report generation to an allure-docker-service
// instance: results are uploaded to the project, then a build is triggered.
// The rendered report stays on the service.
type HTTPBuilder struct {
	BaseURL string
	client  *http.Client
}

// NewHTTPBuilder creates an HTTPBuilder for the service at baseURL.
func NewHTTPBuilder(baseURL string, timeout time.Duration) *HTTPBuilder {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPBuilder{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// SetClient sets a custom HTTP client (useful for testing).
func (b *HTTPBuilder) SetClient(c *http.Client) { b.client = c }

type sendResultsFile struct {
	FileName      string `json:"file_name"`
	ContentBase64 string `json:"content_base64"`
}

type sendResultsRequest struct {
	Results []sendResultsFile `json:"results"`
}

func (b *HTTPBuilder) Build(ctx context.Context, project, resultsDir, _ string) error {
	entries, err := os.ReadDir(resultsDir)
	if err != nil {
		return fmt.Errorf("report.http: read %s: %w", resultsDir, err)
	}
	var payload sendResultsRequest
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(resultsDir, e.Name()))
		if err != nil {
			return fmt.Errorf("report.http: read %s: %w", e.Name(), err)
		}
		payload.Results = append(payload.Results, sendResultsFile{
			FileName:      e.Name(),
			ContentBase64: base64.StdEncoding.EncodeToString(data),
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("report.http: marshal results: %w", err)
	}

	q := url.Values{"project_id": {project}}.Encode()
	if err := b.do(ctx, http.MethodPost, "/allure-docker-service/send-results?"+q, body); err != nil {
		return err
	}
	return b.do(ctx, http.MethodGet, "/allure-docker-service/generate-report?"+q, nil)
}

func (b *HTTPBuilder) do(ctx context.Context, method, path string, body []byte) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, r)
	if err != nil {
		return fmt.Errorf("report.http: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.client.Do(req) //nolint:gosec // G704: configured service URL
	if err != nil {
		return fmt.Errorf("report.http: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("report.http: %s %s returned status %d", method, path, resp.StatusCode)
	}
	return nil
}
