// Package notify sends run summaries to Slack and by email. Delivery is
// best effort: failures are logged and never fail the run.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/logging"
	"github.com/GoCodeAlone/testrunner/store"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Attachment colours understood by Slack.
const (
	ColorGood    = "good"
	ColorWarning = "warning"
	ColorDanger  = "danger"
)

// SlackConfig configures the Slack webhook sender.
type SlackConfig struct {
	WebhookURL     string        `yaml:"webhook_url" json:"webhook_url"`
	Channel        string        `yaml:"channel" json:"channel"`
	Username       string        `yaml:"username" json:"username"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	// RatePerSecond bounds messages sent to the webhook.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
}

// SlackField is one short field in an attachment.
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackAttachment is the coloured block carrying the run summary.
type SlackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields"`
	Footer    string       `json:"footer,omitempty"`
	Ts        int64        `json:"ts,omitempty"`
}

// SlackPayload is the JSON body posted to the webhook.
type SlackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments"`
}

// Slack posts run summaries to an incoming webhook with bounded retries.
type Slack struct {
	cfg     SlackConfig
	mu      sync.RWMutex
	client  *http.Client
	limiter *rate.Limiter
	logger  modular.Logger
}

// NewSlack creates a Slack sender with defaults applied.
func NewSlack(cfg SlackConfig, logger modular.Logger) *Slack {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	return &Slack{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		logger:  logger,
	}
}

// SetClient sets a custom HTTP client (useful for testing).
func (s *Slack) SetClient(client *http.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = client
}

// Enabled reports whether a webhook is configured.
func (s *Slack) Enabled() bool { return s.cfg.WebhookURL != "" }

// Color picks the attachment colour for a run outcome.
func Color(run *store.TestRun, sum store.ResultSummary) string {
	bad := sum.Failed + sum.Broken
	switch {
	case bad == 0 && sum.Total > 0 && run.Status != store.RunStatusFailed:
		return ColorGood
	case sum.Passed > 0 && bad > 0:
		return ColorWarning
	default:
		return ColorDanger
	}
}

// BuildPayload renders the webhook body for a run summary.
func (s *Slack) BuildPayload(n *Notification) SlackPayload {
	env := n.Environment
	fields := []SlackField{
		{Title: "Environment", Value: env.Name, Short: true},
		{Title: "Type", Value: string(n.Run.TestType), Short: true},
		{Title: "Status", Value: string(n.Run.Status), Short: true},
		{Title: "Passed", Value: fmt.Sprintf("%d", n.Summary.Passed), Short: true},
		{Title: "Failed", Value: fmt.Sprintf("%d", n.Summary.Failed+n.Summary.Broken), Short: true},
		{Title: "Skipped", Value: fmt.Sprintf("%d", n.Summary.Skipped), Short: true},
	}
	if n.ReportURL != "" {
		fields = append(fields, SlackField{Title: "Report", Value: fmt.Sprintf("<%s|Allure report>", n.ReportURL)})
	}
	att := SlackAttachment{
		Color:     Color(n.Run, n.Summary),
		Title:     n.Title(),
		TitleLink: n.ReportURL,
		Text:      n.Run.ErrorMessage,
		Fields:    fields,
		Footer:    "Run " + n.Run.ID.String(),
	}
	if n.Run.CompletedAt != nil {
		att.Ts = n.Run.CompletedAt.Unix()
	}
	return SlackPayload{
		Channel:     s.cfg.Channel,
		Username:    s.cfg.Username,
		Text:        n.Title(),
		Attachments: []SlackAttachment{att},
	}
}

// Send posts the summary, retrying transport failures and 5xx/429 responses
// with exponential backoff. It is a no-op without a webhook.
func (s *Slack) Send(ctx context.Context, n *Notification) error {
	if !s.Enabled() {
		return nil
	}
	body, err := json.Marshal(s.BuildPayload(n))
	if err != nil {
		return fmt.Errorf("notify.slack: marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(s.backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("notify.slack: rate limit: %w", err)
		}
		retry, err := s.post(ctx, body)
		if err == nil {
			s.logger.Info("Slack notification sent", "run", n.Run.ID, "attempt", attempt)
			return nil
		}
		lastErr = err
		s.logger.Warn("Slack notification attempt failed", "run", n.Run.ID, "attempt", attempt, "error", err)
		if !retry {
			break
		}
	}
	return lastErr
}

func (s *Slack) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("notify.slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	resp, err := client.Do(req) //nolint:gosec // G704: configured webhook URL
	if err != nil {
		return true, fmt.Errorf("notify.slack: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	retry = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return retry, fmt.Errorf("notify.slack: webhook returned status %d", resp.StatusCode)
}

func (s *Slack) backoff(retry int) time.Duration {
	d := float64(s.cfg.InitialBackoff) * math.Pow(2, float64(retry-1))
	if d > float64(s.cfg.MaxBackoff) {
		d = float64(s.cfg.MaxBackoff)
	}
	return time.Duration(d)
}
