package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
)

func testNotification(status store.RunStatus, sum store.ResultSummary) *Notification {
	env := &store.TestEnvironment{ID: uuid.New(), Name: "Staging"}
	return &Notification{
		Run:         &store.TestRun{ID: uuid.New(), EnvironmentID: env.ID, TestType: store.TestTypeMFTF, Status: status},
		Environment: env,
		Summary:     sum,
		ReportURL:   "https://reports.example.com/staging/reports/latest/index.html",
	}
}

func fastSlack(url string) *Slack {
	return NewSlack(SlackConfig{
		WebhookURL:     url,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		RatePerSecond:  1000,
	}, nil)
}

func TestColor(t *testing.T) {
	tests := []struct {
		name   string
		status store.RunStatus
		sum    store.ResultSummary
		want   string
	}{
		{"all passed", store.RunStatusCompleted, store.ResultSummary{Total: 3, Passed: 3}, ColorGood},
		{"passed with skips", store.RunStatusCompleted, store.ResultSummary{Total: 3, Passed: 2, Skipped: 1}, ColorGood},
		{"mixed", store.RunStatusFailed, store.ResultSummary{Total: 3, Passed: 2, Failed: 1}, ColorWarning},
		{"broken counts as bad", store.RunStatusFailed, store.ResultSummary{Total: 2, Passed: 1, Broken: 1}, ColorWarning},
		{"all failed", store.RunStatusFailed, store.ResultSummary{Total: 2, Failed: 2}, ColorDanger},
		{"no results", store.RunStatusFailed, store.ResultSummary{}, ColorDanger},
		{"run failed without test failures", store.RunStatusFailed, store.ResultSummary{Total: 1, Passed: 1}, ColorDanger},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Color(&store.TestRun{Status: tt.status}, tt.sum); got != tt.want {
				t.Errorf("Color = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSlackPayload(t *testing.T) {
	var got SlackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotification(store.RunStatusFailed, store.ResultSummary{Total: 4, Passed: 3, Failed: 1})
	if err := fastSlack(srv.URL).Send(context.Background(), n); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("expected one attachment, got %d", len(got.Attachments))
	}
	att := got.Attachments[0]
	if att.Color != ColorWarning {
		t.Errorf("color = %q", att.Color)
	}
	fields := map[string]string{}
	for _, f := range att.Fields {
		fields[f.Title] = f.Value
	}
	if fields["Environment"] != "Staging" || fields["Passed"] != "3" || fields["Failed"] != "1" {
		t.Errorf("unexpected fields: %v", fields)
	}
	if !strings.Contains(fields["Report"], n.ReportURL) {
		t.Errorf("report link missing: %q", fields["Report"])
	}
}

func TestSlackRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := fastSlack(srv.URL).Send(context.Background(), testNotification(store.RunStatusCompleted, store.ResultSummary{Total: 1, Passed: 1}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestSlackGivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := fastSlack(srv.URL).Send(context.Background(), testNotification(store.RunStatusFailed, store.ResultSummary{}))
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestSlackDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := fastSlack(srv.URL).Send(context.Background(), testNotification(store.RunStatusFailed, store.ResultSummary{})); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSlackNoWebhookIsNoop(t *testing.T) {
	s := NewSlack(SlackConfig{}, nil)
	if s.Enabled() {
		t.Error("expected disabled")
	}
	if err := s.Send(context.Background(), testNotification(store.RunStatusFailed, store.ResultSummary{})); err != nil {
		t.Errorf("Send = %v", err)
	}
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func TestDispatcherEmailsAllRecipientsOnce(t *testing.T) {
	mem := store.NewMemoryStore()
	n := testNotification(store.RunStatusFailed, store.ResultSummary{Total: 1, Failed: 1})
	n.Failures = []*store.TestResult{{TestName: "MOEC1 <checkout>", ErrorMessage: "boom"}}
	other := uuid.New()
	mem.AddRecipient(&store.NotificationRecipient{Email: "b@example.com", EmailEnabled: true})
	mem.AddRecipient(&store.NotificationRecipient{Email: "a@example.com", EmailEnabled: true, EnvironmentIDs: []uuid.UUID{n.Environment.ID}})
	mem.AddRecipient(&store.NotificationRecipient{Email: "c@example.com", EmailEnabled: true, EnvironmentIDs: []uuid.UUID{other}})
	mem.AddRecipient(&store.NotificationRecipient{Email: "d@example.com", EmailEnabled: false})

	mailer := &fakeMailer{}
	var outcomes []string
	d := NewDispatcher(nil, mailer, mem.Recipients(), nil)
	d.SetObserver(func(ch string, err error) { outcomes = append(outcomes, ch) })
	d.NotifyRun(context.Background(), n)

	if len(mailer.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mailer.sent))
	}
	msg := mailer.sent[0]
	if strings.Join(msg.To, ",") != "a@example.com,b@example.com" {
		t.Errorf("To = %v", msg.To)
	}
	if !strings.Contains(msg.HTML, "MOEC1 &lt;checkout&gt;") {
		t.Errorf("failure not escaped in body")
	}
	if !strings.Contains(msg.HTML, n.ReportURL) {
		t.Errorf("report link missing")
	}
	if len(outcomes) != 1 || outcomes[0] != ChannelEmail {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestDispatcherNoRecipientsIsNoop(t *testing.T) {
	mailer := &fakeMailer{}
	d := NewDispatcher(nil, mailer, store.NewMemoryStore().Recipients(), nil)
	d.NotifyRun(context.Background(), testNotification(store.RunStatusCompleted, store.ResultSummary{Total: 1, Passed: 1}))
	if len(mailer.sent) != 0 {
		t.Errorf("expected no mail, got %d", len(mailer.sent))
	}
}

func TestDispatcherSwallowsMailerErrors(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.AddRecipient(&store.NotificationRecipient{Email: "a@example.com", EmailEnabled: true})
	mailer := &fakeMailer{err: errors.New("smtp down")}
	var gotErr error
	d := NewDispatcher(nil, mailer, mem.Recipients(), nil)
	d.SetObserver(func(_ string, err error) { gotErr = err })

	d.NotifyRun(context.Background(), testNotification(store.RunStatusFailed, store.ResultSummary{}))
	if len(mailer.sent) != 1 {
		t.Fatalf("expected an attempt")
	}
	if gotErr == nil {
		t.Error("observer should see the mailer error")
	}
}

func TestDispatcherSuppressed(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.AddRecipient(&store.NotificationRecipient{Email: "a@example.com", EmailEnabled: true})
	mailer := &fakeMailer{}
	n := testNotification(store.RunStatusFailed, store.ResultSummary{})
	n.Run.SuppressNotifications = true
	NewDispatcher(nil, mailer, mem.Recipients(), nil).NotifyRun(context.Background(), n)
	if len(mailer.sent) != 0 {
		t.Error("suppressed run should not notify")
	}
}

func TestDispatcherSlackRequiresOptIn(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mem := store.NewMemoryStore()
	d := NewDispatcher(fastSlack(srv.URL), nil, mem.Recipients(), nil)
	d.NotifyRun(context.Background(), testNotification(store.RunStatusCompleted, store.ResultSummary{Total: 1, Passed: 1}))
	if calls.Load() != 0 {
		t.Errorf("slack sent without opt-in")
	}

	mem.AddRecipient(&store.NotificationRecipient{Email: "a@example.com", SlackEnabled: true})
	d.NotifyRun(context.Background(), testNotification(store.RunStatusCompleted, store.ResultSummary{Total: 1, Passed: 1}))
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSMTPMailer(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", Username: "u", Password: "p", From: "ci@example.com"})
	var gotAddr string
	var gotTo []string
	var gotMsg []byte
	m.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, msg
		if a == nil {
			t.Error("expected auth")
		}
		return nil
	}
	err := m.Send(context.Background(), Message{To: []string{"a@example.com", "b@example.com"}, Subject: "Run failed", HTML: "<p>hi</p>"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAddr != "smtp.example.com:587" || len(gotTo) != 2 {
		t.Errorf("addr=%q to=%v", gotAddr, gotTo)
	}
	body := string(gotMsg)
	for _, want := range []string{"To: a@example.com, b@example.com\r\n", "Content-Type: text/html; charset=UTF-8\r\n", "\r\n\r\n<p>hi</p>"} {
		if !strings.Contains(body, want) {
			t.Errorf("message missing %q", want)
		}
	}

	if err := NewSMTPMailer(SMTPConfig{}).Send(context.Background(), Message{}); err == nil {
		t.Error("expected error without host")
	}
}
