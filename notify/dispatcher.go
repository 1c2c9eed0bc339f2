package notify

import (
	"context"
	"fmt"
	"sort"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/logging"
	"github.com/GoCodeAlone/testrunner/store"
)

// Channel names reported to the observer.
const (
	ChannelSlack = "slack"
	ChannelEmail = "email"
)

// Notification is the summary of a finished run.
type Notification struct {
	Run         *store.TestRun
	Environment *store.TestEnvironment
	Summary     store.ResultSummary
	Failures    []*store.TestResult
	ReportURL   string
}

// Title is the one-line headline used as Slack text and email subject.
func (n *Notification) Title() string {
	return fmt.Sprintf("[%s] %s tests %s: %d passed, %d failed",
		n.Environment.Name, n.Run.TestType, n.Run.Status, n.Summary.Passed, n.Summary.Failed+n.Summary.Broken)
}

// Observer is told the outcome of each channel delivery.
type Observer func(channel string, err error)

// Dispatcher fans a run summary out to Slack and email according to the
// recipients' preferences for the run's environment.
type Dispatcher struct {
	slack      *Slack
	mailer     Mailer
	recipients store.RecipientStore
	logger     modular.Logger
	observe    Observer
}

// NewDispatcher creates a Dispatcher. slack and mailer may be nil to disable
// the channel.
func NewDispatcher(slack *Slack, mailer Mailer, recipients store.RecipientStore, logger modular.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	return &Dispatcher{slack: slack, mailer: mailer, recipients: recipients, logger: logger}
}

// SetObserver registers a callback for delivery outcomes.
func (d *Dispatcher) SetObserver(o Observer) { d.observe = o }

// NotifyRun delivers the summary unless the run suppresses notifications.
// Slack goes out when at least one recipient opted in for the environment;
// email goes to every recipient that opted in, in one message. Channel
// failures are logged and never returned.
func (d *Dispatcher) NotifyRun(ctx context.Context, n *Notification) {
	if n.Run.SuppressNotifications {
		d.logger.Debug("Notifications suppressed", "run", n.Run.ID)
		return
	}
	var recipients []*store.NotificationRecipient
	if d.recipients != nil {
		var err error
		recipients, err = d.recipients.ListRecipients(ctx, n.Environment.ID)
		if err != nil {
			d.logger.Error("Loading notification recipients failed", "run", n.Run.ID, "error", err)
			return
		}
	}

	slackWanted := false
	var emails []string
	seen := make(map[string]bool)
	for _, r := range recipients {
		if !r.AppliesTo(n.Environment.ID) {
			continue
		}
		if r.SlackEnabled {
			slackWanted = true
		}
		if r.EmailEnabled && r.Email != "" && !seen[r.Email] {
			seen[r.Email] = true
			emails = append(emails, r.Email)
		}
	}
	sort.Strings(emails)

	if slackWanted && d.slack != nil && d.slack.Enabled() {
		err := d.slack.Send(ctx, n)
		d.report(ChannelSlack, n, err)
	}
	if len(emails) > 0 && d.mailer != nil {
		err := d.sendEmail(ctx, n, emails)
		d.report(ChannelEmail, n, err)
	}
}

func (d *Dispatcher) sendEmail(ctx context.Context, n *Notification, to []string) error {
	msg, err := RenderEmail(n, to)
	if err != nil {
		return err
	}
	return d.mailer.Send(ctx, msg)
}

func (d *Dispatcher) report(channel string, n *Notification, err error) {
	if err != nil {
		d.logger.Error("Notification failed", "channel", channel, "run", n.Run.ID, "error", err)
	}
	if d.observe != nil {
		d.observe(channel, err)
	}
}
