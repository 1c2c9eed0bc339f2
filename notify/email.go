package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// Message is one HTML email to several recipients.
type Message struct {
	To      []string
	Subject string
	HTML    string
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	From     string `yaml:"from" json:"from"`
}

// SMTPMailer sends mail through an SMTP relay with optional PLAIN auth.
type SMTPMailer struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now      func() time.Time
}

// NewSMTPMailer creates an SMTPMailer. Port defaults to 587.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.cfg.Host == "" {
		return fmt.Errorf("notify.smtp: host not configured")
	}
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.sendMail(addr, auth, m.cfg.From, msg.To, m.render(msg)); err != nil {
		return fmt.Errorf("notify.smtp: send to %d recipients: %w", len(msg.To), err)
	}
	return nil
}

func (m *SMTPMailer) render(msg Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)
	return b.Bytes()
}

var summaryTemplate = template.Must(template.New("summary").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif">
<h2 style="color: {{.Color}}">{{.Title}}</h2>
<table cellpadding="4">
<tr><td><b>Environment</b></td><td>{{.Notification.Environment.Name}}</td></tr>
<tr><td><b>Type</b></td><td>{{.Notification.Run.TestType}}</td></tr>
<tr><td><b>Status</b></td><td>{{.Notification.Run.Status}}</td></tr>
<tr><td><b>Total</b></td><td>{{.Notification.Summary.Total}}</td></tr>
<tr><td><b>Passed</b></td><td>{{.Notification.Summary.Passed}}</td></tr>
<tr><td><b>Failed</b></td><td>{{.Notification.Summary.Failed}}</td></tr>
<tr><td><b>Broken</b></td><td>{{.Notification.Summary.Broken}}</td></tr>
<tr><td><b>Skipped</b></td><td>{{.Notification.Summary.Skipped}}</td></tr>
</table>
{{with .Notification.Run.ErrorMessage}}<p><b>Error:</b> {{.}}</p>{{end}}
{{if .Failures}}<h3>Failed tests</h3>
<ul>{{range .Failures}}<li>{{.TestName}}{{with .ErrorMessage}}: {{.}}{{end}}</li>{{end}}</ul>{{end}}
{{with .Notification.ReportURL}}<p><a href="{{.}}">Open the Allure report</a></p>{{end}}
</body>
</html>
`))

var htmlColors = map[string]string{
	ColorGood:    "#2eb886",
	ColorWarning: "#daa038",
	ColorDanger:  "#a30200",
}

// maxListedFailures bounds the failed tests listed in an email.
const maxListedFailures = 50

// RenderEmail builds the HTML summary message for n.
func RenderEmail(n *Notification, to []string) (Message, error) {
	failures := n.Failures
	if len(failures) > maxListedFailures {
		failures = failures[:maxListedFailures]
	}
	var b bytes.Buffer
	err := summaryTemplate.Execute(&b, map[string]any{
		"Notification": n,
		"Title":        n.Title(),
		"Color":        htmlColors[Color(n.Run, n.Summary)],
		"Failures":     failures,
	})
	if err != nil {
		return Message{}, fmt.Errorf("notify.email: render: %w", err)
	}
	return Message{To: to, Subject: n.Title(), HTML: b.String()}, nil
}
