package external

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/agenthive/orchestrator-core/internal/event"
	"github.com/agenthive/orchestrator-core/internal/notify"
)

// EmailConfig configures an EmailNotifier's SMTP target and filters.
type EmailConfig struct {
	SMTPHost    string       `yaml:"smtp_host" json:"smtp_host"`
	SMTPPort    int          `yaml:"smtp_port" json:"smtp_port"`
	Username    string       `yaml:"username" json:"username"`
	Password    string       `yaml:"password" json:"password"`
	From        string       `yaml:"from" json:"from"`
	To          []string     `yaml:"to" json:"to"`
	EventTypes  []event.Type `yaml:"event_types" json:"event_types,omitempty"`
	MinSeverity string       `yaml:"min_severity" json:"min_severity,omitempty"`
}

// EmailNotifier sends events over SMTP.
type EmailNotifier struct {
	config EmailConfig
}

// NewEmailNotifier constructs an EmailNotifier.
func NewEmailNotifier(config EmailConfig) *EmailNotifier {
	return &EmailNotifier{config: config}
}

// Name identifies this channel as "email".
func (n *EmailNotifier) Name() string { return "email" }

// ShouldNotify applies the configured type and minimum-severity filters.
func (n *EmailNotifier) ShouldNotify(e event.Event) bool {
	return notify.MatchesTypes(e, n.config.EventTypes) && notify.MeetsMinSeverity(e, n.config.MinSeverity)
}

// Send emails e to every configured recipient.
func (n *EmailNotifier) Send(e event.Event) error {
	if n.config.SMTPHost == "" {
		return fmt.Errorf("SMTP host not configured")
	}
	if n.config.From == "" {
		return fmt.Errorf("from address not configured")
	}
	if len(n.config.To) == 0 {
		return fmt.Errorf("no recipient addresses configured")
	}

	message := n.buildMessage(n.buildSubject(e), n.buildBody(e))
	addr := fmt.Sprintf("%s:%d", n.config.SMTPHost, n.config.SMTPPort)
	var auth smtp.Auth
	if n.config.Username != "" && n.config.Password != "" {
		auth = smtp.PlainAuth("", n.config.Username, n.config.Password, n.config.SMTPHost)
	}
	if err := smtp.SendMail(addr, auth, n.config.From, n.config.To, []byte(message)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (n *EmailNotifier) buildSubject(e event.Event) string {
	severity, _ := e.Payload["severity"].(string)
	prefix := ""
	switch severity {
	case "system-failure":
		prefix = "[SYSTEM FAILURE] "
	case "critical":
		prefix = "[CRITICAL] "
	case "high":
		prefix = "[HIGH] "
	}
	return fmt.Sprintf("%sorchestrator %s event - %s", prefix, e.Type, e.ID)
}

func (n *EmailNotifier) buildBody(e event.Event) string {
	var body strings.Builder
	body.WriteString("Orchestration core event notification\n")
	body.WriteString("======================================\n\n")
	body.WriteString(fmt.Sprintf("Event ID: %s\n", e.ID))
	body.WriteString(fmt.Sprintf("Type: %s\n", e.Type))
	body.WriteString(fmt.Sprintf("Source: %s\n", e.Source))
	if e.Subject != "" {
		body.WriteString(fmt.Sprintf("Subject: %s\n", e.Subject))
	}
	body.WriteString(fmt.Sprintf("Timestamp: %s\n", e.CreatedAt.Format(time.RFC3339)))
	if len(e.Payload) > 0 {
		body.WriteString("\nPayload:\n--------\n")
		for k, v := range e.Payload {
			body.WriteString(fmt.Sprintf("%s: %v\n", k, v))
		}
	}
	body.WriteString("\n--\nThis is an automated notification from the orchestration core.\n")
	return body.String()
}

func (n *EmailNotifier) buildMessage(subject, body string) string {
	var message strings.Builder
	message.WriteString(fmt.Sprintf("From: %s\r\n", n.config.From))
	message.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(n.config.To, ", ")))
	message.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	message.WriteString("MIME-Version: 1.0\r\n")
	message.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	message.WriteString(body)
	return message.String()
}
