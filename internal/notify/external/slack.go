// Package external holds the concrete webhook-based notify.Channel
// implementations: Slack, Discord, and email. Each is grounded on the
// teacher's internal/notifications/external package of the same name,
// restructured around the orchestration core's event.Event (Subject instead
// of Target, a Payload["severity"] string instead of a numeric Priority).
package external

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agenthive/orchestrator-core/internal/event"
	"github.com/agenthive/orchestrator-core/internal/notify"
)

// SlackConfig configures a SlackNotifier's webhook target and filters.
type SlackConfig struct {
	WebhookURL  string       `yaml:"webhook_url" json:"webhook_url"`
	Channel     string       `yaml:"channel" json:"channel,omitempty"`
	Username    string       `yaml:"username" json:"username,omitempty"`
	IconEmoji   string       `yaml:"icon_emoji" json:"icon_emoji,omitempty"`
	EventTypes  []event.Type `yaml:"event_types" json:"event_types,omitempty"`
	MinSeverity string       `yaml:"min_severity" json:"min_severity,omitempty"`
}

// SlackNotifier posts escalations and lifecycle events to a Slack
// incoming webhook.
type SlackNotifier struct {
	config SlackConfig
	client *http.Client
}

// NewSlackNotifier constructs a SlackNotifier.
func NewSlackNotifier(config SlackConfig) *SlackNotifier {
	return &SlackNotifier{config: config, client: &http.Client{Timeout: 10 * time.Second}}
}

// Name identifies this channel as "slack".
func (s *SlackNotifier) Name() string { return "slack" }

// ShouldNotify applies the configured type and minimum-severity filters.
func (s *SlackNotifier) ShouldNotify(e event.Event) bool {
	return notify.MatchesTypes(e, s.config.EventTypes) && notify.MeetsMinSeverity(e, s.config.MinSeverity)
}

// Send posts e as a Slack attachment.
func (s *SlackNotifier) Send(e event.Event) error {
	if s.config.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	severity, _ := e.Payload["severity"].(string)
	color := "good"
	switch severity {
	case "system-failure", "critical":
		color = "danger"
	case "high":
		color = "warning"
	}

	fields := []map[string]any{
		{"title": "Type", "value": string(e.Type), "short": true},
		{"title": "Source", "value": e.Source, "short": true},
	}
	if e.Subject != "" {
		fields = append(fields, map[string]any{"title": "Subject", "value": e.Subject, "short": true})
	}
	if severity != "" {
		fields = append(fields, map[string]any{"title": "Severity", "value": severity, "short": true})
	}
	for k, v := range e.Payload {
		if k == "severity" {
			continue
		}
		fields = append(fields, map[string]any{"title": k, "value": fmt.Sprintf("%v", v), "short": false})
	}

	payload := map[string]any{
		"text": fmt.Sprintf("Event: %s", e.ID),
		"attachments": []map[string]any{{
			"color":  color,
			"title":  fmt.Sprintf("%s event", e.Type),
			"fields": fields,
			"ts":     e.CreatedAt.Unix(),
		}},
	}
	if s.config.Channel != "" {
		payload["channel"] = s.config.Channel
	}
	if s.config.Username != "" {
		payload["username"] = s.config.Username
	}
	if s.config.IconEmoji != "" {
		payload["icon_emoji"] = s.config.IconEmoji
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	resp, err := s.client.Post(s.config.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send slack notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}
	return nil
}
