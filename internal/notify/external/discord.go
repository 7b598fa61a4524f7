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

// DiscordConfig configures a DiscordNotifier's webhook target and filters.
type DiscordConfig struct {
	WebhookURL  string       `yaml:"webhook_url" json:"webhook_url"`
	Username    string       `yaml:"username" json:"username,omitempty"`
	AvatarURL   string       `yaml:"avatar_url" json:"avatar_url,omitempty"`
	EventTypes  []event.Type `yaml:"event_types" json:"event_types,omitempty"`
	MinSeverity string       `yaml:"min_severity" json:"min_severity,omitempty"`
}

// DiscordNotifier posts events to a Discord incoming webhook as embeds.
type DiscordNotifier struct {
	config DiscordConfig
	client *http.Client
}

// NewDiscordNotifier constructs a DiscordNotifier.
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{config: config, client: &http.Client{Timeout: 10 * time.Second}}
}

// Name identifies this channel as "discord".
func (d *DiscordNotifier) Name() string { return "discord" }

// ShouldNotify applies the configured type and minimum-severity filters.
func (d *DiscordNotifier) ShouldNotify(e event.Event) bool {
	return notify.MatchesTypes(e, d.config.EventTypes) && notify.MeetsMinSeverity(e, d.config.MinSeverity)
}

// Send posts e as a Discord embed.
func (d *DiscordNotifier) Send(e event.Event) error {
	if d.config.WebhookURL == "" {
		return fmt.Errorf("discord webhook URL not configured")
	}

	severity, _ := e.Payload["severity"].(string)
	color := 0x00FF00
	switch severity {
	case "system-failure", "critical":
		color = 0xFF0000
	case "high":
		color = 0xFFA500
	}

	fields := []map[string]any{
		{"name": "Type", "value": string(e.Type), "inline": true},
		{"name": "Source", "value": e.Source, "inline": true},
	}
	if e.Subject != "" {
		fields = append(fields, map[string]any{"name": "Subject", "value": e.Subject, "inline": true})
	}
	if severity != "" {
		fields = append(fields, map[string]any{"name": "Severity", "value": severity, "inline": true})
	}
	for k, v := range e.Payload {
		if k == "severity" {
			continue
		}
		fields = append(fields, map[string]any{"name": k, "value": fmt.Sprintf("%v", v), "inline": false})
	}

	embed := map[string]any{
		"title":       fmt.Sprintf("%s event", e.Type),
		"description": fmt.Sprintf("Event ID: %s", e.ID),
		"color":       color,
		"timestamp":   e.CreatedAt.Format(time.RFC3339),
		"fields":      fields,
	}
	payload := map[string]any{"embeds": []map[string]any{embed}}
	if d.config.Username != "" {
		payload["username"] = d.config.Username
	}
	if d.config.AvatarURL != "" {
		payload["avatar_url"] = d.config.AvatarURL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	resp, err := d.client.Post(d.config.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send discord notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
