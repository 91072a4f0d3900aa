package webhook

import (
	"slices"

	"github.com/sydlexius/gridserver/internal/config"
)

// Webhook is a configured outbound endpoint.
type Webhook struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Type   string   `json:"type"`
	Events []string `json:"events"`
}

// Webhook types.
const (
	TypeGeneric = "generic"
	TypeDiscord = "discord"
	TypeSlack   = "slack"
	TypeGotify  = "gotify"
)

// Wants reports whether the webhook subscribes to eventType. An empty
// filter means every event.
func (w Webhook) Wants(eventType string) bool {
	return len(w.Events) == 0 || slices.Contains(w.Events, eventType)
}

// FromConfig builds the webhook list. Bare URLs become generic webhooks
// named after their position.
func FromConfig(cfg config.NotifyConfig) []Webhook {
	out := make([]Webhook, 0, len(cfg.WebhookURLs)+len(cfg.Webhooks))
	for _, u := range cfg.WebhookURLs {
		out = append(out, Webhook{Name: u, URL: u, Type: TypeGeneric})
	}
	for _, w := range cfg.Webhooks {
		hook := Webhook{Name: w.Name, URL: w.URL, Type: w.Type, Events: slices.Clone(w.Events)}
		if hook.Type == "" {
			hook.Type = TypeGeneric
		}
		if hook.Name == "" {
			hook.Name = hook.URL
		}
		out = append(out, hook)
	}
	return out
}
