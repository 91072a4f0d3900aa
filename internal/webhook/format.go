package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sydlexius/gridserver/internal/event"
)

// Severity grades a notice for chat colors and push priorities.
type Severity string

// Severities, mildest first.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// notice is the human-facing rendering of a bus event.
type notice struct {
	Title    string
	Summary  string
	Severity Severity
}

// describe renders e for people. A "message" entry in the event data
// replaces the generated summary.
func describe(e event.Event) notice {
	n := notice{Title: "gridserver: " + string(e.Type), Severity: SeverityInfo}
	switch e.Type {
	case event.PluginBlacklisted:
		n.Title = "gridserver: plugin blacklisted"
		n.Severity = SeverityWarning
		n.Summary = fmt.Sprintf("%v will not be probed again (%v). Clear it with `gridserver blacklist clear` once fixed.",
			e.Data["identifier"], e.Data["reason"])
	case event.ScanCompleted:
		n.Title = fmt.Sprintf("gridserver: scan %v", e.Data["status"])
		n.Summary = fmt.Sprintf("%v discovered, %v probed, %v failed, %v timed out",
			e.Data["discovered"], e.Data["probed"], e.Data["failed"], e.Data["timed_out"])
		switch e.Data["status"] {
		case "failed":
			n.Severity = SeverityError
		case "canceled":
			n.Severity = SeverityWarning
		}
		if failed, _ := e.Data["failed"].(int); failed > 0 && n.Severity == SeverityInfo {
			n.Severity = SeverityWarning
		}
	case event.PluginsAdded:
		n.Summary = fmt.Sprintf("requested %v, success %v", e.Data["names"], e.Data["success"])
	case event.ClientConnected:
		n.Summary = fmt.Sprintf("client %v connected (worker %v)", e.Data["remote"], e.Data["worker_id"])
	case event.PluginDirCreated, event.PluginDirRemoved:
		n.Summary = fmt.Sprintf("%v", e.Data["path"])
	default:
		if len(e.Data) > 0 {
			b, _ := json.Marshal(e.Data)
			n.Summary = string(b)
		} else {
			n.Summary = string(e.Type)
		}
	}
	if msg, ok := e.Data["message"].(string); ok {
		n.Summary = msg
	}
	return n
}

// formatPayload returns the request body and content type for one delivery.
func formatPayload(w *Webhook, e event.Event) ([]byte, string) {
	n := describe(e)
	var payload any
	switch w.Type {
	case TypeDiscord:
		payload = map[string]any{
			"embeds": []map[string]any{{
				"title":       n.Title,
				"description": n.Summary,
				"color":       discordColor(n.Severity),
				"timestamp":   timestamp(e).Format(time.RFC3339),
			}},
		}
	case TypeSlack:
		payload = map[string]any{
			"text": fmt.Sprintf("*%s*\n%s", n.Title, n.Summary),
			"attachments": []map[string]any{{
				"color": slackColor(n.Severity),
				"ts":    timestamp(e).Unix(),
			}},
		}
	case TypeGotify:
		payload = map[string]any{
			"title":    n.Title,
			"message":  n.Summary,
			"priority": gotifyPriority(n.Severity),
		}
	default:
		payload = map[string]any{
			"event":     string(e.Type),
			"timestamp": e.Timestamp,
			"severity":  n.Severity,
			"summary":   n.Summary,
			"data":      e.Data,
		}
	}
	body, _ := json.Marshal(payload)
	return body, "application/json"
}

func timestamp(e event.Event) time.Time {
	if e.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return e.Timestamp.UTC()
}

func discordColor(s Severity) int {
	switch s {
	case SeverityError:
		return 0xe74c3c
	case SeverityWarning:
		return 0xf39c12
	default:
		return 0x3498db
	}
}

func slackColor(s Severity) string {
	switch s {
	case SeverityError:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

// gotifyPriority maps onto Gotify's 0-10 scale; 8 and above alert.
func gotifyPriority(s Severity) int {
	switch s {
	case SeverityError:
		return 8
	case SeverityWarning:
		return 5
	default:
		return 2
	}
}
