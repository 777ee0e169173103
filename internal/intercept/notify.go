package intercept

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/events"
)

// Notification is a notification built from a push message.
type Notification struct {
	Title string                 `json:"title"`
	Body  string                 `json:"body"`
	Icon  string                 `json:"icon,omitempty"`
	URL   string                 `json:"url,omitempty"`
	Tag   string                 `json:"tag,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Notifier displays notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// EventNotifier delivers notifications to the pages as events.
type EventNotifier struct {
	Events events.Emitter
}

// Show implements Notifier.
func (n EventNotifier) Show(ctx context.Context, notification Notification) error {
	detail := map[string]interface{}{
		"title": notification.Title,
		"body":  notification.Body,
	}
	if notification.Icon != "" {
		detail["icon"] = notification.Icon
	}
	if notification.URL != "" {
		detail["url"] = notification.URL
	}
	if notification.Tag != "" {
		detail["tag"] = notification.Tag
	}
	if len(notification.Data) > 0 {
		detail["data"] = notification.Data
	}
	n.Events.Emit(events.NotificationShow, detail)
	return nil
}

// ParsePush decodes a push payload. Payloads that are not a JSON object
// become the body of a notification with the default title.
func ParsePush(data []byte, defaultTitle string) Notification {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{Title: defaultTitle, Body: strings.TrimSpace(string(data))}
	}
	if n.Title == "" {
		n.Title = defaultTitle
	}
	// A url nested in data is honored when no top-level url is given.
	if n.URL == "" {
		if u, ok := n.Data["url"].(string); ok {
			n.URL = u
		}
	}
	return n
}

// TargetURL is the page a click on n opens.
func (n Notification) TargetURL() string {
	if n.URL == "" {
		return "/"
	}
	return n.URL
}
