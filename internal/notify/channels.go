package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"argus-soar/internal/playbook"
)

// WebhookChannel posts notifications as JSON to an HTTP endpoint.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string { return w.name }

func (w *WebhookChannel) Send(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// SlackChannel posts notifications to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(webhookURL, channel, username string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, n *Notification) error {
	payload := map[string]any{
		"channel":  s.channel,
		"username": s.username,
		"attachments": []map[string]any{
			{
				"color":  s.stateColor(n.Instance.State),
				"title":  fmt.Sprintf("[%s] playbook %s", strings.ToUpper(n.Event), n.Instance.TemplateID),
				"fields": s.buildFields(n),
				"footer": fmt.Sprintf("Instance: %s", n.Instance.ID.String()[:8]),
				"ts":     n.Timestamp.Unix(),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (s *SlackChannel) stateColor(state playbook.State) string {
	switch state {
	case playbook.StateClosed:
		return "#00FF00"
	case playbook.StateAborted:
		return "#FF0000"
	case playbook.StateAwaitingApproval:
		return "#FFA500"
	default:
		return "#808080"
	}
}

func (s *SlackChannel) buildFields(n *Notification) []map[string]any {
	fields := []map[string]any{
		{"title": "State", "value": string(n.Instance.State), "short": true},
		{"title": "Entity", "value": n.Instance.Entity, "short": true},
		{"title": "Steps", "value": fmt.Sprintf("%d", len(n.Instance.Results)), "short": true},
	}
	if n.Instance.AbortReason != "" {
		fields = append(fields, map[string]any{
			"title": "Abort Reason", "value": n.Instance.AbortReason, "short": false,
		})
	}
	return fields
}
