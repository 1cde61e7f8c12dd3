package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fleetwatch/pkg/models"
)

// SlackSink posts alert summaries to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string

	HTTP *http.Client
}

func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{
		webhookURL: webhookURL,
		HTTP:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSink) Name() string {
	return "slack"
}

func (s *SlackSink) Send(ctx context.Context, alert *models.Alert) error {
	payload := map[string]interface{}{
		"text": fmt.Sprintf("[%s] %s", alert.Severity, alert.Title),
		"blocks": []map[string]interface{}{
			{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*%s*\nservice: `%s`\ntype: `%s`\n%s",
						alert.Title, alert.ServiceName, alert.AlertType, alert.Description),
				},
			},
		},
	}

	return postJSON(ctx, s.HTTP, s.webhookURL, payload)
}

// WebhookSink posts the full alert as JSON to a generic webhook.
type WebhookSink struct {
	url string

	HTTP *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:  url,
		HTTP: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSink) Name() string {
	return "webhook"
}

func (w *WebhookSink) Send(ctx context.Context, alert *models.Alert) error {
	payload := map[string]interface{}{
		"id":           alert.ID,
		"service_name": alert.ServiceName,
		"alert_type":   alert.AlertType,
		"severity":     alert.Severity,
		"status":       alert.Status,
		"title":        alert.Title,
		"description":  alert.Description,
		"created_at":   alert.CreatedAt.Format(time.RFC3339),
	}
	if alert.Value != nil {
		payload["value"] = *alert.Value
	}
	if alert.Threshold != nil {
		payload["threshold"] = *alert.Threshold
	}

	return postJSON(ctx, w.HTTP, w.url, payload)
}

// PagerSink triggers a paging event for escalation. Configured as an
// escalation channel, so it only sees CRITICAL alerts (plus test sends).
type PagerSink struct {
	url        string
	routingKey string

	HTTP *http.Client
}

func NewPagerSink(url, routingKey string) *PagerSink {
	return &PagerSink{
		url:        url,
		routingKey: routingKey,
		HTTP:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *PagerSink) Name() string {
	return "pager"
}

func (p *PagerSink) Send(ctx context.Context, alert *models.Alert) error {
	payload := map[string]interface{}{
		"routing_key":  p.routingKey,
		"event_action": "trigger",
		"dedup_key":    fmt.Sprintf("%s:%s", alert.ServiceName, alert.AlertType),
		"payload": map[string]interface{}{
			"summary":   alert.Title,
			"source":    alert.ServiceName,
			"severity":  "critical",
			"timestamp": alert.CreatedAt.Format(time.RFC3339),
			"custom_details": map[string]interface{}{
				"alert_type":  alert.AlertType,
				"description": alert.Description,
			},
		},
	}

	return postJSON(ctx, p.HTTP, p.url, payload)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}

	return nil
}
