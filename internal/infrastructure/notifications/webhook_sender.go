package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	"github.com/carelane/patientplatform/backend/internal/domain/providers"
)

// WebhookAlertSender delivers transition alerts to a care-team webhook
// endpoint (Slack-compatible JSON payload).
type WebhookAlertSender struct {
	webhookURL string
	authToken  string
	httpClient *http.Client
}

var _ providers.AlertSink = (*WebhookAlertSender)(nil)

// NewWebhookAlertSender creates a new webhook alert sender
func NewWebhookAlertSender() (*WebhookAlertSender, error) {
	webhookURL := os.Getenv("ALERT_WEBHOOK_URL")
	if webhookURL == "" {
		return nil, fmt.Errorf("ALERT_WEBHOOK_URL must be set")
	}

	return &WebhookAlertSender{
		webhookURL: webhookURL,
		authToken:  os.Getenv("ALERT_WEBHOOK_TOKEN"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

type webhookPayload struct {
	PatientID      string `json:"patient_id"`
	Severity       string `json:"severity"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Send delivers one alert to the webhook
func (w *WebhookAlertSender) Send(ctx context.Context, alert *entities.Alert) error {
	payload := webhookPayload{
		PatientID:      alert.PatientID,
		Severity:       string(alert.Severity),
		Message:        alert.Message,
		IdempotencyKey: alert.IdempotencyKey,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.authToken)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// LogAlertSender writes alerts to the process log. Used when no webhook
// is configured, so transitions are still visible in development.
type LogAlertSender struct{}

var _ providers.AlertSink = (*LogAlertSender)(nil)

// Send logs the alert
func (l *LogAlertSender) Send(_ context.Context, alert *entities.Alert) error {
	log.Printf("ALERT [%s] patient=%s key=%s: %s", alert.Severity, alert.PatientID, alert.IdempotencyKey, alert.Message)
	return nil
}
