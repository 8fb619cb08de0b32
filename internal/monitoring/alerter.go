package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/review-enrich/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate    AlertType = "job_failure_rate"
	AlertEntityFailureRate AlertType = "entity_failure_rate"
	AlertStuckJobs         AlertType = "stuck_jobs"
)

// Minimum sample sizes before a rate alert fires.
const (
	minFinishedJobs = 5
	minEntities     = 20
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    Config
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg Config) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 3
	retry.OnRetry = resilience.RetryLogger("webhook", "send_alert")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.JobsDone + snap.JobsFailed
	if a.cfg.JobFailureRateThreshold > 0 && finished >= minFinishedJobs && snap.JobFailRate > a.cfg.JobFailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %.0fh)",
				snap.JobFailRate*100, a.cfg.JobFailureRateThreshold*100,
				snap.JobsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.JobFailRate,
				"threshold":    a.cfg.JobFailureRateThreshold,
				"failed":       snap.JobsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.EntityFailureRateThreshold > 0 && snap.EntitiesTotal >= minEntities && snap.EntityFailRate > a.cfg.EntityFailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertEntityFailureRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Entity failure rate %.1f%% exceeds threshold %.1f%% (%d of %d entities in last %.0fh)",
				snap.EntityFailRate*100, a.cfg.EntityFailureRateThreshold*100,
				snap.EntitiesFailed, snap.EntitiesTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.EntityFailRate,
				"threshold":    a.cfg.EntityFailureRateThreshold,
				"failed":       snap.EntitiesFailed,
				"total":        snap.EntitiesTotal,
			},
			Timestamp: now,
		})
	}

	if snap.StuckJobs > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStuckJobs,
			Severity: "high",
			Message:  fmt.Sprintf("%d job(s) running longer than %s", snap.StuckJobs, a.cfg.StuckAfter),
			Details: map[string]any{
				"stuck":   snap.StuckJobs,
				"running": snap.JobsRunning,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return resilience.CheckStatus("monitoring: webhook", resp.StatusCode, body)
}
