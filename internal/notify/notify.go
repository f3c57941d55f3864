// Package notify sends webhook alerts when calendar syncs fail.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// AlertType distinguishes failure alerts from recovery alerts.
type AlertType string

const (
	AlertTypeError    AlertType = "error"
	AlertTypeRecovery AlertType = "recovery"
)

// Alert is the JSON payload posted to the webhook.
type Alert struct {
	Type         AlertType `json:"type"`
	CalendarID   string    `json:"calendar_id"`
	CalendarName string    `json:"calendar_name"`
	Message      string    `json:"message"`
	Details      string    `json:"details,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Config configures webhook alerting.
type Config struct {
	WebhookURL string

	// CooldownPeriod is how long to wait before re-alerting for the same
	// calendar.
	CooldownPeriod time.Duration
}

// Notifier posts alerts about sync failures and recoveries.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client

	// per-calendar cooldown state
	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
	failingState   map[string]bool
}

// New creates a Notifier. A Notifier with an empty webhook URL is
// valid and silently drops every alert.
func New(cfg *Config) *Notifier {
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		lastAlertTimes: make(map[string]time.Time),
		failingState:   make(map[string]bool),
	}
}

// ValidateConfig rejects unsafe or nonsensical alert settings.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookURL != "" {
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}
	}
	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("cooldown period must be at least 1 minute")
	}
	return nil
}

// validateWebhookURL rejects endpoints an alert must never reach.
func validateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	// Webhooks are HTTPS-only
	if parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use HTTPS")
	}

	// Alerts carry error details; never post them inside the host
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return fmt.Errorf("webhook URL cannot point to localhost")
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("webhook URL cannot point to internal hosts")
	}

	return nil
}

// IsEnabled reports whether a webhook is configured.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookURL != ""
}

// SendFailureAlert sends an alert for a failing calendar sync.
// Returns true if the alert was sent, false if still in cooldown.
func (n *Notifier) SendFailureAlert(ctx context.Context, calendarID, calendarName, errMsg string) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	if n.failingState[calendarID] {
		lastAlert, exists := n.lastAlertTimes[calendarID]
		if exists && time.Since(lastAlert) < n.cfg.CooldownPeriod {
			n.mu.Unlock()
			return false // Still in cooldown
		}
	}
	n.failingState[calendarID] = true
	n.lastAlertTimes[calendarID] = time.Now()
	n.mu.Unlock()

	alert := Alert{
		Type:         AlertTypeError,
		CalendarID:   calendarID,
		CalendarName: calendarName,
		Message:      fmt.Sprintf("Sync failed for calendar '%s'", calendarName),
		Details:      errMsg,
		Timestamp:    time.Now().UTC(),
	}

	// never block the sync run on webhook delivery
	go n.send(ctx, alert)
	return true
}

// SendRecoveryAlert sends an alert when a calendar recovers after failing.
func (n *Notifier) SendRecoveryAlert(ctx context.Context, calendarID, calendarName string) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	wasFailing := n.failingState[calendarID]
	if wasFailing {
		delete(n.failingState, calendarID)
		delete(n.lastAlertTimes, calendarID)
	}
	n.mu.Unlock()

	if !wasFailing {
		return false
	}

	alert := Alert{
		Type:         AlertTypeRecovery,
		CalendarID:   calendarID,
		CalendarName: calendarName,
		Message:      fmt.Sprintf("Calendar '%s' has recovered", calendarName),
		Details:      "Syncs are succeeding again",
		Timestamp:    time.Now().UTC(),
	}

	go n.send(ctx, alert)
	return true
}

// send posts the alert to the configured webhook.
func (n *Notifier) send(ctx context.Context, alert Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		log.Printf("Failed to encode alert: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("Failed to create webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.Printf("Failed to deliver alert for calendar %s: %v", alert.CalendarID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("Webhook returned status %d for calendar %s", resp.StatusCode, alert.CalendarID)
	}
}
