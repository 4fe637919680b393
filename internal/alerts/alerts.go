// Package alerts fans alert messages out to the configured channels: the
// structured log always, Telegram when a bot token is present. The live
// trading layer uses it for trade notifications and safety alarms.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantloop/quantloop/internal/strategy"
)

// Severity levels.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one message for the operator.
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter delivers alerts over one channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans out to every configured alerter. A channel failure is
// logged and does not block the others.
type Manager struct {
	alerters []Alerter
}

// NewManager creates a manager over the given channels.
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters}
}

// Send delivers the alert to all channels.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to send alert")
			lastErr = err
		}
	}
	return lastErr
}

// SendCritical sends a critical alert. Used for safety failures such as a
// stop-loss order not landing after an entry fill.
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityCritical, Metadata: metadata})
}

// SendWarning sends a warning alert.
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityWarning, Metadata: metadata})
}

// SendInfo sends an informational alert.
func (m *Manager) SendInfo(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityInfo, Metadata: metadata})
}

// NotifyTrade sends the formatted entry notification for a newly opened
// position: direction, entry, stop, targets and the dollar risk.
func (m *Manager) NotifyTrade(ctx context.Context, coin, direction string, size, entry, stopLoss float64, tps []strategy.TakeProfit, riskUsd float64) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %.6g @ %.6g\n", strings.ToUpper(direction), coin, size, entry)
	fmt.Fprintf(&b, "SL %.6g", stopLoss)
	for i, tp := range tps {
		fmt.Fprintf(&b, " | TP%d %.6g (%.0f%%)", i+1, tp.Price, tp.PctOfPosition*100)
	}
	fmt.Fprintf(&b, "\nRisk $%.2f", riskUsd)

	return m.SendInfo(ctx, fmt.Sprintf("Trade opened: %s", coin), b.String(), map[string]interface{}{
		"coin":      coin,
		"direction": direction,
		"size":      size,
		"entry":     entry,
	})
}

// LogAlerter writes alerts to the structured log. Always configured.
type LogAlerter struct{}

// NewLogAlerter creates the log channel.
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

func (l *LogAlerter) Send(_ context.Context, alert Alert) error {
	var event = log.Info()
	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	}

	for key, value := range alert.Metadata {
		event = event.Interface(key, value)
	}
	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg(alert.Message)
	return nil
}
