// Package alerting notifies operators about run lifecycle events.
package alerting

import "context"

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityCritical is for alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message. Fields are
	// alternating key/value pairs, slog style.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error

	// Name returns the name of the alerter.
	Name() string
}

// AlertEvent names a pre-defined alert event type.
type AlertEvent string

const (
	// EventBreakerTripped is sent when the circuit breaker opens.
	EventBreakerTripped AlertEvent = "breaker_tripped"
	// EventRunCompleted is sent when a run finishes all candles.
	EventRunCompleted AlertEvent = "run_completed"
	// EventRunStopped is sent when a run is stopped by request.
	EventRunStopped AlertEvent = "run_stopped"
	// EventRunFailed is sent when a run exceeds its error budget.
	EventRunFailed AlertEvent = "run_failed"
	// EventDailyLossLimit is sent when the daily loss limit latches.
	EventDailyLossLimit AlertEvent = "daily_loss_limit"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventBreakerTripped, EventRunFailed, EventDailyLossLimit:
		return SeverityCritical
	case EventRunStopped:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
