// Package audit provides the append-only audit trail for order decisions and
// fills. Sinks are fire-and-forget from the caller's perspective: a write
// failure is the caller's to log, never to propagate into the replay loop.
package audit

import (
	"context"
	"time"
)

// EventType classifies audit events.
type EventType string

const (
	EventOrderApproved  EventType = "order_approved"
	EventOrderRejected  EventType = "order_rejected"
	EventOrderCancelled EventType = "order_cancelled"
	EventFill           EventType = "fill"
	EventTradeClosed    EventType = "trade_closed"
	EventBreakerTripped EventType = "breaker_tripped"
	EventRunState       EventType = "run_state"
)

// Event is one audit record. Details carries event-specific context and is
// serialized as JSON by persistent sinks.
type Event struct {
	ID        string
	RunID     string
	Timestamp time.Time
	Type      EventType
	Symbol    string
	OrderID   string
	Reason    string
	Details   map[string]any
}

// Sink receives audit events in order.
type Sink interface {
	// Append records one event. Implementations must not block the replay
	// loop; errors are returned for the caller to log.
	Append(ctx context.Context, event Event) error

	// Close flushes and releases resources.
	Close() error
}
